package tensor

import (
	"math"
	"runtime"
	"sync"
)

// parallelThreshold is the rows*cols size above which matmul fans out.
const parallelThreshold = 1 << 16

// matmul computes out = W x where W is rows x cols, row-major.
func matmul(out, w, x []float32, rows, cols int) {
	if rows*cols < parallelThreshold {
		matmulRange(out, w, x, 0, rows, cols)
		return
	}
	workers := runtime.GOMAXPROCS(0)
	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < rows; start += chunk {
		end := min(start+chunk, rows)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			matmulRange(out, w, x, s, e, cols)
		}(start, end)
	}
	wg.Wait()
}

func matmulRange(out, w, x []float32, from, to, cols int) {
	for r := from; r < to; r++ {
		row := w[r*cols : (r+1)*cols]
		var sum float32
		for c, v := range row {
			sum += v * x[c]
		}
		out[r] = sum
	}
}

func rmsNorm(out, x, weight []float32, eps float32) {
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	scale := float32(1 / math.Sqrt(float64(ss/float32(len(x))+eps)))
	for i, v := range x {
		out[i] = v * scale * weight[i]
	}
}

func softmax(x []float32) {
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxv)))
		x[i] = e
		sum += e
	}
	for i := range x {
		x[i] /= sum
	}
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

func addBias(out, bias []float32) {
	for i, b := range bias {
		out[i] += b
	}
}

// rope holds precomputed rotation tables, [pos*half + i].
type rope struct {
	style    RopeStyle
	half     int
	cos, sin []float32
}

func newRope(cfg *Config, positions int) *rope {
	half := cfg.HeadDim / 2
	r := &rope{style: cfg.Rope, half: half, cos: make([]float32, positions*half), sin: make([]float32, positions*half)}
	theta := float64(cfg.RopeTheta)
	for pos := 0; pos < positions; pos++ {
		for i := 0; i < half; i++ {
			freq := 1.0 / math.Pow(theta, float64(2*i)/float64(cfg.HeadDim))
			angle := float64(pos) * freq
			r.cos[pos*half+i] = float32(math.Cos(angle))
			r.sin[pos*half+i] = float32(math.Sin(angle))
		}
	}
	return r
}

func (r *rope) apply(vec []float32, pos int) {
	off := pos * r.half
	for i := 0; i < r.half; i++ {
		c, s := r.cos[off+i], r.sin[off+i]
		a, b := i, i+r.half
		if r.style == RopeInterleaved {
			a, b = 2*i, 2*i+1
		}
		x0, x1 := vec[a], vec[b]
		vec[a] = x0*c - x1*s
		vec[b] = x0*s + x1*c
	}
}
