package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"chatd/internal/backend"
)

// NewRand seeds a generator; seed 0 draws from the clock.
func NewRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// Sample picks the next token id from logits. Greedy sampling (or a
// non-positive temperature) takes the argmax; otherwise logits are scaled
// by temperature, cut to the top-k candidates, then to the smallest nucleus
// whose probability mass reaches top-p, and drawn from rng.
func Sample(logits []float32, s backend.Sampling, rng *rand.Rand) int {
	if len(logits) == 0 {
		return -1
	}
	if s.Greedy || s.Temperature <= 0 {
		return argmax(logits)
	}
	type cand struct {
		id int
		p  float64
	}
	cands := make([]cand, len(logits))
	for i, l := range logits {
		cands[i] = cand{id: i, p: float64(l) / float64(s.Temperature)}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].p > cands[j].p })
	if s.TopK > 0 && s.TopK < len(cands) {
		cands = cands[:s.TopK]
	}

	maxLogit := cands[0].p
	var sum float64
	for i := range cands {
		cands[i].p = math.Exp(cands[i].p - maxLogit)
		sum += cands[i].p
	}
	for i := range cands {
		cands[i].p /= sum
	}

	if s.TopP > 0 && s.TopP < 1 {
		var cum float64
		for i := range cands {
			cum += cands[i].p
			if cum >= float64(s.TopP) {
				cands = cands[:i+1]
				break
			}
		}
		sum = cum
	} else {
		sum = 1
	}

	r := rng.Float64() * sum
	for _, c := range cands {
		r -= c.p
		if r <= 0 {
			return c.id
		}
	}
	return cands[len(cands)-1].id
}

func argmax(xs []float32) int {
	best := 0
	for i, v := range xs {
		if v > xs[best] {
			best = i
		}
	}
	return best
}
