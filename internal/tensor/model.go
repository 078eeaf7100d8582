package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrContextFull is returned when the KV cache has no room for another token.
var ErrContextFull = errors.New("tensor: context window full")

// Layer holds one transformer block. Projections are row-major [out][in].
type Layer struct {
	AttnNorm, FFNNorm []float32
	WQ, WK, WV, WO    []float32
	BQ, BK, BV, BO    []float32
	Gate, Up, Down    []float32
}

// Model is a loaded llama-family checkpoint.
type Model struct {
	Config Config

	embed   []float32 // [vocab][dim]
	outNorm []float32
	output  []float32 // [vocab][dim], may alias embed
	layers  []Layer
	rope    *rope
}

// New assembles a model from float32 weights. Output may be nil to tie the
// LM head to the embedding.
func New(cfg Config, embed, outNorm, output []float32, layers []Layer) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(layers) != cfg.Layers {
		return nil, fmt.Errorf("tensor: %d layers, config says %d", len(layers), cfg.Layers)
	}
	if len(embed) != cfg.Vocab*cfg.Dim {
		return nil, fmt.Errorf("tensor: embedding has %d values, want %d", len(embed), cfg.Vocab*cfg.Dim)
	}
	if output == nil {
		output = embed
	}
	if len(output) != cfg.Vocab*cfg.Dim || len(outNorm) != cfg.Dim {
		return nil, fmt.Errorf("tensor: output head shape mismatch")
	}
	qDim, kvDim := cfg.Heads*cfg.HeadDim, cfg.kvDim()
	for i, l := range layers {
		checks := []struct {
			name string
			got  int
			want int
		}{
			{"attn_norm", len(l.AttnNorm), cfg.Dim},
			{"ffn_norm", len(l.FFNNorm), cfg.Dim},
			{"q", len(l.WQ), qDim * cfg.Dim},
			{"k", len(l.WK), kvDim * cfg.Dim},
			{"v", len(l.WV), kvDim * cfg.Dim},
			{"o", len(l.WO), cfg.Dim * qDim},
			{"gate", len(l.Gate), cfg.Hidden * cfg.Dim},
			{"up", len(l.Up), cfg.Hidden * cfg.Dim},
			{"down", len(l.Down), cfg.Dim * cfg.Hidden},
		}
		for _, c := range checks {
			if c.got != c.want {
				return nil, fmt.Errorf("tensor: layer %d %s has %d values, want %d", i, c.name, c.got, c.want)
			}
		}
	}
	return &Model{
		Config:  cfg,
		embed:   embed,
		outNorm: outNorm,
		output:  output,
		layers:  layers,
		rope:    newRope(&cfg, cfg.ContextLen),
	}, nil
}

// Cache is the per-conversation decode state: one K and V plane per layer
// plus the tokens already fed. It is not safe for concurrent use.
type Cache struct {
	cfg    *Config
	size   int
	key    []float32 // [layer][pos][kvDim]
	val    []float32
	tokens []int

	x, xb, xb2 []float32
	hb, hb2    []float32
	q, k, v    []float32
	att        []float32
	logits     []float32
}

// NewCache allocates decode state for up to size positions, clamped to the
// model's context length. size <= 0 means the full context.
func (m *Model) NewCache(size int) *Cache {
	cfg := &m.Config
	if size <= 0 || size > cfg.ContextLen {
		size = cfg.ContextLen
	}
	kvDim := cfg.kvDim()
	return &Cache{
		cfg:    cfg,
		size:   size,
		key:    make([]float32, cfg.Layers*size*kvDim),
		val:    make([]float32, cfg.Layers*size*kvDim),
		x:      make([]float32, cfg.Dim),
		xb:     make([]float32, cfg.Dim),
		xb2:    make([]float32, cfg.Heads*cfg.HeadDim),
		hb:     make([]float32, cfg.Hidden),
		hb2:    make([]float32, cfg.Hidden),
		q:      make([]float32, cfg.Heads*cfg.HeadDim),
		k:      make([]float32, kvDim),
		v:      make([]float32, kvDim),
		att:    make([]float32, size),
		logits: make([]float32, cfg.Vocab),
	}
}

// Len reports the number of cached positions.
func (c *Cache) Len() int { return len(c.tokens) }

// Cap reports the maximum number of positions.
func (c *Cache) Cap() int { return c.size }

// Tokens returns a copy of the cached token sequence.
func (c *Cache) Tokens() []int { return append([]int(nil), c.tokens...) }

// Reset drops all cached positions. Stale K/V values past Len are never read.
func (c *Cache) Reset() { c.tokens = c.tokens[:0] }

// Forward feeds one token at position c.Len() and returns the next-token
// logits. The returned slice is owned by the cache and overwritten by the
// next call.
func (m *Model) Forward(c *Cache, token int) ([]float32, error) {
	cfg := &m.Config
	if token < 0 || token >= cfg.Vocab {
		return nil, fmt.Errorf("tensor: token %d outside vocab of %d", token, cfg.Vocab)
	}
	pos := len(c.tokens)
	if pos >= c.size {
		return nil, ErrContextFull
	}
	dim, hd, kvDim := cfg.Dim, cfg.HeadDim, cfg.kvDim()
	qDim := cfg.Heads * hd
	group := cfg.Heads / cfg.KVHeads
	scale := float32(1 / math.Sqrt(float64(hd)))

	copy(c.x, m.embed[token*dim:(token+1)*dim])

	for li := range m.layers {
		l := &m.layers[li]
		rmsNorm(c.xb, c.x, l.AttnNorm, cfg.NormEps)

		matmul(c.q, l.WQ, c.xb, qDim, dim)
		matmul(c.k, l.WK, c.xb, kvDim, dim)
		matmul(c.v, l.WV, c.xb, kvDim, dim)
		addBias(c.q, l.BQ)
		addBias(c.k, l.BK)
		addBias(c.v, l.BV)

		for h := 0; h < cfg.Heads; h++ {
			m.rope.apply(c.q[h*hd:(h+1)*hd], pos)
		}
		for h := 0; h < cfg.KVHeads; h++ {
			m.rope.apply(c.k[h*hd:(h+1)*hd], pos)
		}

		plane := li * c.size * kvDim
		copy(c.key[plane+pos*kvDim:], c.k)
		copy(c.val[plane+pos*kvDim:], c.v)

		for h := 0; h < cfg.Heads; h++ {
			kvh := h / group
			qh := c.q[h*hd : (h+1)*hd]
			att := c.att[:pos+1]
			for t := 0; t <= pos; t++ {
				kr := c.key[plane+t*kvDim+kvh*hd:]
				var dot float32
				for d := 0; d < hd; d++ {
					dot += qh[d] * kr[d]
				}
				att[t] = dot * scale
			}
			softmax(att)
			out := c.xb2[h*hd : (h+1)*hd]
			clear(out)
			for t := 0; t <= pos; t++ {
				a := att[t]
				vr := c.val[plane+t*kvDim+kvh*hd:]
				for d := 0; d < hd; d++ {
					out[d] += a * vr[d]
				}
			}
		}

		matmul(c.xb, l.WO, c.xb2, dim, qDim)
		addBias(c.xb, l.BO)
		for i := range c.x {
			c.x[i] += c.xb[i]
		}

		rmsNorm(c.xb, c.x, l.FFNNorm, cfg.NormEps)
		matmul(c.hb, l.Gate, c.xb, cfg.Hidden, dim)
		matmul(c.hb2, l.Up, c.xb, cfg.Hidden, dim)
		for i := range c.hb {
			c.hb[i] = silu(c.hb[i]) * c.hb2[i]
		}
		matmul(c.xb, l.Down, c.hb, dim, cfg.Hidden)
		for i := range c.x {
			c.x[i] += c.xb[i]
		}
	}

	rmsNorm(c.x, c.x, m.outNorm, cfg.NormEps)
	matmul(c.logits, m.output, c.x, cfg.Vocab, dim)
	c.tokens = append(c.tokens, token)
	return c.logits, nil
}
