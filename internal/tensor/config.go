// Package tensor is a small pure-Go llama-family inference engine: weights
// are dequantized to float32 at load time and decoding runs one token at a
// time against a per-layer KV cache.
package tensor

import "fmt"

// RopeStyle selects how rotary embeddings pair up head dimensions.
type RopeStyle int

const (
	// RopeInterleaved rotates adjacent pairs (2i, 2i+1). GGUF llama
	// checkpoints are converted with Q/K rows permuted for this layout.
	RopeInterleaved RopeStyle = iota
	// RopeHalf rotates (i, i+headDim/2), the Hugging Face layout.
	RopeHalf
)

// DefaultContext bounds the KV cache when a checkpoint does not declare a
// context length.
const DefaultContext = 2048

// Config holds model dimensions.
type Config struct {
	Layers     int
	Dim        int
	Heads      int
	KVHeads    int
	HeadDim    int
	Hidden     int
	Vocab      int
	ContextLen int
	NormEps    float32
	RopeTheta  float32
	Rope       RopeStyle
}

// Validate checks that the dimensions are consistent.
func (c *Config) Validate() error {
	if c.Layers <= 0 || c.Dim <= 0 || c.Heads <= 0 || c.Vocab <= 0 || c.Hidden <= 0 {
		return fmt.Errorf("tensor: incomplete config %+v", *c)
	}
	if c.KVHeads == 0 {
		c.KVHeads = c.Heads
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("tensor: %d heads not divisible by %d kv heads", c.Heads, c.KVHeads)
	}
	if c.HeadDim == 0 {
		if c.Dim%c.Heads != 0 {
			return fmt.Errorf("tensor: dim %d not divisible by %d heads", c.Dim, c.Heads)
		}
		c.HeadDim = c.Dim / c.Heads
	}
	if c.HeadDim%2 != 0 {
		return fmt.Errorf("tensor: head dim %d must be even", c.HeadDim)
	}
	if c.ContextLen <= 0 {
		c.ContextLen = DefaultContext
	}
	if c.NormEps == 0 {
		c.NormEps = 1e-5
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000
	}
	return nil
}

func (c *Config) kvDim() int { return c.KVHeads * c.HeadDim }
