// Package backend defines the Port every inference backend implements and
// its three variants: an OpenAI-compatible HTTP server, the in-process tensor
// engine and the native llama.cpp binding.
package backend

import (
	"context"

	"chatd/internal/chat"
	"chatd/internal/tokenizer"
)

// Port is the capability surface the generation engine drives.
type Port interface {
	// Name is "remote", "embedded" or "native".
	Name() string
	// Initialize loads or validates the model handle for the artifact.
	Initialize(ctx context.Context, artifactPath string) error
	// Probe returns nil when the backend is reachable.
	Probe(ctx context.Context) error
	// Step advances generation by one unit. Streaming ports return logits
	// (or a sampled piece); non-streaming ports return the whole reply.
	Step(ctx context.Context, req StepRequest) (StepResult, error)
	// ResetCache drops the decode cache without reloading weights.
	ResetCache() error
	SupportsStreaming() bool
	// ReuseContext reports whether decode state is kept across generations.
	ReuseContext() bool
	// Tokenizer is nil for ports that do not expose token ids.
	Tokenizer() tokenizer.Tokenizer
	Close() error
}

// Sampling parameters shared by all variants.
type Sampling struct {
	Temperature  float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK         int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP         float32 `json:"top_p" yaml:"top_p" toml:"top_p"`
	MaxNewTokens int     `json:"max_new_tokens" yaml:"max_new_tokens" toml:"max_new_tokens"`
	Greedy       bool    `json:"greedy" yaml:"greedy" toml:"greedy"`
	Seed         int64   `json:"seed" yaml:"seed" toml:"seed"`
}

// StepRequest carries the running context of one generation.
type StepRequest struct {
	// Tokens is the full token context (prompt plus generated so far). Empty
	// for ports without a tokenizer.
	Tokens []int
	// Messages is the conversation being answered.
	Messages []chat.Turn
	Sampling Sampling
}

// StepResult is the outcome of one Step.
type StepResult struct {
	// Logits over the vocabulary, set by ports that leave sampling to the engine.
	Logits []float32
	// Token and Piece are set when Sampled is true.
	Token   int
	Piece   string
	Sampled bool
	// EOS marks that a sampling port has nothing more to emit.
	EOS bool
	// Text is the whole reply of a non-streaming port.
	Text string
}

// TextStreamer is implemented by non-streaming ports that can still deliver a
// reply incrementally.
type TextStreamer interface {
	StreamsText() bool
	StreamText(ctx context.Context, req StepRequest, onDelta func(string) error) (string, error)
}

// HealthReporter is implemented by ports that can report liveness without a
// fresh probe.
type HealthReporter interface {
	Healthy(ctx context.Context) error
}
