//go:build !llama

package backend

import (
	"context"

	"chatd/internal/tokenizer"
)

// nativeBuilt reports whether this binary links llama.cpp.
const nativeBuilt = false

const nativeMissing = "native backend not built (missing 'llama' build tag)"

// Native is the stub compiled without the llama tag. Every operation fails
// with a dependency error so sessions fall back to canned replies.
type Native struct {
	opts Options
}

// NewNative constructs the stub.
func NewNative(opts Options) *Native { return &Native{opts: opts.withDefaults()} }

func (n *Native) Name() string { return KindNative }

func (n *Native) Initialize(context.Context, string) error {
	return ErrDependencyUnavailable(nativeMissing)
}

func (n *Native) Probe(context.Context) error { return ErrDependencyUnavailable(nativeMissing) }

func (n *Native) Step(ctx context.Context, _ StepRequest) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	return StepResult{}, ErrDependencyUnavailable(nativeMissing)
}

func (n *Native) ResetCache() error { return nil }

func (n *Native) SupportsStreaming() bool { return true }

func (n *Native) ReuseContext() bool { return n.opts.reuse(false) }

func (n *Native) Tokenizer() tokenizer.Tokenizer { return nil }

func (n *Native) Close() error { return nil }
