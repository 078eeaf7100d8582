//go:build llama

package backend

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"

	"chatd/internal/chat"
	"chatd/internal/tokenizer"
)

// nativeBuilt reports whether this binary links llama.cpp.
const nativeBuilt = true

// Native drives llama.cpp through go-llama.cpp. The runtime samples
// internally; each Step hands back the next generated piece.
type Native struct {
	opts  Options
	log   zerolog.Logger
	reuse bool

	mu     sync.Mutex
	path   string
	model  *llama.LLama
	active *prediction
}

// prediction is one running Predict call whose token callback feeds pieces.
type prediction struct {
	prompt string
	pieces chan string
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// NewNative constructs the native binding variant.
func NewNative(opts Options) *Native {
	opts = opts.withDefaults()
	return &Native{
		opts:  opts,
		log:   opts.Logger.With().Str("backend", KindNative).Logger(),
		reuse: opts.reuse(false),
	}
}

func (n *Native) Name() string { return KindNative }

func (n *Native) contextSize() int {
	if n.opts.ContextSize > 0 {
		return n.opts.ContextSize
	}
	return 2048
}

func (n *Native) load() error {
	if n.model != nil {
		return nil
	}
	if strings.TrimSpace(n.path) == "" {
		return errors.New("model path is empty")
	}
	m, err := llama.New(n.path, llama.SetContext(n.contextSize()))
	if err != nil {
		return err
	}
	n.model = m
	return nil
}

// Initialize loads the model once to validate it.
func (n *Native) Initialize(ctx context.Context, artifactPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(artifactPath); err != nil {
		return ErrBackendUnavailable(KindNative, err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopLocked()
	n.freeLocked()
	n.path = artifactPath
	if err := n.load(); err != nil {
		return ErrBackendUnavailable(KindNative, err)
	}
	n.log.Info().Str("path", artifactPath).Int("ctx", n.contextSize()).Msg("model loaded")
	return nil
}

func (n *Native) Probe(ctx context.Context) error { return n.Healthy(ctx) }

func (n *Native) Healthy(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.path == "" {
		return ErrBackendUnavailable(KindNative, errors.New("no model loaded"))
	}
	return nil
}

func (n *Native) predictOptions(s Sampling) []llama.PredictOption {
	tokens := s.MaxNewTokens
	if tokens <= 0 {
		tokens = DefaultMaxTokens
	}
	po := []llama.PredictOption{
		llama.SetTokens(tokens),
		llama.SetThreads(max(1, n.opts.Threads)),
		llama.SetTopP(orFloat(s.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(orInt(s.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(orFloat(s.Temperature, llama.DefaultOptions.Temperature)),
	}
	if s.Greedy {
		po = append(po, llama.SetTopK(1))
	}
	if s.Seed != 0 {
		po = append(po, llama.SetSeed(int(s.Seed)))
	}
	return po
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orFloat(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// start launches Predict for prompt. Must hold n.mu.
func (n *Native) start(prompt string, s Sampling) error {
	if err := n.load(); err != nil {
		return err
	}
	pctx, cancel := context.WithCancel(context.Background())
	p := &prediction{prompt: prompt, pieces: make(chan string), done: make(chan struct{}), cancel: cancel}
	model := n.model
	model.SetTokenCallback(func(tok string) bool {
		select {
		case p.pieces <- tok:
			return true
		case <-pctx.Done():
			return false
		}
	})
	opts := n.predictOptions(s)
	go func() {
		defer close(p.done)
		if _, err := model.Predict(prompt, opts...); err != nil && pctx.Err() == nil {
			p.err = err
		}
	}()
	n.active = p
	return nil
}

// stopLocked cancels a running prediction and waits for Predict to return.
func (n *Native) stopLocked() {
	if n.active == nil {
		return
	}
	n.active.cancel()
	<-n.active.done
	n.active = nil
}

func (n *Native) freeLocked() {
	if n.model != nil {
		n.model.Free()
		n.model = nil
	}
}

// Step returns the next piece of the prediction for req.Messages, starting
// one when the conversation differs from the running prediction.
func (n *Native) Step(ctx context.Context, req StepRequest) (StepResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.path == "" {
		return StepResult{}, ErrBackendUnavailable(KindNative, errors.New("no model loaded"))
	}
	prompt := chat.RenderPrompt(req.Messages)
	if n.active == nil || n.active.prompt != prompt {
		n.stopLocked()
		if err := n.start(prompt, req.Sampling); err != nil {
			return StepResult{}, ErrBackendUnavailable(KindNative, err)
		}
	}
	p := n.active
	select {
	case piece := <-p.pieces:
		return StepResult{Piece: piece, Token: -1, Sampled: true}, nil
	case <-p.done:
		n.active = nil
		if p.err != nil {
			return StepResult{}, ErrBackendUnavailable(KindNative, p.err)
		}
		return StepResult{Sampled: true, Token: -1, EOS: true}, nil
	case <-ctx.Done():
		n.stopLocked()
		return StepResult{}, ctx.Err()
	}
}

// ResetCache stops any running prediction. Without context reuse the model
// is freed and reloaded on the next Step.
func (n *Native) ResetCache() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopLocked()
	if !n.reuse {
		n.freeLocked()
	}
	return nil
}

func (n *Native) SupportsStreaming() bool { return true }

func (n *Native) ReuseContext() bool { return n.reuse }

func (n *Native) Tokenizer() tokenizer.Tokenizer { return nil }

func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopLocked()
	n.freeLocked()
	n.path = ""
	return nil
}
