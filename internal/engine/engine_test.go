package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chatd/internal/backend"
	"chatd/internal/chat"
	"chatd/internal/tokenizer"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// scriptPort emits a fixed token script as one-hot logits over the byte
// tokenizer and records every context it is stepped with.
type scriptPort struct {
	script    []int
	tok       tokenizer.Tokenizer
	calls     [][]int
	resets    int
	reuse     bool
	stepErr   error
	failAfter int
}

func newScriptPort(text string, eos bool) *scriptPort {
	var script []int
	for i := 0; i < len(text); i++ {
		script = append(script, int(text[i]))
	}
	if eos {
		script = append(script, tokenizer.ByteEOS)
	}
	return &scriptPort{script: script, tok: tokenizer.NewByteTokenizer(), reuse: true, failAfter: -1}
}

func (p *scriptPort) Name() string                             { return "script" }
func (p *scriptPort) Initialize(context.Context, string) error { return nil }
func (p *scriptPort) Probe(context.Context) error              { return nil }
func (p *scriptPort) ResetCache() error                        { p.resets++; return nil }
func (p *scriptPort) SupportsStreaming() bool                  { return true }
func (p *scriptPort) ReuseContext() bool                       { return p.reuse }
func (p *scriptPort) Tokenizer() tokenizer.Tokenizer           { return p.tok }
func (p *scriptPort) Close() error                             { return nil }

func (p *scriptPort) Step(_ context.Context, req backend.StepRequest) (backend.StepResult, error) {
	n := len(p.calls)
	p.calls = append(p.calls, append([]int(nil), req.Tokens...))
	if p.stepErr != nil && n >= p.failAfter {
		return backend.StepResult{}, p.stepErr
	}
	next := int('a')
	if n < len(p.script) {
		next = p.script[n]
	}
	logits := make([]float32, p.tok.VocabSize())
	logits[next] = 10
	return backend.StepResult{Logits: logits}, nil
}

var conv = []chat.Turn{
	{Role: chat.RoleSystem, Content: "sys"},
	{Role: chat.RoleUser, Content: "hi"},
}

func greedy(max int) backend.Sampling { return backend.Sampling{Greedy: true, MaxNewTokens: max} }

func TestStepContextsExtendByOneToken(t *testing.T) {
	p := newScriptPort("Hello", true)
	res, err := Generate(testCtx(t), p, Request{Conversation: conv, Sampling: greedy(50)})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "Hello" || res.FinishReason != FinishEOS || res.Tokens != 5 {
		t.Fatalf("result: %+v", res)
	}
	prompt, _ := p.tok.Encode("System: sys\nUser: hi\nAssistant: ")
	if len(p.calls[0]) != len(prompt) {
		t.Fatalf("first context has %d tokens, want %d", len(p.calls[0]), len(prompt))
	}
	for i := 1; i < len(p.calls); i++ {
		prev, cur := p.calls[i-1], p.calls[i]
		if len(cur) != len(prev)+1 {
			t.Fatalf("call %d: len %d after %d", i, len(cur), len(prev))
		}
		for j := range prev {
			if cur[j] != prev[j] {
				t.Fatalf("call %d rewrote position %d", i, j)
			}
		}
		if cur[len(prev)] != p.script[i-1] {
			t.Fatalf("call %d appended %d, want %d", i, cur[len(prev)], p.script[i-1])
		}
	}
}

func TestPunctuationHeuristic(t *testing.T) {
	// a '.' before the first check point does not stop generation
	text := strings.Repeat("a", 54) + "." + strings.Repeat("b", 4) + "."
	p := newScriptPort(text, false)
	res, err := Generate(testCtx(t), p, Request{Conversation: conv, Sampling: greedy(200), Stop: DefaultStop()})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.FinishReason != FinishPunctuation || res.Tokens != 60 || res.Text != text {
		t.Fatalf("result: reason=%s tokens=%d", res.FinishReason, res.Tokens)
	}

	p = newScriptPort(text, false)
	res, _ = Generate(testCtx(t), p, Request{Conversation: conv, Sampling: greedy(80)})
	if res.FinishReason != FinishLength || res.Tokens != 80 {
		t.Fatalf("disabled heuristic: reason=%s tokens=%d", res.FinishReason, res.Tokens)
	}
}

func TestCapAlwaysTerminates(t *testing.T) {
	p := newScriptPort("", false)
	res, err := Generate(testCtx(t), p, Request{Conversation: conv, Sampling: greedy(0), Stop: DefaultStop()})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Tokens != DefaultMaxNewTokens || res.FinishReason != FinishLength {
		t.Fatalf("result: %+v", res)
	}
	if len(p.calls) != DefaultMaxNewTokens {
		t.Fatalf("calls=%d", len(p.calls))
	}
}

func TestExtraEOSIDs(t *testing.T) {
	p := newScriptPort("ab!cd", false)
	res, _ := Generate(testCtx(t), p, Request{Conversation: conv, Sampling: greedy(10), EOS: []int{'!'}})
	if res.Text != "ab" || res.FinishReason != FinishEOS {
		t.Fatalf("result: %+v", res)
	}
}

func TestOnTokenDeltas(t *testing.T) {
	p := newScriptPort(" héllo ", true)
	var parts []string
	res, err := Generate(testCtx(t), p, Request{Conversation: conv, Sampling: greedy(20), OnToken: func(d string) error {
		parts = append(parts, d)
		return nil
	}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.Join(parts, "") != " héllo " || res.Text != "héllo" {
		t.Fatalf("parts=%q text=%q", parts, res.Text)
	}
	for _, part := range parts {
		if part == "\xc3" {
			t.Fatalf("emitted a partial rune")
		}
	}
}

func TestReuseContextFalseResetsCache(t *testing.T) {
	p := newScriptPort("x", true)
	p.reuse = false
	if _, err := Generate(testCtx(t), p, Request{Conversation: conv, Sampling: greedy(5)}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if p.resets != 1 {
		t.Fatalf("resets=%d", p.resets)
	}
}

func TestStepErrorsAreUnavailable(t *testing.T) {
	p := newScriptPort("abc", true)
	p.stepErr, p.failAfter = errors.New("boom"), 1
	_, err := Generate(testCtx(t), p, Request{Conversation: conv, Sampling: greedy(5)})
	if !backend.IsBackendUnavailable(err) {
		t.Fatalf("want unavailable, got %v", err)
	}

	p = newScriptPort("abc", true)
	p.stepErr, p.failAfter = backend.ErrContextExhausted, 2
	res, err := Generate(testCtx(t), p, Request{Conversation: conv, Sampling: greedy(5)})
	if err != nil || res.FinishReason != FinishContext || res.Text != "ab" {
		t.Fatalf("context exhausted: %+v %v", res, err)
	}
}

type brokenTokenizer struct {
	tokenizer.Tokenizer
	encodeErr, decodeErr error
}

func (b brokenTokenizer) Encode(s string) ([]int, error) {
	if b.encodeErr != nil {
		return nil, b.encodeErr
	}
	return b.Tokenizer.Encode(s)
}

func (b brokenTokenizer) Decode(ids []int) (string, error) {
	if b.decodeErr != nil {
		return "", b.decodeErr
	}
	return b.Tokenizer.Decode(ids)
}

func TestTokenizationAndDecodingFailures(t *testing.T) {
	p := newScriptPort("abc", true)
	p.tok = brokenTokenizer{Tokenizer: tokenizer.NewByteTokenizer(), encodeErr: errors.New("bad input")}
	if _, err := Generate(testCtx(t), p, Request{Conversation: conv, Sampling: greedy(5)}); !IsTokenization(err) {
		t.Fatalf("want tokenization error, got %v", err)
	}
	if len(p.calls) != 0 {
		t.Fatalf("stepped after tokenization failure")
	}

	p = newScriptPort("abc", true)
	p.tok = brokenTokenizer{Tokenizer: tokenizer.NewByteTokenizer(), decodeErr: errors.New("bad id")}
	if _, err := Generate(testCtx(t), p, Request{Conversation: conv, Sampling: greedy(5)}); !IsDecoding(err) {
		t.Fatalf("want decoding error, got %v", err)
	}
}

// wholePort returns a full reply in one step, like the remote variant.
type wholePort struct {
	scriptPort
	reply string
	seen  []chat.Turn
}

func (w *wholePort) SupportsStreaming() bool        { return false }
func (w *wholePort) Tokenizer() tokenizer.Tokenizer { return nil }
func (w *wholePort) Step(_ context.Context, req backend.StepRequest) (backend.StepResult, error) {
	w.seen = req.Messages
	return backend.StepResult{Text: w.reply}, nil
}

func TestNonStreamingPortSingleStep(t *testing.T) {
	w := &wholePort{reply: "\n  Sure thing.  \n"}
	res, err := Generate(testCtx(t), w, Request{Conversation: conv})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "Sure thing." || res.FinishReason != FinishComplete || len(w.seen) != 2 {
		t.Fatalf("result: %+v seen=%d", res, len(w.seen))
	}
}

// piecePort samples internally and hands back text pieces, like the native variant.
type piecePort struct {
	scriptPort
	pieces []string
	n      int
}

func (pp *piecePort) Tokenizer() tokenizer.Tokenizer { return nil }
func (pp *piecePort) Step(context.Context, backend.StepRequest) (backend.StepResult, error) {
	if pp.n >= len(pp.pieces) {
		return backend.StepResult{Sampled: true, Token: -1, EOS: true}, nil
	}
	pp.n++
	return backend.StepResult{Sampled: true, Token: -1, Piece: pp.pieces[pp.n-1]}, nil
}

func TestSampledPieces(t *testing.T) {
	pp := &piecePort{pieces: []string{" Hi", ",", " there"}}
	res, err := Generate(testCtx(t), pp, Request{Conversation: conv, Sampling: greedy(10)})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "Hi, there" || res.Tokens != 3 || res.FinishReason != FinishEOS {
		t.Fatalf("result: %+v", res)
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Generate(ctx, newScriptPort("abc", true), Request{Conversation: conv, Sampling: greedy(5)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestPrompt(t *testing.T) {
	if got := Prompt(conv); got != "System: sys\nUser: hi\nAssistant: " {
		t.Fatalf("prompt=%q", got)
	}
}
