// Package engine runs the autoregressive decode loop against a backend port:
// prompt rendering, tokenization, sampling, stop conditions and
// detokenization.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"chatd/internal/backend"
	"chatd/internal/chat"
	"chatd/internal/tokenizer"
)

// DefaultMaxNewTokens caps a generation whose request leaves the cap unset.
const DefaultMaxNewTokens = 256

// FinishReason explains why a generation ended.
type FinishReason string

const (
	FinishEOS         FinishReason = "eos"
	FinishPunctuation FinishReason = "punctuation"
	FinishLength      FinishReason = "length"
	FinishContext     FinishReason = "context"
	// FinishComplete is reported for ports that return whole replies.
	FinishComplete FinishReason = "complete"
)

// Request describes one generation.
type Request struct {
	// Conversation is answered as the next assistant turn.
	Conversation []chat.Turn
	Sampling     backend.Sampling
	Stop         Stop
	// EOS lists extra ids that end generation besides the tokenizer's own.
	EOS []int
	// OnToken receives partial text as it is produced.
	OnToken func(delta string) error
}

// Result is a finished generation.
type Result struct {
	Text         string
	Tokens       int
	FinishReason FinishReason
}

// Prompt renders the conversation in the "<Role>: content" format with a
// trailing assistant cue.
func Prompt(conv []chat.Turn) string { return chat.RenderPrompt(conv) }

// Generate produces the assistant reply for req.Conversation.
func Generate(ctx context.Context, port backend.Port, req Request) (Result, error) {
	start := time.Now()
	var (
		res Result
		err error
	)
	if port.SupportsStreaming() {
		res, err = generateStream(ctx, port, req)
	} else {
		res, err = generateWhole(ctx, port, req)
	}
	if err != nil {
		return Result{}, err
	}
	name := port.Name()
	generationsTotal.WithLabelValues(name, string(res.FinishReason)).Inc()
	tokensTotal.WithLabelValues(name).Add(float64(res.Tokens))
	generationSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return res, nil
}

func stepError(ctx context.Context, port backend.Port, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if backend.IsBackendUnavailable(err) {
		return err
	}
	return backend.ErrBackendUnavailable(port.Name(), err)
}

func generateWhole(ctx context.Context, port backend.Port, req Request) (Result, error) {
	sreq := backend.StepRequest{Messages: req.Conversation, Sampling: req.Sampling}
	if ts, ok := port.(backend.TextStreamer); ok && ts.StreamsText() && req.OnToken != nil {
		text, err := ts.StreamText(ctx, sreq, req.OnToken)
		if err != nil {
			return Result{}, stepError(ctx, port, err)
		}
		return Result{Text: strings.TrimSpace(text), FinishReason: FinishComplete}, nil
	}
	out, err := port.Step(ctx, sreq)
	if err != nil {
		return Result{}, stepError(ctx, port, err)
	}
	text := strings.TrimSpace(out.Text)
	if req.OnToken != nil && text != "" {
		if err := req.OnToken(text); err != nil {
			return Result{}, err
		}
	}
	return Result{Text: text, FinishReason: FinishComplete}, nil
}

// decodeState accumulates generated output for either kind of streaming
// port: token ids decoded through the tokenizer, or pieces already sampled
// and detokenized by the backend.
type decodeState struct {
	tok     tokenizer.Tokenizer
	ids     []int
	pieces  strings.Builder
	sampled bool
	emitted int
}

func (d *decodeState) text() (string, error) {
	if d.sampled || d.tok == nil {
		return d.pieces.String(), nil
	}
	s, err := d.tok.Decode(d.ids)
	if err != nil {
		return "", ErrDecoding(err)
	}
	return s, nil
}

// delta returns text not yet emitted, holding back an incomplete trailing
// UTF-8 sequence.
func (d *decodeState) delta(text string) string {
	if len(text) <= d.emitted {
		return ""
	}
	end := len(text)
	for end > d.emitted && !utf8.ValidString(text[d.emitted:end]) {
		end--
	}
	out := text[d.emitted:end]
	d.emitted = end
	return out
}

func generateStream(ctx context.Context, port backend.Port, req Request) (Result, error) {
	if !port.ReuseContext() {
		if err := port.ResetCache(); err != nil {
			return Result{}, stepError(ctx, port, err)
		}
	}
	tok := port.Tokenizer()
	var running []int
	eos := make(map[int]bool, len(req.EOS)+1)
	for _, id := range req.EOS {
		eos[id] = true
	}
	if tok != nil {
		ids, err := tok.Encode(Prompt(req.Conversation))
		if err != nil {
			return Result{}, ErrTokenization(err)
		}
		running = ids
		if id, ok := tok.EOS(); ok {
			eos[id] = true
		}
	}

	limit := req.Sampling.MaxNewTokens
	if limit <= 0 {
		limit = DefaultMaxNewTokens
	}
	rng := NewRand(req.Sampling.Seed)
	st := &decodeState{tok: tok}
	finish := FinishLength
	generated := 0

loop:
	for generated < limit {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		out, err := port.Step(ctx, backend.StepRequest{Tokens: running, Messages: req.Conversation, Sampling: req.Sampling})
		if err != nil {
			if errors.Is(err, backend.ErrContextExhausted) {
				finish = FinishContext
				break
			}
			return Result{}, stepError(ctx, port, err)
		}
		switch {
		case out.Sampled:
			st.sampled = true
			if out.EOS || (out.Token >= 0 && eos[out.Token]) {
				finish = FinishEOS
				break loop
			}
			st.pieces.WriteString(out.Piece)
			if out.Token >= 0 {
				st.ids = append(st.ids, out.Token)
				running = append(running, out.Token)
			}
		case tok == nil:
			return Result{}, backend.ErrBackendUnavailable(port.Name(), errors.New("logits without a tokenizer"))
		default:
			id := Sample(out.Logits, req.Sampling, rng)
			if id < 0 || eos[id] {
				finish = FinishEOS
				break loop
			}
			st.ids = append(st.ids, id)
			running = append(running, id)
		}
		generated++

		check := req.Stop.Due(generated)
		if req.OnToken == nil && !check {
			continue
		}
		partial, err := st.text()
		if err != nil {
			return Result{}, err
		}
		if req.OnToken != nil {
			if d := st.delta(partial); d != "" {
				if err := req.OnToken(d); err != nil {
					return Result{}, err
				}
			}
		}
		if check && req.Stop.Terminal(partial) {
			finish = FinishPunctuation
			break
		}
	}

	text, err := st.text()
	if err != nil {
		return Result{}, err
	}
	if req.OnToken != nil {
		if d := st.delta(text); d != "" {
			if err := req.OnToken(d); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{Text: strings.TrimSpace(text), Tokens: generated, FinishReason: finish}, nil
}
