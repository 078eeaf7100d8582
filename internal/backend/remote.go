package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"chatd/internal/tokenizer"
)

// Remote talks to an OpenAI-compatible chat completions server (LM Studio,
// Ollama, llama.cpp server).
type Remote struct {
	opts   Options
	client *http.Client
	log    zerolog.Logger
	probes *ttlcache.Cache[string, probeResult]

	mu    sync.RWMutex
	model string
}

type probeResult struct {
	err error
	at  time.Time
}

// NewRemote constructs the HTTP variant.
func NewRemote(opts Options) *Remote {
	opts = opts.withDefaults()
	cli := opts.HTTPClient
	if cli == nil {
		tr := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   opts.ProbeTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		// Timeout=0: every request carries a context deadline instead.
		cli = &http.Client{Transport: tr, Timeout: 0}
	}
	return &Remote{
		opts:   opts,
		client: cli,
		log:    opts.Logger.With().Str("backend", KindRemote).Logger(),
		probes: ttlcache.New[string, probeResult](
			ttlcache.WithTTL[string, probeResult](opts.ProbeCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, probeResult](),
		),
	}
}

func (r *Remote) Name() string { return KindRemote }

// Initialize records the model name; the server is contacted by Probe.
func (r *Remote) Initialize(_ context.Context, artifactPath string) error {
	name := strings.TrimSpace(r.opts.Model)
	if name == "" {
		name = filepath.Base(artifactPath)
	}
	r.mu.Lock()
	r.model = name
	r.mu.Unlock()
	return nil
}

// Model returns the model name sent with each request.
func (r *Remote) Model() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.model
}

// Probe issues GET /v1/models bounded by the probe timeout.
func (r *Remote) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	defer cancel()
	err := r.probe(ctx)
	r.probes.Set(r.opts.BaseURL, probeResult{err: err, at: time.Now()}, ttlcache.DefaultTTL)
	if err != nil {
		r.log.Debug().Err(err).Str("url", r.opts.BaseURL).Msg("probe failed")
		return ErrBackendUnavailable(KindRemote, err)
	}
	return nil
}

func (r *Remote) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.opts.BaseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe: %s", resp.Status)
	}
	return nil
}

// Healthy reports the cached probe outcome, probing again once it expires.
func (r *Remote) Healthy(ctx context.Context) error {
	if it := r.probes.Get(r.opts.BaseURL); it != nil {
		if err := it.Value().err; err != nil {
			return ErrBackendUnavailable(KindRemote, err)
		}
		return nil
	}
	return r.Probe(ctx)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float32       `json:"top_p,omitempty"`
	Seed        int64         `json:"seed,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (r *Remote) payload(req StepRequest, stream bool) chatCompletionRequest {
	p := chatCompletionRequest{
		Model:       r.Model(),
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Stream:      stream,
	}
	if s := req.Sampling; s.Greedy {
		p.Temperature = 0
	} else if s.Temperature > 0 {
		p.Temperature = s.Temperature
	}
	if req.Sampling.MaxNewTokens > 0 {
		p.MaxTokens = req.Sampling.MaxNewTokens
	}
	if req.Sampling.TopP > 0 && req.Sampling.TopP < 1 {
		p.TopP = req.Sampling.TopP
	}
	p.Seed = req.Sampling.Seed
	for _, t := range req.Messages {
		p.Messages = append(p.Messages, chatMessage{Role: string(t.Role), Content: t.Content})
	}
	return p
}

func (r *Remote) post(ctx context.Context, body chatCompletionRequest) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.BaseURL+"/v1/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("chat completions: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// Step sends the whole conversation and returns the reply text.
func (r *Remote) Step(ctx context.Context, req StepRequest) (StepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	defer cancel()
	start := time.Now()
	resp, err := r.post(ctx, r.payload(req, false))
	if err != nil {
		return StepResult{}, ErrBackendUnavailable(KindRemote, err)
	}
	defer resp.Body.Close()
	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StepResult{}, ErrBackendUnavailable(KindRemote, fmt.Errorf("decode reply: %w", err))
	}
	if len(out.Choices) == 0 {
		return StepResult{}, ErrBackendUnavailable(KindRemote, errors.New("reply has no choices"))
	}
	r.log.Debug().Dur("took", time.Since(start)).Str("finish", out.Choices[0].FinishReason).Msg("chat completion")
	return StepResult{Text: out.Choices[0].Message.Content}, nil
}

// StreamsText reports whether SSE replies are enabled.
func (r *Remote) StreamsText() bool { return r.opts.Stream }

// StreamText requests an SSE reply and forwards each content delta.
func (r *Remote) StreamText(ctx context.Context, req StepRequest, onDelta func(string) error) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	defer cancel()
	resp, err := r.post(ctx, r.payload(req, true))
	if err != nil {
		return "", ErrBackendUnavailable(KindRemote, err)
	}
	defer resp.Body.Close()

	var sb strings.Builder
	br := bufio.NewReader(resp.Body)
	for {
		line, err := br.ReadString('\n')
		if data, ok := sseData(line); ok {
			if data == "[DONE]" {
				break
			}
			var msg chatStreamResponse
			if jerr := json.Unmarshal([]byte(data), &msg); jerr != nil {
				r.log.Debug().Str("line", line).Msg("unknown stream line")
			} else if len(msg.Choices) > 0 {
				if frag := msg.Choices[0].Delta.Content; frag != "" {
					sb.WriteString(frag)
					if onDelta != nil {
						if cbErr := onDelta(frag); cbErr != nil {
							return sb.String(), cbErr
						}
					}
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return sb.String(), ctx.Err()
			}
			return sb.String(), ErrBackendUnavailable(KindRemote, err)
		}
	}
	return sb.String(), nil
}

func sseData(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if len(line) < 5 || !strings.EqualFold(line[:5], "data:") {
		return "", false
	}
	return strings.TrimSpace(line[5:]), true
}

func (r *Remote) authorize(req *http.Request) {
	if r.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.opts.APIKey)
	}
}

// ResetCache is a no-op: the server holds no per-session state for us.
func (r *Remote) ResetCache() error { return nil }

func (r *Remote) SupportsStreaming() bool { return false }

func (r *Remote) ReuseContext() bool { return true }

func (r *Remote) Tokenizer() tokenizer.Tokenizer { return nil }

func (r *Remote) Close() error {
	r.probes.DeleteAll()
	return nil
}
