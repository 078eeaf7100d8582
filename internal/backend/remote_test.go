package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatd/internal/chat"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRemoteChatCompletionWireFormat(t *testing.T) {
	var got chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Hi there!  "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	r := NewRemote(Options{BaseURL: srv.URL + "/"})
	if err := r.Initialize(testCtx(t), "/models/llm/qwen.gguf"); err != nil {
		t.Fatalf("init: %v", err)
	}
	res, err := r.Step(testCtx(t), StepRequest{Messages: []chat.Turn{
		{Role: chat.RoleSystem, Content: "be brief"},
		{Role: chat.RoleUser, Content: "hello"},
	}})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Text != "  Hi there!  " {
		t.Fatalf("text=%q", res.Text)
	}
	if got.Model != "qwen.gguf" || got.Temperature != 0.7 || got.MaxTokens != 512 || got.Stream {
		t.Fatalf("payload: %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hello" {
		t.Fatalf("messages: %+v", got.Messages)
	}
}

func TestRemoteSamplingOverrides(t *testing.T) {
	var got chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer token")
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()
	r := NewRemote(Options{BaseURL: srv.URL, APIKey: "k", Model: "served-name"})
	_ = r.Initialize(testCtx(t), "/x/ignored.gguf")
	_, err := r.Step(testCtx(t), StepRequest{Sampling: Sampling{Temperature: 0.2, MaxNewTokens: 64, TopP: 0.9}})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if got.Model != "served-name" || got.Temperature != 0.2 || got.MaxTokens != 64 || got.TopP != 0.9 {
		t.Fatalf("payload: %+v", got)
	}
}

func TestRemoteErrorsAreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()
	r := NewRemote(Options{BaseURL: srv.URL})
	if _, err := r.Step(testCtx(t), StepRequest{}); !IsBackendUnavailable(err) {
		t.Fatalf("want unavailable, got %v", err)
	}
	if err := r.Probe(testCtx(t)); !IsBackendUnavailable(err) {
		t.Fatalf("probe: want unavailable, got %v", err)
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer empty.Close()
	if _, err := NewRemote(Options{BaseURL: empty.URL}).Step(testCtx(t), StepRequest{}); !IsBackendUnavailable(err) {
		t.Fatalf("no choices: want unavailable, got %v", err)
	}
}

func TestRemoteProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	r := NewRemote(Options{BaseURL: url, ProbeTimeout: 500 * time.Millisecond})
	start := time.Now()
	if err := r.Probe(testCtx(t)); !IsBackendUnavailable(err) {
		t.Fatalf("want unavailable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("probe not bounded by timeout")
	}
}

func TestRemoteHealthyUsesCachedProbe(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			hits.Add(1)
			_, _ = w.Write([]byte(`{"data":[]}`))
		}
	}))
	defer srv.Close()
	r := NewRemote(Options{BaseURL: srv.URL, ProbeCacheTTL: time.Minute})
	if err := r.Probe(testCtx(t)); err != nil {
		t.Fatalf("probe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := r.Healthy(testCtx(t)); err != nil {
			t.Fatalf("healthy: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one probe request, got %d", hits.Load())
	}
}

func TestRemoteStreamText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Errorf("expected stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", frag)
		}
		fmt.Fprint(w, ": keepalive\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()
	r := NewRemote(Options{BaseURL: srv.URL, Stream: true})
	if !r.StreamsText() {
		t.Fatalf("stream not enabled")
	}
	var deltas []string
	text, err := r.StreamText(testCtx(t), StepRequest{}, func(s string) error {
		deltas = append(deltas, s)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text != "Hello!" || strings.Join(deltas, "|") != "Hel|lo|!" {
		t.Fatalf("text=%q deltas=%v", text, deltas)
	}
}

func TestRemotePortFlags(t *testing.T) {
	r := NewRemote(Options{})
	if r.SupportsStreaming() || !r.ReuseContext() || r.Tokenizer() != nil || r.Name() != KindRemote {
		t.Fatalf("unexpected flags")
	}
	if r.opts.BaseURL != DefaultBaseURL || r.opts.ProbeTimeout != 3*time.Second || r.opts.RequestTimeout != 30*time.Second {
		t.Fatalf("defaults: %+v", r.opts)
	}
}

func TestNewKinds(t *testing.T) {
	for _, kind := range []string{"remote", "embedded", "native", " Remote "} {
		p, err := New(kind, Options{})
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if p.Name() != strings.ToLower(strings.TrimSpace(kind)) {
			t.Fatalf("%s: name %s", kind, p.Name())
		}
	}
	if _, err := New("gpu", Options{}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
