package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatd/internal/backend"
	"chatd/internal/engine"
	"chatd/internal/httpapi"
	"chatd/internal/session"
)

// fakeLLM is a minimal OpenAI-compatible server. Replies are "echo: <last
// user message>", streamed word by word when the request asks for SSE.
type fakeLLM struct {
	mu       sync.Mutex
	requests []map[string]any
}

func (f *fakeLLM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/models":
		_, _ = io.WriteString(w, `{"data":[{"id":"local-model"}]}`)
	case "/v1/chat/completions":
		var req struct {
			Stream   bool `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		var raw map[string]any
		_ = json.Unmarshal(body, &raw)
		f.mu.Lock()
		f.requests = append(f.requests, raw)
		f.mu.Unlock()

		reply := "echo:"
		if n := len(req.Messages); n > 0 {
			reply += " " + req.Messages[n-1].Content
		}
		if !req.Stream {
			out, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{
					"message":       map[string]string{"role": "assistant", "content": reply},
					"finish_reason": "stop",
				}},
			})
			_, _ = w.Write(out)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, word := range strings.SplitAfter(reply, " ") {
			chunk, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"delta": map[string]string{"content": word}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeLLM) lastRequest() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func newFakeLLM(t *testing.T) (*httptest.Server, *fakeLLM) {
	t.Helper()
	f := &fakeLLM{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv, f
}

// writeArtifact creates an empty artifact file in a fresh models dir.
func writeArtifact(t *testing.T, name string) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("GGUF"), 0o644); err != nil {
		t.Fatalf("write temp model %s: %v", path, err)
	}
	return dir, path
}

func newChatServer(t *testing.T, port backend.Port, modelsDir string, opts ...session.Option) (*httptest.Server, *session.Session) {
	t.Helper()
	sess := session.New(session.Config{
		SystemPrompt: "You are a helpful assistant.",
		Sampling:     backend.Sampling{Greedy: true, MaxNewTokens: 48},
		Stop:         engine.DefaultStop(),
	}, append([]session.Option{session.WithBackend(port)}, opts...)...)
	srv := httptest.NewServer(httpapi.NewMux(httpapi.NewSessionService(sess, modelsDir)))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return srv, sess
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func do(t *testing.T, method, url string, payload string) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != "" {
		body = bytes.NewBufferString(payload)
	}
	req, err := http.NewRequestWithContext(testCtx(t), method, url, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}
