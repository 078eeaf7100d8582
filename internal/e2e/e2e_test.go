package e2e

import (
	"bufio"
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chatd/internal/backend"
	"chatd/internal/history"
	"chatd/internal/session"
	"chatd/internal/tensor/tensortest"
	"chatd/pkg/types"
)

// TestE2E_RemoteConversation drives a full session against a fake
// OpenAI-compatible server and checks the archive written on reset.
func TestE2E_RemoteConversation(t *testing.T) {
	llm, fake := newFakeLLM(t)
	dir, model := writeArtifact(t, "qwen.gguf")
	store, err := history.Open(testCtx(t), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	srv, _ := newChatServer(t, backend.NewRemote(backend.Options{BaseURL: llm.URL}), dir, session.WithArchive(store))

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/session/initialize", `{"model_path":"`+model+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize: %d %s", resp.StatusCode, body)
	}
	ir := decode[types.InitializeResponse](t, body)
	if ir.Message != "Connected to local LLM server! Using model: qwen.gguf" || ir.Degraded {
		t.Fatalf("initialize: %+v", ir)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/session/messages", `{"content":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send: %d %s", resp.StatusCode, body)
	}
	if got := decode[types.SendResponse](t, body).Reply; got != "echo: hi" {
		t.Fatalf("reply=%q", got)
	}
	msgs, _ := fake.lastRequest()["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("server saw %d messages, want system+user", len(msgs))
	}

	_, body = do(t, http.MethodPut, srv.URL+"/v1/session/system-prompt", `{"prompt":"Answer in French."}`)
	if decode[types.MessageResponse](t, body).Message != "System prompt updated" {
		t.Fatalf("system prompt: %s", body)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/v1/session", "")
	st := decode[types.SessionStatus](t, body)
	if len(st.Turns) != 3 || !st.PendingSystemPrompt || st.Turns[0].Content != "You are a helpful assistant." {
		t.Fatalf("status before reset: %+v", st)
	}

	_, body = do(t, http.MethodPost, srv.URL+"/v1/session/reset", "")
	if decode[types.MessageResponse](t, body).Message != "Conversation reset" {
		t.Fatalf("reset: %s", body)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/v1/session", "")
	st = decode[types.SessionStatus](t, body)
	if len(st.Turns) != 1 || st.Turns[0].Content != "Answer in French." || st.PendingSystemPrompt {
		t.Fatalf("status after reset: %+v", st)
	}

	items, err := store.List(testCtx(t), 0)
	if err != nil || len(items) != 1 {
		t.Fatalf("archive: %v %+v", err, items)
	}
	if items[0].Preview != "hi" || items[0].Turns != 3 || items[0].Model != "qwen.gguf" {
		t.Fatalf("archived: %+v", items[0])
	}
}

func TestE2E_RemoteStreaming(t *testing.T) {
	llm, fake := newFakeLLM(t)
	dir, model := writeArtifact(t, "qwen.gguf")
	srv, sess := newChatServer(t, backend.NewRemote(backend.Options{BaseURL: llm.URL, Stream: true}), dir)
	if _, err := sess.Initialize(testCtx(t), model); err != nil {
		t.Fatal(err)
	}

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/session/messages", `{"content":"tell me more","stream":true}`)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("stream: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	var deltas strings.Builder
	var last types.StreamChunk
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		last = decode[types.StreamChunk](t, sc.Bytes())
		deltas.WriteString(last.Delta)
	}
	if !last.Done || last.Reply != "echo: tell me more" {
		t.Fatalf("final chunk: %+v", last)
	}
	if strings.TrimSpace(deltas.String()) != last.Reply {
		t.Fatalf("deltas %q do not add up to %q", deltas.String(), last.Reply)
	}
	if stream, _ := fake.lastRequest()["stream"].(bool); !stream {
		t.Fatalf("server was not asked for SSE")
	}
	if n := len(sess.Conversation()); n != 3 {
		t.Fatalf("conversation has %d turns", n)
	}
}

// TestE2E_UnreachableServerFallsBack mirrors running without LM Studio or
// Ollama: the session still becomes ready and answers with canned replies.
func TestE2E_UnreachableServerFallsBack(t *testing.T) {
	llm, _ := newFakeLLM(t)
	url := llm.URL
	llm.Close()

	dir, model := writeArtifact(t, "mistral.gguf")
	srv, _ := newChatServer(t, backend.NewRemote(backend.Options{BaseURL: url}), dir)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/session/initialize", `{"model_path":"`+model+`"}`)
	ir := decode[types.InitializeResponse](t, body)
	if resp.StatusCode != http.StatusOK || !ir.Degraded || !strings.HasPrefix(ir.Message, "Model file validated: mistral.gguf") {
		t.Fatalf("initialize: %d %+v", resp.StatusCode, ir)
	}
	_, body = do(t, http.MethodPost, srv.URL+"/v1/session/messages", `{"content":"hello"}`)
	if reply := decode[types.SendResponse](t, body).Reply; !strings.Contains(reply, "Hello!") || !strings.Contains(reply, "mistral.gguf") {
		t.Fatalf("fallback reply=%q", reply)
	}
	if resp, body := do(t, http.MethodGet, srv.URL+"/readyz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d %s", resp.StatusCode, body)
	}
}

func TestE2E_ErrorsBeforeInitialize(t *testing.T) {
	llm, _ := newFakeLLM(t)
	dir := t.TempDir()
	srv, _ := newChatServer(t, backend.NewRemote(backend.Options{BaseURL: llm.URL}), dir)

	if resp, _ := do(t, http.MethodPost, srv.URL+"/v1/session/messages", `{"content":"hi"}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("send before initialize: %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/v1/session/reset", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("reset before initialize: %d", resp.StatusCode)
	}
	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/session/initialize", `{"model_path":"/nonexistent/model.gguf"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing artifact: %d", resp.StatusCode)
	}
	_, body := do(t, http.MethodGet, srv.URL+"/v1/session", "")
	if st := decode[types.SessionStatus](t, body); st.State != "uninitialized" {
		t.Fatalf("state=%s", st.State)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/readyz", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}
}

func TestE2E_EmbeddedModel(t *testing.T) {
	dir := t.TempDir()
	path := tensortest.WriteGGUF(t, dir, "llama", tensortest.NewWeights(7))
	srv, sess := newChatServer(t, backend.NewEmbedded(backend.Options{}), dir)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/session/initialize", `{"model_path":"`+path+`"}`)
	if ir := decode[types.InitializeResponse](t, body); resp.StatusCode != http.StatusOK || ir.Backend != "embedded" || ir.Degraded {
		t.Fatalf("initialize: %d %s", resp.StatusCode, body)
	}
	if resp, body := do(t, http.MethodPost, srv.URL+"/v1/session/messages", `{"content":"hi"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("send: %d %s", resp.StatusCode, body)
	}
	if n := len(sess.Conversation()); n != 3 {
		t.Fatalf("conversation has %d turns", n)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/models", "")
	models := decode[types.ModelsResponse](t, body).Models
	if len(models) != 1 || models[0].Format != "gguf" {
		t.Fatalf("models: %+v", models)
	}
}

// TestRealModel_Reply talks to a real artifact. Skips unless CHATD_E2E_MODEL
// names an existing model file.
func TestRealModel_Reply(t *testing.T) {
	path := os.Getenv("CHATD_E2E_MODEL")
	if path == "" {
		t.Skip("CHATD_E2E_MODEL not set; skipping real model test")
	}
	if _, err := os.Stat(path); err != nil {
		t.Skipf("model not found: %v", err)
	}
	kind := os.Getenv("CHATD_BACKEND")
	if kind == "" {
		kind = backend.KindEmbedded
	}
	port, err := backend.New(kind, backend.Options{})
	if err != nil {
		t.Skipf("backend %s: %v", kind, err)
	}
	_, sess := newChatServer(t, port, filepath.Dir(path))
	msg, err := sess.Initialize(testCtx(t), path)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Log(msg)
	reply, err := sess.Send(testCtx(t), "Write a haiku about autumn.")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if strings.TrimSpace(reply) == "" {
		t.Fatal("empty reply")
	}
	t.Logf("haiku:\n%s", reply)
}
