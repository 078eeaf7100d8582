package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatd/internal/backend"
	"chatd/internal/chat"
	"chatd/internal/engine"
	"chatd/internal/tensor/tensortest"
	"chatd/internal/tokenizer"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func writeArtifact(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("GGUF"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// fakePort is a non-streaming port answering with a fixed reply.
type fakePort struct {
	name     string
	initErr  error
	probeErr error
	stepErr  error
	reply    string
	block    chan struct{}

	mu       sync.Mutex
	requests []backend.StepRequest
	resets   int
	closed   bool
}

func (f *fakePort) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}
func (f *fakePort) Initialize(context.Context, string) error { return f.initErr }
func (f *fakePort) Probe(context.Context) error              { return f.probeErr }
func (f *fakePort) Step(ctx context.Context, req backend.StepRequest) (backend.StepResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return backend.StepResult{}, ctx.Err()
		}
	}
	if f.stepErr != nil {
		return backend.StepResult{}, f.stepErr
	}
	return backend.StepResult{Text: f.reply}, nil
}
func (f *fakePort) ResetCache() error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}
func (f *fakePort) SupportsStreaming() bool        { return false }
func (f *fakePort) ReuseContext() bool             { return true }
func (f *fakePort) Tokenizer() tokenizer.Tokenizer { return nil }
func (f *fakePort) Close() error                   { f.closed = true; return nil }

type badTokenizer struct{ tokenizer.Tokenizer }

func (badTokenizer) Encode(string) ([]int, error) { return nil, tokenizer.ErrUnknownToken }

// streamingPort exposes a tokenizer that cannot encode the prompt.
type streamingPort struct{ fakePort }

func (*streamingPort) SupportsStreaming() bool { return true }
func (*streamingPort) Tokenizer() tokenizer.Tokenizer {
	return badTokenizer{tokenizer.NewByteTokenizer()}
}

type memArchive struct {
	mu  sync.Mutex
	got []Transcript
}

func (a *memArchive) Archive(_ context.Context, t Transcript) error {
	a.mu.Lock()
	a.got = append(a.got, t)
	a.mu.Unlock()
	return nil
}

func ready(t *testing.T, p backend.Port, opts ...Option) *Session {
	t.Helper()
	s := New(Config{SystemPrompt: "Be brief."}, append([]Option{WithBackend(p)}, opts...)...)
	if _, err := s.Initialize(testCtx(t), writeArtifact(t, "tiny.gguf")); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestSendBeforeInitialize(t *testing.T) {
	s := New(Config{}, WithBackend(&fakePort{reply: "x"}))
	before := s.Conversation()
	if _, err := s.Send(testCtx(t), "hello"); !IsNotInitialized(err) {
		t.Fatalf("want not initialized, got %v", err)
	}
	if _, err := s.Reset(testCtx(t)); !IsNotInitialized(err) {
		t.Fatalf("reset: want not initialized, got %v", err)
	}
	after := s.Conversation()
	if len(after) != len(before) || after[0] != before[0] {
		t.Fatalf("conversation changed: %+v", after)
	}
	if after[0].Content != DefaultSystemPrompt || s.State() != Uninitialized {
		t.Fatalf("unexpected initial state: %+v %v", after, s.State())
	}
}

func TestInitializeMissingArtifact(t *testing.T) {
	pub := NewMemoryPublisher()
	s := New(Config{}, WithBackend(&fakePort{}), WithPublisher(pub))
	_, err := s.Initialize(testCtx(t), "/nonexistent/model.gguf")
	if !IsArtifactNotFound(err) {
		t.Fatalf("want artifact not found, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("cause lost: %v", err)
	}
	if s.State() != Uninitialized {
		t.Fatalf("state=%v", s.State())
	}
	names := pub.Names()
	if len(names) != 2 || names[1] != EventInitializeFailed {
		t.Fatalf("events=%v", names)
	}
}

func TestInitializeMessages(t *testing.T) {
	path := writeArtifact(t, "tinyllama.Q8_0.gguf")
	cases := []struct {
		port *fakePort
		want string
		deg  bool
	}{
		{&fakePort{name: backend.KindRemote}, "Connected to local LLM server! Using model: tinyllama.Q8_0.gguf", false},
		{&fakePort{name: backend.KindEmbedded}, "Model loaded: tinyllama.Q8_0.gguf (embedded backend)", false},
		{&fakePort{name: backend.KindNative, initErr: backend.ErrDependencyUnavailable("not built")},
			"Model file validated: tinyllama.Q8_0.gguf (Server not running - using mock responses. Start LM Studio or Ollama to use real LLM)", true},
		{&fakePort{name: backend.KindRemote, probeErr: errors.New("refused")},
			"Model file validated: tinyllama.Q8_0.gguf (Server not running - using mock responses. Start LM Studio or Ollama to use real LLM)", true},
	}
	for _, c := range cases {
		s := New(Config{}, WithBackend(c.port))
		msg, err := s.Initialize(testCtx(t), path)
		if err != nil || msg != c.want {
			t.Fatalf("%s: msg=%q err=%v", c.port.Name(), msg, err)
		}
		if s.State() != Ready || s.Degraded() != c.deg || s.ModelName() != "tinyllama.Q8_0.gguf" {
			t.Fatalf("%s: state=%v degraded=%v model=%q", c.port.Name(), s.State(), s.Degraded(), s.ModelName())
		}
	}
}

func TestInitializeUsesConfiguredPath(t *testing.T) {
	path := writeArtifact(t, "default.gguf")
	s := New(Config{ArtifactPath: path}, WithBackend(&fakePort{name: backend.KindRemote}))
	if _, err := s.Initialize(testCtx(t), ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	if s.Artifact() != path {
		t.Fatalf("artifact=%q", s.Artifact())
	}
}

func TestUnreachableServerFallsBackToGreeting(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	pub := NewMemoryPublisher()
	remote := backend.NewRemote(backend.Options{BaseURL: url, ProbeTimeout: time.Second})
	s := New(Config{}, WithBackend(remote), WithPublisher(pub))
	msg, err := s.Initialize(testCtx(t), writeArtifact(t, "model.gguf"))
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.HasPrefix(msg, "Model file validated: model.gguf") || s.State() != Ready || !s.Degraded() {
		t.Fatalf("msg=%q state=%v degraded=%v", msg, s.State(), s.Degraded())
	}
	reply, err := s.Send(testCtx(t), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(reply, "Hello") || !strings.Contains(reply, "model.gguf") {
		t.Fatalf("reply=%q", reply)
	}
	if got := s.Conversation(); len(got) != 3 || got[2].Content != reply {
		t.Fatalf("conversation=%+v", got)
	}
	names := pub.Names()
	if names[1] != EventInitializeDegraded || names[len(names)-1] != EventSendFallback {
		t.Fatalf("events=%v", names)
	}
}

func TestSendAppendsPair(t *testing.T) {
	p := &fakePort{reply: "  four  "}
	s := ready(t, p)
	reply, err := s.Send(testCtx(t), "2+2?")
	if err != nil || reply != "four" {
		t.Fatalf("reply=%q err=%v", reply, err)
	}
	conv := s.Conversation()
	want := []chat.Turn{
		{Role: chat.RoleSystem, Content: "Be brief."},
		{Role: chat.RoleUser, Content: "2+2?"},
		{Role: chat.RoleAssistant, Content: "four"},
	}
	if len(conv) != len(want) {
		t.Fatalf("conversation=%+v", conv)
	}
	for i := range want {
		if conv[i] != want[i] {
			t.Fatalf("turn %d=%+v", i, conv[i])
		}
	}
	// the step sees the pending user turn but not yet the reply
	if got := p.requests[0].Messages; len(got) != 2 || got[1].Content != "2+2?" {
		t.Fatalf("step messages=%+v", got)
	}
}

func TestSendStreamDeliversText(t *testing.T) {
	s := ready(t, &fakePort{reply: "hi there"})
	var deltas []string
	reply, err := s.SendStream(testCtx(t), "hi", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil || reply != "hi there" || strings.Join(deltas, "") != "hi there" {
		t.Fatalf("reply=%q deltas=%q err=%v", reply, deltas, err)
	}
}

func TestSendDegradesOnBackendFailure(t *testing.T) {
	pub := NewMemoryPublisher()
	s := ready(t, &fakePort{stepErr: errors.New("connection reset")}, WithPublisher(pub))
	reply, err := s.Send(testCtx(t), "how is the performance?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if strings.Contains(strings.ToLower(reply), "hello") || reply == "" {
		t.Fatalf("reply=%q", reply)
	}
	if len(s.Conversation()) != 3 {
		t.Fatalf("pair not appended")
	}
	evs := pub.Events()
	last := evs[len(evs)-1]
	if last.Name != EventSendFallback || last.Fields["error"] == nil {
		t.Fatalf("last event=%+v", last)
	}
	// a single failure does not switch the session to fallback mode
	if s.Degraded() {
		t.Fatalf("session marked degraded")
	}
}

func TestTokenizationFailureAppendsNothing(t *testing.T) {
	s := ready(t, &streamingPort{})
	_, err := s.Send(testCtx(t), "hello")
	if !engine.IsTokenization(err) {
		t.Fatalf("want tokenization error, got %v", err)
	}
	if got := s.Conversation(); len(got) != 1 {
		t.Fatalf("conversation=%+v", got)
	}
}

func TestResetAppliesPendingPrompt(t *testing.T) {
	p := &fakePort{reply: "ok"}
	arch := &memArchive{}
	pub := NewMemoryPublisher()
	s := ready(t, p, WithArchive(arch), WithPublisher(pub))
	if _, err := s.Send(testCtx(t), "one"); err != nil {
		t.Fatal(err)
	}
	if msg := s.UpdateSystemPrompt(testCtx(t), "Be verbose."); msg != MsgPromptUpdated {
		t.Fatalf("msg=%q", msg)
	}
	if got := s.Conversation()[0].Content; got != "Be brief." {
		t.Fatalf("prompt applied early: %q", got)
	}
	if pending, ok := s.PendingSystemPrompt(); !ok || pending != "Be verbose." {
		t.Fatalf("pending=%q %v", pending, ok)
	}
	msg, err := s.Reset(testCtx(t))
	if err != nil || msg != MsgReset {
		t.Fatalf("reset: %q %v", msg, err)
	}
	conv := s.Conversation()
	if len(conv) != 1 || conv[0] != (chat.Turn{Role: chat.RoleSystem, Content: "Be verbose."}) {
		t.Fatalf("conversation=%+v", conv)
	}
	if _, ok := s.PendingSystemPrompt(); ok {
		t.Fatalf("pending not cleared")
	}
	if p.resets != 1 {
		t.Fatalf("resets=%d", p.resets)
	}
	if len(arch.got) != 1 || len(arch.got[0].Turns) != 3 || arch.got[0].Model != "tiny.gguf" {
		t.Fatalf("archive=%+v", arch.got)
	}

	// idempotent; an empty conversation is not archived again
	if _, err := s.Reset(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	if len(s.Conversation()) != 1 || len(arch.got) != 1 {
		t.Fatalf("second reset changed state")
	}
}

func TestResetRestoresConfiguredPrompt(t *testing.T) {
	s := ready(t, &fakePort{reply: "ok"})
	for i := 0; i < 3; i++ {
		if _, err := s.Send(testCtx(t), "msg"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Reset(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	conv := s.Conversation()
	if len(conv) != 1 || conv[0].Role != chat.RoleSystem || conv[0].Content != "Be brief." {
		t.Fatalf("conversation=%+v", conv)
	}
}

func TestUpdateSystemPromptBeforeInitialize(t *testing.T) {
	s := New(Config{}, WithBackend(&fakePort{name: backend.KindRemote}))
	s.UpdateSystemPrompt(testCtx(t), "Pirate mode.")
	if _, err := s.Initialize(testCtx(t), writeArtifact(t, "m.gguf")); err != nil {
		t.Fatal(err)
	}
	if got := s.Conversation()[0].Content; got != "Pirate mode." {
		t.Fatalf("system=%q", got)
	}
}

func TestGuardHonorsCancellation(t *testing.T) {
	p := &fakePort{reply: "done", block: make(chan struct{})}
	s := ready(t, p)

	sendCtx := testCtx(t)
	errc := make(chan error, 1)
	go func() {
		_, err := s.Send(sendCtx, "slow")
		errc <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		p.mu.Lock()
		n := len(p.requests)
		p.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("step never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Reset(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline, got %v", err)
	}
	// accessors do not wait on the guard
	if s.State() != Ready || len(s.Conversation()) != 1 {
		t.Fatalf("snapshot blocked or changed")
	}

	close(p.block)
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(s.Conversation()) != 3 {
		t.Fatalf("pair not appended")
	}
}

func TestSendCanceledAppendsNothing(t *testing.T) {
	p := &fakePort{reply: "late", block: make(chan struct{})}
	s := ready(t, p)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Send(ctx, "hi"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline, got %v", err)
	}
	if len(s.Conversation()) != 1 {
		t.Fatalf("conversation changed")
	}
}

func TestCloseArchivesAndReleases(t *testing.T) {
	p := &fakePort{reply: "ok"}
	arch := &memArchive{}
	s := ready(t, p, WithArchive(arch))
	if _, err := s.Send(testCtx(t), "bye"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	if !p.closed || len(arch.got) != 1 || s.State() != Uninitialized {
		t.Fatalf("closed=%v archived=%d state=%v", p.closed, len(arch.got), s.State())
	}
}

func TestStatusSnapshot(t *testing.T) {
	s := ready(t, &fakePort{reply: "ok"})
	s.UpdateSystemPrompt(testCtx(t), "next")
	st := s.Status()
	if st.ID != s.ID() || st.State != "ready" || st.Model != "tiny.gguf" || st.Backend != "fake" {
		t.Fatalf("status=%+v", st)
	}
	if !st.PendingSystemPrompt || len(st.Turns) != 1 || st.Turns[0].Role != "system" {
		t.Fatalf("status=%+v", st)
	}
	if err := s.Health(testCtx(t)); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestEmbeddedSession(t *testing.T) {
	path := tensortest.WriteGGUF(t, t.TempDir(), "llama", tensortest.NewWeights(5))
	port := backend.NewEmbedded(backend.Options{})
	s := New(Config{
		SystemPrompt: "Be brief.",
		Sampling:     backend.Sampling{Greedy: true, MaxNewTokens: 6},
		Stop:         engine.DefaultStop(),
	}, WithBackend(port))
	msg, err := s.Initialize(testCtx(t), path)
	if err != nil || msg != "Model loaded: tiny.gguf (embedded backend)" {
		t.Fatalf("msg=%q err=%v", msg, err)
	}
	first, err := s.Send(testCtx(t), "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(s.Conversation()) != 3 {
		t.Fatalf("conversation=%+v", s.Conversation())
	}
	if _, err := s.Reset(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	if port.CachedTokens() != 0 {
		t.Fatalf("cache not dropped: %d", port.CachedTokens())
	}
	again, err := s.Send(testCtx(t), "hi")
	if err != nil || again != first {
		t.Fatalf("greedy replies differ: %q vs %q (%v)", first, again, err)
	}
	_ = s.Close(testCtx(t))
}

func TestInitializeMissingTokenizer(t *testing.T) {
	path := tensortest.WriteSafetensors(t, t.TempDir(), tensortest.NewWeights(4))
	pub := NewMemoryPublisher()
	s := New(Config{}, WithBackend(backend.NewEmbedded(backend.Options{})), WithPublisher(pub))
	msg, err := s.Initialize(testCtx(t), path)
	if !IsArtifactNotFound(err) || msg != "" {
		t.Fatalf("want artifact not found, got msg=%q err=%v", msg, err)
	}
	if s.State() != Uninitialized || s.Degraded() || s.ModelName() != "" {
		t.Fatalf("state=%v degraded=%v model=%q", s.State(), s.Degraded(), s.ModelName())
	}
	names := pub.Names()
	if names[len(names)-1] != EventInitializeFailed {
		t.Fatalf("events=%v", names)
	}
}

func TestFallbackRetriesBackendUntilItAnswers(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path == "/v1/chat/completions" {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"REAL"}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	pub := NewMemoryPublisher()
	remote := backend.NewRemote(backend.Options{BaseURL: srv.URL, ProbeTimeout: time.Second})
	s := New(Config{}, WithBackend(remote), WithPublisher(pub))
	if _, err := s.Initialize(testCtx(t), writeArtifact(t, "model.gguf")); err != nil || !s.Degraded() {
		t.Fatalf("init: degraded=%v err=%v", s.Degraded(), err)
	}
	reply, err := s.Send(testCtx(t), "tell me a story")
	if err != nil || !strings.Contains(reply, "fallback mode") {
		t.Fatalf("reply=%q err=%v", reply, err)
	}

	up.Store(true)
	reply, err = s.Send(testCtx(t), "tell me a story")
	if err != nil || reply != "REAL" {
		t.Fatalf("reply=%q err=%v", reply, err)
	}
	if s.Degraded() || s.Status().Degraded {
		t.Fatalf("session still degraded")
	}
	names := pub.Names()
	if names[len(names)-2] != EventBackendRecovered || names[len(names)-1] != EventSendComplete {
		t.Fatalf("events=%v", names)
	}
	if got := s.Conversation(); len(got) != 5 || got[4].Content != "REAL" {
		t.Fatalf("conversation=%+v", got)
	}
}

func TestFailedLoadNeverCallsBackend(t *testing.T) {
	p := &fakePort{name: backend.KindNative, initErr: backend.ErrDependencyUnavailable("not built"), reply: "x"}
	s := ready(t, p)
	if _, err := s.Send(testCtx(t), "hello"); err != nil {
		t.Fatal(err)
	}
	if len(p.requests) != 0 || !s.Degraded() {
		t.Fatalf("requests=%d degraded=%v", len(p.requests), s.Degraded())
	}
}

// partialPort streams part of a reply and then loses the backend.
type partialPort struct{ fakePort }

func (*partialPort) StreamsText() bool { return true }
func (*partialPort) StreamText(_ context.Context, _ backend.StepRequest, onDelta func(string) error) (string, error) {
	if err := onDelta("AAA"); err != nil {
		return "", err
	}
	return "", backend.ErrBackendUnavailable("fake", errors.New("connection reset"))
}

func TestStreamFailureAfterPartialReply(t *testing.T) {
	pub := NewMemoryPublisher()
	s := ready(t, &partialPort{fakePort{stepErr: errors.New("connection reset")}}, WithPublisher(pub))
	var streamed strings.Builder
	reply, err := s.SendStream(testCtx(t), "tell me", func(d string) error {
		streamed.WriteString(d)
		return nil
	})
	if !IsReplyInterrupted(err) || !backend.IsBackendUnavailable(err) || reply != "" {
		t.Fatalf("reply=%q err=%v", reply, err)
	}
	if streamed.String() != "AAA" {
		t.Fatalf("streamed=%q", streamed.String())
	}
	if got := s.Conversation(); len(got) != 1 {
		t.Fatalf("conversation=%+v", got)
	}
	names := pub.Names()
	if names[len(names)-1] != EventSendInterrupted {
		t.Fatalf("events=%v", names)
	}

	// without a stream consumer nothing was shown, so the fallback answers
	reply, err = s.Send(testCtx(t), "tell me")
	if err != nil || !strings.Contains(reply, "tell me") {
		t.Fatalf("reply=%q err=%v", reply, err)
	}
}

func TestReinitializeArchivesConversation(t *testing.T) {
	arch := &memArchive{}
	s := ready(t, &fakePort{reply: "ok"}, WithArchive(arch))
	if _, err := s.Send(testCtx(t), "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Initialize(testCtx(t), writeArtifact(t, "other.gguf")); err != nil {
		t.Fatal(err)
	}
	if len(arch.got) != 1 || len(arch.got[0].Turns) != 3 || arch.got[0].Model != "tiny.gguf" {
		t.Fatalf("archived=%+v", arch.got)
	}
	if got := s.Conversation(); len(got) != 1 || s.ModelName() != "other.gguf" {
		t.Fatalf("conversation=%+v model=%q", got, s.ModelName())
	}
}
