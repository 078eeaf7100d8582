// Package session owns the single ongoing conversation: its lifecycle state,
// the active backend port and the fallback responder used when the backend
// cannot serve.
//
// All mutating operations serialize on one context-aware guard held across
// backend I/O. Accessors read a mutex-protected snapshot and never wait on
// a running generation.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"chatd/internal/backend"
	"chatd/internal/chat"
	"chatd/internal/common/fsutil"
	"chatd/internal/engine"
	"chatd/internal/fallback"
	"chatd/pkg/types"
)

// DefaultSystemPrompt seeds new conversations.
const DefaultSystemPrompt = "You are a helpful assistant."

// Status texts returned by the session operations.
const (
	MsgConnected     = "Connected to local LLM server! Using model: %s"
	MsgLoaded        = "Model loaded: %s (%s backend)"
	MsgDegraded      = "Model file validated: %s (Server not running - using mock responses. Start LM Studio or Ollama to use real LLM)"
	MsgReset         = "Conversation reset"
	MsgPromptUpdated = "System prompt updated"
)

// Config is fixed at construction except the system prompt, which is
// replaced through UpdateSystemPrompt on the next reset.
type Config struct {
	SystemPrompt string
	// ArtifactPath is used when Initialize is called with an empty path.
	ArtifactPath string
	Sampling     backend.Sampling
	Stop         engine.Stop
	// ProbeTimeout bounds the reachability probe during Initialize.
	ProbeTimeout time.Duration
	// EOS lists extra end-of-sequence token ids.
	EOS []int
}

// Option configures a Session.
type Option func(*Session)

func WithBackend(p backend.Port) Option { return func(s *Session) { s.port = p } }

func WithResponder(r fallback.Responder) Option { return func(s *Session) { s.responder = r } }

func WithPublisher(p EventPublisher) Option {
	return func(s *Session) {
		if p != nil {
			s.pub = p
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(s *Session) { s.log = l } }

// WithArchive stores finished conversations on reset and close.
func WithArchive(a Archiver) Option { return func(s *Session) { s.archive = a } }

// Session is the conversation state machine.
type Session struct {
	id        string
	cfg       Config
	port      backend.Port
	responder fallback.Responder
	pub       EventPublisher
	archive   Archiver
	log       zerolog.Logger
	created   time.Time

	guard *semaphore.Weighted

	mu        sync.Mutex
	state     State
	conv      *chat.Conversation
	prompt    string
	pending   *string
	model     string
	artifact  string
	degraded  bool
	// retry is set when the backend loaded but was unreachable; sends keep
	// trying it until one succeeds.
	retry     bool
	startedAt time.Time
}

// New creates an uninitialized session. Without WithBackend it talks to the
// default remote server.
func New(cfg Config, opts ...Option) *Session {
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = backend.DefaultProbeTimeout
	}
	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		responder: fallback.Rules,
		pub:       noopPublisher{},
		log:       zerolog.Nop(),
		created:   time.Now(),
		guard:     semaphore.NewWeighted(1),
		prompt:    cfg.SystemPrompt,
		conv:      chat.NewConversation(cfg.SystemPrompt),
	}
	for _, o := range opts {
		o(s)
	}
	if s.port == nil {
		s.port = backend.NewRemote(backend.Options{Logger: s.log})
	}
	if s.responder == nil {
		s.responder = fallback.Rules
	}
	s.log = s.log.With().Str("session", s.id).Str("backend", s.port.Name()).Logger()
	setStateMetric(Uninitialized, false)
	return s
}

func (s *Session) publish(name string, fields map[string]any) {
	s.pub.Publish(Event{Name: name, SessionID: s.id, Fields: fields})
}

func (s *Session) acquire(ctx context.Context) error {
	return s.guard.Acquire(ctx, 1)
}

// Initialize validates the artifact and brings up the backend. A backend that
// fails to load or probe leaves the session Ready in fallback mode; a missing
// artifact or tokenizer or a canceled context is an error. A conversation
// already in progress is archived before it is replaced.
func (s *Session) Initialize(ctx context.Context, path string) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.guard.Release(1)

	if strings.TrimSpace(path) == "" {
		path = s.cfg.ArtifactPath
	}
	s.publish(EventInitializeStart, map[string]any{"path": path})
	resolved, _, err := fsutil.ResolveFile(path)
	if err != nil {
		s.log.Warn().Str("path", path).Err(err).Msg("model artifact not found")
		s.publish(EventInitializeFailed, map[string]any{"path": path, "error": err.Error()})
		return "", ErrArtifactNotFound(path, err)
	}
	name := filepath.Base(resolved)

	start := time.Now()
	ierr := s.port.Initialize(ctx, resolved)
	berr := ierr
	if ierr == nil {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		berr = s.port.Probe(pctx)
		cancel()
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if backend.IsArtifactMissing(ierr) {
		s.log.Warn().Str("path", path).Err(ierr).Msg("model artifact incomplete")
		s.publish(EventInitializeFailed, map[string]any{"path": path, "error": ierr.Error()})
		return "", ErrArtifactNotFound(path, ierr)
	}

	s.mu.Lock()
	t := s.transcriptLocked()
	if s.pending != nil {
		s.prompt = *s.pending
		s.pending = nil
	}
	s.conv.Reset(s.prompt)
	s.model = name
	s.artifact = resolved
	s.degraded = berr != nil
	s.retry = ierr == nil && berr != nil
	s.state = Ready
	s.startedAt = time.Now()
	s.mu.Unlock()
	setStateMetric(Ready, berr != nil)
	s.store(ctx, t)

	if berr != nil {
		s.log.Warn().Str("model", name).Err(berr).Msg("backend unavailable; using fallback responses")
		s.publish(EventInitializeDegraded, map[string]any{"model": name, "error": berr.Error()})
		return fmt.Sprintf(MsgDegraded, name), nil
	}
	s.log.Info().Str("model", name).Dur("took", time.Since(start)).Msg("session ready")
	s.publish(EventInitializeReady, map[string]any{"model": name, "took_ms": time.Since(start).Milliseconds()})
	if s.port.Name() == backend.KindRemote {
		return fmt.Sprintf(MsgConnected, name), nil
	}
	return fmt.Sprintf(MsgLoaded, name, s.port.Name()), nil
}

// Send generates the assistant reply to text and appends the user and
// assistant turns as a pair.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	return s.send(ctx, text, nil)
}

// SendStream is Send with partial reply text delivered to onToken as it is
// produced. An error from onToken aborts the generation.
func (s *Session) SendStream(ctx context.Context, text string, onToken func(delta string) error) (string, error) {
	return s.send(ctx, text, onToken)
}

func (s *Session) send(ctx context.Context, text string, onToken func(string) error) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.guard.Release(1)

	s.mu.Lock()
	if s.state != Ready {
		s.mu.Unlock()
		return "", ErrNotInitialized
	}
	user := chat.Turn{Role: chat.RoleUser, Content: text}
	turns := s.conv.With(user)
	degraded, retry := s.degraded, s.retry
	model := s.model
	s.mu.Unlock()

	var (
		reply  string
		source = "model"
		fields = map[string]any{}
	)
	if degraded && !retry {
		reply, source = s.fallbackReply(text, model), "fallback"
	} else {
		emitted := false
		cb := onToken
		if onToken != nil {
			cb = func(d string) error {
				if d != "" {
					emitted = true
				}
				return onToken(d)
			}
		}
		res, err := engine.Generate(ctx, s.port, engine.Request{
			Conversation: turns,
			Sampling:     s.cfg.Sampling,
			Stop:         s.cfg.Stop,
			EOS:          s.cfg.EOS,
			OnToken:      cb,
		})
		switch {
		case err == nil:
			reply = res.Text
			fields["finish"] = string(res.FinishReason)
			fields["tokens"] = res.Tokens
			if degraded {
				s.recovered()
			}
		case ctx.Err() != nil:
			return "", ctx.Err()
		case backend.IsBackendUnavailable(err) && emitted:
			s.log.Warn().Err(err).Msg("generation failed after partial reply")
			s.publish(EventSendInterrupted, map[string]any{"error": err.Error()})
			return "", ErrReplyInterrupted(err)
		case backend.IsBackendUnavailable(err):
			s.log.Warn().Err(err).Msg("generation failed; answering from fallback")
			reply, source = s.fallbackReply(text, model), "fallback"
			fields["error"] = err.Error()
		default:
			s.log.Error().Err(err).Msg("generation failed")
			return "", err
		}
	}
	if source == "fallback" && onToken != nil {
		if err := onToken(reply); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	s.conv.Append(user, chat.Turn{Role: chat.RoleAssistant, Content: reply})
	s.mu.Unlock()
	repliesTotal.WithLabelValues(source).Inc()

	if source == "fallback" {
		s.publish(EventSendFallback, fields)
	} else {
		s.publish(EventSendComplete, fields)
	}
	return reply, nil
}

// recovered leaves fallback mode after the backend served a reply.
func (s *Session) recovered() {
	s.mu.Lock()
	s.degraded, s.retry = false, false
	s.mu.Unlock()
	setStateMetric(Ready, false)
	s.log.Info().Msg("backend reachable again; leaving fallback mode")
	s.publish(EventBackendRecovered, nil)
}

func (s *Session) fallbackReply(text, model string) string {
	return s.responder.Respond(text, model)
}

// Reset archives the current conversation, applies any pending system
// prompt and truncates to a single system turn. The backend keeps its
// weights and only drops its decode cache.
func (s *Session) Reset(ctx context.Context) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.guard.Release(1)

	s.mu.Lock()
	if s.state != Ready {
		s.mu.Unlock()
		return "", ErrNotInitialized
	}
	t := s.transcriptLocked()
	if s.pending != nil {
		s.prompt = *s.pending
		s.pending = nil
	}
	s.conv.Reset(s.prompt)
	s.startedAt = time.Now()
	degraded := s.degraded
	s.mu.Unlock()

	s.store(ctx, t)
	if !degraded {
		if err := s.port.ResetCache(); err != nil {
			s.log.Warn().Err(err).Msg("reset decode cache")
		}
	}
	s.publish(EventReset, map[string]any{"archived_turns": len(t.Turns)})
	return MsgReset, nil
}

// UpdateSystemPrompt stores text as the pending system prompt. It takes
// effect on the next Reset (or Initialize) and is allowed in any state.
func (s *Session) UpdateSystemPrompt(_ context.Context, text string) string {
	s.mu.Lock()
	s.pending = &text
	s.mu.Unlock()
	s.publish(EventSystemPromptUpdate, map[string]any{"length": len(text)})
	return MsgPromptUpdated
}

// Close archives the current conversation and releases the backend.
func (s *Session) Close(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.guard.Release(1)

	s.mu.Lock()
	t := s.transcriptLocked()
	s.state = Uninitialized
	s.mu.Unlock()
	setStateMetric(Uninitialized, false)

	s.store(ctx, t)
	return s.port.Close()
}

// transcriptLocked snapshots the conversation for archiving. s.mu must be held.
func (s *Session) transcriptLocked() Transcript {
	if s.state != Ready || s.conv.Len() <= 1 {
		return Transcript{}
	}
	return Transcript{
		ID:        uuid.NewString(),
		SessionID: s.id,
		Model:     s.model,
		Backend:   s.port.Name(),
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		Turns:     s.conv.Turns(),
	}
}

func (s *Session) store(ctx context.Context, t Transcript) {
	if s.archive == nil || len(t.Turns) == 0 {
		return
	}
	if err := s.archive.Archive(ctx, t); err != nil {
		s.log.Warn().Err(err).Msg("archive conversation")
		return
	}
	s.log.Debug().Str("transcript", t.ID).Int("turns", len(t.Turns)).Msg("conversation archived")
}

// Health reports whether the session can serve: nil when Ready and the
// backend (if it reports health) is reachable, or when running on fallback.
func (s *Session) Health(ctx context.Context) error {
	s.mu.Lock()
	state, degraded := s.state, s.degraded
	s.mu.Unlock()
	if state != Ready {
		return ErrNotInitialized
	}
	if degraded {
		return nil
	}
	if hr, ok := s.port.(backend.HealthReporter); ok {
		return hr.Healthy(ctx)
	}
	return nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Backend() string { return s.port.Name() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns a copy of the turns.
func (s *Session) Conversation() []chat.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Turns()
}

func (s *Session) ModelName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// PendingSystemPrompt returns the prompt waiting for the next reset.
func (s *Session) PendingSystemPrompt() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return "", false
	}
	return *s.pending, true
}

// Status returns the API view of the session.
func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.conv.Turns()
	out := types.SessionStatus{
		ID:                  s.id,
		State:               s.state.String(),
		Model:               s.model,
		Backend:             s.port.Name(),
		Degraded:            s.degraded,
		PendingSystemPrompt: s.pending != nil,
		Turns:               make([]types.Turn, len(turns)),
		UptimeSeconds:       int64(time.Since(s.created).Seconds()),
	}
	for i, t := range turns {
		out.Turns[i] = types.Turn{Role: string(t.Role), Content: t.Content}
	}
	return out
}

// Artifact returns the resolved artifact path of the last Initialize.
func (s *Session) Artifact() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}
