package session

import "sync"

// Event names published by the session.
const (
	EventInitializeStart    = "initialize_start"
	EventInitializeReady    = "initialize_ready"
	EventInitializeDegraded = "initialize_degraded"
	EventInitializeFailed   = "initialize_failed"
	EventSendComplete       = "send_complete"
	EventSendFallback       = "send_fallback"
	EventSendInterrupted    = "send_interrupted"
	EventBackendRecovered   = "backend_recovered"
	EventReset              = "reset"
	EventSystemPromptUpdate = "system_prompt_pending"
)

// Event represents a session lifecycle event.
type Event struct {
	Name      string
	SessionID string
	Fields    map[string]any
}

// EventPublisher receives events from the session. Publish must not block
// and must not panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the event names in publish order.
func (p *MemoryPublisher) Names() []string {
	evs := p.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}
