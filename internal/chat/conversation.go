package chat

import "strings"

// Conversation is an ordered, append-only turn log. The first turn, when
// present, is the system turn.
type Conversation struct {
	turns []Turn
}

// NewConversation returns a conversation holding a single system turn.
func NewConversation(systemPrompt string) *Conversation {
	c := &Conversation{}
	c.Reset(systemPrompt)
	return c
}

// Reset truncates the log to one fresh system turn.
func (c *Conversation) Reset(systemPrompt string) {
	c.turns = []Turn{{Role: RoleSystem, Content: systemPrompt}}
}

// Append adds turns at the end of the log.
func (c *Conversation) Append(turns ...Turn) {
	c.turns = append(c.turns, turns...)
}

// Len returns the number of turns.
func (c *Conversation) Len() int { return len(c.turns) }

// Turns returns a copy of the log.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// With returns a copy of the log followed by extra, leaving c untouched.
func (c *Conversation) With(extra ...Turn) []Turn {
	out := make([]Turn, 0, len(c.turns)+len(extra))
	out = append(out, c.turns...)
	return append(out, extra...)
}

// SystemPrompt returns the content of the leading system turn, if any.
func (c *Conversation) SystemPrompt() string {
	if len(c.turns) == 0 || c.turns[0].Role != RoleSystem {
		return ""
	}
	return c.turns[0].Content
}

// AssistantCue terminates a rendered prompt so the model continues as the assistant.
const AssistantCue = "Assistant: "

// RenderPrompt serializes turns as "<Role>: <content>\n" lines followed by the
// open assistant cue.
func RenderPrompt(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Role.Label())
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteByte('\n')
	}
	b.WriteString(AssistantCue)
	return b.String()
}
