package session

import (
	"context"
	"time"

	"chatd/internal/chat"
)

// Transcript is a finished conversation handed to an Archiver on reset or close.
type Transcript struct {
	ID        string
	SessionID string
	Model     string
	Backend   string
	StartedAt time.Time
	EndedAt   time.Time
	Turns     []chat.Turn
}

// Archiver persists finished conversations.
type Archiver interface {
	Archive(ctx context.Context, t Transcript) error
}
