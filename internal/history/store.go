// Package history archives finished conversations in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"chatd/internal/chat"
	"chatd/internal/session"
)

// ErrNotFound is returned by Get for an unknown conversation id.
var ErrNotFound = errors.New("conversation not found")

var _ session.Archiver = (*Store)(nil)

// Store implements session.Archiver on SQLite via modernc.org/sqlite.
type Store struct {
	db *sql.DB
}

// Summary is one row of the archive listing.
type Summary struct {
	ID        string    `json:"id" yaml:"id"`
	SessionID string    `json:"session_id" yaml:"session_id"`
	Model     string    `json:"model" yaml:"model"`
	Backend   string    `json:"backend" yaml:"backend"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time `json:"ended_at" yaml:"ended_at"`
	Turns     int       `json:"turns" yaml:"turns"`
	// Preview is the first user message.
	Preview string `json:"preview" yaml:"preview"`
}

// Open opens (or creates) the archive at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// Archive stores t with its turns in one transaction.
func (s *Store) Archive(ctx context.Context, t session.Transcript) error {
	if t.ID == "" {
		return errors.New("archive: transcript id is required")
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, session_id, model, backend, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.SessionID, t.Model, t.Backend, t.StartedAt.UTC(), t.EndedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		for i, turn := range t.Turns {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO turns (conversation_id, seq, role, content) VALUES (?, ?, ?, ?)`,
				t.ID, i, string(turn.Role), turn.Content,
			); err != nil {
				return fmt.Errorf("insert turn %d: %w", i, err)
			}
		}
		return nil
	})
}

// List returns the most recent conversations first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.session_id, c.model, c.backend, c.started_at, c.ended_at,
			(SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.id),
			COALESCE((SELECT t.content FROM turns t
				WHERE t.conversation_id = c.id AND t.role = 'user'
				ORDER BY t.seq LIMIT 1), '')
		FROM conversations c
		ORDER BY c.ended_at DESC, c.rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.ID, &sm.SessionID, &sm.Model, &sm.Backend, &sm.StartedAt, &sm.EndedAt, &sm.Turns, &sm.Preview); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Get loads one archived conversation with its turns.
func (s *Store) Get(ctx context.Context, id string) (session.Transcript, error) {
	var t session.Transcript
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, model, backend, started_at, ended_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&t.ID, &t.SessionID, &t.Model, &t.Backend, &t.StartedAt, &t.EndedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Transcript{}, ErrNotFound
		}
		return session.Transcript{}, fmt.Errorf("get conversation: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM turns WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return session.Transcript{}, fmt.Errorf("get turns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return session.Transcript{}, fmt.Errorf("scan turn: %w", err)
		}
		t.Turns = append(t.Turns, chat.Turn{Role: chat.Role(role), Content: content})
	}
	return t, rows.Err()
}

// Delete removes a conversation and its turns.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
