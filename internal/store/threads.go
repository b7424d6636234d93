package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Thread is an ordered conversation of messages.
type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnsureThread creates the thread row if it does not exist. Thread ids are
// caller-supplied UUIDs; the engine never depends on ambient session state.
func (s *Store) EnsureThread(ctx context.Context, threadID, userID string) error {
	if _, err := uuid.Parse(threadID); err != nil {
		return fmt.Errorf("invalid thread_id: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, user_id, created_at, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO NOTHING;
	`, threadID, userID)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

// GetThread returns the thread by id, or ErrNotFound.
func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var th Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, updated_at FROM threads WHERE id = ?;
	`, threadID).Scan(&th.ID, &th.UserID, &th.CreatedAt, &th.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select thread: %w", err)
	}
	return &th, nil
}

// AddMessage appends an immutable message to the thread.
func (s *Store) AddMessage(ctx context.Context, threadID, actor, content string) (*Message, error) {
	switch actor {
	case ActorUser, ActorAgent:
	default:
		return nil, fmt.Errorf("invalid actor %q", actor)
	}
	msg := &Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Actor:    actor,
		Content:  content,
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, thread_id, actor, content, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, msg.ID, msg.ThreadID, msg.Actor, msg.Content)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the thread's messages in conversation order.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, actor, content, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY rowid ASC
		LIMIT ?;
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Actor, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}
