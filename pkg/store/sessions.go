package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wwbp/chatengine/pkg/core"
)

// Session is the local record correlating a user, optional module/task/
// persona, and the remote assistant/thread handles.
type Session struct {
	ID          uuid.UUID
	UserID      *uuid.UUID
	ModuleID    *uuid.UUID
	TaskID      *uuid.UUID
	PersonaID   *uuid.UUID
	AssistantID string
	ThreadID    string
	Usage       core.Usage
}

// EnsureSession retrieves the session row, creating an empty one on first
// reference to the id.
func (s *Store) EnsureSession(ctx context.Context, id uuid.UUID) (Session, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return Session{}, fmt.Errorf("ensure session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession loads a session row.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	var (
		sess        Session
		assistantID *string
		threadID    *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, module_id, task_id, persona_id, assistant_id, thread_id,
		       prompt_tokens, completion_tokens, total_tokens
		FROM sessions WHERE id = $1`, id).Scan(
		&sess.ID, &sess.UserID, &sess.ModuleID, &sess.TaskID, &sess.PersonaID,
		&assistantID, &threadID,
		&sess.Usage.PromptTokens, &sess.Usage.CompletionTokens, &sess.Usage.TotalTokens)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, fmt.Errorf("session %s not found", id)
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if assistantID != nil {
		sess.AssistantID = *assistantID
	}
	if threadID != nil {
		sess.ThreadID = *threadID
	}
	return sess, nil
}

// SetSessionHandles persists the remote assistant/thread pair after
// provisioning. Handles are written at most once per session.
func (s *Store) SetSessionHandles(ctx context.Context, id uuid.UUID, assistantID, threadID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET assistant_id = COALESCE(assistant_id, $2),
		    thread_id = COALESCE(thread_id, $3),
		    updated_at = now()
		WHERE id = $1`, id, assistantID, threadID)
	if err != nil {
		return &core.PersistenceError{Op: "set session handles", Err: err}
	}
	return nil
}

// ClaimGreeting marks the session as greeted and reports whether this call
// won the claim. The initial greeting is submitted exactly once per session.
func (s *Store) ClaimGreeting(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET greeted = true, updated_at = now() WHERE id = $1 AND NOT greeted`, id)
	if err != nil {
		return false, &core.PersistenceError{Op: "claim greeting", Err: err}
	}
	return tag.RowsAffected() == 1, nil
}

// AddUsage atomically increments the session's token counters. The
// read-modify-write runs inside a transaction holding the session row lock so
// concurrent text and audio flows on one session cannot lose updates.
func (s *Store) AddUsage(ctx context.Context, id uuid.UUID, usage core.Usage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &core.PersistenceError{Op: "add usage", Err: err}
	}
	defer tx.Rollback(ctx)

	var current core.Usage
	err = tx.QueryRow(ctx,
		`SELECT prompt_tokens, completion_tokens, total_tokens FROM sessions WHERE id = $1 FOR UPDATE`,
		id).Scan(&current.PromptTokens, &current.CompletionTokens, &current.TotalTokens)
	if err != nil {
		return &core.PersistenceError{Op: "add usage", Err: err}
	}

	next := current.Add(usage)
	_, err = tx.Exec(ctx, `
		UPDATE sessions
		SET prompt_tokens = $2, completion_tokens = $3, total_tokens = $4, updated_at = now()
		WHERE id = $1`,
		id, next.PromptTokens, next.CompletionTokens, next.TotalTokens)
	if err != nil {
		return &core.PersistenceError{Op: "add usage", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &core.PersistenceError{Op: "add usage", Err: err}
	}
	return nil
}

// ReferenceFiles returns the object keys of reference material linked to the
// session's module and task, module files first.
func (s *Store) ReferenceFiles(ctx context.Context, id uuid.UUID) ([]string, error) {
	var moduleFiles, taskFiles []string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(m.files, '{}'), COALESCE(t.files, '{}')
		FROM sessions s
		LEFT JOIN modules m ON m.id = s.module_id
		LEFT JOIN tasks t ON t.id = s.task_id
		WHERE s.id = $1`, id).Scan(&moduleFiles, &taskFiles)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reference files: %w", err)
	}
	return append(moduleFiles, taskFiles...), nil
}

// MaxMessageID returns the highest recorded message id for the session, or
// zero when none exist. Seeds the engine's monotonic counter so ids are never
// reused across reconnects.
func (s *Store) MaxMessageID(ctx context.Context, id uuid.UUID) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(message_id), 0) FROM transcripts WHERE session_id = $1`, id).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max message id: %w", err)
	}
	return max, nil
}
