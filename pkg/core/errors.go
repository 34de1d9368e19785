package core

import "fmt"

// ProvisioningError indicates remote assistant or thread creation failed after
// bounded retries. It is fatal to the connection that triggered provisioning.
type ProvisioningError struct {
	SessionID string
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed for session %s: %v", e.SessionID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// RunConflictError indicates the provider rejected a run start because the
// thread already has an active run. Callers retry with backoff; the condition
// is expected to clear shortly.
type RunConflictError struct {
	ThreadID string
}

func (e *RunConflictError) Error() string {
	return fmt.Sprintf("thread %s already has an active run", e.ThreadID)
}

// TranscriptionEmptyError indicates speech recognition produced no text.
// Recovered locally with a canned spoken apology, never surfaced to clients.
type TranscriptionEmptyError struct{}

func (e *TranscriptionEmptyError) Error() string { return "transcription produced no text" }

// ModerationError indicates the moderation classifier itself failed. The gate
// treats it as flagged (fail closed).
type ModerationError struct {
	Err error
}

func (e *ModerationError) Error() string { return fmt.Sprintf("moderation classifier: %v", e.Err) }

func (e *ModerationError) Unwrap() error { return e.Err }

// StreamProviderError indicates the provider stream failed mid-generation.
// The normalizer substitutes a synthetic end event so consumers still reach a
// terminal protocol state.
type StreamProviderError struct {
	Err error
}

func (e *StreamProviderError) Error() string { return fmt.Sprintf("provider stream: %v", e.Err) }

func (e *StreamProviderError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed store write. Logged and non-blocking for
// event delivery, but a durability risk worth monitoring.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence %s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }
