package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestProvisioningErrorWrapsCause(t *testing.T) {
	cause := fmt.Errorf("api down")
	err := &ProvisioningError{SessionID: "s1", Err: cause}

	if !errors.Is(err, cause) {
		t.Fatal("ProvisioningError must unwrap to its cause")
	}
	if got := err.Error(); got != "provisioning failed for session s1: api down" {
		t.Errorf("Error() = %q", got)
	}
}

func TestRunConflictErrorMatchesWithAs(t *testing.T) {
	var wrapped error = fmt.Errorf("start run: %w", &RunConflictError{ThreadID: "thread_1"})

	var conflict *RunConflictError
	if !errors.As(wrapped, &conflict) {
		t.Fatal("RunConflictError must survive wrapping")
	}
	if conflict.ThreadID != "thread_1" {
		t.Errorf("ThreadID = %q", conflict.ThreadID)
	}
}

func TestStreamProviderErrorUnwraps(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := &StreamProviderError{Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("StreamProviderError must unwrap to its cause")
	}
}

func TestPersistenceErrorMessage(t *testing.T) {
	err := &PersistenceError{Op: "save transcript", Err: fmt.Errorf("timeout")}
	if got := err.Error(); got != "persistence save transcript: timeout" {
		t.Errorf("Error() = %q", got)
	}
}
