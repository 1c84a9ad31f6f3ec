package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs(t *testing.T) {
	base := New(NotFound, "get client", "client %s", "alice")
	wrapped := fmt.Errorf("engine: %w", base)
	if !Is(wrapped, NotFound) {
		t.Fatal("wrapped NotFound not detected")
	}
	if Is(wrapped, InvalidState) {
		t.Fatal("NotFound reported as InvalidState")
	}
	if Is(nil, NotFound) {
		t.Fatal("nil has a kind")
	}
	if Retryable(wrapped) {
		t.Fatal("NotFound is not retryable")
	}
}

func TestSyncErrorUnwrap(t *testing.T) {
	cause := errors.New("exit status 1")
	err := Wrap(SyncFailed, "reconcile", &SyncError{Step: "up", ExitCode: 1, Err: cause})
	if !Retryable(err) {
		t.Fatal("SyncFailed must be retryable")
	}
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatal("SyncError not found in chain")
	}
	if se.ExitCode != 1 || se.Step != "up" {
		t.Fatalf("unexpected SyncError %#v", se)
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause not found in chain")
	}
}
