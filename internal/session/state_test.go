package session

import (
	"testing"

	"github.com/google/uuid"
)

func TestCurrentSessionStateRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	id, err := LoadCurrentSessionID()
	if err != nil {
		t.Fatalf("LoadCurrentSessionID() error = %v", err)
	}
	if id != nil {
		t.Fatalf("expected no current session, got %s", id)
	}

	want := uuid.New()
	if err := SaveCurrentSessionID(want); err != nil {
		t.Fatalf("SaveCurrentSessionID() error = %v", err)
	}

	got, err := LoadCurrentSessionID()
	if err != nil {
		t.Fatalf("LoadCurrentSessionID() error = %v", err)
	}
	if got == nil || *got != want {
		t.Errorf("expected %s, got %v", want, got)
	}

	if err := ClearCurrentSessionID(); err != nil {
		t.Fatalf("ClearCurrentSessionID() error = %v", err)
	}
	if err := ClearCurrentSessionID(); err != nil {
		t.Errorf("clear must be idempotent, got %v", err)
	}

	got, err = LoadCurrentSessionID()
	if err != nil || got != nil {
		t.Errorf("expected cleared state, got id=%v err=%v", got, err)
	}
}
