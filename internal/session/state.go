package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// The current-session marker lives in a small state file rather than the
// database so it survives restarts even with persistence disabled.
const currentSessionFile = "current_session"

func statePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".tabletalk", currentSessionFile), nil
}

// LoadCurrentSessionID reads the persisted current-session marker.
// A missing or empty state file returns (nil, nil); that is not an error.
func LoadCurrentSessionID() (*uuid.UUID, error) {
	path, err := statePath()
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("reading session state: %w", err)
	}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, nil
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("corrupt session state %q: %w", trimmed, err)
	}
	return &id, nil
}

// SaveCurrentSessionID persists the current-session marker, creating the
// state directory on first use.
func SaveCurrentSessionID(sessionID uuid.UUID) error {
	path, err := statePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sessionID.String()), 0644); err != nil {
		return fmt.Errorf("writing session state: %w", err)
	}
	return nil
}

// ClearCurrentSessionID removes the marker. Idempotent.
func ClearCurrentSessionID() error {
	path, err := statePath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session state: %w", err)
	}
	return nil
}
