package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession inserts a session with a fixed start time.
func createTestSession(t *testing.T, s *Store, id string) Session {
	t.Helper()
	sess := Session{
		ID:                id,
		Label:             "test",
		RefreshIntervalMS: 33,
		StartedAt:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	return sess
}
