package store

import (
	"context"
	"fmt"
)

// CreateSession inserts a session row.
// Uses ON CONFLICT(id) DO NOTHING so re-creating the same id is a no-op.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, label, refresh_interval_ms, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		sess.ID,
		sess.Label,
		sess.RefreshIntervalMS,
		sess.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// WriteBroadcast inserts a broadcast record. Duplicate ids are ignored;
// a second record with the same (session_id, seq) is an error.
//
// Note: The session referenced by SessionID must exist (foreign key constraint).
func (s *Store) WriteBroadcast(ctx context.Context, rec BroadcastRecord) error {
	if rec.Status != StatusAcked && rec.Status != StatusFailed {
		return fmt.Errorf("write broadcast: unknown status %q", rec.Status)
	}

	fragsJSON, err := marshalFragments(rec.Fragments)
	if err != nil {
		return fmt.Errorf("write broadcast: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO broadcasts
		(id, session_id, seq, interval_ms, arena_size, fragments, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.SessionID,
		rec.Seq,
		rec.IntervalMS,
		rec.ArenaSize,
		fragsJSON,
		rec.Status,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("write broadcast: %w", err)
	}
	return nil
}

// WriteDelivery inserts a delivery record.
//
// Note: The session referenced by SessionID must exist (foreign key constraint).
func (s *Store) WriteDelivery(ctx context.Context, rec DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (session_id, seq, size)
		VALUES (?, ?, ?)
	`,
		rec.SessionID,
		rec.Seq,
		rec.Size,
	)
	if err != nil {
		return fmt.Errorf("write delivery: %w", err)
	}
	return nil
}
