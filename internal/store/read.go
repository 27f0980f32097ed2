package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ListSessions returns every session, oldest id first.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, refresh_interval_ms, started_at
		FROM sessions
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ReadSession retrieves one session. Returns ErrNotFound if missing.
func (s *Store) ReadSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, label, refresh_interval_ms, started_at
		FROM sessions
		WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return sess, err
}

// ReadBroadcasts returns a session's broadcasts ordered by seq.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ReadBroadcasts(ctx context.Context, sessionID string) ([]BroadcastRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, interval_ms, arena_size, fragments, status, error
		FROM broadcasts
		WHERE session_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query broadcasts: %w", err)
	}
	defer rows.Close()

	records := []BroadcastRecord{}
	for rows.Next() {
		var (
			rec       BroadcastRecord
			fragsJSON string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.Seq,
			&rec.IntervalMS,
			&rec.ArenaSize,
			&fragsJSON,
			&rec.Status,
			&rec.Error,
		); err != nil {
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		rec.Fragments, err = unmarshalFragments(fragsJSON)
		if err != nil {
			return nil, fmt.Errorf("broadcast %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate broadcasts: %w", err)
	}
	return records, nil
}

// ReadDeliveries returns a session's deliveries ordered by seq.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ReadDeliveries(ctx context.Context, sessionID string) ([]DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, size
		FROM deliveries
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	records := []DeliveryRecord{}
	for rows.Next() {
		var rec DeliveryRecord
		if err := rows.Scan(&rec.SessionID, &rec.Seq, &rec.Size); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return records, nil
}

// CountFailures returns the number of failed broadcasts in a session.
func (s *Store) CountFailures(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM broadcasts
		WHERE session_id = ? AND status = ?
	`, sessionID, StatusFailed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		sess      Session
		startedAt int64
	)
	if err := row.Scan(&sess.ID, &sess.Label, &sess.RefreshIntervalMS, &startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = time.UnixMilli(startedAt).UTC()
	return sess, nil
}
