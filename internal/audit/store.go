// Package audit provides PostgreSQL-backed storage for pairing records.
// Each record captures which two sessions shared a room and when the
// pairing started and ended. No message content is stored.
package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// End reasons accepted by PairEnded, matching the CHECK constraint on the
// pairings table.
const (
	ReasonSkip       = "skip"
	ReasonDisconnect = "disconnect"
)

var validReasons = map[string]bool{
	ReasonSkip:       true,
	ReasonDisconnect: true,
}

// Store manages pairing records in PostgreSQL. A nil Store is a valid no-op
// sink, so callers can wire auditing unconditionally and enable it only when
// a database is configured.
type Store struct {
	db *sql.DB
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PairStarted inserts a record for a freshly formed pairing.
func (s *Store) PairStarted(ctx context.Context, roomID, userA, userB string) error {
	if s == nil || s.db == nil {
		return nil
	}

	const query = `
		INSERT INTO pairings (room_id, user_a, user_b)
		VALUES ($1, $2, $3)`

	if _, err := s.db.ExecContext(ctx, query, roomID, userA, userB); err != nil {
		return fmt.Errorf("audit: insert pairing: %w", err)
	}
	return nil
}

// PairEnded closes the open record for the room with the given end reason.
// Only the most recent open record is touched, so a reused room id (the same
// two sessions pairing again) closes the right row.
func (s *Store) PairEnded(ctx context.Context, roomID, reason string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if !validReasons[reason] {
		return fmt.Errorf("audit: invalid end reason %q", reason)
	}

	const query = `
		UPDATE pairings
		SET ended_at = NOW(), end_reason = $2
		WHERE id = (
			SELECT id FROM pairings
			WHERE room_id = $1 AND ended_at IS NULL
			ORDER BY started_at DESC
			LIMIT 1
		)`

	if _, err := s.db.ExecContext(ctx, query, roomID, reason); err != nil {
		return fmt.Errorf("audit: close pairing: %w", err)
	}
	return nil
}

// CountRecent returns the number of pairings a session participated in
// within the given interval, for operational dashboards.
func (s *Store) CountRecent(ctx context.Context, sessionID string, interval string) (int, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}

	const query = `
		SELECT COUNT(*)
		FROM pairings
		WHERE (user_a = $1 OR user_b = $1)
		  AND started_at >= NOW() - $2::interval`

	var count int
	if err := s.db.QueryRowContext(ctx, query, sessionID, interval).Scan(&count); err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}
