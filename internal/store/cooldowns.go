package store

import (
	"fmt"
	"time"
)

// CooldownEvent is one cooldown applied to a credential.
type CooldownEvent struct {
	ID              int64  `json:"id"`
	CredentialID    uint64 `json:"credential_id"`
	Reason          string `json:"reason"`
	DurationSeconds int64  `json:"duration_seconds"`
	TriggerCount    int    `json:"trigger_count"`
	Timestamp       string `json:"timestamp"`
}

// InsertCooldownEvent appends a cooldown event.
func (s *Store) InsertCooldownEvent(e *CooldownEvent) error {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := s.writer.Exec(`
		INSERT INTO cooldown_events (credential_id, reason, duration_seconds, trigger_count, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		int64(e.CredentialID), e.Reason, e.DurationSeconds, e.TriggerCount, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("store: insert cooldown event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListCooldownEvents returns the newest events first. A credentialID of 0
// lists events for every credential.
func (s *Store) ListCooldownEvents(credentialID uint64, limit int) ([]*CooldownEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, credential_id, reason, duration_seconds, trigger_count, timestamp
		FROM cooldown_events`
	args := []any{}
	if credentialID != 0 {
		query += ` WHERE credential_id = ?`
		args = append(args, int64(credentialID))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.reader.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list cooldown events: %w", err)
	}
	defer rows.Close()

	var events []*CooldownEvent
	for rows.Next() {
		e := &CooldownEvent{}
		var credID int64
		if err := rows.Scan(&e.ID, &credID, &e.Reason, &e.DurationSeconds, &e.TriggerCount, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan cooldown event: %w", err)
		}
		e.CredentialID = uint64(credID)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list cooldown events iteration: %w", err)
	}
	return events, nil
}

// CountCooldownsByReason returns how many cooldowns of each reason were
// recorded at or after since.
func (s *Store) CountCooldownsByReason(since time.Time) (map[string]int64, error) {
	rows, err := s.reader.Query(`
		SELECT reason, COUNT(*) FROM cooldown_events
		WHERE timestamp >= ?
		GROUP BY reason`, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("store: count cooldowns: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("store: scan cooldown count: %w", err)
		}
		counts[reason] = n
	}
	return counts, rows.Err()
}
