package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Request is one proxied /v1/messages call.
type Request struct {
	ID                 string `json:"id"`
	Timestamp          string `json:"timestamp"`
	Model              string `json:"model"`
	CredentialID       uint64 `json:"credential_id"`
	StatusCode         int    `json:"status_code"`
	LatencyMs          int64  `json:"latency_ms"`
	Attempts           int    `json:"attempts"`
	TokensIn           int64  `json:"tokens_in"`
	TokensOut          int64  `json:"tokens_out"`
	ToolsOriginalBytes int64  `json:"tools_original_bytes"`
	ToolsFinalBytes    int64  `json:"tools_final_bytes"`
	ToolsElevated      int    `json:"tools_elevated"`
	Truncations        int    `json:"truncations"`
	ErrorMessage       string `json:"error_message"`
}

// RequestStats holds aggregate statistics for a range of requests.
type RequestStats struct {
	TotalRequests    int64   `json:"total_requests"`
	Failed           int64   `json:"failed"`
	TotalTokensIn    int64   `json:"total_tokens_in"`
	TotalTokensOut   int64   `json:"total_tokens_out"`
	ToolsBytesSaved  int64   `json:"tools_bytes_saved"`
	ToolsElevated    int64   `json:"tools_elevated"`
	Truncations      int64   `json:"truncations"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// InsertRequest stores a new request record. The caller is responsible
// for providing a unique ID (typically a UUID).
func (s *Store) InsertRequest(r *Request) error {
	_, err := s.writer.Exec(`
		INSERT INTO requests (
			id, timestamp, model, credential_id, status_code, latency_ms,
			attempts, tokens_in, tokens_out, tools_original_bytes,
			tools_final_bytes, tools_elevated, truncations, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp, r.Model, int64(r.CredentialID), r.StatusCode, r.LatencyMs,
		r.Attempts, r.TokensIn, r.TokensOut, r.ToolsOriginalBytes,
		r.ToolsFinalBytes, r.ToolsElevated, r.Truncations, r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("store: insert request: %w", err)
	}
	return nil
}

const requestColumns = `id, timestamp, model, credential_id, status_code, latency_ms,
	attempts, tokens_in, tokens_out, tools_original_bytes,
	tools_final_bytes, tools_elevated, truncations, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	r := &Request{}
	var credID int64
	err := row.Scan(
		&r.ID, &r.Timestamp, &r.Model, &credID, &r.StatusCode, &r.LatencyMs,
		&r.Attempts, &r.TokensIn, &r.TokensOut, &r.ToolsOriginalBytes,
		&r.ToolsFinalBytes, &r.ToolsElevated, &r.Truncations, &r.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	r.CredentialID = uint64(credID)
	return r, nil
}

// GetRequest retrieves a single request by its ID.
// Returns an error wrapping sql.ErrNoRows if the request does not exist.
func (s *Store) GetRequest(id string) (*Request, error) {
	r, err := scanRequest(s.reader.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("store: get request %s: %w", id, err)
	}
	return r, nil
}

// ListRequests returns a page of requests ordered by timestamp descending.
func (s *Store) ListRequests(limit, offset int) ([]*Request, error) {
	rows, err := s.reader.Query(`
		SELECT `+requestColumns+`
		FROM requests
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()

	var results []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan request row: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list requests iteration: %w", err)
	}
	return results, nil
}

// GetRequestStats computes aggregate statistics for all requests whose
// timestamp is >= since.
func (s *Store) GetRequestStats(since time.Time) (*RequestStats, error) {
	sinceStr := since.UTC().Format(time.RFC3339)
	stats := &RequestStats{}

	err := s.reader.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(tokens_in), 0),
			COALESCE(SUM(tokens_out), 0),
			COALESCE(SUM(tools_original_bytes - tools_final_bytes), 0),
			COALESCE(SUM(tools_elevated), 0),
			COALESCE(SUM(truncations), 0),
			COALESCE(AVG(latency_ms), 0.0)
		FROM requests
		WHERE timestamp >= ?`, sinceStr,
	).Scan(
		&stats.TotalRequests,
		&stats.Failed,
		&stats.TotalTokensIn,
		&stats.TotalTokensOut,
		&stats.ToolsBytesSaved,
		&stats.ToolsElevated,
		&stats.Truncations,
		&stats.AverageLatencyMs,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return stats, nil
		}
		return nil, fmt.Errorf("store: get request stats: %w", err)
	}

	return stats, nil
}
