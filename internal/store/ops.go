package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SaveOffload persists one offloaded message so the Context Engine's
// offload cache survives restarts.
func (s *Store) SaveOffload(ctx context.Context, sessionID string, index, priority int, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO offload_entries (session_id, idx, priority, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, idx) DO UPDATE SET priority = EXCLUDED.priority, payload = EXCLUDED.payload, stored_at = now();
	`, sessionID, index, priority, payload)
	if err != nil {
		return classifyErr("save_offload", err)
	}
	return nil
}

// LoadOffload retrieves one offloaded message and removes it; the caller
// re-inserts it into the live context.
func (s *Store) LoadOffload(ctx context.Context, sessionID string, index int) ([]byte, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		DELETE FROM offload_entries WHERE session_id = $1 AND idx = $2 RETURNING payload;
	`, sessionID, index).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, classifyErr("load_offload", err)
	}
	return payload, true, nil
}

// SweepExpiredOffloads deletes offload rows older than olderThan, for the
// offload cache TTL sweeper background task.
func (s *Store) SweepExpiredOffloads(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM offload_entries WHERE stored_at < $1;`, olderThan)
	if err != nil {
		return 0, classifyErr("sweep_expired_offloads", err)
	}
	return tag.RowsAffected(), nil
}

// CreateApproval opens a PENDING_APPROVAL request with a finite timeout.
func (s *Store) CreateApproval(ctx context.Context, userID, intent string, timeout time.Duration) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_approvals (request_id, user_id, intent, status, expires_at)
		VALUES ($1, $2, $3, 'pending', now() + $4 * interval '1 second');
	`, id, userID, intent, timeout.Seconds())
	if err != nil {
		return "", classifyErr("create_approval", err)
	}
	return id, nil
}

// ResolveApproval records an approve/deny decision. Returns false if the
// request is absent or already resolved.
func (s *Store) ResolveApproval(ctx context.Context, requestID string, approved bool) (bool, error) {
	status := "denied"
	if approved {
		status = "approved"
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_approvals SET status = $2
		WHERE request_id = $1 AND status = 'pending' AND expires_at > now();
	`, requestID, status)
	if err != nil {
		return false, classifyErr("resolve_approval", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetApproval returns the current approval record.
func (s *Store) GetApproval(ctx context.Context, requestID string) (*PendingApproval, error) {
	var a PendingApproval
	err := s.pool.QueryRow(ctx, `
		SELECT request_id, user_id, intent, status, created_at, expires_at
		FROM pending_approvals WHERE request_id = $1;
	`, requestID).Scan(&a.RequestID, &a.UserID, &a.Intent, &a.Status, &a.CreatedAt, &a.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyErr("get_approval", err)
	}
	return &a, nil
}

// SweepExpiredApprovals marks pending approvals past their deadline as
// "timeout".
func (s *Store) SweepExpiredApprovals(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_approvals SET status = 'timeout'
		WHERE status = 'pending' AND expires_at <= now();
	`)
	if err != nil {
		return 0, classifyErr("sweep_expired_approvals", err)
	}
	return tag.RowsAffected(), nil
}

// InsertMetricEvent persists one structured metric row.
func (s *Store) InsertMetricEvent(ctx context.Context, m MetricEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metric_events (request_id, user_id_hash, intent, confidence, latency_ms, tokens_in, tokens_out, sources_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`, m.RequestID, m.UserIDHash, m.Intent, m.Confidence, m.LatencyMs, m.TokensIn, m.TokensOut, m.SourcesCount)
	if err != nil {
		return classifyErr("insert_metric_event", err)
	}
	return nil
}

// Stats is the admin stats() surface's summary.
type Stats struct {
	TotalRequests   int64
	AvgLatencyMs    float64
	AvgConfidence   float64
	IntentCounts    map[string]int64
}

// QueryStats summarizes metric_events since a given time.
func (s *Store) QueryStats(ctx context.Context, since time.Time) (Stats, error) {
	stats := Stats{IntentCounts: map[string]int64{}}

	row := s.pool.QueryRow(ctx, `
		SELECT count(*), COALESCE(avg(latency_ms), 0), COALESCE(avg(confidence), 0)
		FROM metric_events WHERE created_at >= $1;
	`, since)
	if err := row.Scan(&stats.TotalRequests, &stats.AvgLatencyMs, &stats.AvgConfidence); err != nil {
		return stats, classifyErr("query_stats", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT intent, count(*) FROM metric_events WHERE created_at >= $1 GROUP BY intent;
	`, since)
	if err != nil {
		return stats, classifyErr("query_stats_intents", err)
	}
	defer rows.Close()
	for rows.Next() {
		var intent string
		var n int64
		if err := rows.Scan(&intent, &n); err != nil {
			return stats, classifyErr("query_stats_intents_scan", err)
		}
		stats.IntentCounts[intent] = n
	}
	return stats, rows.Err()
}
