package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/basket/cortexkeep/internal/apperr"
)

// UpsertCoreFact inserts or updates a CoreFact keyed by (user_id, key),
// resetting importance/last_accessed on every store.
func (s *Store) UpsertCoreFact(ctx context.Context, userID, key, value string, importance float64, metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", &apperr.MemoryError{Kind: "core", Key: key, Err: err}
	}

	var id string
	newID := uuid.NewString()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO core_memories (id, user_id, key, value, importance, metadata, access_count, last_accessed)
		VALUES ($1, $2, $3, $4, $5, $6, 0, now())
		ON CONFLICT (user_id, key) DO UPDATE SET
			value = EXCLUDED.value,
			importance = EXCLUDED.importance,
			metadata = EXCLUDED.metadata,
			last_accessed = now()
		RETURNING id;
	`, newID, userID, key, value, importance, metaJSON)
	if err := row.Scan(&id); err != nil {
		return "", classifyErr("upsert_core_fact", err)
	}
	return id, nil
}

// GetCoreFact returns the fact for (userID, key), or nil if absent.
func (s *Store) GetCoreFact(ctx context.Context, userID, key string) (*CoreFact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, key, value, importance, metadata, access_count, last_accessed, created_at, updated_at
		FROM core_memories WHERE user_id = $1 AND key = $2;
	`, userID, key)
	fact, err := scanCoreFact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyErr("get_core_fact", err)
	}
	return fact, nil
}

// ListCoreFacts returns all facts for a user ordered by composite eviction
// score descending (highest-value facts first)
func (s *Store) ListCoreFacts(ctx context.Context, userID string) ([]CoreFact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, key, value, importance, metadata, access_count, last_accessed, created_at, updated_at
		FROM core_memories WHERE user_id = $1
		ORDER BY importance DESC, last_accessed DESC;
	`, userID)
	if err != nil {
		return nil, classifyErr("list_core_facts", err)
	}
	defer rows.Close()

	var out []CoreFact
	for rows.Next() {
		f, err := scanCoreFact(rows)
		if err != nil {
			return nil, classifyErr("list_core_facts_scan", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// DeleteCoreFact removes the fact for (userID, key). Returns whether a row was deleted.
func (s *Store) DeleteCoreFact(ctx context.Context, userID, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM core_memories WHERE user_id = $1 AND key = $2;`, userID, key)
	if err != nil {
		return false, classifyErr("delete_core_fact", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SearchCoreFactsSubstring returns keys whose value contains query (case-insensitive).
func (s *Store) SearchCoreFactsSubstring(ctx context.Context, userID, query string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key FROM core_memories
		WHERE user_id = $1 AND value ILIKE '%' || $2 || '%'
		ORDER BY importance DESC
		LIMIT $3;
	`, userID, query, limit)
	if err != nil {
		return nil, classifyErr("search_core_facts_substring", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, classifyErr("search_core_facts_substring_scan", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CountCoreFacts returns the number of facts stored for a user, used to
// decide whether an eviction is needed before the next insert.
func (s *Store) CountCoreFacts(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM core_memories WHERE user_id = $1;`, userID).Scan(&n)
	if err != nil {
		return 0, classifyErr("count_core_facts", err)
	}
	return n, nil
}

// DeleteCoreFactByID removes a specific fact by id, used by the eviction path.
func (s *Store) DeleteCoreFactByID(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM core_memories WHERE id = $1;`, id)
	if err != nil {
		return classifyErr("delete_core_fact_by_id", err)
	}
	return nil
}

// BatchTouchCoreFacts applies a batched access-counter flush for a user in
// one statement, never one write per read. deltas maps fact key to the
// number of accesses to add.
func (s *Store) BatchTouchCoreFacts(ctx context.Context, userID string, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for key, delta := range deltas {
			batch.Queue(`
				UPDATE core_memories SET access_count = access_count + $3, last_accessed = now()
				WHERE user_id = $1 AND key = $2;
			`, userID, key, delta)
		}
		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for range deltas {
			if _, err := br.Exec(); err != nil {
				return classifyErr("batch_touch_core_facts", err)
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCoreFact(row rowScanner) (*CoreFact, error) {
	var f CoreFact
	var metaJSON []byte
	var lastAccessed, createdAt, updatedAt time.Time
	if err := row.Scan(&f.ID, &f.UserID, &f.Key, &f.Value, &f.Importance, &metaJSON, &f.AccessCount, &lastAccessed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.LastAccessed, f.CreatedAt, f.UpdatedAt = lastAccessed, createdAt, updatedAt
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &f.Metadata)
	}
	return &f, nil
}
