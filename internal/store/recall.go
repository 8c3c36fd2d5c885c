package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// InsertRecallItem appends one episodic memory row.
func (s *Store) InsertRecallItem(ctx context.Context, userID, content string, embedding []float32, importance float64) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recall_memories (id, user_id, content, embedding, importance, access_count, last_accessed)
		VALUES ($1, $2, $3, $4, $5, 0, now());
	`, id, userID, content, pgvector.NewVector(embedding), importance)
	if err != nil {
		return "", classifyErr("insert_recall_item", err)
	}
	return id, nil
}

// SearchRecallItems runs a cosine-similarity nearest-neighbor search
// restricted to the user's partition, filtered by minImportance, ordered by
// similarity descending, with primary-key ascending as the tie-break.
// Cosine distance is converted to similarity with `1 - distance`,
// standardizing on [-1,1] similarity everywhere.
func (s *Store) SearchRecallItems(ctx context.Context, userID string, queryEmbedding []float32, limit int, minImportance, threshold float64) ([]RecallItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, content, embedding, importance, access_count, last_accessed, created_at,
			1 - (embedding <=> $2) AS similarity
		FROM recall_memories
		WHERE user_id = $1 AND importance >= $3
		ORDER BY (embedding <=> $2) ASC, id ASC
		LIMIT $4;
	`, userID, pgvector.NewVector(queryEmbedding), minImportance, limit)
	if err != nil {
		return nil, classifyErr("search_recall_items", err)
	}
	defer rows.Close()

	var out []RecallItem
	for rows.Next() {
		var item RecallItem
		var vec pgvector.Vector
		var lastAccessed, createdAt time.Time
		if err := rows.Scan(&item.ID, &item.UserID, &item.Content, &vec, &item.Importance,
			&item.AccessCount, &lastAccessed, &createdAt, &item.Similarity); err != nil {
			return nil, classifyErr("search_recall_items_scan", err)
		}
		if item.Similarity < threshold {
			continue
		}
		item.Embedding = vec.Slice()
		item.LastAccessed, item.CreatedAt = lastAccessed, createdAt
		out = append(out, item)
	}
	return out, rows.Err()
}

// DeleteRecallItem requires ownership: the WHERE clause includes user_id so
// a caller can never delete another user's row.
func (s *Store) DeleteRecallItem(ctx context.Context, userID, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM recall_memories WHERE id = $1 AND user_id = $2;`, id, userID)
	if err != nil {
		return false, classifyErr("delete_recall_item", err)
	}
	return tag.RowsAffected() > 0, nil
}

// BatchTouchRecallAccess increments access_count for a set of matched ids in
// a single statement scoped to the user, never one statement per match.
func (s *Store) BatchTouchRecallAccess(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE recall_memories SET access_count = access_count + 1, last_accessed = now()
		WHERE user_id = $1 AND id = ANY($2);
	`, userID, ids)
	if err != nil {
		return classifyErr("batch_touch_recall_access", err)
	}
	return nil
}
