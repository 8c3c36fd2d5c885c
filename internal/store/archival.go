package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/basket/cortexkeep/internal/apperr"
)

// InsertArchivalItem stores one verbatim long-form memory row.
func (s *Store) InsertArchivalItem(ctx context.Context, userID, content, source string, metadata map[string]any, sessionID *string) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", &apperr.MemoryError{Kind: "archival", Err: err}
	}
	id := uuid.NewString()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO archival_memories (id, user_id, content, source, metadata, session_id, compressed)
		VALUES ($1, $2, $3, $4, $5, $6, false);
	`, id, userID, content, source, metaJSON, sessionID)
	if err != nil {
		return "", classifyErr("insert_archival_item", err)
	}
	return id, nil
}

// ListUncompressed returns every uncompressed item for a session, ordered
// oldest first, so a caller can build a compression summary before invoking
// CompressSession. This is a plain read outside any transaction: the
// source-of-truth set re-selected inside CompressSession's transaction is
// what actually gets marked compressed, so a source added between this call
// and CompressSession is merged in but may not be reflected in the summary
// text — acceptable for a best-effort summarization step.
func (s *Store) ListUncompressed(ctx context.Context, userID, sessionID string) ([]ArchivalItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, content, source, metadata, session_id, compressed, compressed_into_id, created_at, updated_at
		FROM archival_memories
		WHERE user_id = $1 AND session_id = $2 AND compressed = false
		ORDER BY created_at ASC;
	`, userID, sessionID)
	if err != nil {
		return nil, classifyErr("list_uncompressed", err)
	}
	defer rows.Close()
	return scanArchivalRows(rows)
}

// CompressSession selects all uncompressed items for the session, writes one
// summary item, and atomically marks the sources compressed — all three
// effects commit or none do.
func (s *Store) CompressSession(ctx context.Context, userID, sessionID, summary string) (string, error) {
	var compressedID string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM archival_memories
			WHERE user_id = $1 AND session_id = $2 AND compressed = false
			FOR UPDATE;
		`, userID, sessionID)
		if err != nil {
			return classifyErr("compress_select", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return classifyErr("compress_select_scan", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return classifyErr("compress_select_rows", err)
		}
		if len(ids) == 0 {
			return &apperr.MemoryError{Kind: "archival", Err: errNoUncompressedItems}
		}

		newID := uuid.NewString()
		_, err = tx.Exec(ctx, `
			INSERT INTO archival_memories (id, user_id, content, source, metadata, session_id, compressed)
			VALUES ($1, $2, $3, 'compression', '{}'::jsonb, $4, false);
		`, newID, userID, summary, sessionID)
		if err != nil {
			return classifyErr("compress_insert_summary", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE archival_memories SET compressed = true, compressed_into_id = $1
			WHERE id = ANY($2);
		`, newID, ids)
		if err != nil {
			return classifyErr("compress_mark_sources", err)
		}

		compressedID = newID
		return nil
	})
	if err != nil {
		return "", err
	}
	return compressedID, nil
}

var errNoUncompressedItems = archivalErr("no uncompressed items for session")

type archivalErr string

func (e archivalErr) Error() string { return string(e) }

// SearchByMetadata builds a safe jsonb path predicate from a dotted key,
// never via string interpolation.
func (s *Store) SearchByMetadata(ctx context.Context, userID string, path []string, value string, limit, offset int) ([]ArchivalItem, error) {
	if len(path) == 0 {
		return nil, &apperr.MemoryError{Kind: "archival", Err: archivalErr("empty metadata path")}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, content, source, metadata, session_id, compressed, compressed_into_id, created_at, updated_at
		FROM archival_memories
		WHERE user_id = $1 AND metadata #>> $2 = $3
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5;
	`, userID, path, value, limit, offset)
	if err != nil {
		return nil, classifyErr("search_by_metadata", err)
	}
	defer rows.Close()
	return scanArchivalRows(rows)
}

// escapeLike escapes % and _ with an explicit escape character
func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}

// SearchByContent runs an ILIKE search with an explicit escape character so
// user input can never widen the match pattern.
func (s *Store) SearchByContent(ctx context.Context, userID, query string, limit int) ([]ArchivalItem, error) {
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, content, source, metadata, session_id, compressed, compressed_into_id, created_at, updated_at
		FROM archival_memories
		WHERE user_id = $1 AND content ILIKE $2 ESCAPE '\'
		ORDER BY created_at DESC
		LIMIT $3;
	`, userID, pattern, limit)
	if err != nil {
		return nil, classifyErr("search_by_content", err)
	}
	defer rows.Close()
	return scanArchivalRows(rows)
}

func scanArchivalRows(rows pgx.Rows) ([]ArchivalItem, error) {
	var out []ArchivalItem
	for rows.Next() {
		var item ArchivalItem
		var metaJSON []byte
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&item.ID, &item.UserID, &item.Content, &item.Source, &metaJSON,
			&item.SessionID, &item.Compressed, &item.CompressedIntoID, &createdAt, &updatedAt); err != nil {
			return nil, classifyErr("scan_archival_row", err)
		}
		item.CreatedAt, item.UpdatedAt = createdAt, updatedAt
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &item.Metadata)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
