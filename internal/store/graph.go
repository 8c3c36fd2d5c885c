package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/basket/cortexkeep/internal/apperr"
)

// InsertNode inserts a node using RETURNING * for a single round-trip.
func (s *Store) InsertNode(ctx context.Context, userID, label, nodeType string, properties map[string]any, embedding []float32) (*Node, error) {
	if properties == nil {
		properties = map[string]any{}
	}
	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return nil, &apperr.GraphError{Op: "insert_node", Err: err}
	}
	id := uuid.NewString()
	var vec *pgvector.Vector
	if embedding != nil {
		v := pgvector.NewVector(embedding)
		vec = &v
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO knowledge_nodes (id, user_id, label, node_type, properties, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, user_id, label, node_type, properties, embedding, created_at, updated_at;
	`, id, userID, label, nodeType, propsJSON, vec)
	return scanNode(row)
}

// InsertEdge requires both endpoints to belong to the caller (verified by
// the caller before this is invoked) and relies on the (source,target,type)
// uniqueness constraint.
func (s *Store) InsertEdge(ctx context.Context, sourceID, targetID, edgeType string, weight float64, properties map[string]any) (*Edge, error) {
	if properties == nil {
		properties = map[string]any{}
	}
	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return nil, &apperr.GraphError{Op: "insert_edge", Err: err}
	}
	id := uuid.NewString()
	var createdAt time.Time
	row := s.pool.QueryRow(ctx, `
		INSERT INTO knowledge_edges (id, source_id, target_id, edge_type, weight, properties)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at;
	`, id, sourceID, targetID, edgeType, weight, propsJSON)
	if err := row.Scan(&createdAt); err != nil {
		return nil, classifyErr("insert_edge", err)
	}
	return &Edge{ID: id, SourceID: sourceID, TargetID: targetID, EdgeType: edgeType, Weight: weight, Properties: properties, CreatedAt: createdAt}, nil
}

// NodeOwner returns the user_id owning a node, used to check cross-user edge
// attempts before InsertEdge.
func (s *Store) NodeOwner(ctx context.Context, nodeID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM knowledge_nodes WHERE id = $1;`, nodeID).Scan(&userID)
	if err != nil {
		return "", classifyErr("node_owner", err)
	}
	return userID, nil
}

// SearchNodes ranks nodes by cosine similarity to queryEmbedding, filtered by
// ownership, optional type, and a minimum similarity floor, with primary key
// ascending as the tie-break.
func (s *Store) SearchNodes(ctx context.Context, userID string, queryEmbedding []float32, nodeType string, limit int, minSimilarity float64) ([]Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, label, node_type, properties, embedding, created_at, updated_at,
			1 - (embedding <=> $2) AS similarity
		FROM knowledge_nodes
		WHERE user_id = $1 AND embedding IS NOT NULL AND ($3 = '' OR node_type = $3)
		ORDER BY (embedding <=> $2) ASC, id ASC
		LIMIT $4;
	`, userID, pgvector.NewVector(queryEmbedding), nodeType, limit)
	if err != nil {
		return nil, classifyErr("search_nodes", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, sim, err := scanNodeWithSimilarity(rows)
		if err != nil {
			return nil, classifyErr("search_nodes_scan", err)
		}
		if sim < minSimilarity {
			continue
		}
		n.Similarity = sim
		out = append(out, *n)
	}
	return out, rows.Err()
}

// GetNeighbors returns neighbor nodes in the given direction. For
// direction=both, a single UNION query parameterized by edge type is used.
func (s *Store) GetNeighbors(ctx context.Context, userID, nodeID, direction, edgeType string) ([]Node, error) {
	var query string
	switch direction {
	case "out":
		query = `
			SELECT n.id, n.user_id, n.label, n.node_type, n.properties, n.embedding, n.created_at, n.updated_at
			FROM knowledge_edges e JOIN knowledge_nodes n ON n.id = e.target_id
			WHERE e.source_id = $1 AND n.user_id = $2 AND ($3 = '' OR e.edge_type = $3);`
	case "in":
		query = `
			SELECT n.id, n.user_id, n.label, n.node_type, n.properties, n.embedding, n.created_at, n.updated_at
			FROM knowledge_edges e JOIN knowledge_nodes n ON n.id = e.source_id
			WHERE e.target_id = $1 AND n.user_id = $2 AND ($3 = '' OR e.edge_type = $3);`
	default: // both
		query = `
			SELECT n.id, n.user_id, n.label, n.node_type, n.properties, n.embedding, n.created_at, n.updated_at
			FROM knowledge_edges e JOIN knowledge_nodes n ON n.id = e.target_id
			WHERE e.source_id = $1 AND n.user_id = $2 AND ($3 = '' OR e.edge_type = $3)
			UNION
			SELECT n.id, n.user_id, n.label, n.node_type, n.properties, n.embedding, n.created_at, n.updated_at
			FROM knowledge_edges e JOIN knowledge_nodes n ON n.id = e.source_id
			WHERE e.target_id = $1 AND n.user_id = $2 AND ($3 = '' OR e.edge_type = $3);`
	}
	rows, err := s.pool.Query(ctx, query, nodeID, userID, edgeType)
	if err != nil {
		return nil, classifyErr("get_neighbors", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, classifyErr("get_neighbors_scan", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// FindPath performs a depth-bounded BFS via a recursive CTE. Every
// intermediate row is filtered by user_id in the recursive term itself, not
// just the base case, so no cross-user edge can ever appear mid-path.
func (s *Store) FindPath(ctx context.Context, userID, sourceID, targetID string, maxDepth int, edgeTypes []string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE path(node_id, path_ids, depth) AS (
			SELECT n.id, ARRAY[n.id], 0
			FROM knowledge_nodes n
			WHERE n.id = $2 AND n.user_id = $1
			UNION ALL
			SELECT e.target_id, p.path_ids || e.target_id, p.depth + 1
			FROM path p
			JOIN knowledge_edges e ON e.source_id = p.node_id
			JOIN knowledge_nodes n ON n.id = e.target_id
			WHERE n.user_id = $1
				AND NOT e.target_id = ANY(p.path_ids)
				AND p.depth < $4
				AND (cardinality($5::text[]) = 0 OR e.edge_type = ANY($5))
		)
		SELECT path_ids FROM path WHERE node_id = $3
		ORDER BY depth ASC
		LIMIT 1;
	`, userID, sourceID, targetID, maxDepth, edgeTypes)
	if err != nil {
		return nil, classifyErr("find_path", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var pathIDs []string
	if err := rows.Scan(&pathIDs); err != nil {
		return nil, classifyErr("find_path_scan", err)
	}
	return pathIDs, nil
}

// DeleteEdge verifies edge ownership via its endpoints before deletion.
func (s *Store) DeleteEdge(ctx context.Context, userID, edgeID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM knowledge_edges e
		USING knowledge_nodes src
		WHERE e.id = $1 AND e.source_id = src.id AND src.user_id = $2;
	`, edgeID, userID)
	if err != nil {
		return false, classifyErr("delete_edge", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteNode removes a node; incident edges cascade via ON DELETE CASCADE.
func (s *Store) DeleteNode(ctx context.Context, userID, nodeID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM knowledge_nodes WHERE id = $1 AND user_id = $2;`, nodeID, userID)
	if err != nil {
		return false, classifyErr("delete_node", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var propsJSON []byte
	var vec *pgvector.Vector
	var createdAt, updatedAt time.Time
	if err := row.Scan(&n.ID, &n.UserID, &n.Label, &n.NodeType, &propsJSON, &vec, &createdAt, &updatedAt); err != nil {
		return nil, classifyErr("scan_node", err)
	}
	n.CreatedAt, n.UpdatedAt = createdAt, updatedAt
	if len(propsJSON) > 0 {
		_ = json.Unmarshal(propsJSON, &n.Properties)
	}
	if vec != nil {
		n.Embedding = vec.Slice()
	}
	return &n, nil
}

func scanNodeWithSimilarity(rows pgx.Rows) (*Node, float64, error) {
	var n Node
	var propsJSON []byte
	var vec *pgvector.Vector
	var createdAt, updatedAt time.Time
	var similarity float64
	if err := rows.Scan(&n.ID, &n.UserID, &n.Label, &n.NodeType, &propsJSON, &vec, &createdAt, &updatedAt, &similarity); err != nil {
		return nil, 0, err
	}
	n.CreatedAt, n.UpdatedAt = createdAt, updatedAt
	if len(propsJSON) > 0 {
		_ = json.Unmarshal(propsJSON, &n.Properties)
	}
	if vec != nil {
		n.Embedding = vec.Slice()
	}
	return &n, similarity, nil
}
