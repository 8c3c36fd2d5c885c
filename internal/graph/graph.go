// Package graph implements the Knowledge Graph: a per-user
// typed digraph with embeddings on nodes, addressed entirely by id.
package graph

import (
	"context"

	"github.com/basket/cortexkeep/internal/apperr"
	"github.com/basket/cortexkeep/internal/store"
)

// Embedder is the subset of the Embedding Client the Knowledge Graph needs.
type Embedder interface {
	Embed(ctx context.Context, input string) ([]float32, error)
}

// Store is the subset of the Store Adapter the Knowledge Graph needs.
type Store interface {
	InsertNode(ctx context.Context, userID, label, nodeType string, properties map[string]any, embedding []float32) (*store.Node, error)
	InsertEdge(ctx context.Context, sourceID, targetID, edgeType string, weight float64, properties map[string]any) (*store.Edge, error)
	NodeOwner(ctx context.Context, nodeID string) (string, error)
	SearchNodes(ctx context.Context, userID string, queryEmbedding []float32, nodeType string, limit int, minSimilarity float64) ([]store.Node, error)
	GetNeighbors(ctx context.Context, userID, nodeID, direction, edgeType string) ([]store.Node, error)
	FindPath(ctx context.Context, userID, sourceID, targetID string, maxDepth int, edgeTypes []string) ([]string, error)
	DeleteEdge(ctx context.Context, userID, edgeID string) (bool, error)
	DeleteNode(ctx context.Context, userID, nodeID string) (bool, error)
}

// defaultMaxDistance is the cosine-similarity floor search_nodes applies
// when the caller doesn't pick one, standardized on similarity rather than
// raw distance.
const defaultMaxDistance = 0.3

// Graph is the Knowledge Graph component.
type Graph struct {
	store    Store
	embedder Embedder
}

// New creates a Knowledge Graph component.
func New(s Store, embedder Embedder) *Graph {
	return &Graph{store: s, embedder: embedder}
}

// AddNode computes an embedding from label+type and inserts the node.
func (g *Graph) AddNode(ctx context.Context, userID, label, nodeType string, properties map[string]any) (*store.Node, error) {
	if label == "" {
		return nil, &apperr.GraphError{Op: "add_node", Err: errEmptyLabel}
	}
	text := label
	if nodeType != "" {
		text = label + " " + nodeType
	}
	vec, err := g.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err // already an *apperr.EmbeddingError
	}
	n, err := g.store.InsertNode(ctx, userID, label, nodeType, properties, vec)
	if err != nil {
		return nil, &apperr.GraphError{Op: "add_node", Err: err}
	}
	return n, nil
}

// AddEdge requires both endpoints to belong to the caller before inserting
// under the (source,target,type) uniqueness constraint.
func (g *Graph) AddEdge(ctx context.Context, userID, sourceID, targetID, edgeType string, weight float64, properties map[string]any) (*store.Edge, error) {
	if weight == 0 {
		weight = 1.0
	}
	srcOwner, err := g.store.NodeOwner(ctx, sourceID)
	if err != nil {
		return nil, &apperr.GraphError{Op: "add_edge", ID: sourceID, Err: err}
	}
	if srcOwner != userID {
		return nil, &apperr.AuthorizationError{UserID: userID, Owner: srcOwner, Op: "add_edge:source"}
	}
	dstOwner, err := g.store.NodeOwner(ctx, targetID)
	if err != nil {
		return nil, &apperr.GraphError{Op: "add_edge", ID: targetID, Err: err}
	}
	if dstOwner != userID {
		return nil, &apperr.AuthorizationError{UserID: userID, Owner: dstOwner, Op: "add_edge:target"}
	}
	e, err := g.store.InsertEdge(ctx, sourceID, targetID, edgeType, weight, properties)
	if err != nil {
		return nil, &apperr.GraphError{Op: "add_edge", Err: err}
	}
	return e, nil
}

// SearchOptions configures SearchNodes; zero values fall back to defaults.
type SearchOptions struct {
	NodeType      string
	Limit         int
	MinSimilarity float64
}

// SearchNodes ranks nodes by cosine similarity to query, filtered by
// ownership, optional type, and a similarity floor. Ties
// break on primary key ascending, which the store query already applies.
func (g *Graph) SearchNodes(ctx context.Context, userID, query string, opts SearchOptions) ([]store.Node, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	minSim := opts.MinSimilarity
	if minSim == 0 {
		minSim = defaultMaxDistance
	}
	vec, err := g.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	nodes, err := g.store.SearchNodes(ctx, userID, vec, opts.NodeType, limit, minSim)
	if err != nil {
		return nil, &apperr.GraphError{Op: "search_nodes", Err: err}
	}
	return nodes, nil
}

// Direction enumerates which way GetNeighbors traverses edges.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// GetNeighbors returns neighbor nodes in the given direction, scoped to the
// caller's partition.
func (g *Graph) GetNeighbors(ctx context.Context, userID, nodeID string, direction Direction, edgeType string) ([]store.Node, error) {
	nodes, err := g.store.GetNeighbors(ctx, userID, nodeID, string(direction), edgeType)
	if err != nil {
		return nil, &apperr.GraphError{Op: "get_neighbors", ID: nodeID, Err: err}
	}
	return nodes, nil
}

// FindPath performs depth-bounded BFS (delegated to the store's recursive
// CTE) and returns the ordered node ids from source to target, or nil if no
// path within max_depth exists.
func (g *Graph) FindPath(ctx context.Context, userID, sourceID, targetID string, maxDepth int, edgeTypes []string) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	path, err := g.store.FindPath(ctx, userID, sourceID, targetID, maxDepth, edgeTypes)
	if err != nil {
		return nil, &apperr.GraphError{Op: "find_path", ID: sourceID, Err: err}
	}
	return path, nil
}

// DeleteEdge verifies edge ownership via its endpoints before deletion.
func (g *Graph) DeleteEdge(ctx context.Context, userID, edgeID string) (bool, error) {
	ok, err := g.store.DeleteEdge(ctx, userID, edgeID)
	if err != nil {
		return false, &apperr.GraphError{Op: "delete_edge", ID: edgeID, Err: err}
	}
	return ok, nil
}

// DeleteNode removes a node; incident edges cascade at the store layer.
func (g *Graph) DeleteNode(ctx context.Context, userID, nodeID string) (bool, error) {
	ok, err := g.store.DeleteNode(ctx, userID, nodeID)
	if err != nil {
		return false, &apperr.GraphError{Op: "delete_node", ID: nodeID, Err: err}
	}
	return ok, nil
}

type graphErr string

func (e graphErr) Error() string { return string(e) }

var errEmptyLabel = graphErr("label must be non-empty")
