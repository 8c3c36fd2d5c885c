package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/cortexkeep/internal/apperr"
	"github.com/basket/cortexkeep/internal/store"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, input string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

type fakeStore struct {
	nodes     map[string]store.Node
	edges     map[string]store.Edge
	nextID    int
	searchErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{nodes: map[string]store.Node{}, edges: map[string]store.Edge{}}
}

func (f *fakeStore) id() string {
	f.nextID++
	return string(rune('a' + f.nextID))
}

func (f *fakeStore) InsertNode(ctx context.Context, userID, label, nodeType string, properties map[string]any, embedding []float32) (*store.Node, error) {
	id := f.id()
	n := store.Node{ID: id, UserID: userID, Label: label, NodeType: nodeType, Properties: properties, Embedding: embedding}
	f.nodes[id] = n
	return &n, nil
}

func (f *fakeStore) InsertEdge(ctx context.Context, sourceID, targetID, edgeType string, weight float64, properties map[string]any) (*store.Edge, error) {
	id := f.id()
	e := store.Edge{ID: id, SourceID: sourceID, TargetID: targetID, EdgeType: edgeType, Weight: weight, Properties: properties}
	f.edges[id] = e
	return &e, nil
}

func (f *fakeStore) NodeOwner(ctx context.Context, nodeID string) (string, error) {
	n, ok := f.nodes[nodeID]
	if !ok {
		return "", errors.New("node not found")
	}
	return n.UserID, nil
}

func (f *fakeStore) SearchNodes(ctx context.Context, userID string, queryEmbedding []float32, nodeType string, limit int, minSimilarity float64) ([]store.Node, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []store.Node
	for _, n := range f.nodes {
		if n.UserID != userID {
			continue
		}
		if nodeType != "" && n.NodeType != nodeType {
			continue
		}
		n.Similarity = 0.5
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeStore) GetNeighbors(ctx context.Context, userID, nodeID, direction, edgeType string) ([]store.Node, error) {
	var out []store.Node
	for _, e := range f.edges {
		if e.SourceID == nodeID && (direction == "out" || direction == "both") {
			if n, ok := f.nodes[e.TargetID]; ok && n.UserID == userID {
				out = append(out, n)
			}
		}
		if e.TargetID == nodeID && (direction == "in" || direction == "both") {
			if n, ok := f.nodes[e.SourceID]; ok && n.UserID == userID {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) FindPath(ctx context.Context, userID, sourceID, targetID string, maxDepth int, edgeTypes []string) ([]string, error) {
	if sourceID == targetID {
		return []string{sourceID}, nil
	}
	for _, e := range f.edges {
		if e.SourceID == sourceID && e.TargetID == targetID {
			return []string{sourceID, targetID}, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) DeleteEdge(ctx context.Context, userID, edgeID string) (bool, error) {
	e, ok := f.edges[edgeID]
	if !ok {
		return false, nil
	}
	owner, _ := f.NodeOwner(ctx, e.SourceID)
	if owner != userID {
		return false, nil
	}
	delete(f.edges, edgeID)
	return true, nil
}

func (f *fakeStore) DeleteNode(ctx context.Context, userID, nodeID string) (bool, error) {
	n, ok := f.nodes[nodeID]
	if !ok || n.UserID != userID {
		return false, nil
	}
	delete(f.nodes, nodeID)
	for id, e := range f.edges {
		if e.SourceID == nodeID || e.TargetID == nodeID {
			delete(f.edges, id)
		}
	}
	return true, nil
}

func TestGraph_AddEdgeRejectsCrossUser(t *testing.T) {
	fs := newFakeStore()
	g := New(fs, &fakeEmbedder{})
	ctx := context.Background()

	n1, _ := g.AddNode(ctx, "u1", "Go", "lang", nil)
	n2, _ := g.AddNode(ctx, "u2", "Discord", "api", nil)

	_, err := g.AddEdge(ctx, "u1", n1.ID, n2.ID, "used_with", 0.9, nil)
	var authErr *apperr.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorizationError for cross-user edge, got %v", err)
	}
}

func TestGraph_SearchNodesScopedToOwner(t *testing.T) {
	fs := newFakeStore()
	g := New(fs, &fakeEmbedder{})
	ctx := context.Background()

	g.AddNode(ctx, "u1", "Go", "lang", nil)
	g.AddNode(ctx, "u2", "Rust", "lang", nil)

	nodes, err := g.SearchNodes(ctx, "u1", "programming language", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchNodes: %v", err)
	}
	for _, n := range nodes {
		if n.UserID != "u1" {
			t.Fatalf("search leaked node owned by %q", n.UserID)
		}
	}
}

func TestGraph_DeleteNodeCascadesEdges(t *testing.T) {
	fs := newFakeStore()
	g := New(fs, &fakeEmbedder{})
	ctx := context.Background()

	n1, _ := g.AddNode(ctx, "u1", "Go", "lang", nil)
	n2, _ := g.AddNode(ctx, "u1", "Discord", "api", nil)
	edge, err := g.AddEdge(ctx, "u1", n1.ID, n2.ID, "used_with", 0.9, nil)
	if err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	ok, err := g.DeleteNode(ctx, "u1", n1.ID)
	if err != nil || !ok {
		t.Fatalf("DeleteNode: ok=%v err=%v", ok, err)
	}
	if _, ok := fs.edges[edge.ID]; ok {
		t.Fatal("expected incident edge to be cascaded on node deletion")
	}
}

func TestGraph_FindPath(t *testing.T) {
	fs := newFakeStore()
	g := New(fs, &fakeEmbedder{})
	ctx := context.Background()

	n1, _ := g.AddNode(ctx, "u1", "Go", "lang", nil)
	n2, _ := g.AddNode(ctx, "u1", "Discord", "api", nil)
	g.AddEdge(ctx, "u1", n1.ID, n2.ID, "used_with", 0.9, nil)

	path, err := g.FindPath(ctx, "u1", n1.ID, n2.ID, 3, nil)
	if err != nil {
		t.Fatalf("FindPath: %v", err)
	}
	if len(path) != 2 || path[0] != n1.ID || path[1] != n2.ID {
		t.Fatalf("expected path [%s %s], got %v", n1.ID, n2.ID, path)
	}
}

func TestGraph_AddNodeEmptyLabel(t *testing.T) {
	fs := newFakeStore()
	g := New(fs, &fakeEmbedder{})

	if _, err := g.AddNode(context.Background(), "u1", "", "", nil); err == nil {
		t.Fatal("expected error for empty label")
	}
}
