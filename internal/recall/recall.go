// Package recall implements Recall Memory: an append-only
// per-user semantic log searched by embedding cosine similarity.
package recall

import (
	"context"

	"github.com/basket/cortexkeep/internal/apperr"
	"github.com/basket/cortexkeep/internal/store"
)

// Embedder is the subset of the Embedding Client Recall Memory needs.
type Embedder interface {
	Embed(ctx context.Context, input string) ([]float32, error)
}

// Store is the subset of the Store Adapter Recall Memory needs.
type Store interface {
	InsertRecallItem(ctx context.Context, userID, content string, embedding []float32, importance float64) (string, error)
	SearchRecallItems(ctx context.Context, userID string, queryEmbedding []float32, limit int, minImportance, threshold float64) ([]store.RecallItem, error)
	DeleteRecallItem(ctx context.Context, userID, id string) (bool, error)
	BatchTouchRecallAccess(ctx context.Context, userID string, ids []string) error
}

const (
	defaultLimit     = 5
	defaultThreshold = 0.7 // cosine similarity floor, not distance
)

// Recall is the Recall Memory component.
type Recall struct {
	store    Store
	embedder Embedder
}

// New creates a Recall Memory component.
func New(s Store, embedder Embedder) *Recall {
	return &Recall{store: s, embedder: embedder}
}

// Add embeds content and inserts a new row, returning its id.
func (r *Recall) Add(ctx context.Context, userID, content string, importance float64) (string, error) {
	vec, err := r.embedder.Embed(ctx, content)
	if err != nil {
		return "", err // already an *apperr.EmbeddingError
	}
	id, err := r.store.InsertRecallItem(ctx, userID, content, vec, importance)
	if err != nil {
		return "", &apperr.MemoryError{Kind: "recall", Err: err}
	}
	return id, nil
}

// SearchOptions configures Search; zero values fall back to the package
// defaults.
type SearchOptions struct {
	Limit         int
	MinImportance float64
	Threshold     float64
}

// Search embeds query, runs nearest-neighbor search scoped to the user, and
// fires a single batched access-count increment for every match before
// returning.
func (r *Recall) Search(ctx context.Context, userID, query string, opts SearchOptions) ([]store.RecallItem, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = defaultThreshold
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	items, err := r.store.SearchRecallItems(ctx, userID, vec, limit, opts.MinImportance, threshold)
	if err != nil {
		return nil, &apperr.MemoryError{Kind: "recall", Err: err}
	}
	if len(items) == 0 {
		return items, nil
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	// Access-count bookkeeping must not fail the search itself: a match was
	// found and returned regardless of whether the touch lands.
	go func() {
		_ = r.store.BatchTouchRecallAccess(context.Background(), userID, ids)
	}()

	return items, nil
}

// Delete removes a recall item, requiring ownership.
func (r *Recall) Delete(ctx context.Context, userID, id string) (bool, error) {
	ok, err := r.store.DeleteRecallItem(ctx, userID, id)
	if err != nil {
		return false, &apperr.MemoryError{Kind: "recall", Key: id, Err: err}
	}
	return ok, nil
}
