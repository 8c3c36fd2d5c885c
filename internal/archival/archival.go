// Package archival implements Archival Memory: long-form,
// compressible memory with metadata and content search, stored verbatim
// until explicitly compressed.
package archival

import (
	"context"
	"strings"

	"github.com/basket/cortexkeep/internal/apperr"
	"github.com/basket/cortexkeep/internal/store"
)

// Store is the subset of the Store Adapter Archival Memory needs.
type Store interface {
	InsertArchivalItem(ctx context.Context, userID, content, source string, metadata map[string]any, sessionID *string) (string, error)
	ListUncompressed(ctx context.Context, userID, sessionID string) ([]store.ArchivalItem, error)
	CompressSession(ctx context.Context, userID, sessionID, summary string) (string, error)
	SearchByMetadata(ctx context.Context, userID string, path []string, value string, limit, offset int) ([]store.ArchivalItem, error)
	SearchByContent(ctx context.Context, userID, query string, limit int) ([]store.ArchivalItem, error)
}

// Summarizer produces the single summary item compression writes for a
// session's uncompressed sources.
type Summarizer interface {
	Summarize(ctx context.Context, items []store.ArchivalItem) (string, error)
}

// Archival is the Archival Memory component.
type Archival struct {
	store      Store
	summarizer Summarizer
}

// New creates an Archival Memory component.
func New(s Store, summarizer Summarizer) *Archival {
	return &Archival{store: s, summarizer: summarizer}
}

// Archive stores content verbatim and returns its id.
func (a *Archival) Archive(ctx context.Context, userID, content, source string, metadata map[string]any, sessionID *string) (string, error) {
	id, err := a.store.InsertArchivalItem(ctx, userID, content, source, metadata, sessionID)
	if err != nil {
		return "", &apperr.MemoryError{Kind: "archival", Err: err}
	}
	return id, nil
}

// Compress summarizes every uncompressed item for a session and atomically
// marks the sources compressed: either all three operations commit, or
// none. The summary is produced outside the transaction so an LLM-backed
// Summarizer never holds it open; CompressSession's transaction covers
// only the re-select, the summary insert, and the source updates.
func (a *Archival) Compress(ctx context.Context, userID, sessionID string) (string, error) {
	uncompressed, err := a.store.ListUncompressed(ctx, userID, sessionID)
	if err != nil {
		return "", &apperr.MemoryError{Kind: "archival", Key: sessionID, Err: err}
	}
	if len(uncompressed) == 0 {
		return "", &apperr.MemoryError{Kind: "archival", Key: sessionID, Err: errNothingToCompress}
	}
	summary, err := a.summarizer.Summarize(ctx, uncompressed)
	if err != nil {
		return "", err
	}
	id, err := a.store.CompressSession(ctx, userID, sessionID, summary)
	if err != nil {
		return "", &apperr.MemoryError{Kind: "archival", Key: sessionID, Err: err}
	}
	return id, nil
}

type archivalErr string

func (e archivalErr) Error() string { return string(e) }

const errNothingToCompress = archivalErr("no uncompressed items for session")

// SearchByMetadata resolves a dotted key (e.g. "project.tags") into a jsonb
// path array before delegating to the store, which parameterizes it rather
// than interpolating.
func (a *Archival) SearchByMetadata(ctx context.Context, userID, dottedKey, value string, limit, offset int) ([]store.ArchivalItem, error) {
	path := strings.Split(dottedKey, ".")
	items, err := a.store.SearchByMetadata(ctx, userID, path, value, limit, offset)
	if err != nil {
		return nil, &apperr.MemoryError{Kind: "archival", Err: err}
	}
	return items, nil
}

// SearchByContent delegates to the store's escaped ILIKE search.
func (a *Archival) SearchByContent(ctx context.Context, userID, query string, limit int) ([]store.ArchivalItem, error) {
	items, err := a.store.SearchByContent(ctx, userID, query, limit)
	if err != nil {
		return nil, &apperr.MemoryError{Kind: "archival", Err: err}
	}
	return items, nil
}
