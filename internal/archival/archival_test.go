package archival

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/cortexkeep/internal/store"
)

type fakeStore struct {
	items     map[string]store.ArchivalItem
	nextID    int
	compressN int
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[string]store.ArchivalItem{}}
}

func (f *fakeStore) id() string {
	f.nextID++
	return string(rune('a' + f.nextID))
}

func (f *fakeStore) InsertArchivalItem(ctx context.Context, userID, content, source string, metadata map[string]any, sessionID *string) (string, error) {
	id := f.id()
	f.items[id] = store.ArchivalItem{ID: id, UserID: userID, Content: content, Source: source, Metadata: metadata, SessionID: sessionID}
	return id, nil
}

func (f *fakeStore) ListUncompressed(ctx context.Context, userID, sessionID string) ([]store.ArchivalItem, error) {
	var out []store.ArchivalItem
	for _, it := range f.items {
		if it.UserID == userID && it.SessionID != nil && *it.SessionID == sessionID && !it.Compressed {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeStore) CompressSession(ctx context.Context, userID, sessionID, summary string) (string, error) {
	newID := f.id()
	var sources []string
	for id, it := range f.items {
		if it.UserID == userID && it.SessionID != nil && *it.SessionID == sessionID && !it.Compressed {
			sources = append(sources, id)
		}
	}
	f.items[newID] = store.ArchivalItem{ID: newID, UserID: userID, Content: summary, Source: "compression", SessionID: &sessionID}
	for _, id := range sources {
		it := f.items[id]
		it.Compressed = true
		it.CompressedIntoID = &newID
		f.items[id] = it
	}
	f.compressN = len(sources)
	return newID, nil
}

func (f *fakeStore) SearchByMetadata(ctx context.Context, userID string, path []string, value string, limit, offset int) ([]store.ArchivalItem, error) {
	return nil, nil
}

func (f *fakeStore) SearchByContent(ctx context.Context, userID, query string, limit int) ([]store.ArchivalItem, error) {
	var out []store.ArchivalItem
	for _, it := range f.items {
		if it.UserID == userID {
			out = append(out, it)
		}
	}
	return out, nil
}

type fakeSummarizer struct {
	text string
	err  error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, items []store.ArchivalItem) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func TestArchival_CompressMarksAllSources(t *testing.T) {
	fs := newFakeStore()
	a := New(fs, &fakeSummarizer{text: "summary of 10 items"})
	ctx := context.Background()

	sessionID := "S"
	var sources []store.ArchivalItem
	for i := 0; i < 10; i++ {
		id, err := a.Archive(ctx, "u1", "item", "chat", nil, &sessionID)
		if err != nil {
			t.Fatalf("Archive: %v", err)
		}
		sources = append(sources, fs.items[id])
	}

	compressedID, err := a.Compress(ctx, "u1", sessionID)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if fs.compressN != 10 {
		t.Fatalf("expected 10 sources marked compressed, got %d", fs.compressN)
	}
	for _, src := range sources {
		got := fs.items[src.ID]
		if !got.Compressed {
			t.Fatalf("source %s not marked compressed", src.ID)
		}
		if got.CompressedIntoID == nil || *got.CompressedIntoID != compressedID {
			t.Fatalf("source %s does not reference %s", src.ID, compressedID)
		}
	}
}

func TestArchival_CompressPropagatesSummarizerFailure(t *testing.T) {
	fs := newFakeStore()
	a := New(fs, &fakeSummarizer{err: errors.New("llm down")})

	sessionID := "S"
	if _, err := a.Archive(context.Background(), "u1", "item", "chat", nil, &sessionID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := a.Compress(context.Background(), "u1", sessionID); err == nil {
		t.Fatal("expected summarizer failure to propagate")
	}
}

func TestArchival_CompressWithNothingToCompressFails(t *testing.T) {
	fs := newFakeStore()
	a := New(fs, &fakeSummarizer{text: "s"})

	if _, err := a.Compress(context.Background(), "u1", "empty-session"); err == nil {
		t.Fatal("expected an error when the session has no uncompressed items")
	}
}

func TestArchival_SearchByMetadataBuildsPathFromDottedKey(t *testing.T) {
	fs := newFakeStore()
	a := New(fs, nil)

	if _, err := a.SearchByMetadata(context.Background(), "u1", "project.tags", "go", 10, 0); err != nil {
		t.Fatalf("SearchByMetadata: %v", err)
	}
}
