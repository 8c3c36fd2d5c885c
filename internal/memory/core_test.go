package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/basket/cortexkeep/internal/store"
)

// fakeStore is an in-memory stand-in for the Store Adapter, keyed the same
// way the real Postgres-backed implementation is: one row per (userID, key).
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]map[string]store.CoreFact // userID -> key -> fact
	seq  int

	failUpsert error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]map[string]store.CoreFact)}
}

func (f *fakeStore) UpsertCoreFact(ctx context.Context, userID, key, value string, importance float64, metadata map[string]any) (string, error) {
	if f.failUpsert != nil {
		return "", f.failUpsert
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.rows[userID]
	if !ok {
		u = make(map[string]store.CoreFact)
		f.rows[userID] = u
	}
	existing, had := u[key]
	id := existing.ID
	if !had {
		f.seq++
		id = "fact-" + itoa(f.seq)
	}
	u[key] = store.CoreFact{
		ID: id, UserID: userID, Key: key, Value: value,
		Importance: importance, Metadata: metadata,
		AccessCount: existing.AccessCount,
	}
	return id, nil
}

func (f *fakeStore) GetCoreFact(ctx context.Context, userID, key string) (*store.CoreFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.rows[userID]
	if !ok {
		return nil, nil
	}
	fact, ok := u[key]
	if !ok {
		return nil, nil
	}
	return &fact, nil
}

func (f *fakeStore) ListCoreFacts(ctx context.Context, userID string) ([]store.CoreFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.rows[userID]
	out := make([]store.CoreFact, 0, len(u))
	for _, fact := range u {
		out = append(out, fact)
	}
	return out, nil
}

func (f *fakeStore) DeleteCoreFact(ctx context.Context, userID, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.rows[userID]
	if !ok {
		return false, nil
	}
	if _, ok := u[key]; !ok {
		return false, nil
	}
	delete(u, key)
	return true, nil
}

func (f *fakeStore) DeleteCoreFactByID(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.rows {
		for k, fact := range u {
			if fact.ID == id {
				delete(u, k)
				return nil
			}
		}
	}
	return nil
}

func (f *fakeStore) SearchCoreFactsSubstring(ctx context.Context, userID, query string, limit int) ([]string, error) {
	return nil, errors.New("not used in these tests")
}

func (f *fakeStore) BatchTouchCoreFacts(ctx context.Context, userID string, deltas map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.rows[userID]
	if !ok {
		return nil
	}
	for key, delta := range deltas {
		fact, ok := u[key]
		if !ok {
			continue
		}
		fact.AccessCount += delta
		u[key] = fact
	}
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestCore_AddThenGet(t *testing.T) {
	c := New(newFakeStore(), 0)
	ctx := context.Background()

	if _, err := c.Add(ctx, "u1", "favorite_color", "teal", 0.5, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := c.Get(ctx, "u1", "favorite_color")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || *got != "teal" {
		t.Fatalf("Get = %v, want teal", got)
	}
}

func TestCore_AddUpsertsSameKey(t *testing.T) {
	c := New(newFakeStore(), 0)
	ctx := context.Background()

	if _, err := c.Add(ctx, "u1", "k", "v1", 0.5, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := c.Add(ctx, "u1", "k", "v2", 0.9, nil); err != nil {
		t.Fatalf("Add (update): %v", err)
	}

	facts, err := c.List(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected exactly one fact per (user,key), got %d", len(facts))
	}
	if facts[0].Value != "v2" {
		t.Fatalf("expected upsert to replace value, got %q", facts[0].Value)
	}
}

func TestCore_EvictsLowestScoreAtCapacity(t *testing.T) {
	c := New(newFakeStore(), 2)
	ctx := context.Background()

	if _, err := c.Add(ctx, "u1", "low", "v", 0.01, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := c.Add(ctx, "u1", "high", "v", 0.99, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// A third distinct key at capacity must evict the lowest-scoring entry.
	if _, err := c.Add(ctx, "u1", "newest", "v", 0.5, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	facts, err := c.List(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected capacity to stay at 2, got %d", len(facts))
	}
	for _, f := range facts {
		if f.Key == "low" {
			t.Fatalf("expected lowest-scoring fact to be evicted, but %q survived", f.Key)
		}
	}
}

func TestCore_DeleteRemovesFact(t *testing.T) {
	c := New(newFakeStore(), 0)
	ctx := context.Background()

	if _, err := c.Add(ctx, "u1", "k", "v", 0.5, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ok, err := c.Delete(ctx, "u1", "k")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !ok {
		t.Fatal("expected Delete to report the key existed")
	}
	got, err := c.Get(ctx, "u1", "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected deleted fact to be gone")
	}
}

func TestCore_FlushAccessCountsBatchesTouches(t *testing.T) {
	fs := newFakeStore()
	c := New(fs, 0)
	ctx := context.Background()

	if _, err := c.Add(ctx, "u1", "k", "v", 0.5, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx, "u1", "k"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}

	// Before flush, the store must not have seen any touches yet.
	fact, _ := fs.GetCoreFact(ctx, "u1", "k")
	if fact.AccessCount != 0 {
		t.Fatalf("expected batching to defer writes, got AccessCount=%d before flush", fact.AccessCount)
	}

	if err := c.FlushAccessCounts(ctx); err != nil {
		t.Fatalf("FlushAccessCounts: %v", err)
	}

	fact, _ = fs.GetCoreFact(ctx, "u1", "k")
	if fact.AccessCount != 3 {
		t.Fatalf("expected AccessCount=3 after flush, got %d", fact.AccessCount)
	}

	facts, err := c.List(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if facts[0].AccessCount != 3 {
		t.Fatalf("expected in-memory snapshot updated after flush, got %d", facts[0].AccessCount)
	}
}

func TestCore_ConcurrentAddsForSameUserAreSerialized(t *testing.T) {
	c := New(newFakeStore(), 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := "k" + itoa(n%5)
			if _, err := c.Add(ctx, "u1", key, "v", 0.5, nil); err != nil {
				t.Errorf("Add: %v", err)
			}
		}(i)
	}
	wg.Wait()

	facts, err := c.List(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(facts) != 5 {
		t.Fatalf("expected 5 distinct keys to survive concurrent upserts, got %d", len(facts))
	}
}

func TestCore_SearchSubstringIsCaseInsensitive(t *testing.T) {
	c := New(newFakeStore(), 0)
	ctx := context.Background()

	if _, err := c.Add(ctx, "u1", "bio", "Loves Hiking in Colorado", 0.5, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	keys, err := c.SearchSubstring(ctx, "u1", "hiking", 10)
	if err != nil {
		t.Fatalf("SearchSubstring: %v", err)
	}
	if len(keys) != 1 || keys[0] != "bio" {
		t.Fatalf("expected to find %q, got %v", "bio", keys)
	}
}
