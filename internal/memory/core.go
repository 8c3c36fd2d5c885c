// Package memory implements Core Memory: a keyed, bounded,
// importance-ranked fact store per user, backed by the Store Adapter.
// Reads are served from a lock-free in-memory snapshot loaded once per user;
// writes are serialized by a per-user lock so at most one writer touches a
// user's facts at a time.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/cortexkeep/internal/apperr"
	"github.com/basket/cortexkeep/internal/store"
)

// Store is the subset of the Store Adapter Core Memory needs.
type Store interface {
	UpsertCoreFact(ctx context.Context, userID, key, value string, importance float64, metadata map[string]any) (string, error)
	GetCoreFact(ctx context.Context, userID, key string) (*store.CoreFact, error)
	ListCoreFacts(ctx context.Context, userID string) ([]store.CoreFact, error)
	DeleteCoreFact(ctx context.Context, userID, key string) (bool, error)
	DeleteCoreFactByID(ctx context.Context, id string) error
	SearchCoreFactsSubstring(ctx context.Context, userID, query string, limit int) ([]string, error)
	BatchTouchCoreFacts(ctx context.Context, userID string, deltas map[string]int64) error
}

const defaultMaxPerUser = 100

// userState holds one user's cached facts and single-writer lock.
type userState struct {
	writeMu sync.Mutex // serializes Add/Delete for this user
	loadMu  sync.Mutex // guards the load-on-first-use critical section
	loaded  atomic.Bool
	facts   atomic.Pointer[map[string]store.CoreFact] // lock-free read snapshot, keyed by key
}

func (u *userState) snapshot() map[string]store.CoreFact {
	p := u.facts.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Core is the Core Memory component.
type Core struct {
	store      Store
	maxPerUser int

	mu    sync.Mutex // guards the users map itself (not its contents)
	users map[string]*userState

	touchMu sync.Mutex
	pending map[string]map[string]int64 // userID -> key -> access delta
}

// New creates a Core Memory component. maxPerUser defaults to 100
// (CORE_MEMORY_MAX) when zero or negative.
func New(s Store, maxPerUser int) *Core {
	if maxPerUser <= 0 {
		maxPerUser = defaultMaxPerUser
	}
	return &Core{
		store:      s,
		maxPerUser: maxPerUser,
		users:      make(map[string]*userState),
		pending:    make(map[string]map[string]int64),
	}
}

func (c *Core) userFor(userID string) *userState {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[userID]
	if !ok {
		u = &userState{}
		c.users[userID] = u
	}
	return u
}

// ensureLoaded populates a user's snapshot from the store exactly once,
// guarded so concurrent callers never double-load.
func (c *Core) ensureLoaded(ctx context.Context, u *userState, userID string) error {
	if u.loaded.Load() {
		return nil
	}
	u.loadMu.Lock()
	defer u.loadMu.Unlock()
	if u.loaded.Load() {
		return nil
	}
	facts, err := c.store.ListCoreFacts(ctx, userID)
	if err != nil {
		return &apperr.MemoryError{Kind: "core", Err: err}
	}
	m := make(map[string]store.CoreFact, len(facts))
	for _, f := range facts {
		m[f.Key] = f
	}
	u.facts.Store(&m)
	u.loaded.Store(true)
	return nil
}

// Add stores or updates a fact, evicting the lowest-scoring entry first if
// the user is already at capacity and this is a new key.
func (c *Core) Add(ctx context.Context, userID, key, value string, importance float64, metadata map[string]any) (string, error) {
	if key == "" || value == "" {
		return "", &apperr.MemoryError{Kind: "core", Key: key, Err: errEmptyKeyOrValue}
	}
	u := c.userFor(userID)
	if err := c.ensureLoaded(ctx, u, userID); err != nil {
		return "", err
	}

	u.writeMu.Lock()
	defer u.writeMu.Unlock()

	snap := u.snapshot()
	_, exists := snap[key]
	if !exists && len(snap) >= c.maxPerUser {
		if err := c.evictLocked(ctx, userID, u); err != nil {
			return "", err
		}
		snap = u.snapshot()
	}

	id, err := c.store.UpsertCoreFact(ctx, userID, key, value, importance, metadata)
	if err != nil {
		return "", wrapStoreErr("core", key, err)
	}

	now := time.Now().UTC()
	updated := cloneFacts(snap)
	fact := updated[key]
	fact.ID = id
	fact.UserID = userID
	fact.Key = key
	fact.Value = value
	fact.Importance = importance
	fact.Metadata = metadata
	fact.LastAccessed = now
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = now
	}
	updated[key] = fact
	u.facts.Store(&updated)

	return id, nil
}

// Get returns the fact's value, or nil if absent. The access is recorded in
// the batched counter queue rather than applied immediately.
func (c *Core) Get(ctx context.Context, userID, key string) (*string, error) {
	u := c.userFor(userID)
	if err := c.ensureLoaded(ctx, u, userID); err != nil {
		return nil, err
	}
	snap := u.snapshot()
	fact, ok := snap[key]
	if !ok {
		return nil, nil
	}
	c.queueTouch(userID, key)
	v := fact.Value
	return &v, nil
}

// List returns all facts for a user, optionally filtered by a predicate.
func (c *Core) List(ctx context.Context, userID string, filter func(store.CoreFact) bool) ([]store.CoreFact, error) {
	u := c.userFor(userID)
	if err := c.ensureLoaded(ctx, u, userID); err != nil {
		return nil, err
	}
	snap := u.snapshot()
	out := make([]store.CoreFact, 0, len(snap))
	for _, f := range snap {
		if filter == nil || filter(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Importance > out[j].Importance })
	return out, nil
}

// Delete removes a fact. Returns whether a fact existed.
func (c *Core) Delete(ctx context.Context, userID, key string) (bool, error) {
	u := c.userFor(userID)
	if err := c.ensureLoaded(ctx, u, userID); err != nil {
		return false, err
	}

	u.writeMu.Lock()
	defer u.writeMu.Unlock()

	ok, err := c.store.DeleteCoreFact(ctx, userID, key)
	if err != nil {
		return false, wrapStoreErr("core", key, err)
	}
	if ok {
		snap := cloneFacts(u.snapshot())
		delete(snap, key)
		u.facts.Store(&snap)
	}
	return ok, nil
}

// SearchSubstring returns keys whose value contains query, sourced from the
// in-memory snapshot so it never touches the store on the hot path.
func (c *Core) SearchSubstring(ctx context.Context, userID, query string, limit int) ([]string, error) {
	u := c.userFor(userID)
	if err := c.ensureLoaded(ctx, u, userID); err != nil {
		return nil, err
	}
	snap := u.snapshot()
	type scored struct {
		key   string
		score float64
	}
	var matches []scored
	needle := strings.ToLower(query)
	for k, f := range snap {
		if strings.Contains(strings.ToLower(f.Value), needle) {
			matches = append(matches, scored{k, f.Importance})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.key
	}
	return out, nil
}

func cloneFacts(m map[string]store.CoreFact) map[string]store.CoreFact {
	out := make(map[string]store.CoreFact, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

type coreMemErr string

func (e coreMemErr) Error() string { return string(e) }

const errEmptyKeyOrValue coreMemErr = "key and value must be non-empty"

func wrapStoreErr(kind, key string, err error) error {
	return &apperr.MemoryError{Kind: kind, Key: key, Err: err}
}
