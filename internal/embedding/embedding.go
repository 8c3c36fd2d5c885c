// Package embedding wraps an LLM provider's embeddings endpoint with
// token-aware truncation, memoization, and retry on transient failures.
package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/basket/cortexkeep/internal/apperr"
	"github.com/basket/cortexkeep/internal/tokenutil"
)

// Provider is the subset of an LLM provider's surface the Embedding Client
// needs: a single embed call returning a fixed-length vector.
type Provider interface {
	Embed(ctx context.Context, model, input string) ([]float32, error)
}

// Config configures truncation, memoization, and retry behavior.
type Config struct {
	Model        string
	MaxTokens    int // default 8191
	CacheSize    int // default 256
	CacheTTL     time.Duration // default 300s
	Counter      tokenutil.Counter
}

type cacheEntry struct {
	vector   []float32
	cachedAt time.Time
}

// Client is the Embedding Client named in the system overview.
type Client struct {
	provider Provider
	model    string
	maxTok   int
	ttl      time.Duration
	size     int
	counter  tokenutil.Counter

	mu    sync.Mutex
	cache *orderedmap.OrderedMap[string, cacheEntry]
}

// New creates an Embedding Client.
func New(provider Provider, cfg Config) *Client {
	maxTok := cfg.MaxTokens
	if maxTok <= 0 {
		maxTok = 8191
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	counter := cfg.Counter
	if counter == nil {
		counter = tokenutil.Default
	}
	return &Client{
		provider: provider,
		model:    cfg.Model,
		maxTok:   maxTok,
		ttl:      ttl,
		size:     size,
		counter:  counter,
		cache:    orderedmap.New[string, cacheEntry](),
	}
}

// Embed returns the embedding for input, truncating by tokens deterministically
// and serving from the memoization cache when possible. Transient provider
// errors are retried with exponential backoff; permanent errors surface
// immediately.
func (c *Client) Embed(ctx context.Context, input string) ([]float32, error) {
	if input == "" {
		return nil, &apperr.EmbeddingError{Kind: apperr.EmbeddingPermanent, Model: c.model, TextLen: 0, Err: fmt.Errorf("empty input")}
	}

	truncated := c.truncate(input)
	key := c.model + "\x00" + truncated

	if vec, ok := c.lookup(key); ok {
		return vec, nil
	}

	vec, err := backoff.Retry(ctx, func() ([]float32, error) {
		v, err := c.provider.Embed(ctx, c.model, truncated)
		if err != nil {
			var embErr *apperr.EmbeddingError
			if isPermanent(err, &embErr) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return v, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
	if err != nil {
		return nil, wrapEmbeddingErr(c.model, len(truncated), err)
	}

	c.store(key, vec)
	return vec, nil
}

func isPermanent(err error, target **apperr.EmbeddingError) bool {
	e, ok := err.(*apperr.EmbeddingError)
	if !ok {
		return false
	}
	*target = e
	return e.Kind == apperr.EmbeddingPermanent
}

func wrapEmbeddingErr(model string, textLen int, err error) error {
	if e, ok := err.(*apperr.EmbeddingError); ok {
		return e
	}
	return &apperr.EmbeddingError{Kind: apperr.EmbeddingTransient, Model: model, TextLen: textLen, Err: err}
}

// truncate bounds input to MaxTokens using the configured token counter,
// truncating deterministically from the start of the string.
func (c *Client) truncate(input string) string {
	if c.counter.Count(input) <= c.maxTok {
		return input
	}
	runes := []rune(input)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.counter.Count(string(runes[:mid])) <= c.maxTok {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}

func (c *Client) lookup(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if time.Since(entry.cachedAt) > c.ttl {
		c.cache.Delete(key)
		return nil, false
	}
	// Move to newest on access.
	c.cache.Delete(key)
	c.cache.Set(key, entry)
	return entry.vector, true
}

func (c *Client) store(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Delete(key)
	c.cache.Set(key, cacheEntry{vector: vec, cachedAt: time.Now()})
	for c.cache.Len() > c.size {
		oldest := c.cache.Oldest()
		if oldest == nil {
			break
		}
		c.cache.Delete(oldest.Key)
	}
}

// CacheLen reports the current cache occupancy, for diagnostics/tests.
func (c *Client) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
