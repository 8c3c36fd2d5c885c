package convo

import (
	"container/list"
	"sync"
)

// offloadKey identifies a displaced message by session and its stable
// log index.
type offloadKey struct {
	sessionID string
	index     int
}

type offloadEntry struct {
	key      offloadKey
	priority int
	msg      Message
}

// OffloadCache is the bounded LRU+priority cache messages are moved into
// when reduction drops them. Priority buckets are
// container/list rings so moving a key to a new priority, or evicting the
// least-recently-used entry of the lowest non-empty bucket, is O(1).
// One cache instance is typically shared across every session in a
// process, sized by the aggregate OffloadCap.
type OffloadCache struct {
	mu       sync.Mutex
	capacity int
	buckets  map[int]*list.List
	index    map[offloadKey]*list.Element
	hits     int64
	misses   int64
}

// NewOffloadCache creates a cache bounded to capacity entries across all
// priority buckets and sessions.
func NewOffloadCache(capacity int) *OffloadCache {
	return &OffloadCache{
		capacity: capacity,
		buckets:  make(map[int]*list.List),
		index:    make(map[offloadKey]*list.Element),
	}
}

// Put stores or re-prioritizes a message. If the key is already present its
// entry is removed from the old priority bucket before being added to the
// new one, so a key never lives in two buckets.
func (c *OffloadCache) Put(key offloadKey, msg Message, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)
	if c.capacity > 0 && len(c.index) >= c.capacity {
		c.evictLowestLocked()
	}

	b, ok := c.buckets[priority]
	if !ok {
		b = list.New()
		c.buckets[priority] = b
	}
	el := b.PushFront(&offloadEntry{key: key, priority: priority, msg: msg})
	c.index[key] = el
}

// Take removes and returns the message for key, recording a cache hit or
// miss. A hit means the caller can re-insert the message into a live
// context.
func (c *OffloadCache) Take(key offloadKey) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.misses++
		return Message{}, false
	}
	entry := el.Value.(*offloadEntry)
	c.removeLocked(key)
	c.hits++
	return entry.msg, true
}

// CountForSession returns the number of cached entries belonging to a
// session, used by session_stats.
func (c *OffloadCache) CountForSession(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.index {
		if k.sessionID == sessionID {
			n++
		}
	}
	return n
}

// HitRate returns the fraction of Take calls that found an entry.
func (c *OffloadCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func (c *OffloadCache) removeLocked(key offloadKey) {
	el, ok := c.index[key]
	if !ok {
		return
	}
	entry := el.Value.(*offloadEntry)
	if b, ok := c.buckets[entry.priority]; ok {
		b.Remove(el)
	}
	delete(c.index, key)
}

// evictLowestLocked drops the least-recently-used entry from the lowest
// non-empty priority bucket.
func (c *OffloadCache) evictLowestLocked() {
	lowest, found := 0, false
	for p, b := range c.buckets {
		if b.Len() == 0 {
			continue
		}
		if !found || p < lowest {
			lowest, found = p, true
		}
	}
	if !found {
		return
	}
	b := c.buckets[lowest]
	el := b.Back()
	entry := el.Value.(*offloadEntry)
	b.Remove(el)
	delete(c.index, entry.key)
}
