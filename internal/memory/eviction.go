package memory

import (
	"context"
	"math"
	"time"

	"github.com/basket/cortexkeep/internal/store"
)

// recencyHalfLife controls how fast the recency factor decays; a fact
// accessed one half-life ago scores half of a freshly-touched one.
const recencyHalfLife = 7 * 24 * time.Hour

// recencyFactor is a monotonically decreasing function of age.
func recencyFactor(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return math.Exp(-float64(age) / float64(recencyHalfLife))
}

// compositeScore is the eviction ranking:
// importance * recency_factor + log(1+access_count).
func compositeScore(f store.CoreFact, now time.Time) float64 {
	age := now.Sub(f.LastAccessed)
	return f.Importance*recencyFactor(age) + math.Log1p(float64(f.AccessCount))
}

// evictLocked removes the lowest-scoring fact for a user. Callers must hold
// u.writeMu. It is a no-op if the user currently has no facts.
func (c *Core) evictLocked(ctx context.Context, userID string, u *userState) error {
	snap := u.snapshot()
	if len(snap) == 0 {
		return nil
	}

	now := time.Now().UTC()
	var worstKey string
	var worst store.CoreFact
	first := true
	for k, f := range snap {
		if first || compositeScore(f, now) < compositeScore(worst, now) {
			worstKey, worst, first = k, f, false
		}
	}

	if err := c.store.DeleteCoreFactByID(ctx, worst.ID); err != nil {
		return wrapStoreErr("core", worstKey, err)
	}
	updated := cloneFacts(snap)
	delete(updated, worstKey)
	u.facts.Store(&updated)
	return nil
}
