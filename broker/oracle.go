package broker

import (
	"context"
	"sync"
	"time"
)

type cachedMargin struct {
	total float64
	at    time.Time
}

// CachedOracle memoizes margin estimates per proposal for ttl.
type CachedOracle struct {
	next MarginOracle
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cachedMargin
}

var _ MarginOracle = (*CachedOracle)(nil)

func NewCachedOracle(next MarginOracle, ttl time.Duration) *CachedOracle {
	return &CachedOracle{
		next:  next,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedMargin),
	}
}

func (o *CachedOracle) EstimateMargin(ctx context.Context, p Proposal) (float64, error) {
	key := p.Key()
	now := o.now()

	o.mu.Lock()
	if c, ok := o.cache[key]; ok && now.Sub(c.at) < o.ttl {
		o.mu.Unlock()
		return c.total, nil
	}
	o.mu.Unlock()

	total, err := o.next.EstimateMargin(ctx, p)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	o.cache[key] = cachedMargin{total: total, at: now}
	o.mu.Unlock()
	return total, nil
}

// SetClock replaces the clock used to age entries.
func (o *CachedOracle) SetClock(now func() time.Time) {
	o.now = now
}

// Len is the number of cached estimates.
func (o *CachedOracle) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cache)
}

// Purge drops expired entries.
func (o *CachedOracle) Purge() {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for k, c := range o.cache {
		if now.Sub(c.at) >= o.ttl {
			delete(o.cache, k)
		}
	}
}
