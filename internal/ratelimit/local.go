package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket wraps a token-bucket limiter for one key.
type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// LocalStore keeps counters in process memory.
type LocalStore struct {
	buckets    *table[*bucket]
	windows    *table[*window]
	cleanupInt time.Duration
	idleTTL    time.Duration
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLocalStore creates a LocalStore and starts its cleanup loop.
// Counters idle for longer than idleTTL are dropped.
func NewLocalStore(idleTTL time.Duration) *LocalStore {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	s := &LocalStore{
		buckets:    newTable[*bucket](),
		windows:    newTable[*window](),
		cleanupInt: time.Minute,
		idleTTL:    idleTTL,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// TokenBucket implements Store.
func (s *LocalStore) TokenBucket(_ context.Context, key string, perSecond float64, capacity, cost int64) (Decision, error) {
	if capacity < 1 {
		capacity = 1
	}
	now := s.now()
	limit := rate.Limit(perSecond)

	p := s.buckets.lock(key)
	defer p.mu.Unlock()

	b, ok := p.items[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(limit, int(capacity))}
		p.items[key] = b
	} else {
		// The effective config may change on reload.
		if b.lim.Limit() != limit {
			b.lim.SetLimitAt(now, limit)
		}
		if int64(b.lim.Burst()) != capacity {
			b.lim.SetBurstAt(now, int(capacity))
		}
	}
	b.lastUsed = now

	d := Decision{Limit: capacity}
	if cost <= capacity {
		d.Allowed = b.lim.AllowN(now, int(cost))
	}
	tokens := b.lim.TokensAt(now)
	if tokens > 0 {
		d.Remaining = int64(math.Floor(tokens))
	}
	d.Reset = now.Add(secondsToDuration((float64(capacity) - tokens) / perSecond))
	if !d.Allowed {
		missing := float64(cost) - tokens
		if cost > capacity {
			missing = float64(capacity)
		}
		d.RetryAfter = secondsToDuration(missing / perSecond)
	}
	return d, nil
}

// Len implements Store.
func (s *LocalStore) Len() int {
	return s.buckets.len() + s.windows.len()
}

// Close stops the cleanup loop.
func (s *LocalStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// cleanup removes idle counters periodically.
func (s *LocalStore) cleanup() {
	ticker := time.NewTicker(s.cleanupInt)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(s.now())
		}
	}
}

func (s *LocalStore) sweep(now time.Time) {
	s.buckets.evict(func(b *bucket) bool {
		return now.Sub(b.lastUsed) > s.idleTTL
	})
	s.windows.evict(func(w *window) bool {
		return now.Sub(w.lastUsed) > s.idleTTL && now.Sub(w.lastUsed) > 2*w.period
	})
}

func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 || math.IsInf(sec, 0) || math.IsNaN(sec) {
		return 0
	}
	return time.Duration(math.Ceil(sec * float64(time.Second)))
}
