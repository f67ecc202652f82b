package ratelimit

import (
	"context"
	"math"
	"time"
)

// window tracks counts for two adjacent fixed windows.
type window struct {
	prevCount int64
	currCount int64
	currStart time.Time
	period    time.Duration
	lastUsed  time.Time
}

// advance rotates the windows up to now.
func (w *window) advance(now time.Time) {
	n := now.Sub(w.currStart) / w.period
	if n <= 0 {
		return
	}
	if n == 1 {
		w.prevCount = w.currCount
	} else {
		w.prevCount = 0
	}
	w.currCount = 0
	w.currStart = w.currStart.Add(n * w.period)
}

// estimate interpolates the previous window's count by how much of it
// still overlaps the trailing period.
func (w *window) estimate(now time.Time) float64 {
	weight := 1 - float64(now.Sub(w.currStart))/float64(w.period)
	return float64(w.prevCount)*weight + float64(w.currCount)
}

// retryAfter is the earliest wait after which cost units fit under limit.
func (w *window) retryAfter(now time.Time, limit, cost int64) time.Duration {
	elapsed := now.Sub(w.currStart)
	if cost > limit {
		return w.period
	}
	if w.prevCount > 0 && w.currCount+cost <= limit {
		// Wait until the previous window's weight has decayed enough.
		weight := float64(limit-w.currCount-cost) / float64(w.prevCount)
		return secondsToDuration(((1-weight)*float64(w.period) - float64(elapsed)) / float64(time.Second))
	}
	// Not before the next window, where the current count decays instead.
	untilNext := w.period - elapsed
	if w.currCount == 0 {
		return untilNext
	}
	into := (1 - float64(limit-cost)/float64(w.currCount)) * float64(w.period)
	return untilNext + time.Duration(math.Max(0, into))
}

// SlidingWindow implements Store. It interpolates between two adjacent
// fixed windows, so a full allowance at the end of one window still counts
// against the start of the next.
func (s *LocalStore) SlidingWindow(_ context.Context, key string, limit int64, period time.Duration, cost int64) (Decision, error) {
	if period <= 0 {
		period = time.Second
	}
	now := s.now()

	p := s.windows.lock(key)
	defer p.mu.Unlock()

	w, ok := p.items[key]
	if !ok || w.period != period {
		w = &window{currStart: now.Truncate(period), period: period}
		p.items[key] = w
	}
	w.advance(now)
	w.lastUsed = now

	estimate := w.estimate(now)
	d := Decision{Limit: limit, Reset: w.currStart.Add(period)}
	if estimate+float64(cost) <= float64(limit) {
		w.currCount += cost
		d.Allowed = true
		d.Remaining = int64(math.Max(0, math.Floor(float64(limit)-estimate-float64(cost))))
		return d, nil
	}
	d.Remaining = int64(math.Max(0, math.Floor(float64(limit)-estimate)))
	d.RetryAfter = w.retryAfter(now, limit, cost)
	return d, nil
}
