package ratelimit

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/model"
)

// Subject identifies the caller and target a limit is counted against.
type Subject struct {
	UpstreamID string
	TenantID   string
	UserID     string
	ClientIP   string
	RouteID    string
}

// Key builds the counter key rl:<upstream>:<scope>:<identifier>. The scope
// is part of the key, so different scopes never share a counter.
func Key(scope model.Scope, s Subject) string {
	if scope == "" {
		scope = model.ScopeTenant
	}
	var ident string
	switch scope {
	case model.ScopeGlobal:
		ident = "*"
	case model.ScopeTenant:
		ident = s.TenantID
	case model.ScopeUser:
		ident = s.UserID
		if ident == "" {
			ident = "anonymous@" + s.TenantID
		}
	case model.ScopeIP:
		ident = s.ClientIP
	case model.ScopeRoute:
		ident = s.RouteID
	}
	return "rl:" + s.UpstreamID + ":" + string(scope) + ":" + ident
}

// Stats are cumulative admission counters.
type Stats struct {
	Admitted      int64 `json:"admitted"`
	Rejected      int64 `json:"rejected"`
	Queued        int64 `json:"queued"`
	QueueTimeouts int64 `json:"queue_timeouts"`
	Counters      int   `json:"counters"`
}

// Limiter applies rate-limit configs to calls.
type Limiter struct {
	store  Store
	logger *zap.Logger
	gates  *table[*gate]

	// pollMax caps the wait between admission attempts of a queued caller.
	pollMax time.Duration

	admitted, rejected, queued, queueTimeouts atomic.Int64
}

// NewLimiter creates a Limiter over store.
func NewLimiter(store Store, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		store:   store,
		logger:  logger,
		gates:   newTable[*gate](),
		pollMax: 250 * time.Millisecond,
	}
}

// Store returns the counter store.
func (l *Limiter) Store() Store { return l.store }

// Stats returns a snapshot of the admission counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Admitted:      l.admitted.Load(),
		Rejected:      l.rejected.Load(),
		Queued:        l.queued.Load(),
		QueueTimeouts: l.queueTimeouts.Load(),
		Counters:      l.store.Len(),
	}
}

// Admit checks cfg for the call described by s. A nil cfg admits
// everything. Over the limit it returns a 429 gateway error, or for the
// queue strategy waits up to the queue timeout and then returns a 503.
// The degrade strategy behaves like reject.
func (l *Limiter) Admit(ctx context.Context, cfg *model.RateLimitConfig, s Subject) (Decision, error) {
	if cfg == nil {
		return Decision{Allowed: true}, nil
	}
	key := Key(cfg.Scope, s)

	if cfg.Strategy == model.StrategyQueue {
		return l.queue(ctx, cfg, key)
	}

	d, err := l.check(ctx, cfg, key)
	if err != nil {
		return d, err
	}
	if d.Allowed {
		l.admitted.Add(1)
		return d, nil
	}
	l.rejected.Add(1)
	return d, errors.RateLimited(d.RetryAfter)
}

func (l *Limiter) check(ctx context.Context, cfg *model.RateLimitConfig, key string) (Decision, error) {
	cost := cfg.CallCost()
	var (
		d   Decision
		err error
	)
	switch cfg.Algorithm {
	case model.AlgorithmSlidingWindow:
		window := cfg.Sustained.Window
		if window <= 0 {
			window = time.Second
		}
		d, err = l.store.SlidingWindow(ctx, key, cfg.Sustained.Rate, window, cost)
	default:
		d, err = l.store.TokenBucket(ctx, key, cfg.Sustained.PerSecond(), cfg.Capacity(), cost)
	}
	if err != nil {
		l.logger.Warn("rate limit store failed, admitting call", zap.String("key", key), zap.Error(err))
		return Decision{Allowed: true}, nil
	}
	return d, nil
}

var errDenied = stderrors.New("rate limited")

// queue admits callers of one key in arrival order. A caller is not
// checked against the counter while an earlier caller is still waiting.
func (l *Limiter) queue(ctx context.Context, cfg *model.RateLimitConfig, key string) (Decision, error) {
	qctx, cancel := context.WithTimeout(ctx, cfg.Queue.Timeout)
	defer cancel()

	g := l.enter(key)
	defer l.leave(key, g)

	var last Decision
	if err := g.acquire(qctx); err != nil {
		return last, l.queueFailed(ctx, cfg, last)
	}
	defer g.release()

	last, err := l.check(qctx, cfg, key)
	if err != nil {
		return last, err
	}
	if last.Allowed {
		l.admitted.Add(1)
		return last, nil
	}
	l.queued.Add(1)

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(clamp(last.RetryAfter, time.Millisecond, l.pollMax)),
		backoff.WithMaxInterval(l.pollMax),
		backoff.WithRandomizationFactor(0.1),
		backoff.WithMaxElapsedTime(0),
	)
	op := func() (Decision, error) {
		d, err := l.check(qctx, cfg, key)
		if err != nil {
			return d, backoff.Permanent(err)
		}
		last = d
		if !d.Allowed {
			return d, errDenied
		}
		return d, nil
	}
	d, err := backoff.RetryWithData(op, backoff.WithContext(b, qctx))
	if err == nil {
		l.admitted.Add(1)
		return d, nil
	}
	if !stderrors.Is(err, context.DeadlineExceeded) && !stderrors.Is(err, context.Canceled) {
		return last, err
	}
	return last, l.queueFailed(ctx, cfg, last)
}

func (l *Limiter) queueFailed(ctx context.Context, cfg *model.RateLimitConfig, last Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.queueTimeouts.Add(1)
	retry := last.RetryAfter
	if retry <= 0 {
		retry = cfg.Queue.Timeout
	}
	return errors.QueueTimeout(retry)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// SetHeaders writes the X-RateLimit-* headers for d.
func SetHeaders(h http.Header, d Decision) {
	if d.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.Reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
}
