package proxy

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/model"
)

// errExcluded marks outcomes that say nothing about upstream health, such
// as a client that went away or sent a bad body.
var errExcluded = stderrors.New("excluded from breaker counts")

type breakerEntry struct {
	cfg model.CircuitBreakerConfig
	cb  *gobreaker.TwoStepCircuitBreaker[struct{}]
}

// BreakerSnapshot is a point-in-time view of one upstream breaker
type BreakerSnapshot struct {
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Breakers holds one circuit breaker per upstream. An open breaker fails
// the call fast with circuit_open; it never triggers a retry.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breakerEntry
	logger   *zap.Logger
}

// NewBreakers creates an empty breaker set.
func NewBreakers(logger *zap.Logger) *Breakers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breakers{breakers: make(map[string]*breakerEntry), logger: logger}
}

func (b *Breakers) get(u *model.Upstream) *breakerEntry {
	cfg := *u.CircuitBreaker
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.breakers[u.ID]; ok && e.cfg == cfg {
		return e
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	e := &breakerEntry{
		cfg: cfg,
		cb: gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        u.ID,
			MaxRequests: cfg.MaxRequests,
			Timeout:     timeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			IsExcluded: func(err error) bool {
				return stderrors.Is(err, errExcluded)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				b.logger.Warn("circuit breaker state changed",
					zap.String("upstream_id", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
	b.breakers[u.ID] = e
	return e
}

// Allow asks the upstream's breaker for permission. The returned func must
// be called with the call outcome.
func (b *Breakers) Allow(u *model.Upstream) (func(error), error) {
	if u.CircuitBreaker == nil || !u.CircuitBreaker.Enabled {
		return func(error) {}, nil
	}
	done, err := b.get(u).cb.Allow()
	if err != nil {
		return nil, errors.ErrCircuitOpen.
			WithDetail(fmt.Sprintf("upstream %s is failing; calls are suspended", u.Alias)).
			Wrap(err)
	}
	return done, nil
}

// Snapshot returns the state of every breaker by upstream id.
func (b *Breakers) Snapshot() map[string]BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]BreakerSnapshot, len(b.breakers))
	for id, e := range b.breakers {
		c := e.cb.Counts()
		out[id] = BreakerSnapshot{
			State:               e.cb.State().String(),
			Requests:            c.Requests,
			TotalFailures:       c.TotalFailures,
			ConsecutiveFailures: c.ConsecutiveFailures,
		}
	}
	return out
}

// Prune drops breakers of upstreams not in keep.
func (b *Breakers) Prune(keep map[string]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.breakers {
		if !keep[id] {
			delete(b.breakers, id)
		}
	}
}

// Outcome converts a call result into what the breaker should count.
func Outcome(resp *http.Response, ge *errors.GatewayError) error {
	if ge != nil {
		switch ge.Kind {
		case errors.KindValidation, errors.KindPayloadTooLarge, errors.KindStreamAborted:
			return errExcluded
		}
		return ge
	}
	if resp != nil && resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return nil
}
