package proxy

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/wudi/oagw/internal/errors"
)

// idleTimeoutReader wraps an upstream response body to enforce an idle
// timeout. When no data arrives for the configured duration the upstream
// call is cancelled and Read returns a stream_aborted error.
type idleTimeoutReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

// newIdleTimeoutReader wraps rc; cancel aborts the upstream call.
func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutReader {
	r := &idleTimeoutReader{rc: rc, timeout: timeout}
	r.timer = time.AfterFunc(timeout, func() {
		r.fired.Store(true)
		cancel()
	})
	return r
}

// Read reads from the underlying body and rearms the idle timer.
func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if r.fired.Load() {
		return n, errors.ErrStreamAborted.
			WithDetail("upstream stream idle for longer than " + r.timeout.String()).
			Wrap(context.DeadlineExceeded)
	}
	if err == nil {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

// Close stops the timer and closes the underlying body.
func (r *idleTimeoutReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}
