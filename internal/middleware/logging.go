package middleware

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/oagw/internal/errors"
	"go.uber.org/zap"
)

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// AccessLog logs one line per request with its identifiers, status,
// error source and duration. Requests whose path is in skip are not logged.
func AccessLog(logger *zap.Logger, skip ...string) Middleware {
	skipPaths := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0
			lrw.hijacked = false

			next.ServeHTTP(lrw, r)

			info := InfoFrom(r.Context())
			var fields [12]zap.Field
			n := 0
			fields[n] = zap.String("request_id", info.RequestID)
			n++
			fields[n] = zap.String("method", r.Method)
			n++
			fields[n] = zap.String("path", r.URL.Path)
			n++
			fields[n] = zap.Int("status", lrw.status)
			n++
			fields[n] = zap.Int64("body_bytes", lrw.bytes)
			n++
			fields[n] = zap.Duration("duration", time.Since(start))
			n++
			if info.TenantID != "" {
				fields[n] = zap.String("tenant_id", info.TenantID)
				n++
			}
			if info.Alias != "" {
				fields[n] = zap.String("alias", info.Alias)
				n++
			}
			if info.RouteID != "" {
				fields[n] = zap.String("route_id", info.RouteID)
				n++
			}
			if !lrw.hijacked {
				if src := lrw.Header().Get(errors.HeaderErrorSource); src != "" {
					fields[n] = zap.String("error_source", src)
					n++
				}
			}
			if lrw.hijacked {
				fields[n] = zap.Bool("upgraded", true)
				n++
			}
			logger.Info("HTTP request", fields[:n]...)

			lrw.ResponseWriter = nil
			loggingRWPool.Put(lrw)
		})
	}
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
	hijacked    bool
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	if !lrw.wroteHeader && status >= 200 {
		lrw.status = status
		lrw.wroteHeader = true
	}
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.wroteHeader = true
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		lrw.wroteHeader = true
		f.Flush()
	}
}

// Hijack implements http.Hijacker. A hijacked connection is recorded as a
// protocol switch.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		lrw.hijacked = true
		lrw.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
