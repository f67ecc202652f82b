package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderRequestID is the correlation header propagated to upstreams and
// echoed back to clients.
const HeaderRequestID = "X-Request-ID"

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// Info carries per-request identifiers. The request-id middleware creates
// it; the proxy handler fills in the rest once the call is resolved so the
// access log can report it.
type Info struct {
	RequestID  string
	TenantID   string
	UserID     string
	Alias      string
	UpstreamID string
	RouteID    string
}

type infoKey struct{}

// RequestID assigns a request id. A client-supplied X-Request-ID is kept
// unchanged; otherwise a UUID is generated. The id is written to both the
// inbound request headers, so it travels upstream, and the response.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if id == "" {
				id = uuid.New().String()
				r.Header.Set(HeaderRequestID, id)
			}
			w.Header().Set(HeaderRequestID, id)

			info := &Info{RequestID: id}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), infoKey{}, info)))
		})
	}
}

// InfoFrom returns the request Info stored in ctx. It never returns nil so
// handlers running without the middleware can write to it freely.
func InfoFrom(ctx context.Context) *Info {
	if info, ok := ctx.Value(infoKey{}).(*Info); ok {
		return info
	}
	return &Info{}
}

// GetRequestID extracts the request ID from the request
func GetRequestID(r *http.Request) string {
	if info, ok := r.Context().Value(infoKey{}).(*Info); ok {
		return info.RequestID
	}
	return r.Header.Get(HeaderRequestID)
}
