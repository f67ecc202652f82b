package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/logging"
	"go.uber.org/zap"
)

// Recovery turns a panic in the handler into a 500 problem response.
// http.ErrAbortHandler is re-raised so the server can drop the connection.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.Error("Panic recovered",
					zap.String("request_id", GetRequestID(r)),
					zap.Any("error", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				errors.ErrInternal.
					WithDetail(fmt.Sprintf("panic: %v", rec)).
					WithInstance(r.URL.Path).
					Write(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
