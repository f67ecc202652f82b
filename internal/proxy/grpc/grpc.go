// Package grpc carries gRPC traffic to upstreams. Native gRPC calls pass
// through the HTTP adapter over h2; this package supplies the helpers that
// path needs and the Transcoder, which turns a JSON request into a dynamic
// protobuf call and streams server-streaming answers back as NDJSON.
package grpc

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
)

// IsGRPCRequest checks if the request is a gRPC request
func IsGRPCRequest(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
}

// StatusToHTTP maps gRPC status codes to HTTP status codes.
// Reference: https://github.com/grpc/grpc/blob/master/doc/http-grpc-status-mapping.md
func StatusToHTTP(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.Canceled:
		return 499 // Client Closed Request
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// ParseTimeout parses the grpc-timeout header value.
// Format: <amount><unit> where unit is H(ours), M(inutes), S(econds),
// m(illis), u(micros), n(anos).
func ParseTimeout(val string) (time.Duration, bool) {
	if len(val) < 2 {
		return 0, false
	}

	unit := val[len(val)-1]
	num, err := strconv.ParseInt(val[:len(val)-1], 10, 64)
	if err != nil || num < 0 {
		return 0, false
	}

	switch unit {
	case 'H':
		return time.Duration(num) * time.Hour, true
	case 'M':
		return time.Duration(num) * time.Minute, true
	case 'S':
		return time.Duration(num) * time.Second, true
	case 'm':
		return time.Duration(num) * time.Millisecond, true
	case 'u':
		return time.Duration(num) * time.Microsecond, true
	case 'n':
		return time.Duration(num) * time.Nanosecond, true
	default:
		return 0, false
	}
}

// FormatTimeout formats a duration as a grpc-timeout header value.
func FormatTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	// Use the largest unit that represents the duration exactly
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "H"
	case d >= time.Minute && d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "M"
	case d >= time.Second && d%time.Second == 0:
		return strconv.FormatInt(int64(d/time.Second), 10) + "S"
	case d >= time.Millisecond && d%time.Millisecond == 0:
		return strconv.FormatInt(int64(d/time.Millisecond), 10) + "m"
	case d >= time.Microsecond && d%time.Microsecond == 0:
		return strconv.FormatInt(int64(d/time.Microsecond), 10) + "u"
	default:
		return strconv.FormatInt(int64(d), 10) + "n"
	}
}

// ClampTimeout caps the grpc-timeout header of an outbound native gRPC call
// at limit, so the upstream never works past the gateway's request timeout.
// A missing or malformed header is replaced by limit.
func ClampTimeout(h http.Header, limit time.Duration) {
	if limit <= 0 {
		return
	}
	if d, ok := ParseTimeout(h.Get("Grpc-Timeout")); ok && d <= limit {
		return
	}
	h.Set("Grpc-Timeout", FormatTimeout(limit))
}
