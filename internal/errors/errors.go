package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	// HeaderErrorSource labels every error response with its origin.
	HeaderErrorSource = "X-OAGW-Error-Source"

	SourceGateway  = "gateway"
	SourceUpstream = "upstream"

	// ContentTypeProblem is the media type of gateway error bodies (RFC 9457).
	ContentTypeProblem = "application/problem+json"

	typePrefix = "gts.x.core.errors.err.v1~x.oagw."
)

// Error kinds. Each one maps to a stable problem type URI.
const (
	KindValidation       = "validation"
	KindNotFound         = "not_found"
	KindForbidden        = "forbidden"
	KindAuthFailed       = "auth_failed"
	KindPayloadTooLarge  = "payload_too_large"
	KindRateLimited      = "rate_limit.exceeded"
	KindQueueTimeout     = "rate_limit.queue_timeout"
	KindPluginRejected   = "plugin.rejected"
	KindPluginInvalid    = "plugin.invalid"
	KindPluginExecution  = "plugin.execution"
	KindPluginNotFound   = "plugin.not_found"
	KindSecretNotFound   = "secret_not_found"
	KindCircuitOpen      = "circuit_open"
	KindConnTimeout      = "connection_timeout"
	KindRequestTimeout   = "request_timeout"
	KindProtocol         = "protocol"
	KindStreamAborted    = "stream_aborted"
	KindInternal         = "internal"
	KindMethodNotAllowed = "method_not_allowed"
	KindUnavailable      = "link_unavailable"
)

// GatewayError is an error produced by the gateway itself, rendered to the
// client as an RFC 9457 Problem Details document.
type GatewayError struct {
	Status     int
	Kind       string
	Code       string
	Title      string
	Detail     string
	Instance   string
	RetryAfter time.Duration
	underlying error
}

// Problem is the wire form of a GatewayError.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

func (e *GatewayError) Error() string {
	msg := e.Title
	if e.Detail != "" {
		msg = e.Title + ": " + e.Detail
	}
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", msg, e.underlying)
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Type returns the problem type URI for the error kind.
func (e *GatewayError) Type() string {
	return typePrefix + e.Kind + ".v1"
}

// Problem converts the error into its wire representation.
func (e *GatewayError) Problem() Problem {
	return Problem{
		Type:     e.Type(),
		Title:    e.Title,
		Status:   e.Status,
		Detail:   e.Detail,
		Instance: e.Instance,
		Code:     e.Code,
	}
}

func (e *GatewayError) clone() *GatewayError {
	c := *e
	return &c
}

// WithDetail returns a copy with the detail replaced.
func (e *GatewayError) WithDetail(detail string) *GatewayError {
	c := e.clone()
	c.Detail = detail
	return c
}

// WithInstance returns a copy carrying the request instance URI.
func (e *GatewayError) WithInstance(instance string) *GatewayError {
	c := e.clone()
	c.Instance = instance
	return c
}

// WithRetryAfter returns a copy carrying a Retry-After hint.
func (e *GatewayError) WithRetryAfter(d time.Duration) *GatewayError {
	c := e.clone()
	c.RetryAfter = d
	return c
}

// WithCode returns a copy carrying an application error code.
func (e *GatewayError) WithCode(code string) *GatewayError {
	c := e.clone()
	c.Code = code
	return c
}

// Wrap returns a copy of e with err as its cause.
func (e *GatewayError) Wrap(err error) *GatewayError {
	c := e.clone()
	c.underlying = err
	return c
}

// Write renders the error as application/problem+json.
func (e *GatewayError) Write(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", ContentTypeProblem)
	h.Set(HeaderErrorSource, SourceGateway)
	h.Del("Content-Length")
	if e.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(RetryAfterSeconds(e.RetryAfter)))
	}
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(e.Problem())
}

// WriteProblem classifies err and renders it as a gateway error.
func WriteProblem(w http.ResponseWriter, err error) {
	Classify(err).Write(w)
}

// RetryAfterSeconds rounds a wait up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// New creates a gateway error of the given kind.
func New(status int, kind, title string) *GatewayError {
	return &GatewayError{Status: status, Kind: kind, Title: title}
}

// Base errors. Use the With* helpers to derive request-specific copies.
var (
	ErrValidation       = New(http.StatusBadRequest, KindValidation, "Validation error")
	ErrNotFound         = New(http.StatusNotFound, KindNotFound, "Not found")
	ErrForbidden        = New(http.StatusForbidden, KindForbidden, "Forbidden")
	ErrAuthFailed       = New(http.StatusUnauthorized, KindAuthFailed, "Authentication failed")
	ErrPayloadTooLarge  = New(http.StatusRequestEntityTooLarge, KindPayloadTooLarge, "Payload too large")
	ErrRateLimited      = New(http.StatusTooManyRequests, KindRateLimited, "Rate limit exceeded")
	ErrQueueTimeout     = New(http.StatusServiceUnavailable, KindQueueTimeout, "Rate limit queue timeout").WithCode("queue_timeout")
	ErrPluginInvalid    = New(http.StatusBadRequest, KindPluginInvalid, "Plugin rejected the request as invalid")
	ErrPluginExecution  = New(http.StatusServiceUnavailable, KindPluginExecution, "Plugin execution failed")
	ErrPluginNotFound   = New(http.StatusServiceUnavailable, KindPluginNotFound, "Plugin not available")
	ErrSecretNotFound   = New(http.StatusInternalServerError, KindSecretNotFound, "Secret not found")
	ErrCircuitOpen      = New(http.StatusServiceUnavailable, KindCircuitOpen, "Upstream circuit open")
	ErrConnTimeout      = New(http.StatusGatewayTimeout, KindConnTimeout, "Connection timeout")
	ErrRequestTimeout   = New(http.StatusGatewayTimeout, KindRequestTimeout, "Request timeout")
	ErrProtocol         = New(http.StatusBadGateway, KindProtocol, "Upstream protocol error")
	ErrStreamAborted    = New(http.StatusBadGateway, KindStreamAborted, "Stream aborted")
	ErrInternal         = New(http.StatusInternalServerError, KindInternal, "Internal error")
	ErrMethodNotAllowed = New(http.StatusMethodNotAllowed, KindMethodNotAllowed, "Method not allowed")
	ErrUnavailable      = New(http.StatusServiceUnavailable, KindUnavailable, "No upstream endpoint available")
)

// notFoundDetail is identical for every not-found cause so that callers
// cannot learn whether an alias exists for some other tenant.
const notFoundDetail = "no upstream route matches the requested alias and path"

// NotFound returns the single not-found error used for unknown aliases,
// unknown routes and disabled routes alike.
func NotFound() *GatewayError {
	return ErrNotFound.WithDetail(notFoundDetail)
}

// Validation returns a 400 error with a formatted detail.
func Validation(format string, args ...any) *GatewayError {
	return ErrValidation.WithDetail(fmt.Sprintf(format, args...))
}

// Forbidden returns a 403 error with a formatted detail.
func Forbidden(format string, args ...any) *GatewayError {
	return ErrForbidden.WithDetail(fmt.Sprintf(format, args...))
}

// PayloadTooLarge reports a body above limit bytes. size may be -1 when
// the body was cut off while streaming.
func PayloadTooLarge(size, limit int64) *GatewayError {
	if size < 0 {
		return ErrPayloadTooLarge.WithDetail(fmt.Sprintf("request body exceeds limit of %d bytes", limit))
	}
	return ErrPayloadTooLarge.WithDetail(fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", size, limit))
}

// ResponseTooLarge reports an upstream response body above limit bytes
// that a plugin tried to buffer.
func ResponseTooLarge(limit int64) *GatewayError {
	return ErrProtocol.WithCode("response_too_large").
		WithDetail(fmt.Sprintf("upstream response body exceeds limit of %d bytes", limit))
}

// RateLimited returns a 429 carrying a Retry-After hint.
func RateLimited(retryAfter time.Duration) *GatewayError {
	return ErrRateLimited.WithRetryAfter(retryAfter)
}

// QueueTimeout returns a 503 for callers that waited too long in the
// rate-limit queue.
func QueueTimeout(retryAfter time.Duration) *GatewayError {
	return ErrQueueTimeout.WithRetryAfter(retryAfter).
		WithDetail("request was not admitted before the queue timeout elapsed")
}

// PluginRejected builds the error for a plugin reject(status, code, message).
// Statuses outside the 4xx/5xx range are coerced to 400.
func PluginRejected(status int, code, message string) *GatewayError {
	if status < 400 || status > 599 {
		status = http.StatusBadRequest
	}
	title := http.StatusText(status)
	if title == "" {
		title = "Plugin rejected the request"
	}
	e := New(status, KindPluginRejected, title)
	e.Code = code
	e.Detail = message
	return e
}

// IsGatewayError reports whether err is (or wraps) a GatewayError.
func IsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Classify turns an arbitrary failure into a GatewayError. Unknown errors
// become internal errors.
func Classify(err error) *GatewayError {
	if err == nil {
		return nil
	}
	if ge, ok := IsGatewayError(err); ok {
		return ge
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return PayloadTooLarge(-1, mbe.Limit).Wrap(err)
	}
	return ErrInternal.WithDetail("an internal error occurred").Wrap(err)
}

// ClassifyUpstream classifies a failure that happened while talking to the
// upstream. The upstream never produced a response, so these are always
// gateway errors.
func ClassifyUpstream(err error) *GatewayError {
	if err == nil {
		return nil
	}
	if ge, ok := IsGatewayError(err); ok {
		return ge
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return PayloadTooLarge(-1, mbe.Limit).Wrap(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if opErr.Timeout() {
			return ErrConnTimeout.WithDetail("connection to upstream timed out").Wrap(err)
		}
		return ErrProtocol.WithDetail("connection to upstream failed").Wrap(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrRequestTimeout.WithDetail("request to upstream timed out").Wrap(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrRequestTimeout.WithDetail("request to upstream timed out").Wrap(err)
	}
	if errors.Is(err, context.Canceled) {
		return ErrStreamAborted.WithDetail("client cancelled the request").Wrap(err)
	}
	return ErrProtocol.WithDetail("upstream request failed").Wrap(err)
}
