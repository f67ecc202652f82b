package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/model"
	"github.com/wudi/oagw/internal/provider"
)

// Identity describes the caller and the resolved target of a call.
type Identity struct {
	TenantID   string
	UserID     string
	ClientIP   string
	RequestID  string
	Alias      string
	UpstreamID string
	RouteID    string
}

// Context is the mutable call state shared by the plugins of one call.
// It is not safe for concurrent use.
type Context struct {
	Identity

	// Request is the outbound request. Plugins mutate it on_request.
	Request *http.Request
	// Response is the upstream response, set for on_response.
	Response *http.Response
	// Err is the gateway error being handled, set for on_error.
	Err *errors.GatewayError
	// ErrHeader collects headers plugins add to a gateway error response.
	ErrHeader http.Header

	// Auth is the effective auth dimension of the call.
	Auth    *model.AuthConfig
	Secrets provider.SecretResolver

	// MaxBody bounds the request body read into memory by plugins.
	MaxBody int64
	// MaxResponseBody bounds the upstream response body read into memory
	// by plugins. Zero means no limit.
	MaxResponseBody int64

	phase       model.Phase
	config      map[string]any
	reqBodyRead bool
	respRead    bool
	errBody     []byte
	errBodySet  bool
}

// NewContext creates a Context for the outbound request req.
func NewContext(id Identity, req *http.Request, maxBody int64) *Context {
	return &Context{
		Identity:  id,
		Request:   req,
		MaxBody:   maxBody,
		ErrHeader: make(http.Header),
		phase:     model.PhaseRequest,
	}
}

// SetPhase switches the context to phase.
func (c *Context) SetPhase(p model.Phase) { c.phase = p }

// Config returns the config of the binding currently running.
func (c *Context) Config() map[string]any { return c.config }

// ErrorBody returns the body set by on_error plugins, if any.
func (c *Context) ErrorBody() ([]byte, bool) { return c.errBody, c.errBodySet }

// Phase implements sandbox.Host.
func (c *Context) Phase() string { return string(c.phase) }

func (c *Context) Method() string { return c.Request.Method }

func (c *Context) Path() string { return c.Request.URL.Path }

// SetPath replaces the outbound path. It is only allowed on_request.
func (c *Context) SetPath(p string) error {
	if c.phase != model.PhaseRequest {
		return fmt.Errorf("path can only be changed on_request")
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q must start with /", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("path %q must not contain dot segments", p)
		}
	}
	c.Request.URL.Path = p
	c.Request.URL.RawPath = ""
	return nil
}

func (c *Context) Query() url.Values { return c.Request.URL.Query() }

func (c *Context) RequestHeader() http.Header { return c.Request.Header }

// Header returns the header set of the current phase.
func (c *Context) Header() http.Header {
	switch c.phase {
	case model.PhaseResponse:
		if c.Response != nil {
			return c.Response.Header
		}
	case model.PhaseError:
		return c.ErrHeader
	}
	return c.Request.Header
}

// Status returns the upstream status on_response and the error status
// on_error.
func (c *Context) Status() int {
	switch c.phase {
	case model.PhaseResponse:
		if c.Response != nil {
			return c.Response.StatusCode
		}
	case model.PhaseError:
		if c.Err != nil {
			return c.Err.Status
		}
	}
	return 0
}

// Body returns the phase body. Request and response bodies are read into
// memory once, bounded by MaxBody; on_error it is the problem document.
func (c *Context) Body() ([]byte, error) {
	switch c.phase {
	case model.PhaseResponse:
		if c.Response == nil {
			return nil, nil
		}
		b, err := c.buffer(&c.Response.Body, &c.respRead, c.Response.ContentLength, c.MaxResponseBody, responseTooLarge)
		if err == nil {
			c.Response.ContentLength = int64(len(b))
		}
		return b, err
	case model.PhaseError:
		if c.errBodySet {
			return c.errBody, nil
		}
		if c.Err == nil {
			return nil, nil
		}
		return json.Marshal(c.Err.Problem())
	}
	b, err := c.buffer(&c.Request.Body, &c.reqBodyRead, c.Request.ContentLength, c.MaxBody, errors.PayloadTooLarge)
	if err == nil {
		c.Request.ContentLength = int64(len(b))
	}
	return b, err
}

// responseTooLarge adapts ResponseTooLarge to the buffer callback.
func responseTooLarge(_, limit int64) *errors.GatewayError {
	return errors.ResponseTooLarge(limit)
}

func (c *Context) buffer(body *io.ReadCloser, read *bool, declared, limit int64, tooLarge func(size, limit int64) *errors.GatewayError) ([]byte, error) {
	if *body == nil || *body == http.NoBody {
		*read = true
		return nil, nil
	}
	if *read {
		// Already buffered; the body is a bytes.Reader we installed.
		br, ok := (*body).(*replayBody)
		if ok {
			return br.data, nil
		}
	}
	if limit > 0 && declared > limit {
		return nil, tooLarge(declared, limit)
	}
	var r io.Reader = *body
	if limit > 0 {
		r = io.LimitReader(*body, limit+1)
	}
	data, err := io.ReadAll(r)
	(*body).Close()
	if err != nil {
		return nil, errors.Classify(err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, tooLarge(-1, limit)
	}
	*body = newReplayBody(data)
	*read = true
	return data, nil
}

// SetBody replaces the phase body and fixes up its length.
func (c *Context) SetBody(b []byte) error {
	switch c.phase {
	case model.PhaseResponse:
		if c.Response == nil {
			return fmt.Errorf("no response to modify")
		}
		if c.MaxResponseBody > 0 && int64(len(b)) > c.MaxResponseBody {
			return errors.ResponseTooLarge(c.MaxResponseBody)
		}
		if c.Response.Body != nil {
			c.Response.Body.Close()
		}
		c.Response.Body = newReplayBody(b)
		c.Response.ContentLength = int64(len(b))
		c.Response.Header.Set("Content-Length", strconv.Itoa(len(b)))
		c.Response.TransferEncoding = nil
		c.respRead = true
	case model.PhaseError:
		c.errBody = b
		c.errBodySet = true
	default:
		if c.MaxBody > 0 && int64(len(b)) > c.MaxBody {
			return errors.PayloadTooLarge(int64(len(b)), c.MaxBody)
		}
		if c.Request.Body != nil {
			c.Request.Body.Close()
		}
		c.Request.Body = newReplayBody(b)
		c.Request.ContentLength = int64(len(b))
		c.Request.Header.Del("Content-Length")
		c.Request.TransferEncoding = nil
		data := b
		c.Request.GetBody = func() (io.ReadCloser, error) { return newReplayBody(data), nil }
		c.reqBodyRead = true
	}
	return nil
}

// Vars implements sandbox.Host.
func (c *Context) Vars() map[string]string {
	v := map[string]string{
		"tenant_id":   c.TenantID,
		"user_id":     c.UserID,
		"client_ip":   c.ClientIP,
		"request_id":  c.RequestID,
		"alias":       c.Alias,
		"upstream_id": c.UpstreamID,
		"route_id":    c.RouteID,
		"phase":       string(c.phase),
	}
	if c.Err != nil {
		v["error_type"] = c.Err.Type()
		v["error_status"] = strconv.Itoa(c.Err.Status)
		v["error_detail"] = c.Err.Detail
	}
	return v
}

type replayBody struct {
	*bytes.Reader
	data []byte
}

func newReplayBody(b []byte) *replayBody {
	return &replayBody{Reader: bytes.NewReader(b), data: b}
}

func (*replayBody) Close() error { return nil }
