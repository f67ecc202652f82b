// Package plugin runs the ordered auth, guard and transform plugins bound to
// an upstream and route through the request, response and error phases.
//
// Built-in plugins are Native values; custom scripts are Scripted values
// executed by the sandbox. The pipeline treats both the same way.
package plugin

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/sandbox"
)

// Plugin is implemented by every plugin variant.
type Plugin interface {
	OnRequest(ctx context.Context, c *Context) (Result, error)
	OnResponse(ctx context.Context, c *Context) (Result, error)
	OnError(ctx context.Context, c *Context) (Result, error)
}

// Kind places a plugin in the request-phase order.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindGuard     Kind = "guard"
	KindTransform Kind = "transform"
)

// Action is the control-flow decision of a plugin.
type Action int

const (
	ActionNext Action = iota
	ActionReject
	ActionRespond
)

func (a Action) String() string {
	switch a {
	case ActionReject:
		return "reject"
	case ActionRespond:
		return "respond"
	}
	return "next"
}

// Result is returned by every plugin hook.
type Result struct {
	Action      Action
	Status      int
	Code        string
	Message     string
	Body        []byte
	ContentType string
}

// Next continues the pipeline.
func Next() Result { return Result{} }

// Reject aborts the call with a gateway error.
func Reject(status int, code, message string) Result {
	return Result{Action: ActionReject, Status: status, Code: code, Message: message}
}

// Respond aborts the call with a synthesized response; the upstream is not
// contacted.
func Respond(status int, body []byte, contentType string) Result {
	return Result{Action: ActionRespond, Status: status, Body: body, ContentType: contentType}
}

// Err converts a Reject result into its gateway error.
func (r Result) Err() *errors.GatewayError {
	return errors.PluginRejected(r.Status, r.Code, r.Message)
}

// Write renders a Respond result. Error statuses are labelled as gateway
// errors since the upstream never produced them.
func (r Result) Write(w http.ResponseWriter) {
	if r.ContentType != "" {
		w.Header().Set("Content-Type", r.ContentType)
	}
	if r.Status >= 400 {
		w.Header().Set(errors.HeaderErrorSource, errors.SourceGateway)
	}
	w.Header().Del("Content-Length")
	status := r.Status
	if status < 100 || status > 599 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(r.Body)
}

// HandlerFunc is one phase hook of a Native plugin.
type HandlerFunc func(ctx context.Context, c *Context) (Result, error)

// Native is a built-in plugin implemented in Go. Nil hooks continue.
type Native struct {
	Request  HandlerFunc
	Response HandlerFunc
	Error    HandlerFunc
}

func (n *Native) OnRequest(ctx context.Context, c *Context) (Result, error) {
	return call(ctx, n.Request, c)
}

func (n *Native) OnResponse(ctx context.Context, c *Context) (Result, error) {
	return call(ctx, n.Response, c)
}

func (n *Native) OnError(ctx context.Context, c *Context) (Result, error) {
	return call(ctx, n.Error, c)
}

func call(ctx context.Context, fn HandlerFunc, c *Context) (Result, error) {
	if fn == nil {
		return Next(), nil
	}
	return fn(ctx, c)
}

// Scripted is a plugin backed by a sandboxed script. The script sees the
// binding config under the global "config".
type Scripted struct {
	runtime *sandbox.Runtime
	script  *sandbox.Script
	config  map[string]any
}

// NewScripted compiles source into a Scripted plugin.
func NewScripted(rt *sandbox.Runtime, name, source string, config map[string]any) (*Scripted, error) {
	s, err := sandbox.Compile(name, source)
	if err != nil {
		return nil, err
	}
	return &Scripted{runtime: rt, script: s, config: config}, nil
}

func (s *Scripted) OnRequest(ctx context.Context, c *Context) (Result, error) {
	return s.run(ctx, c)
}

func (s *Scripted) OnResponse(ctx context.Context, c *Context) (Result, error) {
	return s.run(ctx, c)
}

func (s *Scripted) OnError(ctx context.Context, c *Context) (Result, error) {
	return s.run(ctx, c)
}

func (s *Scripted) run(ctx context.Context, c *Context) (Result, error) {
	out, err := s.runtime.Run(ctx, s.script, s.config, c)
	if err != nil {
		return Result{}, scriptFailure(err)
	}
	return Result{
		Action:      Action(out.Action),
		Status:      out.Status,
		Code:        out.Code,
		Message:     out.Message,
		Body:        out.Body,
		ContentType: out.ContentType,
	}, nil
}

// scriptFailure maps sandbox violations to execution-class gateway errors.
func scriptFailure(err error) *errors.GatewayError {
	if ge, ok := errors.IsGatewayError(err); ok {
		return ge
	}
	detail := "plugin script failed"
	switch {
	case stderrors.Is(err, sandbox.ErrTimeout):
		detail = "plugin script exceeded its execution timeout"
	case stderrors.Is(err, sandbox.ErrMemory):
		detail = "plugin script exceeded its memory limit"
	}
	return errors.ErrPluginExecution.WithDetail(detail).Wrap(err)
}

// Invalid returns the 400 error a plugin raises for malformed input.
func Invalid(format string, args ...any) *errors.GatewayError {
	return errors.ErrPluginInvalid.WithDetail(fmt.Sprintf(format, args...))
}
