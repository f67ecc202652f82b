// Package sandbox runs untrusted plugin scripts in a restricted Lua
// interpreter.
//
// Every call gets a fresh interpreter state seeded only with the binding
// config and the call surface. Scripts have no io, os, package or debug
// library, no way to load further code, and run under a wall-clock deadline.
// Memory is bounded by a fixed value stack, a fixed call depth and a byte
// budget. Scripts are rewritten at compile time so that concatenation, loops
// and function calls report to the host, which keeps a running estimate of
// the memory the script holds and aborts it past the budget.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/wudi/oagw/internal/logging"
)

var (
	// ErrTimeout is returned when a script exceeds its wall-clock budget.
	ErrTimeout = errors.New("sandbox: script exceeded its execution timeout")
	// ErrMemory is returned when a script exceeds its memory budget.
	ErrMemory = errors.New("sandbox: script exceeded its memory limit")
)

// ScriptError is a runtime error raised by script code.
type ScriptError struct {
	Script string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("sandbox: script %s: %v", e.Script, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Limits bounds a single script invocation.
type Limits struct {
	Timeout time.Duration `yaml:"timeout"`
	// MaxMemory is the byte budget for the values a script holds.
	MaxMemory int64 `yaml:"max_memory"`
	// CallStackSize bounds Lua call depth.
	CallStackSize int `yaml:"call_stack_size"`
	// MaxRegistrySize bounds the Lua value stack, in slots.
	MaxRegistrySize int `yaml:"max_registry_size"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Timeout:         100 * time.Millisecond,
		MaxMemory:       8 << 20,
		CallStackSize:   128,
		MaxRegistrySize: 64 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.Timeout <= 0 {
		l.Timeout = d.Timeout
	}
	if l.MaxMemory <= 0 {
		l.MaxMemory = d.MaxMemory
	}
	if l.CallStackSize <= 0 {
		l.CallStackSize = d.CallStackSize
	}
	if l.MaxRegistrySize <= 0 {
		l.MaxRegistrySize = d.MaxRegistrySize
	}
	return l
}

// Script is a compiled plugin script. It is immutable and safe to share
// between concurrent invocations.
type Script struct {
	name  string
	proto *lua.FunctionProto
}

// Name returns the script name used in errors and logs.
func (s *Script) Name() string { return s.name }

// Compile parses and compiles Lua source.
func Compile(name, source string) (*Script, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("sandbox: parse %s: %w", name, err)
	}
	proto, err := lua.Compile(instrument(chunk), name)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile %s: %w", name, err)
	}
	return &Script{name: name, proto: proto}, nil
}

// Runtime executes compiled scripts.
type Runtime struct {
	limits Limits
	logger *zap.Logger
}

// New creates a Runtime. Zero fields of limits take their defaults.
func New(limits Limits) *Runtime {
	return &Runtime{limits: limits.withDefaults(), logger: logging.Global()}
}

// Limits returns the effective limits.
func (r *Runtime) Limits() Limits { return r.limits }

// unsafeBase lists base functions that load code, touch the host or expose
// interpreter internals.
var unsafeBase = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"collectgarbage", "getfenv", "setfenv", "newproxy", "print", "_printregs",
}

func (r *Runtime) newState(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   r.limits.CallStackSize,
		RegistrySize:    1024,
		RegistryMaxSize: r.limits.MaxRegistrySize,
	})
	// Open only safe libraries.
	lua.OpenBase(L)
	lua.OpenString(L)
	lua.OpenTable(L)
	lua.OpenMath(L)
	L.SetTop(0)
	for _, name := range unsafeBase {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)
	return L
}

// Run executes s for the current phase of host. The chunk body runs first;
// when it makes no decision, the global function named after the phase
// (on_request, on_response or on_error) is called if the script defines
// it. A script that makes no decision continues the pipeline.
func (r *Runtime) Run(ctx context.Context, s *Script, config map[string]any, host Host) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.limits.Timeout)
	defer cancel()

	L := r.newState(ctx)
	defer L.Close()

	st := &state{
		host:   host,
		mem:    newMeter(r.limits.MaxMemory, cancel),
		logger: r.logger.With(zap.String("script", s.name)),
	}
	st.install(L, config)

	err := L.CallByParam(lua.P{Fn: L.NewFunctionFromProto(s.proto), NRet: 0, Protect: true},
		L.NewFunction(st.tick), L.NewFunction(st.concat))
	if err == nil && !st.decided {
		if fn, ok := L.GetGlobal(host.Phase()).(*lua.LFunction); ok {
			err = L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
		}
	}

	switch {
	case st.mem.over:
		return Outcome{}, ErrMemory
	case st.decided:
		return st.outcome, nil
	case err == nil:
		return Outcome{Action: ActionNext}, nil
	case ctx.Err() != nil:
		return Outcome{}, ErrTimeout
	case isOverflow(err):
		return Outcome{}, ErrMemory
	case st.hostErr != nil:
		// Keep the host's classification of an uncaught body failure.
		return Outcome{}, &ScriptError{Script: s.name, Err: st.hostErr}
	default:
		return Outcome{}, &ScriptError{Script: s.name, Err: err}
	}
}

func isOverflow(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "registry overflow") || strings.Contains(msg, "stack overflow")
}
