package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/merge"
	"github.com/wudi/oagw/internal/model"
)

// Observer is notified after every plugin invocation.
type Observer func(ref string, phase model.Phase, action Action, err error, elapsed time.Duration)

// Pipeline builds per-call plugin chains from merged configuration.
type Pipeline struct {
	registry *Registry
	observe  Observer
}

// NewPipeline creates a Pipeline. observe may be nil.
func NewPipeline(reg *Registry, observe Observer) *Pipeline {
	return &Pipeline{registry: reg, observe: observe}
}

// Registry returns the registry the pipeline binds against.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Chain is the ordered plugin list of one call.
type Chain struct {
	auth *Bound
	// ordered is upstream guards, upstream transforms, route guards and
	// route transforms, in that order.
	ordered []*Bound
	observe Observer
}

// Build binds the effective auth and plugin bindings of a call. A call
// without configured auth gets NoAuth, so the auth stage always runs.
func (p *Pipeline) Build(eff merge.Effective) (*Chain, error) {
	c := &Chain{observe: p.observe}

	auth := model.PluginBinding{Ref: NoAuth, Phase: model.PhaseRequest}
	if eff.Auth != nil && eff.Auth.Type != "" {
		auth = AuthBinding(eff.Auth)
	}
	b, err := p.registry.Bind(auth)
	if err != nil {
		return nil, err
	}
	if b.Kind != KindAuth {
		return nil, errors.ErrPluginExecution.WithDetail(fmt.Sprintf("plugin %s is not an auth plugin", b.Ref))
	}
	c.auth = b

	for _, bindings := range [][]model.PluginBinding{eff.UpstreamPlugins, eff.RoutePlugins} {
		var guards, transforms []*Bound
		for _, binding := range bindings {
			b, err := p.registry.Bind(binding)
			if err != nil {
				return nil, err
			}
			switch b.Kind {
			case KindGuard:
				guards = append(guards, b)
			case KindTransform:
				transforms = append(transforms, b)
			default:
				return nil, errors.ErrPluginExecution.WithDetail(fmt.Sprintf("plugin %s cannot be bound as a %s plugin", b.Ref, b.Kind))
			}
		}
		c.ordered = append(c.ordered, guards...)
		c.ordered = append(c.ordered, transforms...)
	}
	return c, nil
}

// AuthBinding turns an auth dimension into the binding of its auth plugin.
// The secret reference is passed in the config under "secret_ref".
func AuthBinding(a *model.AuthConfig) model.PluginBinding {
	cfg := make(map[string]any, len(a.Config)+1)
	for k, v := range a.Config {
		cfg[k] = v
	}
	if a.SecretRef != "" {
		cfg["secret_ref"] = a.SecretRef
	}
	return model.PluginBinding{Ref: a.Type, Phase: model.PhaseRequest, Config: cfg}
}

// Refs lists the bound plugin references in request order.
func (c *Chain) Refs() []string {
	var out []string
	if c.auth != nil {
		out = append(out, c.auth.Ref)
	}
	for _, b := range c.ordered {
		out = append(out, b.Ref)
	}
	return out
}

// RunRequest runs the auth plugin and then every on_request binding,
// stopping at the first non-Next result.
func (c *Chain) RunRequest(ctx context.Context, pc *Context) (Result, error) {
	pc.SetPhase(model.PhaseRequest)
	if c.auth != nil {
		if res, err := c.invoke(ctx, c.auth, pc); err != nil || res.Action != ActionNext {
			return res, err
		}
	}
	for _, b := range c.ordered {
		if b.Phase != model.PhaseRequest {
			continue
		}
		if res, err := c.invoke(ctx, b, pc); err != nil || res.Action != ActionNext {
			return res, err
		}
	}
	return Next(), nil
}

// RunResponse runs on_response bindings in reverse request order.
func (c *Chain) RunResponse(ctx context.Context, pc *Context) (Result, error) {
	return c.runReverse(ctx, model.PhaseResponse, pc)
}

// RunError runs on_error bindings in reverse request order.
func (c *Chain) RunError(ctx context.Context, pc *Context) (Result, error) {
	return c.runReverse(ctx, model.PhaseError, pc)
}

func (c *Chain) runReverse(ctx context.Context, phase model.Phase, pc *Context) (Result, error) {
	pc.SetPhase(phase)
	for i := len(c.ordered) - 1; i >= 0; i-- {
		b := c.ordered[i]
		if b.Phase != phase {
			continue
		}
		if res, err := c.invoke(ctx, b, pc); err != nil || res.Action != ActionNext {
			return res, err
		}
	}
	return Next(), nil
}

func (c *Chain) invoke(ctx context.Context, b *Bound, pc *Context) (res Result, err error) {
	if b.when != nil {
		ok, werr := b.when.Eval(whenEnv(pc))
		if werr != nil {
			return Result{}, errors.ErrPluginExecution.WithDetail(fmt.Sprintf("plugin %s: when expression failed", b.Ref)).Wrap(werr)
		}
		if !ok {
			return Next(), nil
		}
	}

	start := time.Now()
	pc.config = b.Binding.Config
	defer func() {
		pc.config = nil
		if rec := recover(); rec != nil {
			res = Result{}
			err = errors.ErrPluginExecution.WithDetail(fmt.Sprintf("plugin %s failed", b.Ref)).Wrap(fmt.Errorf("panic: %v", rec))
		}
		if c.observe != nil {
			c.observe(b.Ref, pc.phase, res.Action, err, time.Since(start))
		}
	}()

	var hook func(context.Context, *Context) (Result, error)
	switch pc.phase {
	case model.PhaseResponse:
		hook = b.Plugin.OnResponse
	case model.PhaseError:
		hook = b.Plugin.OnError
	default:
		hook = b.Plugin.OnRequest
	}
	res, err = hook(ctx, pc)
	if err != nil {
		if ge, ok := errors.IsGatewayError(err); ok {
			return Result{}, ge
		}
		return Result{}, errors.ErrPluginExecution.WithDetail(fmt.Sprintf("plugin %s failed", b.Ref)).Wrap(err)
	}
	return res, nil
}
