package config

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wudi/oagw/internal/merge"
	"github.com/wudi/oagw/internal/model"
	"github.com/wudi/oagw/internal/plugin"
	"github.com/wudi/oagw/internal/provider"
	"github.com/wudi/oagw/internal/resolver"
	"github.com/wudi/oagw/internal/tenant"
)

var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validSchemes = map[model.Protocol]map[string]bool{
	model.ProtocolHTTP: {"": true, "http": true, "https": true, "ws": true, "wss": true},
	model.ProtocolGRPC: {"": true, "http": true, "https": true, "grpc": true, "grpcs": true},
}

// Validate checks cfg for errors. All problems are reported together.
// It also builds the provider once, so tenant cycles, duplicate aliases
// and inherit overrides lacking a grant are caught at load time.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Listen.Address == "" {
		add("listen.address is required")
	}
	if cfg.Listen.TLS.Enabled && (cfg.Listen.TLS.CertFile == "" || cfg.Listen.TLS.KeyFile == "") {
		add("listen.tls: cert_file and key_file are required when enabled")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		add("admin.address is required when admin is enabled")
	}
	if cfg.Proxy.MaxBodySize <= 0 {
		add("proxy.max_body_size must be > 0")
	}
	if cfg.Proxy.MaxResponseBodySize < 0 {
		add("proxy.max_response_body_size must not be negative")
	}

	switch cfg.RateLimitStore.Type {
	case "", StoreLocal:
	case StoreRedis:
		if cfg.RateLimitStore.Redis.Address == "" {
			add("rate_limit_store: redis store requires redis.address")
		}
	default:
		add("rate_limit_store: unknown type %q", cfg.RateLimitStore.Type)
	}
	if err := cfg.Audit.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1) {
		add("tracing.sample_rate must be within [0, 1]")
	}

	tenants := make(map[string]bool, len(cfg.Tenants))
	for i, t := range cfg.Tenants {
		if t.ID == "" {
			add("tenant %d: id is required", i)
			continue
		}
		if tenants[t.ID] {
			add("duplicate tenant id: %s", t.ID)
		}
		tenants[t.ID] = true
	}
	for _, t := range cfg.Tenants {
		if t.ParentID != "" && !tenants[t.ParentID] {
			add("tenant %s: unknown parent %s", t.ID, t.ParentID)
		}
	}

	upstreams := make(map[string]*model.Upstream, len(cfg.Upstreams))
	for i := range cfg.Upstreams {
		u := &cfg.Upstreams[i]
		if u.ID == "" {
			add("upstream %d: id is required", i)
			continue
		}
		if upstreams[u.ID] != nil {
			add("duplicate upstream id: %s", u.ID)
		}
		upstreams[u.ID] = u
		for _, err := range validateUpstream(u, tenants) {
			errs = append(errs, fmt.Errorf("upstream %s: %w", u.ID, err))
		}
	}

	routeIDs := make(map[string]bool, len(cfg.Routes))
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.ID == "" {
			add("route %d: id is required", i)
			continue
		}
		if routeIDs[r.ID] {
			add("duplicate route id: %s", r.ID)
		}
		routeIDs[r.ID] = true
		for _, err := range validateRoute(r, upstreams[r.UpstreamID]) {
			errs = append(errs, fmt.Errorf("route %s: %w", r.ID, err))
		}
	}

	if len(errs) > 0 {
		return stderrors.Join(errs...)
	}

	mem, err := BuildProvider(cfg)
	if err != nil {
		return err
	}
	return checkGrants(mem)
}

func validateUpstream(u *model.Upstream, tenants map[string]bool) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if u.TenantID == "" {
		add("tenant is required")
	} else if !tenants[u.TenantID] {
		add("unknown tenant %s", u.TenantID)
	}
	if u.Alias == "" {
		add("alias is required")
	}
	proto := u.Protocol
	if proto == "" {
		proto = model.ProtocolHTTP
	}
	schemes, ok := validSchemes[proto]
	if !ok {
		add("unknown protocol %q", u.Protocol)
	}
	if len(u.Endpoints) == 0 {
		add("at least one endpoint is required")
	}
	for j, ep := range u.Endpoints {
		if ep.Host == "" {
			add("endpoint %d: host is required", j)
		}
		if ep.Port < 0 || ep.Port > 65535 {
			add("endpoint %d: invalid port %d", j, ep.Port)
		}
		if schemes != nil && !schemes[strings.ToLower(ep.Scheme)] {
			add("endpoint %d: scheme %q is not valid for protocol %s", j, ep.Scheme, proto)
		}
	}

	for name, mode := range map[string]model.SharingMode{
		"auth":       u.Auth.Mode,
		"rate_limit": u.RateLimit.Mode,
		"plugins":    u.Plugins.Mode,
		"cors":       u.CORS.Mode,
	} {
		if !mode.Valid() {
			add("%s: unknown sharing mode %q", name, mode)
		}
	}
	if a := u.Auth.Value; a != nil && a.Type == "" {
		add("auth: type is required")
	}
	if rl := u.RateLimit.Value; rl != nil {
		if err := rl.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c := u.CORS.Value; c != nil {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, b := range u.Plugins.Value {
		if err := validatePhase(b); err != nil {
			errs = append(errs, err)
		}
	}
	if u.MaxBodySize < 0 {
		add("max_body_size must not be negative")
	}
	return errs
}

func validateRoute(r *model.Route, u *model.Upstream) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if u == nil {
		add("references unknown upstream %q", r.UpstreamID)
	}
	if !strings.HasPrefix(r.Path, "/") {
		add("path must start with /")
	}
	for _, m := range r.Methods {
		if !validHTTPMethods[strings.ToUpper(m)] {
			add("invalid method %q", m)
		}
	}
	switch r.PathSuffixMode {
	case "", model.PathSuffixDisabled, model.PathSuffixAppend:
	default:
		add("unknown path_suffix_mode %q", r.PathSuffixMode)
	}
	if r.GRPC != nil {
		if r.GRPC.Service == "" || r.GRPC.Method == "" {
			add("grpc: service and method are required")
		}
		if u != nil && u.Protocol != model.ProtocolGRPC {
			add("grpc target requires a grpc upstream")
		}
		if len(r.Methods) > 0 && !(len(r.Methods) == 1 && strings.EqualFold(r.Methods[0], http.MethodPost)) {
			add("grpc routes accept POST only")
		}
	}
	for _, b := range r.Plugins {
		if err := validatePhase(b); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func validatePhase(b model.PluginBinding) error {
	switch b.Phase {
	case "", model.PhaseRequest, model.PhaseResponse, model.PhaseError:
		return nil
	}
	return fmt.Errorf("plugin %s: unknown phase %q", b.Ref, b.Phase)
}

// checkGrants rejects any override of an inherited dimension whose tenant
// lacks the matching grant.
func checkGrants(mem *provider.Memory) error {
	ctx := context.Background()
	res := resolver.New(mem)
	tenants := tenant.NewResolver(mem)

	var errs []error
	for _, u := range mem.Upstreams() {
		chain, err := tenants.Chain(ctx, u.TenantID)
		if err != nil {
			return err
		}
		defs, err := res.ResolveUpstream(ctx, chain, u.Alias)
		if err != nil || defs[len(defs)-1].ID != u.ID {
			continue
		}
		layers := make([]merge.Layer, len(defs))
		for i, d := range defs {
			g, _ := mem.GetTenantGrants(ctx, d.TenantID)
			layers[i] = merge.Layer{Upstream: d, Grants: g}
		}
		for _, v := range merge.Validate(layers) {
			errs = append(errs, v)
		}
	}
	return stderrors.Join(errs...)
}

// ValidatePlugins binds every plugin reference against reg, reporting
// unknown plugins, invalid configs and bad when expressions.
func ValidatePlugins(cfg *Config, reg *plugin.Registry) error {
	var errs []error
	for _, u := range cfg.Upstreams {
		for _, b := range u.Plugins.Value {
			if err := reg.Validate(b); err != nil {
				errs = append(errs, fmt.Errorf("upstream %s: %w", u.ID, err))
			}
		}
		if u.Auth.Value != nil {
			if err := reg.Validate(plugin.AuthBinding(u.Auth.Value)); err != nil {
				errs = append(errs, fmt.Errorf("upstream %s: auth type %q: %w", u.ID, u.Auth.Value.Type, err))
			}
		}
	}
	for _, r := range cfg.Routes {
		for _, b := range r.Plugins {
			if err := reg.Validate(b); err != nil {
				errs = append(errs, fmt.Errorf("route %s: %w", r.ID, err))
			}
		}
	}
	return stderrors.Join(errs...)
}
