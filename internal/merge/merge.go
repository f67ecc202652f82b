// Package merge computes the effective auth, rate-limit, plugin and CORS
// configuration of a call from the definitions of its alias along the tenant
// chain.
//
// Each layer's sharing mode governs what its descendants see:
//
//   - private: descendants start from nothing.
//   - inherit: descendants see the value and may replace it when the tenant
//     holds the matching grant. Overrides without a grant are ignored whole.
//   - enforce: the value becomes a ceiling. Descendants may only tighten it,
//     and the ceiling survives any private or inherit layer below it.
//
// Merge is a pure function of its input.
package merge

import (
	"fmt"
	"sort"

	"github.com/wudi/oagw/internal/model"
)

// Layer is one definition of the alias, owned by a tenant in the chain.
type Layer struct {
	Upstream *model.Upstream
	// Grants are the override permissions of the owning tenant.
	Grants model.Grants
}

// Effective is the per-request configuration after merging.
type Effective struct {
	Auth            *model.AuthConfig
	RateLimit       *model.RateLimitConfig
	UpstreamPlugins []model.PluginBinding
	RoutePlugins    []model.PluginBinding
	CORS            *model.CORSConfig
}

// Violation is an override a tenant attempted without the required grant.
type Violation struct {
	TenantID  string
	Alias     string
	Dimension string
	Grant     string
}

func (v Violation) Error() string {
	return fmt.Sprintf("tenant %s overrides inherited %s of alias %q without the %s grant",
		v.TenantID, v.Dimension, v.Alias, v.Grant)
}

type dimension[T any] struct {
	name    string
	grant   string
	get     func(u *model.Upstream) (model.SharingMode, *T)
	granted func(g model.Grants) bool
	// enforce combines an enforced ceiling with the local value.
	enforce func(ceiling, local *T, granted bool) *T
}

var (
	authDim = dimension[model.AuthConfig]{
		name:  "auth",
		grant: "override_auth",
		get: func(u *model.Upstream) (model.SharingMode, *model.AuthConfig) {
			return u.Auth.Mode, u.Auth.Value
		},
		granted: func(g model.Grants) bool { return g.OverrideAuth },
		enforce: enforceAuth,
	}
	rateDim = dimension[model.RateLimitConfig]{
		name:  "rate_limit",
		grant: "override_rate",
		get: func(u *model.Upstream) (model.SharingMode, *model.RateLimitConfig) {
			return u.RateLimit.Mode, u.RateLimit.Value
		},
		granted: func(g model.Grants) bool { return g.OverrideRate },
		enforce: func(ceiling, local *model.RateLimitConfig, _ bool) *model.RateLimitConfig {
			return TightenRate(ceiling, local)
		},
	}
	pluginDim = dimension[[]model.PluginBinding]{
		name:  "plugins",
		grant: "add_plugins",
		get: func(u *model.Upstream) (model.SharingMode, *[]model.PluginBinding) {
			if len(u.Plugins.Value) == 0 {
				return u.Plugins.Mode, nil
			}
			return u.Plugins.Mode, &u.Plugins.Value
		},
		granted: func(g model.Grants) bool { return g.AddPlugins },
		enforce: enforcePlugins,
	}
	corsDim = dimension[model.CORSConfig]{
		name:  "cors",
		grant: "",
		get: func(u *model.Upstream) (model.SharingMode, *model.CORSConfig) {
			return u.CORS.Mode, u.CORS.Value
		},
		granted: func(model.Grants) bool { return true },
		enforce: func(ceiling, local *model.CORSConfig, _ bool) *model.CORSConfig {
			return IntersectCORS(ceiling, local)
		},
	}
)

// walk resolves one dimension over layers ordered root first. onIgnored is
// called for each override dropped for lack of a grant.
func walk[T any](d dimension[T], layers []Layer, onIgnored func(i int)) *T {
	var inherited, ceiling, eff *T
	for i, l := range layers {
		mode, local := d.get(l.Upstream)
		granted := d.granted(l.Grants)

		switch {
		case ceiling != nil:
			// inherited is nearer than the ceiling and already within it.
			base := ceiling
			if inherited != nil {
				base = inherited
			}
			eff = d.enforce(base, local, granted)
		case inherited == nil:
			eff = local
		case local == nil:
			eff = inherited
		case granted:
			eff = local
		default:
			eff = inherited
			if onIgnored != nil {
				onIgnored(i)
			}
		}

		switch mode.Normalize() {
		case model.SharingInherit:
			inherited = eff
		case model.SharingEnforce:
			inherited = eff
			ceiling = eff
		default:
			inherited = nil
		}
	}
	return eff
}

// Merge computes the effective configuration for layers (root first) and
// the matched route.
func Merge(layers []Layer, route *model.Route) Effective {
	var eff Effective
	if len(layers) == 0 {
		return eff
	}
	eff.Auth = walk(authDim, layers, nil)
	eff.RateLimit = walk(rateDim, layers, nil)
	eff.CORS = walk(corsDim, layers, nil)
	if p := walk(pluginDim, layers, nil); p != nil {
		eff.UpstreamPlugins = sortBindings(*p)
	}
	if route != nil && len(route.Plugins) > 0 {
		eff.RoutePlugins = sortBindings(route.Plugins)
	}
	return eff
}

// Validate reports every override in layers that lacks its grant. Config
// loading rejects the whole configuration when any are found.
func Validate(layers []Layer) []Violation {
	var out []Violation
	collect := func(name, grant string) func(int) {
		return func(i int) {
			u := layers[i].Upstream
			out = append(out, Violation{TenantID: u.TenantID, Alias: u.Alias, Dimension: name, Grant: grant})
		}
	}
	walk(authDim, layers, collect(authDim.name, authDim.grant))
	walk(rateDim, layers, collect(rateDim.name, rateDim.grant))
	walk(pluginDim, layers, collect(pluginDim.name, pluginDim.grant))
	return out
}

func sortBindings(in []model.PluginBinding) []model.PluginBinding {
	out := make([]model.PluginBinding, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// enforceAuth keeps the enforced requirement. A granted child may only
// swap credentials for the same auth type.
func enforceAuth(ceiling, local *model.AuthConfig, granted bool) *model.AuthConfig {
	if local != nil && granted && local.Type == ceiling.Type {
		return local
	}
	return ceiling
}

// enforcePlugins keeps every enforced binding and appends the child's
// bindings only when it holds add_plugins.
func enforcePlugins(ceiling, local *[]model.PluginBinding, granted bool) *[]model.PluginBinding {
	if local == nil || !granted {
		return ceiling
	}
	out := make([]model.PluginBinding, 0, len(*ceiling)+len(*local))
	out = append(out, *ceiling...)
	out = append(out, *local...)
	return &out
}

// TightenRate returns local clamped to the ceiling: the lower sustained
// rate, the smaller burst capacity and the higher per-call cost.
func TightenRate(ceiling, local *model.RateLimitConfig) *model.RateLimitConfig {
	if local == nil {
		return ceiling
	}
	out := *local
	if ceiling.Sustained.PerSecond() < local.Sustained.PerSecond() {
		out.Sustained = ceiling.Sustained
	}
	if capacity := ceiling.Capacity(); out.Capacity() > capacity {
		out.Burst = &model.Burst{Capacity: capacity}
	}
	if ceiling.CallCost() > out.CallCost() {
		out.Cost = ceiling.CallCost()
	}
	return &out
}

// IntersectCORS narrows local to what the ceiling permits.
func IntersectCORS(ceiling, local *model.CORSConfig) *model.CORSConfig {
	if local == nil {
		return ceiling
	}
	out := model.CORSConfig{
		AllowedOrigins:   intersect(ceiling.AllowedOrigins, local.AllowedOrigins),
		AllowedMethods:   intersect(ceiling.AllowedMethods, local.AllowedMethods),
		AllowedHeaders:   intersect(ceiling.AllowedHeaders, local.AllowedHeaders),
		ExposeHeaders:    intersect(ceiling.ExposeHeaders, local.ExposeHeaders),
		AllowCredentials: ceiling.AllowCredentials && local.AllowCredentials,
		MaxAge:           local.MaxAge,
	}
	if ceiling.MaxAge > 0 && (out.MaxAge <= 0 || ceiling.MaxAge < out.MaxAge) {
		out.MaxAge = ceiling.MaxAge
	}
	return &out
}

// intersect returns the values allowed by both lists. "*" is unrestricted.
func intersect(a, b []string) []string {
	if contains(a, "*") {
		return b
	}
	if contains(b, "*") {
		return a
	}
	var out []string
	for _, v := range b {
		if contains(a, v) {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
