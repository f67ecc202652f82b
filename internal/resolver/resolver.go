// Package resolver maps (tenant, alias, method, path, query) to the upstream,
// route and endpoint a proxied call is forwarded to.
package resolver

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/model"
	"github.com/wudi/oagw/internal/provider"
	"github.com/wudi/oagw/internal/tenant"
)

// Request is the resolver input.
type Request struct {
	Chain  tenant.Chain
	Alias  string
	Host   string
	Method string
	// Path is the inbound path after the alias segment, e.g. "/v1/items".
	Path  string
	Query url.Values
}

// Result is a resolved call target.
type Result struct {
	// Upstream is the nearest definition of the alias.
	Upstream *model.Upstream
	// Layers are every definition of the alias along the chain, root first.
	// The last element is Upstream.
	Layers   []*model.Upstream
	Route    *model.Route
	Endpoint model.Endpoint
	// TargetPath is the path sent to the upstream.
	TargetPath string
}

// Resolver resolves proxy calls against a config provider.
type Resolver struct {
	provider provider.Provider
}

// New creates a Resolver.
func New(p provider.Provider) *Resolver {
	return &Resolver{provider: p}
}

// Resolve finds the upstream, route and endpoint for req. All not-found
// outcomes return the same error so no cross-tenant existence leaks.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	layers, err := r.ResolveUpstream(ctx, req.Chain, req.Alias)
	if err != nil {
		return nil, err
	}
	up := layers[len(layers)-1]

	routes, err := r.provider.GetRoutes(ctx, up.ID)
	if err != nil {
		return nil, errors.ErrInternal.WithDetail("route lookup failed").Wrap(err)
	}

	path, err := cleanPath(req.Path)
	if err != nil {
		return nil, err
	}
	route, suffix := MatchRoute(routes, req.Method, path)
	if route == nil {
		return nil, errors.NotFound()
	}

	target, err := TargetPath(route, suffix)
	if err != nil {
		return nil, err
	}
	if err := CheckQuery(route, req.Query); err != nil {
		return nil, err
	}

	ep, err := SelectEndpoint(up, req.Host)
	if err != nil {
		return nil, err
	}

	return &Result{
		Upstream:   up,
		Layers:     layers,
		Route:      route,
		Endpoint:   ep,
		TargetPath: target,
	}, nil
}

// ResolveUpstream returns every definition of alias visible from chain, root
// first. The nearest tenant's definition (the last element) shadows the rest.
func (r *Resolver) ResolveUpstream(ctx context.Context, chain tenant.Chain, alias string) ([]*model.Upstream, error) {
	if alias == "" {
		return nil, errors.NotFound()
	}
	rest := chain.NearestFirst()
	var nearestFirst []*model.Upstream
	for len(rest) > 0 {
		u, err := r.provider.GetUpstreamByAlias(ctx, rest, alias)
		if stderrors.Is(err, provider.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, errors.ErrInternal.WithDetail("upstream lookup failed").Wrap(err)
		}
		nearestFirst = append(nearestFirst, u)

		idx := indexOf(rest, u.TenantID)
		if idx < 0 {
			// Provider returned an upstream outside the chain.
			return nil, errors.ErrInternal.WithDetail("upstream lookup failed").
				Wrap(fmt.Errorf("upstream %s owned by %s is outside the tenant chain", u.ID, u.TenantID))
		}
		rest = rest[idx+1:]
	}
	if len(nearestFirst) == 0 {
		return nil, errors.NotFound()
	}

	layers := make([]*model.Upstream, len(nearestFirst))
	for i, u := range nearestFirst {
		layers[len(nearestFirst)-1-i] = u
	}
	return layers, nil
}

func indexOf(s []string, v string) int {
	for i := range s {
		if s[i] == v {
			return i
		}
	}
	return -1
}

// cleanPath normalizes the inbound path and refuses dot segments.
func cleanPath(p string) (string, error) {
	if p == "" {
		return "/", nil
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return "", errors.Validation("path must not contain dot segments")
		}
	}
	return p, nil
}

func normalizeRoutePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

// MatchRoute picks the enabled route with the longest path prefix of path
// whose method allowlist admits method. It returns the route and the part of
// path beyond the route path.
func MatchRoute(routes []model.Route, method, path string) (*model.Route, string) {
	var (
		best    *model.Route
		bestLen = -1
		suffix  string
	)
	for i := range routes {
		rt := &routes[i]
		if !rt.IsEnabled() || !rt.AllowsMethod(method) {
			continue
		}
		rp := normalizeRoutePath(rt.Path)
		var rest string
		switch {
		case rp == "/":
			rest = path
			if rest == "/" {
				rest = ""
			}
		case path == rp:
			rest = ""
		case strings.HasPrefix(path, rp+"/"):
			rest = path[len(rp):]
		default:
			continue
		}
		if len(rp) > bestLen {
			best, bestLen, suffix = rt, len(rp), rest
		}
	}
	return best, suffix
}

// TargetPath computes the outbound path for a matched route.
func TargetPath(rt *model.Route, suffix string) (string, error) {
	rp := normalizeRoutePath(rt.Path)
	if suffix == "" {
		return rp, nil
	}
	if rt.PathSuffixMode != model.PathSuffixAppend {
		return "", errors.Validation("path suffix %q is not allowed for this route", suffix)
	}
	suffix = "/" + strings.TrimLeft(suffix, "/")
	if rp == "/" {
		return suffix, nil
	}
	return rp + suffix, nil
}

// CheckQuery rejects query parameters outside the route allowlist. A nil
// allowlist admits all parameters; an empty one admits none.
func CheckQuery(rt *model.Route, query url.Values) error {
	if rt.QueryAllowlist == nil || len(query) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(rt.QueryAllowlist))
	for _, q := range rt.QueryAllowlist {
		allowed[q] = true
	}
	var rejected []string
	for k := range query {
		if !allowed[k] {
			rejected = append(rejected, k)
		}
	}
	if len(rejected) == 0 {
		return nil
	}
	sort.Strings(rejected)
	return errors.Validation("query parameter %q is not allowed", rejected[0])
}

// SelectEndpoint chooses the endpoint for a call. When the endpoints span
// several hosts sharing the alias suffix they form a pool and the inbound
// Host header must name one of them. Among candidates the lowest priority
// value wins.
func SelectEndpoint(u *model.Upstream, inboundHost string) (model.Endpoint, error) {
	if len(u.Endpoints) == 0 {
		return model.Endpoint{}, errors.ErrUnavailable.WithDetail("upstream has no endpoints")
	}

	candidates := u.Endpoints
	if isPool(u) {
		host := stripPort(inboundHost)
		if host == "" {
			return model.Endpoint{}, errors.Validation("Host header is required to select an endpoint of alias %q", u.Alias)
		}
		candidates = nil
		for _, ep := range u.Endpoints {
			if strings.EqualFold(ep.Host, host) {
				candidates = append(candidates, ep)
			}
		}
		if len(candidates) == 0 {
			return model.Endpoint{}, errors.Validation("Host %q is not a member of alias %q", host, u.Alias)
		}
	}

	best := candidates[0]
	for _, ep := range candidates[1:] {
		if ep.Priority < best.Priority {
			best = ep
		}
	}
	return best, nil
}

// isPool reports whether the endpoints name several hosts whose common
// domain suffix is also a suffix of the alias. Unrelated hosts are a
// failover list selected by priority.
func isPool(u *model.Upstream) bool {
	if distinctHosts(u.Endpoints) < 2 {
		return false
	}
	suffix := strings.Split(strings.ToLower(u.Endpoints[0].Host), ".")
	for _, ep := range u.Endpoints[1:] {
		suffix = commonSuffix(suffix, strings.Split(strings.ToLower(ep.Host), "."))
	}
	// A bare TLD is not a shared suffix.
	if len(suffix) < 2 {
		return false
	}
	alias := strings.ToLower(stripPort(u.Alias))
	common := strings.Join(suffix, ".")
	return alias == common || strings.HasSuffix(alias, "."+common)
}

func commonSuffix(a, b []string) []string {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return a[len(a)-n:]
}

func distinctHosts(eps []model.Endpoint) int {
	seen := make(map[string]struct{}, len(eps))
	for _, ep := range eps {
		seen[strings.ToLower(ep.Host)] = struct{}{}
	}
	return len(seen)
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
