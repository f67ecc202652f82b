package merge

import (
	"reflect"
	"testing"
	"time"

	"github.com/wudi/oagw/internal/model"
)

func rate(n int64) *model.RateLimitConfig {
	return &model.RateLimitConfig{
		Algorithm: model.AlgorithmTokenBucket,
		Sustained: model.Sustained{Rate: n, Window: time.Second},
	}
}

func up(tenant string) *model.Upstream {
	return &model.Upstream{ID: "u-" + tenant, TenantID: tenant, Alias: "api"}
}

func TestEnforceRateIsMin(t *testing.T) {
	for _, tc := range []struct{ parent, child, want int64 }{
		{100, 10, 10},
		{5, 10, 5},
		{7, 7, 7},
	} {
		p, c := up("p"), up("c")
		p.RateLimit = model.RateLimitDimension{Mode: model.SharingEnforce, Value: rate(tc.parent)}
		c.RateLimit = model.RateLimitDimension{Value: rate(tc.child)}

		// No grant is needed to tighten an enforced limit.
		eff := Merge([]Layer{{Upstream: p}, {Upstream: c}}, nil)
		if eff.RateLimit.Sustained.Rate != tc.want {
			t.Errorf("enforce(%d, %d) = %d, want %d", tc.parent, tc.child, eff.RateLimit.Sustained.Rate, tc.want)
		}
	}
}

func TestEnforceCeilingSurvivesLowerLayers(t *testing.T) {
	root, mid, leaf := up("root"), up("mid"), up("leaf")
	root.RateLimit = model.RateLimitDimension{Mode: model.SharingEnforce, Value: rate(10)}
	mid.RateLimit = model.RateLimitDimension{Mode: model.SharingPrivate, Value: rate(50)}
	leaf.RateLimit = model.RateLimitDimension{Value: rate(100)}

	eff := Merge([]Layer{{Upstream: root}, {Upstream: mid}, {Upstream: leaf, Grants: model.Grants{OverrideRate: true}}}, nil)
	if eff.RateLimit.Sustained.Rate != 10 {
		t.Errorf("rate = %d, want ceiling 10", eff.RateLimit.Sustained.Rate)
	}
}

func TestEnforceClampsBurst(t *testing.T) {
	p, c := up("p"), up("c")
	p.RateLimit = model.RateLimitDimension{Mode: model.SharingEnforce, Value: rate(5)}
	child := rate(10)
	child.Burst = &model.Burst{Capacity: 50}
	c.RateLimit = model.RateLimitDimension{Value: child}

	eff := Merge([]Layer{{Upstream: p}, {Upstream: c}}, nil)
	if eff.RateLimit.Capacity() != 5 {
		t.Errorf("capacity = %d, want 5", eff.RateLimit.Capacity())
	}
}

func TestPrivateStartsFromNothing(t *testing.T) {
	p, c := up("p"), up("c")
	p.RateLimit = model.RateLimitDimension{Mode: model.SharingPrivate, Value: rate(5)}
	p.Auth = model.AuthDimension{Mode: model.SharingPrivate, Value: &model.AuthConfig{Type: "auth.bearer"}}

	eff := Merge([]Layer{{Upstream: p}, {Upstream: c}}, nil)
	if eff.RateLimit != nil || eff.Auth != nil {
		t.Errorf("private values leaked to child: %+v", eff)
	}

	c.RateLimit = model.RateLimitDimension{Value: rate(20)}
	eff = Merge([]Layer{{Upstream: p}, {Upstream: c}}, nil)
	if eff.RateLimit.Sustained.Rate != 20 {
		t.Errorf("rate = %d, want local 20", eff.RateLimit.Sustained.Rate)
	}
}

func TestInheritOverrideRequiresGrant(t *testing.T) {
	p, c := up("p"), up("c")
	p.Auth = model.AuthDimension{Mode: model.SharingInherit, Value: &model.AuthConfig{Type: "auth.bearer", SecretRef: "parent"}}
	c.Auth = model.AuthDimension{Value: &model.AuthConfig{Type: "auth.api_key_header", SecretRef: "child"}}

	layers := []Layer{{Upstream: p}, {Upstream: c}}
	eff := Merge(layers, nil)
	if eff.Auth.SecretRef != "parent" {
		t.Errorf("override without grant applied: %+v", eff.Auth)
	}
	if v := Validate(layers); len(v) != 1 || v[0].Grant != "override_auth" || v[0].TenantID != "c" {
		t.Errorf("violations = %v", v)
	}

	layers[1].Grants = model.Grants{OverrideAuth: true}
	eff = Merge(layers, nil)
	if eff.Auth.SecretRef != "child" || eff.Auth.Type != "auth.api_key_header" {
		t.Errorf("granted override not applied whole: %+v", eff.Auth)
	}
	if v := Validate(layers); len(v) != 0 {
		t.Errorf("unexpected violations %v", v)
	}
}

func TestInheritWithoutLocalValue(t *testing.T) {
	p, c := up("p"), up("c")
	p.CORS = model.CORSDimension{Mode: model.SharingInherit, Value: &model.CORSConfig{AllowedOrigins: []string{"https://a.example"}}}
	eff := Merge([]Layer{{Upstream: p}, {Upstream: c}}, nil)
	if eff.CORS == nil || eff.CORS.AllowedOrigins[0] != "https://a.example" {
		t.Errorf("inherited CORS missing: %+v", eff.CORS)
	}
}

func TestEnforceAuthCannotWeaken(t *testing.T) {
	p, c := up("p"), up("c")
	p.Auth = model.AuthDimension{Mode: model.SharingEnforce, Value: &model.AuthConfig{Type: "auth.bearer", SecretRef: "parent"}}
	c.Auth = model.AuthDimension{Value: &model.AuthConfig{Type: "auth.none"}}

	eff := Merge([]Layer{{Upstream: p}, {Upstream: c, Grants: model.Grants{OverrideAuth: true}}}, nil)
	if eff.Auth.Type != "auth.bearer" {
		t.Errorf("child weakened enforced auth: %+v", eff.Auth)
	}

	c.Auth.Value = &model.AuthConfig{Type: "auth.bearer", SecretRef: "child"}
	eff = Merge([]Layer{{Upstream: p}, {Upstream: c, Grants: model.Grants{OverrideAuth: true}}}, nil)
	if eff.Auth.SecretRef != "child" {
		t.Errorf("same-type credential swap rejected: %+v", eff.Auth)
	}
}

func TestEnforcePluginsNeedAddGrant(t *testing.T) {
	p, c := up("p"), up("c")
	p.Plugins = model.PluginDimension{Mode: model.SharingEnforce, Value: []model.PluginBinding{{Ref: "audit", Order: 1}}}
	c.Plugins = model.PluginDimension{Value: []model.PluginBinding{{Ref: "headers", Order: 0}}}

	eff := Merge([]Layer{{Upstream: p}, {Upstream: c}}, nil)
	if len(eff.UpstreamPlugins) != 1 || eff.UpstreamPlugins[0].Ref != "audit" {
		t.Errorf("plugins without grant = %v", eff.UpstreamPlugins)
	}

	eff = Merge([]Layer{{Upstream: p}, {Upstream: c, Grants: model.Grants{AddPlugins: true}}}, nil)
	refs := []string{}
	for _, b := range eff.UpstreamPlugins {
		refs = append(refs, b.Ref)
	}
	if !reflect.DeepEqual(refs, []string{"headers", "audit"}) {
		t.Errorf("plugins with grant = %v, want sorted by order", refs)
	}
}

func TestRoutePluginsLayered(t *testing.T) {
	u := up("t")
	rt := &model.Route{Plugins: []model.PluginBinding{{Ref: "b", Order: 2}, {Ref: "a", Order: 1}}}
	eff := Merge([]Layer{{Upstream: u}}, rt)
	if len(eff.RoutePlugins) != 2 || eff.RoutePlugins[0].Ref != "a" {
		t.Errorf("route plugins = %v", eff.RoutePlugins)
	}
	if rt.Plugins[0].Ref != "b" {
		t.Error("Merge reordered the route's own slice")
	}
}

func TestMergeIsDeterministic(t *testing.T) {
	p, c := up("p"), up("c")
	p.RateLimit = model.RateLimitDimension{Mode: model.SharingEnforce, Value: rate(5)}
	c.RateLimit = model.RateLimitDimension{Value: rate(10)}
	layers := []Layer{{Upstream: p}, {Upstream: c}}

	first := Merge(layers, nil)
	for i := 0; i < 5; i++ {
		if again := Merge(layers, nil); !reflect.DeepEqual(first, again) {
			t.Fatalf("merge not idempotent: %+v vs %+v", first, again)
		}
	}
}

func TestIntersectCORS(t *testing.T) {
	ceiling := &model.CORSConfig{AllowedOrigins: []string{"https://a.example", "https://b.example"}, AllowCredentials: true, MaxAge: 60}
	local := &model.CORSConfig{AllowedOrigins: []string{"https://b.example", "https://c.example"}, MaxAge: 600}
	got := IntersectCORS(ceiling, local)
	if !reflect.DeepEqual(got.AllowedOrigins, []string{"https://b.example"}) {
		t.Errorf("origins = %v", got.AllowedOrigins)
	}
	if got.AllowCredentials {
		t.Error("credentials should require both layers")
	}
	if got.MaxAge != 60 {
		t.Errorf("max age = %d, want 60", got.MaxAge)
	}
}

func TestEnforceThenInheritThenEmpty(t *testing.T) {
	root, mid, leaf := up("root"), up("mid"), up("leaf")
	root.RateLimit = model.RateLimitDimension{Mode: model.SharingEnforce, Value: rate(100)}
	mid.RateLimit = model.RateLimitDimension{Mode: model.SharingInherit, Value: rate(20)}

	layers := []Layer{{Upstream: root}, {Upstream: mid}, {Upstream: leaf}}
	if got := Merge(layers[:2], nil).RateLimit.Sustained.Rate; got != 20 {
		t.Fatalf("rate at mid = %d, want 20", got)
	}
	if got := Merge(layers, nil).RateLimit.Sustained.Rate; got != 20 {
		t.Errorf("rate at leaf = %d, want 20 from its parent", got)
	}

	// A looser leaf value is clamped to the parent, not to the root ceiling.
	leaf.RateLimit = model.RateLimitDimension{Value: rate(50)}
	if got := Merge(layers, nil).RateLimit.Sustained.Rate; got != 20 {
		t.Errorf("rate at leaf = %d, want 20", got)
	}
	leaf.RateLimit = model.RateLimitDimension{Value: rate(5)}
	if got := Merge(layers, nil).RateLimit.Sustained.Rate; got != 5 {
		t.Errorf("rate at leaf = %d, want 5", got)
	}
}

func TestEnforcedPluginsKeepInheritedAdditions(t *testing.T) {
	root, mid, leaf := up("root"), up("mid"), up("leaf")
	root.Plugins = model.PluginDimension{Mode: model.SharingEnforce, Value: []model.PluginBinding{{Ref: "p1", Order: 1}}}
	mid.Plugins = model.PluginDimension{Mode: model.SharingInherit, Value: []model.PluginBinding{{Ref: "p2", Order: 2}}}

	eff := Merge([]Layer{
		{Upstream: root},
		{Upstream: mid, Grants: model.Grants{AddPlugins: true}},
		{Upstream: leaf},
	}, nil)
	refs := []string{}
	for _, b := range eff.UpstreamPlugins {
		refs = append(refs, b.Ref)
	}
	if !reflect.DeepEqual(refs, []string{"p1", "p2"}) {
		t.Errorf("leaf plugins = %v, want [p1 p2]", refs)
	}
}
