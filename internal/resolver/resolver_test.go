package resolver

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/model"
	"github.com/wudi/oagw/internal/provider"
	"github.com/wudi/oagw/internal/tenant"
)

func boolPtr(b bool) *bool { return &b }

func newFixture(t *testing.T) (*provider.Memory, *Resolver) {
	t.Helper()
	m := provider.NewMemory()
	m.PutTenant(model.Tenant{ID: "parent"})
	m.PutTenant(model.Tenant{ID: "child", ParentID: "parent"})
	m.PutTenant(model.Tenant{ID: "other"})

	m.PutUpstream(model.Upstream{
		ID: "u-prod", TenantID: "parent", Alias: "api.example.com",
		Endpoints: []model.Endpoint{{Scheme: "https", Host: "prod.example.com"}},
	})
	m.PutRoute(model.Route{ID: "r-prod", UpstreamID: "u-prod", Path: "/v1", PathSuffixMode: model.PathSuffixAppend})
	return m, New(m)
}

func chainOf(ids ...string) tenant.Chain { return tenant.Chain(ids) }

func statusOf(t *testing.T, err error) int {
	t.Helper()
	ge, ok := errors.IsGatewayError(err)
	if !ok {
		t.Fatalf("expected gateway error, got %v", err)
	}
	return ge.Status
}

func TestShadowingNearestWins(t *testing.T) {
	m, r := newFixture(t)
	m.PutUpstream(model.Upstream{
		ID: "u-staging", TenantID: "child", Alias: "api.example.com",
		Endpoints: []model.Endpoint{{Scheme: "https", Host: "staging.example.com"}},
	})
	m.PutRoute(model.Route{ID: "r-staging", UpstreamID: "u-staging", Path: "/v1"})

	res, err := r.Resolve(context.Background(), Request{
		Chain: chainOf("parent", "child"), Alias: "api.example.com", Method: http.MethodGet, Path: "/v1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Endpoint.Host != "staging.example.com" {
		t.Errorf("child resolved to %s, want staging", res.Endpoint.Host)
	}
	if len(res.Layers) != 2 || res.Layers[0].ID != "u-prod" || res.Layers[1].ID != "u-staging" {
		t.Errorf("layers = %v", res.Layers)
	}

	res, err = r.Resolve(context.Background(), Request{
		Chain: chainOf("parent"), Alias: "api.example.com", Method: http.MethodGet, Path: "/v1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Endpoint.Host != "prod.example.com" {
		t.Errorf("parent resolved to %s, want prod", res.Endpoint.Host)
	}
}

func TestNotFoundDoesNotLeak(t *testing.T) {
	m, r := newFixture(t)
	m.PutRoute(model.Route{ID: "r-off", UpstreamID: "u-prod", Path: "/off", Enabled: boolPtr(false)})
	ctx := context.Background()

	cases := []Request{
		{Chain: chainOf("other"), Alias: "api.example.com", Method: "GET", Path: "/v1"},
		{Chain: chainOf("parent"), Alias: "missing", Method: "GET", Path: "/v1"},
		{Chain: chainOf("parent"), Alias: "api.example.com", Method: "GET", Path: "/nope"},
		{Chain: chainOf("parent"), Alias: "api.example.com", Method: "GET", Path: "/off"},
	}
	var details []string
	for _, c := range cases {
		_, err := r.Resolve(ctx, c)
		if statusOf(t, err) != http.StatusNotFound {
			t.Errorf("%+v: status = %d, want 404", c, statusOf(t, err))
		}
		ge, _ := errors.IsGatewayError(err)
		details = append(details, ge.Detail)
	}
	for _, d := range details[1:] {
		if d != details[0] {
			t.Errorf("not-found details differ: %q vs %q", d, details[0])
		}
	}
}

func TestDeletedUpstreamIsUnresolvable(t *testing.T) {
	m, r := newFixture(t)
	m.DeleteUpstream("u-prod")
	_, err := r.Resolve(context.Background(), Request{Chain: chainOf("parent"), Alias: "api.example.com", Method: "GET", Path: "/v1"})
	if statusOf(t, err) != http.StatusNotFound {
		t.Errorf("expected 404 after deletion")
	}
}

func TestPathSuffixModes(t *testing.T) {
	rtAppend := &model.Route{Path: "/v1/", PathSuffixMode: model.PathSuffixAppend}
	rtDisabled := &model.Route{Path: "/v1", PathSuffixMode: model.PathSuffixDisabled}
	rtRoot := &model.Route{Path: "/", PathSuffixMode: model.PathSuffixAppend}

	tests := []struct {
		name    string
		route   *model.Route
		path    string
		want    string
		wantErr bool
	}{
		{"exact", rtDisabled, "/v1", "/v1", false},
		{"disabled longer", rtDisabled, "/v1/items", "", true},
		{"disabled trailing slash", rtDisabled, "/v1/", "", true},
		{"append", rtAppend, "/v1/items/42", "/v1/items/42", false},
		{"append no double slash", rtAppend, "/v1//items", "/v1/items", false},
		{"root append", rtRoot, "/items", "/items", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, suffix := MatchRoute([]model.Route{*tt.route}, "GET", tt.path)
			if rt == nil {
				t.Fatalf("no match for %s", tt.path)
			}
			got, err := TargetPath(rt, suffix)
			if tt.wantErr {
				if err == nil || statusOf(t, err) != http.StatusBadRequest {
					t.Fatalf("expected 400, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("target = %q, want %q", got, tt.want)
			}
			if strings.Contains(got, "//") {
				t.Errorf("target %q contains //", got)
			}
		})
	}
}

func TestMatchRouteLongestPrefixAndMethods(t *testing.T) {
	routes := []model.Route{
		{ID: "short", Path: "/v1", PathSuffixMode: model.PathSuffixAppend},
		{ID: "long", Path: "/v1/admin", Methods: []string{"POST"}},
		{ID: "v10", Path: "/v10"},
	}
	if rt, _ := MatchRoute(routes, "POST", "/v1/admin"); rt == nil || rt.ID != "long" {
		t.Errorf("POST /v1/admin matched %v, want long", rt)
	}
	if rt, suffix := MatchRoute(routes, "GET", "/v1/admin"); rt == nil || rt.ID != "short" || suffix != "/admin" {
		t.Errorf("GET /v1/admin matched %v (%q), want short", rt, suffix)
	}
	if rt, _ := MatchRoute(routes, "GET", "/v10"); rt == nil || rt.ID != "v10" {
		t.Errorf("GET /v10 matched %v, want v10", rt)
	}
}

func TestQueryAllowlist(t *testing.T) {
	m, r := newFixture(t)
	m.PutRoute(model.Route{ID: "r-tag", UpstreamID: "u-prod", Path: "/search", QueryAllowlist: []string{"tag"}})
	ctx := context.Background()

	q, _ := url.ParseQuery("tag=ok&debug=1")
	_, err := r.Resolve(ctx, Request{Chain: chainOf("parent"), Alias: "api.example.com", Method: "GET", Path: "/search", Query: q})
	if statusOf(t, err) != http.StatusBadRequest {
		t.Fatalf("expected 400")
	}
	if ge, _ := errors.IsGatewayError(err); !strings.Contains(ge.Detail, "debug") {
		t.Errorf("detail %q does not name the offending parameter", ge.Detail)
	}

	q, _ = url.ParseQuery("tag=ok")
	if _, err := r.Resolve(ctx, Request{Chain: chainOf("parent"), Alias: "api.example.com", Method: "GET", Path: "/search", Query: q}); err != nil {
		t.Errorf("allowed query rejected: %v", err)
	}
}

func TestQueryAllowlistAbsentVersusEmpty(t *testing.T) {
	q := url.Values{"debug": {"1"}}
	if err := CheckQuery(&model.Route{}, q); err != nil {
		t.Errorf("route without an allowlist rejected %v: %v", q, err)
	}
	if err := CheckQuery(&model.Route{QueryAllowlist: []string{}}, q); statusOf(t, err) != http.StatusBadRequest {
		t.Error("empty allowlist should reject every parameter")
	}
	if err := CheckQuery(&model.Route{QueryAllowlist: []string{}}, nil); err != nil {
		t.Errorf("empty allowlist rejected an empty query: %v", err)
	}
}

func TestSelectEndpointPool(t *testing.T) {
	u := &model.Upstream{Alias: "example.com", Endpoints: []model.Endpoint{
		{Host: "us.example.com", Priority: 1},
		{Host: "eu.example.com", Priority: 2},
		{Host: "eu.example.com", Port: 8443, Priority: 1},
	}}

	ep, err := SelectEndpoint(u, "eu.example.com:443")
	if err != nil {
		t.Fatal(err)
	}
	if ep.Host != "eu.example.com" || ep.Port != 8443 {
		t.Errorf("got %+v, want eu priority 1", ep)
	}
	if _, err := SelectEndpoint(u, ""); statusOf(t, err) != http.StatusBadRequest {
		t.Error("missing Host should be 400")
	}
	if _, err := SelectEndpoint(u, "ap.example.com"); statusOf(t, err) != http.StatusBadRequest {
		t.Error("unknown Host should be 400")
	}

	single := &model.Upstream{Endpoints: []model.Endpoint{{Host: "a", Priority: 5}, {Host: "a", Port: 9000, Priority: 0}}}
	if ep, _ := SelectEndpoint(single, ""); ep.Port != 9000 {
		t.Errorf("priority selection picked %+v", ep)
	}
}

func TestSelectEndpointUnrelatedHostsUsePriority(t *testing.T) {
	u := &model.Upstream{Alias: "payments.internal", Endpoints: []model.Endpoint{
		{Host: "a.vendor-one.com", Priority: 2},
		{Host: "b.vendor-two.net", Priority: 1},
	}}
	ep, err := SelectEndpoint(u, "")
	if err != nil {
		t.Fatalf("missing Host should fall back to priority: %v", err)
	}
	if ep.Host != "b.vendor-two.net" {
		t.Errorf("got %+v, want priority 1", ep)
	}
	if ep, err := SelectEndpoint(u, "a.vendor-one.com"); err != nil || ep.Host != "b.vendor-two.net" {
		t.Errorf("Host header should not steer a failover list: %+v %v", ep, err)
	}

	// Hosts share a suffix the alias does not carry.
	shared := &model.Upstream{Alias: "billing.internal", Endpoints: []model.Endpoint{
		{Host: "a.vendor.com", Priority: 3},
		{Host: "b.vendor.com", Priority: 1},
	}}
	if ep, err := SelectEndpoint(shared, ""); err != nil || ep.Host != "b.vendor.com" {
		t.Errorf("got %+v %v, want priority selection", ep, err)
	}

	// Only the top-level domain in common.
	tld := &model.Upstream{Alias: "example.com", Endpoints: []model.Endpoint{
		{Host: "one.com", Priority: 1},
		{Host: "two.com", Priority: 2},
	}}
	if ep, err := SelectEndpoint(tld, ""); err != nil || ep.Host != "one.com" {
		t.Errorf("got %+v %v, want priority selection", ep, err)
	}

	sub := &model.Upstream{Alias: "api.example.com", Endpoints: []model.Endpoint{
		{Host: "us.example.com", Priority: 1},
		{Host: "eu.example.com", Priority: 2},
	}}
	if _, err := SelectEndpoint(sub, ""); statusOf(t, err) != http.StatusBadRequest {
		t.Error("pool under the alias domain should require Host")
	}
}

func TestDotSegmentsRejected(t *testing.T) {
	_, r := newFixture(t)
	_, err := r.Resolve(context.Background(), Request{Chain: chainOf("parent"), Alias: "api.example.com", Method: "GET", Path: "/v1/../admin"})
	if statusOf(t, err) != http.StatusBadRequest {
		t.Error("expected 400 for dot segments")
	}
}
