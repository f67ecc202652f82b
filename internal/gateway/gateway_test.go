package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/oagw/internal/audit"
	"github.com/wudi/oagw/internal/config"
	"github.com/wudi/oagw/internal/errors"
)

// upstream is a test server that counts calls and keeps the last request.
type upstream struct {
	*httptest.Server
	calls atomic.Int64

	mu   sync.Mutex
	last *http.Request
}

func newUpstream(t *testing.T, h http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		u.mu.Lock()
		u.last = r.Clone(context.Background())
		u.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "hello from %s", r.URL.Path)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) lastRequest() *http.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

// endpoint renders the server address as a YAML endpoint.
func (u *upstream) endpoint() string {
	addr, _ := url.Parse(u.URL)
	host, port, _ := net.SplitHostPort(addr.Host)
	return fmt.Sprintf("{scheme: http, host: %s, port: %s}", host, port)
}

type recordingSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *recordingSink) Write(_ context.Context, batch []audit.Record) error {
	s.mu.Lock()
	s.records = append(s.records, batch...)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) wait(t *testing.T, n int) []audit.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := append([]audit.Record(nil), s.records...)
		s.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d audit records", n)
	return nil
}

func parseConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader().Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg.Logging.AccessLog = false
	return cfg
}

func newGateway(t *testing.T, doc string) (*Gateway, *recordingSink) {
	t.Helper()
	g, err := New(parseConfig(t, doc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := &recordingSink{}
	g.audit.Close()
	g.audit = audit.New(audit.Config{BatchSize: 1, FlushInterval: 5 * time.Millisecond}, sink, nil)
	t.Cleanup(func() { g.Close() })
	return g, sink
}

func send(h http.Handler, method, target, tenant string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if tenant != "" {
		req.Header.Set(HeaderTenantID, tenant)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func simpleConfig(ep string) string {
	return fmt.Sprintf(`
tenants:
  - id: root
  - id: acme
    parent: root
upstreams:
  - id: items
    tenant: root
    alias: api.example.com
    endpoints: [%s]
routes:
  - id: list
    upstream: items
    methods: [GET, POST]
    path: /items
    query_allowlist: [tag]
    path_suffix_mode: append
  - id: exact
    upstream: items
    methods: [GET]
    path: /exact
`, ep)
}

func TestShadowingReachesNearestTenant(t *testing.T) {
	prod := newUpstream(t, nil)
	staging := newUpstream(t, nil)

	g, _ := newGateway(t, fmt.Sprintf(`
tenants:
  - id: parent
  - id: child
    parent: parent
  - id: grandchild
    parent: child
upstreams:
  - id: prod
    tenant: parent
    alias: api.example.com
    endpoints: [%s]
  - id: staging
    tenant: child
    alias: api.example.com
    endpoints: [%s]
routes:
  - {id: prod-any, upstream: prod, methods: [GET], path: /, path_suffix_mode: append}
  - {id: staging-any, upstream: staging, methods: [GET], path: /, path_suffix_mode: append}
`, prod.endpoint(), staging.endpoint()))
	h := g.Handler()

	for _, tenant := range []string{"child", "grandchild"} {
		rec := send(h, "GET", ProxyPrefix+"/api.example.com/v1/ping", tenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", tenant, rec.Code, rec.Body.String())
		}
	}
	if prod.calls.Load() != 0 {
		t.Errorf("shadowed upstream must not be called, got %d calls", prod.calls.Load())
	}
	if staging.calls.Load() != 2 {
		t.Errorf("expected 2 calls to the nearest definition, got %d", staging.calls.Load())
	}

	rec := send(h, "GET", ProxyPrefix+"/api.example.com/v1/ping", "parent")
	if rec.Code != http.StatusOK || prod.calls.Load() != 1 {
		t.Errorf("parent must reach its own upstream: status %d, calls %d", rec.Code, prod.calls.Load())
	}
}

func TestProxyForwardsAndRelays(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ok":true}`)
	})
	g, _ := newGateway(t, simpleConfig(up.endpoint()))

	rec := send(g.Handler(), "POST", ProxyPrefix+"/api.example.com/items/42?tag=a", "acme", "X-User-ID", "u1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("body must pass through untouched, got %q", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream headers must be relayed")
	}
	if src := rec.Header().Get(errors.HeaderErrorSource); src != "" {
		t.Errorf("success must not carry an error source, got %q", src)
	}

	got := up.lastRequest()
	if got.URL.Path != "/items/42" {
		t.Errorf("expected appended suffix /items/42, got %s", got.URL.Path)
	}
	if got.URL.RawQuery != "tag=a" {
		t.Errorf("query must be forwarded, got %q", got.URL.RawQuery)
	}
	if got.Header.Get(HeaderTenantID) != "" || got.Header.Get(HeaderUserID) != "" {
		t.Error("gateway identity headers must not reach the upstream")
	}
}

func TestMissingTenantHeader(t *testing.T) {
	up := newUpstream(t, nil)
	g, _ := newGateway(t, simpleConfig(up.endpoint()))

	rec := send(g.Handler(), "GET", ProxyPrefix+"/api.example.com/items", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != errors.ContentTypeProblem {
		t.Errorf("expected problem document, got %q", ct)
	}
	if rec.Header().Get(errors.HeaderErrorSource) != errors.SourceGateway {
		t.Error("expected gateway error source")
	}
	if up.calls.Load() != 0 {
		t.Error("upstream must not be called")
	}
}

func TestQueryAllowlist(t *testing.T) {
	up := newUpstream(t, nil)
	g, _ := newGateway(t, simpleConfig(up.endpoint()))
	h := g.Handler()

	rec := send(h, "GET", ProxyPrefix+"/api.example.com/items?tag=ok&debug=1", "acme")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var problem errors.Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
		t.Fatalf("invalid problem body: %v", err)
	}
	if !strings.Contains(problem.Detail, "debug") {
		t.Errorf("detail must name the rejected parameter, got %q", problem.Detail)
	}
	if problem.Instance == "" {
		t.Error("expected problem instance")
	}

	rec = send(h, "GET", ProxyPrefix+"/api.example.com/items?tag=ok", "acme")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPathSuffixDisabled(t *testing.T) {
	up := newUpstream(t, nil)
	g, _ := newGateway(t, simpleConfig(up.endpoint()))

	rec := send(g.Handler(), "GET", ProxyPrefix+"/api.example.com/exact/more", "acme")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a suffix on a disabled route, got %d", rec.Code)
	}
	if up.calls.Load() != 0 {
		t.Error("upstream must not be called")
	}
}

func TestUnknownAliasIsNotFound(t *testing.T) {
	up := newUpstream(t, nil)
	g, _ := newGateway(t, simpleConfig(up.endpoint()))
	h := g.Handler()

	unknown := send(h, "GET", ProxyPrefix+"/nope.example.com/items", "acme")
	wrongMethod := send(h, "DELETE", ProxyPrefix+"/api.example.com/items", "acme")
	for _, rec := range []*httptest.ResponseRecorder{unknown, wrongMethod} {
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	}
	if unknown.Body.String() != wrongMethod.Body.String() {
		t.Errorf("not-found bodies must not differ:\n%s\n%s", unknown.Body.String(), wrongMethod.Body.String())
	}
}

func TestDeletedUpstreamIsNotFound(t *testing.T) {
	up := newUpstream(t, nil)
	g, _ := newGateway(t, simpleConfig(up.endpoint()))
	h := g.Handler()

	if rec := send(h, "GET", ProxyPrefix+"/api.example.com/items", "acme"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 before delete, got %d", rec.Code)
	}

	res := g.Reload(parseConfig(t, `
tenants:
  - id: root
  - id: acme
    parent: root
`))
	if !res.Success {
		t.Fatalf("reload failed: %s", res.Error)
	}
	want := map[string]bool{"upstream removed: items": true, "route removed: list": true, "route removed: exact": true}
	for _, c := range res.Changes {
		delete(want, c)
	}
	if len(want) != 0 {
		t.Errorf("missing changes %v in %v", want, res.Changes)
	}

	if rec := send(h, "GET", ProxyPrefix+"/api.example.com/items", "acme"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
	if up.calls.Load() != 1 {
		t.Errorf("expected a single upstream call, got %d", up.calls.Load())
	}
}

func TestUpstreamErrorsPassThroughOnce(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "upstream overloaded")
	})
	g, _ := newGateway(t, simpleConfig(up.endpoint()))

	rec := send(g.Handler(), "GET", ProxyPrefix+"/api.example.com/items", "acme")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Body.String() != "upstream overloaded" {
		t.Errorf("upstream body must not be reshaped, got %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" || rec.Header().Get("Retry-After") != "7" {
		t.Errorf("upstream headers must pass through, got %v", rec.Header())
	}
	if rec.Header().Get(errors.HeaderErrorSource) != errors.SourceUpstream {
		t.Error("expected upstream error source")
	}
	if up.calls.Load() != 1 {
		t.Errorf("expected exactly one attempt, got %d", up.calls.Load())
	}
}

func TestUnreachableUpstreamIsGatewayError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	g, _ := newGateway(t, simpleConfig(fmt.Sprintf("{scheme: http, host: 127.0.0.1, port: %s}", port)))
	rec := send(g.Handler(), "GET", ProxyPrefix+"/api.example.com/items", "acme")
	if rec.Code < 500 {
		t.Fatalf("expected a 5xx gateway error, got %d", rec.Code)
	}
	if rec.Header().Get(errors.HeaderErrorSource) != errors.SourceGateway {
		t.Error("expected gateway error source")
	}
}

func TestTokenBucketScenario(t *testing.T) {
	up := newUpstream(t, nil)
	g, _ := newGateway(t, fmt.Sprintf(`
tenants:
  - id: root
upstreams:
  - id: items
    tenant: root
    alias: api.example.com
    endpoints: [%s]
    rate_limit:
      mode: private
      value:
        algorithm: token_bucket
        sustained: {rate: 5, window: 1s}
        burst: {capacity: 10}
        response_headers: true
routes:
  - {id: list, upstream: items, methods: [GET], path: /items}
`, up.endpoint()))
	h := g.Handler()

	for i := 0; i < 10; i++ {
		rec := send(h, "GET", ProxyPrefix+"/api.example.com/items", "root")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") == "" {
			t.Fatalf("request %d: expected rate-limit headers", i+1)
		}
	}

	rec := send(h, "GET", ProxyPrefix+"/api.example.com/items", "root")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	if rec.Header().Get(errors.HeaderErrorSource) != errors.SourceGateway {
		t.Error("expected gateway error source")
	}
	if up.calls.Load() != 10 {
		t.Errorf("rejected call must not reach the upstream, got %d calls", up.calls.Load())
	}

	time.Sleep(1100 * time.Millisecond)
	if rec := send(h, "GET", ProxyPrefix+"/api.example.com/items", "root"); rec.Code != http.StatusOK {
		t.Errorf("after refill: expected 200, got %d", rec.Code)
	}
}

func TestEnforcedRateIsCeiling(t *testing.T) {
	up := newUpstream(t, nil)
	g, _ := newGateway(t, fmt.Sprintf(`
tenants:
  - id: root
  - id: acme
    parent: root
upstreams:
  - id: base
    tenant: root
    alias: api.example.com
    endpoints: [%[1]s]
    rate_limit:
      mode: enforce
      value:
        algorithm: token_bucket
        sustained: {rate: 3, window: 1m}
        burst: {capacity: 3}
  - id: mine
    tenant: acme
    alias: api.example.com
    endpoints: [%[1]s]
    rate_limit:
      mode: private
      value:
        algorithm: token_bucket
        sustained: {rate: 100, window: 1s}
        burst: {capacity: 100}
routes:
  - {id: mine-any, upstream: mine, methods: [GET], path: /, path_suffix_mode: append}
`, up.endpoint()))
	h := g.Handler()

	for i := 0; i < 3; i++ {
		if rec := send(h, "GET", ProxyPrefix+"/api.example.com/x", "acme"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	if rec := send(h, "GET", ProxyPrefix+"/api.example.com/x", "acme"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("enforced ceiling must apply: expected 429, got %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	up := newUpstream(t, nil)
	g, _ := newGateway(t, fmt.Sprintf(`
tenants:
  - id: root
upstreams:
  - id: items
    tenant: root
    alias: api.example.com
    endpoints: [%s]
    cors:
      mode: private
      value:
        allowed_origins: [https://app.example.com]
        allowed_methods: [GET, POST]
        allowed_headers: [Content-Type]
        max_age: 600
routes:
  - {id: list, upstream: items, methods: [GET, POST], path: /items}
`, up.endpoint()))
	h := g.Handler()

	rec := send(h, "OPTIONS", ProxyPrefix+"/api.example.com/items", "root",
		"Origin", "https://app.example.com",
		"Access-Control-Request-Method", "POST",
		"Access-Control-Request-Headers", "Content-Type",
	)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Errorf("unexpected allow origin %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if up.calls.Load() != 0 {
		t.Error("preflight must be answered locally")
	}

	rec = send(h, "GET", ProxyPrefix+"/api.example.com/items", "root", "Origin", "https://app.example.com")
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Errorf("actual request: status %d, allow origin %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}

	rec = send(h, "GET", ProxyPrefix+"/api.example.com/items", "root", "Origin", "https://evil.example.com")
	if rec.Code != http.StatusForbidden {
		t.Errorf("disallowed origin: expected 403, got %d", rec.Code)
	}
	if up.calls.Load() != 1 {
		t.Errorf("expected one upstream call, got %d", up.calls.Load())
	}
}

func TestHopByHopHeadersNeverForwarded(t *testing.T) {
	up := newUpstream(t, nil)
	g, _ := newGateway(t, fmt.Sprintf(`
tenants:
  - id: root
upstreams:
  - id: items
    tenant: root
    alias: api.example.com
    endpoints: [%s]
    plugins:
      mode: private
      value:
        - plugin: headers
          phase: on_request
          config:
            set:
              Connection: keep-alive, X-Secret
              Upgrade: h2c
              Te: gzip
              Transfer-Encoding: chunked
              X-Plugin: set
routes:
  - {id: list, upstream: items, methods: [GET], path: /items}
`, up.endpoint()))

	rec := send(g.Handler(), "GET", ProxyPrefix+"/api.example.com/items", "root",
		"Connection", "X-Secret",
		"X-Secret", "drop-me",
		"Keep-Alive", "timeout=5",
	)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := up.lastRequest()
	for _, h := range []string{"Upgrade", "Te", "Keep-Alive", "X-Secret"} {
		if v := got.Header.Get(h); v != "" {
			t.Errorf("%s must not be forwarded, got %q", h, v)
		}
	}
	if len(got.TransferEncoding) != 0 {
		t.Errorf("transfer encoding must not be forwarded, got %v", got.TransferEncoding)
	}
	if got.Header.Get("X-Plugin") != "set" {
		t.Error("plugin header must be forwarded")
	}
}

func TestAuthPluginInjectsCredential(t *testing.T) {
	up := newUpstream(t, nil)
	g, _ := newGateway(t, fmt.Sprintf(`
tenants:
  - id: root
secrets:
  - id: items-key
    value: sk-test
upstreams:
  - id: items
    tenant: root
    alias: api.example.com
    endpoints: [%s]
    auth:
      mode: private
      value:
        type: auth.bearer
        secret_ref: items-key
routes:
  - {id: list, upstream: items, methods: [GET], path: /items}
`, up.endpoint()))

	rec := send(g.Handler(), "GET", ProxyPrefix+"/api.example.com/items", "root", "Authorization", "Bearer client-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := up.lastRequest().Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("expected upstream credential, got %q", got)
	}
}

func TestGuardRejectAndErrorBody(t *testing.T) {
	up := newUpstream(t, nil)
	g, _ := newGateway(t, fmt.Sprintf(`
tenants:
  - id: root
upstreams:
  - id: items
    tenant: root
    alias: api.example.com
    endpoints: [%s]
    plugins:
      mode: private
      value:
        - plugin: json_guard
          phase: on_request
          config:
            required: [model]
        - plugin: error_body
          phase: on_error
          config:
            body: '{"error":"${code}","status":${status},"request":"${request_id}"}'
routes:
  - {id: create, upstream: items, methods: [POST], path: /items}
`, up.endpoint()))

	req := httptest.NewRequest("POST", ProxyPrefix+"/api.example.com/items", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set(HeaderTenantID, "root")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-guard")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(errors.HeaderErrorSource) != errors.SourceGateway {
		t.Error("reshaped errors stay gateway-sourced")
	}
	if !strings.Contains(rec.Body.String(), `"request":"req-guard"`) {
		t.Errorf("expected error_body template output, got %s", rec.Body.String())
	}
	if up.calls.Load() != 0 {
		t.Error("rejected call must not reach the upstream")
	}
}

func TestRequestIDCorrelation(t *testing.T) {
	up := newUpstream(t, nil)
	g, sink := newGateway(t, simpleConfig(up.endpoint()))
	h := g.Handler()

	rec := send(h, "GET", ProxyPrefix+"/api.example.com/items", "acme", "X-Request-ID", "client-id-1")
	if rec.Header().Get("X-Request-ID") != "client-id-1" {
		t.Errorf("client request id must be echoed, got %q", rec.Header().Get("X-Request-ID"))
	}
	if got := up.lastRequest().Header.Get("X-Request-ID"); got != "client-id-1" {
		t.Errorf("request id must reach the upstream unchanged, got %q", got)
	}

	rec = send(h, "GET", ProxyPrefix+"/api.example.com/items?debug=1", "acme")
	generated := rec.Header().Get("X-Request-ID")
	if generated == "" {
		t.Fatal("expected a generated request id")
	}

	records := sink.wait(t, 2)
	if records[0].RequestID != "client-id-1" || records[1].RequestID != generated {
		t.Errorf("audit ids %q, %q do not match responses", records[0].RequestID, records[1].RequestID)
	}
	first := records[0]
	if first.TenantID != "acme" || first.Alias != "api.example.com" || first.UpstreamID != "items" ||
		first.RouteID != "list" || first.Status != http.StatusOK || first.Protocol != protoHTTP {
		t.Errorf("unexpected audit record %+v", first)
	}
	if records[1].ErrorSource != errors.SourceGateway || records[1].Status != http.StatusBadRequest {
		t.Errorf("expected a gateway-sourced 400 record, got %+v", records[1])
	}
}

func TestOversizedBodyRejectedBeforeUpstream(t *testing.T) {
	up := newUpstream(t, nil)
	g, _ := newGateway(t, fmt.Sprintf(`
tenants:
  - id: root
upstreams:
  - id: items
    tenant: root
    alias: api.example.com
    endpoints: [%s]
    max_body_size: 16
routes:
  - {id: create, upstream: items, methods: [POST], path: /items}
`, up.endpoint()))

	req := httptest.NewRequest("POST", ProxyPrefix+"/api.example.com/items", strings.NewReader(strings.Repeat("x", 64)))
	req.Header.Set(HeaderTenantID, "root")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if up.calls.Load() != 0 {
		t.Error("oversized request must not reach the upstream")
	}
}

func TestSplitAlias(t *testing.T) {
	tests := []struct {
		in, alias, path string
	}{
		{"/api.example.com/v1/items", "api.example.com", "/v1/items"},
		{"/api.example.com", "api.example.com", ""},
		{"/api.example.com/", "api.example.com", "/"},
		{"/", "", ""},
	}
	for _, tt := range tests {
		alias, path := splitAlias(tt.in)
		if alias != tt.alias || path != tt.path {
			t.Errorf("splitAlias(%q) = %q, %q; want %q, %q", tt.in, alias, path, tt.alias, tt.path)
		}
	}
}
