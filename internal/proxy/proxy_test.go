package proxy

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/model"
)

func endpointFor(t *testing.T, srv *httptest.Server) model.Endpoint {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return model.Endpoint{Scheme: u.Scheme, Host: u.Hostname(), Port: port}
}

func testUpstream() *model.Upstream {
	return &model.Upstream{ID: "u1", TenantID: "root", Alias: "api.test", Protocol: model.ProtocolHTTP}
}

func gatewayErr(t *testing.T, err error) *errors.GatewayError {
	t.Helper()
	ge, ok := errors.IsGatewayError(err)
	if !ok {
		t.Fatalf("expected gateway error, got %v", err)
	}
	return ge
}

// call runs one inbound request through the adapter.
func call(t *testing.T, p *Proxy, u *model.Upstream, ep model.Endpoint, in *http.Request) (*httptest.ResponseRecorder, error) {
	t.Helper()
	out, err := p.NewRequest(in.Context(), in, u, ep, in.URL.Path)
	if err != nil {
		return nil, err
	}
	Sanitize(out)
	resp, err := p.Do(out, u, ep)
	if err != nil {
		return nil, err
	}
	w := httptest.NewRecorder()
	_, err = p.WriteResponse(w, resp, nil)
	return w, err
}

func TestSingleAttemptAndUpstreamErrorPassThrough(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"upstream":"busy"}`)
	}))
	defer upstream.Close()

	p := New(DefaultConfig(), nil)
	in := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"q":1}`))
	w, err := call(t, p, testUpstream(), endpointFor(t, upstream), in)
	if err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", got)
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	if w.Body.String() != `{"upstream":"busy"}` {
		t.Errorf("body rewritten: %q", w.Body.String())
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", w.Header().Get("Content-Type"))
	}
	if w.Header().Get("Retry-After") != "7" {
		t.Errorf("retry-after = %q", w.Header().Get("Retry-After"))
	}
	if w.Header().Get(errors.HeaderErrorSource) != errors.SourceUpstream {
		t.Errorf("error source = %q", w.Header().Get(errors.HeaderErrorSource))
	}
}

func TestHopByHopHeadersNeverForwarded(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := New(DefaultConfig(), nil)
	u := testUpstream()
	ep := endpointFor(t, upstream)

	in := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	in.Header.Set("Connection", "X-Private")
	in.Header.Set("X-Private", "secret")
	in.Header.Set("Proxy-Authorization", "Basic abc")
	in.Header.Set("X-Tenant-ID", "acme")
	in.Header.Set("X-Request-ID", "req-42")

	out, err := p.NewRequest(in.Context(), in, u, ep, "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	// A plugin tries to smuggle hop-by-hop headers back in.
	out.Header.Set("Upgrade", "h2c")
	out.Header.Set("Keep-Alive", "timeout=100")
	out.Header.Set("Proxy-Connection", "keep-alive")
	out.Header.Set("Trailer", "X-Checksum")
	Sanitize(out)

	resp, err := p.Do(out, u, ep)
	if err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	if _, err := p.WriteResponse(w, resp, nil); err != nil {
		t.Fatal(err)
	}

	for _, h := range []string{"Upgrade", "Keep-Alive", "Proxy-Connection", "Proxy-Authorization", "Trailer", "X-Private", "X-Tenant-ID"} {
		if v := got.Get(h); v != "" {
			t.Errorf("%s forwarded upstream: %q", h, v)
		}
	}
	if got.Get("X-Request-ID") != "req-42" {
		t.Errorf("X-Request-ID = %q", got.Get("X-Request-ID"))
	}
	if got.Get("X-Forwarded-For") == "" {
		t.Error("X-Forwarded-For missing")
	}
	if w.Header().Get("Keep-Alive") != "" {
		t.Error("hop-by-hop response header relayed")
	}
	if w.Header().Get(errors.HeaderErrorSource) != "" {
		t.Error("success response labelled as error")
	}
}

type countingReader struct {
	reads atomic.Int32
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.reads.Add(1)
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func TestOversizedBodyRejectedBeforeRead(t *testing.T) {
	p := New(DefaultConfig(), nil)
	body := &countingReader{}
	size := int64(101 << 20)

	in := httptest.NewRequest(http.MethodPost, "/upload", io.NopCloser(body))
	in.ContentLength = size
	in.Header.Set("Content-Length", strconv.FormatInt(size, 10))

	_, err := p.NewRequest(in.Context(), in, testUpstream(), model.Endpoint{Scheme: "http", Host: "127.0.0.1", Port: 1}, "/upload")
	ge := gatewayErr(t, err)
	if ge.Status != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", ge.Status)
	}
	if n := body.reads.Load(); n != 0 {
		t.Errorf("body was read %d times", n)
	}
}

func TestUpstreamBodyLimit(t *testing.T) {
	p := New(DefaultConfig(), nil)
	u := testUpstream()
	u.MaxBodySize = 4
	in := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("12345"))
	_, err := p.NewRequest(in.Context(), in, u, model.Endpoint{Scheme: "http", Host: "127.0.0.1", Port: 1}, "/x")
	if ge := gatewayErr(t, err); ge.Status != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", ge.Status)
	}
}

func TestStreamedBodyOverLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	}))
	defer upstream.Close()

	p := New(DefaultConfig(), nil)
	u := testUpstream()
	u.MaxBodySize = 1024
	in := httptest.NewRequest(http.MethodPost, "/x", io.NopCloser(io.LimitReader(&countingReader{}, 4096)))
	in.ContentLength = -1
	_, err := call(t, p, u, endpointFor(t, upstream), in)
	if ge := gatewayErr(t, err); ge.Status != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", ge.Status)
	}
}

func TestContentLengthMismatch(t *testing.T) {
	p := New(DefaultConfig(), nil)
	ep := model.Endpoint{Scheme: "http", Host: "127.0.0.1", Port: 1}

	in := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("hello"))
	in.Header.Set("Content-Length", "10")
	_, err := p.NewRequest(in.Context(), in, testUpstream(), ep, "/x")
	if ge := gatewayErr(t, err); ge.Status != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", ge.Status)
	}

	in = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("hello"))
	in.Header.Set("Content-Length", "five")
	_, err = p.NewRequest(in.Context(), in, testUpstream(), ep, "/x")
	if ge := gatewayErr(t, err); ge.Status != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric length, got %d", ge.Status)
	}
}

func TestShortBodyDetectedWhileStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	}))
	defer upstream.Close()

	p := New(DefaultConfig(), nil)
	in := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("hello"))
	in.ContentLength = 10
	_, err := call(t, p, testUpstream(), endpointFor(t, upstream), in)
	if ge := gatewayErr(t, err); ge.Status != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", ge.Status)
	}
}

func TestUnsupportedTransferEncoding(t *testing.T) {
	tests := []struct {
		name string
		te   []string
		want int
	}{
		{"chunked", []string{"chunked"}, 0},
		{"gzip", []string{"gzip", "chunked"}, http.StatusBadRequest},
		{"identity", []string{"identity"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		in := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("a"))
		in.ContentLength = -1
		in.TransferEncoding = tt.te
		err := CheckRequest(in, DefaultMaxBodySize)
		if tt.want == 0 {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tt.name, err)
			}
			continue
		}
		if ge := gatewayErr(t, err); ge.Status != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.want, ge.Status)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	p := New(DefaultConfig(), nil)
	u := testUpstream()
	u.Timeouts.Request = 50 * time.Millisecond
	in := httptest.NewRequest(http.MethodGet, "/slow", nil)
	_, err := call(t, p, u, endpointFor(t, upstream), in)
	ge := gatewayErr(t, err)
	if ge.Status != http.StatusGatewayTimeout || ge.Kind != errors.KindRequestTimeout {
		t.Errorf("expected 504 request_timeout, got %d %s", ge.Status, ge.Kind)
	}
}

func TestIdleTimeoutAbortsStream(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	p := New(DefaultConfig(), nil)
	u := testUpstream()
	u.Timeouts.Idle = 50 * time.Millisecond
	in := httptest.NewRequest(http.MethodGet, "/events", nil)
	w, err := call(t, p, u, endpointFor(t, upstream), in)
	if ge := gatewayErr(t, err); ge.Kind != errors.KindStreamAborted {
		t.Errorf("expected stream_aborted, got %s", ge.Kind)
	}
	if !strings.HasPrefix(w.Body.String(), "data: first") {
		t.Errorf("first event not relayed: %q", w.Body.String())
	}
	if p.Streams() != 0 {
		t.Errorf("streams = %d", p.Streams())
	}
}

func TestSSEFlushesAndCancelsUpstreamOnDisconnect(t *testing.T) {
	cancelled := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: hello\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(cancelled)
	}))
	defer upstream.Close()

	p := New(DefaultConfig(), nil)
	u := testUpstream()
	ep := endpointFor(t, upstream)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, err := p.NewRequest(r.Context(), r, u, ep, "/events")
		if err != nil {
			errors.WriteProblem(w, err)
			return
		}
		Sanitize(out)
		resp, err := p.Do(out, u, ep)
		if err != nil {
			errors.WriteProblem(w, err)
			return
		}
		p.WriteResponse(w, resp, nil)
	}))
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "data: hello\n" {
		t.Errorf("first line = %q", line)
	}
	if p.Streams() != 1 {
		t.Errorf("expected 1 in-flight stream, got %d", p.Streams())
	}
	resp.Body.Close()
	http.DefaultClient.CloseIdleConnections()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream was not cancelled after client disconnect")
	}
	deadline := time.Now().Add(time.Second)
	for p.Streams() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Streams() != 0 {
		t.Errorf("stream counter leaked: %d", p.Streams())
	}
}

func TestH2FallbackIsCached(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Proto)
	}))
	defer upstream.Close()

	cfg := DefaultConfig()
	cfg.Transport.InsecureSkipVerify = true
	p := New(cfg, nil)
	u := testUpstream()
	ep := endpointFor(t, upstream)

	if mode := p.pool.modeFor(u, ep); mode != modeNegotiate {
		t.Fatalf("expected negotiate before first call, got %s", mode)
	}
	in := httptest.NewRequest(http.MethodGet, "/", nil)
	w, err := call(t, p, u, ep, in)
	if err != nil {
		t.Fatal(err)
	}
	if w.Body.String() != "HTTP/1.1" {
		t.Errorf("proto = %s", w.Body.String())
	}
	if mode := p.pool.modeFor(u, ep); mode != modeHTTP1 {
		t.Errorf("expected endpoint pinned to HTTP/1.1, got %s", mode)
	}
	st := p.Pool().Stats()
	if st.HTTP1Pinned != 1 || st.Fallbacks != 1 {
		t.Errorf("stats = %+v", st)
	}

	if _, err := call(t, p, u, ep, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatal(err)
	}
	if st := p.Pool().Stats(); st.Fallbacks != 1 {
		t.Errorf("fallback counted twice: %+v", st)
	}

	p.Pool().Reset()
	if mode := p.pool.modeFor(u, ep); mode != modeNegotiate {
		t.Errorf("reset kept pin: %s", mode)
	}
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	p := New(DefaultConfig(), nil)
	u := testUpstream()
	u.CircuitBreaker = &model.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, Timeout: time.Minute}
	ep := endpointFor(t, upstream)

	for i := 0; i < 2; i++ {
		w, err := call(t, p, u, ep, httptest.NewRequest(http.MethodGet, "/", nil))
		if err != nil {
			t.Fatal(err)
		}
		if w.Code != http.StatusInternalServerError {
			t.Errorf("call %d: expected upstream 500, got %d", i, w.Code)
		}
	}

	_, err := call(t, p, u, ep, httptest.NewRequest(http.MethodGet, "/", nil))
	ge := gatewayErr(t, err)
	if ge.Status != http.StatusServiceUnavailable || ge.Kind != errors.KindCircuitOpen {
		t.Errorf("expected 503 circuit_open, got %d %s", ge.Status, ge.Kind)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("expected 2 upstream calls, got %d", got)
	}
	if snap := p.Breakers().Snapshot()["u1"]; snap.State != "open" {
		t.Errorf("breaker state = %s", snap.State)
	}
}

func TestConnectionRefusedIsGatewayError(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	ep := endpointFor(t, upstream)
	upstream.Close()

	p := New(DefaultConfig(), nil)
	_, err := call(t, p, testUpstream(), ep, httptest.NewRequest(http.MethodGet, "/", nil))
	ge := gatewayErr(t, err)
	if ge.Status != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", ge.Status)
	}
}
