package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorded(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tr, err := NewWithExporter(Config{Enabled: true, ServiceName: "test"}, sdktrace.WithSyncer(exp))
	if err != nil {
		t.Fatalf("NewWithExporter: %v", err)
	}
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr, exp
}

func TestMiddlewareContinuesInboundTrace(t *testing.T) {
	tr, exp := newRecorded(t)
	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	handler := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	req := httptest.NewRequest("GET", "/api/oagw/v1/proxy/x/y", nil)
	req.Header.Set("traceparent", parent)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get(HeaderTraceID); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("expected inbound trace id echoed, got %q", got)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].SpanKind != trace.SpanKindServer {
		t.Errorf("expected server span, got %v", spans[0].SpanKind)
	}
	if spans[0].Status.Code.String() != "Error" {
		t.Errorf("expected error status for 502, got %v", spans[0].Status.Code)
	}
}

func TestStartUpstreamInjectsContext(t *testing.T) {
	tr, exp := newRecorded(t)

	ctx, root := tr.StartSpan(context.Background(), "root")
	out := httptest.NewRequest("POST", "https://api.example.com/v1/chat", nil).WithContext(ctx)
	out, end := tr.StartUpstream(out, "openai")
	tp := out.Header.Get("traceparent")
	end(200, nil)
	root.End()

	if tp == "" {
		t.Fatal("expected traceparent injected into outbound request")
	}
	if want := root.SpanContext().TraceID().String(); tp[3:35] != want {
		t.Errorf("outbound trace id %s does not match root %s", tp[3:35], want)
	}
	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].SpanKind != trace.SpanKindClient {
		t.Errorf("expected client span first, got %v", spans[0].SpanKind)
	}
}

func TestStartUpstreamRecordsError(t *testing.T) {
	tr, exp := newRecorded(t)
	out := httptest.NewRequest("GET", "http://upstream.local/", nil)
	_, end := tr.StartUpstream(out, "u1")
	end(0, errors.New("dial tcp: refused"))

	spans := exp.GetSpans()
	if len(spans) != 1 || len(spans[0].Events) == 0 {
		t.Fatalf("expected the error recorded as an event, got %+v", spans)
	}
}

func TestDisabledTracerIsNoop(t *testing.T) {
	tr := Disabled()
	if tr.IsEnabled() {
		t.Fatal("expected disabled tracer")
	}
	out := httptest.NewRequest("GET", "http://upstream.local/", nil)
	out, end := tr.StartUpstream(out, "u1")
	end(200, nil)
	if out.Header.Get("traceparent") != "" {
		t.Error("disabled tracer must not inject headers")
	}

	called := false
	h := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if !called || rr.Header().Get(HeaderTraceID) != "" {
		t.Error("disabled middleware should pass through untouched")
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}
