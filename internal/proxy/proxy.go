// Package proxy is the HTTP protocol adapter. It turns a resolved call into
// exactly one upstream round trip and streams the answer back unchanged.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/model"
)

// Config configures the adapter.
type Config struct {
	// MaxBodySize is the gateway-wide request body limit.
	MaxBodySize int64 `yaml:"max_body_size"`
	// MaxResponseBodySize bounds upstream responses buffered in memory by
	// plugins. Streamed responses are not affected.
	MaxResponseBodySize int64           `yaml:"max_response_body_size"`
	Transport           TransportConfig `yaml:"transport"`
	// H2CacheTTL bounds how long an endpoint stays pinned to HTTP/1.1
	// after failing h2 negotiation.
	H2CacheTTL  time.Duration `yaml:"h2_cache_ttl"`
	H2CacheSize int           `yaml:"h2_cache_size"`
	// StripHeaders are inbound headers addressed to the gateway itself.
	// They are never forwarded.
	StripHeaders []string `yaml:"strip_headers"`
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodySize:         DefaultMaxBodySize,
		MaxResponseBodySize: DefaultMaxResponseBodySize,
		Transport:           DefaultTransportConfig,
		H2CacheTTL:          time.Hour,
		H2CacheSize:         1024,
		StripHeaders:        []string{"X-Tenant-ID", "X-User-ID"},
	}
}

// Proxy sends outbound calls and relays their responses.
type Proxy struct {
	cfg      Config
	pool     *TransportPool
	breakers *Breakers
	logger   *zap.Logger

	streams atomic.Int64
}

// New creates an adapter.
func New(cfg Config, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxResponseBodySize <= 0 {
		cfg.MaxResponseBodySize = DefaultMaxResponseBodySize
	}
	return &Proxy{
		cfg:      cfg,
		pool:     NewTransportPool(cfg.Transport, cfg.H2CacheSize, cfg.H2CacheTTL),
		breakers: NewBreakers(logger),
		logger:   logger,
	}
}

// Pool returns the transport pool.
func (p *Proxy) Pool() *TransportPool { return p.pool }

// Breakers returns the per-upstream circuit breakers.
func (p *Proxy) Breakers() *Breakers { return p.breakers }

// Streams returns the number of responses currently being streamed.
func (p *Proxy) Streams() int64 { return p.streams.Load() }

// BodyLimit returns the request body limit for u.
func (p *Proxy) BodyLimit(u *model.Upstream) int64 {
	if u != nil && u.MaxBodySize > 0 {
		return u.MaxBodySize
	}
	return p.cfg.MaxBodySize
}

// ResponseBodyLimit returns the limit for response bodies buffered by
// plugins.
func (p *Proxy) ResponseBodyLimit() int64 { return p.cfg.MaxResponseBodySize }

// NewRequest builds the outbound request for in, addressed to targetPath on
// ep. The body is streamed from in through a reader that enforces the body
// limit and the declared length. Framing errors are returned before any
// body byte is read.
func (p *Proxy) NewRequest(ctx context.Context, in *http.Request, u *model.Upstream, ep model.Endpoint, targetPath string) (*http.Request, error) {
	limit := p.BodyLimit(u)
	if err := CheckRequest(in, limit); err != nil {
		return nil, err
	}

	target, err := url.Parse(ep.BaseURL())
	if err != nil {
		return nil, errors.ErrInternal.WithDetail("invalid upstream endpoint").Wrap(err)
	}
	target.Path = targetPath
	target.RawQuery = in.URL.RawQuery

	out := (&http.Request{
		Method:        in.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header, len(in.Header)+3),
		ContentLength: in.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	for k, vv := range in.Header {
		out.Header[k] = append([]string(nil), vv...)
	}
	for _, h := range p.cfg.StripHeaders {
		out.Header.Del(h)
	}
	removeHopHeaders(out.Header)

	if in.Body != nil && in.Body != http.NoBody {
		out.Body = newBodyReader(in.Body, in.ContentLength, limit)
	} else {
		out.Body = http.NoBody
		out.ContentLength = 0
	}

	if ip := ClientIP(in); ip != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			out.Header.Set("X-Forwarded-For", ip)
		}
	}
	if in.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", in.Host)

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))
	return out, nil
}

// Sanitize removes hop-by-hop headers from an outbound request. It runs
// after plugins, so nothing a plugin sets can reach the upstream.
func Sanitize(out *http.Request) {
	trailers := headerContainsToken(out.Header["Te"], "trailers")
	removeHopHeaders(out.Header)
	if trailers {
		out.Header.Set("Te", "trailers")
	}
	out.Close = false
	out.TransferEncoding = nil
}

// Do sends out to ep exactly once. The request timeout bounds the wait for
// response headers; the idle timeout then bounds every gap in the body.
// Closing the returned body releases the upstream call.
func (p *Proxy) Do(out *http.Request, u *model.Upstream, ep model.Endpoint) (*http.Response, error) {
	done, err := p.breakers.Allow(u)
	if err != nil {
		return nil, err
	}

	t, mode, err := p.pool.Get(u, ep)
	if err != nil {
		ge := errors.ErrInternal.WithDetail("upstream transport unavailable").Wrap(err)
		done(errExcluded)
		return nil, ge
	}

	ctx, cancel := context.WithCancel(out.Context())
	var timer *time.Timer
	var timedOut atomic.Bool
	if d := u.Timeouts.Request; d > 0 {
		timer = time.AfterFunc(d, func() {
			timedOut.Store(true)
			cancel()
		})
	}

	resp, err := t.RoundTrip(out.WithContext(ctx))
	if timer != nil && !timer.Stop() && err == nil {
		// The deadline fired between headers arriving and the timer stop.
		resp.Body.Close()
		resp, err = nil, context.DeadlineExceeded
	}
	if p.pool.observe(ep, mode, resp, err) {
		p.logger.Info("upstream pinned to HTTP/1.1",
			zap.String("upstream_id", u.ID),
			zap.String("endpoint", ep.Authority()),
		)
	}

	if err != nil {
		cancel()
		var ge *errors.GatewayError
		if timedOut.Load() {
			ge = errors.ErrRequestTimeout.
				WithDetail(fmt.Sprintf("upstream did not respond within %s", u.Timeouts.Request)).
				Wrap(err)
		} else {
			ge = errors.ClassifyUpstream(err)
		}
		done(Outcome(nil, ge))
		return nil, ge
	}
	done(Outcome(resp, nil))

	var body io.ReadCloser = resp.Body
	if d := u.Timeouts.Idle; d > 0 {
		body = newIdleTimeoutReader(body, d, cancel)
	}
	resp.Body = &cancelBody{ReadCloser: body, cancel: cancel}
	return resp, nil
}

// cancelBody cancels the upstream call when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// WriteResponse relays resp to w. Status, body and Content-Type pass
// through untouched; error statuses are labelled as upstream-sourced.
// decorate may add gateway headers before the status line is written.
func (p *Proxy) WriteResponse(w http.ResponseWriter, resp *http.Response, decorate func(http.Header)) (int64, error) {
	defer resp.Body.Close()

	h := w.Header()
	copyHeaders(h, resp.Header)
	if resp.StatusCode >= http.StatusBadRequest {
		h.Set(errors.HeaderErrorSource, errors.SourceUpstream)
	} else {
		h.Del(errors.HeaderErrorSource)
	}
	if decorate != nil {
		decorate(h)
	}

	streaming := isStreaming(resp)
	if streaming {
		p.streams.Add(1)
		defer p.streams.Add(-1)
	}
	w.WriteHeader(resp.StatusCode)

	n, err := copyBody(w, resp.Body, streaming)
	if err != nil {
		return n, err
	}
	for k, vv := range resp.Trailer {
		for _, v := range vv {
			h.Add(http.TrailerPrefix+k, v)
		}
	}
	return n, nil
}

// isStreaming reports whether the response must be flushed as it arrives.
func isStreaming(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "text/event-stream"),
		strings.HasPrefix(ct, "application/x-ndjson"),
		strings.HasPrefix(ct, "application/grpc"):
		return true
	}
	return resp.ContentLength < 0
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// copyBody copies the response body, flushing after every read when
// streaming. A client that stops reading aborts the copy, which in turn
// releases the upstream call.
func copyBody(w http.ResponseWriter, body io.Reader, flush bool) (int64, error) {
	rc := http.NewResponseController(w)
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp

	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, errors.ErrStreamAborted.WithDetail("client disconnected").Wrap(werr)
			}
			if flush {
				if err := rc.Flush(); err != nil && !stderrors.Is(err, http.ErrNotSupported) {
					return written, errors.ErrStreamAborted.WithDetail("client disconnected").Wrap(err)
				}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if ge, ok := errors.IsGatewayError(rerr); ok {
				return written, ge
			}
			return written, errors.ErrStreamAborted.WithDetail("upstream stream ended abnormally").Wrap(rerr)
		}
	}
}

// copyHeaders copies headers from source to destination
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders deletes the hop-by-hop headers and every header named
// by Connection.
func removeHopHeaders(header http.Header) {
	for _, f := range header["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				header.Del(sf)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

func headerContainsToken(values []string, token string) bool {
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(textproto.TrimString(t), token) {
				return true
			}
		}
	}
	return false
}

// ClientIP returns the address of the immediate peer.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
