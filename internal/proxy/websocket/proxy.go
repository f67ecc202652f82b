// Package websocket proxies WebSocket upgrades. The handshake goes through
// the normal gateway pipeline; once the upstream switches protocols the
// connection is spliced byte for byte until either side closes or the
// idle timeout fires.
package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/model"
)

// Config configures the WebSocket adapter.
type Config struct {
	// IdleTimeout closes a session with no traffic in either direction.
	// An upstream idle timeout takes precedence.
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
	// InsecureSkipVerify disables upstream certificate checks.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Proxy handles WebSocket proxying via HTTP hijack
type Proxy struct {
	cfg    Config
	logger *zap.Logger

	sessions atomic.Int64
}

// NewProxy creates a new WebSocket proxy
func NewProxy(cfg Config, logger *zap.Logger) *Proxy {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 32 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{cfg: cfg, logger: logger}
}

// Sessions returns the number of open sessions.
func (p *Proxy) Sessions() int64 { return p.sessions.Load() }

// IsUpgradeRequest checks if the request is a WebSocket upgrade request
func IsUpgradeRequest(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// PrepareHandshake restores the upgrade headers on an outbound request
// whose hop-by-hop headers were stripped, copying the client's WebSocket
// key, version, protocols and extensions.
func PrepareHandshake(out, in *http.Request) {
	out.Header.Set("Connection", "Upgrade")
	out.Header.Set("Upgrade", "websocket")
	for _, h := range []string{"Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Protocol", "Sec-WebSocket-Extensions"} {
		if v := in.Header.Values(h); len(v) > 0 {
			out.Header[h] = append([]string(nil), v...)
		}
	}
	out.Body = http.NoBody
	out.ContentLength = 0
}

// Result describes a finished session.
type Result struct {
	// Status is the upstream handshake status.
	Status int
	// Upgraded is set once the client connection was taken over. Errors
	// after that point can no longer be rendered to the client.
	Upgraded bool
	BytesIn  int64
	BytesOut int64
	Duration time.Duration
}

// Serve performs the handshake described by out against ep and, on 101,
// splices the client connection of w to the upstream. A non-101 answer is
// relayed to the client as an upstream response. Errors before the
// upstream answered are gateway errors and nothing has been written to w.
func (p *Proxy) Serve(ctx context.Context, w http.ResponseWriter, out *http.Request, u *model.Upstream, ep model.Endpoint, decorate func(http.Header)) (Result, error) {
	start := time.Now()
	var res Result

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return res, errors.ErrInternal.WithDetail("connection does not support upgrades")
	}

	upstream, err := p.dial(ctx, u, ep)
	if err != nil {
		return res, errors.ClassifyUpstream(err)
	}
	defer upstream.Close()

	upstream.SetDeadline(time.Now().Add(p.handshakeTimeout(u)))
	if err := out.Write(upstream); err != nil {
		return res, errors.ClassifyUpstream(err)
	}
	br := bufio.NewReaderSize(upstream, p.cfg.BufferSize)
	resp, err := http.ReadResponse(br, out)
	if err != nil {
		var ne net.Error
		if stderrors.As(err, &ne) && ne.Timeout() {
			return res, errors.ErrRequestTimeout.WithDetail("upstream did not answer the upgrade").Wrap(err)
		}
		return res, errors.ErrProtocol.WithDetail("invalid upgrade response from upstream").Wrap(err)
	}
	upstream.SetDeadline(time.Time{})
	res.Status = resp.StatusCode

	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer resp.Body.Close()
		h := w.Header()
		for k, vv := range resp.Header {
			h[k] = append([]string(nil), vv...)
		}
		for _, hop := range []string{"Connection", "Upgrade", "Keep-Alive", "Transfer-Encoding"} {
			h.Del(hop)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			h.Set(errors.HeaderErrorSource, errors.SourceUpstream)
		}
		if decorate != nil {
			decorate(h)
		}
		w.WriteHeader(resp.StatusCode)
		n, _ := io.Copy(w, resp.Body)
		res.BytesOut = n
		res.Duration = time.Since(start)
		return res, nil
	}

	client, clientBuf, err := hijacker.Hijack()
	if err != nil {
		return res, errors.ErrInternal.WithDetail("failed to take over client connection").Wrap(err)
	}
	defer client.Close()
	res.Upgraded = true

	if decorate != nil {
		decorate(resp.Header)
	}
	if err := resp.Write(client); err != nil {
		res.Duration = time.Since(start)
		return res, errors.ErrStreamAborted.WithDetail("client disconnected during upgrade").Wrap(err)
	}

	p.sessions.Add(1)
	defer p.sessions.Add(-1)

	idle := p.idleTimeout(u)
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	g, gctx := errgroup.WithContext(ctx)
	var in, outBytes int64
	g.Go(func() error {
		n, err := p.pump(upstream, clientBuf.Reader, client, idle, &lastActivity)
		in = n
		return err
	})
	g.Go(func() error {
		n, err := p.pump(client, br, upstream, idle, &lastActivity)
		outBytes = n
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		// Either side finished or the gateway is shutting down; unblock
		// the other direction.
		client.Close()
		upstream.Close()
		return nil
	})
	err = g.Wait()

	res.BytesIn, res.BytesOut = in, outBytes
	res.Duration = time.Since(start)
	if err != nil && !isClosed(err) {
		p.logger.Debug("websocket session ended", zap.String("upstream_id", u.ID), zap.Error(err))
		return res, errors.ErrStreamAborted.WithDetail("websocket session aborted").Wrap(err)
	}
	return res, nil
}

var errSessionDone = stderrors.New("websocket session done")

// pump copies src to dst. Reads time out when neither direction saw
// traffic for idle. It always returns a non-nil error so the errgroup
// tears the session down.
func (p *Proxy) pump(dst net.Conn, src io.Reader, srcConn net.Conn, idle time.Duration, last *atomic.Int64) (int64, error) {
	buf := make([]byte, p.cfg.BufferSize)
	var total int64
	for {
		srcConn.SetReadDeadline(time.Now().Add(idle))
		n, rerr := src.Read(buf)
		if n > 0 {
			last.Store(time.Now().UnixNano())
			dst.SetWriteDeadline(time.Now().Add(idle))
			m, werr := dst.Write(buf[:n])
			total += int64(m)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == nil {
			continue
		}
		var ne net.Error
		if stderrors.As(rerr, &ne) && ne.Timeout() {
			// The other direction may still be active.
			if time.Since(time.Unix(0, last.Load())) < idle {
				continue
			}
			return total, errors.ErrStreamAborted.WithDetail("websocket idle timeout")
		}
		if rerr == io.EOF {
			return total, errSessionDone
		}
		return total, rerr
	}
}

func (p *Proxy) dial(ctx context.Context, u *model.Upstream, ep model.Endpoint) (net.Conn, error) {
	timeout := p.cfg.DialTimeout
	if u.Timeouts.Connect > 0 {
		timeout = u.Timeouts.Connect
	}
	port := ep.Port
	if port == 0 {
		port = 80
		if ep.Secure() {
			port = 443
		}
	}
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(port))
	d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if !ep.Secure() {
		return d.DialContext(ctx, "tcp", addr)
	}
	td := &tls.Dialer{
		NetDialer: d,
		Config: &tls.Config{
			ServerName:         ep.Host,
			NextProtos:         []string{"http/1.1"},
			InsecureSkipVerify: p.cfg.InsecureSkipVerify,
		},
	}
	return td.DialContext(ctx, "tcp", addr)
}

func (p *Proxy) idleTimeout(u *model.Upstream) time.Duration {
	if u.Timeouts.Idle > 0 {
		return u.Timeouts.Idle
	}
	return p.cfg.IdleTimeout
}

func (p *Proxy) handshakeTimeout(u *model.Upstream) time.Duration {
	if u.Timeouts.Request > 0 {
		return u.Timeouts.Request
	}
	return p.cfg.HandshakeTimeout
}

func isClosed(err error) bool {
	return stderrors.Is(err, errSessionDone) || stderrors.Is(err, net.ErrClosed) || stderrors.Is(err, io.EOF)
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
