package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wudi/oagw/internal/model"
)

// TransportConfig configures the HTTP transports used for upstream calls
type TransportConfig struct {
	// Connection settings
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`

	// Timeouts
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout"`

	// TLS settings
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`

	DisableKeepAlives bool `yaml:"disable_keep_alives"`

	DNS DNSConfig `yaml:"dns"`
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          512,
	MaxIdleConnsPerHost:   64,
	MaxConnsPerHost:       0, // unlimited
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           10 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// protoMode selects the wire protocols a transport may speak.
type protoMode int

const (
	// modeHTTP1 speaks HTTP/1.1 only.
	modeHTTP1 protoMode = iota
	// modeNegotiate offers h2 and http/1.1 through ALPN.
	modeNegotiate
	// modeHTTP2 speaks h2 only, with prior knowledge on cleartext.
	modeHTTP2
)

func (m protoMode) String() string {
	switch m {
	case modeNegotiate:
		return "negotiate"
	case modeHTTP2:
		return "h2"
	default:
		return "http/1.1"
	}
}

// NewTransport creates an HTTP transport for mode. connect overrides the
// dial timeout when positive.
func NewTransport(cfg TransportConfig, mode protoMode, connect time.Duration) (*http.Transport, error) {
	dialTimeout := cfg.DialTimeout
	if connect > 0 {
		dialTimeout = connect
	}
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
		Resolver:  newDNSResolver(cfg.DNS),
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     mode != modeHTTP1,
		// Responses are streamed verbatim; never let the transport decode them.
		DisableCompression: true,
	}

	protocols := new(http.Protocols)
	switch mode {
	case modeNegotiate:
		protocols.SetHTTP1(true)
		protocols.SetHTTP2(true)
	case modeHTTP2:
		protocols.SetHTTP2(true)
		protocols.SetUnencryptedHTTP2(true)
	default:
		protocols.SetHTTP1(true)
	}
	t.Protocols = protocols
	return t, nil
}

type poolKey struct {
	mode    protoMode
	connect time.Duration
}

// PoolStats is a snapshot of the transport pool.
type PoolStats struct {
	Transports int `json:"transports"`
	// HTTP1Pinned is the number of endpoints currently pinned to HTTP/1.1.
	HTTP1Pinned int   `json:"http1_pinned"`
	Fallbacks   int64 `json:"fallbacks"`
}

// TransportPool hands out transports per protocol mode and connect timeout,
// and remembers which endpoints failed to negotiate h2.
type TransportPool struct {
	cfg TransportConfig

	mu         sync.Mutex
	transports map[poolKey]*http.Transport

	// http1 holds endpoint authorities that answered h2 offers with
	// HTTP/1.1. Entries expire so h2 support is tried again.
	http1     *expirable.LRU[string, struct{}]
	fallbacks atomic.Int64
}

// NewTransportPool creates a pool. ttl bounds how long an h2 fallback is
// remembered.
func NewTransportPool(cfg TransportConfig, size int, ttl time.Duration) *TransportPool {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TransportPool{
		cfg:        cfg,
		transports: make(map[poolKey]*http.Transport),
		http1:      expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// modeFor picks the protocol mode of a call to ep.
func (tp *TransportPool) modeFor(u *model.Upstream, ep model.Endpoint) protoMode {
	if u.Protocol == model.ProtocolGRPC {
		return modeHTTP2
	}
	if !ep.Secure() {
		return modeHTTP1
	}
	if _, pinned := tp.http1.Get(ep.Authority()); pinned {
		return modeHTTP1
	}
	return modeNegotiate
}

// Get returns the transport for a call to ep of u along with its mode.
func (tp *TransportPool) Get(u *model.Upstream, ep model.Endpoint) (*http.Transport, protoMode, error) {
	mode := tp.modeFor(u, ep)
	key := poolKey{mode: mode, connect: u.Timeouts.Connect}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if t, ok := tp.transports[key]; ok {
		return t, mode, nil
	}
	t, err := NewTransport(tp.cfg, mode, u.Timeouts.Connect)
	if err != nil {
		return nil, mode, err
	}
	tp.transports[key] = t
	return t, mode, nil
}

// observe records the outcome of a negotiated call. An endpoint that
// answers with HTTP/1.1, or fails at the h2 layer, is pinned to HTTP/1.1.
func (tp *TransportPool) observe(ep model.Endpoint, mode protoMode, resp *http.Response, err error) bool {
	if mode != modeNegotiate {
		return false
	}
	switch {
	case resp != nil && resp.ProtoMajor == 1:
	case err != nil && isHTTP2Failure(err):
	default:
		return false
	}
	if !tp.http1.Contains(ep.Authority()) {
		tp.fallbacks.Add(1)
	}
	tp.http1.Add(ep.Authority(), struct{}{})
	return true
}

func isHTTP2Failure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "http2:") || strings.Contains(msg, "HTTP/2")
}

// Stats returns a snapshot of the pool.
func (tp *TransportPool) Stats() PoolStats {
	tp.mu.Lock()
	n := len(tp.transports)
	tp.mu.Unlock()
	return PoolStats{
		Transports:  n,
		HTTP1Pinned: tp.http1.Len(),
		Fallbacks:   tp.fallbacks.Load(),
	}
}

// CloseIdleConnections closes idle connections on all transports
func (tp *TransportPool) CloseIdleConnections() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}

// Reset drops every transport and the negotiation cache.
func (tp *TransportPool) Reset() {
	tp.mu.Lock()
	old := tp.transports
	tp.transports = make(map[poolKey]*http.Transport)
	tp.mu.Unlock()
	for _, t := range old {
		t.CloseIdleConnections()
	}
	tp.http1.Purge()
}
