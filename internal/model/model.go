// Package model holds the upstream, route and tenant definitions the gateway
// reads from its config provider. Values are treated as immutable once handed
// to the request path.
package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// SharingMode governs how a config dimension propagates to descendant tenants.
type SharingMode string

const (
	SharingPrivate SharingMode = "private"
	SharingInherit SharingMode = "inherit"
	SharingEnforce SharingMode = "enforce"
)

// Valid reports whether m is a known sharing mode. The empty mode is
// treated as private.
func (m SharingMode) Valid() bool {
	switch m {
	case "", SharingPrivate, SharingInherit, SharingEnforce:
		return true
	}
	return false
}

// Normalize maps the empty mode to private.
func (m SharingMode) Normalize() SharingMode {
	if m == "" {
		return SharingPrivate
	}
	return m
}

// Protocol is the upstream wire protocol.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

// PathSuffixMode controls whether extra inbound path segments are forwarded.
type PathSuffixMode string

const (
	PathSuffixDisabled PathSuffixMode = "disabled"
	PathSuffixAppend   PathSuffixMode = "append"
)

// Endpoint is one concrete target of an upstream.
type Endpoint struct {
	Scheme string `yaml:"scheme"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	// Priority selects between endpoints when no pool member is named by
	// the Host header. Lower wins.
	Priority int `yaml:"priority"`
}

// Authority returns host[:port], omitting default ports.
func (e Endpoint) Authority() string {
	if e.Port == 0 || (e.Port == 443 && e.Scheme == "https") || (e.Port == 80 && e.Scheme == "http") ||
		(e.Port == 443 && e.Scheme == "wss") || (e.Port == 80 && e.Scheme == "ws") {
		return e.Host
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BaseURL returns scheme://authority.
func (e Endpoint) BaseURL() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + e.Authority()
}

// Secure reports whether the endpoint uses TLS.
func (e Endpoint) Secure() bool {
	return e.Scheme == "" || e.Scheme == "https" || e.Scheme == "wss" || e.Scheme == "grpcs"
}

// Timeouts bounds the single upstream attempt.
type Timeouts struct {
	Connect time.Duration `yaml:"connect"`
	Request time.Duration `yaml:"request"`
	Idle    time.Duration `yaml:"idle"`
}

// CircuitBreakerConfig enables a per-upstream breaker. An open breaker fails
// fast; it never causes a retry.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests"`
}

// AuthConfig names the outbound credential a request must carry.
type AuthConfig struct {
	// Type is a plugin reference such as "auth.bearer".
	Type      string         `yaml:"type"`
	SecretRef string         `yaml:"secret_ref"`
	Config    map[string]any `yaml:"config"`
}

// Algorithm is the rate-limit counting algorithm.
type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
)

// Scope selects which identifier a rate-limit counter is keyed by.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeTenant Scope = "tenant"
	ScopeUser   Scope = "user"
	ScopeIP     Scope = "ip"
	ScopeRoute  Scope = "route"
)

// Strategy decides what happens to a request over the limit.
type Strategy string

const (
	StrategyReject  Strategy = "reject"
	StrategyQueue   Strategy = "queue"
	StrategyDegrade Strategy = "degrade"
)

// Sustained is the long-run admission rate: Rate units per Window.
type Sustained struct {
	Rate   int64         `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

// PerSecond returns the sustained rate normalized to one second.
func (s Sustained) PerSecond() float64 {
	w := s.Window
	if w <= 0 {
		w = time.Second
	}
	return float64(s.Rate) / w.Seconds()
}

// Burst is the token-bucket capacity.
type Burst struct {
	Capacity int64 `yaml:"capacity"`
}

// QueueConfig bounds how long a queued caller waits for admission.
type QueueConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig describes one admission limit.
type RateLimitConfig struct {
	Algorithm       Algorithm   `yaml:"algorithm"`
	Sustained       Sustained   `yaml:"sustained"`
	Burst           *Burst      `yaml:"burst"`
	Scope           Scope       `yaml:"scope"`
	Strategy        Strategy    `yaml:"strategy"`
	Queue           QueueConfig `yaml:"queue"`
	Cost            int64       `yaml:"cost"`
	ResponseHeaders bool        `yaml:"response_headers"`
}

// Capacity returns the bucket capacity, defaulting to the sustained rate.
func (c *RateLimitConfig) Capacity() int64 {
	if c.Burst != nil && c.Burst.Capacity > 0 {
		return c.Burst.Capacity
	}
	return c.Sustained.Rate
}

// CallCost returns the per-call weight, defaulting to 1.
func (c *RateLimitConfig) CallCost() int64 {
	if c.Cost <= 0 {
		return 1
	}
	return c.Cost
}

// Validate checks a rate-limit config for unknown enum values.
func (c *RateLimitConfig) Validate() error {
	switch c.Algorithm {
	case AlgorithmTokenBucket, AlgorithmSlidingWindow:
	case "":
		return fmt.Errorf("rate_limit: algorithm is required")
	default:
		return fmt.Errorf("rate_limit: unknown algorithm %q", c.Algorithm)
	}
	switch c.Scope {
	case "", ScopeGlobal, ScopeTenant, ScopeUser, ScopeIP, ScopeRoute:
	default:
		return fmt.Errorf("rate_limit: unknown scope %q", c.Scope)
	}
	switch c.Strategy {
	case "", StrategyReject, StrategyQueue, StrategyDegrade:
	default:
		return fmt.Errorf("rate_limit: unknown strategy %q", c.Strategy)
	}
	if c.Sustained.Rate <= 0 {
		return fmt.Errorf("rate_limit: sustained.rate must be > 0")
	}
	if c.Sustained.Window < 0 {
		return fmt.Errorf("rate_limit: sustained.window must not be negative")
	}
	if c.Strategy == StrategyQueue && c.Queue.Timeout <= 0 {
		return fmt.Errorf("rate_limit: queue.timeout must be > 0 for strategy queue")
	}
	return nil
}

// CORSConfig is the cross-origin policy applied locally by the gateway.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// Validate rejects the wildcard-origin-with-credentials combination.
func (c *CORSConfig) Validate() error {
	if !c.AllowCredentials {
		return nil
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return fmt.Errorf("cors: allowed_origins \"*\" cannot be combined with allow_credentials")
		}
	}
	return nil
}

// Phase is the pipeline phase a plugin binding runs in.
type Phase string

const (
	PhaseRequest  Phase = "on_request"
	PhaseResponse Phase = "on_response"
	PhaseError    Phase = "on_error"
)

// PluginBinding attaches a plugin to an upstream or route.
type PluginBinding struct {
	Ref    string         `yaml:"plugin"`
	Phase  Phase          `yaml:"phase"`
	Config map[string]any `yaml:"config"`
	Order  int            `yaml:"order"`
	// When is an optional boolean expression evaluated against the request.
	When string `yaml:"when"`
}

// PhaseOrDefault returns the binding phase, defaulting to on_request.
func (b PluginBinding) PhaseOrDefault() Phase {
	if b.Phase == "" {
		return PhaseRequest
	}
	return b.Phase
}

// AuthDimension is the shared auth dimension of an upstream.
type AuthDimension struct {
	Mode  SharingMode `yaml:"mode"`
	Value *AuthConfig `yaml:"value"`
}

// RateLimitDimension is the shared rate-limit dimension of an upstream.
type RateLimitDimension struct {
	Mode  SharingMode      `yaml:"mode"`
	Value *RateLimitConfig `yaml:"value"`
}

// PluginDimension is the shared plugin dimension of an upstream.
type PluginDimension struct {
	Mode  SharingMode     `yaml:"mode"`
	Value []PluginBinding `yaml:"value"`
}

// CORSDimension is the shared CORS dimension of an upstream.
type CORSDimension struct {
	Mode  SharingMode `yaml:"mode"`
	Value *CORSConfig `yaml:"value"`
}

// Upstream is an external target reachable under a tenant-scoped alias.
type Upstream struct {
	ID        string     `yaml:"id"`
	TenantID  string     `yaml:"tenant"`
	Alias     string     `yaml:"alias"`
	Protocol  Protocol   `yaml:"protocol"`
	Endpoints []Endpoint `yaml:"endpoints"`

	Auth      AuthDimension      `yaml:"auth"`
	RateLimit RateLimitDimension `yaml:"rate_limit"`
	Plugins   PluginDimension    `yaml:"plugins"`
	CORS      CORSDimension      `yaml:"cors"`

	Timeouts       Timeouts              `yaml:"timeouts"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
	// MaxBodySize overrides the gateway-wide request body limit when > 0.
	MaxBodySize int64 `yaml:"max_body_size"`
}

// IsPool reports whether the upstream has several endpoints addressed by Host.
func (u *Upstream) IsPool() bool {
	return len(u.Endpoints) > 1
}

// Route is the HTTP match rule for calls to an upstream.
type Route struct {
	ID             string          `yaml:"id"`
	UpstreamID     string          `yaml:"upstream"`
	Methods        []string        `yaml:"methods"`
	Path           string          `yaml:"path"`
	QueryAllowlist []string        `yaml:"query_allowlist"`
	PathSuffixMode PathSuffixMode  `yaml:"path_suffix_mode"`
	Enabled        *bool           `yaml:"enabled"`
	Plugins        []PluginBinding `yaml:"plugins"`
	// GRPC names the service method a JSON request is transcoded to.
	GRPC *GRPCTarget `yaml:"grpc"`
}

// IsEnabled reports whether the route forwards traffic. Routes default to
// enabled.
func (r *Route) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// AllowsMethod reports whether method is in the allowlist. An empty
// allowlist admits every method.
func (r *Route) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// GRPCTarget identifies a fully-qualified gRPC method.
type GRPCTarget struct {
	Service string `yaml:"service"`
	Method  string `yaml:"method"`
}

// Grants are per-tenant permissions to override inherited dimensions.
type Grants struct {
	OverrideAuth bool `yaml:"override_auth"`
	OverrideRate bool `yaml:"override_rate"`
	AddPlugins   bool `yaml:"add_plugins"`
}

// Tenant is a node in the tenant hierarchy.
type Tenant struct {
	ID       string `yaml:"id"`
	ParentID string `yaml:"parent"`
	Grants   Grants `yaml:"grants"`
}
