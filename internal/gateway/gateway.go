package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/oagw/internal/audit"
	"github.com/wudi/oagw/internal/config"
	"github.com/wudi/oagw/internal/errors"
	"github.com/wudi/oagw/internal/logging"
	"github.com/wudi/oagw/internal/metrics"
	"github.com/wudi/oagw/internal/middleware"
	"github.com/wudi/oagw/internal/model"
	"github.com/wudi/oagw/internal/plugin"
	"github.com/wudi/oagw/internal/plugin/builtin"
	"github.com/wudi/oagw/internal/provider"
	"github.com/wudi/oagw/internal/proxy"
	"github.com/wudi/oagw/internal/proxy/grpc"
	"github.com/wudi/oagw/internal/proxy/websocket"
	"github.com/wudi/oagw/internal/ratelimit"
	"github.com/wudi/oagw/internal/resolver"
	"github.com/wudi/oagw/internal/sandbox"
	"github.com/wudi/oagw/internal/tenant"
	"github.com/wudi/oagw/internal/tracing"
)

// ProxyPrefix is the mount point of the proxy invocation path. The first
// segment after it is the alias.
const ProxyPrefix = "/api/oagw/v1/proxy"

// Inbound identity headers. They address the gateway and are stripped from
// the outbound request.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

// state is the part of the gateway rebuilt on every config reload.
type state struct {
	config   *config.Config
	memory   *provider.Memory
	provider *provider.Cached
	tenants  *tenant.Resolver
	resolver *resolver.Resolver
}

// Gateway is the proxy orchestrator. It resolves every inbound call to an
// upstream, merges the configuration along the tenant chain, admits it
// against the rate limiter, runs the plugin chain and dispatches it to the
// protocol adapter.
type Gateway struct {
	state atomic.Pointer[state]

	logger   *zap.Logger
	secrets  *provider.Secrets
	runtime  *sandbox.Runtime
	pipeline *plugin.Pipeline
	limiter  *ratelimit.Limiter
	store    ratelimit.Store

	redisClient *redis.Client

	proxy      *proxy.Proxy
	websocket  *websocket.Proxy
	transcoder *grpc.Transcoder

	audit   *audit.Logger
	tracer  *tracing.Tracer
	metrics *metrics.Collector
}

// New creates a gateway from cfg.
func New(cfg *config.Config) (*Gateway, error) {
	logger := logging.Global()

	g := &Gateway{
		logger:  logger,
		secrets: provider.NewSecrets(cfg.Secrets, provider.EnvSource{}, provider.FileSource{}),
		runtime: sandbox.New(cfg.Sandbox),
		metrics: metrics.NewCollector(),
	}

	registry, err := builtin.NewRegistry(g.runtime, cfg.Plugins.BindCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to register plugins: %w", err)
	}
	if err := config.ValidatePlugins(cfg, registry); err != nil {
		return nil, err
	}
	g.pipeline = plugin.NewPipeline(registry, func(ref string, phase model.Phase, action plugin.Action, err error, elapsed time.Duration) {
		g.metrics.ObservePlugin(ref, string(phase), action.String(), err, elapsed)
	})

	st, err := buildState(cfg)
	if err != nil {
		return nil, err
	}
	g.state.Store(st)

	switch cfg.RateLimitStore.Type {
	case config.StoreRedis:
		rc := cfg.RateLimitStore.Redis
		g.redisClient = redis.NewClient(&redis.Options{
			Addr:     rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
			PoolSize: rc.PoolSize,
		})
		g.store = ratelimit.NewRedisStore(ratelimit.RedisStoreConfig{
			Client:  g.redisClient,
			Prefix:  rc.Prefix,
			Timeout: rc.Timeout,
			Logger:  logger.Named("ratelimit"),
		})
	default:
		g.store = ratelimit.NewLocalStore(cfg.RateLimitStore.IdleTTL)
	}
	g.limiter = ratelimit.NewLimiter(g.store, logger.Named("ratelimit"))

	g.proxy = proxy.New(cfg.Proxy, logger.Named("proxy"))
	g.websocket = websocket.NewProxy(cfg.WebSocket, logger.Named("websocket"))
	g.transcoder = grpc.New(cfg.GRPC, g.proxy.Breakers(), logger.Named("grpc"))

	sink, err := audit.NewSink(cfg.Audit, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit sink: %w", err)
	}
	g.audit = audit.New(cfg.Audit, sink, logger.Named("audit"))

	g.tracer, err = tracing.New(cfg.Tracing)
	if err != nil {
		g.audit.Close()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	g.metrics.GaugeFunc("ws_sessions", "Open WebSocket sessions.", func() float64 {
		return float64(g.websocket.Sessions())
	})
	g.metrics.GaugeFunc("http_streams", "Responses currently streamed to clients.", func() float64 {
		return float64(g.proxy.Streams())
	})
	g.metrics.GaugeFunc("grpc_streams", "Transcoded gRPC calls in flight.", func() float64 {
		return float64(g.transcoder.Stats().Streams)
	})
	g.metrics.GaugeFunc("rate_limit_counters", "Live rate-limit counters.", func() float64 {
		return float64(g.store.Len())
	})

	return g, nil
}

func buildState(cfg *config.Config) (*state, error) {
	mem, err := config.BuildProvider(cfg)
	if err != nil {
		return nil, err
	}
	cached := provider.NewCached(mem, cfg.Cache.Size, cfg.Cache.TTL)
	return &state{
		config:   cfg,
		memory:   mem,
		provider: cached,
		tenants:  tenant.NewResolver(cached),
		resolver: resolver.New(cached),
	}, nil
}

// Config returns the running configuration.
func (g *Gateway) Config() *config.Config { return g.state.Load().config }

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector { return g.metrics }

// Handler returns the proxy handler wrapped in the ambient middleware.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.HandleMethodNotAllowed = false
	router.HandleOPTIONS = false
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.NotFound().WithInstance(r.URL.Path).Write(w)
	})
	for _, m := range []string{
		http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions,
	} {
		router.Handle(m, ProxyPrefix+"/*rest", g.serveProxy)
	}

	cfg := g.Config()
	chain := middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
	).AppendIf(cfg.Logging.AccessLog, middleware.AccessLog(g.logger.Named("access"))).
		Append(g.tracer.Middleware())

	return chain.Then(router)
}

// splitAlias splits "/alias/rest/of/path" into the alias and the upstream
// path.
func splitAlias(rest string) (alias, path string) {
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], rest[i:]
	}
	return rest, ""
}

func (g *Gateway) serveProxy(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	alias, path := splitAlias(ps.ByName("rest"))
	c := &call{
		g:     g,
		st:    g.state.Load(),
		w:     w,
		r:     r,
		info:  middleware.InfoFrom(r.Context()),
		start: time.Now(),
	}
	c.info.Alias = alias
	c.serve(alias, path)
	c.finish()
}

// Stats is the admin view of the gateway's runtime counters.
type Stats struct {
	RateLimit  ratelimit.Stats                  `json:"rate_limit"`
	Transports proxy.PoolStats                  `json:"transports"`
	Breakers   map[string]proxy.BreakerSnapshot `json:"circuit_breakers"`
	Streams    int64                            `json:"http_streams"`
	WebSockets int64                            `json:"websocket_sessions"`
	GRPC       grpc.Stats                       `json:"grpc"`
	Provider   provider.CacheStats              `json:"provider_cache"`
	Audit      audit.Stats                      `json:"audit"`
	Upstreams  int                              `json:"upstreams"`
}

// GetStats returns a snapshot of the runtime counters.
func (g *Gateway) GetStats() Stats {
	st := g.state.Load()
	return Stats{
		RateLimit:  g.limiter.Stats(),
		Transports: g.proxy.Pool().Stats(),
		Breakers:   g.proxy.Breakers().Snapshot(),
		Streams:    g.proxy.Streams(),
		WebSockets: g.websocket.Sessions(),
		GRPC:       g.transcoder.Stats(),
		Provider:   st.provider.Stats(),
		Audit:      g.audit.Stats(),
		Upstreams:  len(st.memory.Upstreams()),
	}
}

// Close releases the gateway's resources. In-flight calls must have
// finished.
func (g *Gateway) Close() error {
	var errs []error
	if err := g.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.tracer.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if err := g.transcoder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("grpc: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rate limit store: %w", err))
	}
	return stderrors.Join(errs...)
}
