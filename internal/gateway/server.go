package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/oagw/internal/config"
	"github.com/wudi/oagw/internal/logging"
)

// Server wraps the gateway with its proxy and admin listeners.
type Server struct {
	gateway     *Gateway
	proxyServer *http.Server
	adminServer *http.Server
	watcher     *config.Watcher
	config      *config.Config
	configPath  string
	startTime   time.Time

	proxyAddr net.Addr
	adminAddr net.Addr

	mu            sync.Mutex
	reloadHistory []ReloadResult
}

// NewServer creates a new gateway server.
// configPath is the path to the YAML config file (used for reload).
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		config:     cfg,
		configPath: configPath,
		startTime:  time.Now(),
	}

	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetHTTP2(true)
	protocols.SetUnencryptedHTTP2(cfg.Listen.H2C)
	s.proxyServer = &http.Server{
		Addr:         cfg.Listen.Address,
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Listen.ReadTimeout,
		WriteTimeout: cfg.Listen.WriteTimeout,
		IdleTimeout:  cfg.Listen.IdleTimeout,
		Protocols:    &protocols,
		ErrorLog:     zap.NewStdLog(logging.Global().Named("http")),
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	if configPath != "" {
		s.watcher, err = config.NewWatcher(configPath, s.applyConfig)
		if err != nil {
			gw.Close()
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
	}

	return s, nil
}

// Gateway returns the wrapped gateway.
func (s *Server) Gateway() *Gateway { return s.gateway }

// ProxyAddr returns the bound proxy address once Start returned.
func (s *Server) ProxyAddr() net.Addr { return s.proxyAddr }

// AdminAddr returns the bound admin address, or nil when the admin
// listener is disabled.
func (s *Server) AdminAddr() net.Addr { return s.adminAddr }

// Start binds the listeners and serves them in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.proxyServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.proxyServer.Addr, err)
	}
	s.proxyAddr = ln.Addr()

	tls := s.config.Listen.TLS
	go func() {
		logging.Info("Starting proxy listener",
			zap.String("address", ln.Addr().String()),
			zap.Bool("tls", tls.Enabled),
			zap.Bool("h2c", s.config.Listen.H2C),
		)
		var err error
		if tls.Enabled {
			err = s.proxyServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = s.proxyServer.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			logging.Error("Proxy listener failed", zap.Error(err))
		}
	}()

	if s.adminServer != nil {
		aln, err := net.Listen("tcp", s.adminServer.Addr)
		if err != nil {
			s.proxyServer.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.adminServer.Addr, err)
		}
		s.adminAddr = aln.Addr()
		go func() {
			logging.Info("Starting admin server", zap.String("address", aln.Addr().String()))
			if err := s.adminServer.Serve(aln); err != nil && err != http.ErrServerClosed {
				logging.Error("Admin server failed", zap.Error(err))
			}
		}()
	}

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logging.Warn("Config file watching disabled", zap.Error(err))
		}
	}
	return nil
}

// Run starts the server and handles graceful shutdown.
// SIGHUP triggers a config reload; SIGINT/SIGTERM triggers shutdown.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			result := s.ReloadConfig()
			if result.Success {
				logging.Info("Config reloaded successfully",
					zap.Int("changes", len(result.Changes)),
				)
			} else {
				logging.Error("Config reload failed",
					zap.String("error", result.Error),
				)
			}
		default:
			logging.Info("Shutting down gracefully...")
			return s.Shutdown(s.config.Shutdown.Timeout)
		}
	}

	return nil
}

// Shutdown stops accepting calls, waits up to timeout for in-flight calls
// and releases the gateway.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}

	if err := s.proxyServer.Shutdown(ctx); err != nil {
		logging.Error("Proxy listener shutdown error", zap.Error(err))
	}

	if err := s.gateway.Close(); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		return err
	}

	logging.Info("Server shutdown complete")
	return nil
}

// ReloadConfig loads a new config from the config path and performs a hot reload.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return ReloadResult{
			Timestamp: time.Now(),
			Error:     "no config path configured",
		}
	}

	newCfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		s.gateway.metrics.RecordReload(err)
		result := ReloadResult{
			Timestamp: time.Now(),
			Error:     fmt.Sprintf("config load failed: %v", err),
		}
		s.record(result)
		return result
	}
	return s.reload(newCfg)
}

// applyConfig is the watcher callback.
func (s *Server) applyConfig(cfg *config.Config) {
	result := s.reload(cfg)
	if !result.Success {
		logging.Error("Config reload failed", zap.String("error", result.Error))
	}
}

func (s *Server) reload(cfg *config.Config) ReloadResult {
	result := s.gateway.Reload(cfg)
	s.record(result)
	return result
}

func (s *Server) record(result ReloadResult) {
	s.mu.Lock()
	s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
	s.mu.Unlock()
}

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", s.gateway.metrics.Handler())
	mux.HandleFunc("/reload", s.handleReload)
	mux.HandleFunc("/reload/status", s.handleReloadStatus)

	return mux
}

// handleHealth handles health check requests with dependency checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]interface{})
	allHealthy := true

	if s.gateway.redisClient != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		err := s.gateway.redisClient.Ping(ctx).Err()
		redisStatus := map[string]interface{}{
			"status": boolStatus(err == nil),
		}
		if err != nil {
			redisStatus["error"] = err.Error()
			allHealthy = false
		}
		checks["redis"] = redisStatus
	}

	checks["tracing"] = map[string]interface{}{
		"status":  "ok",
		"enabled": s.gateway.tracer.IsEnabled(),
	}

	status := http.StatusOK
	statusStr := "ok"
	if !allHealthy {
		status = http.StatusServiceUnavailable
		statusStr = "degraded"
	}

	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

// handleReady reports ready once at least one upstream is configured.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	upstreams := len(s.gateway.state.Load().memory.Upstreams())
	response := map[string]interface{}{
		"upstreams": upstreams,
	}
	if upstreams > 0 {
		w.WriteHeader(http.StatusOK)
		response["status"] = "ready"
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		response["status"] = "not_ready"
		response["reasons"] = []string{"no upstreams configured"}
	}
	json.NewEncoder(w).Encode(response)
}

// handleStats handles stats requests
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.gateway.GetStats())
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	result := s.ReloadConfig()
	if !result.Success {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(result)
}

// handleReloadStatus returns the reload history.
func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.mu.Lock()
	history := append([]ReloadResult(nil), s.reloadHistory...)
	s.mu.Unlock()
	json.NewEncoder(w).Encode(history)
}
