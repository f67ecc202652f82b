// Package config loads the gateway configuration file: listeners, the
// ambient stack settings, and the tenants, upstreams, routes and secrets
// served by the file-backed provider.
package config

import (
	"time"

	"github.com/wudi/oagw/internal/audit"
	"github.com/wudi/oagw/internal/model"
	"github.com/wudi/oagw/internal/provider"
	"github.com/wudi/oagw/internal/proxy"
	"github.com/wudi/oagw/internal/proxy/grpc"
	"github.com/wudi/oagw/internal/proxy/websocket"
	"github.com/wudi/oagw/internal/sandbox"
	"github.com/wudi/oagw/internal/tracing"
)

// Config represents the complete gateway configuration
type Config struct {
	Listen         ListenConfig         `yaml:"listen"`
	Admin          AdminConfig          `yaml:"admin"`
	Logging        LoggingConfig        `yaml:"logging"`
	Proxy          proxy.Config         `yaml:"proxy"`
	WebSocket      websocket.Config     `yaml:"websocket"`
	GRPC           grpc.Config          `yaml:"grpc"`
	Sandbox        sandbox.Limits       `yaml:"sandbox"`
	Plugins        PluginsConfig        `yaml:"plugins"`
	RateLimitStore RateLimitStoreConfig `yaml:"rate_limit_store"`
	Cache          CacheConfig          `yaml:"cache"`
	Audit          audit.Config         `yaml:"audit"`
	Tracing        tracing.Config       `yaml:"tracing"`
	Shutdown       ShutdownConfig       `yaml:"shutdown"`

	Tenants   []model.Tenant       `yaml:"tenants"`
	Upstreams []model.Upstream     `yaml:"upstreams"`
	Routes    []model.Route        `yaml:"routes"`
	Secrets   []provider.SecretDef `yaml:"secrets"`
}

// ListenConfig defines the proxy listener.
type ListenConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// H2C accepts cleartext HTTP/2 so native gRPC clients can connect
	// without TLS.
	H2C bool      `yaml:"h2c"`
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig defines certificate files for a listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig defines the admin listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	// AccessLog enables the per-request access log line.
	AccessLog bool `yaml:"access_log"`
}

// PluginsConfig configures the plugin registry.
type PluginsConfig struct {
	// BindCacheSize bounds the number of compiled plugin bindings kept.
	BindCacheSize int `yaml:"bind_cache_size"`
}

// Rate limit store kinds.
const (
	StoreLocal = "local"
	StoreRedis = "redis"
)

// RateLimitStoreConfig selects where rate-limit counters live.
type RateLimitStoreConfig struct {
	Type    string        `yaml:"type"`
	IdleTTL time.Duration `yaml:"idle_ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CacheConfig sizes the provider lookup cache.
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// ShutdownConfig defines graceful shutdown settings
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:     ":8080",
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
			H2C:         true,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Output:    "stdout",
			AccessLog: true,
		},
		Proxy:   proxy.DefaultConfig(),
		Sandbox: sandbox.DefaultLimits(),
		Plugins: PluginsConfig{BindCacheSize: 1024},
		RateLimitStore: RateLimitStoreConfig{
			Type:    StoreLocal,
			IdleTTL: 10 * time.Minute,
			Redis: RedisConfig{
				Prefix:  "oagw:",
				Timeout: 50 * time.Millisecond,
			},
		},
		Cache: CacheConfig{
			Size: 4096,
			TTL:  30 * time.Second,
		},
		Audit: audit.DefaultConfig(),
		Tracing: tracing.Config{
			ServiceName: "oagw",
			SampleRate:  1.0,
		},
		Shutdown: ShutdownConfig{Timeout: 30 * time.Second},
	}
}
