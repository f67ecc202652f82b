package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wudi/oagw/internal/config"
	"github.com/wudi/oagw/internal/gateway"
	"github.com/wudi/oagw/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/oagw.yaml", "Path to configuration file")
	showVersion := pflag.Bool("version", false, "Show version information")
	validateOnly := pflag.Bool("validate", false, "Validate configuration and exit")
	logLevel := pflag.String("log-level", "", "Override the configured log level")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("Outbound API Gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger, err := logging.NewWithOptions(logging.Options{
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
		Rotation: logging.Rotation{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting Outbound API Gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("tenants", len(cfg.Tenants)),
		zap.Int("upstreams", len(cfg.Upstreams)),
		zap.Int("routes", len(cfg.Routes)),
	)

	server, err := gateway.NewServer(cfg, *configPath)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
