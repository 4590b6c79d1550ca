package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"vitals-relay/relay"
)

var version = "dev"

// Configuration comes from the YAML file named by VITALS_RELAY_CONFIG plus
// environment overrides; there are no flags. The process always exits 0.
func main() {
	path := os.Getenv("VITALS_RELAY_CONFIG")
	if path == "" {
		path = "vitals-relay.yaml"
	}

	fileCfg, err := relay.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return
	}
	fileCfg.ApplyEnv(os.Getenv)
	cfg := fileCfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return
	}

	level, _ := relay.ParseLogLevel(cfg.LogLevel)
	logger := relay.NewLogger(os.Stdout, cfg.AppEnv, level, version)
	slog.SetDefault(logger)

	slog.Info("starting",
		"version", version,
		"config", path,
		"log_level", level.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := relay.Run(ctx, cfg, logger); err != nil {
		slog.Error("setup failed", "error", err)
		return
	}
	slog.Info("shutting down")
}
