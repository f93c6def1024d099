// Package main is the entry point for bypassgate, an HTTP gateway that
// resolves shortened or protected links by trying a list of third-party
// resolver providers in order, with per-client abuse throttling in front.
//
// Configuration comes from a YAML file (BYPASSGATE_CONFIG_FILE) with
// BYPASSGATE_* environment overrides, and is hot-reloaded on change.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tekscripts/bypassgate/internal/config"
	"github.com/tekscripts/bypassgate/internal/observability"
	iredis "github.com/tekscripts/bypassgate/internal/redis"
	"github.com/tekscripts/bypassgate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("bypassgate %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "check-config" {
		fmt.Println("configuration OK")
		return
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	iredis.InitLogger(logger)
	logger.Info("starting bypassgate", "version", version, "api_key", cfg.Resolver.APIKey)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("bypassgate shut down gracefully")
}
