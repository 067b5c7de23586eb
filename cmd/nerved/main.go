// Command nerved is the nerve daemon: it owns sessions of terminal, bash,
// LLM, and MCP nodes and serves the IPC socket plus the optional HTTP
// gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nervehq/nerve/internal/common/config"
	"github.com/nervehq/nerve/internal/common/logger"
	"github.com/nervehq/nerve/internal/engine"
	"github.com/nervehq/nerve/internal/events/bus"
	"github.com/nervehq/nerve/internal/gateway"
	"github.com/nervehq/nerve/internal/session"
	"github.com/nervehq/nerve/internal/transport"
)

// shutdownGrace bounds how long teardown may take once a stop is requested.
const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("daemon failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	applyPathDefaults(cfg)

	eventBus, err := buildBus(cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	registry := session.NewRegistry(session.Options{
		ServerName:     cfg.Server.Name,
		HistoryEnabled: cfg.History.Enabled,
		HistoryBaseDir: cfg.History.BaseDir,
	}, log)

	eng := engine.New(cfg, eventBus, registry, log)

	srv := transport.NewServer(cfg.Transport, eng, eventBus, log)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway, eng, eventBus, log)
		if err := gw.Start(); err != nil {
			srv.Close()
			return fmt.Errorf("gateway: %w", err)
		}
	}

	log.Info("nerved started",
		zap.String("server", cfg.Server.Name),
		zap.Bool("gateway", cfg.Gateway.Enabled))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("signal received", zap.String("signal", sig.String()))
	case <-eng.ShutdownRequested():
		log.Info("shutdown command received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if gw != nil {
		gw.Close(ctx)
	}
	srv.Close()
	eng.Close(ctx)
	log.Info("nerved stopped")
	return nil
}

// buildBus selects NATS when a URL is configured, otherwise the in-memory bus.
func buildBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.Events.NATSURL != "" {
		b, err := bus.NewNATSEventBus(cfg.Events.NATSURL, "nerved-"+cfg.Server.Name, log)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		return b, nil
	}
	return bus.NewMemoryEventBus(log), nil
}

// applyPathDefaults fills path settings the config file left empty.
func applyPathDefaults(cfg *config.Config) {
	if cfg.Transport.SocketPath == "" && !cfg.Transport.TCP {
		cfg.Transport.SocketPath = filepath.Join(os.TempDir(), "nerved-"+cfg.Server.Name+".sock")
	}
	if cfg.History.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		cfg.History.BaseDir = filepath.Join(home, ".nerve", "history")
	}
}
