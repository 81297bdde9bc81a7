// Command cloudletd is the host control-plane daemon (spec §4.8): it
// serves rpcapi.VmmService over h2c, booting one guest per Run request via
// internal/orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinyrange/cloudlet/internal/orchestrator"
	"github.com/tinyrange/cloudlet/internal/rpcapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cloudletd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/cloudletd/config.yaml", "path to the daemon's YAML configuration file")
	dbg := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadDaemonConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	orchCfg, err := cfg.toOrchestratorConfig()
	if err != nil {
		return fmt.Errorf("build orchestrator config: %w", err)
	}

	runner := orchestrator.NewRunner(orchCfg)

	srv := rpcapi.NewServer(rpcapi.NewVmmServiceHandler(runner))
	srv.Addr = cfg.Listen

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("cloudletd listening", "addr", cfg.Listen, "kernel", orchCfg.KernelPath)
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}
