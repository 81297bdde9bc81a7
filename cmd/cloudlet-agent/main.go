// Command cloudlet-agent is the in-guest Guest Agent process (spec §4.9):
// it serves rpcapi.WorkloadRunner on the well-known agent port and drives
// the per-language build/run strategies against a scratch directory.
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

	"github.com/tinyrange/cloudlet/internal/agent"
	"github.com/tinyrange/cloudlet/internal/rpcapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cloudlet-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("listen", ":50051", "address to listen on (spec §4.8 step 6's well-known agent port)")
	scratchDir := flag.String("scratch-dir", "/tmp/cloudlet-agent", "directory workload sources and artifacts are written under")
	dbg := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := os.MkdirAll(*scratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	a := agent.New(*scratchDir, map[string]agent.Strategy{
		"rust":   agent.RustStrategy{Release: true},
		"python": agent.PythonStrategy{},
		"node":   agent.NodeStrategy{},
		"debug":  agent.DebugStrategy{},
	})

	srv := rpcapi.NewServer(rpcapi.NewWorkloadRunnerHandler(a))
	srv.Addr = *addr

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("cloudlet-agent listening", "addr", *addr, "scratch-dir", *scratchDir)
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
