package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tessera-app/supervisor/internal/api"
	"github.com/tessera-app/supervisor/internal/backend"
	"github.com/tessera-app/supervisor/internal/journal"
	"github.com/tessera-app/supervisor/internal/notify"
	"github.com/tessera-app/supervisor/internal/plan"
	"github.com/tessera-app/supervisor/internal/port"
	"github.com/tessera-app/supervisor/internal/supervisor"
	"github.com/tessera-app/supervisor/internal/watch"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the backend host",
	Long:  "Load the launch plan, serve the control API and supervise the backend processes until interrupted.",
	RunE:  runHost,
}

var (
	apiAddr     string
	noAutostart bool
)

func init() {
	runCmd.Flags().StringVar(&apiAddr, "api-addr", "", "Optional TCP address for API (e.g. 127.0.0.1:9090)")
	runCmd.Flags().BoolVar(&noAutostart, "no-autostart", false, "Wait for `tessera start` instead of launching at once")
	rootCmd.AddCommand(runCmd)
}

func runHost(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(cfg.Plan)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Socket), 0755); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	j, err := journal.Open(cfg.Journal)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	logger := slog.With("component", "host")
	logger.Info("tessera starting", "plan", cfg.Plan, "groups", len(p.Groups), "processes", p.ProcessCount())

	opts := []supervisor.Option{
		supervisor.WithLogger(slog.With("component", "supervisor")),
		supervisor.WithPorts(port.NewAllocator(cfg.PortRange.Min, cfg.PortRange.Max)),
		supervisor.WithJournal(j),
		supervisor.WithLedger(cfg.StateDir),
	}
	if cfg.StopTimeout > 0 {
		opts = append(opts, supervisor.WithStopTimeout(cfg.StopTimeout))
	}
	sup := supervisor.New(p, opts...)

	events := notify.NewBroadcaster()
	b := backend.New(sup, notify.Multi{notify.LogSink{Logger: logger}, events})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	srv := api.NewServer(b, events)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(cfg.Socket)
	}()

	addr := apiAddr
	if addr == "" {
		addr = cfg.APIAddr
	}
	if addr != "" {
		go func() {
			if err := srv.ListenTCP(addr); err != nil {
				logger.Error("TCP API error", "error", err)
			}
		}()
	}

	if cfg.WatchEnabled() {
		w := watch.New(cfg.Plan, p.Hash(), sup)
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("plan watcher stopped", "error", err)
			}
		}()
	}

	if cfg.AutostartEnabled() && !noAutostart {
		msg, err := b.StartBackend()
		if err != nil {
			logger.Error("autostart failed", "error", err)
		} else {
			logger.Info(msg)
		}
	}

	logger.Info("tessera ready", "socket", cfg.Socket)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			logger.Error("API server error", "error", err)
		}
	}

	cancel()
	b.Shutdown()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	srv.Shutdown(shutdownCtx)
	os.Remove(cfg.Socket)

	logger.Info("tessera stopped")
	return nil
}
