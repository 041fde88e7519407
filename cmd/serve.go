package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/inboundq/internal/bus"
	"github.com/nextlevelbuilder/inboundq/internal/config"
	"github.com/nextlevelbuilder/inboundq/internal/coordinator"
	httpapi "github.com/nextlevelbuilder/inboundq/internal/http"
	"github.com/nextlevelbuilder/inboundq/internal/tracing"
	"github.com/nextlevelbuilder/inboundq/internal/worker"
	"github.com/nextlevelbuilder/inboundq/pkg/protocol"
)

// shutdownGrace bounds the final drain of pending conversations.
const shutdownGrace = 60 * time.Second

type serveOptions struct {
	http    bool
	workers bool
}

func serveCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest API and the dispatch workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{http: true, workers: !noWorkers})
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "accept messages only; leave triggers to separate worker processes")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run dispatch workers only (no ingest API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{workers: true})
		},
	}
}

func runServe(parent context.Context, opts serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	shutdownTracing, err := tracing.Setup(parent, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	st, err := buildStack(parent, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.stores.Close(); err != nil {
			slog.Warn("closing stores", "error", err)
		}
	}()

	// Everything that can fail is built before the first goroutine starts.
	var (
		pool    *worker.Pool
		janitor *worker.Janitor
	)
	if opts.workers {
		pool, janitor, err = buildWorkers(cfg, st)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if pool != nil {
		g.Go(func() error { return pool.Run(gctx) })
	}
	if janitor != nil {
		g.Go(func() error { return janitor.Run(gctx) })
	}

	if opts.http {
		srv := httpapi.NewServer(cfg.Gateway, st.coord, st.stores.Buffers,
			httpapi.WithJobAdmin(st.stores.Admin),
			httpapi.WithEvents(st.hub),
		)
		g.Go(func() error { return srv.Start(gctx) })
	}

	slog.Info("inboundq starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"http", opts.http,
		"workers", opts.workers,
		"concurrency", cfg.Worker.Concurrency,
		"debounce", cfg.Debounce.Delay(),
	)

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("inboundq stopped with error", "error", runErr)
	} else {
		runErr = nil
	}

	slog.Info("graceful shutdown initiated")
	st.hub.Broadcast(bus.Event{Name: protocol.EventShutdown})

	// Stores are still open here: the deferred Close runs after this drain.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := st.coord.Shutdown(drainCtx); err != nil {
		slog.Error("shutdown drain incomplete", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("shutdown: %w", err)
		}
	}
	return runErr
}

// buildWorkers returns the dispatch pool and, for queues that keep job rows,
// the janitor. Both report exhausted jobs through the coordinator.
func buildWorkers(cfg *config.Config, st *stack) (*worker.Pool, *worker.Janitor, error) {
	pool := worker.NewPool(st.stores.Jobs,
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithEvents(st.hub),
		worker.OnExhausted(st.coord.Exhausted),
	)
	pool.Handle(coordinator.JobName, st.coord.HandleTrigger)

	if st.stores.Admin == nil {
		return pool, nil, nil
	}
	janitor, err := worker.NewJanitor(st.stores.Admin, cfg.Queue.JanitorSchedule, cfg.Queue.KeepCompleted, cfg.Queue.KeepFailed,
		worker.JanitorOnExhausted(st.coord.Exhausted),
	)
	if err != nil {
		return nil, nil, err
	}
	return pool, janitor, nil
}
