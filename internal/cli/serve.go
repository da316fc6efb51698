package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/api"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/checkpoint"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/config"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/queue"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/scheduler"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/store"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/tournament"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/worker"
	"github.com/jplfaria/CogniscientAssistant-sub001/pkg/retry"
	"github.com/jplfaria/CogniscientAssistant-sub001/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("data-dir", "./data/store", "store directory")
	serveCmd.Flags().String("checkpoint-dir", "./data/checkpoints", "checkpoint directory")
	serveCmd.Flags().Int("checkpoint-keep", 5, "unpinned checkpoints kept by retention")
	serveCmd.Flags().String("checkpoint-schedule", "@every 10m", "cron expression for periodic checkpoints; empty disables")
	serveCmd.Flags().Duration("task-timeout", 30*time.Second, "default per-task execution timeout")
	serveCmd.Flags().Int("max-retries", 3, "default retry budget per task")
	serveCmd.Flags().Float64("submit-rate", 0, "per-category submissions per second; 0 is unlimited")
	serveCmd.Flags().Int("workers-min", 2, "minimum worker goroutines")
	serveCmd.Flags().Int("workers-max", 8, "maximum worker goroutines")
	serveCmd.Flags().String("round-schedule", "", "cron expression for automatic tournament rounds; empty disables")
	serveCmd.Flags().Int("match-batch-size", 5, "matches per tournament round")
	serveCmd.Flags().Float64("thorough-threshold", 1400, "rating at which comparisons become thorough")
	serveCmd.Flags().Float64("lead-gap", 400, "rating lead that retires a hypothesis from selection")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_addr", serveCmd.Flags(), "http-addr")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("data_dir", serveCmd.Flags(), "data-dir")
	bindFlag("checkpoint_dir", serveCmd.Flags(), "checkpoint-dir")
	bindFlag("checkpoint_keep", serveCmd.Flags(), "checkpoint-keep")
	bindFlag("checkpoint_schedule", serveCmd.Flags(), "checkpoint-schedule")
	bindFlag("task_timeout", serveCmd.Flags(), "task-timeout")
	bindFlag("max_retries", serveCmd.Flags(), "max-retries")
	bindFlag("submit_rate", serveCmd.Flags(), "submit-rate")
	bindFlag("workers_min", serveCmd.Flags(), "workers-min")
	bindFlag("workers_max", serveCmd.Flags(), "workers-max")
	bindFlag("round_schedule", serveCmd.Flags(), "round-schedule")
	bindFlag("match_batch_size", serveCmd.Flags(), "match-batch-size")
	bindFlag("thorough_threshold", serveCmd.Flags(), "thorough-threshold")
	bindFlag("lead_gap", serveCmd.Flags(), "lead-gap")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "coscientd", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── store and recovery ────────────────────────────────────────────────────
	// A restart can race the previous process releasing the badger lock.
	var st *store.Store
	err = retry.Do(context.Background(), retry.Config{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		OnRetry: func(attempt int, err error) {
			logger.Warn("store open failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		var openErr error
		st, openErr = store.Open(store.DefaultConfig(cfg.DataDir))
		return openErr
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	cp, err := checkpoint.NewManager(st, checkpoint.Config{
		Dir:    cfg.CheckpointDir,
		Keep:   cfg.CheckpointKeep,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("checkpoint manager: %w", err)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	restored, err := cp.RecoverIfNeeded(startCtx)
	startCancel()
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	if restored != "" {
		logger.Warn("recovered from checkpoint after unclean shutdown",
			slog.String("checkpoint_id", restored),
		)
	}
	// The marker is consumed at startup; it reappears only on clean exit.
	if err := cp.ClearCleanShutdown(); err != nil {
		return fmt.Errorf("clear shutdown marker: %w", err)
	}

	// ── queue, scheduler, workers, tournament ─────────────────────────────────
	q := queue.New(st, queue.Config{
		DefaultTimeout:    cfg.TaskTimeout,
		DefaultMaxRetries: cfg.MaxRetries,
		SubmitRate:        cfg.SubmitRate,
		Logger:            logger,
	})
	loadCtx, loadCancel := context.WithTimeout(context.Background(), time.Minute)
	err = q.Load(loadCtx)
	loadCancel()
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	sch := scheduler.New(q, scheduler.Config{Logger: logger})

	registry := worker.NewRegistry()
	pool := worker.NewPool(q, registry, worker.WithLogger(logger), worker.WithConfig(worker.Config{
		MinWorkers: cfg.WorkersMin,
		MaxWorkers: cfg.WorkersMax,
	}))

	engine := tournament.NewEngine(st, q, tournament.Config{
		BatchSize:         cfg.MatchBatchSize,
		ThoroughThreshold: cfg.ThoroughThreshold,
		LeadGap:           cfg.LeadGap,
		Logger:            logger,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	go sch.Run(runCtx)

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(runCtx); err != nil {
			logger.Error("worker pool error", slog.String("error", err.Error()))
		}
	}()

	// ── periodic jobs ─────────────────────────────────────────────────────────
	jobs := cron.New()
	if cfg.CheckpointSchedule != "" {
		_, err := jobs.AddFunc(cfg.CheckpointSchedule, func() {
			ctx, cancel := context.WithTimeout(runCtx, 5*time.Minute)
			defer cancel()
			id, err := cp.Create(ctx)
			if err != nil {
				logger.Error("periodic checkpoint failed", slog.String("error", err.Error()))
				return
			}
			logger.Info("periodic checkpoint written", slog.String("checkpoint_id", id))
		})
		if err != nil {
			return fmt.Errorf("checkpoint schedule %q: %w", cfg.CheckpointSchedule, err)
		}
	}
	if cfg.RoundSchedule != "" {
		_, err := jobs.AddFunc(cfg.RoundSchedule, func() {
			committed, err := engine.RunRound(runCtx)
			if err != nil {
				logger.Error("tournament round failed", slog.String("error", err.Error()))
				return
			}
			logger.Info("tournament round finished", slog.Int("matches", committed))
		})
		if err != nil {
			return fmt.Errorf("round schedule %q: %w", cfg.RoundSchedule, err)
		}
	}
	jobs.Start()

	// ── HTTP ──────────────────────────────────────────────────────────────────
	server := api.NewServer(st, q, sch, cp, engine, logger)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// ── signal handling and ordered shutdown ──────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit
	logger.Info("shutting down...")

	// Stop the outer surface first, then drain workers, then snapshot the
	// settled state and mark the exit clean.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}

	<-jobs.Stop().Done()
	runCancel()
	select {
	case <-poolDone:
	case <-time.After(30 * time.Second):
		logger.Error("worker pool did not drain in time")
	}

	finalCtx, finalCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer finalCancel()
	if id, err := cp.Create(finalCtx); err != nil {
		logger.Error("final checkpoint failed", slog.String("error", err.Error()))
	} else {
		logger.Info("final checkpoint written", slog.String("checkpoint_id", id))
	}
	if err := cp.MarkCleanShutdown(); err != nil {
		logger.Error("failed to mark clean shutdown", slog.String("error", err.Error()))
	}

	logger.Info("stopped")
	return nil
}
