package main

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tunebytes/bid-engine/internal/aggregate"
	"github.com/tunebytes/bid-engine/internal/api"
	"github.com/tunebytes/bid-engine/internal/config"
	"github.com/tunebytes/bid-engine/internal/events"
	"github.com/tunebytes/bid-engine/internal/job"
	"github.com/tunebytes/bid-engine/internal/ledger"
	"github.com/tunebytes/bid-engine/internal/metrics"
	"github.com/tunebytes/bid-engine/internal/pipeline"
	"github.com/tunebytes/bid-engine/internal/reward"
	"github.com/tunebytes/bid-engine/internal/store"
	"github.com/tunebytes/bid-engine/internal/verify"
)

func main() {
	fs := pflag.NewFlagSet("bid-engine", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		slog.Error("load config failed", "err", err)
		os.Exit(1)
	}
	cfg.Log.Install()

	if err := run(cfg); err != nil {
		slog.Error("bid-engine exited with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("bid-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize store ---
	backend, err := store.Open(ctx, store.Options{
		DatabaseURL: cfg.Database.URL,
		Migrate:     cfg.Database.Migrate,
		RedisURL:    cfg.Redis.URL,
		CacheTTL:    cfg.Redis.CacheTTL,
	})
	if err != nil {
		return err
	}
	defer backend.Close()
	st := backend.Store

	// --- Ledger, aggregates and rewards ---
	hasher, err := ledger.NewHasher(cfg.Ledger.HashSecret)
	if err != nil {
		return err
	}
	l := ledger.New(st, hasher, cfg.Ledger.Retry())
	engine := aggregate.NewEngine(st, aggregate.DefaultRegistry(), backend.Dirty)
	formula, err := cfg.Reward.Formula()
	if err != nil {
		return err
	}
	rewards := reward.NewCalculator(st, l, formula)
	verifier := verify.NewService(st, hasher)

	// --- WebSocket hub and pipeline ---
	hub := api.NewHub()
	bids := pipeline.New(st, l, engine, rewards, hub)
	handler := api.NewHandler(st, bids, engine, l, verifier, hub)

	// --- Cron jobs ---
	cronMgr := job.NewManager()
	err = cronMgr.RegisterJobs(cfg.Jobs, job.Jobs{
		Verify:      job.NewVerifyJob(verifier, cfg.Jobs.VerifyBatchSize),
		Recompute:   job.NewRecomputeJob(engine, backend.Dirty),
		RewardRetry: job.NewRewardRetryJob(rewards, cfg.Jobs.RewardRetryLimit),
		Backfill:    job.NewBackfillJob(engine, st, cfg.Jobs.BackfillConcurrency, cfg.Jobs.BackfillRate),
	})
	if err != nil {
		return err
	}

	// --- Kafka bid events ---
	var consumer *events.Consumer
	if len(cfg.Kafka.Brokers) > 0 {
		consumer, err = events.NewConsumer(cfg.Kafka, bids)
		if err != nil {
			return err
		}
	} else {
		slog.Info("kafka brokers not set, bid event consumer disabled")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"bid-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", handler.Routes())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	cronMgr.Start()
	g.Go(func() error {
		<-ctx.Done()
		cronMgr.Stop()
		return nil
	})

	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}

	g.Go(func() error {
		slog.Info("bid-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case <-ctx.Done():
		case sig := <-quit:
			slog.Info("shutting down bid-engine...", "signal", sig.String())
			cancel()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
