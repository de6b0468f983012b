// Command backfill recomputes the cached aggregates of every media, party
// and user, e.g. after a registry change or a cache loss.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/spf13/pflag"

	"github.com/tunebytes/bid-engine/internal/aggregate"
	"github.com/tunebytes/bid-engine/internal/config"
	"github.com/tunebytes/bid-engine/internal/job"
	"github.com/tunebytes/bid-engine/internal/store"
)

func main() {
	fs := pflag.NewFlagSet("backfill", pflag.ExitOnError)
	config.RegisterFlags(fs)
	concurrency := fs.Int("concurrency", 0, "parallel recomputes (default jobs.backfill_concurrency)")
	perSecond := fs.Float64("rate", -1, "recomputes per second, 0 = unpaced (default jobs.backfill_rate)")
	drain := fs.Bool("drain-dirty", true, "sweep the dirty set after the backfill")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		slog.Error("load config failed", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.Log.Logger(os.Stderr))

	if *concurrency <= 0 {
		*concurrency = cfg.Jobs.BackfillConcurrency
	}
	if *perSecond < 0 {
		*perSecond = cfg.Jobs.BackfillRate
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, store.Options{
		DatabaseURL: cfg.Database.URL,
		Migrate:     cfg.Database.Migrate,
		RedisURL:    cfg.Redis.URL,
		CacheTTL:    cfg.Redis.CacheTTL,
	})
	if err != nil {
		slog.Error("open store failed", "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	engine := aggregate.NewEngine(backend.Store, aggregate.DefaultRegistry(), backend.Dirty)
	stats, err := job.NewBackfillJob(engine, backend.Store, *concurrency, *perSecond).Backfill(ctx)
	_ = json.NewEncoder(os.Stdout).Encode(stats)
	if err != nil {
		slog.Error("backfill aborted", "err", err)
		os.Exit(1)
	}

	if *drain {
		n, err := job.NewRecomputeJob(engine, backend.Dirty).Drain(ctx)
		if err != nil {
			slog.Error("dirty sweep failed", "err", err)
			os.Exit(1)
		}
		slog.Info("dirty set swept", "owners", n)
	}
	if stats.Failed > 0 {
		os.Exit(1)
	}
}
