package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tunebytes/bid-engine/internal/model"
)

// EntityLister lists the entity ids seen on bids.
type EntityLister interface {
	ListEntityIDs(ctx context.Context, entity model.Entity) ([]string, error)
}

// BackfillStats counts one backfill pass.
type BackfillStats struct {
	Owners int64 `json:"owners"`
	Failed int64 `json:"failed"`
}

// BackfillJob recomputes every media, party and user. Recomputes run with
// bounded concurrency and are paced by a token bucket so a backfill does not
// starve live traffic of database connections.
type BackfillJob struct {
	engine      Recomputer
	lister      EntityLister
	concurrency int
	limiter     *rate.Limiter
	timeout     time.Duration
}

// NewBackfillJob creates a backfill running up to concurrency recomputes at
// once, at most perSecond per second (zero means unpaced).
func NewBackfillJob(engine Recomputer, lister EntityLister, concurrency int, perSecond float64) *BackfillJob {
	if concurrency <= 0 {
		concurrency = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &BackfillJob{
		engine:      engine,
		lister:      lister,
		concurrency: concurrency,
		limiter:     rate.NewLimiter(limit, concurrency),
		timeout:     6 * time.Hour,
	}
}

func (j *BackfillJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if _, err := j.Backfill(ctx); err != nil {
		slog.ErrorContext(ctx, "scheduled backfill failed", "err", err)
	}
}

// Backfill walks media first, then parties, then users. A failed recompute
// is counted and leaves the owner marked dirty; it does not stop the pass.
func (j *BackfillJob) Backfill(ctx context.Context) (BackfillStats, error) {
	var owners, failed atomic.Int64
	start := time.Now()

	axes := []struct {
		entity model.Entity
		owner  func(string) model.Owner
	}{
		{model.EntityMedia, model.MediaOwner},
		{model.EntityParty, model.PartyOwner},
		{model.EntityUser, model.UserOwner},
	}
	for _, axis := range axes {
		ids, err := j.lister.ListEntityIDs(ctx, axis.entity)
		if err != nil {
			return BackfillStats{Owners: owners.Load(), Failed: failed.Load()},
				fmt.Errorf("backfill: list %s ids: %w", axis.entity, err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(j.concurrency)
		for _, id := range ids {
			owner := axis.owner(id)
			g.Go(func() error {
				if err := j.limiter.Wait(gctx); err != nil {
					return err
				}
				owners.Add(1)
				if _, err := j.engine.Recompute(gctx, owner); err != nil {
					failed.Add(1)
					slog.WarnContext(gctx, "backfill recompute failed", "owner", owner.Key(), "err", err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return BackfillStats{Owners: owners.Load(), Failed: failed.Load()},
				fmt.Errorf("backfill %s: %w", axis.entity, err)
		}
	}

	stats := BackfillStats{Owners: owners.Load(), Failed: failed.Load()}
	slog.InfoContext(ctx, "backfill finished", "owners", stats.Owners, "failed", stats.Failed, "took", time.Since(start))
	return stats, nil
}
