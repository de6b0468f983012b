package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/tunebytes/bid-engine/internal/aggregate"
	"github.com/tunebytes/bid-engine/internal/model"
	"github.com/tunebytes/bid-engine/internal/store"
)

// Recomputer refreshes the cached aggregates of one owner.
type Recomputer interface {
	Recompute(ctx context.Context, owner model.Owner) (*aggregate.Result, error)
}

// RecomputeJob repairs owners whose refresh failed after a commit.
type RecomputeJob struct {
	engine  Recomputer
	dirty   store.DirtySet
	timeout time.Duration
}

func NewRecomputeJob(engine Recomputer, dirty store.DirtySet) *RecomputeJob {
	return &RecomputeJob{engine: engine, dirty: dirty, timeout: 5 * time.Minute}
}

func (j *RecomputeJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if _, err := j.Drain(ctx); err != nil {
		slog.ErrorContext(ctx, "dirty aggregate sweep failed", "err", err)
	}
}

// Drain recomputes every dirty owner. Owners that fail again stay dirty.
func (j *RecomputeJob) Drain(ctx context.Context) (int, error) {
	n, err := j.dirty.Drain(ctx, func(ctx context.Context, o model.Owner) error {
		_, err := j.engine.Recompute(ctx, o)
		return err
	})
	if n > 0 {
		slog.InfoContext(ctx, "dirty aggregates swept", "owners", n)
	}
	return n, err
}
