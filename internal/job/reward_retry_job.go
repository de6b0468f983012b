package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/tunebytes/bid-engine/internal/reward"
)

// RewardRetryJob computes rewards that were deferred because the aggregate
// they read was stale.
type RewardRetryJob struct {
	rewards *reward.Calculator
	limit   int
	timeout time.Duration
}

func NewRewardRetryJob(rewards *reward.Calculator, limit int) *RewardRetryJob {
	if limit <= 0 {
		limit = 100
	}
	return &RewardRetryJob{rewards: rewards, limit: limit, timeout: 5 * time.Minute}
}

func (j *RewardRetryJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if _, err := j.Retry(ctx); err != nil {
		slog.ErrorContext(ctx, "reward retry pass failed", "err", err)
	}
}

func (j *RewardRetryJob) Retry(ctx context.Context) (reward.RetryStats, error) {
	stats, err := j.rewards.RetryPending(ctx, j.limit)
	if stats != (reward.RetryStats{}) {
		slog.InfoContext(ctx, "pending rewards retried",
			"computed", stats.Computed, "deferred", stats.Deferred,
			"dropped", stats.Dropped, "failed", stats.Failed)
	}
	return stats, err
}
