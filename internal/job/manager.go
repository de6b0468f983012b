// Package job holds the background work of the bid engine: ledger
// verification, dirty aggregate repair, deferred reward retries and bulk
// backfills, scheduled by a seconds-resolution cron engine.
package job

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/tunebytes/bid-engine/internal/config"
)

// Manager schedules jobs. A job still running when its next tick fires is
// skipped, and a panicking job is logged rather than crashing the process.
type Manager struct {
	engine *cron.Cron
	names  []string
}

func NewManager() *Manager {
	logger := cron.PrintfLogger(slogPrintf{})
	return &Manager{
		engine: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Register schedules j on a cron expression with seconds. An empty
// expression leaves the job disabled.
func (m *Manager) Register(name, spec string, j cron.Job) error {
	if spec == "" {
		slog.Info("cron job disabled", "job", name)
		return nil
	}
	if _, err := m.engine.AddJob(spec, j); err != nil {
		return fmt.Errorf("job: schedule %s (%q): %w", name, spec, err)
	}
	m.names = append(m.names, name)
	return nil
}

// Jobs is the set RegisterJobs schedules. Nil jobs are skipped.
type Jobs struct {
	Verify      *VerifyJob
	Recompute   *RecomputeJob
	RewardRetry *RewardRetryJob
	Backfill    *BackfillJob
}

// RegisterJobs schedules every job on its configured expression.
func (m *Manager) RegisterJobs(cfg config.JobsConfig, jobs Jobs) error {
	if jobs.Verify != nil {
		if err := m.Register("verify", cfg.VerifySpec, jobs.Verify); err != nil {
			return err
		}
	}
	if jobs.Recompute != nil {
		if err := m.Register("recompute", cfg.RecomputeSpec, jobs.Recompute); err != nil {
			return err
		}
	}
	if jobs.RewardRetry != nil {
		if err := m.Register("reward_retry", cfg.RewardRetrySpec, jobs.RewardRetry); err != nil {
			return err
		}
	}
	if jobs.Backfill != nil {
		if err := m.Register("backfill", cfg.BackfillSpec, jobs.Backfill); err != nil {
			return err
		}
	}
	return nil
}

// Scheduled returns the names of the enabled jobs.
func (m *Manager) Scheduled() []string {
	return append([]string(nil), m.names...)
}

func (m *Manager) Start() {
	slog.Info("cron engine started", "jobs", m.names)
	m.engine.Start()
}

// Stop halts scheduling and waits for running jobs to return.
func (m *Manager) Stop() {
	slog.Info("cron engine stopping")
	<-m.engine.Stop().Done()
}

// slogPrintf routes cron's own messages into slog.
type slogPrintf struct{}

func (slogPrintf) Printf(format string, args ...any) {
	slog.Info(fmt.Sprintf(format, args...), "component", "cron")
}
