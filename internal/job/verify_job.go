package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tunebytes/bid-engine/internal/metrics"
	"github.com/tunebytes/bid-engine/internal/verify"
)

// VerifyJob re-hashes the whole ledger and publishes the result counts.
type VerifyJob struct {
	verifier  *verify.Service
	batchSize int
	timeout   time.Duration
}

func NewVerifyJob(verifier *verify.Service, batchSize int) *VerifyJob {
	return &VerifyJob{verifier: verifier, batchSize: batchSize, timeout: time.Hour}
}

func (j *VerifyJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if _, err := j.Verify(ctx); err != nil {
		slog.ErrorContext(ctx, "scheduled ledger verification failed", "err", err)
	}
}

// Verify runs one full pass. The gauges are only updated by a pass that
// reached the end of the ledger.
func (j *VerifyJob) Verify(ctx context.Context) (*verify.Report, error) {
	runID := "job-verify-" + uuid.NewString()
	start := time.Now()

	report, err := j.verifier.Verify(ctx, verify.Options{BatchSize: j.batchSize})
	if err != nil {
		return report, err
	}

	metrics.VerifyEntries.WithLabelValues("verified").Set(float64(report.Verified))
	metrics.VerifyEntries.WithLabelValues("mismatch").Set(float64(report.Mismatches))
	metrics.VerifyEntries.WithLabelValues("missing").Set(float64(report.Missing))
	metrics.VerifyEntries.WithLabelValues("error").Set(float64(report.Errors))
	metrics.VerifyEntries.WithLabelValues("invariant").Set(float64(report.InvariantViolations))
	metrics.VerifyEntries.WithLabelValues("chain_break").Set(float64(report.ChainBreaks))
	metrics.VerifyLastRun.SetToCurrentTime()

	level := slog.LevelInfo
	if report.Failed() {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "ledger verification finished",
		"run_id", runID, "total", report.Total, "verified", report.Verified,
		"anomalies", len(report.Anomalies), "took", time.Since(start))
	return report, nil
}
