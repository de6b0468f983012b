// Package reward pays contributors for supporting media early. A reward grows
// with the media's aggregate since the bid, sub-linearly with the bid amount,
// and is boosted when the media had little support at bid time.
//
// All amounts use shopspring/decimal. The cube root is the only transcendental
// step; it is computed in float64 and converted to decimal immediately.
package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tunebytes/bid-engine/internal/ledger"
	"github.com/tunebytes/bid-engine/internal/metrics"
	"github.com/tunebytes/bid-engine/internal/model"
	"github.com/tunebytes/bid-engine/internal/store"
)

var (
	// ErrDeferred is returned when an input of the formula is not available
	// yet. The reward must be retried later, never recorded as zero.
	ErrDeferred = errors.New("reward: inputs not available yet")

	// ErrNotEligible is returned for bids that no longer count (vetoed or
	// deactivated).
	ErrNotEligible = errors.New("reward: bid is not eligible")
)

// AggregateMetric is the cached metric read as the media's current aggregate.
const AggregateMetric = "global_media_aggregate"

// Scale is the number of decimal places reward amounts carry.
const Scale int32 = 2

var hundred = decimal.NewFromInt(100)

// Config holds the formula constants. Their values are copied into every
// snapshot.
type Config struct {
	MaxBonus       decimal.Decimal
	DecayScale     int64 // minor units
	FormulaVersion string
}

// DefaultConfig returns the production constants.
func DefaultConfig() Config {
	return Config{
		MaxBonus:       decimal.NewFromInt(1),
		DecayScale:     1000,
		FormulaVersion: "v1",
	}
}

// Inputs are the values a reward is computed from.
type Inputs struct {
	Amount         int64
	AggregateAtBid int64
	AggregateNow   int64
}

// Calculator computes and records rewards.
type Calculator struct {
	store  store.Store
	ledger *ledger.Ledger
	cfg    Config
	now    func() time.Time
}

// NewCalculator creates a calculator.
func NewCalculator(st store.Store, l *ledger.Ledger, cfg Config) *Calculator {
	return &Calculator{store: st, ledger: l, cfg: cfg, now: time.Now}
}

// CubeRoot returns ∛amount rounded to 8 places.
func CubeRoot(amount int64) decimal.Decimal {
	return decimal.NewFromFloat(math.Cbrt(float64(amount))).Round(8)
}

// DiscoveryBonus returns 1 + maxBonus × scale / (scale + aggregateAtBid),
// rounded to 8 places. It decays from 1+maxBonus towards 1 as the media's
// aggregate at bid time grows.
func DiscoveryBonus(aggregateAtBid int64, maxBonus decimal.Decimal, scale int64) decimal.Decimal {
	if aggregateAtBid < 0 {
		aggregateAtBid = 0
	}
	if scale <= 0 {
		return decimal.NewFromInt(1)
	}
	s := decimal.NewFromInt(scale)
	return decimal.NewFromInt(1).Add(maxBonus.Mul(s).Div(s.Add(decimal.NewFromInt(aggregateAtBid)))).Round(8)
}

// Amount evaluates the formula:
//
//	(aggregateNow − aggregateAtBid) / 100 × ∛amount × bonus(aggregateAtBid)
//
// A shrinking aggregate yields zero.
func (c Config) Amount(in Inputs) (amount, cubeRoot, bonus decimal.Decimal) {
	cubeRoot = CubeRoot(in.Amount)
	bonus = DiscoveryBonus(in.AggregateAtBid, c.MaxBonus, c.DecayScale)
	growth := in.AggregateNow - in.AggregateAtBid
	if growth < 0 {
		growth = 0
	}
	amount = decimal.NewFromInt(growth).Div(hundred).Mul(cubeRoot).Mul(bonus).Round(Scale)
	return amount, cubeRoot, bonus
}

// maxAttempts bounds how often Compute starts over after another
// computation for the same bid committed first.
const maxAttempts = 5

// Compute calculates the reward for one bid and records it. Identical inputs
// return the existing record without writing. When the amount grows, the
// increase over the bid's net credit is appended to the ledger as a REWARD
// entry in the same unit as the record. A bid that stopped counting has its
// whole credit reversed instead; with nothing to reverse it is not eligible.
//
// Every record takes the next sequence number of its bid, so when two
// computations race only one commits and the other starts over from the
// records the winner left.
func (c *Calculator) Compute(ctx context.Context, bidID string) (*model.RewardRecord, error) {
	for attempt := 1; ; attempt++ {
		rec, err := c.compute(ctx, bidID)
		if !errors.Is(err, store.ErrRewardConflict) || attempt >= maxAttempts {
			return rec, err
		}
		metrics.Rewards.WithLabelValues("conflict").Inc()
		slog.DebugContext(ctx, "reward recorded concurrently, recomputing", "bid_id", bidID, "attempt", attempt)
	}
}

func (c *Calculator) compute(ctx context.Context, bidID string) (*model.RewardRecord, error) {
	// Records are read before the bid: a refund always commits before its
	// reversal, so a stale bid status is caught by the sequence guard.
	prior, err := c.store.ListRewardRecords(ctx, store.RewardQuery{BidID: bidID})
	if err != nil {
		return nil, fmt.Errorf("reward: read prior records: %w", err)
	}
	latest := latestRecord(prior)
	credited, seq := decimal.Zero, int64(1)
	if latest != nil {
		credited, seq = latest.Credited, latest.Seq+1
	}

	bid, err := c.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if !bid.Status.Counted() {
		if !credited.IsPositive() {
			return nil, fmt.Errorf("%w: bid %s is %s", ErrNotEligible, bid.ID, bid.Status)
		}
		return c.reverse(ctx, bid, latest, seq)
	}

	tips, err := c.store.ListLedgerEntries(ctx, model.LedgerQuery{Type: model.TxTip, BidID: bid.ID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("reward: read tip entry: %w", err)
	}
	if len(tips) == 0 {
		return nil, fmt.Errorf("%w: no tip entry for bid %s", ErrDeferred, bid.ID)
	}
	tip := tips[0]

	cached, err := c.store.GetAggregates(ctx, model.MediaOwner(bid.MediaID))
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: media %s has no cached aggregate", ErrDeferred, bid.MediaID)
	}
	if err != nil {
		return nil, fmt.Errorf("reward: read cached aggregate: %w", err)
	}
	now, ok := cached.Get(AggregateMetric, "")
	if !ok {
		return nil, fmt.Errorf("%w: media %s has no %s", ErrDeferred, bid.MediaID, AggregateMetric)
	}

	in := Inputs{Amount: bid.Amount, AggregateAtBid: tip.Pre.MediaAggregate, AggregateNow: now.Value.Amount}
	amount, cubeRoot, bonus := c.cfg.Amount(in)
	snap := model.RewardSnapshot{
		ContributorAmount: in.Amount,
		AggregateAtBid:    in.AggregateAtBid,
		AggregateNow:      in.AggregateNow,
		CubeRoot:          cubeRoot,
		DiscoveryBonus:    bonus,
		MaxBonus:          c.cfg.MaxBonus,
		DecayScale:        c.cfg.DecayScale,
		TipEntryID:        tip.ID,
		SourceRevision:    cached.Revision,
	}
	if latest != nil && sameInputs(*latest, snap, c.cfg.FormulaVersion) {
		metrics.Rewards.WithLabelValues("unchanged").Inc()
		return latest, nil
	}

	rec := &model.RewardRecord{
		ID:             uuid.New().String(),
		BidID:          bid.ID,
		Seq:            seq,
		UserID:         bid.UserID,
		MediaID:        bid.MediaID,
		Amount:         amount,
		Credited:       credited,
		FormulaVersion: c.cfg.FormulaVersion,
		Snapshot:       snap,
		CreatedAt:      c.now().UTC().Truncate(time.Microsecond),
	}

	increase := amount.Sub(credited)
	if increase.IsPositive() {
		rec.Credited = amount
		entry, err := c.ledger.Append(ctx, ledger.Request{
			Type:        model.TxReward,
			UserID:      bid.UserID,
			Amount:      increase.Shift(Scale).IntPart(),
			BidID:       bid.ID,
			Description: fmt.Sprintf("reward %s for bid %s", c.cfg.FormulaVersion, bid.ID),
			Reward:      rec,
		})
		if err != nil {
			return nil, fmt.Errorf("reward: credit: %w", err)
		}
		rec.LedgerEntryID = entry.ID
	} else if err := c.store.InsertRewardRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("reward: record: %w", err)
	}

	metrics.Rewards.WithLabelValues("written").Inc()
	slog.InfoContext(ctx, "reward recorded",
		"bid_id", bid.ID, "user_id", bid.UserID, "amount", rec.Amount.String(),
		"credited", increase.IsPositive(), "formula", rec.FormulaVersion)
	return rec, nil
}

// reverse takes back everything credited for a bid that no longer counts.
// The record keeps the inputs of the last computation with a zero amount.
func (c *Calculator) reverse(ctx context.Context, bid *model.Bid, latest *model.RewardRecord, seq int64) (*model.RewardRecord, error) {
	rec := &model.RewardRecord{
		ID:             uuid.New().String(),
		BidID:          bid.ID,
		Seq:            seq,
		UserID:         bid.UserID,
		MediaID:        bid.MediaID,
		Amount:         decimal.Zero,
		Credited:       decimal.Zero,
		FormulaVersion: latest.FormulaVersion,
		Snapshot:       latest.Snapshot,
		CreatedAt:      c.now().UTC().Truncate(time.Microsecond),
	}
	entry, err := c.ledger.Append(ctx, ledger.Request{
		Type:        model.TxRewardReversal,
		UserID:      bid.UserID,
		Amount:      latest.Credited.Shift(Scale).IntPart(),
		BidID:       bid.ID,
		Description: fmt.Sprintf("reward reversal for %s bid %s", bid.Status, bid.ID),
		Reward:      rec,
	})
	if err != nil {
		return nil, fmt.Errorf("reward: reverse: %w", err)
	}
	rec.LedgerEntryID = entry.ID

	metrics.Rewards.WithLabelValues("reversed").Inc()
	slog.InfoContext(ctx, "reward reversed",
		"bid_id", bid.ID, "user_id", bid.UserID, "amount", latest.Credited.String(), "status", bid.Status)
	return rec, nil
}

// latestRecord returns the record with the highest sequence number.
func latestRecord(records []model.RewardRecord) *model.RewardRecord {
	var latest *model.RewardRecord
	for i := range records {
		if latest == nil || records[i].Seq > latest.Seq {
			latest = &records[i]
		}
	}
	return latest
}

func sameInputs(r model.RewardRecord, snap model.RewardSnapshot, version string) bool {
	s := r.Snapshot
	return r.FormulaVersion == version &&
		s.ContributorAmount == snap.ContributorAmount &&
		s.AggregateAtBid == snap.AggregateAtBid &&
		s.AggregateNow == snap.AggregateNow &&
		s.DecayScale == snap.DecayScale &&
		s.MaxBonus.Equal(snap.MaxBonus)
}

// Defer queues a bid whose reward could not be computed.
func (c *Calculator) Defer(ctx context.Context, bidID string, cause error) error {
	metrics.Rewards.WithLabelValues("deferred").Inc()
	slog.WarnContext(ctx, "reward deferred", "bid_id", bidID, "err", cause)
	return c.store.EnqueuePendingReward(ctx, model.PendingReward{
		BidID:    bidID,
		Reason:   cause.Error(),
		QueuedAt: c.now().UTC(),
	})
}

// RetryStats summarizes one pass over the pending queue.
type RetryStats struct {
	Computed int
	Deferred int
	Dropped  int
	Failed   int
}

// RetryPending recomputes up to limit queued rewards. Computed and ineligible
// bids leave the queue; the rest stay queued.
func (c *Calculator) RetryPending(ctx context.Context, limit int) (RetryStats, error) {
	var stats RetryStats
	pending, err := c.store.ListPendingRewards(ctx, limit)
	if err != nil {
		return stats, err
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		_, err := c.Compute(ctx, p.BidID)
		switch {
		case err == nil:
			stats.Computed++
		case errors.Is(err, ErrNotEligible), errors.Is(err, model.ErrNotFound):
			stats.Dropped++
		case errors.Is(err, ErrDeferred):
			stats.Deferred++
			if err := c.requeue(ctx, p, err); err != nil {
				return stats, err
			}
			continue
		default:
			stats.Failed++
			slog.ErrorContext(ctx, "reward retry failed", "bid_id", p.BidID, "attempts", p.Attempts+1, "err", err)
			if err := c.requeue(ctx, p, err); err != nil {
				return stats, err
			}
			continue
		}
		if err := c.store.RemovePendingReward(ctx, p.BidID); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// requeue records another failed attempt for p. The pass stops when the
// queue cannot be written, since later bids would fail the same way.
func (c *Calculator) requeue(ctx context.Context, p model.PendingReward, cause error) error {
	p.Reason = cause.Error()
	if err := c.store.EnqueuePendingReward(ctx, p); err != nil {
		return fmt.Errorf("reward: requeue bid %s: %w", p.BidID, err)
	}
	return nil
}
