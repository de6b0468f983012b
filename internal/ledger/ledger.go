// Package ledger appends immutable, hash-chained entries for every
// balance-affecting event. Each entry snapshots the user, media and global
// balances before and after it, and is committed with a compare-and-swap on
// the user and media versions together with the bid row write it belongs to.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/tunebytes/bid-engine/internal/metrics"
	"github.com/tunebytes/bid-engine/internal/model"
	"github.com/tunebytes/bid-engine/internal/store"
)

// ErrTransient is returned when an append kept conflicting with concurrent
// writers until the retry budget ran out. Callers may retry the whole request.
var ErrTransient = errors.New("ledger: concurrent update, try again")

// Config bounds the optimistic retry loop.
type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the retry settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  200 * time.Millisecond,
	}
}

// Request describes one entry to append. Bid and Reward are committed in the
// same unit as the entry.
type Request struct {
	Type            model.TransactionType
	UserID          string
	Amount          int64
	BidID           string
	MediaID         string
	Description     string
	CorrectsEntryID string

	Bid    *model.BidChange
	Reward *model.RewardRecord
}

// Ledger appends entries to the store.
type Ledger struct {
	store  store.Store
	hasher *Hasher
	cfg    Config
	now    func() time.Time
}

// New creates a ledger over st.
func New(st store.Store, hasher *Hasher, cfg Config) *Ledger {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Ledger{store: st, hasher: hasher, cfg: cfg, now: time.Now}
}

// Hasher returns the hasher entries are signed with.
func (l *Ledger) Hasher() *Hasher {
	return l.hasher
}

// Append reads the current snapshots, computes the post-snapshot and hash,
// and commits. A version conflict re-reads and retries with jittered backoff.
func (l *Ledger) Append(ctx context.Context, req Request) (*model.LedgerEntry, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	start := time.Now()

	// The id is fixed across retries so a reward record can reference it.
	entryID := uuid.New().String()
	var reward *model.RewardRecord
	if req.Reward != nil {
		r := *req.Reward
		r.LedgerEntryID = entryID
		reward = &r
	}

	for attempt := 0; ; attempt++ {
		st, err := l.store.ReadAccountState(ctx, req.UserID, req.MediaID)
		if err != nil {
			return nil, fmt.Errorf("ledger: read snapshot: %w", err)
		}

		// The global aggregate is summed from shards no guard covers, so
		// entries of different users may snapshot it out of commit order.
		pre := model.Snapshot{
			UserBalance:     st.UserBalance,
			UserAggregate:   st.UserAggregate,
			MediaAggregate:  st.MediaAggregate,
			GlobalAggregate: st.GlobalAggregate,
			RewardBalance:   st.RewardBalance,
		}
		post, err := Apply(pre, req.Type, req.Amount)
		if err != nil {
			return nil, err
		}
		if err := checkPost(req.Type, post); err != nil {
			return nil, err
		}

		entry := &model.LedgerEntry{
			ID:              entryID,
			UserID:          req.UserID,
			Type:            req.Type,
			Amount:          req.Amount,
			BidID:           req.BidID,
			MediaID:         req.MediaID,
			Pre:             pre,
			Post:            post,
			Description:     req.Description,
			CorrectsEntryID: req.CorrectsEntryID,
			PrevHash:        st.LastHash,
			// Stores keep microseconds; the hash must survive the round trip.
			CreatedAt: l.now().UTC().Truncate(time.Microsecond),
		}
		entry.Hash = l.hasher.Hash(entry)

		guard := model.Guard{
			UserID:       req.UserID,
			UserVersion:  st.UserVersion,
			MediaID:      req.MediaID,
			MediaVersion: st.MediaVersion,
		}
		err = l.store.CommitLedgerEntry(ctx, entry, guard, store.Effects{Bid: req.Bid, Reward: reward})
		if err == nil {
			metrics.LedgerAppends.WithLabelValues(string(entry.Type)).Inc()
			metrics.LedgerAppendLatency.WithLabelValues(string(entry.Type)).Observe(time.Since(start).Seconds())
			slog.InfoContext(ctx, "ledger entry appended",
				"entry_id", entry.ID, "type", entry.Type, "user_id", entry.UserID,
				"amount", entry.Amount, "bid_id", entry.BidID, "attempt", attempt+1)
			return entry, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("ledger: commit: %w", err)
		}

		metrics.LedgerConflicts.Inc()
		if attempt >= l.cfg.MaxRetries {
			slog.WarnContext(ctx, "ledger append gave up after conflicts",
				"user_id", req.UserID, "type", req.Type, "attempts", attempt+1)
			return nil, fmt.Errorf("%w (after %d attempts)", ErrTransient, attempt+1)
		}
		if err := sleep(ctx, l.backoff(attempt)); err != nil {
			return nil, err
		}
	}
}

// Correct appends an ADJUSTMENT that offsets the original entry by
// signedAmount. The original is never modified.
func (l *Ledger) Correct(ctx context.Context, originalID string, signedAmount int64, reason string) (*model.LedgerEntry, error) {
	if reason == "" {
		return nil, model.Validationf("a correction needs a reason")
	}
	orig, err := l.store.GetLedgerEntry(ctx, originalID)
	if err != nil {
		return nil, err
	}
	return l.Append(ctx, Request{
		Type:            model.TxAdjustment,
		UserID:          orig.UserID,
		Amount:          signedAmount,
		BidID:           orig.BidID,
		Description:     reason,
		CorrectsEntryID: orig.ID,
	})
}

func validateRequest(req Request) error {
	if req.UserID == "" {
		return model.Validationf("user id is required")
	}
	if _, ok := effects[req.Type]; !ok {
		return model.Validationf("unknown transaction type %q", req.Type)
	}
	if err := validateAmount(req.Type, req.Amount); err != nil {
		return err
	}
	if TouchesMedia(req.Type) {
		if req.MediaID == "" || req.BidID == "" {
			return model.Validationf("%s requires a bid and a media item", req.Type)
		}
	} else if req.MediaID != "" {
		return model.Validationf("%s does not apply to a media item", req.Type)
	}
	if req.Type == model.TxAdjustment && req.CorrectsEntryID == "" {
		return model.Validationf("an adjustment must reference the entry it corrects")
	}
	return nil
}

// backoff returns the delay before retry attempt+1: exponential from
// BaseBackoff, capped at MaxBackoff, with full jitter.
func (l *Ledger) backoff(attempt int) time.Duration {
	if l.cfg.BaseBackoff <= 0 {
		return 0
	}
	d := l.cfg.BaseBackoff << attempt
	if l.cfg.MaxBackoff > 0 && (d > l.cfg.MaxBackoff || d <= 0) {
		d = l.cfg.MaxBackoff
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
