// Package pipeline orchestrates one bid mutation end to end: the ledger
// append (committed with the bid row), the recompute of every cache the bid
// feeds, and the contributor's reward. Only the ledger step can fail the
// request; cache and reward failures are queued for the background jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tunebytes/bid-engine/internal/aggregate"
	"github.com/tunebytes/bid-engine/internal/ledger"
	"github.com/tunebytes/bid-engine/internal/model"
	"github.com/tunebytes/bid-engine/internal/reward"
	"github.com/tunebytes/bid-engine/internal/store"
)

// Update is published after a mutation refreshed cached aggregates.
type Update struct {
	Event string                  `json:"event"`
	BidID string                  `json:"bid_id,omitempty"`
	Sets  []model.OwnerAggregates `json:"aggregates"`
}

// Notifier receives cache updates. Publish must not block.
type Notifier interface {
	Publish(u Update)
}

// Event names.
const (
	EventCreated     = "created"
	EventPlayed      = "played"
	EventVetoed      = "vetoed"
	EventDeactivated = "deactivated"
)

// PlaceRequest describes a new bid. BidID is optional; producers that retry
// supply it so a redelivered request is rejected as a duplicate.
type PlaceRequest struct {
	BidID      string `json:"bid_id,omitempty"`
	UserID     string `json:"user_id"`
	MediaID    string `json:"media_id"`
	PartyID    string `json:"party_id,omitempty"`
	Amount     int64  `json:"amount"`
	Username   string `json:"username,omitempty"`
	MediaTitle string `json:"media_title,omitempty"`
	PartyName  string `json:"party_name,omitempty"`
}

// Outcome reports what one mutation did.
type Outcome struct {
	Bid            *model.Bid          `json:"bid,omitempty"`
	Entry          *model.LedgerEntry  `json:"ledger_entry,omitempty"`
	Reward         *model.RewardRecord `json:"reward,omitempty"`
	RewardDeferred bool                `json:"reward_deferred"`
	Recomputed     []string            `json:"recomputed,omitempty"`
	Stale          []string            `json:"stale,omitempty"`
}

// Pipeline runs bid mutations.
type Pipeline struct {
	store    store.Store
	ledger   *ledger.Ledger
	engine   *aggregate.Engine
	rewards  *reward.Calculator
	notifier Notifier
	now      func() time.Time
}

// New creates a pipeline. notifier may be nil.
func New(st store.Store, l *ledger.Ledger, engine *aggregate.Engine, rewards *reward.Calculator, notifier Notifier) *Pipeline {
	return &Pipeline{store: st, ledger: l, engine: engine, rewards: rewards, notifier: notifier, now: time.Now}
}

// Place records a new active bid and charges the user for it.
func (p *Pipeline) Place(ctx context.Context, req PlaceRequest) (*Outcome, error) {
	if req.UserID == "" || req.MediaID == "" {
		return nil, model.Validationf("user_id and media_id are required")
	}
	if req.Amount <= 0 {
		return nil, model.Validationf("amount must be positive, got %d", req.Amount)
	}

	user, err := p.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := p.store.EnsureMedia(ctx, req.MediaID, req.MediaTitle); err != nil {
		return nil, fmt.Errorf("ensure media: %w", err)
	}
	scope := model.ScopeGlobal
	if req.PartyID != "" {
		scope = model.ScopeParty
		if err := p.store.EnsureParty(ctx, req.PartyID, req.PartyName); err != nil {
			return nil, fmt.Errorf("ensure party: %w", err)
		}
	}

	username := req.Username
	if username == "" {
		username = user.Username
	}
	bid := &model.Bid{
		ID:         req.BidID,
		UserID:     req.UserID,
		MediaID:    req.MediaID,
		PartyID:    req.PartyID,
		Amount:     req.Amount,
		Scope:      scope,
		Status:     model.BidActive,
		CreatedAt:  p.now().UTC().Truncate(time.Microsecond),
		Username:   username,
		MediaTitle: req.MediaTitle,
		PartyName:  req.PartyName,
	}
	if bid.ID == "" {
		bid.ID = uuid.New().String()
	}

	entry, err := p.ledger.Append(ctx, ledger.Request{
		Type:        model.TxTip,
		UserID:      bid.UserID,
		Amount:      bid.Amount,
		BidID:       bid.ID,
		MediaID:     bid.MediaID,
		Description: fmt.Sprintf("tip on %s", bid.MediaID),
		Bid:         &model.BidChange{Create: bid},
	})
	if err != nil {
		return nil, err
	}

	out := &Outcome{Bid: bid, Entry: entry}
	p.refresh(ctx, out, bid, EventCreated)
	p.reward(ctx, out, bid.ID)
	return out, nil
}

// MarkPlayed moves an active bid to played. The bid keeps counting and no
// money moves; the contributor's reward is settled against the current
// aggregate.
func (p *Pipeline) MarkPlayed(ctx context.Context, bidID string) (*Outcome, error) {
	bid, err := p.transitionable(ctx, bidID, model.BidPlayed)
	if err != nil {
		return nil, err
	}
	if err := p.store.UpdateBidStatus(ctx, bid.ID, bid.Status, model.BidPlayed); err != nil {
		return nil, err
	}
	bid.Status = model.BidPlayed

	out := &Outcome{Bid: bid}
	p.refresh(ctx, out, bid, EventPlayed)
	p.reward(ctx, out, bid.ID)
	return out, nil
}

// Veto removes an active bid from play, refunds it and reverses its reward.
func (p *Pipeline) Veto(ctx context.Context, bidID, reason string) (*Outcome, error) {
	return p.refund(ctx, bidID, model.BidVetoed, EventVetoed, reason)
}

// Deactivate withdraws an active bid, refunds it and reverses its reward.
func (p *Pipeline) Deactivate(ctx context.Context, bidID, reason string) (*Outcome, error) {
	return p.refund(ctx, bidID, model.BidInactive, EventDeactivated, reason)
}

// TopUp credits a user's balance with funds confirmed by the account
// subsystem. ref identifies the external payment.
func (p *Pipeline) TopUp(ctx context.Context, userID string, amount int64, ref string) (*Outcome, error) {
	desc := "top-up"
	if ref != "" {
		desc = "top-up " + ref
	}
	entry, err := p.ledger.Append(ctx, ledger.Request{
		Type:        model.TxTopUp,
		UserID:      userID,
		Amount:      amount,
		Description: desc,
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{Entry: entry}, nil
}

func (p *Pipeline) refund(ctx context.Context, bidID string, to model.BidStatus, event, reason string) (*Outcome, error) {
	bid, err := p.transitionable(ctx, bidID, to)
	if err != nil {
		return nil, err
	}
	desc := fmt.Sprintf("refund of bid %s (%s)", bid.ID, to)
	if reason != "" {
		desc += ": " + reason
	}

	// Queued before the refund commits so a crash between the refund and the
	// reversal leaves the reversal to the retry job.
	err = p.store.EnqueuePendingReward(ctx, model.PendingReward{
		BidID:    bid.ID,
		Reason:   "reward reversal after " + string(to),
		QueuedAt: p.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("queue reward reversal: %w", err)
	}

	entry, err := p.ledger.Append(ctx, ledger.Request{
		Type:        model.TxRefund,
		UserID:      bid.UserID,
		Amount:      bid.Amount,
		BidID:       bid.ID,
		MediaID:     bid.MediaID,
		Description: desc,
		Bid:         &model.BidChange{ID: bid.ID, From: bid.Status, To: to},
	})
	if err != nil {
		return nil, err
	}
	bid.Status = to

	out := &Outcome{Bid: bid, Entry: entry}
	p.refresh(ctx, out, bid, event)
	p.reverseReward(ctx, out, bid.ID)
	return out, nil
}

// reverseReward takes back the reward credited for a refunded bid. On
// failure the bid stays in the pending queue.
func (p *Pipeline) reverseReward(ctx context.Context, out *Outcome, bidID string) {
	rec, err := p.rewards.Compute(ctx, bidID)
	switch {
	case err == nil:
		out.Reward = rec
	case errors.Is(err, reward.ErrNotEligible):
	default:
		out.RewardDeferred = true
		slog.WarnContext(ctx, "reward reversal deferred", "bid_id", bidID, "err", err)
		return
	}
	if err := p.store.RemovePendingReward(ctx, bidID); err != nil {
		slog.ErrorContext(ctx, "dequeue pending reward failed", "bid_id", bidID, "err", err)
	}
}

func (p *Pipeline) transitionable(ctx context.Context, bidID string, to model.BidStatus) (*model.Bid, error) {
	bid, err := p.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if !bid.Status.CanTransition(to) {
		return nil, model.Validationf("bid %s is %s and cannot become %s", bid.ID, bid.Status, to)
	}
	return bid, nil
}

// refresh recomputes every cache the bid feeds. Failures are already marked
// dirty by the engine; they only show up as stale owners in the outcome.
func (p *Pipeline) refresh(ctx context.Context, out *Outcome, bid *model.Bid, event string) {
	type step struct {
		owner model.Owner
		run   func(context.Context, string) (*aggregate.Result, error)
		id    string
	}
	steps := []step{
		{model.MediaOwner(bid.MediaID), p.engine.RecomputeMedia, bid.MediaID},
		{model.UserOwner(bid.UserID), p.engine.RecomputeUser, bid.UserID},
	}
	if bid.PartyID != "" {
		steps = append(steps, step{model.PartyOwner(bid.PartyID), p.engine.RecomputeParty, bid.PartyID})
	}

	update := Update{Event: event, BidID: bid.ID}
	for _, s := range steps {
		res, err := s.run(ctx, s.id)
		if err != nil {
			out.Stale = append(out.Stale, s.owner.Key())
			continue
		}
		for _, set := range res.Sets {
			out.Recomputed = append(out.Recomputed, set.Owner.Key())
		}
		update.Sets = append(update.Sets, res.Sets...)
	}
	if p.notifier != nil && len(update.Sets) > 0 {
		p.notifier.Publish(update)
	}
}

func (p *Pipeline) reward(ctx context.Context, out *Outcome, bidID string) {
	rec, err := p.rewards.Compute(ctx, bidID)
	if err == nil {
		out.Reward = rec
		return
	}
	if errors.Is(err, reward.ErrNotEligible) {
		return
	}
	out.RewardDeferred = true
	if derr := p.rewards.Defer(ctx, bidID, err); derr != nil {
		slog.ErrorContext(ctx, "queue pending reward failed", "bid_id", bidID, "err", derr)
	}
}
