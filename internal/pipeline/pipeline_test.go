package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tunebytes/bid-engine/internal/aggregate"
	"github.com/tunebytes/bid-engine/internal/ledger"
	"github.com/tunebytes/bid-engine/internal/model"
	"github.com/tunebytes/bid-engine/internal/pipeline"
	"github.com/tunebytes/bid-engine/internal/reward"
	"github.com/tunebytes/bid-engine/internal/store"
	"github.com/tunebytes/bid-engine/internal/verify"
)

type recorder struct {
	mu      sync.Mutex
	updates []pipeline.Update
}

func (r *recorder) Publish(u pipeline.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

type testEnv struct {
	ms       *store.MemoryStore
	dirty    *store.MemoryDirtySet
	engine   *aggregate.Engine
	rewards  *reward.Calculator
	verifier *verify.Service
	notes    *recorder
	p        *pipeline.Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	h, err := ledger.NewHasher("pipeline-secret")
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.New(ms, h, ledger.DefaultConfig())
	dirty := store.NewMemoryDirtySet()
	engine := aggregate.NewEngine(ms, aggregate.DefaultRegistry(), dirty)
	rewards := reward.NewCalculator(ms, l, reward.DefaultConfig())
	notes := &recorder{}
	return &testEnv{
		ms:       ms,
		dirty:    dirty,
		engine:   engine,
		rewards:  rewards,
		verifier: verify.NewService(ms, h),
		notes:    notes,
		p:        pipeline.New(ms, l, engine, rewards, notes),
	}
}

func (e *testEnv) user(t *testing.T, id string, balance int64) {
	t.Helper()
	if err := e.ms.CreateUser(context.Background(), &model.User{ID: id, Username: id, Balance: balance}); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) place(t *testing.T, req pipeline.PlaceRequest) *pipeline.Outcome {
	t.Helper()
	out, err := e.p.Place(context.Background(), req)
	if err != nil {
		t.Fatalf("Place(%+v): %v", req, err)
	}
	return out
}

func (e *testEnv) cached(t *testing.T, owner model.Owner, metric string) model.MetricValue {
	t.Helper()
	set, err := e.engine.Cached(context.Background(), owner)
	if err != nil {
		t.Fatalf("cached %s: %v", owner.Key(), err)
	}
	v, ok := set.Get(metric, "")
	if !ok {
		t.Fatalf("%s has no %s", owner.Key(), metric)
	}
	return v.Value
}

func (e *testEnv) assertClean(t *testing.T) {
	t.Helper()
	r, err := e.verifier.Verify(context.Background(), verify.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Failed() {
		t.Errorf("verification failed: %+v", r.Anomalies)
	}
}

func TestPlace_TwoSmallBids(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "A", 100)
	env.user(t, "B", 100)

	env.place(t, pipeline.PlaceRequest{BidID: "b1", UserID: "A", MediaID: "M", Amount: 33})
	out := env.place(t, pipeline.PlaceRequest{BidID: "b2", UserID: "B", MediaID: "M", Amount: 33})

	if out.Entry == nil || out.Entry.Type != model.TxTip || out.Entry.Pre.MediaAggregate != 33 || out.Entry.Post.MediaAggregate != 66 {
		t.Fatalf("unexpected tip entry %+v", out.Entry)
	}
	if got := env.cached(t, model.MediaOwner("M"), "global_media_aggregate"); got.Amount != 66 {
		t.Errorf("media aggregate = %d, want 66", got.Amount)
	}
	top := env.cached(t, model.MediaOwner("M"), "global_media_top")
	if top.Amount != 33 || top.Holder == nil || top.Holder.UserID != "A" || top.Holder.BidID != "b1" {
		t.Errorf("top = %+v, want A's earlier bid", top)
	}
	u, _ := env.ms.GetUser(context.Background(), "B")
	if u.Balance != 67 || u.BidAggregate != 33 {
		t.Errorf("B balance=%d aggregate=%d, want 67/33", u.Balance, u.BidAggregate)
	}
	if out.Reward == nil || out.RewardDeferred {
		t.Errorf("reward = %+v deferred=%v, want an immediate record", out.Reward, out.RewardDeferred)
	}
	env.assertClean(t)
}

func TestPlace_VetoAfterCount(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "A", 100)
	env.user(t, "B", 100)
	ctx := context.Background()

	env.place(t, pipeline.PlaceRequest{BidID: "b1", UserID: "A", MediaID: "M", Amount: 33})
	env.place(t, pipeline.PlaceRequest{BidID: "b2", UserID: "B", MediaID: "M", Amount: 33})

	out, err := env.p.Veto(ctx, "b2", "duplicate request")
	if err != nil {
		t.Fatalf("Veto: %v", err)
	}
	if out.Bid.Status != model.BidVetoed || out.Entry.Type != model.TxRefund || out.Entry.Amount != 33 {
		t.Fatalf("unexpected outcome bid=%+v entry=%+v", out.Bid, out.Entry)
	}
	if out.RewardDeferred || out.Reward == nil || !out.Reward.Amount.IsZero() || out.Reward.LedgerEntryID == "" {
		t.Errorf("reward = %+v deferred=%v, want a zero-amount reversal record", out.Reward, out.RewardDeferred)
	}

	if got := env.cached(t, model.MediaOwner("M"), "global_media_aggregate"); got.Amount != 33 {
		t.Errorf("media aggregate after veto = %d, want 33", got.Amount)
	}
	if got := env.cached(t, model.UserOwner("B"), "global_user_aggregate"); got.Amount != 0 {
		t.Errorf("B user aggregate = %d, want 0", got.Amount)
	}
	u, _ := env.ms.GetUser(ctx, "B")
	if u.Balance != 100 || u.BidAggregate != 0 || u.RewardBalance != 0 {
		t.Errorf("B balance=%d aggregate=%d reward=%d, want refund to 100/0/0", u.Balance, u.BidAggregate, u.RewardBalance)
	}

	// A vetoed bid cannot be vetoed again.
	if _, err := env.p.Veto(ctx, "b2", ""); !errors.Is(err, model.ErrValidation) {
		t.Errorf("second veto: expected validation error, got %v", err)
	}
	env.assertClean(t)
}

func TestPlace_PartyBidRecomputesEveryOwner(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "A", 500)

	out := env.place(t, pipeline.PlaceRequest{
		UserID: "A", MediaID: "M", PartyID: "P", Amount: 120,
		MediaTitle: "Song", PartyName: "Friday",
	})
	if out.Bid.ID == "" || out.Bid.Scope != model.ScopeParty || out.Bid.Username != "A" {
		t.Errorf("unexpected bid %+v", out.Bid)
	}

	want := map[string]bool{"media:M": false, "user:A": false, "party:P": false, "party:P:media:M": false}
	for _, k := range out.Recomputed {
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("%s not recomputed (got %v)", k, out.Recomputed)
		}
	}
	if got := env.cached(t, model.PartyMediaOwner("P", "M"), "party_media_aggregate"); got.Amount != 120 {
		t.Errorf("party media aggregate = %d, want 120", got.Amount)
	}

	if len(env.notes.updates) != 1 || env.notes.updates[0].Event != pipeline.EventCreated {
		t.Errorf("updates = %+v, want one created update", env.notes.updates)
	}
}

func TestPlace_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "A", 10)
	ctx := context.Background()

	tests := []struct {
		name string
		req  pipeline.PlaceRequest
		want error
	}{
		{"zero amount", pipeline.PlaceRequest{UserID: "A", MediaID: "M"}, model.ErrValidation},
		{"missing media", pipeline.PlaceRequest{UserID: "A", Amount: 1}, model.ErrValidation},
		{"insufficient balance", pipeline.PlaceRequest{UserID: "A", MediaID: "M", Amount: 11}, model.ErrValidation},
		{"unknown user", pipeline.PlaceRequest{UserID: "Z", MediaID: "M", Amount: 1}, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.p.Place(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	entries, _ := env.ms.ListLedgerEntries(ctx, model.LedgerQuery{})
	if len(entries) != 0 {
		t.Errorf("rejected bids wrote %d ledger entries", len(entries))
	}
}

func TestPlace_DuplicateBidID(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "A", 100)
	env.place(t, pipeline.PlaceRequest{BidID: "b1", UserID: "A", MediaID: "M", Amount: 10})

	_, err := env.p.Place(context.Background(), pipeline.PlaceRequest{BidID: "b1", UserID: "A", MediaID: "M", Amount: 10})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	u, _ := env.ms.GetUser(context.Background(), "A")
	if u.Balance != 90 {
		t.Errorf("balance = %d, want 90 (charged once)", u.Balance)
	}
}

func TestMarkPlayed(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "A", 100)
	env.place(t, pipeline.PlaceRequest{BidID: "b1", UserID: "A", MediaID: "M", Amount: 40})
	ctx := context.Background()

	out, err := env.p.MarkPlayed(ctx, "b1")
	if err != nil {
		t.Fatalf("MarkPlayed: %v", err)
	}
	if out.Entry != nil {
		t.Error("playing a bid moved money")
	}
	if got := env.cached(t, model.MediaOwner("M"), "global_media_aggregate"); got.Amount != 40 {
		t.Errorf("played bid stopped counting: aggregate = %d", got.Amount)
	}
	if _, err := env.p.Deactivate(ctx, "b1", ""); !errors.Is(err, model.ErrValidation) {
		t.Errorf("deactivating a played bid: expected validation error, got %v", err)
	}
}

func TestDeactivate(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "A", 100)
	env.place(t, pipeline.PlaceRequest{BidID: "b1", UserID: "A", MediaID: "M", PartyID: "P", Amount: 25})

	out, err := env.p.Deactivate(context.Background(), "b1", "left the party")
	if err != nil {
		t.Fatal(err)
	}
	if out.Bid.Status != model.BidInactive {
		t.Errorf("status = %s, want inactive", out.Bid.Status)
	}
	if got := env.cached(t, model.PartyOwner("P"), "party_aggregate"); got.Amount != 0 {
		t.Errorf("party aggregate = %d, want 0", got.Amount)
	}
	env.assertClean(t)
}

func TestDeactivate_RepeatedBidsKeepNoReward(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "A", 1000)
	ctx := context.Background()

	for i := range 10 {
		out := env.place(t, pipeline.PlaceRequest{UserID: "A", MediaID: "M", Amount: 1000})
		if out.Reward == nil || !out.Reward.Amount.IsPositive() {
			t.Fatalf("round %d: placing earned no reward: %+v", i, out.Reward)
		}
		if _, err := env.p.Deactivate(ctx, out.Bid.ID, ""); err != nil {
			t.Fatalf("round %d: Deactivate: %v", i, err)
		}
	}

	u, _ := env.ms.GetUser(ctx, "A")
	if u.Balance != 1000 || u.BidAggregate != 0 || u.RewardBalance != 0 {
		t.Errorf("balance=%d aggregate=%d reward=%d, want 1000/0/0", u.Balance, u.BidAggregate, u.RewardBalance)
	}
	reversals, _ := env.ms.ListLedgerEntries(ctx, model.LedgerQuery{Type: model.TxRewardReversal, UserID: "A"})
	if len(reversals) != 10 {
		t.Errorf("reversal entries = %d, want 10", len(reversals))
	}
	if pending, _ := env.ms.ListPendingRewards(ctx, 0); len(pending) != 0 {
		t.Errorf("pending = %+v, want empty", pending)
	}
	env.assertClean(t)
}

func TestVeto_ReversalFailureStaysQueued(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "A", 100)
	ctx := context.Background()
	env.place(t, pipeline.PlaceRequest{BidID: "b1", UserID: "A", MediaID: "M", Amount: 50})

	env.ms.FailRewardReads(errors.New("replica unavailable"))
	out, err := env.p.Veto(ctx, "b1", "")
	if err != nil {
		t.Fatalf("a reward failure must not fail the refund: %v", err)
	}
	if !out.RewardDeferred {
		t.Error("expected the reversal to be deferred")
	}
	pending, _ := env.ms.ListPendingRewards(ctx, 0)
	if len(pending) != 1 || pending[0].BidID != "b1" {
		t.Fatalf("pending = %+v, want b1 queued", pending)
	}

	env.ms.FailRewardReads(nil)
	stats, err := env.rewards.RetryPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Computed != 1 {
		t.Errorf("retry stats = %+v, want the reversal computed", stats)
	}
	u, _ := env.ms.GetUser(ctx, "A")
	if u.Balance != 100 || u.RewardBalance != 0 {
		t.Errorf("balance=%d reward=%d, want 100/0", u.Balance, u.RewardBalance)
	}
}

func TestTopUp(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "A", 0)

	out, err := env.p.TopUp(context.Background(), "A", 500, "pay_123")
	if err != nil {
		t.Fatal(err)
	}
	if out.Entry.Type != model.TxTopUp || out.Entry.Post.UserBalance != 500 || out.Entry.Description != "top-up pay_123" {
		t.Errorf("unexpected entry %+v", out.Entry)
	}
	if _, err := env.p.TopUp(context.Background(), "A", 0, ""); !errors.Is(err, model.ErrValidation) {
		t.Errorf("zero top-up: expected validation error, got %v", err)
	}
}

func TestPlace_RecomputeFailureIsRepairedLater(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "A", 1000)
	ctx := context.Background()

	env.ms.FailBidReads(errors.New("replica unavailable"))
	out, err := env.p.Place(ctx, pipeline.PlaceRequest{BidID: "b1", UserID: "A", MediaID: "M", Amount: 1000})
	if err != nil {
		t.Fatalf("a cache failure must not fail the bid: %v", err)
	}
	if len(out.Stale) != 2 || len(out.Recomputed) != 0 {
		t.Errorf("stale=%v recomputed=%v", out.Stale, out.Recomputed)
	}
	if !out.RewardDeferred {
		t.Error("reward should be deferred without a cached aggregate")
	}
	if n := len(env.dirty.Members()); n != 2 {
		t.Errorf("dirty owners = %d, want 2", n)
	}

	env.ms.FailBidReads(nil)
	if _, err := env.dirty.Drain(ctx, func(ctx context.Context, o model.Owner) error {
		_, err := env.engine.Recompute(ctx, o)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if got := env.cached(t, model.MediaOwner("M"), "global_media_aggregate"); got.Amount != 1000 {
		t.Errorf("aggregate after repair = %d, want 1000", got.Amount)
	}
	stats, err := env.rewards.RetryPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Computed != 1 {
		t.Errorf("retry stats = %+v, want 1 computed", stats)
	}
}
