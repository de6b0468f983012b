package aggregate

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunebytes/bid-engine/internal/model"
	"github.com/tunebytes/bid-engine/internal/store"
)

var t0 = time.Date(2025, 1, 1, 20, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore, *store.MemoryDirtySet) {
	t.Helper()
	ms := store.NewMemoryStore()
	dirty := store.NewMemoryDirtySet()
	return NewEngine(ms, DefaultRegistry(), dirty), ms, dirty
}

func bid(id, user, media, party string, amount int64, minute int) model.Bid {
	scope := model.ScopeGlobal
	if party != "" {
		scope = model.ScopeParty
	}
	return model.Bid{
		ID: id, UserID: user, MediaID: media, PartyID: party, Amount: amount,
		Scope: scope, Status: model.BidActive, CreatedAt: t0.Add(time.Duration(minute) * time.Minute),
	}
}

func cachedValue(t *testing.T, ms *store.MemoryStore, owner model.Owner, metric, subject string) model.MetricValue {
	t.Helper()
	agg, err := ms.GetAggregates(context.Background(), owner)
	if err != nil {
		t.Fatalf("GetAggregates %s: %v", owner.Key(), err)
	}
	v, ok := agg.Get(metric, subject)
	if !ok {
		t.Fatalf("%s has no cached %s/%s", owner.Key(), metric, subject)
	}
	return v.Value
}

func TestEvaluate_TwoEqualBidsTopIsEarliest(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	ms.SeedBid(bid("b2", "B", "M", "", 33, 2))
	ms.SeedBid(bid("b1", "A", "M", "", 33, 1))
	ctx := context.Background()

	agg, err := e.Evaluate(ctx, "global_media_aggregate", Params{MediaID: "M"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if agg.Amount != 66 || agg.Currency != model.Currency {
		t.Errorf("aggregate = %d %s, want 66 GBP", agg.Amount, agg.Currency)
	}

	top, _ := e.Evaluate(ctx, "global_media_top", Params{MediaID: "M"})
	if top.Amount != 33 {
		t.Errorf("top amount = %d, want 33", top.Amount)
	}
	if top.Holder == nil || top.Holder.UserID != "A" || top.Holder.BidID != "b1" {
		t.Errorf("top holder = %+v, want user A bid b1", top.Holder)
	}
}

func TestEvaluate_TopTieBreaksOnIDWhenSimultaneous(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	ms.SeedBid(bid("bz", "Z", "M", "", 50, 1))
	ms.SeedBid(bid("ba", "A", "M", "", 50, 1))

	top, _ := e.Evaluate(context.Background(), "global_media_top", Params{MediaID: "M"})
	if top.Holder.BidID != "ba" {
		t.Errorf("holder bid = %s, want ba", top.Holder.BidID)
	}
}

func TestEvaluate_ExcludesVetoedAndInactive(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	ms.SeedBid(bid("b1", "A", "M", "P", 100, 1))
	ms.SeedBid(bid("b2", "B", "M", "P", 200, 2))
	ms.SeedBid(bid("b3", "C", "M", "P", 300, 3))
	ms.SeedBid(bid("b4", "D", "M", "P", 400, 4))
	ms.SetBidStatus("b2", model.BidPlayed)
	ms.SetBidStatus("b3", model.BidVetoed)
	ms.SetBidStatus("b4", model.BidInactive)
	ctx := context.Background()

	agg, _ := e.Evaluate(ctx, "party_media_aggregate", Params{PartyID: "P", MediaID: "M"})
	if agg.Amount != 300 {
		t.Errorf("aggregate = %d, want 300", agg.Amount)
	}
	top, _ := e.Evaluate(ctx, "party_top", Params{PartyID: "P"})
	if top.Amount != 200 || top.Holder.UserID != "B" || top.Holder.MediaID != "M" {
		t.Errorf("top = %d %+v, want 200 by B on M", top.Amount, top.Holder)
	}
	avg, _ := e.Evaluate(ctx, "party_average", Params{PartyID: "P"})
	if avg.Count != 2 || !avg.Average.Equal(decimal.NewFromInt(150)) {
		t.Errorf("average = %s over %d, want 150 over 2", avg.Average, avg.Count)
	}
}

func TestEvaluate_EmptyScope(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	top, err := e.Evaluate(ctx, "global_media_top", Params{MediaID: "nothing"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if top.Amount != 0 || top.Holder != nil {
		t.Errorf("empty top = %d %+v", top.Amount, top.Holder)
	}
	avg, _ := e.Evaluate(ctx, "global_media_average", Params{MediaID: "nothing"})
	if avg.Count != 0 || !avg.Average.IsZero() {
		t.Errorf("empty average = %s over %d", avg.Average, avg.Count)
	}
}

func TestEvaluate_Rank(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	ms.SeedBid(bid("b1", "A", "M1", "P", 100, 1))
	ms.SeedBid(bid("b2", "A", "M2", "P", 300, 2))
	ms.SeedBid(bid("b3", "B", "M3", "P", 100, 3))
	ms.SeedBid(bid("b4", "B", "M4", "P", 50, 4))
	ms.SetBidStatus("b4", model.BidVetoed)
	ctx := context.Background()

	tests := []struct {
		media      string
		rank       int
		percentile string
	}{
		{"M2", 1, "100"},
		{"M1", 2, "66.67"}, // ties with M3 on total, earlier first bid
		{"M3", 3, "33.33"},
		{"M4", 0, "0"},
	}
	for _, tt := range tests {
		v, err := e.Evaluate(ctx, "party_media_rank", Params{PartyID: "P", MediaID: tt.media})
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if v.Rank != tt.rank || v.TotalCount != 3 {
			t.Errorf("%s: rank %d/%d, want %d/3", tt.media, v.Rank, v.TotalCount, tt.rank)
		}
		if !v.Percentile.Equal(decimal.RequireFromString(tt.percentile)) {
			t.Errorf("%s: percentile %s, want %s", tt.media, v.Percentile, tt.percentile)
		}
	}
}

func TestEvaluate_ValidationErrors(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Evaluate(ctx, "no_such_metric", Params{}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("unknown metric: expected validation error, got %v", err)
	}
	if _, err := e.Evaluate(ctx, "party_media_top", Params{PartyID: "P"}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("missing media: expected validation error, got %v", err)
	}
}

func TestRecomputeMedia_MatchesEvaluate(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	ms.SeedBid(bid("b1", "A", "M", "P", 33, 1))
	ms.SeedBid(bid("b2", "B", "M", "", 33, 2))
	ctx := context.Background()

	res, err := e.RecomputeMedia(ctx, "M")
	if err != nil {
		t.Fatalf("RecomputeMedia: %v", err)
	}
	// media record + the media's entry in party P
	if len(res.Sets) != 2 || res.Written != 2 {
		t.Fatalf("sets=%d written=%d, want 2/2", len(res.Sets), res.Written)
	}

	for _, name := range []string{"global_media_aggregate", "global_media_top", "global_media_average"} {
		fresh, _ := e.Evaluate(ctx, name, Params{MediaID: "M"})
		cached := cachedValue(t, ms, model.MediaOwner("M"), name, "")
		if !reflect.DeepEqual(fresh, cached) {
			t.Errorf("%s: cached %+v != fresh %+v", name, cached, fresh)
		}
	}
	if v := cachedValue(t, ms, model.PartyMediaOwner("P", "M"), "party_media_aggregate", ""); v.Amount != 33 {
		t.Errorf("party media aggregate = %d, want 33", v.Amount)
	}
}

func TestRecomputeParty_PerMediaEntriesAndRanks(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	ms.SeedBid(bid("b1", "A", "M1", "P", 10, 1))
	ms.SeedBid(bid("b2", "B", "M2", "P", 20, 2))
	ms.SeedBid(bid("b3", "B", "M2", "Q", 99, 3))
	ctx := context.Background()

	if _, err := e.RecomputeParty(ctx, "P"); err != nil {
		t.Fatalf("RecomputeParty: %v", err)
	}
	if v := cachedValue(t, ms, model.PartyOwner("P"), "party_aggregate", ""); v.Amount != 30 {
		t.Errorf("party aggregate = %d, want 30", v.Amount)
	}
	if v := cachedValue(t, ms, model.PartyOwner("P"), "party_media_rank", "M2"); v.Rank != 1 {
		t.Errorf("M2 rank = %d, want 1", v.Rank)
	}
	if v := cachedValue(t, ms, model.PartyOwner("P"), "party_user_rank", "A"); v.Rank != 2 || v.TotalCount != 2 {
		t.Errorf("A rank = %d/%d, want 2/2", v.Rank, v.TotalCount)
	}
	if v := cachedValue(t, ms, model.PartyMediaOwner("P", "M2"), "party_media_top", ""); v.Amount != 20 {
		t.Errorf("party media top = %d, want 20 (other party excluded)", v.Amount)
	}
}

func TestRecomputeUser(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	ms.SeedBid(bid("b1", "A", "M1", "P", 10, 1))
	ms.SeedBid(bid("b2", "A", "M1", "", 15, 2))
	ms.SeedBid(bid("b3", "A", "M2", "", 40, 3))

	if _, err := e.RecomputeUser(context.Background(), "A"); err != nil {
		t.Fatalf("RecomputeUser: %v", err)
	}
	if v := cachedValue(t, ms, model.UserOwner("A"), "global_user_aggregate", ""); v.Amount != 65 {
		t.Errorf("user aggregate = %d, want 65", v.Amount)
	}
	if v := cachedValue(t, ms, model.UserOwner("A"), "global_user_media_aggregate", "M1"); v.Amount != 25 {
		t.Errorf("user M1 aggregate = %d, want 25", v.Amount)
	}
	if v := cachedValue(t, ms, model.UserOwner("A"), "global_user_top", ""); v.Holder.MediaID != "M2" {
		t.Errorf("user top media = %s, want M2", v.Holder.MediaID)
	}
}

func TestRecompute_Idempotent(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	ms.SeedBid(bid("b1", "A", "M", "P", 33, 1))
	ms.SeedBid(bid("b2", "B", "M", "P", 47, 2))
	ctx := context.Background()

	if _, err := e.RecomputeParty(ctx, "P"); err != nil {
		t.Fatal(err)
	}
	first, _ := ms.GetAggregates(ctx, model.PartyOwner("P"))

	if _, err := e.RecomputeParty(ctx, "P"); err != nil {
		t.Fatal(err)
	}
	second, _ := ms.GetAggregates(ctx, model.PartyOwner("P"))

	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated recompute changed the cache:\n%+v\n%+v", first, second)
	}
}

func TestRecompute_FailureWritesNothingAndMarksDirty(t *testing.T) {
	e, ms, dirty := newTestEngine(t)
	ms.SeedBid(bid("b1", "A", "M", "", 33, 1))
	ctx := context.Background()

	if _, err := e.RecomputeMedia(ctx, "M"); err != nil {
		t.Fatal(err)
	}
	before, _ := ms.GetAggregates(ctx, model.MediaOwner("M"))

	ms.SeedBid(bid("b2", "B", "M", "", 50, 2))
	ms.FailBidReads(errors.New("connection reset"))
	if _, err := e.RecomputeMedia(ctx, "M"); err == nil {
		t.Fatal("expected error")
	}

	after, _ := ms.GetAggregates(ctx, model.MediaOwner("M"))
	if !reflect.DeepEqual(before, after) {
		t.Error("failed recompute modified the cache")
	}
	if got := dirty.Members(); len(got) != 1 || got[0] != model.MediaOwner("M") {
		t.Errorf("dirty = %+v, want [media:M]", got)
	}

	// The sweep repairs the cache once reads work again.
	ms.FailBidReads(nil)
	n, err := dirty.Drain(ctx, func(ctx context.Context, o model.Owner) error {
		_, err := e.Recompute(ctx, o)
		return err
	})
	if err != nil || n != 1 {
		t.Fatalf("Drain: n=%d err=%v", n, err)
	}
	if v := cachedValue(t, ms, model.MediaOwner("M"), "global_media_aggregate", ""); v.Amount != 83 {
		t.Errorf("repaired aggregate = %d, want 83", v.Amount)
	}
}

func TestPutAggregates_StaleRevisionSkipped(t *testing.T) {
	e, ms, _ := newTestEngine(t)
	ms.SeedBid(bid("b1", "A", "M", "", 33, 1))
	ctx := context.Background()

	stale := model.OwnerAggregates{Owner: model.MediaOwner("M"), Revision: 1, Values: e.build(model.MediaOwner("M"), model.BidSet{})}

	ms.SeedBid(bid("b2", "A", "M", "", 10, 2))
	if _, err := e.RecomputeMedia(ctx, "M"); err != nil {
		t.Fatal(err)
	}
	n, _ := ms.PutAggregates(ctx, stale)
	if n != 0 {
		t.Errorf("stale write applied")
	}
	if v := cachedValue(t, ms, model.MediaOwner("M"), "global_media_aggregate", ""); v.Amount != 43 {
		t.Errorf("aggregate = %d, want 43", v.Amount)
	}
}
