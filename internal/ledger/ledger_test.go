package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tunebytes/bid-engine/internal/model"
	"github.com/tunebytes/bid-engine/internal/store"
)

func newTestLedger(t *testing.T, st store.Store) *Ledger {
	t.Helper()
	h, err := NewHasher("test-secret")
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	return New(st, h, Config{MaxRetries: 5})
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, balance int64) {
	t.Helper()
	if err := ms.CreateUser(context.Background(), &model.User{ID: id, Username: id, Balance: balance}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func seedMedia(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	if err := ms.EnsureMedia(context.Background(), id, "Title "+id); err != nil {
		t.Fatalf("seed media: %v", err)
	}
}

func tipRequest(userID, bidID, mediaID string, amount int64) Request {
	return Request{
		Type:    model.TxTip,
		UserID:  userID,
		Amount:  amount,
		BidID:   bidID,
		MediaID: mediaID,
		Bid: &model.BidChange{Create: &model.Bid{
			ID: bidID, UserID: userID, MediaID: mediaID, Amount: amount,
			Scope: model.ScopeGlobal, Status: model.BidActive, CreatedAt: time.Now().UTC(),
		}},
	}
}

// conflictStore fails the first n commits with a version conflict.
type conflictStore struct {
	*store.MemoryStore
	n       int
	commits int
}

func (s *conflictStore) CommitLedgerEntry(ctx context.Context, e *model.LedgerEntry, g model.Guard, fx store.Effects) error {
	s.commits++
	if s.commits <= s.n {
		return store.ErrConflict
	}
	return s.MemoryStore.CommitLedgerEntry(ctx, e, g, fx)
}

func TestAppend_TipSnapshots(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "u1", 1000)
	seedMedia(t, ms, "m1")
	l := newTestLedger(t, ms)

	e, err := l.Append(context.Background(), tipRequest("u1", "b1", "m1", 33))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	wantPre := model.Snapshot{UserBalance: 1000}
	wantPost := model.Snapshot{UserBalance: 967, UserAggregate: 33, MediaAggregate: 33, GlobalAggregate: 33}
	if e.Pre != wantPre {
		t.Errorf("pre = %+v, want %+v", e.Pre, wantPre)
	}
	if e.Post != wantPost {
		t.Errorf("post = %+v, want %+v", e.Post, wantPost)
	}
	if e.Seq != 1 {
		t.Errorf("seq = %d, want 1", e.Seq)
	}

	u, _ := ms.GetUser(context.Background(), "u1")
	if u.Balance != 967 || u.BidAggregate != 33 {
		t.Errorf("user balance=%d aggregate=%d, want 967/33", u.Balance, u.BidAggregate)
	}
	if u.LastHash != e.Hash {
		t.Errorf("chain head = %q, want %q", u.LastHash, e.Hash)
	}
	if b, err := ms.GetBid(context.Background(), "b1"); err != nil || b.Revision == 0 {
		t.Errorf("bid not committed with the entry: %v", err)
	}
}

func TestAppend_SnapshotArithmeticPerType(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "u1", 500)
	seedMedia(t, ms, "m1")
	l := newTestLedger(t, ms)
	ctx := context.Background()

	tip, err := l.Append(ctx, tipRequest("u1", "b1", "m1", 200))
	if err != nil {
		t.Fatalf("tip: %v", err)
	}

	tests := []struct {
		name string
		req  Request
	}{
		{"refund", Request{Type: model.TxRefund, UserID: "u1", Amount: 50, BidID: "b1", MediaID: "m1"}},
		{"top up", Request{Type: model.TxTopUp, UserID: "u1", Amount: 1000}},
		{"reward", Request{Type: model.TxReward, UserID: "u1", Amount: 12, BidID: "b1"}},
		{"reward reversal", Request{Type: model.TxRewardReversal, UserID: "u1", Amount: 5, BidID: "b1"}},
		{"adjustment", Request{Type: model.TxAdjustment, UserID: "u1", Amount: -25, CorrectsEntryID: tip.ID, Description: "fix"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := l.Append(ctx, tt.req)
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := CheckInvariant(e); err != nil {
				t.Errorf("invariant: %v", err)
			}
		})
	}

	u, _ := ms.GetUser(ctx, "u1")
	// 500 - 200 + 50 + 1000 - 25
	if u.Balance != 1325 {
		t.Errorf("balance = %d, want 1325", u.Balance)
	}
	if u.BidAggregate != 150 {
		t.Errorf("aggregate = %d, want 150", u.BidAggregate)
	}
	if u.RewardBalance != 7 {
		t.Errorf("reward balance = %d, want 7", u.RewardBalance)
	}
}

func TestAppend_InsufficientBalance(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "u1", 10)
	seedMedia(t, ms, "m1")
	l := newTestLedger(t, ms)

	_, err := l.Append(context.Background(), tipRequest("u1", "b1", "m1", 11))
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	entries, _ := ms.ListLedgerEntries(context.Background(), model.LedgerQuery{})
	if len(entries) != 0 {
		t.Errorf("rejected tip left %d entries", len(entries))
	}
	if _, err := ms.GetBid(context.Background(), "b1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("rejected tip wrote the bid row: %v", err)
	}
}

func TestAppend_ValidationErrors(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "u1", 100)
	l := newTestLedger(t, ms)

	tests := []struct {
		name string
		req  Request
	}{
		{"no user", Request{Type: model.TxTopUp, Amount: 1}},
		{"unknown type", Request{Type: "GIFT", UserID: "u1", Amount: 1}},
		{"zero tip", Request{Type: model.TxTip, UserID: "u1", BidID: "b", MediaID: "m"}},
		{"negative top up", Request{Type: model.TxTopUp, UserID: "u1", Amount: -5}},
		{"tip without media", Request{Type: model.TxTip, UserID: "u1", Amount: 5, BidID: "b"}},
		{"adjustment without reference", Request{Type: model.TxAdjustment, UserID: "u1", Amount: 5}},
		{"adjustment below zero", Request{Type: model.TxAdjustment, UserID: "u1", Amount: -101, CorrectsEntryID: "x"}},
		{"reversal beyond reward balance", Request{Type: model.TxRewardReversal, UserID: "u1", Amount: 1, BidID: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Append(context.Background(), tt.req); !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestAppend_ChainsHashesPerUser(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "u1", 100)
	seedUser(t, ms, "u2", 100)
	l := newTestLedger(t, ms)
	ctx := context.Background()

	a, _ := l.Append(ctx, Request{Type: model.TxTopUp, UserID: "u1", Amount: 1})
	b, _ := l.Append(ctx, Request{Type: model.TxTopUp, UserID: "u2", Amount: 1})
	c, _ := l.Append(ctx, Request{Type: model.TxTopUp, UserID: "u1", Amount: 1})

	if a.PrevHash != "" {
		t.Errorf("first entry prev hash = %q, want empty", a.PrevHash)
	}
	if b.PrevHash != "" {
		t.Errorf("other user's first entry chained to %q", b.PrevHash)
	}
	if c.PrevHash != a.Hash {
		t.Errorf("prev hash = %q, want %q", c.PrevHash, a.Hash)
	}
}

func TestAppend_RetriesOnConflict(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "u1", 100)
	cs := &conflictStore{MemoryStore: ms, n: 3}
	l := newTestLedger(t, cs)

	e, err := l.Append(context.Background(), Request{Type: model.TxTopUp, UserID: "u1", Amount: 5})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if cs.commits != 4 {
		t.Errorf("commits = %d, want 4", cs.commits)
	}
	if e.Post.UserBalance != 105 {
		t.Errorf("post balance = %d, want 105", e.Post.UserBalance)
	}
}

func TestAppend_GivesUpWithTransient(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "u1", 100)
	cs := &conflictStore{MemoryStore: ms, n: 100}
	l := newTestLedger(t, cs)

	_, err := l.Append(context.Background(), Request{Type: model.TxTopUp, UserID: "u1", Amount: 5})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if cs.commits != 6 {
		t.Errorf("commits = %d, want 6 (1 + 5 retries)", cs.commits)
	}
}

func TestAppend_ConcurrentTipsSameMedia(t *testing.T) {
	ms := store.NewMemoryStore()
	seedMedia(t, ms, "m1")
	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		seedUser(t, ms, u, 1000)
	}
	h, _ := NewHasher("test-secret")
	l := New(ms, h, Config{MaxRetries: 50, BaseBackoff: time.Microsecond, MaxBackoff: time.Millisecond})

	errs := make(chan error, len(users))
	for i, u := range users {
		go func(i int, u string) {
			_, err := l.Append(context.Background(), tipRequest(u, "b"+u, "m1", int64(10*(i+1))))
			errs <- err
		}(i, u)
	}
	for range users {
		if err := <-errs; err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	st, _ := ms.ReadAccountState(context.Background(), "u1", "m1")
	if st.MediaAggregate != 100 || st.GlobalAggregate != 100 {
		t.Errorf("media=%d global=%d, want 100/100", st.MediaAggregate, st.GlobalAggregate)
	}
}

func TestCorrect_AppendsAdjustment(t *testing.T) {
	ms := store.NewMemoryStore()
	seedUser(t, ms, "u1", 100)
	l := newTestLedger(t, ms)
	ctx := context.Background()

	orig, _ := l.Append(ctx, Request{Type: model.TxTopUp, UserID: "u1", Amount: 50})
	adj, err := l.Correct(ctx, orig.ID, -20, "duplicate top-up")
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if adj.Type != model.TxAdjustment || adj.CorrectsEntryID != orig.ID || adj.Amount != -20 {
		t.Errorf("unexpected adjustment %+v", adj)
	}

	stored, _ := ms.GetLedgerEntry(ctx, orig.ID)
	if stored.Hash != orig.Hash || stored.Amount != 50 {
		t.Error("original entry was modified")
	}
	u, _ := ms.GetUser(ctx, "u1")
	if u.Balance != 130 {
		t.Errorf("balance = %d, want 130", u.Balance)
	}

	if _, err := l.Correct(ctx, orig.ID, 5, ""); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for missing reason, got %v", err)
	}
	if _, err := l.Correct(ctx, "missing", 5, "x"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestBackoff_Bounded(t *testing.T) {
	l := &Ledger{cfg: Config{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}}
	for attempt := 0; attempt < 70; attempt++ {
		if d := l.backoff(attempt); d < 0 || d > 50*time.Millisecond {
			t.Fatalf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
}
