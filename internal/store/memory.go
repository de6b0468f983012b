package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tunebytes/bid-engine/internal/model"
)

type memoryMedia struct {
	title     string
	aggregate int64
	version   int64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*model.User
	media      map[string]*memoryMedia
	parties    map[string]string
	bids       map[string]*model.Bid
	revision   int64
	global     int64
	ledger     []model.LedgerEntry
	corrupt    map[int]error
	rewards    []model.RewardRecord
	pending    map[string]*model.PendingReward
	aggregates map[string]*model.OwnerAggregates

	// failBids makes bid reads fail, to exercise recompute error paths.
	failBids error
	// failRewards makes reward record reads fail.
	failRewards error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*model.User),
		media:      make(map[string]*memoryMedia),
		parties:    make(map[string]string),
		bids:       make(map[string]*model.Bid),
		corrupt:    make(map[int]error),
		pending:    make(map[string]*model.PendingReward),
		aggregates: make(map[string]*model.OwnerAggregates),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	copy := *u
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) EnsureMedia(_ context.Context, mediaID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.media[mediaID]; !ok {
		s.media[mediaID] = &memoryMedia{title: title}
	}
	return nil
}

func (s *MemoryStore) EnsureParty(_ context.Context, partyID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.parties[partyID]; !ok {
		s.parties[partyID] = name
	}
	return nil
}

func (s *MemoryStore) GetBid(_ context.Context, id string) (*model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return nil, fmt.Errorf("bid %s: %w", id, model.ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) UpdateBidStatus(_ context.Context, id string, from, to model.BidStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bids[id]
	if !ok {
		return fmt.Errorf("bid %s: %w", id, model.ErrNotFound)
	}
	if b.Status != from {
		return ErrStatusConflict
	}
	s.revision++
	b.Status = to
	b.Revision = s.revision
	return nil
}

func (s *MemoryStore) ListBids(_ context.Context, f model.BidFilter) (model.BidSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failBids != nil {
		return model.BidSet{}, s.failBids
	}

	var set model.BidSet
	for _, b := range s.bids {
		if f.UserID != "" && b.UserID != f.UserID {
			continue
		}
		if f.MediaID != "" && b.MediaID != f.MediaID {
			continue
		}
		if f.PartyID != "" && b.PartyID != f.PartyID {
			continue
		}
		set.Bids = append(set.Bids, *b)
		if b.Revision > set.Revision {
			set.Revision = b.Revision
		}
	}
	sortBids(set.Bids)
	return set, nil
}

func (s *MemoryStore) ListEntityIDs(_ context.Context, entity model.Entity) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, b := range s.bids {
		var id string
		switch entity {
		case model.EntityUser:
			id = b.UserID
		case model.EntityMedia:
			id = b.MediaID
		case model.EntityParty:
			id = b.PartyID
		}
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ReadAccountState(_ context.Context, userID, mediaID string) (*model.AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	st := &model.AccountState{
		UserID:          u.ID,
		UserBalance:     u.Balance,
		UserAggregate:   u.BidAggregate,
		RewardBalance:   u.RewardBalance,
		UserVersion:     u.Version,
		LastHash:        u.LastHash,
		MediaID:         mediaID,
		GlobalAggregate: s.global,
	}
	if mediaID != "" {
		m, ok := s.media[mediaID]
		if !ok {
			return nil, fmt.Errorf("media %s: %w", mediaID, model.ErrNotFound)
		}
		st.MediaAggregate = m.aggregate
		st.MediaVersion = m.version
	}
	return st, nil
}

func (s *MemoryStore) CommitLedgerEntry(_ context.Context, e *model.LedgerEntry, g model.Guard, fx Effects) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[g.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", g.UserID, model.ErrNotFound)
	}
	if u.Version != g.UserVersion {
		return ErrConflict
	}
	var m *memoryMedia
	if g.MediaID != "" {
		m, ok = s.media[g.MediaID]
		if !ok {
			return fmt.Errorf("media %s: %w", g.MediaID, model.ErrNotFound)
		}
		if m.version != g.MediaVersion {
			return ErrConflict
		}
	}

	// Validate the effects before mutating anything.
	if fx.Reward != nil {
		if err := s.checkReward(fx.Reward); err != nil {
			return err
		}
	}
	if c := fx.Bid; c != nil {
		if c.Create != nil {
			if _, exists := s.bids[c.Create.ID]; exists {
				return fmt.Errorf("bid %s: %w", c.Create.ID, ErrDuplicate)
			}
		} else {
			b, exists := s.bids[c.ID]
			if !exists {
				return fmt.Errorf("bid %s: %w", c.ID, model.ErrNotFound)
			}
			if b.Status != c.From {
				return ErrStatusConflict
			}
		}
	}

	u.Balance += e.Post.UserBalance - e.Pre.UserBalance
	u.BidAggregate += e.Post.UserAggregate - e.Pre.UserAggregate
	u.RewardBalance += e.Post.RewardBalance - e.Pre.RewardBalance
	u.Version++
	u.LastHash = e.Hash
	if m != nil {
		m.aggregate += e.Post.MediaAggregate - e.Pre.MediaAggregate
		m.version++
	}
	s.global += e.Post.GlobalAggregate - e.Pre.GlobalAggregate

	if c := fx.Bid; c != nil {
		s.revision++
		if c.Create != nil {
			copy := *c.Create
			copy.Revision = s.revision
			s.bids[copy.ID] = &copy
		} else {
			b := s.bids[c.ID]
			b.Status = c.To
			b.Revision = s.revision
		}
	}

	entry := *e
	entry.Seq = int64(len(s.ledger) + 1)
	s.ledger = append(s.ledger, entry)
	e.Seq = entry.Seq

	if fx.Reward != nil {
		s.rewards = append(s.rewards, *fx.Reward)
	}
	return nil
}

func (s *MemoryStore) GetLedgerEntry(_ context.Context, id string) (*model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.ledger {
		if e.ID == id {
			copy := e
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("ledger entry %s: %w", id, model.ErrNotFound)
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, q model.LedgerQuery) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, idx := range s.matchLedger(q) {
		result = append(result, s.ledger[idx])
	}
	return result, nil
}

func (s *MemoryStore) ScanLedger(_ context.Context, q model.LedgerQuery) ([]model.LedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerRecord
	for _, idx := range s.matchLedger(q) {
		e := s.ledger[idx]
		rec := model.LedgerRecord{Seq: e.Seq, ID: e.ID}
		if err, bad := s.corrupt[idx]; bad {
			rec.Err = err
		} else {
			copy := e
			rec.Entry = &copy
		}
		result = append(result, rec)
	}
	return result, nil
}

// matchLedger returns the ledger indexes matching q, honoring offset/limit.
// Caller holds the lock.
func (s *MemoryStore) matchLedger(q model.LedgerQuery) []int {
	var idx []int
	skipped := 0
	for i, e := range s.ledger {
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.BidID != "" && e.BidID != q.BidID {
			continue
		}
		if e.Seq <= q.AfterSeq {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		idx = append(idx, i)
		if q.Limit > 0 && len(idx) >= q.Limit {
			break
		}
	}
	return idx
}

func (s *MemoryStore) InsertRewardRecord(_ context.Context, rec *model.RewardRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkReward(rec); err != nil {
		return err
	}
	s.rewards = append(s.rewards, *rec)
	return nil
}

// checkReward rejects duplicate ids and taken sequence numbers. Caller holds
// the lock.
func (s *MemoryStore) checkReward(rec *model.RewardRecord) error {
	for _, r := range s.rewards {
		if r.ID == rec.ID {
			return fmt.Errorf("reward %s: %w", rec.ID, ErrDuplicate)
		}
		if r.BidID == rec.BidID && r.Seq == rec.Seq {
			return fmt.Errorf("reward seq %d for bid %s: %w", rec.Seq, rec.BidID, ErrRewardConflict)
		}
	}
	return nil
}

func (s *MemoryStore) ListRewardRecords(_ context.Context, q RewardQuery) ([]model.RewardRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failRewards != nil {
		return nil, s.failRewards
	}
	var result []model.RewardRecord
	for _, r := range s.rewards {
		if q.BidID != "" && r.BidID != q.BidID {
			continue
		}
		if q.UserID != "" && r.UserID != q.UserID {
			continue
		}
		result = append(result, r)
		if q.Limit > 0 && len(result) >= q.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) EnqueuePendingReward(_ context.Context, p model.PendingReward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pending[p.BidID]; ok {
		existing.Attempts++
		existing.Reason = p.Reason
		return nil
	}
	copy := p
	if copy.QueuedAt.IsZero() {
		copy.QueuedAt = time.Now().UTC()
	}
	s.pending[p.BidID] = &copy
	return nil
}

func (s *MemoryStore) ListPendingRewards(_ context.Context, limit int) ([]model.PendingReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.PendingReward, 0, len(s.pending))
	for _, p := range s.pending {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].QueuedAt.Equal(result[j].QueuedAt) {
			return result[i].QueuedAt.Before(result[j].QueuedAt)
		}
		return result[i].BidID < result[j].BidID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) RemovePendingReward(_ context.Context, bidID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, bidID)
	return nil
}

func (s *MemoryStore) PutAggregates(_ context.Context, sets ...model.OwnerAggregates) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for _, set := range sets {
		key := set.Owner.Key()
		if cur, ok := s.aggregates[key]; ok && cur.Revision > set.Revision {
			continue
		}
		copy := set
		copy.Values = append([]model.CachedAggregate(nil), set.Values...)
		s.aggregates[key] = &copy
		written++
	}
	return written, nil
}

func (s *MemoryStore) GetAggregates(_ context.Context, owner model.Owner) (*model.OwnerAggregates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.aggregates[owner.Key()]
	if !ok {
		return nil, fmt.Errorf("aggregates %s: %w", owner.Key(), model.ErrNotFound)
	}
	copy := *a
	copy.Values = append([]model.CachedAggregate(nil), a.Values...)
	return &copy, nil
}

// --- Test helpers ---

// TamperLedgerEntry mutates a stored ledger entry in place, bypassing the
// append-only contract. Only for exercising verification.
func (s *MemoryStore) TamperLedgerEntry(id string, mutate func(e *model.LedgerEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.ledger {
		if s.ledger[i].ID == id {
			mutate(&s.ledger[i])
			return true
		}
	}
	return false
}

// CorruptLedgerEntry marks a stored entry as unreadable for ScanLedger.
func (s *MemoryStore) CorruptLedgerEntry(id string, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.ledger {
		if s.ledger[i].ID == id {
			s.corrupt[i] = err
			return true
		}
	}
	return false
}

// FailBidReads makes ListBids return err until called again with nil.
func (s *MemoryStore) FailBidReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBids = err
}

// FailRewardReads makes ListRewardRecords return err until called again with
// nil.
func (s *MemoryStore) FailRewardReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRewards = err
}

// SeedBid inserts a bid without a ledger entry, assigning its revision. Used
// to seed histories for aggregate tests.
func (s *MemoryStore) SeedBid(b model.Bid) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revision++
	b.Revision = s.revision
	s.bids[b.ID] = &b
}

// SetBidStatus changes a bid's status without a ledger entry, bumping its
// revision. Used to seed histories.
func (s *MemoryStore) SetBidStatus(id string, status model.BidStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bids[id]
	if !ok {
		return false
	}
	s.revision++
	b.Status = status
	b.Revision = s.revision
	return true
}

func sortBids(bids []model.Bid) {
	sort.Slice(bids, func(i, j int) bool {
		if !bids[i].CreatedAt.Equal(bids[j].CreatedAt) {
			return bids[i].CreatedAt.Before(bids[j].CreatedAt)
		}
		return bids[i].ID < bids[j].ID
	})
}
