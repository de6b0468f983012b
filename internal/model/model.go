// Package model defines the core domain types shared across the bid engine.
// Bid amounts and ledger balances are integer minor units (pence); derived
// ratios and reward amounts use shopspring/decimal — never float64 for money.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the single internal currency unit. All amounts are minor units.
const Currency = "GBP"

// ErrValidation marks errors caused by bad input (bad amount, unknown entity,
// illegal status transition). Callers wrap it with context.
var ErrValidation = errors.New("validation failed")

// Validationf returns an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// --- Bids ---

// BidScope is the boundary a bid was placed in.
type BidScope string

const (
	ScopeParty  BidScope = "party"
	ScopeGlobal BidScope = "global"
)

// BidStatus is the lifecycle state of a bid.
type BidStatus string

const (
	BidActive   BidStatus = "active"
	BidPlayed   BidStatus = "played"
	BidVetoed   BidStatus = "vetoed"
	BidInactive BidStatus = "inactive"
)

// Counted reports whether bids in this status contribute to aggregates.
func (s BidStatus) Counted() bool {
	return s == BidActive || s == BidPlayed
}

// CanTransition reports whether a bid may move from s to next. Transitions
// are one-directional and only leave the active state.
func (s BidStatus) CanTransition(next BidStatus) bool {
	if s != BidActive {
		return false
	}
	switch next {
	case BidPlayed, BidVetoed, BidInactive:
		return true
	}
	return false
}

// Bid is a monetary tip placed by a user on a media item, optionally inside
// a party. Display fields are captured at creation time.
type Bid struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	MediaID   string    `json:"media_id" db:"media_id"`
	PartyID   string    `json:"party_id,omitempty" db:"party_id"` // empty for global bids
	Amount    int64     `json:"amount" db:"amount"`
	Scope     BidScope  `json:"scope" db:"scope"`
	Status    BidStatus `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	Username   string `json:"username" db:"username"`
	MediaTitle string `json:"media_title" db:"media_title"`
	PartyName  string `json:"party_name,omitempty" db:"party_name"`

	// Revision is assigned by the store from a global mutation sequence on
	// insert and on every status change.
	Revision int64 `json:"revision" db:"revision"`
}

// BidFilter selects bids by entity. Empty fields are unconstrained.
type BidFilter struct {
	UserID  string
	MediaID string
	PartyID string
}

// BidSet is a consistent read of every bid matching a filter, in any status.
// Revision is the highest bid revision in the set (0 when empty).
type BidSet struct {
	Bids     []Bid
	Revision int64
}

// Counted returns the bids that contribute to aggregates.
func (s BidSet) Counted() []Bid {
	out := make([]Bid, 0, len(s.Bids))
	for _, b := range s.Bids {
		if b.Status.Counted() {
			out = append(out, b)
		}
	}
	return out
}

// Where returns the subset of the set matching f. The revision is recomputed
// for the subset.
func (s BidSet) Where(f BidFilter) BidSet {
	var out BidSet
	for _, b := range s.Bids {
		if f.UserID != "" && b.UserID != f.UserID {
			continue
		}
		if f.MediaID != "" && b.MediaID != f.MediaID {
			continue
		}
		if f.PartyID != "" && b.PartyID != f.PartyID {
			continue
		}
		out.Bids = append(out.Bids, b)
		if b.Revision > out.Revision {
			out.Revision = b.Revision
		}
	}
	return out
}

// BidChange is the bid-row write committed atomically with a ledger entry.
// Exactly one of Create or (ID, From, To) is set.
type BidChange struct {
	Create *Bid
	ID     string
	From   BidStatus
	To     BidStatus
}

// --- Accounts ---

// User is the account record the ledger draws balances from. Balance is owned
// by the account subsystem and reconciled through ledger entries.
type User struct {
	ID            string    `json:"id" db:"id"`
	Username      string    `json:"username" db:"username"`
	Balance       int64     `json:"balance" db:"balance"`
	BidAggregate  int64     `json:"bid_aggregate" db:"bid_aggregate"`
	RewardBalance int64     `json:"reward_balance" db:"reward_balance"`
	Version       int64     `json:"version" db:"version"`
	LastHash      string    `json:"-" db:"last_hash"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// AccountState is the snapshot a ledger append reads before committing.
type AccountState struct {
	UserID          string
	UserBalance     int64
	UserAggregate   int64
	RewardBalance   int64
	UserVersion     int64
	LastHash        string
	MediaID         string
	MediaAggregate  int64
	MediaVersion    int64
	GlobalAggregate int64
}

// Guard is the optimistic-concurrency expectation for a ledger commit. The
// commit fails with a conflict if either version has moved.
type Guard struct {
	UserID       string
	UserVersion  int64
	MediaID      string
	MediaVersion int64
}

// --- Ledger ---

// TransactionType is the kind of balance-affecting event.
type TransactionType string

const (
	TxTip        TransactionType = "TIP"
	TxRefund     TransactionType = "REFUND"
	TxTopUp      TransactionType = "TOP_UP"
	TxReward     TransactionType = "REWARD"
	TxAdjustment TransactionType = "ADJUSTMENT"

	// TxRewardReversal takes back the reward credited for a bid that stopped
	// counting.
	TxRewardReversal TransactionType = "REWARD_REVERSAL"
)

// TransactionTypes lists every known type in a stable order.
var TransactionTypes = []TransactionType{TxTip, TxRefund, TxTopUp, TxReward, TxAdjustment, TxRewardReversal}

// ParseTransactionType validates s against the known types.
func ParseTransactionType(s string) (TransactionType, error) {
	for _, t := range TransactionTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", Validationf("unknown transaction type %q", s)
}

// Snapshot holds the balances a ledger entry touches, before or after it.
type Snapshot struct {
	UserBalance     int64 `json:"user_balance"`
	UserAggregate   int64 `json:"user_aggregate"`
	MediaAggregate  int64 `json:"media_aggregate"`
	GlobalAggregate int64 `json:"global_aggregate"`
	RewardBalance   int64 `json:"reward_balance"`
}

// LedgerEntry is an immutable record of one balance-affecting event.
// Once created, entries are never modified or deleted.
type LedgerEntry struct {
	ID              string          `json:"id" db:"id"`
	Seq             int64           `json:"seq" db:"seq"` // assigned by the store on append
	UserID          string          `json:"user_id" db:"user_id"`
	Type            TransactionType `json:"type" db:"type"`
	Amount          int64           `json:"amount" db:"amount"` // signed only for ADJUSTMENT
	BidID           string          `json:"bid_id,omitempty" db:"bid_id"`
	MediaID         string          `json:"media_id,omitempty" db:"media_id"`
	Pre             Snapshot        `json:"pre"`
	Post            Snapshot        `json:"post"`
	Description     string          `json:"description" db:"description"`
	CorrectsEntryID string          `json:"corrects_entry_id,omitempty" db:"corrects_entry_id"`
	PrevHash        string          `json:"prev_hash,omitempty" db:"prev_hash"`
	Hash            string          `json:"hash,omitempty" db:"hash"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// LedgerQuery pages through the ledger in append order. AfterSeq keeps only
// entries with a larger Seq; Offset is applied after it.
type LedgerQuery struct {
	Type     TransactionType // empty for all types
	UserID   string          // empty for all users
	BidID    string          // empty for all bids
	AfterSeq int64
	Offset   int
	Limit    int
}

// LedgerRecord is one stored row as read back for verification. Err is set
// when the row could not be decoded; Entry is nil in that case.
type LedgerRecord struct {
	Seq   int64
	ID    string
	Entry *LedgerEntry
	Err   error
}

// --- Rewards ---

// RewardSnapshot captures every input of one reward computation so the
// result stays explainable after the formula changes.
type RewardSnapshot struct {
	ContributorAmount int64           `json:"contributor_amount"`
	AggregateAtBid    int64           `json:"aggregate_at_bid"`
	AggregateNow      int64           `json:"aggregate_now"`
	CubeRoot          decimal.Decimal `json:"cube_root"`
	DiscoveryBonus    decimal.Decimal `json:"discovery_bonus"`
	MaxBonus          decimal.Decimal `json:"max_bonus"`
	DecayScale        int64           `json:"decay_scale"`
	TipEntryID        string          `json:"tip_entry_id"`
	SourceRevision    int64           `json:"source_revision"`
}

// RewardRecord is the immutable audit trail of one reward computation.
// Seq numbers a bid's records from 1; the store rejects a record whose Seq
// is already taken, which serializes concurrent computations for one bid.
// Credited is the bid's net ledger credit once the record is committed.
type RewardRecord struct {
	ID             string          `json:"id" db:"id"`
	BidID          string          `json:"bid_id" db:"bid_id"`
	Seq            int64           `json:"seq" db:"seq"`
	UserID         string          `json:"user_id" db:"user_id"`
	MediaID        string          `json:"media_id" db:"media_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"` // TuneBytes, 2dp
	Credited       decimal.Decimal `json:"credited" db:"credited"`
	FormulaVersion string          `json:"formula_version" db:"formula_version"`
	Snapshot       RewardSnapshot  `json:"snapshot"`
	LedgerEntryID  string          `json:"ledger_entry_id,omitempty" db:"ledger_entry_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// PendingReward is a deferred reward computation awaiting retry.
type PendingReward struct {
	BidID    string    `json:"bid_id"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	QueuedAt time.Time `json:"queued_at"`
}
