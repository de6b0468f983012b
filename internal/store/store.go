// Package store defines the persistence interface for the bid engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for cached aggregates), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/tunebytes/bid-engine/internal/model"
)

var (
	// ErrConflict is returned by CommitLedgerEntry when the guarded user or
	// media version moved since the snapshot was read.
	ErrConflict = errors.New("store: optimistic concurrency conflict")

	// ErrDuplicate is returned when a record with the same id already exists.
	ErrDuplicate = errors.New("store: duplicate record")

	// ErrStatusConflict is returned when a bid status change does not start
	// from the bid's current status.
	ErrStatusConflict = errors.New("store: bid status changed concurrently")

	// ErrRewardConflict is returned when a reward record's sequence number
	// for its bid is already taken. The caller must re-read the bid's
	// records and recompute.
	ErrRewardConflict = errors.New("store: reward recorded concurrently")
)

// Effects are the writes committed atomically with a ledger entry.
type Effects struct {
	Bid    *model.BidChange
	Reward *model.RewardRecord
}

// RewardQuery selects reward records. Empty fields are unconstrained.
type RewardQuery struct {
	BidID  string
	UserID string
	Limit  int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for cached aggregates.
type Store interface {
	// --- Accounts and catalogue ---

	// CreateUser persists a new user account.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// EnsureMedia creates the media record if it does not exist.
	EnsureMedia(ctx context.Context, mediaID, title string) error

	// EnsureParty creates the party record if it does not exist.
	EnsureParty(ctx context.Context, partyID, name string) error

	// --- Bids ---

	// GetBid retrieves a bid by id.
	GetBid(ctx context.Context, id string) (*model.Bid, error)

	// UpdateBidStatus moves a bid from one status to another without a ledger
	// entry. It fails with ErrStatusConflict if the bid is no longer in from.
	UpdateBidStatus(ctx context.Context, id string, from, to model.BidStatus) error

	// ListBids returns every bid matching the filter, in any status, ordered
	// by creation time then id, read from one consistent snapshot.
	ListBids(ctx context.Context, filter model.BidFilter) (model.BidSet, error)

	// ListEntityIDs returns the distinct ids of an entity axis seen on bids.
	ListEntityIDs(ctx context.Context, entity model.Entity) ([]string, error)

	// --- Immutable ledger ---

	// ReadAccountState reads the balances and versions a ledger append
	// snapshots. mediaID may be empty.
	ReadAccountState(ctx context.Context, userID, mediaID string) (*model.AccountState, error)

	// CommitLedgerEntry appends the entry, applies its snapshot deltas to the
	// user, media and global balances, and commits the effects, all in one
	// unit. It fails with ErrConflict if the guard is stale, and with
	// ErrRewardConflict if the effects carry a reward whose Seq is taken.
	CommitLedgerEntry(ctx context.Context, entry *model.LedgerEntry, guard model.Guard, effects Effects) error

	// GetLedgerEntry retrieves a ledger entry by id.
	GetLedgerEntry(ctx context.Context, id string) (*model.LedgerEntry, error)

	// ListLedgerEntries returns entries in append order.
	ListLedgerEntries(ctx context.Context, q model.LedgerQuery) ([]model.LedgerEntry, error)

	// ScanLedger returns raw rows in append order for verification. Rows
	// that cannot be decoded are returned with Err set.
	ScanLedger(ctx context.Context, q model.LedgerQuery) ([]model.LedgerRecord, error)

	// --- Rewards ---

	// InsertRewardRecord persists a reward record that carries no ledger
	// credit. It fails with ErrRewardConflict if the record's Seq is taken.
	InsertRewardRecord(ctx context.Context, rec *model.RewardRecord) error

	// ListRewardRecords returns reward records, oldest first. A bid's records
	// come back in Seq order.
	ListRewardRecords(ctx context.Context, q RewardQuery) ([]model.RewardRecord, error)

	// EnqueuePendingReward queues (or re-queues) a deferred reward.
	EnqueuePendingReward(ctx context.Context, p model.PendingReward) error

	// ListPendingRewards returns up to limit queued rewards, oldest first.
	ListPendingRewards(ctx context.Context, limit int) ([]model.PendingReward, error)

	// RemovePendingReward drops a bid from the pending queue.
	RemovePendingReward(ctx context.Context, bidID string) error

	// --- Cached aggregates ---

	// PutAggregates replaces each owner's cached set, skipping owners whose
	// stored revision is newer. Each owner is written all-or-nothing.
	// Returns the number of owners written.
	PutAggregates(ctx context.Context, sets ...model.OwnerAggregates) (int, error)

	// GetAggregates returns the cached set of one owner.
	GetAggregates(ctx context.Context, owner model.Owner) (*model.OwnerAggregates, error)
}
