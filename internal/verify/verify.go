// Package verify re-derives the integrity hash of stored ledger entries and
// reports every entry whose stored hash, snapshots or chain link disagree
// with what the entry's fields imply. It never writes.
package verify

import (
	"context"
	"log/slog"

	"github.com/tunebytes/bid-engine/internal/ledger"
	"github.com/tunebytes/bid-engine/internal/model"
	"github.com/tunebytes/bid-engine/internal/store"
)

// DefaultBatchSize is used when Options.BatchSize is zero.
const DefaultBatchSize = 500

// Anomaly kinds.
const (
	KindMismatch  = "hash_mismatch"
	KindMissing   = "hash_missing"
	KindError     = "unreadable"
	KindInvariant = "snapshot_invariant"
	KindChain     = "chain_break"
)

// Options selects the entries to verify. Zero Limit verifies to the end.
// AfterSeq resumes after a previous report's LastSeq; Offset then skips
// that many matching entries.
type Options struct {
	Type      model.TransactionType
	Limit     int
	Offset    int
	AfterSeq  int64
	BatchSize int
}

// Anomaly describes one entry that failed a check.
type Anomaly struct {
	Kind           string `json:"kind"`
	EntryID        string `json:"entry_id"`
	Seq            int64  `json:"seq"`
	StoredHash     string `json:"stored_hash,omitempty"`
	RecomputedHash string `json:"recomputed_hash,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// Report is the outcome of one run. A follow-up run resumes with AfterSeq
// set to LastSeq. NextOffset counts the same position as an offset, which
// shifts if an entry with a lower seq commits late.
type Report struct {
	Total               int       `json:"total"`
	Verified            int       `json:"verified"`
	Mismatches          int       `json:"mismatches"`
	Missing             int       `json:"missing"`
	Errors              int       `json:"errors"`
	InvariantViolations int       `json:"invariant_violations"`
	ChainBreaks         int       `json:"chain_breaks"`
	Anomalies           []Anomaly `json:"anomalies"`
	NextOffset          int       `json:"next_offset"`
	LastSeq             int64     `json:"last_seq"`
	Complete            bool      `json:"complete"`
}

// Failed reports whether any entry failed verification.
func (r *Report) Failed() bool {
	return r.Mismatches > 0 || r.Missing > 0 || r.Errors > 0 || r.InvariantViolations > 0 || r.ChainBreaks > 0
}

// Service verifies the ledger.
type Service struct {
	store  store.Store
	hasher *ledger.Hasher
}

// NewService creates a verification service.
func NewService(st store.Store, hasher *ledger.Hasher) *Service {
	return &Service{store: st, hasher: hasher}
}

// Verify scans the ledger in batches. Cancellation is honored between
// batches: the partial report is returned with ctx's error and LastSeq set to
// the last verified entry.
func (s *Service) Verify(ctx context.Context, opts Options) (*Report, error) {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	report := &Report{NextOffset: opts.Offset, LastSeq: opts.AfterSeq, Anomalies: []Anomaly{}}

	// Chain links are only comparable when every entry of a user is seen in
	// order, which needs an unfiltered scan from the start.
	var heads map[string]string
	if opts.Type == "" && opts.Offset == 0 && opts.AfterSeq == 0 {
		heads = make(map[string]string)
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		want := batch
		if opts.Limit > 0 {
			remaining := opts.Limit - report.Total
			if remaining <= 0 {
				break
			}
			want = min(want, remaining)
		}

		// Batches after the first page by seq, so rows committed behind the
		// scan do not shift it.
		q := model.LedgerQuery{Type: opts.Type, AfterSeq: report.LastSeq, Limit: want}
		if report.Total == 0 {
			q.Offset = opts.Offset
		}
		records, err := s.store.ScanLedger(ctx, q)
		if err != nil {
			return report, err
		}
		for _, rec := range records {
			s.check(ctx, report, rec, heads)
			report.LastSeq = rec.Seq
		}
		report.NextOffset += len(records)
		if len(records) < want {
			report.Complete = true
			break
		}
	}
	return report, nil
}

func (s *Service) check(ctx context.Context, r *Report, rec model.LedgerRecord, heads map[string]string) {
	r.Total++

	if rec.Err != nil {
		r.Errors++
		r.add(ctx, Anomaly{Kind: KindError, EntryID: rec.ID, Seq: rec.Seq, Detail: rec.Err.Error()})
		return
	}
	e := rec.Entry

	if err := ledger.CheckInvariant(e); err != nil {
		r.InvariantViolations++
		r.add(ctx, Anomaly{Kind: KindInvariant, EntryID: e.ID, Seq: e.Seq, Detail: err.Error()})
	}

	if heads != nil {
		if prev := heads[e.UserID]; prev != e.PrevHash {
			r.ChainBreaks++
			r.add(ctx, Anomaly{Kind: KindChain, EntryID: e.ID, Seq: e.Seq, StoredHash: e.PrevHash, RecomputedHash: prev,
				Detail: "previous hash does not match the user's preceding entry"})
		}
		heads[e.UserID] = e.Hash
	}

	if e.Hash == "" {
		r.Missing++
		r.add(ctx, Anomaly{Kind: KindMissing, EntryID: e.ID, Seq: e.Seq})
		return
	}
	recomputed, ok := s.hasher.Verify(e)
	if !ok {
		r.Mismatches++
		r.add(ctx, Anomaly{Kind: KindMismatch, EntryID: e.ID, Seq: e.Seq, StoredHash: e.Hash, RecomputedHash: recomputed})
		return
	}
	r.Verified++
}

func (r *Report) add(ctx context.Context, a Anomaly) {
	slog.ErrorContext(ctx, "ledger integrity anomaly",
		"kind", a.Kind, "entry_id", a.EntryID, "seq", a.Seq,
		"stored_hash", a.StoredHash, "recomputed_hash", a.RecomputedHash, "detail", a.Detail)
	r.Anomalies = append(r.Anomalies, a)
}
