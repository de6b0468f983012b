package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tunebytes/bid-engine/internal/model"
)

// globalShards is the number of rows the global aggregate is spread over so
// concurrent appends for different users do not contend on one row.
const globalShards = 16

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, balance, bid_aggregate, reward_balance, version, last_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Username, u.Balance, u.BidAggregate, u.RewardBalance, u.Version, u.LastHash, createdAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, balance, bid_aggregate, reward_balance, version, last_hash, created_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.Balance, &u.BidAggregate, &u.RewardBalance, &u.Version, &u.LastHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

func (s *PostgresStore) EnsureMedia(ctx context.Context, mediaID, title string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO media (id, title) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, mediaID, title)
	return err
}

func (s *PostgresStore) EnsureParty(ctx context.Context, partyID, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO parties (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, partyID, name)
	return err
}

const bidColumns = `id, user_id, media_id, COALESCE(party_id, ''), amount, scope, status, created_at,
		username, media_title, party_name, revision`

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	b, err := scanBid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bid %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) UpdateBidStatus(ctx context.Context, id string, from, to model.BidStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bids SET status = $3, revision = nextval('bid_revision_seq')
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update bid %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBid(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *PostgresStore) ListBids(ctx context.Context, f model.BidFilter) (model.BidSet, error) {
	var set model.BidSet

	// Repeatable read so the revision watermark and the rows come from the
	// same snapshot.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return set, fmt.Errorf("list bids: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT `+bidColumns+` FROM bids
		 WHERE ($1 = '' OR user_id = $1)
		   AND ($2 = '' OR media_id = $2)
		   AND ($3 = '' OR party_id = $3)
		 ORDER BY created_at, id`,
		f.UserID, f.MediaID, f.PartyID)
	if err != nil {
		return set, fmt.Errorf("list bids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return model.BidSet{}, err
		}
		set.Bids = append(set.Bids, *b)
		if b.Revision > set.Revision {
			set.Revision = b.Revision
		}
	}
	if err := rows.Err(); err != nil {
		return model.BidSet{}, err
	}
	return set, tx.Commit(ctx)
}

func (s *PostgresStore) ListEntityIDs(ctx context.Context, entity model.Entity) ([]string, error) {
	var column string
	switch entity {
	case model.EntityUser:
		column = "user_id"
	case model.EntityMedia:
		column = "media_id"
	case model.EntityParty:
		column = "party_id"
	default:
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT `+column+` FROM bids WHERE `+column+` IS NOT NULL ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ReadAccountState(ctx context.Context, userID, mediaID string) (*model.AccountState, error) {
	st := &model.AccountState{UserID: userID, MediaID: mediaID}

	err := s.pool.QueryRow(ctx,
		`SELECT balance, bid_aggregate, reward_balance, version, last_hash FROM users WHERE id = $1`, userID).
		Scan(&st.UserBalance, &st.UserAggregate, &st.RewardBalance, &st.UserVersion, &st.LastHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read user %s: %w", userID, err)
	}

	if mediaID != "" {
		err = s.pool.QueryRow(ctx,
			`SELECT aggregate, version FROM media WHERE id = $1`, mediaID).
			Scan(&st.MediaAggregate, &st.MediaVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("media %s: %w", mediaID, model.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("read media %s: %w", mediaID, err)
		}
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM global_aggregate_shards`).Scan(&st.GlobalAggregate)
	if err != nil {
		return nil, fmt.Errorf("read global aggregate: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) CommitLedgerEntry(ctx context.Context, e *model.LedgerEntry, g model.Guard, fx Effects) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("commit ledger: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Compare-and-swap on the user version.
	tag, err := tx.Exec(ctx,
		`UPDATE users
		 SET balance = balance + $2, bid_aggregate = bid_aggregate + $3,
		     reward_balance = reward_balance + $4, version = version + 1, last_hash = $5
		 WHERE id = $1 AND version = $6`,
		g.UserID,
		e.Post.UserBalance-e.Pre.UserBalance,
		e.Post.UserAggregate-e.Pre.UserAggregate,
		e.Post.RewardBalance-e.Pre.RewardBalance,
		e.Hash, g.UserVersion,
	)
	if err != nil {
		return fmt.Errorf("commit ledger: update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	if g.MediaID != "" {
		tag, err = tx.Exec(ctx,
			`UPDATE media SET aggregate = aggregate + $2, version = version + 1
			 WHERE id = $1 AND version = $3`,
			g.MediaID, e.Post.MediaAggregate-e.Pre.MediaAggregate, g.MediaVersion)
		if err != nil {
			return fmt.Errorf("commit ledger: update media: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
	}

	if delta := e.Post.GlobalAggregate - e.Pre.GlobalAggregate; delta != 0 {
		_, err = tx.Exec(ctx,
			`INSERT INTO global_aggregate_shards (shard, amount) VALUES ($1, $2)
			 ON CONFLICT (shard) DO UPDATE SET amount = global_aggregate_shards.amount + EXCLUDED.amount`,
			shardFor(g.UserID), delta)
		if err != nil {
			return fmt.Errorf("commit ledger: update global: %w", err)
		}
	}

	if c := fx.Bid; c != nil {
		if err := applyBidChange(ctx, tx, c); err != nil {
			return err
		}
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (
			id, user_id, type, amount, bid_id, media_id,
			pre_user_balance, pre_user_aggregate, pre_media_aggregate, pre_global_aggregate, pre_reward_balance,
			post_user_balance, post_user_aggregate, post_media_aggregate, post_global_aggregate, post_reward_balance,
			description, corrects_entry_id, prev_hash, hash, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''),
			$7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, NULLIF($18, ''), $19, NULLIF($20, ''), $21)
		 RETURNING seq`,
		e.ID, e.UserID, string(e.Type), e.Amount, e.BidID, e.MediaID,
		e.Pre.UserBalance, e.Pre.UserAggregate, e.Pre.MediaAggregate, e.Pre.GlobalAggregate, e.Pre.RewardBalance,
		e.Post.UserBalance, e.Post.UserAggregate, e.Post.MediaAggregate, e.Post.GlobalAggregate, e.Post.RewardBalance,
		e.Description, e.CorrectsEntryID, e.PrevHash, e.Hash, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("commit ledger: insert entry: %w", err)
	}

	if fx.Reward != nil {
		if err := insertReward(ctx, tx, fx.Reward); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	return nil
}

func applyBidChange(ctx context.Context, tx pgx.Tx, c *model.BidChange) error {
	if b := c.Create; b != nil {
		tag, err := tx.Exec(ctx,
			`INSERT INTO bids (id, user_id, media_id, party_id, amount, scope, status, created_at,
			                   username, media_title, party_name, revision)
			 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, nextval('bid_revision_seq'))
			 ON CONFLICT (id) DO NOTHING`,
			b.ID, b.UserID, b.MediaID, b.PartyID, b.Amount, string(b.Scope), string(b.Status), b.CreatedAt,
			b.Username, b.MediaTitle, b.PartyName)
		if err != nil {
			return fmt.Errorf("insert bid: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("bid %s: %w", b.ID, ErrDuplicate)
		}
		return nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE bids SET status = $3, revision = nextval('bid_revision_seq')
		 WHERE id = $1 AND status = $2`,
		c.ID, string(c.From), string(c.To))
	if err != nil {
		return fmt.Errorf("update bid status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

const ledgerColumns = `id, seq, user_id, type, amount, COALESCE(bid_id, ''), COALESCE(media_id, ''),
		pre_user_balance, pre_user_aggregate, pre_media_aggregate, pre_global_aggregate, pre_reward_balance,
		post_user_balance, post_user_aggregate, post_media_aggregate, post_global_aggregate, post_reward_balance,
		description, COALESCE(corrects_entry_id, ''), prev_hash, COALESCE(hash, ''), created_at`

func (s *PostgresStore) GetLedgerEntry(ctx context.Context, id string) (*model.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE id = $1`, id)
	e, err := scanLedgerEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, q model.LedgerQuery) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		 WHERE ($1 = '' OR type = $1) AND ($2 = '' OR user_id = $2) AND ($3 = '' OR bid_id = $3)
		   AND seq > $6
		 ORDER BY seq OFFSET $4 LIMIT NULLIF($5, 0)`,
		string(q.Type), q.UserID, q.BidID, q.Offset, q.Limit, q.AfterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// ledgerRow mirrors the ledger_entries columns as produced by to_jsonb, so a
// row that fails to decode is reported individually instead of aborting the
// whole scan.
type ledgerRow struct {
	ID                  string    `json:"id"`
	Seq                 int64     `json:"seq"`
	UserID              string    `json:"user_id"`
	Type                string    `json:"type"`
	Amount              int64     `json:"amount"`
	BidID               *string   `json:"bid_id"`
	MediaID             *string   `json:"media_id"`
	PreUserBalance      int64     `json:"pre_user_balance"`
	PreUserAggregate    int64     `json:"pre_user_aggregate"`
	PreMediaAggregate   int64     `json:"pre_media_aggregate"`
	PreGlobalAggregate  int64     `json:"pre_global_aggregate"`
	PreRewardBalance    int64     `json:"pre_reward_balance"`
	PostUserBalance     int64     `json:"post_user_balance"`
	PostUserAggregate   int64     `json:"post_user_aggregate"`
	PostMediaAggregate  int64     `json:"post_media_aggregate"`
	PostGlobalAggregate int64     `json:"post_global_aggregate"`
	PostRewardBalance   int64     `json:"post_reward_balance"`
	Description         string    `json:"description"`
	CorrectsEntryID     *string   `json:"corrects_entry_id"`
	PrevHash            string    `json:"prev_hash"`
	Hash                *string   `json:"hash"`
	CreatedAt           time.Time `json:"created_at"`
}

func (s *PostgresStore) ScanLedger(ctx context.Context, q model.LedgerQuery) ([]model.LedgerRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT l.seq, l.id, to_jsonb(l) FROM ledger_entries l
		 WHERE ($1 = '' OR l.type = $1) AND ($2 = '' OR l.user_id = $2) AND ($3 = '' OR l.bid_id = $3)
		   AND l.seq > $6
		 ORDER BY l.seq OFFSET $4 LIMIT NULLIF($5, 0)`,
		string(q.Type), q.UserID, q.BidID, q.Offset, q.Limit, q.AfterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.LedgerRecord
	for rows.Next() {
		var rec model.LedgerRecord
		var payload []byte
		if err := rows.Scan(&rec.Seq, &rec.ID, &payload); err != nil {
			return nil, err
		}
		rec.Entry, rec.Err = decodeLedgerRow(payload)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func decodeLedgerRow(payload []byte) (*model.LedgerEntry, error) {
	var r ledgerRow
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode ledger row: %w", err)
	}
	typ, err := model.ParseTransactionType(r.Type)
	if err != nil {
		return nil, err
	}
	return &model.LedgerEntry{
		ID:      r.ID,
		Seq:     r.Seq,
		UserID:  r.UserID,
		Type:    typ,
		Amount:  r.Amount,
		BidID:   deref(r.BidID),
		MediaID: deref(r.MediaID),
		Pre: model.Snapshot{
			UserBalance: r.PreUserBalance, UserAggregate: r.PreUserAggregate,
			MediaAggregate: r.PreMediaAggregate, GlobalAggregate: r.PreGlobalAggregate,
			RewardBalance: r.PreRewardBalance,
		},
		Post: model.Snapshot{
			UserBalance: r.PostUserBalance, UserAggregate: r.PostUserAggregate,
			MediaAggregate: r.PostMediaAggregate, GlobalAggregate: r.PostGlobalAggregate,
			RewardBalance: r.PostRewardBalance,
		},
		Description:     r.Description,
		CorrectsEntryID: deref(r.CorrectsEntryID),
		PrevHash:        r.PrevHash,
		Hash:            deref(r.Hash),
		CreatedAt:       r.CreatedAt.UTC(),
	}, nil
}

func (s *PostgresStore) InsertRewardRecord(ctx context.Context, rec *model.RewardRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertReward(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertReward(ctx context.Context, tx pgx.Tx, rec *model.RewardRecord) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("encode reward snapshot: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO reward_records (id, bid_id, seq, user_id, media_id, amount, credited,
		                             formula_version, snapshot, ledger_entry_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, NULLIF($10, ''), $11)`,
		rec.ID, rec.BidID, rec.Seq, rec.UserID, rec.MediaID, rec.Amount.String(), rec.Credited.String(),
		rec.FormulaVersion, snapshot, rec.LedgerEntryID, rec.CreatedAt)
	if isUniqueViolation(err) {
		if constraintName(err) == "reward_records_bid_seq_key" {
			return fmt.Errorf("reward seq %d for bid %s: %w", rec.Seq, rec.BidID, ErrRewardConflict)
		}
		return fmt.Errorf("reward %s: %w", rec.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert reward: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRewardRecords(ctx context.Context, q RewardQuery) ([]model.RewardRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bid_id, seq, user_id, media_id, amount::TEXT, credited::TEXT, formula_version, snapshot,
		        COALESCE(ledger_entry_id, ''), created_at
		 FROM reward_records
		 WHERE ($1 = '' OR bid_id = $1) AND ($2 = '' OR user_id = $2)
		 ORDER BY created_at, bid_id, seq LIMIT NULLIF($3, 0)`,
		q.BidID, q.UserID, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.RewardRecord
	for rows.Next() {
		var r model.RewardRecord
		var amount, credited string
		var snapshot []byte
		if err := rows.Scan(&r.ID, &r.BidID, &r.Seq, &r.UserID, &r.MediaID, &amount, &credited, &r.FormulaVersion,
			&snapshot, &r.LedgerEntryID, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Amount, _ = decimal.NewFromString(amount)
		r.Credited, _ = decimal.NewFromString(credited)
		if err := json.Unmarshal(snapshot, &r.Snapshot); err != nil {
			return nil, fmt.Errorf("decode reward snapshot %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) EnqueuePendingReward(ctx context.Context, p model.PendingReward) error {
	queuedAt := p.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_rewards (bid_id, reason, attempts, queued_at) VALUES ($1, $2, 0, $3)
		 ON CONFLICT (bid_id) DO UPDATE SET reason = EXCLUDED.reason, attempts = pending_rewards.attempts + 1`,
		p.BidID, p.Reason, queuedAt)
	return err
}

func (s *PostgresStore) ListPendingRewards(ctx context.Context, limit int) ([]model.PendingReward, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT bid_id, reason, attempts, queued_at FROM pending_rewards
		 ORDER BY queued_at, bid_id LIMIT NULLIF($1, 0)`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PendingReward
	for rows.Next() {
		var p model.PendingReward
		if err := rows.Scan(&p.BidID, &p.Reason, &p.Attempts, &p.QueuedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) RemovePendingReward(ctx context.Context, bidID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pending_rewards WHERE bid_id = $1`, bidID)
	return err
}

func (s *PostgresStore) PutAggregates(ctx context.Context, sets ...model.OwnerAggregates) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	written := 0
	for _, set := range sets {
		payload, err := json.Marshal(set.Values)
		if err != nil {
			return 0, fmt.Errorf("encode aggregates %s: %w", set.Owner.Key(), err)
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO cached_aggregates (owner_key, owner_kind, party_id, media_id, user_id, revision, payload, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			 ON CONFLICT (owner_key) DO UPDATE
			 SET revision = EXCLUDED.revision, payload = EXCLUDED.payload, updated_at = now()
			 WHERE cached_aggregates.revision <= EXCLUDED.revision`,
			set.Owner.Key(), string(set.Owner.Kind), set.Owner.PartyID, set.Owner.MediaID, set.Owner.UserID,
			set.Revision, payload)
		if err != nil {
			return 0, fmt.Errorf("put aggregates %s: %w", set.Owner.Key(), err)
		}
		written += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return written, nil
}

func (s *PostgresStore) GetAggregates(ctx context.Context, owner model.Owner) (*model.OwnerAggregates, error) {
	a := &model.OwnerAggregates{Owner: owner}
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT revision, payload FROM cached_aggregates WHERE owner_key = $1`, owner.Key()).
		Scan(&a.Revision, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("aggregates %s: %w", owner.Key(), model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &a.Values); err != nil {
		return nil, fmt.Errorf("decode aggregates %s: %w", owner.Key(), err)
	}
	return a, nil
}

// --- Scan helpers ---

func scanBid(row pgx.Row) (*model.Bid, error) {
	var b model.Bid
	var scope, status string
	if err := row.Scan(&b.ID, &b.UserID, &b.MediaID, &b.PartyID, &b.Amount, &scope, &status, &b.CreatedAt,
		&b.Username, &b.MediaTitle, &b.PartyName, &b.Revision); err != nil {
		return nil, err
	}
	b.Scope = model.BidScope(scope)
	b.Status = model.BidStatus(status)
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

func scanLedgerEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var typ string
	if err := row.Scan(&e.ID, &e.Seq, &e.UserID, &typ, &e.Amount, &e.BidID, &e.MediaID,
		&e.Pre.UserBalance, &e.Pre.UserAggregate, &e.Pre.MediaAggregate, &e.Pre.GlobalAggregate, &e.Pre.RewardBalance,
		&e.Post.UserBalance, &e.Post.UserAggregate, &e.Post.MediaAggregate, &e.Post.GlobalAggregate, &e.Post.RewardBalance,
		&e.Description, &e.CorrectsEntryID, &e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = model.TransactionType(typ)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func shardFor(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % globalShards)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
