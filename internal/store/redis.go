package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tunebytes/bid-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for cached aggregates and users. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the primary.
// The ledger, bids and rewards are never cached: recompute and verification
// must read the source of truth.
//
// Each cache entry is a hash holding the value and the revision it was read
// at. Invalidation keeps the revision as a floor, so a reader that fetched an
// older value before the write cannot put it back.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CommitLedgerEntry(ctx context.Context, e *model.LedgerEntry, g model.Guard, fx Effects) error {
	if err := s.Store.CommitLedgerEntry(ctx, e, g, fx); err != nil {
		return err
	}
	s.invalidate(ctx, userKey(e.UserID), g.UserVersion+1)
	return nil
}

func (s *CachedStore) PutAggregates(ctx context.Context, sets ...model.OwnerAggregates) (int, error) {
	n, err := s.Store.PutAggregates(ctx, sets...)
	if err != nil {
		return n, err
	}
	for _, set := range sets {
		s.invalidate(ctx, aggregatesKey(set.Owner), set.Revision)
	}
	return n, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.HGet(ctx, userKey(id), "data").Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.Store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, userKey(id), u.Version, u)
	return u, nil
}

func (s *CachedStore) GetAggregates(ctx context.Context, owner model.Owner) (*model.OwnerAggregates, error) {
	key := aggregatesKey(owner)
	data, err := s.rdb.HGet(ctx, key, "data").Bytes()
	if err == nil {
		var a model.OwnerAggregates
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.Store.GetAggregates(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, a.Revision, a)
	return a, nil
}

// --- Cache helpers ---

// cacheAtRevision stores ARGV[2] at revision ARGV[1] unless the entry already
// holds a newer revision. An empty value clears the data and only raises the
// revision floor. ARGV[3] is the TTL in milliseconds, 0 for none.
var cacheAtRevision = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'rev') or '-1')
if cur > tonumber(ARGV[1]) then
	return 0
end
if ARGV[2] == '' then
	redis.call('HDEL', KEYS[1], 'data')
	redis.call('HSET', KEYS[1], 'rev', ARGV[1])
else
	redis.call('HSET', KEYS[1], 'rev', ARGV[1], 'data', ARGV[2])
end
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

func (s *CachedStore) cache(ctx context.Context, key string, revision int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := cacheAtRevision.Run(ctx, s.rdb, []string{key}, revision, data, s.ttl.Milliseconds()).Err(); err != nil {
		slog.WarnContext(ctx, "cache set failed", "key", key, "err", err)
	}
}

// invalidate drops the cached value and records revision as the floor for
// later read-through writes. If the floor cannot be written the key is
// deleted outright.
func (s *CachedStore) invalidate(ctx context.Context, key string, revision int64) {
	err := cacheAtRevision.Run(ctx, s.rdb, []string{key}, revision, "", s.ttl.Milliseconds()).Err()
	if err == nil {
		return
	}
	if derr := s.rdb.Del(ctx, key).Err(); derr != nil {
		slog.WarnContext(ctx, "cache invalidate failed", "key", key, "err", errors.Join(err, derr))
	}
}

func userKey(id string) string           { return fmt.Sprintf("user:%s", id) }
func aggregatesKey(o model.Owner) string { return fmt.Sprintf("aggregates:%s", o.Key()) }
