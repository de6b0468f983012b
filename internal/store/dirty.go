package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tunebytes/bid-engine/internal/model"
)

// DirtySet tracks aggregate owners whose cached values may be stale, so a
// failed recompute is retried by the next sweep.
type DirtySet interface {
	// Mark adds owners to the set.
	Mark(ctx context.Context, owners ...model.Owner) error

	// Drain claims every marked owner and calls fn for each. Owners for which
	// fn fails are marked again.
	Drain(ctx context.Context, fn func(context.Context, model.Owner) error) (processed int, err error)
}

// DirtyKey is the Redis set holding stale owners.
const DirtyKey = "aggregates:dirty"

// RedisDirtySet keeps dirty owners in a Redis set. Drain renames the set to a
// processing key first so marks arriving during a sweep land in a fresh set.
type RedisDirtySet struct {
	rdb *redis.Client
	key string
}

// NewRedisDirtySet creates a dirty set under DirtyKey.
func NewRedisDirtySet(rdb *redis.Client) *RedisDirtySet {
	return &RedisDirtySet{rdb: rdb, key: DirtyKey}
}

func (d *RedisDirtySet) Mark(ctx context.Context, owners ...model.Owner) error {
	if len(owners) == 0 {
		return nil
	}
	members := make([]any, 0, len(owners))
	for _, o := range owners {
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		members = append(members, string(data))
	}
	return d.rdb.SAdd(ctx, d.key, members...).Err()
}

func (d *RedisDirtySet) Drain(ctx context.Context, fn func(context.Context, model.Owner) error) (int, error) {
	processingKey := d.key + ":processing"

	// A processing key left by an interrupted sweep is drained before
	// claiming new marks.
	exists, err := d.rdb.Exists(ctx, processingKey).Result()
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		if err := d.rdb.Rename(ctx, d.key, processingKey).Err(); err != nil {
			if isNoSuchKey(err) {
				return 0, nil
			}
			return 0, err
		}
	}

	members, err := d.rdb.SMembers(ctx, processingKey).Result()
	if err != nil {
		return 0, err
	}

	var failed []model.Owner
	processed := 0
	for _, m := range members {
		var o model.Owner
		if err := json.Unmarshal([]byte(m), &o); err != nil {
			slog.ErrorContext(ctx, "decode dirty owner", "member", m, "err", err)
			continue
		}
		if err := fn(ctx, o); err != nil {
			failed = append(failed, o)
			continue
		}
		processed++
	}

	if err := d.Mark(ctx, failed...); err != nil {
		return processed, err
	}
	return processed, d.rdb.Del(ctx, processingKey).Err()
}

func isNoSuchKey(err error) bool {
	var rerr redis.Error
	return errors.As(err, &rerr) && rerr.Error() == "ERR no such key"
}

// MemoryDirtySet is an in-process DirtySet.
type MemoryDirtySet struct {
	mu     sync.Mutex
	owners map[string]model.Owner
}

// NewMemoryDirtySet creates an empty in-process dirty set.
func NewMemoryDirtySet() *MemoryDirtySet {
	return &MemoryDirtySet{owners: make(map[string]model.Owner)}
}

func (d *MemoryDirtySet) Mark(_ context.Context, owners ...model.Owner) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range owners {
		d.owners[o.Key()] = o
	}
	return nil
}

func (d *MemoryDirtySet) Drain(ctx context.Context, fn func(context.Context, model.Owner) error) (int, error) {
	d.mu.Lock()
	claimed := make([]model.Owner, 0, len(d.owners))
	for _, o := range d.owners {
		claimed = append(claimed, o)
	}
	d.owners = make(map[string]model.Owner)
	d.mu.Unlock()

	sort.Slice(claimed, func(i, j int) bool { return claimed[i].Key() < claimed[j].Key() })

	processed := 0
	for _, o := range claimed {
		if err := fn(ctx, o); err != nil {
			_ = d.Mark(ctx, o)
			continue
		}
		processed++
	}
	return processed, nil
}

// Members returns the currently marked owners, sorted by key.
func (d *MemoryDirtySet) Members() []model.Owner {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Owner, 0, len(d.owners))
	for _, o := range d.owners {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
