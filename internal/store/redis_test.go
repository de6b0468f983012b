package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tunebytes/bid-engine/internal/model"
)

// newTestRedis connects to BIDENGINE_TEST_REDIS_URL and skips without it.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("BIDENGINE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BIDENGINE_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return rdb
}

func TestCachedStore_StaleReadCannotOverwriteNewerWrite(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	owner := model.MediaOwner("cache-race-" + time.Now().Format("150405.000000"))
	t.Cleanup(func() { rdb.Del(ctx, aggregatesKey(owner)) })

	cs := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	stale := model.OwnerAggregates{Owner: owner, Revision: 1}
	if _, err := cs.PutAggregates(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.PutAggregates(ctx, model.OwnerAggregates{Owner: owner, Revision: 2}); err != nil {
		t.Fatal(err)
	}

	// A reader that fetched revision 1 before the write finishes caching it.
	cs.cache(ctx, aggregatesKey(owner), stale.Revision, &stale)

	got, err := cs.GetAggregates(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if got.Revision != 2 {
		t.Errorf("revision = %d, want 2", got.Revision)
	}
	// The read-through filled the cache with the current revision.
	again, err := cs.GetAggregates(ctx, owner)
	if err != nil || again.Revision != 2 {
		t.Errorf("cached revision = %+v (err %v), want 2", again, err)
	}
}
