package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Options selects the backends Open connects to.
type Options struct {
	DatabaseURL string
	Migrate     bool
	RedisURL    string
	CacheTTL    time.Duration
}

// Backend is an opened store plus the dirty set sharing its lifetime.
type Backend struct {
	Store   Store
	Dirty   DirtySet
	cleanup []func()
}

// Close releases every connection Open made.
func (b *Backend) Close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

// Open connects to PostgreSQL when a database URL is set, wrapping it with
// the Redis cache and dirty set when a Redis URL is set too. Without a
// database URL it falls back to the in-memory store.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	b := &Backend{}

	if opts.DatabaseURL == "" {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		b.Store = NewMemoryStore()
		b.Dirty = NewMemoryDirtySet()
		return b, nil
	}

	if opts.Migrate {
		if err := Migrate(opts.DatabaseURL); err != nil {
			return nil, err
		}
		slog.Info("database migrations applied")
	}

	pool, err := pgxpool.New(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	b.cleanup = append(b.cleanup, pool.Close)
	b.Store = NewPostgresStore(pool)
	slog.Info("connected to PostgreSQL")

	if opts.RedisURL == "" {
		b.Dirty = NewMemoryDirtySet()
		return b, nil
	}
	opt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("store: invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	b.cleanup = append(b.cleanup, func() { rdb.Close() })
	b.Store = NewCachedStore(b.Store, rdb, opts.CacheTTL)
	b.Dirty = NewRedisDirtySet(rdb)
	slog.Info("Redis cache enabled", "ttl", opts.CacheTTL)
	return b, nil
}
