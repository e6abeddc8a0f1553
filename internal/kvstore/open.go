package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

const (
	LocationMemory   = "memory"
	LocationRedis    = "redis"
	LocationPostgres = "postgres"

	openPingTimeout = 3 * time.Second
)

type Options struct {
	Location    string
	RedisAddr   string
	RedisPrefix string
	RedisTTL    time.Duration
	PostgresURL string
	Logger      Logger
}

// OpenResult describes what Open actually produced. Degraded is set when the
// requested persistent backend was unavailable and memory was used instead.
type OpenResult struct {
	Backend  string
	Degraded bool
	Reason   string
	Close    func() error
}

func Open(ctx context.Context, opts Options) (Store, OpenResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	location := strings.ToLower(strings.TrimSpace(opts.Location))
	if location == "" {
		location = LocationMemory
	}

	switch location {
	case LocationMemory:
		return NewMemory(), OpenResult{Backend: LocationMemory, Close: noopClose}, nil
	case LocationRedis:
		store, err := openRedis(ctx, opts)
		if err != nil {
			return degrade(logger, location, err)
		}
		return store, OpenResult{Backend: LocationRedis, Close: store.Close}, nil
	case LocationPostgres:
		store, err := openPostgres(ctx, opts)
		if err != nil {
			return degrade(logger, location, err)
		}
		return store, OpenResult{Backend: LocationPostgres, Close: store.Close}, nil
	default:
		return nil, OpenResult{}, fmt.Errorf("unknown cache location %q", opts.Location)
	}
}

func openRedis(ctx context.Context, opts Options) (*Redis, error) {
	if strings.TrimSpace(opts.RedisAddr) == "" {
		return nil, fmt.Errorf("redis address is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, openPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, opts.RedisPrefix, opts.RedisTTL), nil
}

func openPostgres(ctx context.Context, opts Options) (*Postgres, error) {
	if strings.TrimSpace(opts.PostgresURL) == "" {
		return nil, fmt.Errorf("postgres url is empty")
	}
	db, err := sql.Open("postgres", opts.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, openPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewPostgres(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func degrade(logger Logger, location string, cause error) (Store, OpenResult, error) {
	logger.Printf("kvstore.open.degraded requested=%s fallback=memory err=%v", location, cause)
	return NewMemory(), OpenResult{
		Backend:  LocationMemory,
		Degraded: true,
		Reason:   fmt.Sprintf("%s unavailable: %v", location, cause),
		Close:    noopClose,
	}, nil
}

func noopClose() error { return nil }
