// Package dedup provides a Redis-backed inbound message deduplicator for
// deployments that run several webhook replicas.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a message id is remembered. Providers stop
	// redelivering well within a day.
	DefaultTTL = 24 * time.Hour
	// DefaultKeyPrefix namespaces the dedup keys.
	DefaultKeyPrefix = "coachpipe:inbound:"
	// DefaultPingTimeout bounds the connectivity check in New.
	DefaultPingTimeout = 2 * time.Second
)

// ErrMissingURL is returned when no Redis URL is configured.
var ErrMissingURL = errors.New("redis url is not configured")

// Opts holds configuration for the deduplicator.
type Opts struct {
	URL       string
	TTL       time.Duration
	KeyPrefix string
}

// Option defines a function for configuring the deduplicator.
type Option func(*Opts)

// WithURL sets the Redis connection URL (redis://...).
func WithURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// WithTTL sets how long message ids are remembered.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.KeyPrefix = prefix }
}

// RedisDeduper records inbound message ids with SET NX and a TTL.
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	close  func() error
}

// Compile-time check that RedisDeduper implements store.DedupRepo.
var _ store.DedupRepo = (*RedisDeduper)(nil)

// New connects to Redis and verifies connectivity. The URL falls back to
// REDIS_URL.
func New(ctx context.Context, opts ...Option) (*RedisDeduper, error) {
	cfg := Opts{TTL: DefaultTTL, KeyPrefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.URL == "" {
		cfg.URL = os.Getenv("REDIS_URL")
	}
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Info("RedisDeduper: connected", "addr", redisOpts.Addr, "ttl", cfg.TTL)
	d := NewWithClient(client, cfg.TTL, cfg.KeyPrefix)
	d.close = client.Close
	return d, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.Cmdable, ttl time.Duration, prefix string) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisDeduper{client: client, ttl: ttl, prefix: prefix}
}

func (d *RedisDeduper) key(messageID string) string {
	return d.prefix + messageID
}

// RecordInbound stores the id if absent. It returns false for a duplicate.
func (d *RedisDeduper) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(messageID), sender, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// ForgetInbound removes the id so a redelivery is processed.
func (d *RedisDeduper) ForgetInbound(ctx context.Context, messageID string) error {
	if err := d.client.Del(ctx, d.key(messageID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases the connection pool when New created it.
func (d *RedisDeduper) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}
