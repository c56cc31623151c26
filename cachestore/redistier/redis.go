// Package redistier provides a Redis-backed durable tier for cachestore, for
// deployments where several gateway replicas share one resource cache.
package redistier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/render-gateway/cachestore"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis tier
type Config struct {
	// Client is the Redis client instance
	Client redis.UniversalClient

	// KeyPrefix is the prefix for all Redis keys
	// Default: "render-gateway:cache:"
	KeyPrefix string

	// TTL bounds how long a record survives without being rewritten.
	// Zero means no expiry.
	TTL time.Duration

	// CloseClient closes Client on Close. Set only if the tier owns it.
	CloseClient bool
}

// Tier implements cachestore.Tier using Redis strings.
type Tier struct {
	client      redis.UniversalClient
	keyPrefix   string
	ttl         time.Duration
	closeClient bool
}

var _ cachestore.Tier = (*Tier)(nil)

// New creates a new Redis-backed tier.
func New(config Config) (*Tier, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "render-gateway:cache:"
	}

	return &Tier{
		client:      config.Client,
		keyPrefix:   config.KeyPrefix,
		ttl:         config.TTL,
		closeClient: config.CloseClient,
	}, nil
}

func (t *Tier) Load(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := t.client.Get(ctx, t.buildKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return b, true, nil
}

// Store uses a single SET so readers see either the old or the new record.
func (t *Tier) Store(ctx context.Context, key string, b []byte) error {
	if err := t.client.Set(ctx, t.buildKey(key), b, t.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (t *Tier) Delete(ctx context.Context, key string) error {
	return t.client.Del(ctx, t.buildKey(key)).Err()
}

// Close releases the client only when the tier owns it. Repeated calls are
// no-ops.
func (t *Tier) Close(context.Context) error {
	if t.closeClient {
		if err := t.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}

// buildKey hashes the locator so arbitrary query strings stay bounded.
func (t *Tier) buildKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return t.keyPrefix + hex.EncodeToString(sum[:])
}
