package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL is how long inbound message ids are remembered in Redis.
const DefaultDedupTTL = 72 * time.Hour

// RedisDedup is a DedupRepo backed by Redis keys with a TTL. It lets several
// LeadFlow instances share one inbound dedup window.
type RedisDedup struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ DedupRepo = (*RedisDedup)(nil)

// RedisDedupOption configures a RedisDedup.
type RedisDedupOption func(*RedisDedup)

// WithDedupPrefix sets the key prefix.
func WithDedupPrefix(prefix string) RedisDedupOption {
	return func(r *RedisDedup) { r.prefix = prefix }
}

// WithDedupTTL sets how long ids are remembered.
func WithDedupTTL(ttl time.Duration) RedisDedupOption {
	return func(r *RedisDedup) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// NewRedisDedup creates a RedisDedup on an existing client.
func NewRedisDedup(client *redis.Client, opts ...RedisDedupOption) *RedisDedup {
	r := &RedisDedup{client: client, prefix: "leadflow:inbound:", ttl: DefaultDedupTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisDedup) key(messageID string) string {
	return r.prefix + messageID
}

func (r *RedisDedup) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (r *RedisDedup) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(messageID), "received:"+sender, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis record inbound failed: %w", err)
	}
	return ok, nil
}

// forgetScript deletes a key unless it was marked processed.
var forgetScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == "processed" then
	return 0
end
return redis.call("DEL", KEYS[1])
`)

func (r *RedisDedup) ForgetInbound(ctx context.Context, messageID string) error {
	if err := forgetScript.Run(ctx, r.client, []string{r.key(messageID)}).Err(); err != nil {
		return fmt.Errorf("redis forget inbound failed: %w", err)
	}
	return nil
}

func (r *RedisDedup) MarkProcessed(ctx context.Context, messageID string) error {
	if err := r.client.Set(ctx, r.key(messageID), "processed", r.ttl).Err(); err != nil {
		return fmt.Errorf("redis mark processed failed: %w", err)
	}
	return nil
}
