package state

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const watermarkKey = "last_aggregation_time"

// Store wraps the Redis connection holding the aggregation watermark and the
// alert cooldown entries. Both are single-key operations with Redis-native
// atomicity, so the one client is safe to share across jobs.
type Store struct {
	client *redis.Client
}

func New(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	return &Store{client: redis.NewClient(opt)}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Watermark returns the end of the last successfully aggregated window, or
// ok=false when no aggregation has run yet.
func (s *Store) Watermark(ctx context.Context) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, watermarkKey).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse watermark %q: %w", val, err)
	}
	return t, true, nil
}

func (s *Store) SetWatermark(ctx context.Context, t time.Time) error {
	return s.client.Set(ctx, watermarkKey, t.Format(time.RFC3339), 0).Err()
}

// CooldownKey derives the cooldown key for one finding identity. The identity
// is hashed so arbitrary field values stay out of the keyspace.
func CooldownKey(rule, identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return fmt.Sprintf("alert_cooldown:%s:%x", rule, sum[:8])
}

// CooldownActive reports whether a non-expired cooldown entry exists for key.
// It never touches the entry's expiry.
func (s *Store) CooldownActive(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetCooldown records an alert send; the entry expires on its own.
func (s *Store) SetCooldown(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Set(ctx, key, time.Now().Unix(), ttl).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
