package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/observability/logging"
)

// RedisStore implements KVStore on Redis. TTLs are enforced natively, so
// expired lock rows and counter windows disappear without a sweep.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// compareAndDelete deletes the key only when it still holds the expected
// value. Runs server-side so two holders can never race the check.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndSet replaces the value and TTL only when the key still holds the
// expected value.
var compareAndSetScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

// NewRedisStore creates a Redis-backed store and verifies the connection.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	s := &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	logging.Infof("RedisStore connected to %s with prefix %q", cfg.Address, cfg.KeyPrefix)
	return s, nil
}

func (s *RedisStore) key(k string) string {
	return s.keyPrefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, s.key(key), delta)
	if ttl > 0 {
		// NX keeps the window anchored at the first increment.
		pipe.ExpireNX(ctx, s.key(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) InsertIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to insert %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{s.key(key)}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) CompareAndSet(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error) {
	n, err := compareAndSetScript.Run(ctx, s.client, []string{s.key(key)}, oldValue, newValue, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-set %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
