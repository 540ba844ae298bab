package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/devmesh/memoryengine/internal/observability"
)

// RedisConfig configures the production KV adapter. Field names mirror the
// corpus's Redis client configuration shape (address, pool, timeouts).
type RedisConfig struct {
	Address      string
	Username     string
	Password     string
	Database     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = 2
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	return c
}

// RedisStore implements Store over a real Redis (or Redis-protocol
// compatible, e.g. miniredis) server.
type RedisStore struct {
	client *redis.Client
	logger observability.Logger
}

// NewRedisStore dials Redis and verifies connectivity with a Ping.
func NewRedisStore(cfg RedisConfig, logger observability.Logger) (*RedisStore, error) {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &RedisStore{client: client, logger: observability.OrNop(logger)}, nil
}

// classify maps a go-redis error onto the engine's KV error model:
// redis.Nil is "not found" (handled by callers via found=false) and every
// other error is reported as ErrUnavailable. This adapter never returns
// ErrOperation.
func classify(err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// go-redis surfaces network-level failures (connection refused, pool
	// exhaustion, broken pipe) as generic errors; without a more specific
	// sentinel we treat anything that isn't redis.Nil as a potential
	// availability problem so the engine degrades rather than panics.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return v, true, nil
}

func (s *RedisStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return classify(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	return v, classify(err)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return classify(s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	v, err := s.client.TTL(ctx, key).Result()
	return v, classify(err)
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return classify(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return classify(s.client.SAdd(ctx, key, args...).Err())
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.SMembers(ctx, key).Result()
	return v, classify(err)
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return classify(s.client.SRem(ctx, key, args...).Err())
}

func (s *RedisStore) HSet(ctx context.Context, key, field string, value []byte) error {
	return classify(s.client.HSet(ctx, key, field, value).Err())
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	v, err := s.client.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return v, true, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	v, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make(map[string][]byte, len(v))
	for k, val := range v {
		out[k] = []byte(val)
	}
	return out, nil
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	v, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	return v, classify(err)
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return classify(s.client.HDel(ctx, key, fields...).Err())
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return classify(s.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRangeRev(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.client.ZRevRange(ctx, key, start, stop).Result()
	return v, classify(err)
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return classify(s.client.ZRem(ctx, key, args...).Err())
}

func (s *RedisStore) Scan(ctx context.Context, cursor uint64, match string, count int64) (uint64, []string, error) {
	keys, next, err := s.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return 0, nil, classify(err)
	}
	return next, keys, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, message []byte) error {
	// Fire-and-forget: log failures, never surface them to the caller.
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		s.logger.Warn("publish failed", map[string]interface{}{"channel": channel, "error": err.Error()})
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, classify(err)
	}

	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()

	var closeOnce bool
	return func() {
		if closeOnce {
			return
		}
		closeOnce = true
		close(done)
		_ = pubsub.Close()
	}, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
