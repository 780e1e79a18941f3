package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/config"
)

// RedisStore is the shared backend. Replay keys use SET NX PX so the
// existence check and the insert happen in one round trip.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// DialTimeout bounds connects; reads and writes use the same value.
	DialTimeout time.Duration
}

func NewRedisClient(cfg RedisConfig) *redis.Client {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   1,
	})
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "dedup"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Add(ctx context.Context, key string, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(key), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) AddIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	added, err := s.rdb.SetNX(ctx, s.key(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return added, nil
}

func (s *RedisStore) GetRateLimitData(ctx context.Context, key string) ([]int64, error) {
	raw, err := s.rdb.Get(ctx, s.key("rl:"+key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var timestamps []int64
	if err := json.Unmarshal(raw, &timestamps); err != nil {
		return nil, fmt.Errorf("decode rate limit window: %w", err)
	}
	return timestamps, nil
}

func (s *RedisStore) SetRateLimitData(ctx context.Context, key string, timestamps []int64, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	if timestamps == nil {
		timestamps = []int64{}
	}
	raw, err := json.Marshal(timestamps)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key("rl:"+key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// RedisConfigFromEnv reads REDIS_ADDR, REDIS_PASSWORD, REDIS_DB and
// REDIS_TIMEOUT.
func RedisConfigFromEnv() RedisConfig {
	db, err := strconv.Atoi(config.String("REDIS_DB", "0"))
	if err != nil || db < 0 {
		db = 0
	}
	return RedisConfig{
		Addr:        config.String("REDIS_ADDR", "localhost:6379"),
		Password:    config.String("REDIS_PASSWORD", ""),
		DB:          db,
		DialTimeout: config.Duration("REDIS_TIMEOUT", 500*time.Millisecond),
	}
}
