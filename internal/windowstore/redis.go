package windowstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores counters as plain integer keys with native expiry.
type Redis struct {
	client redis.UniversalClient
	script *redis.Script
	owned  bool
}

var _ Store = (*Redis)(nil)

// NewRedis wraps an existing client. The caller keeps ownership of the client.
func NewRedis(client redis.UniversalClient) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Redis{client: client, script: redis.NewScript(checkAndIncrementLua)}, nil
}

func openRedis(cfg RedisConfig) (*Redis, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("store.redis.addr is required for redis driver")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  dialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s, err := NewRedis(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *Redis) CheckAndIncrement(ctx context.Context, counters []Counter) (Outcome, error) {
	if err := validateCounters(counters); err != nil {
		return Outcome{}, err
	}

	keys := make([]string, len(counters))
	args := make([]interface{}, 0, 2*len(counters))
	for i, c := range counters {
		keys[i] = c.Key
		args = append(args, c.Limit)
	}
	for _, c := range counters {
		ms := c.Window.Milliseconds()
		if ms <= 0 {
			ms = 1
		}
		args = append(args, ms)
	}

	values, err := s.script.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("redis script: %w", err)
	}
	return parseLuaOutcome(keys, values)
}

func parseLuaOutcome(keys []string, values interface{}) (Outcome, error) {
	arr, ok := values.([]interface{})
	if !ok || len(arr) != 2+2*len(keys) {
		return Outcome{}, fmt.Errorf("unexpected lua result: %v", values)
	}

	allowed, err := toInt64(arr[0])
	if err != nil {
		return Outcome{}, err
	}
	exceeded, err := toInt64(arr[1])
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Allowed: allowed == 1, Exceeded: int(exceeded) - 1, Counters: make([]CounterState, len(keys))}
	for i, k := range keys {
		count, err := toInt64(arr[2+2*i])
		if err != nil {
			return Outcome{}, err
		}
		pttl, err := toInt64(arr[3+2*i])
		if err != nil {
			return Outcome{}, err
		}
		out.Counters[i] = counterState(k, count, time.Duration(pttl)*time.Millisecond, pttl >= 0)
	}
	return out, nil
}

func counterState(key string, count int64, ttl time.Duration, hasTTL bool) CounterState {
	if !hasTTL {
		ttl = 0
	}
	return CounterState{Key: key, Count: count, TTL: ttl, HasTTL: hasTTL}
}

// Peek reads counts and TTLs inside MULTI/EXEC so the pairs are consistent.
func (s *Redis) Peek(ctx context.Context, keys ...string) ([]CounterState, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := s.client.TxPipeline()
	gets := make([]*redis.StringCmd, len(keys))
	ttls := make([]*redis.DurationCmd, len(keys))
	for i, k := range keys {
		gets[i] = pipe.Get(ctx, k)
		ttls[i] = pipe.PTTL(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis peek: %w", err)
	}

	out := make([]CounterState, len(keys))
	for i, k := range keys {
		count, err := gets[i].Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis peek %s: %w", k, err)
		}
		ttl := ttls[i].Val()
		out[i] = counterState(k, count, ttl, ttl >= 0)
	}
	return out, nil
}

func (s *Redis) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (s *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis pttl %s: %w", key, err)
	}
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

func (s *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *Redis) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected value type %T", value)
	}
}
