package windowstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed     = errors.New("window store closed")
	ErrNoCounters = errors.New("no counters given")
	ErrEmptyKey   = errors.New("empty counter key")
)

// Counter describes one window taking part in a CheckAndIncrement call.
type Counter struct {
	Key    string
	Limit  int64
	Window time.Duration
}

// CounterState is the observed state of a single counter.
// An absent key reads as Count 0 with HasTTL false.
type CounterState struct {
	Key    string
	Count  int64
	TTL    time.Duration
	HasTTL bool
}

// Outcome is the result of a CheckAndIncrement call.
type Outcome struct {
	Allowed bool
	// Exceeded is the index of the first counter found at or over its limit, or -1.
	Exceeded int
	// Counters holds post-increment state when Allowed, untouched state otherwise.
	Counters []CounterState
}

// Store is the shared, process-external counter store.
type Store interface {
	// CheckAndIncrement checks the counters in order and increments all of them
	// only if none is at its limit. A denied call writes nothing.
	CheckAndIncrement(ctx context.Context, counters []Counter) (Outcome, error)
	// Peek reads counters without mutating them.
	Peek(ctx context.Context, keys ...string) ([]CounterState, error)
	Get(ctx context.Context, key string) (int64, error)
	// TTL returns the remaining lifetime; ok is false when the key is absent or has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Sweeper is implemented by drivers without native expiry.
type Sweeper interface {
	// Sweep removes expired counters and returns how many were dropped.
	Sweep(ctx context.Context) (int64, error)
}

// Config selects and configures a driver.
type Config struct {
	Driver string // redis | sqlite | memory
	Redis  RedisConfig
	SQLite SQLiteConfig
}

type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

func validateCounters(counters []Counter) error {
	if len(counters) == 0 {
		return ErrNoCounters
	}
	for _, c := range counters {
		if c.Key == "" {
			return ErrEmptyKey
		}
	}
	return nil
}

// decide applies the check half of CheckAndIncrement to already-read state.
func decide(counters []Counter, states []CounterState) int {
	for i, c := range counters {
		if states[i].Count >= c.Limit {
			return i
		}
	}
	return -1
}
