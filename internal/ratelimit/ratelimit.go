// Package ratelimit enforces per-minute and per-hour caps for a device session
// on top of a shared windowstore.Store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notigate/internal/windowstore"
	logx "notigate/pkg/logx"
)

const (
	MinuteWindow = time.Minute
	HourWindow   = time.Hour

	DefaultKeyPrefix = "notigate:rl:"
)

var ErrEmptySession = errors.New("ratelimit: empty session id")

// Window names a counter dimension.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
)

// Prefs are the caps of one device session. Zero means always deny.
type Prefs struct {
	MaxPerMinute int64 `json:"max_per_minute"`
	MaxPerHour   int64 `json:"max_per_hour"`
}

func (p Prefs) Validate() error {
	if p.MaxPerMinute < 0 {
		return fmt.Errorf("max_per_minute must be >= 0 (got %d)", p.MaxPerMinute)
	}
	if p.MaxPerHour < 0 {
		return fmt.Errorf("max_per_hour must be >= 0 (got %d)", p.MaxPerHour)
	}
	return nil
}

// Result is the outcome of CheckAndRecord.
type Result struct {
	Allowed bool
	// ExceededLimit is empty when Allowed.
	ExceededLimit   Window
	RemainingMinute int64
	RemainingHour   int64
	ResetMinuteIn   time.Duration
	ResetHourIn     time.Duration
}

// Status is a read-only view of the current windows.
type Status struct {
	MinuteCount     int64
	HourCount       int64
	RemainingMinute int64
	RemainingHour   int64
	ResetMinuteIn   time.Duration
	ResetHourIn     time.Duration
}

type Options struct {
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string
	Log       logx.Logger
}

// Limiter is stateless apart from its store handle and is safe for concurrent use.
type Limiter struct {
	store  windowstore.Store
	prefix string
	log    logx.Logger
}

func New(store windowstore.Store, opts Options) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is nil")
	}
	prefix := opts.KeyPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultKeyPrefix
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{store: store, prefix: prefix, log: log.With(logx.String("comp", "ratelimit"))}, nil
}

// Keys returns the minute and hour counter keys. The braces form a Redis Cluster
// hash tag so both keys land in one slot.
func (l *Limiter) Keys(sessionID string) (minute, hour string) {
	base := l.prefix + "{" + sessionID + "}"
	return base + ":minute", base + ":hour"
}

// CheckAndRecord admits one event if neither window is full and records it in
// both windows. A denied call leaves the counters untouched.
func (l *Limiter) CheckAndRecord(ctx context.Context, sessionID string, p Prefs) (Result, error) {
	if sessionID == "" {
		return Result{}, ErrEmptySession
	}
	minuteKey, hourKey := l.Keys(sessionID)
	maxMin, maxHour := clampCap(p.MaxPerMinute), clampCap(p.MaxPerHour)

	out, err := l.store.CheckAndIncrement(ctx, []windowstore.Counter{
		{Key: minuteKey, Limit: maxMin, Window: MinuteWindow},
		{Key: hourKey, Limit: maxHour, Window: HourWindow},
	})
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: check %q: %w", sessionID, err)
	}
	if len(out.Counters) != 2 {
		return Result{}, fmt.Errorf("ratelimit: check %q: store returned %d counters", sessionID, len(out.Counters))
	}

	minute, hour := out.Counters[0], out.Counters[1]
	res := Result{
		Allowed:         out.Allowed,
		RemainingMinute: remaining(maxMin, minute.Count),
		RemainingHour:   remaining(maxHour, hour.Count),
		ResetMinuteIn:   resetIn(minute, MinuteWindow),
		ResetHourIn:     resetIn(hour, HourWindow),
	}
	switch {
	case out.Allowed:
	case out.Exceeded == 0:
		res.ExceededLimit = WindowMinute
		res.RemainingMinute = 0
	default:
		res.ExceededLimit = WindowHour
		res.RemainingHour = 0
	}

	if !res.Allowed && l.log.Enabled(logx.LevelDebug) {
		l.log.Debug("rate limit exceeded",
			logx.String("session", sessionID),
			logx.String("window", string(res.ExceededLimit)),
			logx.Int64("minute_count", minute.Count),
			logx.Int64("hour_count", hour.Count),
		)
	}
	return res, nil
}

// Status reads both windows without recording anything.
func (l *Limiter) Status(ctx context.Context, sessionID string, p Prefs) (Status, error) {
	if sessionID == "" {
		return Status{}, ErrEmptySession
	}
	minuteKey, hourKey := l.Keys(sessionID)
	states, err := l.store.Peek(ctx, minuteKey, hourKey)
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit: status %q: %w", sessionID, err)
	}
	if len(states) != 2 {
		return Status{}, fmt.Errorf("ratelimit: status %q: store returned %d counters", sessionID, len(states))
	}
	minute, hour := states[0], states[1]
	return Status{
		MinuteCount:     minute.Count,
		HourCount:       hour.Count,
		RemainingMinute: remaining(clampCap(p.MaxPerMinute), minute.Count),
		RemainingHour:   remaining(clampCap(p.MaxPerHour), hour.Count),
		ResetMinuteIn:   resetIn(minute, MinuteWindow),
		ResetHourIn:     resetIn(hour, HourWindow),
	}, nil
}

// Reset drops both windows. Concurrent increments may land before or after it.
func (l *Limiter) Reset(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	minuteKey, hourKey := l.Keys(sessionID)
	if err := l.store.Delete(ctx, minuteKey, hourKey); err != nil {
		return fmt.Errorf("ratelimit: reset %q: %w", sessionID, err)
	}
	l.log.Info("rate limit reset", logx.String("session", sessionID))
	return nil
}

func clampCap(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func remaining(limit, count int64) int64 {
	if r := limit - count; r > 0 {
		return r
	}
	return 0
}

// resetIn reports the full window for a counter that has not started yet.
func resetIn(st windowstore.CounterState, window time.Duration) time.Duration {
	if !st.HasTTL || st.TTL <= 0 {
		return window
	}
	return st.TTL
}
