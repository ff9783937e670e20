package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"notigate/internal/windowstore"
	logx "notigate/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemoryLimiter(t *testing.T) (*Limiter, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	l, err := New(windowstore.NewMemory(c.Now), Options{Log: logx.Nop()})
	require.NoError(t, err)
	return l, c
}

func newRedisLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st, err := windowstore.NewRedis(client)
	require.NoError(t, err)
	l, err := New(st, Options{})
	require.NoError(t, err)
	return l, mr
}

func TestFiveThenDenied(t *testing.T) {
	l, _ := newMemoryLimiter(t)
	ctx := context.Background()
	prefs := Prefs{MaxPerMinute: 5, MaxPerHour: 100}

	for i := 1; i <= 5; i++ {
		res, err := l.CheckAndRecord(ctx, "dev-1", prefs)
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d", i)
		require.Empty(t, res.ExceededLimit)
		require.Equal(t, int64(5-i), res.RemainingMinute)
		require.Equal(t, int64(100-i), res.RemainingHour)
	}

	res, err := l.CheckAndRecord(ctx, "dev-1", prefs)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, WindowMinute, res.ExceededLimit)
	require.Equal(t, int64(0), res.RemainingMinute)
	require.Equal(t, int64(95), res.RemainingHour)
	require.Equal(t, MinuteWindow, res.ResetMinuteIn)
	require.Equal(t, HourWindow, res.ResetHourIn)
}

func TestDeniedCallsDoNotChangeCounts(t *testing.T) {
	l, _ := newMemoryLimiter(t)
	ctx := context.Background()
	prefs := Prefs{MaxPerMinute: 2, MaxPerHour: 10}

	for i := 0; i < 2; i++ {
		_, err := l.CheckAndRecord(ctx, "dev-1", prefs)
		require.NoError(t, err)
	}
	before, err := l.Status(ctx, "dev-1", prefs)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := l.CheckAndRecord(ctx, "dev-1", prefs)
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}

	after, err := l.Status(ctx, "dev-1", prefs)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, int64(2), after.MinuteCount)
	require.Equal(t, int64(2), after.HourCount)
}

func TestHourCapReportsHourExceeded(t *testing.T) {
	l, c := newMemoryLimiter(t)
	ctx := context.Background()
	prefs := Prefs{MaxPerMinute: 2, MaxPerHour: 3}

	for i := 0; i < 2; i++ {
		res, err := l.CheckAndRecord(ctx, "dev-1", prefs)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	c.Advance(90 * time.Second)

	res, err := l.CheckAndRecord(ctx, "dev-1", prefs)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(1), res.RemainingMinute)
	require.Equal(t, int64(0), res.RemainingHour)

	res, err = l.CheckAndRecord(ctx, "dev-1", prefs)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, WindowHour, res.ExceededLimit)
	require.Equal(t, int64(0), res.RemainingHour)
	require.Equal(t, int64(1), res.RemainingMinute)
	require.Equal(t, HourWindow-90*time.Second, res.ResetHourIn)
}

func TestBothFullReportsMinute(t *testing.T) {
	l, _ := newMemoryLimiter(t)
	ctx := context.Background()
	prefs := Prefs{MaxPerMinute: 1, MaxPerHour: 1}

	_, err := l.CheckAndRecord(ctx, "dev-1", prefs)
	require.NoError(t, err)
	res, err := l.CheckAndRecord(ctx, "dev-1", prefs)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, WindowMinute, res.ExceededLimit)
	require.Equal(t, int64(0), res.RemainingMinute)
	require.Equal(t, int64(0), res.RemainingHour)
}

func TestZeroCapAlwaysDenies(t *testing.T) {
	l, _ := newMemoryLimiter(t)
	res, err := l.CheckAndRecord(context.Background(), "dev-1", Prefs{MaxPerMinute: 0, MaxPerHour: 10})
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, WindowMinute, res.ExceededLimit)
	require.Equal(t, int64(10), res.RemainingHour)
	require.Equal(t, MinuteWindow, res.ResetMinuteIn)

	res, err = l.CheckAndRecord(context.Background(), "dev-1", Prefs{MaxPerMinute: -3, MaxPerHour: 10})
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestStatusOnFreshSession(t *testing.T) {
	l, _ := newMemoryLimiter(t)
	st, err := l.Status(context.Background(), "nobody", Prefs{MaxPerMinute: 5, MaxPerHour: 100})
	require.NoError(t, err)
	require.Equal(t, Status{
		RemainingMinute: 5,
		RemainingHour:   100,
		ResetMinuteIn:   MinuteWindow,
		ResetHourIn:     HourWindow,
	}, st)
}

func TestWindowRollsOver(t *testing.T) {
	l, c := newMemoryLimiter(t)
	ctx := context.Background()
	prefs := Prefs{MaxPerMinute: 1, MaxPerHour: 100}

	res, err := l.CheckAndRecord(ctx, "dev-1", prefs)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	c.Advance(20 * time.Second)
	res, err = l.CheckAndRecord(ctx, "dev-1", prefs)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 40*time.Second, res.ResetMinuteIn)

	c.Advance(40 * time.Second)
	res, err = l.CheckAndRecord(ctx, "dev-1", prefs)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(98), res.RemainingHour)
}

func TestResetClearsWindows(t *testing.T) {
	l, _ := newRedisLimiter(t)
	ctx := context.Background()
	prefs := Prefs{MaxPerMinute: 1, MaxPerHour: 1}

	_, err := l.CheckAndRecord(ctx, "dev-1", prefs)
	require.NoError(t, err)
	res, err := l.CheckAndRecord(ctx, "dev-1", prefs)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	require.NoError(t, l.Reset(ctx, "dev-1"))
	res, err = l.CheckAndRecord(ctx, "dev-1", prefs)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestSessionsAreIndependent(t *testing.T) {
	l, _ := newRedisLimiter(t)
	ctx := context.Background()
	prefs := Prefs{MaxPerMinute: 1, MaxPerHour: 5}

	res, err := l.CheckAndRecord(ctx, "dev-a", prefs)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.CheckAndRecord(ctx, "dev-b", prefs)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestRedisKeysShareHashTag(t *testing.T) {
	l, mr := newRedisLimiter(t)
	_, err := l.CheckAndRecord(context.Background(), "dev-9", Prefs{MaxPerMinute: 3, MaxPerHour: 3})
	require.NoError(t, err)

	minute, hour := l.Keys("dev-9")
	require.Equal(t, "notigate:rl:{dev-9}:minute", minute)
	require.Equal(t, "notigate:rl:{dev-9}:hour", hour)
	require.True(t, mr.Exists(minute))
	require.Equal(t, time.Minute, mr.TTL(minute))
	require.Equal(t, time.Hour, mr.TTL(hour))
}

func TestConcurrentCallersAdmitExactlyCap(t *testing.T) {
	const (
		capPerMinute = 8
		callers      = 50
	)
	l, _ := newRedisLimiter(t)
	prefs := Prefs{MaxPerMinute: capPerMinute, MaxPerHour: 1000}

	var (
		allowed, minuteDenied, other atomic.Int64
		wg                           sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := l.CheckAndRecord(context.Background(), "dev-1", prefs)
			switch {
			case err != nil:
				other.Add(1)
			case res.Allowed:
				allowed.Add(1)
			case res.ExceededLimit == WindowMinute:
				minuteDenied.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Zero(t, other.Load())
	require.Equal(t, int64(capPerMinute), allowed.Load())
	require.Equal(t, int64(callers-capPerMinute), minuteDenied.Load())
}

type brokenStore struct {
	windowstore.Store
	err error
}

func (b brokenStore) CheckAndIncrement(context.Context, []windowstore.Counter) (windowstore.Outcome, error) {
	return windowstore.Outcome{}, b.err
}

func (b brokenStore) Peek(context.Context, ...string) ([]windowstore.CounterState, error) {
	return nil, b.err
}

func (b brokenStore) Delete(context.Context, ...string) error { return b.err }

func TestStoreErrorsPropagate(t *testing.T) {
	boom := errors.New("connection refused")
	l, err := New(brokenStore{err: boom}, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := l.CheckAndRecord(ctx, "dev-1", Prefs{MaxPerMinute: 5, MaxPerHour: 5})
	require.ErrorIs(t, err, boom)
	require.False(t, res.Allowed)

	_, err = l.Status(ctx, "dev-1", Prefs{})
	require.ErrorIs(t, err, boom)

	require.ErrorIs(t, l.Reset(ctx, "dev-1"), boom)
}

func TestEmptySessionRejected(t *testing.T) {
	l, _ := newMemoryLimiter(t)
	_, err := l.CheckAndRecord(context.Background(), "", Prefs{MaxPerMinute: 1, MaxPerHour: 1})
	require.ErrorIs(t, err, ErrEmptySession)
	_, err = l.Status(context.Background(), "", Prefs{})
	require.ErrorIs(t, err, ErrEmptySession)
	require.ErrorIs(t, l.Reset(context.Background(), ""), ErrEmptySession)
}

func TestPrefsValidate(t *testing.T) {
	require.NoError(t, Prefs{MaxPerMinute: 0, MaxPerHour: 0}.Validate())
	require.Error(t, Prefs{MaxPerMinute: -1, MaxPerHour: 1}.Validate())
	require.Error(t, Prefs{MaxPerMinute: 1, MaxPerHour: -1}.Validate())
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}
