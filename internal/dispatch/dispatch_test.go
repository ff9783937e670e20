package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notigate/internal/event"
	"notigate/internal/eventbus"
	"notigate/internal/gate"
	"notigate/internal/quiethours"
	"notigate/internal/ratelimit"
	"notigate/internal/windowstore"
)

type staticPrefs struct {
	rl ratelimit.Prefs
	qh quiethours.Prefs
}

func (p staticPrefs) Prefs(string) (ratelimit.Prefs, quiethours.Prefs) { return p.rl, p.qh }

type recordingSender struct {
	mu    sync.Mutex
	sent  []Candidate
	fails atomic.Int32
}

func (s *recordingSender) Send(_ context.Context, c Candidate) error {
	if s.fails.Load() > 0 {
		s.fails.Add(-1)
		return errors.New("upstream unavailable")
	}
	s.mu.Lock()
	s.sent = append(s.sent, c)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type brokenDecider struct{}

func (brokenDecider) Decide(context.Context, gate.Candidate) (gate.Decision, error) {
	return gate.Decision{}, errors.New("dial tcp: connection refused")
}

func newGate(t *testing.T) *gate.Gate {
	t.Helper()
	l, err := ratelimit.New(windowstore.NewMemory(nil), ratelimit.Options{})
	require.NoError(t, err)
	g, err := gate.New(l, quiethours.New(quiethours.Options{}), gate.Options{})
	require.NoError(t, err)
	return g
}

func fastConfig() Config {
	return Config{Enabled: true, Workers: 2, QueueSize: 16, RatePerSec: 1000, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestProcessSuppressesOverCap(t *testing.T) {
	sender := &recordingSender{}
	svc, err := New(fastConfig(), Deps{
		Gate:   newGate(t),
		Prefs:  staticPrefs{rl: ratelimit.Prefs{MaxPerMinute: 2, MaxPerHour: 10}},
		Sender: sender,
	})
	require.NoError(t, err)

	ctx := context.Background()
	c := Candidate{SessionID: "dev-1", Event: event.SessionStarted}
	require.Equal(t, OutcomeSent, svc.Process(ctx, c).Outcome)
	require.Equal(t, OutcomeSent, svc.Process(ctx, c).Outcome)

	res := svc.Process(ctx, c)
	require.Equal(t, OutcomeSuppressed, res.Outcome)
	require.NotNil(t, res.Decision)
	require.Equal(t, gate.ReasonRateLimited, res.Decision.Reason)
	require.NotEmpty(t, res.Candidate.ID)

	require.Equal(t, 2, sender.count())
	require.Len(t, svc.Snapshot(), 3)
}

func TestProcessQuietHoursCriticalOverride(t *testing.T) {
	sender := &recordingSender{}
	qh := quiethours.Prefs{Enabled: true, Start: "00:00", End: "23:59", Timezone: "UTC", OverrideCritical: true}
	svc, err := New(fastConfig(), Deps{
		Gate:   newGate(t),
		Prefs:  staticPrefs{rl: ratelimit.Prefs{MaxPerMinute: 5, MaxPerHour: 10}, qh: qh},
		Sender: sender,
	})
	require.NoError(t, err)

	at := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	res := svc.Process(context.Background(), Candidate{SessionID: "dev-1", Event: event.SessionStarted, At: at})
	require.Equal(t, OutcomeSuppressed, res.Outcome)
	require.Equal(t, gate.ReasonQuietHours, res.Decision.Reason)

	res = svc.Process(context.Background(), Candidate{SessionID: "dev-1", Event: event.ServerDown, At: at})
	require.Equal(t, OutcomeSent, res.Outcome)
	require.Equal(t, 1, sender.count())
}

func TestFailModes(t *testing.T) {
	for _, tc := range []struct {
		mode FailMode
		want Outcome
		open bool
	}{
		{mode: FailClosed, want: OutcomeFailed},
		{mode: FailOpen, want: OutcomeSent, open: true},
		{mode: "", want: OutcomeFailed},
	} {
		tc := tc
		t.Run(string(tc.mode), func(t *testing.T) {
			cfg := fastConfig()
			cfg.FailMode = tc.mode
			sender := &recordingSender{}
			svc, err := New(cfg, Deps{Gate: brokenDecider{}, Prefs: staticPrefs{}, Sender: sender})
			require.NoError(t, err)

			res := svc.Process(context.Background(), Candidate{SessionID: "dev-1"})
			require.Equal(t, tc.want, res.Outcome)
			require.Equal(t, tc.open, res.FailedOpen)
			require.Nil(t, res.Decision)
			if !tc.open {
				require.Contains(t, res.Error, "connection refused")
				require.Zero(t, sender.count())
			}
		})
	}
}

type downStore struct{}

var errStoreDown = errors.New("dial tcp: connection refused")

func (downStore) CheckAndIncrement(context.Context, []windowstore.Counter) (windowstore.Outcome, error) {
	return windowstore.Outcome{}, errStoreDown
}

func (downStore) Peek(context.Context, ...string) ([]windowstore.CounterState, error) {
	return nil, errStoreDown
}

func (downStore) Get(context.Context, string) (int64, error) { return 0, errStoreDown }

func (downStore) TTL(context.Context, string) (time.Duration, bool, error) {
	return 0, false, errStoreDown
}

func (downStore) Delete(context.Context, ...string) error { return errStoreDown }
func (downStore) Close() error { return nil }

func TestFailOpenKeepsQuietHoursAndSessionCheck(t *testing.T) {
	l, err := ratelimit.New(downStore{}, ratelimit.Options{})
	require.NoError(t, err)
	g, err := gate.New(l, quiethours.New(quiethours.Options{}), gate.Options{})
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.FailMode = FailOpen
	sender := &recordingSender{}
	qh := quiethours.Prefs{Enabled: true, Start: "22:00", End: "06:00", Timezone: "UTC"}
	svc, err := New(cfg, Deps{
		Gate:   g,
		Prefs:  staticPrefs{rl: ratelimit.Prefs{MaxPerMinute: 5, MaxPerHour: 10}, qh: qh},
		Sender: sender,
	})
	require.NoError(t, err)
	ctx := context.Background()

	night := time.Date(2024, 6, 15, 23, 0, 0, 0, time.UTC)
	res := svc.Process(ctx, Candidate{SessionID: "dev-1", Event: event.SessionStarted, At: night})
	require.Equal(t, OutcomeSuppressed, res.Outcome)
	require.False(t, res.FailedOpen)
	require.NotNil(t, res.Decision)
	require.Equal(t, gate.ReasonQuietHours, res.Decision.Reason)
	require.Contains(t, res.Error, "connection refused")

	res = svc.Process(ctx, Candidate{Event: event.SessionStarted, At: night.Add(10 * time.Hour)})
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.False(t, res.FailedOpen)
	require.Contains(t, res.Error, "empty session")

	// Outside quiet hours only the throttle is bypassed.
	res = svc.Process(ctx, Candidate{SessionID: "dev-1", Event: event.SessionStarted, At: night.Add(10 * time.Hour)})
	require.Equal(t, OutcomeSent, res.Outcome)
	require.True(t, res.FailedOpen)
	require.Equal(t, 1, sender.count())
}

func TestSendRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryMax = 2
	sender := &recordingSender{}
	sender.fails.Store(2)
	svc, err := New(cfg, Deps{Gate: newGate(t), Prefs: staticPrefs{rl: ratelimit.Prefs{MaxPerMinute: 5, MaxPerHour: 5}}, Sender: sender})
	require.NoError(t, err)

	res := svc.Process(context.Background(), Candidate{SessionID: "dev-1"})
	require.Equal(t, OutcomeSent, res.Outcome)
	require.Equal(t, 3, res.Attempts)

	sender.fails.Store(5)
	res = svc.Process(context.Background(), Candidate{SessionID: "dev-1"})
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, "upstream unavailable", res.Error)
}

func TestSubmitQueuedAndDrainedOnStop(t *testing.T) {
	bus := eventbus.New()
	sent, unsub := bus.Subscribe(64, eventbus.DispatchSent)
	defer unsub()

	var results atomic.Int32
	sender := &recordingSender{}
	svc, err := New(fastConfig(), Deps{
		Gate:     newGate(t),
		Prefs:    staticPrefs{rl: ratelimit.Prefs{MaxPerMinute: 100, MaxPerHour: 100}},
		Sender:   sender,
		Bus:      bus,
		OnResult: func(Result) { results.Add(1) },
	})
	require.NoError(t, err)

	ctx := context.Background()
	svc.Start(ctx)
	for i := 0; i < 10; i++ {
		id, err := svc.Submit(ctx, Candidate{SessionID: "dev-1"})
		require.NoError(t, err)
		require.NotEmpty(t, id)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	require.Equal(t, 10, sender.count())
	require.Equal(t, int32(10), results.Load())
	require.Len(t, sent, 10)

	_, err = svc.Submit(ctx, Candidate{SessionID: "dev-1"})
	require.ErrorIs(t, err, ErrStopped)
}

func TestSubmitDisabledAndQueueFull(t *testing.T) {
	svc, err := New(Config{}, Deps{Gate: newGate(t), Prefs: staticPrefs{}, Sender: &recordingSender{}})
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), Candidate{SessionID: "dev-1"})
	require.ErrorIs(t, err, ErrDisabled)

	block := make(chan struct{})
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	svc, err = New(cfg, Deps{
		Gate:  newGate(t),
		Prefs: staticPrefs{rl: ratelimit.Prefs{MaxPerMinute: 100, MaxPerHour: 100}},
		Sender: SenderFunc(func(ctx context.Context, _ Candidate) error {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil
		}),
	})
	require.NoError(t, err)
	svc.Start(context.Background())

	var full bool
	for i := 0; i < 10 && !full; i++ {
		_, err := svc.Submit(context.Background(), Candidate{SessionID: "dev-1"})
		if errors.Is(err, ErrQueueFull) {
			full = true
		}
	}
	require.True(t, full)
	close(block)
	svc.Stop(context.Background())

	var dropped int
	for _, r := range svc.Snapshot() {
		if r.Outcome == OutcomeDropped {
			dropped++
		}
	}
	require.Positive(t, dropped)
}

func TestApplyDefaultsAndHistoryBound(t *testing.T) {
	svc, err := New(Config{Enabled: true, HistorySize: 2, FailMode: " OPEN "}, Deps{Gate: newGate(t), Prefs: staticPrefs{}, Sender: &recordingSender{}})
	require.NoError(t, err)
	cfg := svc.Config()
	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, 512, cfg.QueueSize)
	require.Equal(t, FailOpen, cfg.FailMode)

	for i := 0; i < 5; i++ {
		svc.Process(context.Background(), Candidate{SessionID: "dev-1", Title: string(rune('a' + i))})
	}
	snap := svc.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "e", snap[1].Candidate.Title)

	svc.Apply(Config{Enabled: false})
	require.False(t, svc.Enabled())
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
	d := retryDelay(cfg, 1)
	require.GreaterOrEqual(t, d, 70*time.Millisecond)
	require.LessOrEqual(t, d, 130*time.Millisecond)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Gate: brokenDecider{}})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Gate: brokenDecider{}, Prefs: staticPrefs{}})
	require.Error(t, err)
}
