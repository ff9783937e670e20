package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"notigate/internal/eventbus"
	"notigate/internal/gate"
	"notigate/internal/metrics"
	"notigate/internal/ratelimit"
	logx "notigate/pkg/logx"
)

var (
	ErrDisabled  = errors.New("dispatch disabled")
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatch stopped")
)

type Deps struct {
	Gate    Decider
	Prefs   PrefsSource
	Sender  Sender
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics metrics.Recorder
	// OnResult, if set, is called from worker goroutines for every finished candidate.
	OnResult func(Result)
}

// Service implements queue + worker pool + gate + pacing + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	deps Deps
	log  logx.Logger

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Candidate
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []Result
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Gate == nil {
		return nil, errors.New("dispatch: gate is nil")
	}
	if deps.Prefs == nil {
		return nil, errors.New("dispatch: prefs source is nil")
	}
	if deps.Sender == nil {
		return nil, errors.New("dispatch: sender is nil")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	s := &Service{deps: deps, log: deps.Log.With(logx.String("comp", "dispatch"))}
	s.applyLocked(cfg)
	return s, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply updates pacing, retry and fail-mode settings. Workers and queue size
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	switch FailMode(strings.ToLower(strings.TrimSpace(string(cfg.FailMode)))) {
	case FailOpen:
		cfg.FailMode = FailOpen
	default:
		cfg.FailMode = FailClosed
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	q := make(chan Candidate, s.cfg.QueueSize)
	s.queue = q
	s.cancel = cancel
	s.group = g
	s.accepting = true
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			s.workerLoop(gctx, q)
			return nil
		})
	}
	s.log.Debug("dispatch started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	g := s.group
	cancel := s.cancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight Submit calls, then close so workers drain and exit.
		s.sendWG.Wait()
		close(q)
		_ = g.Wait()
		cancel()

		s.mu.Lock()
		s.queue = nil
		s.group = nil
		s.cancel = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop workers; queued candidates are abandoned.
		cancel()
	}
}

// Submit queues c and returns its id. A full queue drops the candidate.
func (s *Service) Submit(ctx context.Context, c Candidate) (string, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return "", ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return "", ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	select {
	case q <- c:
		s.publish(eventbus.DispatchQueued, Result{Candidate: c, At: time.Now()})
		return c.ID, nil
	default:
		s.finish(ctx, Result{Candidate: c, Outcome: OutcomeDropped, Error: ErrQueueFull.Error(), At: time.Now()})
		return c.ID, ErrQueueFull
	}
}

// Process runs one candidate through the gate and sender synchronously.
func (s *Service) Process(ctx context.Context, c Candidate) Result {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	res := s.process(ctx, c)
	s.finish(ctx, res)
	return res
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Candidate) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-q:
			if !ok {
				return
			}
			s.finish(ctx, s.process(ctx, c))
		}
	}
}

func (s *Service) process(ctx context.Context, c Candidate) Result {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	rl, qh := s.deps.Prefs.Prefs(c.SessionID)
	gc := gate.Candidate{
		SessionID:  c.SessionID,
		QuietHours: qh,
		RateLimit:  rl,
		Severity:   c.Severity,
		Event:      c.Event,
		Now:        c.At,
	}

	dctx := ctx
	var cancel context.CancelFunc
	if cfg.StoreTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, cfg.StoreTimeout)
	}
	d, err := s.deps.Gate.Decide(dctx, gc)
	if cancel != nil {
		cancel()
	}

	res := Result{Candidate: c}
	if err != nil {
		// Quiet hours hold in either fail mode; only throttling is bypassed.
		if d.Reason == gate.ReasonQuietHours {
			res.Decision = &d
			res.Outcome = OutcomeSuppressed
			res.Error = err.Error()
			res.At = time.Now()
			return res
		}
		if cfg.FailMode != FailOpen || errors.Is(err, ratelimit.ErrEmptySession) {
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
			res.At = time.Now()
			return res
		}
		s.log.Warn("window store unavailable; sending unthrottled", logx.String("session", c.SessionID), logx.Err(err))
		res.FailedOpen = true
	} else {
		res.Decision = &d
		if !d.Allowed {
			res.Outcome = OutcomeSuppressed
			res.At = time.Now()
			return res
		}
	}

	attempts, err := s.sendWithRetry(ctx, cfg, c)
	res.Attempts = attempts
	res.At = time.Now()
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}
	res.Outcome = OutcomeSent
	return res
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, c Candidate) (int, error) {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return attempt - 1, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.deps.Sender.Send(callCtx, c)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		s.log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		}
	}
	return maxAttempts, lastErr
}

func (s *Service) finish(ctx context.Context, res Result) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.appendHistory(res)
	s.deps.Metrics.RecordDispatch(ctx, string(res.Outcome))

	typ := eventbus.DispatchSent
	switch res.Outcome {
	case OutcomeSuppressed:
		typ = eventbus.DispatchSuppressed
	case OutcomeFailed:
		typ = eventbus.DispatchFailed
	case OutcomeDropped:
		typ = eventbus.DispatchDropped
	}
	s.publish(typ, res)

	if res.Outcome == OutcomeFailed || res.Outcome == OutcomeDropped {
		s.log.Warn("notification not delivered",
			logx.String("id", res.Candidate.ID),
			logx.String("session", res.Candidate.SessionID),
			logx.String("outcome", string(res.Outcome)),
			logx.String("err", res.Error),
		)
	}
	if fn := s.deps.OnResult; fn != nil {
		fn(res)
	}
}

func (s *Service) publish(typ string, res Result) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: res.At, Data: res})
}

// Snapshot returns the recent results, oldest first.
func (s *Service) Snapshot() []Result {
	s.hmu.Lock()
	out := append([]Result(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(res Result) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, res)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
