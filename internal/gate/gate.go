// Package gate decides whether a candidate notification may be delivered now.
//
// Quiet hours are consulted first and never touch shared state. Only candidates
// that pass them reach the rate limiter, which records the send atomically.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"notigate/internal/event"
	"notigate/internal/eventbus"
	"notigate/internal/metrics"
	"notigate/internal/quiethours"
	"notigate/internal/ratelimit"
	logx "notigate/pkg/logx"
)

// Reason explains a denial. Empty when the candidate was allowed.
type Reason string

const (
	ReasonQuietHours  Reason = "quiet_hours"
	ReasonRateLimited Reason = "rate_limited"
)

// Decision is built fresh for every call and never retained by the gate.
type Decision struct {
	Allowed         bool
	Reason          Reason
	RemainingMinute int64
	RemainingHour   int64
	ResetMinuteIn   time.Duration
	ResetHourIn     time.Duration
}

type decisionJSON struct {
	Allowed         bool   `json:"allowed"`
	Reason          Reason `json:"reason,omitempty"`
	RemainingMinute int64  `json:"remainingMinute"`
	RemainingHour   int64  `json:"remainingHour"`
	ResetMinuteIn   int64  `json:"resetMinuteIn"`
	ResetHourIn     int64  `json:"resetHourIn"`
}

// MarshalJSON writes reset times as whole seconds, rounded up.
func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(decisionJSON{
		Allowed:         d.Allowed,
		Reason:          d.Reason,
		RemainingMinute: d.RemainingMinute,
		RemainingHour:   d.RemainingHour,
		ResetMinuteIn:   ceilSeconds(d.ResetMinuteIn),
		ResetHourIn:     ceilSeconds(d.ResetHourIn),
	})
}

func (d *Decision) UnmarshalJSON(b []byte) error {
	var raw decisionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*d = Decision{
		Allowed:         raw.Allowed,
		Reason:          raw.Reason,
		RemainingMinute: raw.RemainingMinute,
		RemainingHour:   raw.RemainingHour,
		ResetMinuteIn:   time.Duration(raw.ResetMinuteIn) * time.Second,
		ResetHourIn:     time.Duration(raw.ResetHourIn) * time.Second,
	}
	return nil
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// Candidate is one notification the caller wants to send.
type Candidate struct {
	SessionID  string
	QuietHours quiethours.Prefs
	RateLimit  ratelimit.Prefs
	// Severity wins over Event when both are set. With neither, low is assumed.
	Severity event.Severity
	Event    event.Type
	// Now defaults to the gate clock.
	Now time.Time
}

func (c Candidate) severity() event.Severity {
	if c.Severity != "" {
		return c.Severity
	}
	if c.Event != "" {
		return event.SeverityFor(c.Event)
	}
	return event.SeverityLow
}

// Limiter is the rate limiting half of the gate.
type Limiter interface {
	CheckAndRecord(ctx context.Context, sessionID string, p ratelimit.Prefs) (ratelimit.Result, error)
	Status(ctx context.Context, sessionID string, p ratelimit.Prefs) (ratelimit.Status, error)
	Reset(ctx context.Context, sessionID string) error
}

// QuietHours is the quiet-hours half of the gate.
type QuietHours interface {
	ShouldSend(p quiethours.Prefs, sev event.Severity, now time.Time) bool
}

var (
	_ Limiter    = (*ratelimit.Limiter)(nil)
	_ QuietHours = (*quiethours.Evaluator)(nil)
)

type Options struct {
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics metrics.Recorder
	Now     func() time.Time
}

// Gate holds no per-call state and is safe for concurrent use.
type Gate struct {
	limiter Limiter
	quiet   QuietHours
	log     logx.Logger
	bus     eventbus.Bus
	metrics metrics.Recorder
	now     func() time.Time
}

// DecisionEvent is the payload of gate.allowed and gate.denied bus events.
type DecisionEvent struct {
	SessionID string         `json:"session_id"`
	Severity  event.Severity `json:"severity"`
	Event     event.Type     `json:"event,omitempty"`
	Decision  Decision       `json:"decision"`
}

func New(l Limiter, q QuietHours, opts Options) (*Gate, error) {
	if l == nil {
		return nil, errors.New("gate: limiter is nil")
	}
	if q == nil {
		return nil, errors.New("gate: quiet hours evaluator is nil")
	}
	g := &Gate{
		limiter: l,
		quiet:   q,
		log:     opts.Log,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	g.log = g.log.With(logx.String("comp", "gate"))
	if g.metrics == nil {
		g.metrics = metrics.Noop{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// Decide returns whether c may be sent now. Store failures are returned as
// errors; the gate never turns them into an allow.
//
// A quiet-hours denial does not depend on the store: if the budget lookup
// fails, Decide returns the denial (without budget) together with the error.
func (g *Gate) Decide(ctx context.Context, c Candidate) (Decision, error) {
	start := time.Now()
	now := c.Now
	if now.IsZero() {
		now = g.now()
	}
	sev := c.severity()

	if !g.quiet.ShouldSend(c.QuietHours, sev, now) {
		st, err := g.limiter.Status(ctx, c.SessionID, c.RateLimit)
		if err != nil {
			g.fail(ctx, "status", c, err)
			return Decision{Allowed: false, Reason: ReasonQuietHours}, err
		}
		d := Decision{
			Allowed:         false,
			Reason:          ReasonQuietHours,
			RemainingMinute: st.RemainingMinute,
			RemainingHour:   st.RemainingHour,
			ResetMinuteIn:   st.ResetMinuteIn,
			ResetHourIn:     st.ResetHourIn,
		}
		g.record(ctx, c, sev, d, start)
		return d, nil
	}

	res, err := g.limiter.CheckAndRecord(ctx, c.SessionID, c.RateLimit)
	if err != nil {
		g.fail(ctx, "check", c, err)
		return Decision{}, err
	}
	d := Decision{
		Allowed:         res.Allowed,
		RemainingMinute: res.RemainingMinute,
		RemainingHour:   res.RemainingHour,
		ResetMinuteIn:   res.ResetMinuteIn,
		ResetHourIn:     res.ResetHourIn,
	}
	if !res.Allowed {
		d.Reason = ReasonRateLimited
	}
	g.record(ctx, c, sev, d, start)
	return d, nil
}

// Status reports the remaining budget without recording a send.
func (g *Gate) Status(ctx context.Context, sessionID string, p ratelimit.Prefs) (ratelimit.Status, error) {
	st, err := g.limiter.Status(ctx, sessionID, p)
	if err != nil {
		g.metrics.RecordStoreError(ctx, "status")
		return ratelimit.Status{}, err
	}
	return st, nil
}

// Reset clears the session's windows. Intended for operators and tests.
func (g *Gate) Reset(ctx context.Context, sessionID string) error {
	if err := g.limiter.Reset(ctx, sessionID); err != nil {
		g.metrics.RecordStoreError(ctx, "reset")
		return err
	}
	g.publish(eventbus.GateReset, map[string]string{"session_id": sessionID})
	return nil
}

func (g *Gate) record(ctx context.Context, c Candidate, sev event.Severity, d Decision, start time.Time) {
	g.metrics.RecordDecision(ctx, d.Allowed, string(d.Reason), time.Since(start))

	typ := eventbus.GateAllowed
	if !d.Allowed {
		typ = eventbus.GateDenied
		if g.log.Enabled(logx.LevelDebug) {
			g.log.Debug("notification denied",
				logx.String("session", c.SessionID),
				logx.String("reason", string(d.Reason)),
				logx.String("severity", string(sev)),
				logx.Int64("remaining_minute", d.RemainingMinute),
				logx.Int64("remaining_hour", d.RemainingHour),
			)
		}
	}
	g.publish(typ, DecisionEvent{SessionID: c.SessionID, Severity: sev, Event: c.Event, Decision: d})
}

func (g *Gate) fail(ctx context.Context, op string, c Candidate, err error) {
	if !errors.Is(err, ratelimit.ErrEmptySession) {
		g.metrics.RecordStoreError(ctx, op)
	}
	g.log.Warn("gate decision failed", logx.String("op", op), logx.String("session", c.SessionID), logx.Err(err))
	g.publish(eventbus.GateError, map[string]string{"session_id": c.SessionID, "op": op, "error": err.Error()})
}

func (g *Gate) publish(typ string, data any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.Event{Type: typ, Time: g.now(), Data: data})
}
