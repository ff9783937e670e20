package dispatch

import (
	"context"
	"time"

	"notigate/internal/event"
	"notigate/internal/gate"
	"notigate/internal/quiethours"
	"notigate/internal/ratelimit"
)

type FailMode string

const (
	FailClosed FailMode = "closed"
	FailOpen   FailMode = "open"
)

// Config controls the pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	HistorySize   int
	FailMode      FailMode
	// StoreTimeout bounds each gate decision (0 = caller context only).
	StoreTimeout time.Duration
}

// Candidate is a notification the classifier wants delivered.
type Candidate struct {
	ID        string         `json:"id,omitempty"`
	SessionID string         `json:"session_id"`
	Event     event.Type     `json:"event,omitempty"`
	Severity  event.Severity `json:"severity,omitempty"`
	Title     string         `json:"title,omitempty"`
	Body      string         `json:"body,omitempty"`
	// At is the evaluation time; zero means now.
	At time.Time `json:"at,omitempty"`
}

type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
	OutcomeDropped    Outcome = "dropped"
)

// Result is what happened to one candidate.
type Result struct {
	Candidate Candidate      `json:"candidate"`
	Outcome   Outcome        `json:"outcome"`
	Decision  *gate.Decision `json:"decision,omitempty"`
	// FailedOpen is set when the store was unavailable and the candidate was sent anyway.
	FailedOpen bool      `json:"failed_open,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Sender delivers an allowed notification. Delivery transport lives outside notigate.
type Sender interface {
	Send(ctx context.Context, c Candidate) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, c Candidate) error

func (f SenderFunc) Send(ctx context.Context, c Candidate) error { return f(ctx, c) }

// PrefsSource resolves a session's preferences.
type PrefsSource interface {
	Prefs(sessionID string) (ratelimit.Prefs, quiethours.Prefs)
}

// Decider is satisfied by *gate.Gate.
type Decider interface {
	Decide(ctx context.Context, c gate.Candidate) (gate.Decision, error)
}

var _ Decider = (*gate.Gate)(nil)
