// Package event defines notification severities and the lifecycle events that
// produce them.
package event

import (
	"fmt"
	"strings"
)

// Severity is the urgency attached to a candidate notification.
type Severity string

const (
	SeverityLow     Severity = "low"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

// Type is a media-server lifecycle event that may turn into a notification.
type Type string

const (
	SessionStarted Type = "session_started"
	SessionStopped Type = "session_stopped"
	ServerDown     Type = "server_down"
	ServerUp       Type = "server_up"
)

// SeverityFor maps a lifecycle event to its fixed severity.
// server_down is the only high-severity event; everything else, including
// event types this package does not know about, is low.
func SeverityFor(t Type) Severity {
	if t == ServerDown {
		return SeverityHigh
	}
	return SeverityLow
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityWarning, SeverityHigh:
		return true
	default:
		return false
	}
}

func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid severity %q (use low, warning or high)", raw)
	}
	return s, nil
}
