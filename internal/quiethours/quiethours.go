// Package quiethours decides whether a notification falls inside a device's
// do-not-disturb window, evaluated in the device's own time zone.
package quiethours

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"notigate/internal/event"
	logx "notigate/pkg/logx"
)

// Prefs is the quiet-hours configuration of one device.
// Start and End are wall-clock times ("HH:MM" or "HH:MM:SS"); both bounds are inclusive.
type Prefs struct {
	Enabled          bool   `json:"enabled"`
	Start            string `json:"start,omitempty"`
	End              string `json:"end,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	OverrideCritical bool   `json:"override_critical"`
}

// Validate reports malformed times or zones. The evaluator itself never fails
// on them; this is for config loaders that want to reject bad input up front.
func (p Prefs) Validate() error {
	if !p.Enabled {
		return nil
	}
	if strings.TrimSpace(p.Start) == "" || strings.TrimSpace(p.End) == "" {
		return fmt.Errorf("start and end are required when quiet hours are enabled")
	}
	if _, err := parseClock(p.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if _, err := parseClock(p.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

type Options struct {
	Log logx.Logger
	// OnFallback is called every time an unknown zone is evaluated as UTC.
	OnFallback func(tz string)
}

// Evaluator is safe for concurrent use. Resolved zones are cached by name.
type Evaluator struct {
	log        logx.Logger
	onFallback func(tz string)
	zones      sync.Map // string -> zoneEntry
}

type zoneEntry struct {
	loc      *time.Location
	fallback bool
}

func New(opts Options) *Evaluator {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Evaluator{log: log.With(logx.String("comp", "quiethours")), onFallback: opts.OnFallback}
}

// IsQuietTime reports whether now falls inside the window.
// Disabled prefs, missing bounds and malformed bounds all read as "not quiet".
func (e *Evaluator) IsQuietTime(p Prefs, now time.Time) bool {
	if !p.Enabled || strings.TrimSpace(p.Start) == "" || strings.TrimSpace(p.End) == "" {
		return false
	}
	start, err := parseClock(p.Start)
	if err != nil {
		e.log.Warn("malformed quiet hours start; treating as disabled", logx.String("start", p.Start), logx.Err(err))
		return false
	}
	end, err := parseClock(p.End)
	if err != nil {
		e.log.Warn("malformed quiet hours end; treating as disabled", logx.String("end", p.End), logx.Err(err))
		return false
	}

	local := now.In(e.location(p.Timezone))
	cur := local.Hour()*60 + local.Minute()

	if start > end {
		// Window crosses midnight.
		return cur >= start || cur <= end
	}
	return cur >= start && cur <= end
}

// ShouldSend reports whether a notification of the given severity may go out.
// Only high severity can bypass quiet hours, and only with OverrideCritical set.
func (e *Evaluator) ShouldSend(p Prefs, sev event.Severity, now time.Time) bool {
	if !e.IsQuietTime(p, now) {
		return true
	}
	return p.OverrideCritical && sev == event.SeverityHigh
}

// ShouldSendEvent is ShouldSend with the severity derived from the event type.
func (e *Evaluator) ShouldSendEvent(p Prefs, ev event.Type, now time.Time) bool {
	return e.ShouldSend(p, event.SeverityFor(ev), now)
}

func (e *Evaluator) location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if v, ok := e.zones.Load(tz); ok {
		ent := v.(zoneEntry)
		if ent.fallback {
			e.fallback(tz)
		}
		return ent.loc
	}

	ent := zoneEntry{}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		ent = zoneEntry{loc: time.UTC, fallback: true}
		// Logged once per zone name; the counter sees every evaluation.
		e.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
	} else {
		ent.loc = loc
	}
	e.zones.Store(tz, ent)
	if ent.fallback {
		e.fallback(tz)
	}
	return ent.loc
}

func (e *Evaluator) fallback(tz string) {
	if e.onFallback != nil {
		e.onFallback(tz)
	}
}

// parseClock turns "HH:MM" or "HH:MM:SS" into minutes since midnight.
// Seconds are validated but do not affect the result.
func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if len(parts) == 3 {
		sec, err := strconv.Atoi(parts[2])
		if err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("invalid second in %q", s)
		}
	}
	return h*60 + m, nil
}
