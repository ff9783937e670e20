package config

import (
	"sync/atomic"

	"notigate/internal/quiethours"
	"notigate/internal/ratelimit"
)

// Built-in caps used when the config has no defaults.rate_limit section.
const (
	DefaultMaxPerMinute = 10
	DefaultMaxPerHour   = 60
)

// Resolver answers per-session preferences from the defaults and devices
// sections. Update swaps the whole table atomically on reload.
type Resolver struct {
	table atomic.Pointer[prefsTable]
}

type prefsTable struct {
	rate    ratelimit.Prefs
	quiet   quiethours.Prefs
	devices map[string]DevicePrefs
}

func NewResolver(cfg *Config) *Resolver {
	r := &Resolver{}
	r.Update(cfg)
	return r
}

func (r *Resolver) Update(cfg *Config) {
	t := &prefsTable{
		rate:    ratelimit.Prefs{MaxPerMinute: DefaultMaxPerMinute, MaxPerHour: DefaultMaxPerHour},
		devices: map[string]DevicePrefs{},
	}
	if cfg != nil {
		if rl := cfg.Defaults.RateLimit; rl != nil {
			t.rate = rl.toPrefs()
		}
		if qh := cfg.Defaults.QuietHours; qh != nil {
			t.quiet = qh.toPrefs()
		}
		for id, d := range cfg.Devices {
			t.devices[id] = d
		}
	}
	r.table.Store(t)
}

// Prefs returns the effective preferences for a session. Unknown sessions get the defaults.
func (r *Resolver) Prefs(sessionID string) (ratelimit.Prefs, quiethours.Prefs) {
	t := r.table.Load()
	if t == nil {
		return ratelimit.Prefs{MaxPerMinute: DefaultMaxPerMinute, MaxPerHour: DefaultMaxPerHour}, quiethours.Prefs{}
	}
	rate, quiet := t.rate, t.quiet
	if d, ok := t.devices[sessionID]; ok {
		if d.RateLimit != nil {
			rate = d.RateLimit.toPrefs()
		}
		if d.QuietHours != nil {
			quiet = d.QuietHours.toPrefs()
		}
	}
	return rate, quiet
}

func (p RateLimitPrefs) toPrefs() ratelimit.Prefs {
	return ratelimit.Prefs{MaxPerMinute: p.MaxPerMinute, MaxPerHour: p.MaxPerHour}
}

func (p QuietHoursPrefs) toPrefs() quiethours.Prefs {
	return quiethours.Prefs{
		Enabled:          p.Enabled,
		Start:            p.Start,
		End:              p.End,
		Timezone:         p.Timezone,
		OverrideCritical: p.OverrideCritical,
	}
}
