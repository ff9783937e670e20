package config

import (
	"fmt"
	"sort"
	"strings"
)

// Validate checks the parts of cfg that do not need a component to interpret:
// preference ranges, quiet-hours windows and enum-like strings. Duration fields
// are checked where they are mapped to component configs.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "", "memory", "redis", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver: unknown driver %q (use redis, sqlite or memory)", cfg.Store.Driver)
	}

	if err := validatePrefs("defaults", cfg.Defaults); err != nil {
		return err
	}
	ids := make([]string, 0, len(cfg.Devices))
	for id := range cfg.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("devices: empty session id")
		}
		if err := validatePrefs("devices."+id, cfg.Devices[id]); err != nil {
			return err
		}
	}

	if d := cfg.Dispatch; d != nil {
		if d.Workers < 0 {
			return fmt.Errorf("dispatch.workers must be >= 0")
		}
		if d.QueueSize < 0 {
			return fmt.Errorf("dispatch.queue_size must be >= 0")
		}
		if d.RatePerSec < 0 {
			return fmt.Errorf("dispatch.rate_per_sec must be >= 0")
		}
		if d.RetryMax < 0 {
			return fmt.Errorf("dispatch.retry_max must be >= 0")
		}
		switch strings.ToLower(strings.TrimSpace(d.FailMode)) {
		case "", "open", "closed":
		default:
			return fmt.Errorf("dispatch.fail_mode: invalid %q (use open or closed)", d.FailMode)
		}
	}
	return nil
}

func validatePrefs(path string, p DevicePrefs) error {
	if p.RateLimit != nil {
		if err := p.RateLimit.toPrefs().Validate(); err != nil {
			return fmt.Errorf("%s.rate_limit: %w", path, err)
		}
	}
	if p.QuietHours != nil {
		// Unknown zones are not rejected here; the evaluator falls back to UTC and reports it.
		qh := p.QuietHours.toPrefs()
		qh.Timezone = ""
		if err := qh.Validate(); err != nil {
			return fmt.Errorf("%s.quiet_hours: %w", path, err)
		}
	}
	return nil
}
