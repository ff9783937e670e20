package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notigate/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// fields for logging. Secrets (redis password, ops token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Store: compare with the password reduced to "set or not".
	oStore, nStore := redactStore(oldCfg.Store), redactStore(newCfg.Store)
	if !reflect.DeepEqual(oStore, nStore) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.String("store.redis_addr", strings.TrimSpace(newCfg.Store.Redis.Addr)),
			logx.Bool("store.sqlite_path_set", strings.TrimSpace(newCfg.Store.SQLite.Path) != ""),
			logx.String("store.sweep", strings.TrimSpace(newCfg.Store.Sweep)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Defaults, newCfg.Defaults) {
		changed = append(changed, "defaults")
		rate, quiet := NewResolver(newCfg).Prefs("")
		attrs = append(attrs,
			logx.Int64("defaults.max_per_minute", rate.MaxPerMinute),
			logx.Int64("defaults.max_per_hour", rate.MaxPerHour),
			logx.Bool("defaults.quiet_hours", quiet.Enabled),
		)
	}

	if devs := diffDevices(oldCfg.Devices, newCfg.Devices); len(devs) > 0 {
		changed = append(changed, "devices")
		attrs = append(attrs,
			logx.Int("devices.changed_count", len(devs)),
			logx.Int("devices.count", len(newCfg.Devices)),
		)
	}

	// A nil dispatch section means runtime defaults; compare presence too.
	if (oldCfg.Dispatch == nil) != (newCfg.Dispatch == nil) ||
		(oldCfg.Dispatch != nil && !reflect.DeepEqual(*oldCfg.Dispatch, *newCfg.Dispatch)) {
		changed = append(changed, "dispatch")
		if d := newCfg.Dispatch; d != nil {
			attrs = append(attrs,
				logx.Bool("dispatch.enabled", d.Enabled),
				logx.Int("dispatch.workers", d.Workers),
				logx.Int("dispatch.queue_size", d.QueueSize),
				logx.Int("dispatch.rate_per_sec", d.RatePerSec),
				logx.String("dispatch.fail_mode", d.FailMode),
			)
		}
	}

	oOps, nOps := oldCfg.Ops, newCfg.Ops
	oTok, nTok := strings.TrimSpace(oOps.Token) != "", strings.TrimSpace(nOps.Token) != ""
	oOps.Token, nOps.Token = "", ""
	if oTok != nTok || !reflect.DeepEqual(oOps, nOps) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", nTok),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func redactStore(s StoreConfig) StoreConfig {
	if s.Redis.Password != "" {
		s.Redis.Password = "set"
	}
	return s
}

func diffDevices(oldM, newM map[string]DevicePrefs) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
