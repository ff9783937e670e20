package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`

	// Defaults apply to every session; Devices override them per session id.
	Defaults DevicePrefs            `json:"defaults"`
	Devices  map[string]DevicePrefs `json:"devices,omitempty"`

	Dispatch *DispatchConfig `json:"dispatch,omitempty"`
	Ops      OpsConfig       `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the shared window store.
//
// Example:
//
//	"store": { "driver": "redis", "redis": { "addr": "127.0.0.1:6379" } }
type StoreConfig struct {
	Driver string            `json:"driver"` // redis | sqlite | memory
	Redis  RedisStoreConfig  `json:"redis,omitempty"`
	SQLite SQLiteStoreConfig `json:"sqlite,omitempty"`

	// Sweep is the janitor schedule for drivers without native expiry
	// (cron syntax or "@every 5m").
	Sweep string `json:"sweep,omitempty"`
	// OpTimeout bounds each store round trip made by the dispatch pipeline (Go duration).
	OpTimeout string `json:"op_timeout,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

type RedisStoreConfig struct {
	Addr     string `json:"addr,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	PoolSize int    `json:"pool_size,omitempty"`

	DialTimeout  string `json:"dial_timeout,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type SQLiteStoreConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DevicePrefs is a (possibly partial) preference set. In Devices, nil sections
// inherit from Defaults.
type DevicePrefs struct {
	RateLimit  *RateLimitPrefs  `json:"rate_limit,omitempty"`
	QuietHours *QuietHoursPrefs `json:"quiet_hours,omitempty"`
}

type RateLimitPrefs struct {
	MaxPerMinute int64 `json:"max_per_minute"`
	MaxPerHour   int64 `json:"max_per_hour"`
}

type QuietHoursPrefs struct {
	Enabled          bool   `json:"enabled"`
	Start            string `json:"start,omitempty"`
	End              string `json:"end,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	OverrideCritical bool   `json:"override_critical,omitempty"`
}

// UnmarshalJSON rejects unknown keys inside device entries as well.
func (d *DevicePrefs) UnmarshalJSON(b []byte) error {
	type tmp struct {
		RateLimit  *RateLimitPrefs  `json:"rate_limit,omitempty"`
		QuietHours *QuietHoursPrefs `json:"quiet_hours,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*d = DevicePrefs{RateLimit: t.RateLimit, QuietHours: t.QuietHours}
	return nil
}

// DispatchConfig controls the async delivery pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, dispatch defaults to enabled=true.
type DispatchConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	HistorySize   int    `json:"history_size,omitempty"`
	// FailMode decides what happens when the window store is unreachable:
	// "open" delivers anyway, "closed" (default) drops the notification.
	FailMode string `json:"fail_mode,omitempty"`
}

// OpsConfig controls the operational HTTP server (/healthz, /metrics, /debug/pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
