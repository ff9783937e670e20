package app

import (
	"fmt"
	"strings"
	"time"

	"notigate/internal/config"
	"notigate/internal/dispatch"
	"notigate/internal/opsserver"
	"notigate/internal/windowstore"
	logx "notigate/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "INFO", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (windowstore.Config, error) {
	if cfg == nil {
		return windowstore.Config{}, nil
	}
	sc := cfg.Store
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return windowstore.Config{Driver: "memory"}, nil
	case "redis":
		addr := strings.TrimSpace(sc.Redis.Addr)
		if addr == "" {
			return windowstore.Config{}, fmt.Errorf("store.redis.addr is required when store.driver=redis")
		}
		if sc.Redis.DB < 0 {
			return windowstore.Config{}, fmt.Errorf("store.redis.db must be >= 0")
		}
		if sc.Redis.PoolSize < 0 {
			return windowstore.Config{}, fmt.Errorf("store.redis.pool_size must be >= 0")
		}
		dial, err := config.Duration("store.redis.dial_timeout", sc.Redis.DialTimeout, 5*time.Second)
		if err != nil {
			return windowstore.Config{}, err
		}
		read, err := config.Duration("store.redis.read_timeout", sc.Redis.ReadTimeout, 0)
		if err != nil {
			return windowstore.Config{}, err
		}
		write, err := config.Duration("store.redis.write_timeout", sc.Redis.WriteTimeout, 0)
		if err != nil {
			return windowstore.Config{}, err
		}
		return windowstore.Config{Driver: driver, Redis: windowstore.RedisConfig{
			Addr:         addr,
			Username:     sc.Redis.Username,
			Password:     sc.Redis.Password,
			DB:           sc.Redis.DB,
			PoolSize:     sc.Redis.PoolSize,
			DialTimeout:  dial,
			ReadTimeout:  read,
			WriteTimeout: write,
		}}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.SQLite.Path)
		if path == "" {
			return windowstore.Config{}, fmt.Errorf("store.sqlite.path is required when store.driver=sqlite")
		}
		busy, err := config.Duration("store.sqlite.busy_timeout", sc.SQLite.BusyTimeout, 5*time.Second)
		if err != nil {
			return windowstore.Config{}, err
		}
		return windowstore.Config{Driver: "sqlite", SQLite: windowstore.SQLiteConfig{Path: path, BusyTimeout: busy}}, nil
	default:
		return windowstore.Config{}, fmt.Errorf("unknown store.driver: %s", sc.Driver)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	out := dispatch.Config{Enabled: true}
	if cfg == nil {
		return out, nil
	}
	opTimeout, err := config.Duration("store.op_timeout", cfg.Store.OpTimeout, 2*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	out.StoreTimeout = opTimeout

	d := cfg.Dispatch
	if d == nil {
		return out, nil
	}
	base, err := config.Duration("dispatch.retry_base", d.RetryBase, 500*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.Duration("dispatch.retry_max_delay", d.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	if maxDelay < base {
		return dispatch.Config{}, fmt.Errorf("dispatch.retry_max_delay must be >= dispatch.retry_base")
	}
	out.Enabled = d.Enabled
	out.Workers = d.Workers
	out.QueueSize = d.QueueSize
	out.RatePerSec = d.RatePerSec
	out.RetryMax = d.RetryMax
	out.RetryBase = base
	out.RetryMaxDelay = maxDelay
	out.HistorySize = d.HistorySize
	out.FailMode = dispatch.FailMode(strings.ToLower(strings.TrimSpace(d.FailMode)))
	return out, nil
}

func mapOpsConfig(cfg *config.Config) (opsserver.Config, error) {
	if cfg == nil {
		return opsserver.Config{}, nil
	}
	o := cfg.Ops
	read, err := config.Duration("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return opsserver.Config{}, err
	}
	// pprof profile/trace endpoints stream for up to 30s by default.
	write, err := config.Duration("ops.write_timeout", o.WriteTimeout, 60*time.Second)
	if err != nil {
		return opsserver.Config{}, err
	}
	idle, err := config.Duration("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return opsserver.Config{}, err
	}
	return opsserver.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validate is the transactional check run before a config is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}
