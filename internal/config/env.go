package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "NOTIGATE_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays NOTIGATE_* variables onto cfg. Secrets are usually passed
// this way instead of living in the config file.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil || lookup == nil {
		return nil
	}
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := get("LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := get("STORE_DRIVER"); ok && v != "" {
		cfg.Store.Driver = v
	}
	if v, ok := get("STORE_KEY_PREFIX"); ok && v != "" {
		cfg.Store.KeyPrefix = v
	}
	if v, ok := get("REDIS_ADDR"); ok && v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v, ok := get("REDIS_USERNAME"); ok {
		cfg.Store.Redis.Username = v
	}
	if v, ok := get("REDIS_PASSWORD"); ok {
		cfg.Store.Redis.Password = v
	}
	if v, ok := get("REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sREDIS_DB: %w", EnvPrefix, err)
		}
		cfg.Store.Redis.DB = db
	}
	if v, ok := get("SQLITE_PATH"); ok && v != "" {
		cfg.Store.SQLite.Path = v
	}
	if v, ok := get("OPS_ADDR"); ok && v != "" {
		cfg.Ops.Addr = v
	}
	if v, ok := get("OPS_TOKEN"); ok {
		cfg.Ops.Token = v
	}
	return nil
}
