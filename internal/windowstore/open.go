package windowstore

import (
	"errors"
	"strings"

	logx "notigate/pkg/logx"
)

// Open initializes the configured driver. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		log.Warn("using in-process window store; counters are not shared across instances")
		return NewMemory(nil), nil
	case "redis":
		return openRedis(cfg.Redis)
	case "sqlite", "sqlite3":
		return OpenSQLite(cfg.SQLite, nil)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
