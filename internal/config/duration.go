package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration parses a config duration such as "250ms" or "1m30s". Blank or
// zero values yield def; field names the key in error messages.
func Duration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration", field, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", field, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
