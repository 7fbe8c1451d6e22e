// Package util provides small helpers shared across FunnelPipe components:
// environment parsing and identifier generation.
package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// BoolEnv reads a boolean environment variable, falling back to def when the
// variable is unset, empty, or unparseable. Beyond strconv.ParseBool's forms
// it accepts yes/no and on/off in any case.
func BoolEnv(key string, def bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def
	}
	v := strings.ToLower(strings.TrimSpace(raw))
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	switch v {
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	slog.Warn("BoolEnv: unparseable value, using default", "key", key, "value", raw, "default", def)
	return def
}
