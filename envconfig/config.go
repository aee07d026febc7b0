// Package envconfig reads runtime configuration from VDNN_* environment
// variables. Accessors are closures so values are re-read at call time.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/vdnn/vdnn/logutil"
)

// Var reads an environment variable with surrounding quotes and spaces
// stripped.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

func String(k string) func() string {
	return func() string {
		return Var(k)
	}
}

func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

func Int(key string, defaultValue int) func() int {
	return func() int {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseInt(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return int(n)
			}
		}
		return defaultValue
	}
}

// LogLevel returns the slog level selected by VDNN_DEBUG. "1"/"true" enables
// debug, 2 or higher enables trace.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("VDNN_DEBUG"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			switch {
			case n == 1:
				level = slog.LevelDebug
			case n > 1:
				level = logutil.LevelTrace
			}
		} else if b, err := strconv.ParseBool(s); err == nil && b {
			level = slog.LevelDebug
		}
	}
	return level
}

var (
	// DeviceMemory overrides the detected device memory capacity (bytes).
	DeviceMemory = Uint64("VDNN_DEVICE_MEMORY", 0)

	// PoolOverhead reserves extra pool capacity beyond the planned peak
	// (bytes).
	PoolOverhead = Uint64("VDNN_POOL_OVERHEAD", 0)

	// TransferWorkers bounds the number of concurrently outstanding
	// offload/prefetch completion workers.
	TransferWorkers = Int("VDNN_TRANSFER_WORKERS", 8)

	// MetricsAddr is the optional listen address for the prometheus endpoint.
	MetricsAddr = String("VDNN_METRICS_ADDR")
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"VDNN_DEBUG":            {"VDNN_DEBUG", LogLevel(), "Show additional debug information (VDNN_DEBUG=1, VDNN_DEBUG=2 for trace)"},
		"VDNN_DEVICE_MEMORY":    {"VDNN_DEVICE_MEMORY", DeviceMemory(), "Override detected device memory capacity (bytes)"},
		"VDNN_POOL_OVERHEAD":    {"VDNN_POOL_OVERHEAD", PoolOverhead(), "Reserve extra pool capacity beyond the planned peak (bytes)"},
		"VDNN_TRANSFER_WORKERS": {"VDNN_TRANSFER_WORKERS", TransferWorkers(), "Maximum concurrent transfer completion workers"},
		"VDNN_METRICS_ADDR":     {"VDNN_METRICS_ADDR", MetricsAddr(), "Listen address for the prometheus metrics endpoint"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
