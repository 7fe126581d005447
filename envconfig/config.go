package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/jmorganca/ngramidx/logutil"
)

const defaultLogInterval = 10_000_000

var (
	// Set via NGRAMIDX_DEBUG in the environment
	Debug bool
	// Set via NGRAMIDX_DEBUG=2 in the environment
	Trace bool
	// Set via NGRAMIDX_LOG_INTERVAL in the environment
	LogInterval int64
	// Set via NGRAMIDX_NOPROGRESS in the environment
	NoProgress bool
	// Set via NGRAMIDX_TMPDIR in the environment
	TmpDir string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"NGRAMIDX_DEBUG":        {"NGRAMIDX_DEBUG", Debug, "Show additional debug information (e.g. NGRAMIDX_DEBUG=1, 2 for trace)"},
		"NGRAMIDX_LOG_INTERVAL": {"NGRAMIDX_LOG_INTERVAL", LogInterval, "Rows written between progress log lines (default 10000000)"},
		"NGRAMIDX_NOPROGRESS":   {"NGRAMIDX_NOPROGRESS", NoProgress, "Do not render progress on the terminal"},
		"NGRAMIDX_TMPDIR":       {"NGRAMIDX_TMPDIR", TmpDir, "Location for intermediate row files"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug, Trace = false, false
	if debug := clean("NGRAMIDX_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			Debug = n > 0
			Trace = n > 1
		} else if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	LogInterval = defaultLogInterval
	if interval := clean("NGRAMIDX_LOG_INTERVAL"); interval != "" {
		n, err := strconv.ParseInt(interval, 10, 64)
		if err != nil || n <= 0 {
			slog.Error("invalid setting must be greater than zero", "NGRAMIDX_LOG_INTERVAL", interval, "error", err)
		} else {
			LogInterval = n
		}
	}

	NoProgress = clean("NGRAMIDX_NOPROGRESS") != ""

	TmpDir = clean("NGRAMIDX_TMPDIR")
	if TmpDir != "" {
		if fi, err := os.Stat(TmpDir); err != nil || !fi.IsDir() {
			slog.Error("invalid setting, ignoring", "NGRAMIDX_TMPDIR", TmpDir, "error", err)
			TmpDir = ""
		}
	}
}

func LogLevel() slog.Level {
	switch {
	case Trace:
		return logutil.LevelTrace
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
