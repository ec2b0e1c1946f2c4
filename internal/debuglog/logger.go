package debuglog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	root    = newLogger(os.Stderr, "", levelFromEnv())
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func levelFromEnv() zerolog.Level {
	if os.Getenv("P2PCHAT_DEBUG") == "1" {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

func newLogger(w io.Writer, format string, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Init replaces the process logger. level accepts zerolog level names;
// format is "json" or "console".
func Init(w io.Writer, level, format string) error {
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil {
			return fmt.Errorf("bad log level %q: %w", level, err)
		}
		lvl = parsed
	}
	if os.Getenv("P2PCHAT_DEBUG") == "1" && lvl > zerolog.DebugLevel {
		lvl = zerolog.DebugLevel
	}
	l := newLogger(w, format, lvl)
	mu.Lock()
	root = l
	mu.Unlock()
	return nil
}

func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// With returns a logger tagged with the component name.
func With(component string) zerolog.Logger {
	l := Logger()
	return l.With().Str("component", component).Logger()
}

func enabled() bool {
	l := Logger()
	return l.GetLevel() <= zerolog.DebugLevel
}

func Logf(format string, args ...any) {
	l := Logger()
	l.Info().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	l := Logger()
	l.Debug().Msgf(format, args...)
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Debugf(format, args...)
}
