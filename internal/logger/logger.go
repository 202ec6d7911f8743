package logger

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	slogmulti "github.com/samber/slog-multi"
	slogsentry "github.com/samber/slog-sentry/v2"
)

// Log is the global logger instance
var Log *slog.Logger

// Init initializes the global logger based on environment
// Development: Text format with Debug level
// Production: JSON format with Info level
// level overrides the environment default when set.
// Optionally sends errors to Sentry for error tracking
func Init(isDev bool, level, sentryDSN string) {
	var handlers []slog.Handler

	lvl := slog.LevelInfo
	if isDev {
		lvl = slog.LevelDebug
	}
	if level != "" {
		lvl = ParseLevel(level, lvl)
	}

	// Base handler for stdout (always enabled)
	if isDev {
		handlers = append(handlers, slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: lvl,
		}))
	} else {
		handlers = append(handlers, slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: lvl,
		}))
	}

	// Optional Sentry handler (sends errors only)
	if sentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			TracesSampleRate: 1.0,
		})
		if err == nil {
			handlers = append(handlers, slogsentry.Option{
				Level: slog.LevelError,
			}.NewSentryHandler())
		}
	}

	var handler slog.Handler
	if len(handlers) > 1 {
		handler = slogmulti.Fanout(handlers...)
	} else {
		handler = handlers[0]
	}

	Log = slog.New(handler)
	slog.SetDefault(Log)
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string, def slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return def
}

// Flush waits for buffered Sentry events before exit.
func Flush() {
	sentry.Flush(2 * time.Second)
}
