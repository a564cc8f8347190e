// Package observability provides structured logging helpers for torii.
//
// It wraps zerolog with trace ID propagation and secret redaction so that
// every log line emitted while handling a transaction carries the trace
// context, the way maunium.net/go/mautrix's own appservice implementation
// and nethesis/matrix2acrobits build their request logging.
package observability

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/bdobrica/torii/common/redact"
	"github.com/bdobrica/torii/common/trace"
)

// Setup configures the global zerolog logger according to level and format
// ("json" for machine-readable output, anything else for a human-readable
// console writer).
func Setup(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var writer zerolog.ConsoleWriter
	if format == "json" {
		logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
		zerolog.DefaultContextLogger = &logger
		return logger
	}

	writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(writer).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	return logger
}

// WithTrace returns a child logger that always includes the trace_id from
// ctx, returning base unchanged when ctx carries none.
func WithTrace(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return base
	}
	return base.With().Str("trace_id", traceID).Logger()
}

// RedactSecrets replaces known-sensitive values in a log message with
// "[REDACTED]" before it is written — used when a log line must include
// homeserver response bodies or registration tokens.
func RedactSecrets(msg string, sensitiveValues ...string) string {
	return redact.String(msg, sensitiveValues...)
}
