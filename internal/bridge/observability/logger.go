// Package observability configures the process-wide structured logger and
// carries the trace/redaction helpers every log site shares.
package observability

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/oculairmedia/letta-matrix-bridge/common/redact"
	"github.com/oculairmedia/letta-matrix-bridge/common/trace"
)

// Setup installs the default slog logger.  level is one of debug, info,
// warn, error; format is "text" or "json".  Unknown values fall back to
// info/text rather than failing start-up.
func Setup(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTrace returns a logger that always includes the trace_id from ctx, so
// every line emitted while handling one event or one provisioning pass can be
// correlated.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}

// RedactSecrets replaces known-sensitive values in msg with "[REDACTED]".
// Call with the message text and the secrets to strip out before the text
// reaches a log line or a Matrix room.
func RedactSecrets(msg string, sensitiveValues ...string) string {
	return redact.String(msg, sensitiveValues...)
}
