// Package observability builds the daemon's structured logger with
// redaction of obvious secrets.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures NewLogger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text".
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer
}

// redactPatterns cover API keys and bearer tokens that may leak into
// log attributes.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_\-]{16,})`),
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9_\-.]{16,}`),
}

// NewLogger builds a slog.Logger from cfg.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	for _, re := range redactPatterns {
		v = re.ReplaceAllString(v, "[REDACTED]")
	}
	return slog.Attr{Key: a.Key, Value: slog.StringValue(v)}
}
