package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Discard is the default for components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// RelayRecord is the one structured line written per relayed request.
type RelayRecord struct {
	RequestID     string
	Method        string
	Path          string
	Mode          string
	Status        int
	Captured      int
	Folded        int
	Invocations   int
	BlueScreen    bool
	PanelFailures []string
	StoreErrors   int
	Pruned        int
	Injected      bool
	Duration      time.Duration
}

func LogRelay(ctx context.Context, logger *slog.Logger, rec RelayRecord) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if rec.StoreErrors > 0 || len(rec.PanelFailures) > 0 {
		level = slog.LevelWarn
	}
	logger.LogAttrs(ctx, level, "relay",
		slog.String("request_id", defaultString(rec.RequestID, "none")),
		slog.String("method", rec.Method),
		slog.String("path", rec.Path),
		slog.String("mode", defaultString(rec.Mode, "none")),
		slog.Int("status", rec.Status),
		slog.Int("captured", rec.Captured),
		slog.Int("folded_redirects", rec.Folded),
		slog.Int("invocations", rec.Invocations),
		slog.Bool("bluescreen", rec.BlueScreen),
		slog.Any("panel_failures", rec.PanelFailures),
		slog.Int("store_errors", rec.StoreErrors),
		slog.Int("pruned", rec.Pruned),
		slog.Bool("injected", rec.Injected),
		slog.Int64("duration_ms", rec.Duration.Milliseconds()),
	)
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func RedactHeaderValue(name, value string) string {
	if isSensitiveHeader(name) {
		return "[redacted]"
	}
	return value
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "cookie", "set-cookie", "x-api-key", "proxy-authorization":
		return true
	default:
		return false
	}
}
