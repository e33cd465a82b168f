package logging

import (
	"io"
	"log/slog"
	"os"
)

const previewLength = 6

// New creates a process logger with JSON output for backend services.
func New(level slog.Level) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter creates a JSON logger writing to w.
func NewWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TokenPreview returns a short non-secret prefix of a bearer token.
func TokenPreview(token string) string {
	if token == "" {
		return ""
	}
	runes := []rune(token)
	if len(runes) <= previewLength*2 {
		return "…"
	}
	return string(runes[:previewLength]) + "…"
}
