package applog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxFileSizeMB = 5
	maxBackups    = 3
	maxValueLen   = 200
	truncSuffix   = "…"
)

var (
	mu     sync.Mutex
	logger *slog.Logger
	closer io.Closer
)

// Init opens the rotating log file in dir. Call once at startup.
// Safe to skip: all log calls become no-ops if not initialized.
func Init(dir string, debug bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "tabgruppen.log"),
		MaxSize:    maxFileSizeMB,
		MaxBackups: maxBackups,
	}
	SetOutput(w, debug)

	mu.Lock()
	closer = w
	mu.Unlock()
	return nil
}

// SetOutput routes log lines to w. Used by Init and by tests.
func SetOutput(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: truncate,
	})

	mu.Lock()
	logger = slog.New(h)
	mu.Unlock()
}

// Close flushes and closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		closer.Close()
		closer = nil
	}
	logger = nil
}

// Info logs a structured event line.
//
//	applog.Info("ws.connected", "remote", addr)
//	applog.Info("apply.done", "window", 10, "group", 3)
func Info(event string, kv ...any) {
	write(slog.LevelInfo, event, nil, kv)
}

// Debug logs an event that is only written in debug mode.
func Debug(event string, kv ...any) {
	write(slog.LevelDebug, event, nil, kv)
}

// Error logs an event with an error.
//
//	applog.Error("tabs.hide", err, "tabs", ids)
func Error(event string, err error, kv ...any) {
	write(slog.LevelError, event, err, kv)
}

func write(level slog.Level, event string, err error, kv []any) {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l == nil {
		return
	}
	if err != nil {
		kv = append([]any{"err", err.Error()}, kv...)
	}
	l.Log(context.Background(), level, event, kv...)
}

func truncate(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	s := a.Value.String()
	if len(s) > maxValueLen {
		a.Value = slog.StringValue(s[:maxValueLen] + truncSuffix)
	}
	return a
}
