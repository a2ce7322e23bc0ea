package logger

import (
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Package logger wraps zap behind the small surface the rest of the tree
// uses: plain Info/Error plus InfoJ/ErrorJ for structured events. Output
// goes to stderr as JSON so stdout stays free for the address line and the
// benchmark result.

var (
	mu  sync.RWMutex
	log = newZap(zapcore.InfoLevel)
)

func newZap(lvl zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetLevel adjusts the global level ("debug", "info", "error"). Unknown
// levels fall back to info.
func SetLevel(level string) {
	lvl := zapcore.InfoLevel
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	mu.Lock()
	log = newZap(lvl)
	mu.Unlock()
}

// Quiet silences all output; used by tests.
func Quiet() {
	mu.Lock()
	log = zap.NewNop()
	mu.Unlock()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func fieldsOf(kv map[string]any) []zap.Field {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fs := make([]zap.Field, 0, len(kv))
	for _, k := range keys {
		fs = append(fs, zap.Any(k, kv[k]))
	}
	return fs
}

func Debug(msg string) { current().Debug(msg) }
func Info(msg string)  { current().Info(msg) }
func Error(msg string) { current().Error(msg) }

// InfoJ emits a structured event with sorted fields.
func InfoJ(event string, kv map[string]any) { current().Info(event, fieldsOf(kv)...) }

// ErrorJ emits a structured error event with sorted fields.
func ErrorJ(event string, kv map[string]any) { current().Error(event, fieldsOf(kv)...) }

// DebugJ emits a structured debug event with sorted fields.
func DebugJ(event string, kv map[string]any) { current().Debug(event, fieldsOf(kv)...) }
