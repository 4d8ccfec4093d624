package logging

import (
	"os"
	"sync/atomic"
)

var global atomic.Pointer[Logger]

func init() {
	global.Store(DefaultLogger())
}

// SetGlobal replaces the process logger and returns the previous one. A nil
// logger restores the default.
func SetGlobal(l *Logger) *Logger {
	if l == nil {
		l = DefaultLogger()
	}
	return global.Swap(l)
}

// Global returns the process logger. Components fall back to it when no
// logger is injected.
func Global() *Logger {
	return global.Load()
}

// Configure installs a stderr logger built from configuration values. Debug
// logging adds the caller to every entry.
func Configure(level, format string) *Logger {
	lvl := ParseLevel(level)
	l := New(Config{
		Level:     lvl,
		Format:    ParseFormat(format),
		Output:    os.Stderr,
		AddCaller: lvl == LevelDebug,
	})
	SetGlobal(l)
	return l
}

func Debugf(msg string, fields map[string]any) { Global().Debugf(msg, fields) }
func Infof(msg string, fields map[string]any) { Global().Infof(msg, fields) }
func Warnf(msg string, fields map[string]any) { Global().Warnf(msg, fields) }
func Errorf(msg string, fields map[string]any) { Global().Errorf(msg, fields) }
