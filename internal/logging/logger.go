// Package logging provides structured logging with correlation ID propagation.
package logging

import (
	"encoding/json"
	"io"
	"maps"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	// LevelDebug is for detailed debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general information messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the output format for log messages.
type Format int

const (
	// FormatJSON outputs logs as JSON objects.
	FormatJSON Format = iota
	// FormatText outputs logs as human-readable text.
	FormatText
)

// ParseFormat converts a string to a Format. Unknown names map to FormatJSON.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, "text") {
		return FormatText
	}
	return FormatJSON
}

// Entry represents a single log entry.
type Entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Level         string         `json:"level"`
	Component     string         `json:"component,omitempty"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Caller        string         `json:"caller,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Logger provides structured logging with configurable levels and formats.
// Loggers derived with With, WithComponent or WithCorrelationID share the
// output and level of their parent.
type Logger struct {
	core          *core
	component     string
	fields        map[string]any
	correlationID string
}

// core is the state shared by a logger and everything derived from it.
type core struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	format    Format
	addCaller bool
	now       func() time.Time
}

// Config holds configuration for a Logger.
type Config struct {
	Level     Level
	Format    Format
	Output    io.Writer
	AddCaller bool
	// Now stamps entries. Defaults to time.Now; node stores running on a
	// virtual clock pass its Now so log timestamps match revisions.
	Now func() time.Time
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Logger{core: &core{
		out:       out,
		level:     cfg.Level,
		format:    cfg.Format,
		addCaller: cfg.AddCaller,
		now:       now,
	}}
}

// DefaultLogger returns a logger with default settings.
func DefaultLogger() *Logger {
	return New(Config{Level: LevelInfo, Format: FormatJSON, Output: os.Stderr})
}

// SetLevel updates the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.level = level
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	return l.core.level
}

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.GetLevel()
}

// SetFormat updates the output format.
func (l *Logger) SetFormat(format Format) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.format = format
}

func (l *Logger) clone() *Logger {
	c := *l
	return &c
}

// With returns a new Logger with the given fields added.
func (l *Logger) With(fields map[string]any) *Logger {
	c := l.clone()
	c.fields = make(map[string]any, len(l.fields)+len(fields))
	maps.Copy(c.fields, l.fields)
	maps.Copy(c.fields, fields)
	return c
}

// WithComponent returns a new Logger tagging entries with component, such as
// "commit", "gc" or "sweeper".
func (l *Logger) WithComponent(component string) *Logger {
	c := l.clone()
	c.component = component
	return c
}

// WithCorrelationID returns a new Logger with the correlation ID set.
func (l *Logger) WithCorrelationID(id string) *Logger {
	c := l.clone()
	c.correlationID = id
	return c
}

// CorrelationID returns the logger's correlation ID.
func (l *Logger) CorrelationID() string {
	return l.correlationID
}

// Debugf logs a debug message with fields.
func (l *Logger) Debugf(msg string, fields map[string]any) {
	l.log(LevelDebug, msg, fields)
}

// Infof logs an info message with fields.
func (l *Logger) Infof(msg string, fields map[string]any) {
	l.log(LevelInfo, msg, fields)
}

// Warnf logs a warning message with fields.
func (l *Logger) Warnf(msg string, fields map[string]any) {
	l.log(LevelWarn, msg, fields)
}

// Errorf logs an error message with fields.
func (l *Logger) Errorf(msg string, fields map[string]any) {
	l.log(LevelError, msg, fields)
}

func (l *Logger) log(level Level, msg string, extraFields map[string]any) {
	c := l.core
	c.mu.Lock()
	defer c.mu.Unlock()
	if level < c.level {
		return
	}

	entry := Entry{
		Timestamp:     c.now().UTC(),
		Level:         level.String(),
		Component:     l.component,
		Message:       msg,
		CorrelationID: l.correlationID,
	}
	if c.addCaller {
		// log, the level method, then its caller.
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.Caller = shortFile(file) + ":" + strconv.Itoa(line)
		}
	}
	if len(l.fields) > 0 || len(extraFields) > 0 {
		entry.Fields = make(map[string]any, len(l.fields)+len(extraFields))
		maps.Copy(entry.Fields, l.fields)
		maps.Copy(entry.Fields, extraFields)
	}

	var data []byte
	switch c.format {
	case FormatText:
		data = formatText(entry)
	default:
		data, _ = json.Marshal(entry)
		data = append(data, '\n')
	}
	_, _ = c.out.Write(data)
}

// shortFile trims file to its package directory and name.
func shortFile(file string) string {
	if i := strings.LastIndexByte(file, '/'); i > 0 {
		if j := strings.LastIndexByte(file[:i], '/'); j >= 0 {
			return file[j+1:]
		}
	}
	return file
}

// formatText renders e as one line with fields in key order.
func formatText(e Entry) []byte {
	var b strings.Builder
	b.WriteString(e.Timestamp.Format(time.RFC3339Nano))
	b.WriteString(" [")
	b.WriteString(e.Level)
	b.WriteString("] ")
	if e.Component != "" {
		b.WriteString(e.Component)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.CorrelationID != "" {
		b.WriteString(" correlationId=")
		b.WriteString(e.CorrelationID)
	}
	if e.Caller != "" {
		b.WriteString(" caller=")
		b.WriteString(e.Caller)
	}
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		switch v := e.Fields[k].(type) {
		case string:
			if strings.ContainsAny(v, " \t\"=") {
				b.WriteString(strconv.Quote(v))
			} else {
				b.WriteString(v)
			}
		case error:
			b.WriteString(strconv.Quote(v.Error()))
		default:
			data, _ := json.Marshal(v)
			b.Write(data)
		}
	}
	b.WriteByte('\n')
	return []byte(b.String())
}
