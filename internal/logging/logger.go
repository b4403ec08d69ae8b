// Package logging provides structured JSON logging with trace ID and
// component support for the coherence engine.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is the structured logging interface used across the engine
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	DebugContext(ctx context.Context, msg string, fields ...interface{})
	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})

	WithComponent(component string) Logger
}

// Level represents logging levels
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel converts a level name to a Level, defaulting to info
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID attaches a trace ID to the context, minting one if empty
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from the context, if any
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// jsonLogger writes one JSON object per line
type jsonLogger struct {
	level     Level
	component string
	out       io.Writer
	mu        *sync.Mutex
}

// New creates a structured logger writing JSON lines to stderr
func New(level Level) Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a structured logger writing to the given writer
func NewWithWriter(level Level, out io.Writer) Logger {
	return &jsonLogger{level: level, out: out, mu: &sync.Mutex{}}
}

// NewNop returns a logger that discards everything, for tests
func NewNop() Logger {
	return &jsonLogger{level: LevelError + 1, out: io.Discard, mu: &sync.Mutex{}}
}

func (l *jsonLogger) WithComponent(component string) Logger {
	return &jsonLogger{level: l.level, component: component, out: l.out, mu: l.mu}
}

func (l *jsonLogger) Debug(msg string, fields ...interface{}) { l.log(LevelDebug, "", msg, fields) }
func (l *jsonLogger) Info(msg string, fields ...interface{})  { l.log(LevelInfo, "", msg, fields) }
func (l *jsonLogger) Warn(msg string, fields ...interface{})  { l.log(LevelWarn, "", msg, fields) }
func (l *jsonLogger) Error(msg string, fields ...interface{}) { l.log(LevelError, "", msg, fields) }

func (l *jsonLogger) DebugContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(LevelDebug, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(LevelInfo, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(LevelWarn, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(LevelError, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) log(level Level, traceID, msg string, fields []interface{}) {
	if level < l.level {
		return
	}

	// Odd trailing field keeps its value under a positional key
	fieldMap := make(map[string]interface{}, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			fieldMap[fmt.Sprintf("%v", fields[i])] = fields[i+1]
		} else {
			fieldMap[fmt.Sprintf("field_%d", i)] = fields[i]
		}
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     levelName(level),
		Message:   msg,
		TraceID:   traceID,
		Component: l.component,
	}
	if len(fieldMap) > 0 {
		e.Fields = fieldMap
	}

	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}

func levelName(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}
