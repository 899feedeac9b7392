package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

// Configure sets the process-wide level and output format ("console" or "json").
// Loggers created before the call pick up the new settings.
func Configure(level, format string, out io.Writer) {
	if out == nil {
		out = os.Stdout
	}

	var zl zerolog.Logger
	if strings.EqualFold(format, "json") {
		zl = zerolog.New(out)
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}

	mu.Lock()
	base = zl.Level(parseLevel(level)).With().Timestamp().Logger()
	mu.Unlock()
}

// Logger provides structured logging for one component
type Logger struct {
	component string
}

// NewLogger creates a new logger tagged with a component name
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithKV(zerolog.InfoLevel, msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithKV(zerolog.WarnLevel, msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logWithKV(zerolog.ErrorLevel, msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithKV(zerolog.DebugLevel, msg, keysAndValues...)
}

func (l *Logger) logWithKV(level zerolog.Level, msg string, keysAndValues ...interface{}) {
	mu.RLock()
	zl := base
	mu.RUnlock()

	evt := zl.WithLevel(level)
	if evt == nil {
		return
	}
	if l.component != "" {
		evt = evt.Str("component", l.component)
	}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		switch v := keysAndValues[i+1].(type) {
		case error:
			evt = evt.AnErr(key, v)
		case time.Duration:
			evt = evt.Dur(key, v)
		default:
			evt = evt.Interface(key, v)
		}
	}
	evt.Msg(msg)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "silent", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
