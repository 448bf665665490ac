// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// NewStdLogger adapts a standard library logger to the Logger interface.
// Debug lines are emitted only when verbose is set.
func NewStdLogger(base *log.Logger, verbose bool) Logger {
	if base == nil {
		base = log.Default()
	}
	return &stdLogger{base: base, verbose: verbose}
}

type stdLogger struct {
	base    *log.Logger
	verbose bool
}

func (l *stdLogger) Debug(msg string, fields ...Field) {
	if !l.verbose {
		return
	}
	l.emit("DEBUG", msg, fields)
}

func (l *stdLogger) Info(msg string, fields ...Field) {
	l.emit("INFO", msg, fields)
}

func (l *stdLogger) Error(msg string, fields ...Field) {
	l.emit("ERROR", msg, fields)
}

func (l *stdLogger) emit(level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.base.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	l.base.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}

// Nop returns a logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}
