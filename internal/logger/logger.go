// Package logger wraps zerolog with the key-value call style used across the module.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance wrapper.
var Log *Logger

// Logger is a thin key-value facade over zerolog.
type Logger struct {
	z zerolog.Logger
}

// once tracks advisory keys already emitted by WarnOnce.
var once sync.Map

func init() {
	Log = &Logger{z: newZerolog(os.Stderr, "console")}
}

func newZerolog(w io.Writer, format string) zerolog.Logger {
	if strings.ToLower(format) == "json" {
		return zerolog.New(w).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// Setup configures the global logger level ("debug", "info", "warn", "error")
// and format ("console" or "json").
func Setup(level string, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level string, format string) {
	var logLevel zerolog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		logLevel = zerolog.DebugLevel
	case "WARN":
		logLevel = zerolog.WarnLevel
	case "ERROR":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	Log = &Logger{z: newZerolog(w, format)}
}

// Info logs at Info level with variadic key-value pairs.
func (l *Logger) Info(msg string, args ...interface{}) {
	e := l.z.Info()
	addFields(e, args...)
	e.Msg(msg)
}

// Debug logs at Debug level with variadic key-value pairs.
func (l *Logger) Debug(msg string, args ...interface{}) {
	e := l.z.Debug()
	addFields(e, args...)
	e.Msg(msg)
}

// Warn logs at Warn level with variadic key-value pairs.
func (l *Logger) Warn(msg string, args ...interface{}) {
	e := l.z.Warn()
	addFields(e, args...)
	e.Msg(msg)
}

// Error logs at Error level with variadic key-value pairs.
func (l *Logger) Error(msg string, args ...interface{}) {
	e := l.z.Error()
	addFields(e, args...)
	e.Msg(msg)
}

// WarnOnce logs msg at Warn level the first time key is seen in this process
// and reports whether it did. Later calls with the same key are dropped.
func WarnOnce(key, msg string, args ...interface{}) bool {
	if _, seen := once.LoadOrStore(key, struct{}{}); seen {
		return false
	}
	Log.Warn(msg, append([]interface{}{"advisory", key}, args...)...)
	return true
}

// ResetOnce forgets every WarnOnce key. Intended for tests.
func ResetOnce() {
	once.Range(func(k, _ any) bool {
		once.Delete(k)
		return true
	})
}

// addFields adds variadic key-value pairs to the event.
func addFields(e *zerolog.Event, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		e.Interface(key, args[i+1])
	}
}
