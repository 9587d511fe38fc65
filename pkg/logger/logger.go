// Package logger provides the structured, component-tagged logging used
// throughout PocketBrain. It wraps zerolog behind the small call surface
// the rest of the codebase expects: Info/Warn/Error/Debug plus their
// "CF" (component + fields) variants.
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger
)

func init() {
	Configure("console", "info")
}

// Configure (re)initializes the package-level logger. format is "json" or
// "console"; level is any zerolog level name ("debug", "info", "warn",
// "error"). Unknown values fall back to console/info.
func Configure(format, level string) {
	mu.Lock()
	defer mu.Unlock()

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if strings.EqualFold(format, "json") {
		log = zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
		return
	}
	log = zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func withFields(e *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

// Info logs a message with no component tag and no fields.
func Info(msg string) { current().Info().Msg(msg) }

// Warn logs a message with no component tag and no fields.
func Warn(msg string) { current().Warn().Msg(msg) }

// Error logs a message with no component tag and no fields.
func Error(msg string) { current().Error().Msg(msg) }

// Debug logs a message with no component tag and no fields.
func Debug(msg string) { current().Debug().Msg(msg) }

// InfoCF logs an info-level message tagged with a component name and
// structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	withFields(current().Info().Str("component", component), fields).Msg(msg)
}

// WarnCF logs a warn-level message tagged with a component name and
// structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	withFields(current().Warn().Str("component", component), fields).Msg(msg)
}

// ErrorCF logs an error-level message tagged with a component name and
// structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	withFields(current().Error().Str("component", component), fields).Msg(msg)
}

// DebugCF logs a debug-level message tagged with a component name and
// structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	withFields(current().Debug().Str("component", component), fields).Msg(msg)
}
