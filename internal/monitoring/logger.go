// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var debugEnabled atomic.Bool

// Debugf logs only when the debug level is enabled.
func Debugf(format string, v ...interface{}) {
	if debugEnabled.Load() {
		Logf(format, v...)
	}
}

// SetLevel configures verbosity from a flag value. "debug" enables Debugf,
// "info" (the default) disables it.
func SetLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug":
		debugEnabled.Store(true)
	case "", "info":
		debugEnabled.Store(false)
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	return nil
}
