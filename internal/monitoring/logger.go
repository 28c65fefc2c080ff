// Package monitoring is the daemon's diagnostic log.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf receives every diagnostic line. Swap it with SetLogger.
var Logf = log.Printf

var verbose atomic.Bool

// SetLogger installs f as Logf; nil discards output.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
}

// SetDebug turns per-frame logging on or off: pattern searches, discarded
// unverified slots and keepalive timing.
func SetDebug(on bool) { verbose.Store(on) }

func DebugEnabled() bool { return verbose.Load() }

// Debugf logs with a "[debug] " prefix when debug logging is on.
func Debugf(format string, v ...interface{}) {
	if verbose.Load() {
		Logf("[debug] "+format, v...)
	}
}
