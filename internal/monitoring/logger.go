// Package monitoring carries the hub's diagnostic surface: a redirectable
// package-level logger shared by the server, telemetry, and mirror packages,
// plus the Prometheus collectors exposed on the debug listener.
package monitoring

import "log"

// Logf emits one diagnostic line. It defaults to log.Printf so hub
// diagnostics land on the daemon's standard logger; tests and embedders
// redirect or silence it through SetLogger.
var Logf = func(format string, v ...interface{}) {
	log.Printf(format, v...)
}

// SetLogger replaces the diagnostic logger. A nil f silences diagnostics.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
