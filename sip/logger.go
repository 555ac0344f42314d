package sip

import "log/slog"

var defLogger *slog.Logger

// SetDefaultLogger installs the logger used by this package's own
// debug-level tracing. Components above this package carry their own
// *slog.Logger references and do not depend on this default.
func SetDefaultLogger(l *slog.Logger) {
	defLogger = l
}

// DefaultLogger returns the installed logger, falling back to slog.Default.
func DefaultLogger() *slog.Logger {
	if defLogger != nil {
		return defLogger
	}
	return slog.Default()
}
