// Package logging constructs the zap.Logger the rest of the engine takes as
// an optional dependency, nil-safe the way a missing *zap.Logger elsewhere
// in the module falls back to a no-op.
package logging

import "go.uber.org/zap"

// New builds a production JSON logger. Callers that don't care about logs
// should pass zap.NewNop() (or nil, see NilSafe) instead of this.
func New() (*zap.Logger, error) {
	return zap.NewProduction()
}

// Development builds a console-friendly logger suited to tests and the CLI.
func Development() (*zap.Logger, error) {
	return zap.NewDevelopment()
}

// NilSafe returns l, or a no-op logger if l is nil. The engine runs the
// configured logger through this before handing it to the flusher and
// compactor, which use the logger they are given as is.
func NilSafe(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
