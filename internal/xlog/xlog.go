// Package xlog carries the structured logger type the engine uses,
// mirroring the one logger instance the teacher threads through its
// store. Package store is its only user: it logs store lifecycle events.
package xlog

import "go.uber.org/zap"

// Logger is the shared structured logger type used across the engine.
type Logger = *zap.Logger

// Nop returns a logger that discards everything, the default when a
// caller does not supply one.
func Nop() Logger { return zap.NewNop() }

// Default builds a development-friendly logger for callers that did not
// configure one explicitly.
func Default() Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
