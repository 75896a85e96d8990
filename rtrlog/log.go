// Package rtrlog defines the logging hook threaded through the router's
// components. Standard provides a Logf backed by go.uber.org/zap; callers
// that want another backend supply their own Logf bound to whatever library
// they use, and components that don't care about logging at all can pass
// Discard.
package rtrlog

import (
	"go.uber.org/zap"
)

// Logf logs a formatted message. Implementations must be safe for
// concurrent use, since the ARP cache's tick goroutine and the router's
// ingress path both log independently.
type Logf func(format string, args ...interface{})

// Discard drops every message. Useful in tests and anywhere logging isn't
// wanted.
func Discard(format string, args ...interface{}) {}

// Standard returns a Logf backed by a zap production logger, named with
// prefix. Every call site gets structured, leveled output without
// threading a *zap.SugaredLogger through every constructor.
func Standard(prefix string) Logf {
	zl, err := zap.NewProduction()
	if err != nil {
		zl = zap.NewNop()
	}
	sugar := zl.Named(prefix).Sugar()
	return sugar.Infof
}
