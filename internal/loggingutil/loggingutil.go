// Package loggingutil supplies disabled loggers for components constructed
// without one.
package loggingutil

import (
	"context"
	"io"
	"sync"

	"pkt.systems/dblive/internal/svcfields"
	"pkt.systems/pslog"
)

var discard = sync.OnceValue(func() pslog.Logger {
	return pslog.NewWithOptions(context.Background(), io.Discard, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: pslog.Disabled,
	})
})

// NoopLogger discards everything.
func NoopLogger() pslog.Logger { return discard() }

// NoopBase is NoopLogger typed as a pslog.Base.
func NoopBase() pslog.Base { return discard() }

// EnsureBase returns b, or a discarding logger when b is nil.
func EnsureBase(b pslog.Base) pslog.Base {
	if b == nil {
		return discard()
	}
	return b
}

// Subsystem tags b with the dot-joined parts. A Base that cannot carry
// fields is returned as is.
func Subsystem(b pslog.Base, parts ...string) pslog.Base {
	if full, ok := EnsureBase(b).(pslog.Logger); ok {
		return svcfields.WithSubsystem(full, svcfields.Subsystem(parts...))
	}
	return b
}
