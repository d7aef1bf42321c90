// Package svcfields holds the shared log field names for dblive subsystems.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags the component that emitted a log entry.
const SubsystemKey = pslog.TrustedString("sys")

const (
	SysClient    = "client.sdk"
	SysSocket    = "client.socket"
	SysContent   = "client.content"
	SysREST      = "client.rest"
	SysStore     = "client.store"
	SysTelemetry = "telemetry"
	SysCLI       = "cli"
)

// Subsystem builds a dotted path such as "client.socket" from parts. Empty
// parts and stray dots are dropped.
func Subsystem(parts ...string) string {
	var b strings.Builder
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

// WithSubsystem returns logger tagged with subsystem. A nil logger becomes a
// no-op logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if subsystem = Subsystem(subsystem); subsystem != "" {
		return logger.With(SubsystemKey, subsystem)
	}
	return logger
}
