// Package version reports the dblive build version and module path.
package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	modulePath   = "pkt.systems/dblive"
	unknown      = "v0.0.0-unknown"
	agentProduct = "dblive-go"
)

// buildVersion is injected at link time:
//
//	go build -ldflags "-X pkt.systems/dblive/internal/version.buildVersion=v1.2.3"
var buildVersion string

type buildMeta struct {
	version string
	module  string
}

var meta = sync.OnceValue(func() buildMeta {
	m := buildMeta{version: strings.TrimSpace(buildVersion), module: modulePath}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		if m.version == "" {
			m.version = unknown
		}
		return m
	}
	if p := strings.TrimSpace(info.Main.Path); p != "" {
		m.module = p
	}
	if m.version != "" {
		return m
	}
	switch v := strings.TrimSpace(info.Main.Version); {
	case v != "" && v != "(devel)":
		m.version = v
	case vcsVersion(info.Settings) != "":
		m.version = vcsVersion(info.Settings)
	default:
		m.version = unknown
	}
	return m
})

// Current returns the linked version, the module version from build info, or
// a pseudo-version derived from VCS stamps.
func Current() string { return meta().version }

// Module returns the main module path.
func Module() string { return meta().module }

// UserAgent is sent on REST requests and socket dials.
func UserAgent() string { return agentProduct + "/" + Current() }

// vcsVersion builds v0.0.0-<utc timestamp>-<12 char revision>[+dirty] from
// the vcs.* build settings.
func vcsVersion(settings []debug.BuildSetting) string {
	vcs := make(map[string]string, 3)
	for _, s := range settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			vcs[strings.TrimPrefix(s.Key, "vcs.")] = s.Value
		}
	}
	rev, stamp := vcs["revision"], vcs["time"]
	if rev == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	rev = rev[:min(len(rev), 12)]
	out := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + rev
	if vcs["modified"] == "true" {
		out += "+dirty"
	}
	return out
}
