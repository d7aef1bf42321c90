package svcfields

import "testing"

func TestSubsystemJoinsParts(t *testing.T) {
	cases := map[string][]string{
		"client.socket": {"client", "socket"},
		"client":        {".client.", "", " "},
		"":              nil,
	}
	for want, parts := range cases {
		if got := Subsystem(parts...); got != want {
			t.Fatalf("Subsystem(%q) = %q, want %q", parts, got, want)
		}
	}
}

func TestWithSubsystemAcceptsNilLogger(t *testing.T) {
	if WithSubsystem(nil, SysCLI) == nil {
		t.Fatal("expected a logger")
	}
}
