package main

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/dblive/client"
)

func TestRendererInlineDiffWithoutColor(t *testing.T) {
	var buf bytes.Buffer
	r := newChangeRenderer(&buf, true, false)
	r.render(client.Change{
		Key:         "k",
		Action:      "changed",
		Value:       client.Value{Raw: "hello dog"},
		Present:     true,
		Previous:    client.Value{Raw: "hello cat"},
		HadPrevious: true,
	})
	if got, want := buf.String(), "k changed: hello [-cat-]{+dog+}\n"; got != want {
		t.Fatalf("render = %q, want %q", got, want)
	}
}

func TestRendererPlainAndDeleted(t *testing.T) {
	var buf bytes.Buffer
	r := newChangeRenderer(&buf, false, false)
	r.render(client.Change{Key: "k", Action: "changed", Value: client.Value{Raw: "v"}, Present: true, Local: true})
	r.render(client.Change{Key: "k", Action: "deleted", Previous: client.Value{Raw: "v"}, HadPrevious: true})
	want := "k changed (local): v\nk deleted\n"
	if buf.String() != want {
		t.Fatalf("render = %q, want %q", buf.String(), want)
	}
}

func TestRendererColored(t *testing.T) {
	var buf bytes.Buffer
	r := newChangeRenderer(&buf, true, true)
	r.render(client.Change{
		Key:         "k",
		Action:      "changed",
		Value:       client.Value{Raw: "b"},
		Present:     true,
		Previous:    client.Value{Raw: "a"},
		HadPrevious: true,
	})
	out := buf.String()
	if !strings.Contains(out, "\x1b[") {
		t.Fatalf("expected ANSI escapes in %q", out)
	}
	if strings.Contains(out, "{+") || strings.Contains(out, "[-") {
		t.Fatalf("expected no plain markers in %q", out)
	}
}

func TestUseColor(t *testing.T) {
	var buf bytes.Buffer
	if on, err := useColor("auto", &buf); err != nil || on {
		t.Fatalf("auto on buffer = %v, %v", on, err)
	}
	if on, err := useColor("always", &buf); err != nil || !on {
		t.Fatalf("always = %v, %v", on, err)
	}
	if on, err := useColor("never", &buf); err != nil || on {
		t.Fatalf("never = %v, %v", on, err)
	}
	if _, err := useColor("rainbow", &buf); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestParseOutputMode(t *testing.T) {
	for in, want := range map[string]outputMode{"": outputText, "TEXT": outputText, "json": outputJSON, " yaml ": outputYAML} {
		got, err := parseOutputMode(in)
		if err != nil || got != want {
			t.Fatalf("parseOutputMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := parseOutputMode("xml"); err == nil {
		t.Fatal("expected error for xml")
	}
}
