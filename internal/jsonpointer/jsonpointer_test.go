package jsonpointer

import (
	"encoding/json"
	"testing"
)

func TestSplit(t *testing.T) {
	parts, err := Split("/a~1b/c~0d/")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []string{"a/b", "c~d", ""}
	if len(parts) != len(want) {
		t.Fatalf("parts = %q", parts)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("parts = %q, want %q", parts, want)
		}
	}
	if parts, err := Split("/"); err != nil || parts != nil {
		t.Fatalf("root = %q, %v", parts, err)
	}
	if _, err := Split("a"); err == nil {
		t.Fatal("expected error for relative pointer")
	}
}

func TestResolve(t *testing.T) {
	var doc any
	if err := json.Unmarshal([]byte(`{"theme":{"colors":["red","green"]},"a/b":1}`), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	cases := map[string]any{
		"/theme/colors/1": "green",
		"/a~1b":           float64(1),
	}
	for path, want := range cases {
		got, err := Resolve(doc, path)
		if err != nil || got != want {
			t.Fatalf("resolve %s = %v, %v", path, got, err)
		}
	}
	if got, err := Resolve(doc, ""); err != nil || got == nil {
		t.Fatalf("root resolve = %v, %v", got, err)
	}
	for _, bad := range []string{"/missing", "/theme/colors/2", "/theme/colors/01", "/a~1b/x"} {
		if _, err := Resolve(doc, bad); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}
