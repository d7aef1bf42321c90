package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("DBLIVE_TEST_DIR", "/srv/dblive")
	cases := map[string]string{
		"":                        "",
		"~":                       home,
		"~/cache":                 filepath.Join(home, "cache"),
		"$DBLIVE_TEST_DIR/cache":  "/srv/dblive/cache",
		"${DBLIVE_TEST_DIR}/conf": "/srv/dblive/conf",
		"relative/dir":            "relative/dir",
		"~other/dir":              "~other/dir",
	}
	for in, want := range cases {
		got, err := Expand(in)
		if err != nil {
			t.Fatalf("expand %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("expand %q = %q, want %q", in, got, want)
		}
	}
}

func TestAbs(t *testing.T) {
	got, err := Abs("relative")
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path, got %q", got)
	}
	if got, err := Abs(""); err != nil || got != "" {
		t.Fatalf("abs empty = %q, %v", got, err)
	}
}
