package disk

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newStore(t *testing.T, root string, watch bool) *Store {
	t.Helper()
	s, err := New(Config{Root: root, Watch: watch})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDiskRoundTrip(t *testing.T) {
	s := newStore(t, t.TempDir(), false)
	if _, ok := s.GetItem("app/key"); ok {
		t.Fatalf("empty store returned a value")
	}
	if err := s.SetItem("app/key", `{"value":"1"}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok := s.GetItem("app/key")
	if !ok || v != `{"value":"1"}` {
		t.Fatalf("get: %q %v", v, ok)
	}
	if err := s.RemoveItem("app/key"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveItem("app/key"); err != nil {
		t.Fatalf("remove absent: %v", err)
	}
	if _, ok := s.GetItem("app/key"); ok {
		t.Fatalf("value survived remove")
	}
}

func TestDiskKeysStayInsideRoot(t *testing.T) {
	root := t.TempDir()
	s := newStore(t, root, false)
	if err := s.SetItem("../escape", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape.item")); err == nil {
		t.Fatalf("key escaped the root directory")
	}
	if v, ok := s.GetItem("../escape"); !ok || v != "x" {
		t.Fatalf("get: %q %v", v, ok)
	}
	if err := s.SetItem("", "x"); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestDiskClear(t *testing.T) {
	s := newStore(t, t.TempDir(), false)
	for _, k := range []string{"a", "b", "c"} {
		if err := s.SetItem(k, k); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if _, ok := s.GetItem(k); ok {
			t.Fatalf("%s survived clear", k)
		}
	}
}

func TestDiskPersistsAcrossInstances(t *testing.T) {
	root := t.TempDir()
	a := newStore(t, root, false)
	if err := a.SetItem("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	b := newStore(t, root, false)
	if v, ok := b.GetItem("k"); !ok || v != "v" {
		t.Fatalf("second instance read %q %v", v, ok)
	}
}

func TestDiskWatchInvalidatesMemo(t *testing.T) {
	root := t.TempDir()
	writer := newStore(t, root, false)
	reader := newStore(t, root, true)
	if enabled, mode, _ := reader.WatchStatus(); !enabled || mode != "fsnotify" {
		t.Skipf("filesystem watch unavailable: %s", mode)
	}

	if err := writer.SetItem("k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if v, ok := reader.GetItem("k"); ok && v == "v1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reader never observed v1")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := writer.SetItem("k", "v2"); err != nil {
		t.Fatalf("set: %v", err)
	}
	for {
		if v, _ := reader.GetItem("k"); v == "v2" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("reader memo was not invalidated")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
