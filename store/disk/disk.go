// Package disk implements store.Store on the local filesystem, one file per
// key. Several processes may share a directory; each keeps a read memo that
// is invalidated through fsnotify when another writer touches a file.
package disk

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/dblive/internal/loggingutil"
	"pkt.systems/dblive/internal/svcfields"
	"pkt.systems/dblive/store"
	"pkt.systems/pslog"
)

const itemSuffix = ".item"

// Config captures the tunables for the disk store.
type Config struct {
	// Root is the cache directory. Required.
	Root string
	// Watch enables the fsnotify-backed read memo.
	Watch  bool
	Logger pslog.Base
}

// Store implements store.Store backed by the local filesystem.
type Store struct {
	root   string
	tmpDir string
	logger pslog.Base

	mu   sync.Mutex
	memo map[string]string
	gen  uint64

	watcher     *fsnotify.Watcher
	watchMode   string
	watchReason string
	stop        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

var _ store.Store = (*Store)(nil)

// New prepares cfg.Root and returns a store rooted there.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	tmpDir := filepath.Join(root, "tmp")
	for _, dir := range []string{root, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s := &Store{
		root:        root,
		tmpDir:      tmpDir,
		logger:      loggingutil.Subsystem(cfg.Logger, svcfields.SysStore, "disk"),
		watchMode:   "none",
		watchReason: "config_disabled",
	}
	if cfg.Watch {
		if err := s.startWatch(); err != nil {
			s.watchReason = "watch_failed"
			s.logger.Warn("store.disk.watch.unavailable", "root", root, "error", err)
		}
	}
	return s, nil
}

// WatchStatus reports whether the fsnotify read memo is active.
func (s *Store) WatchStatus() (bool, string, string) {
	return s.watcher != nil, s.watchMode, s.watchReason
}

func (s *Store) startWatch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("disk: create watcher: %w", err)
	}
	if err := watcher.Add(s.root); err != nil {
		watcher.Close()
		return fmt.Errorf("disk: watch directory %q: %w", s.root, err)
	}
	s.watcher = watcher
	s.watchMode = "fsnotify"
	s.watchReason = "filesystem_watch_enabled"
	s.memo = make(map[string]string)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.invalidate(filepath.Base(ev.Name))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			// Events may have been lost; forget everything.
			s.logger.Warn("store.disk.watch.error", "error", err)
			s.mu.Lock()
			s.memo = make(map[string]string)
			s.gen++
			s.mu.Unlock()
		}
	}
}

func (s *Store) invalidate(name string) {
	if !strings.HasSuffix(name, itemSuffix) {
		return
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, itemSuffix))
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.memo, key)
	s.gen++
	s.mu.Unlock()
}

// Close stops the watcher.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.watcher == nil {
			return
		}
		close(s.stop)
		err = s.watcher.Close()
		<-s.done
	})
	return err
}

func (s *Store) itemPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: key required")
	}
	encoded := url.PathEscape(key)
	if strings.Contains(encoded, "..") {
		encoded = strings.ReplaceAll(encoded, ".", "%2E")
	}
	return filepath.Join(s.root, encoded+itemSuffix), nil
}

// GetItem implements store.Store.
func (s *Store) GetItem(key string) (string, bool) {
	s.mu.Lock()
	if s.memo != nil {
		if v, ok := s.memo[key]; ok {
			s.mu.Unlock()
			return v, true
		}
	}
	gen := s.gen
	s.mu.Unlock()

	p, err := s.itemPath(key)
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("store.disk.read.error", "key", key, "error", err)
		}
		return "", false
	}
	v := string(data)
	s.mu.Lock()
	// An invalidation during the read may mean data is already stale.
	if s.memo != nil && s.gen == gen {
		s.memo[key] = v
	}
	s.mu.Unlock()
	return v, true
}

// SetItem implements store.Store. The file is replaced atomically.
func (s *Store) SetItem(key, value string) error {
	p, err := s.itemPath(key)
	if err != nil {
		return err
	}
	if err := s.writeAtomic(p, []byte(value)); err != nil {
		return fmt.Errorf("disk: write %q: %w", key, err)
	}
	s.mu.Lock()
	if s.memo != nil {
		s.memo[key] = value
	}
	s.mu.Unlock()
	return nil
}

// RemoveItem implements store.Store.
func (s *Store) RemoveItem(key string) error {
	p, err := s.itemPath(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.memo != nil {
		delete(s.memo, key)
	}
	s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove %q: %w", key, err)
	}
	return nil
}

// Clear implements store.Store.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("disk: list %q: %w", s.root, err)
	}
	s.mu.Lock()
	if s.memo != nil {
		s.memo = make(map[string]string)
	}
	s.mu.Unlock()
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), itemSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) writeAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "dblive-item-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
