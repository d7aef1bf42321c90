package client

import (
	"context"
	"sync"
)

// Lock is a server-granted lock on one key. Unlock and Close release it at
// most once; further calls succeed without contacting the server.
type Lock struct {
	key     string
	id      string
	release func(context.Context) error

	once   sync.Once
	mu     sync.Mutex
	locked bool
	err    error
}

func newLock(key, id string, release func(context.Context) error) *Lock {
	return &Lock{key: key, id: id, release: release, locked: true}
}

// Key returns the locked key.
func (l *Lock) Key() string {
	return l.key
}

// ID returns the lock id to pass to writes via WithLockID.
func (l *Lock) ID() string {
	return l.id
}

// IsLocked reports whether the lock has not been released yet.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Unlock releases the lock. Only the first call reaches the server and
// returns its error; the handle counts as released either way.
func (l *Lock) Unlock(ctx context.Context) error {
	first := false
	l.once.Do(func() {
		first = true
		l.mu.Lock()
		l.locked = false
		l.mu.Unlock()
		if l.release != nil {
			l.err = l.release(ctx)
		}
	})
	if !first {
		return nil
	}
	return l.err
}

// Close releases the lock with a bounded background context, for use with
// defer.
func (l *Lock) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultReleaseTimeout)
	defer cancel()
	return l.Unlock(ctx)
}
