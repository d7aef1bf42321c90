package client

import (
	"slices"
	"sync"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/internal/uuidv7"
)

type listenerOwner interface {
	listenerChanged(l *Listener)
}

// Listener is a change subscription on one key. A key stays watched on the
// server while at least one of its listeners is listening.
type Listener struct {
	id      string
	action  string
	handler ChangeHandler

	mu        sync.Mutex
	listening bool
	closed    bool
	owner     listenerOwner
	callbacks []func(bool)
}

func newListener(handler ChangeHandler) *Listener {
	return &Listener{
		id:        uuidv7.NewString(),
		action:    api.ActionChanged,
		handler:   handler,
		listening: true,
	}
}

// ID returns the listener id.
func (l *Listener) ID() string {
	return l.id
}

// Listening reports whether the listener receives notifications.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening && !l.closed
}

// SetListening pauses or resumes delivery. Pausing the last listening
// listener of a key stops the server-side watch; resuming restarts it.
func (l *Listener) SetListening(listening bool) {
	l.mu.Lock()
	if l.closed || l.listening == listening {
		l.mu.Unlock()
		return
	}
	l.listening = listening
	owner := l.owner
	callbacks := slices.Clone(l.callbacks)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(listening)
	}
	if owner != nil {
		owner.listenerChanged(l)
	}
}

// OnListeningChanged registers fn to run after every listening transition.
func (l *Listener) OnListeningChanged(fn func(listening bool)) *Listener {
	if fn == nil {
		return l
	}
	l.mu.Lock()
	l.callbacks = append(l.callbacks, fn)
	l.mu.Unlock()
	return l
}

// Close stops delivery permanently and detaches the listener from its key.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	wasListening := l.listening
	l.listening = false
	l.closed = true
	owner := l.owner
	callbacks := slices.Clone(l.callbacks)
	l.mu.Unlock()

	if wasListening {
		for _, cb := range callbacks {
			cb(false)
		}
	}
	if owner != nil {
		owner.listenerChanged(l)
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) setOwner(owner listenerOwner) {
	l.mu.Lock()
	l.owner = owner
	l.mu.Unlock()
}

func (l *Listener) deliver(ch Change) {
	if l.handler == nil || !l.Listening() {
		return
	}
	l.handler(ch)
}
