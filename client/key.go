package client

import (
	"context"
	"sync"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/internal/content"
	"pkt.systems/dblive/internal/eventbus"
	"pkt.systems/dblive/internal/socket"
	"pkt.systems/pslog"
)

// maxTrackedVersions bounds the version/value memo used to drop repeated
// pushes of the same version.
const maxTrackedVersions = 256

// services is what a key watcher needs from its client. The accessors return
// the components of the current session, or nil while disconnected.
type services struct {
	bus      *eventbus.Bus
	clientID string
	logger   pslog.Base
	content  func() *content.Cache
	sockets  func() *socket.Manager
}

type keyTaskKind int

const (
	taskEvent keyTaskKind = iota
	taskWatch
	taskUnwatch
	taskResync
)

type keyTask struct {
	kind  keyTaskKind
	event *api.KeyEvent
}

// Key watches one key. It holds the key's value in memory, keeps a
// server-side watch registered while any listener is listening and applies
// pushes in arrival order on its own goroutine.
type Key struct {
	name   string
	svc    *services
	logger pslog.Base

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
	wake   chan struct{}

	mu        sync.Mutex
	value     Value
	present   bool
	listeners []*Listener
	watching  bool
	versions  map[string]string
	queue     []keyTask
	subs      []string
	closed    bool
}

func newKey(name string, svc *services, carried []*Listener) *Key {
	ctx, cancel := context.WithCancel(context.Background())
	k := &Key{
		name:     name,
		svc:      svc,
		logger:   svc.logger,
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		watching: true,
		versions: make(map[string]string),
	}
	if len(carried) > 0 {
		active := false
		for _, l := range carried {
			if l.isClosed() {
				continue
			}
			l.setOwner(k)
			k.listeners = append(k.listeners, l)
			active = active || l.Listening()
		}
		k.watching = active || len(k.listeners) == 0
	}
	k.subs = append(k.subs,
		svc.bus.On(socket.KeyEventName(name), func(data any) {
			if ev, ok := data.(*api.KeyEvent); ok {
				k.enqueue(keyTask{kind: taskEvent, event: ev})
			}
		}),
		svc.bus.On(socket.EventSocketReconnected, func(any) {
			k.enqueue(keyTask{kind: taskResync})
		}),
	)
	go k.run()
	return k
}

// Name returns the watched key.
func (k *Key) Name() string {
	return k.name
}

// Watching reports whether the server-side watch is wanted.
func (k *Key) Watching() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.watching
}

// WaitReady blocks until the watcher loaded, registered and refreshed its
// value.
func (k *Key) WaitReady(ctx context.Context) error {
	select {
	case <-k.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-k.ctx.Done():
		return ErrNotConnected
	}
}

func (k *Key) enqueue(task keyTask) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.queue = append(k.queue, task)
	k.mu.Unlock()
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

func (k *Key) next() (keyTask, bool) {
	for {
		k.mu.Lock()
		if len(k.queue) > 0 {
			task := k.queue[0]
			k.queue[0] = keyTask{}
			k.queue = k.queue[1:]
			k.mu.Unlock()
			return task, true
		}
		k.mu.Unlock()
		select {
		case <-k.wake:
		case <-k.ctx.Done():
			return keyTask{}, false
		}
	}
}

func (k *Key) run() {
	defer close(k.done)
	k.init()
	close(k.ready)
	for {
		task, ok := k.next()
		if !ok {
			return
		}
		if k.ctx.Err() != nil {
			return
		}
		switch task.kind {
		case taskEvent:
			k.handleEvent(task.event)
		case taskWatch:
			k.watch()
			k.refresh()
		case taskUnwatch:
			k.unwatch()
		case taskResync:
			if k.Watching() {
				k.watch()
				k.refresh()
			}
		}
	}
}

func (k *Key) init() {
	if cache := k.svc.content(); cache != nil {
		if e, ok := cache.GetFromCache(k.name); ok {
			k.mu.Lock()
			k.value, k.present = valueFromEntry(e), true
			k.mu.Unlock()
		}
	}
	if k.Watching() {
		k.watch()
	}
	k.refresh()
	k.logger.Debug("client.key.ready", "key", k.name)
}

func (k *Key) opContext() (context.Context, context.CancelFunc) {
	timeout := DefaultSocketTimeout
	if m := k.svc.sockets(); m != nil {
		timeout = m.Timeout()
	}
	return context.WithTimeout(k.ctx, timeout)
}

func (k *Key) watch() {
	m := k.svc.sockets()
	if m == nil {
		return
	}
	ctx, cancel := k.opContext()
	defer cancel()
	if err := m.Watch(ctx, k.name); err != nil {
		k.logger.Warn("client.key.watch_failed", "key", k.name, "error", err)
		return
	}
	k.logger.Trace("client.key.watch", "key", k.name)
}

func (k *Key) unwatch() {
	m := k.svc.sockets()
	if m == nil {
		return
	}
	ctx, cancel := k.opContext()
	defer cancel()
	if err := m.StopWatching(ctx, k.name); err != nil {
		k.logger.Debug("client.key.stop_watching_failed", "key", k.name, "error", err)
		return
	}
	k.logger.Trace("client.key.stop_watching", "key", k.name)
}

func (k *Key) refresh() {
	cache := k.svc.content()
	if cache == nil {
		return
	}
	ctx, cancel := k.opContext()
	defer cancel()
	e, ok, err := cache.Refresh(ctx, k.name)
	if err != nil {
		k.logger.Debug("client.key.refresh_failed", "key", k.name, "error", err)
		return
	}
	k.update(valueFromEntry(e), ok, api.ActionChanged, false, false)
}

// update stores v as the in-memory value and notifies listeners when it
// differs from the previous one, or always when force is set.
func (k *Key) update(v Value, present bool, action string, force, local bool) {
	if !present {
		v = Value{}
	}
	k.mu.Lock()
	prev, had := k.value, k.present
	changed := had != present || (present && (prev.Raw != v.Raw || prev.ContentType != v.ContentType))
	k.value, k.present = v, present
	if !changed && !force {
		k.mu.Unlock()
		return
	}
	listeners := append([]*Listener(nil), k.listeners...)
	k.mu.Unlock()

	k.notify(listeners, Change{
		Key:         k.name,
		Action:      action,
		Value:       v,
		Present:     present,
		Previous:    prev,
		HadPrevious: had,
		Local:       local,
	})
}

func (k *Key) notify(listeners []*Listener, ch Change) {
	for _, l := range listeners {
		if l.action != api.ActionChanged {
			continue
		}
		l.deliver(ch)
	}
}

func (k *Key) handleEvent(ev *api.KeyEvent) {
	if id, _ := ev.CustomArgs[clientIDArg].(string); id != "" && id == k.svc.clientID {
		k.logger.Trace("client.key.self_echo", "key", k.name, "etag", ev.ETag)
		return
	}
	if !k.Watching() {
		k.logger.Trace("client.key.event_dropped", "key", k.name, "action", ev.Action)
		return
	}

	emit := true
	if ev.VersionID != "" {
		k.mu.Lock()
		if seen, ok := k.versions[ev.VersionID]; ok && ev.Value != nil && seen == *ev.Value {
			emit = false
		} else if ev.Value != nil {
			if len(k.versions) >= maxTrackedVersions {
				k.versions = make(map[string]string)
			}
			k.versions[ev.VersionID] = *ev.Value
		} else {
			delete(k.versions, ev.VersionID)
		}
		k.mu.Unlock()
	}

	cache := k.svc.content()
	switch ev.Action {
	case api.ActionChanged:
		if ev.Value == nil {
			k.refresh()
			return
		}
		v := Value{Raw: *ev.Value, ContentType: ev.ContentType, ETag: ev.ETag}
		if v.ContentType == "" {
			v.ContentType = api.ContentTypeText
		}
		if cache != nil {
			cache.Apply(v.entry(k.name))
		}
		if emit && k.confirmed(v) {
			emit = false
		}
		k.update(v, true, api.ActionChanged, emit, false)
	case api.ActionDeleted:
		if cache != nil {
			cache.Delete(k.name)
		}
		k.update(Value{}, false, api.ActionDeleted, emit, false)
	default:
		k.logger.Warn("client.key.unknown_action", "key", k.name, "action", ev.Action)
	}
}

// confirmed reports whether memory already holds v under the same etag.
func (k *Key) confirmed(v Value) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.present && v.ETag != "" && k.value.ETag == v.ETag && k.value.Raw == v.Raw
}

// Get returns the in-memory value once the watcher is ready, or reads from
// the server when BypassCache is set.
func (k *Key) Get(ctx context.Context, opts ...GetOption) (Value, bool) {
	if err := k.WaitReady(ctx); err != nil {
		return Value{}, false
	}
	o := applyGetOptions(opts)
	if o.BypassCache {
		if cache := k.svc.content(); cache != nil {
			e, ok, err := cache.Get(ctx, k.name, "")
			switch {
			case err != nil:
				k.logger.Debug("client.key.get_failed", "key", k.name, "error", err)
				return Value{}, false
			case !ok:
				k.update(Value{}, false, api.ActionDeleted, false, false)
				return Value{}, false
			}
			v := valueFromEntry(e)
			k.update(v, true, api.ActionChanged, false, false)
			return v, true
		}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.value, k.present
}

// OnChanged registers handler for changes of the key.
func (k *Key) OnChanged(handler ChangeHandler) *Listener {
	l := newListener(handler)
	l.setOwner(k)
	k.mu.Lock()
	k.listeners = append(k.listeners, l)
	k.mu.Unlock()
	k.checkListeners()
	return l
}

func (k *Key) listenerChanged(l *Listener) {
	if l.isClosed() {
		k.mu.Lock()
		for i, candidate := range k.listeners {
			if candidate == l {
				k.listeners = append(k.listeners[:i:i], k.listeners[i+1:]...)
				break
			}
		}
		k.mu.Unlock()
	}
	k.checkListeners()
}

func (k *Key) checkListeners() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	active := false
	for _, l := range k.listeners {
		if l.Listening() {
			active = true
			break
		}
	}
	switch {
	case k.watching && !active:
		k.watching = false
		k.queue = append(k.queue, keyTask{kind: taskUnwatch})
	case !k.watching && active:
		k.watching = true
		k.queue = append(k.queue, keyTask{kind: taskWatch})
	default:
		return
	}
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// Set writes value through this watcher. Listeners see the new value before
// the server confirms it; a write the server does not confirm is reverted in
// memory and reported to listeners again.
func (k *Key) Set(ctx context.Context, value any, opts ...SetOption) (bool, error) {
	raw, contentType, setOpts, err := prepareWrite(value, k.svc.clientID, opts)
	if err != nil {
		return false, err
	}
	if err := k.WaitReady(ctx); err != nil {
		return false, err
	}
	return k.set(ctx, raw, contentType, setOpts), nil
}

func (k *Key) set(ctx context.Context, raw, contentType string, opts content.SetOptions) bool {
	if err := k.WaitReady(ctx); err != nil {
		return false
	}
	cache := k.svc.content()
	if cache == nil {
		return false
	}
	written := Value{Raw: raw, ContentType: contentType}
	k.mu.Lock()
	prev, had := k.value, k.present
	k.value, k.present = written, true
	listeners := append([]*Listener(nil), k.listeners...)
	k.mu.Unlock()
	k.notify(listeners, Change{
		Key:         k.name,
		Action:      api.ActionChanged,
		Value:       written,
		Present:     true,
		Previous:    prev,
		HadPrevious: had,
		Local:       true,
	})

	if cache.Set(ctx, k.name, raw, contentType, opts) {
		if e, ok := cache.GetFromCache(k.name); ok && e.Value == raw {
			k.mu.Lock()
			if k.present && k.value == written {
				k.value.ETag = e.ETag
			}
			k.mu.Unlock()
		}
		return true
	}

	k.mu.Lock()
	if !k.present || k.value != written {
		k.mu.Unlock()
		return false
	}
	k.value, k.present = prev, had
	listeners = append([]*Listener(nil), k.listeners...)
	k.mu.Unlock()
	action := api.ActionChanged
	if !had {
		action = api.ActionDeleted
	}
	k.notify(listeners, Change{
		Key:         k.name,
		Action:      action,
		Value:       prev,
		Present:     had,
		Previous:    written,
		HadPrevious: true,
		Local:       true,
	})
	return false
}

// close stops the watcher and returns the listeners that are still open so
// a replacement watcher can adopt them.
func (k *Key) close() []*Listener {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	subs := k.subs
	k.subs = nil
	listeners := append([]*Listener(nil), k.listeners...)
	k.mu.Unlock()

	for _, id := range subs {
		k.svc.bus.Off(id)
	}
	k.cancel()
	open := listeners[:0]
	for _, l := range listeners {
		if !l.isClosed() {
			open = append(open, l)
		}
	}
	return open
}
