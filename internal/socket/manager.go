package socket

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/internal/clock"
	"pkt.systems/dblive/internal/loggingutil"
	"pkt.systems/pslog"
)

// DefaultTimeout bounds every manager operation.
const DefaultTimeout = 5 * time.Second

// dedupWindow is how long the delivery counts of a key event are kept after
// its last copy arrived.
const dedupWindow = 2 * time.Second

// endpoint is the per-socket surface the manager races.
type endpoint interface {
	URL() string
	State() State
	Err() error
	Get(ctx context.Context, key string) (api.GetResult, error)
	Put(ctx context.Context, req api.PutRequest) (api.PutAck, error)
	Lock(ctx context.Context, req api.LockRequest) (api.LockAck, error)
	Unlock(ctx context.Context, req api.UnlockRequest) (api.UnlockAck, error)
	Meta(ctx context.Context, key string) (api.MetaAck, error)
	Watch(ctx context.Context, key string) error
	StopWatching(ctx context.Context, key string) error
	Close() error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// URLs lists one websocket endpoint per redundant socket.
	URLs []string
	// AppKey is sent in each socket handshake.
	AppKey string
	// Header is sent with every dial.
	Header http.Header
	// Emitter receives lifecycle signals and de-duplicated key pushes.
	Emitter Emitter
	// Timeout bounds each raced operation. Zero uses DefaultTimeout.
	Timeout time.Duration
	Dialer  Dialer
	Logger  pslog.Base
	Clock   clock.Clock
	Backoff Backoff
	// PingInterval and HandshakeTimeout are passed to each socket.
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
}

// Manager owns one socket per redundant endpoint, fans every operation out
// to all of them and resolves with the first success.
type Manager struct {
	endpoints []endpoint
	timeout   time.Duration
	clock     clock.Clock
	emitter   Emitter
	logger    pslog.Base
	metrics   *socketMetrics

	notify chan struct{}

	seenMu sync.Mutex
	seen   map[uint64]*deliveries

	closeOnce sync.Once
}

// NewManager creates and starts one socket per URL.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("dblive: socket manager requires at least one endpoint")
	}
	if cfg.Emitter == nil {
		return nil, errors.New("dblive: socket manager requires an emitter")
	}
	logger := loggingutil.EnsureBase(cfg.Logger)
	m := newManager(nil, cfg.Timeout, cfg.Clock, cfg.Emitter, logger)
	sockets := make([]*Socket, 0, len(cfg.URLs))
	for i, url := range cfg.URLs {
		sockets = append(sockets, New(Config{
			URL:              url,
			AppKey:           cfg.AppKey,
			Header:           cfg.Header,
			Dialer:           cfg.Dialer,
			Emitter:          m.source(i),
			Logger:           logger,
			Clock:            cfg.Clock,
			Backoff:          cfg.Backoff,
			PingInterval:     cfg.PingInterval,
			HandshakeTimeout: cfg.HandshakeTimeout,
			OnStateChange:    func(*Socket, State) { m.poke() },
			metrics:          m.metrics,
		}))
	}
	for _, s := range sockets {
		m.endpoints = append(m.endpoints, s)
	}
	for _, s := range sockets {
		s.Start()
	}
	return m, nil
}

func newManager(endpoints []endpoint, timeout time.Duration, clk clock.Clock, emitter Emitter, logger pslog.Base) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger = loggingutil.EnsureBase(logger)
	return &Manager{
		endpoints: endpoints,
		timeout:   timeout,
		clock:     clock.Default(clk),
		emitter:   emitter,
		logger:    logger,
		metrics:   newSocketMetrics(logger),
		notify:    make(chan struct{}, 1),
		seen:      make(map[uint64]*deliveries),
	}
}

func (m *Manager) poke() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Timeout returns the per-operation race timeout.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// States returns the current state of every socket in endpoint order.
func (m *Manager) States() []State {
	states := make([]State, len(m.endpoints))
	for i, ep := range m.endpoints {
		states[i] = ep.State()
	}
	return states
}

// Connected reports whether any socket is still alive, i.e. not terminally
// disconnected.
func (m *Manager) Connected() bool {
	for _, ep := range m.endpoints {
		if ep.State() != NotConnected {
			return true
		}
	}
	return false
}

// ErrAllSocketsDown is returned by WaitConnected when every socket ended.
var ErrAllSocketsDown = errors.New("dblive: all sockets disconnected")

// WaitConnected blocks until at least one socket completed its handshake.
// It fails when every socket reached NotConnected.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		alive := false
		var errs []error
		for _, ep := range m.endpoints {
			switch ep.State() {
			case Connected:
				return nil
			case NotConnected:
				if err := ep.Err(); err != nil {
					errs = append(errs, err)
				}
			default:
				alive = true
			}
		}
		if !alive {
			if len(errs) > 0 {
				return fmt.Errorf("%w: %w", ErrAllSocketsDown, errors.Join(errs...))
			}
			return ErrAllSocketsDown
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sourceEmitter tags events with the index of the socket that received them.
type sourceEmitter struct {
	m   *Manager
	src int
}

func (e sourceEmitter) Emit(event string, data any) {
	e.m.relay(e.src, event, data)
}

func (m *Manager) source(i int) Emitter {
	return sourceEmitter{m: m, src: i}
}

// relay forwards an event received by socket src. Every server emission of
// a key event reaches each watching socket once, so a copy is dropped only
// when another socket already delivered at least as many copies of the same
// event as src has now.
func (m *Manager) relay(src int, event string, data any) {
	if ev, ok := data.(*api.KeyEvent); ok && m.duplicate(src, ev) {
		m.metrics.recordDuplicate()
		m.logger.Trace("socket.event.duplicate", "key", ev.Key, "etag", ev.ETag, "socket", src)
		return
	}
	m.emitter.Emit(event, data)
}

// deliveries counts how often each socket delivered one event.
type deliveries struct {
	last  time.Time
	count map[int]int
}

func keyEventFingerprint(ev *api.KeyEvent) uint64 {
	h := fnv.New64a()
	for _, part := range []string{ev.Action, ev.Key, ev.ETag, ev.VersionID} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	if ev.Value != nil {
		_, _ = h.Write([]byte{1})
		_, _ = h.Write([]byte(*ev.Value))
	}
	return h.Sum64()
}

func (m *Manager) duplicate(src int, ev *api.KeyEvent) bool {
	sum := keyEventFingerprint(ev)
	now := m.clock.Now()
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	for k, d := range m.seen {
		if now.Sub(d.last) > dedupWindow {
			delete(m.seen, k)
		}
	}
	d, ok := m.seen[sum]
	if !ok {
		d = &deliveries{count: make(map[int]int, len(m.endpoints))}
		m.seen[sum] = d
	}
	d.last = now
	d.count[src]++
	n := d.count[src]
	for other, c := range d.count {
		if other != src && c >= n {
			return true
		}
	}
	return false
}

// Close closes every socket.
func (m *Manager) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		for _, ep := range m.endpoints {
			if err := ep.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

type raceResult[T any] struct {
	index int
	value T
	err   error
}

// race dispatches fn to every endpoint and resolves with the first success.
// Duplicate-call errors are ignored, the first real error is kept, and the
// race ends early once every endpoint answered. When the timeout fires the
// first error seen is returned, or a synthetic timeout error.
func race[T any](ctx context.Context, m *Manager, op string, fn func(context.Context, endpoint) (T, error)) (T, error) {
	var zero T
	start := m.clock.Now()
	if len(m.endpoints) == 0 {
		return zero, notConnectedError("no sockets")
	}
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult[T], len(m.endpoints))
	for i, ep := range m.endpoints {
		go func(i int, ep endpoint) {
			var res raceResult[T]
			res.index = i
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("socket.race.panic", "op", op, "socket", ep.URL(), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
					res.err = &api.SocketError{ErrorCode: api.ErrCodeSocketException, ErrorDescription: fmt.Sprint(r)}
				}
				results <- res
			}()
			res.value, res.err = fn(raceCtx, ep)
		}(i, ep)
	}

	deadline := m.clock.After(m.timeout)
	var firstErr error
	returned := 0
	for {
		select {
		case res := <-results:
			returned++
			if res.err == nil {
				m.metrics.recordRace(ctx, op, "success", m.clock.Now().Sub(start))
				m.logger.Trace("socket.race.success", "op", op, "socket", res.index, "answered", returned)
				return res.value, nil
			}
			var sockErr *api.SocketError
			if errors.As(res.err, &sockErr) && sockErr.IsDuplicateCall() {
				m.logger.Trace("socket.race.duplicate", "op", op, "socket", res.index)
			} else if firstErr == nil {
				firstErr = res.err
			}
			if returned == len(m.endpoints) {
				if firstErr == nil {
					firstErr = &api.SocketError{
						ErrorCode:        api.ErrCodeDuplicateCall,
						ErrorDescription: "every socket reported a duplicate call",
					}
				}
				m.metrics.recordRace(ctx, op, "error", m.clock.Now().Sub(start))
				m.logger.Debug("socket.race.error", "op", op, "error", firstErr)
				return zero, firstErr
			}
		case <-deadline:
			m.metrics.recordRace(ctx, op, "timeout", m.clock.Now().Sub(start))
			if firstErr != nil {
				m.logger.Debug("socket.race.timeout", "op", op, "error", firstErr)
				return zero, firstErr
			}
			m.logger.Debug("socket.race.timeout", "op", op)
			return zero, &api.SocketError{
				ErrorCode:        api.ErrCodeTimeout,
				ErrorDescription: fmt.Sprintf("no socket returned a response within %d ms", m.timeout.Milliseconds()),
			}
		case <-ctx.Done():
			m.metrics.recordRace(ctx, op, "canceled", m.clock.Now().Sub(start))
			return zero, ctx.Err()
		}
	}
}

// Get reads key from whichever socket answers first.
func (m *Manager) Get(ctx context.Context, key string) (api.GetResult, error) {
	return race(ctx, m, api.EventGet, func(ctx context.Context, ep endpoint) (api.GetResult, error) {
		return ep.Get(ctx, key)
	})
}

// Put writes a value.
func (m *Manager) Put(ctx context.Context, req api.PutRequest) (api.PutAck, error) {
	return race(ctx, m, api.EventPut, func(ctx context.Context, ep endpoint) (api.PutAck, error) {
		return ep.Put(ctx, req)
	})
}

// Lock asks for a lock on key.
func (m *Manager) Lock(ctx context.Context, req api.LockRequest) (api.LockAck, error) {
	return race(ctx, m, api.EventLock, func(ctx context.Context, ep endpoint) (api.LockAck, error) {
		return ep.Lock(ctx, req)
	})
}

// Unlock releases a lock.
func (m *Manager) Unlock(ctx context.Context, req api.UnlockRequest) (api.UnlockAck, error) {
	return race(ctx, m, api.EventUnlock, func(ctx context.Context, ep endpoint) (api.UnlockAck, error) {
		return ep.Unlock(ctx, req)
	})
}

// Meta fetches the current etag of key.
func (m *Manager) Meta(ctx context.Context, key string) (api.MetaAck, error) {
	return race(ctx, m, api.EventMeta, func(ctx context.Context, ep endpoint) (api.MetaAck, error) {
		return ep.Meta(ctx, key)
	})
}

// Watch registers a watch for key.
func (m *Manager) Watch(ctx context.Context, key string) error {
	_, err := race(ctx, m, api.EventWatch, func(ctx context.Context, ep endpoint) (struct{}, error) {
		return struct{}{}, ep.Watch(ctx, key)
	})
	return err
}

// StopWatching removes the watch for key.
func (m *Manager) StopWatching(ctx context.Context, key string) error {
	_, err := race(ctx, m, api.EventStopWatching, func(ctx context.Context, ep endpoint) (struct{}, error) {
		return struct{}{}, ep.StopWatching(ctx, key)
	})
	return err
}
