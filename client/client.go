package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/internal/clock"
	"pkt.systems/dblive/internal/content"
	"pkt.systems/dblive/internal/correlation"
	"pkt.systems/dblive/internal/eventbus"
	"pkt.systems/dblive/internal/loggingutil"
	"pkt.systems/dblive/internal/rest"
	"pkt.systems/dblive/internal/socket"
	"pkt.systems/dblive/internal/svcfields"
	"pkt.systems/dblive/internal/uuidv7"
	"pkt.systems/dblive/store"
	"pkt.systems/pslog"
)

// Events published on the client bus.
const (
	EventConnect           = "connect"
	EventError             = socket.EventError
	EventSocketConnected   = socket.EventSocketConnected
	EventSocketReconnected = socket.EventSocketReconnected
	EventReset             = socket.EventReset
)

// KeyEvent returns the bus event carrying server pushes for key. Handlers
// receive a *api.KeyEvent.
func KeyEvent(key string) string {
	return socket.KeyEventName(key)
}

// Status is the connection state of a Client.
type Status int

const (
	StatusNotConnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusNotConnected:
		return "not-connected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// EventHandler receives bus payloads.
type EventHandler func(data any)

// Client is a DBLive session: one REST handshake, one socket per redundant
// endpoint, a content cache and the key watchers created on demand.
type Client struct {
	appKey         string
	id             string
	apiURL         string
	insecure       bool
	httpClient     *http.Client
	httpTimeout    time.Duration
	socketTimeout  time.Duration
	connectTimeout time.Duration
	pingInterval   time.Duration
	backoff        socket.Backoff
	clock          clock.Clock
	dialer         socket.Dialer
	store          store.Store
	logger         pslog.Base
	baseLogger     pslog.Base
	tracer         trace.Tracer
	bus            *eventbus.Bus
	svc            *services

	connects singleflight.Group

	mu       sync.Mutex
	status   Status
	disposed bool
	gen      uint64
	session  *rest.Session
	rest     *rest.Client
	manager  *socket.Manager
	cache    *content.Cache
	keys     map[string]*Key
	carried  map[string][]*Listener
	busSubs  []string
}

// New returns a client for appKey. It does not connect; every operation
// connects on demand.
func New(appKey string, opts ...Option) (*Client, error) {
	if appKey == "" {
		return nil, errors.New("dblive: app key required")
	}
	c := &Client{
		appKey:         appKey,
		id:             uuidv7.NewString(),
		apiURL:         DefaultAPIURL,
		httpTimeout:    DefaultHTTPTimeout,
		socketTimeout:  DefaultSocketTimeout,
		connectTimeout: DefaultConnectTimeout,
		backoff:        socket.DefaultBackoff(),
		logger:         loggingutil.NoopBase(),
		tracer:         otel.Tracer("pkt.systems/dblive/client"),
		keys:           make(map[string]*Key),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.store == nil {
		c.store = store.NewMemory()
	}
	c.clock = clock.Default(c.clock)
	c.bus = eventbus.New(c.logger)
	c.svc = &services{
		bus:      c.bus,
		clientID: c.id,
		logger:   c.logger,
		content:  c.currentCache,
		sockets:  c.currentManager,
	}
	c.busSubs = append(c.busSubs,
		c.bus.On(EventError, func(data any) {
			c.logger.Debug("client.event.error", "error", data)
		}),
	)
	return c, nil
}

// ID returns the identity attached to this client's writes.
func (c *Client) ID() string {
	return c.id
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// On registers h for event and returns the subscription id.
func (c *Client) On(event string, h EventHandler) string {
	return c.bus.On(event, eventbus.Handler(h))
}

// Once registers h for the next emission of event.
func (c *Client) Once(event string, h EventHandler) string {
	return c.bus.Once(event, eventbus.Handler(h))
}

// Off removes a subscription created by On or Once.
func (c *Client) Off(id string) {
	c.bus.Off(id)
}

func (c *Client) currentCache() *content.Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache
}

func (c *Client) currentManager() *socket.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manager
}

func (c *Client) kv(ctx context.Context, keyvals []any) []any {
	if cid := correlation.ID(ctx); cid != "" {
		return append(keyvals, "cid", cid)
	}
	return keyvals
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Debug(msg, c.kv(ctx, keyvals)...)
}

func (c *Client) logInfoCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Info(msg, c.kv(ctx, keyvals)...)
}

func (c *Client) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Warn(msg, c.kv(ctx, keyvals)...)
}

func (c *Client) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = correlation.Ensure(ctx)
	ctx, span := c.tracer.Start(ctx, "dblive.client."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("dblive.operation", op),
		attribute.String("dblive.correlation_id", correlation.ID(ctx)),
	)
	if key != "" {
		span.SetAttributes(attribute.String("dblive.key", key))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Connect establishes the session. It returns immediately when connected and
// joins the attempt in flight when connecting.
func (c *Client) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	c.mu.Unlock()

	detached := context.WithoutCancel(correlation.Ensure(ctx))
	ch := c.connects.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, c.connect(detached, gen)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connect(ctx context.Context, gen uint64) (err error) {
	ctx, span := c.startSpan(ctx, "connect", "")
	defer func() { endSpan(span, err) }()
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.gen != gen {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.mu.Unlock()
	c.logInfoCtx(ctx, "client.connect.start", "api", c.apiURL)

	restClient, session, manager, cache, err := c.handshake(ctx, gen)
	if err != nil {
		return c.connectFailed(ctx, gen, err)
	}
	if err := manager.WaitConnected(ctx); err != nil {
		_ = manager.Close()
		return c.connectFailed(ctx, gen, fmt.Errorf("dblive: connect sockets: %w", err))
	}

	c.mu.Lock()
	if c.disposed || c.gen != gen {
		c.mu.Unlock()
		_ = manager.Close()
		if c.disposed {
			return ErrDisposed
		}
		return ErrNotConnected
	}
	c.rest = restClient
	c.session = session
	c.manager = manager
	c.cache = cache
	c.status = StatusConnected
	carried := c.carried
	c.carried = nil
	for name, listeners := range carried {
		if _, ok := c.keys[name]; !ok {
			c.keys[name] = newKey(name, c.svc, listeners)
		}
	}
	c.mu.Unlock()

	span.SetAttributes(
		attribute.Int("dblive.sockets", len(session.Endpoints)),
		attribute.String("dblive.transport", string(session.PreferredTransport)),
	)
	c.logInfoCtx(ctx, "client.connect.success",
		"sockets", len(session.Endpoints),
		"transport", string(session.PreferredTransport),
		"restored_keys", len(carried),
	)
	c.bus.Emit(EventConnect, nil)
	return nil
}

func (c *Client) handshake(ctx context.Context, gen uint64) (*rest.Client, *rest.Session, *socket.Manager, *content.Cache, error) {
	restClient, err := rest.New(rest.Config{
		APIURL:     c.apiURL,
		AppKey:     c.appKey,
		Insecure:   c.insecure,
		HTTPClient: c.httpClient,
		Timeout:    c.httpTimeout,
		Logger:     c.baseLogger,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	session, err := restClient.Init(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	manager, err := socket.NewManager(socket.ManagerConfig{
		URLs:         session.Endpoints,
		AppKey:       c.appKey,
		Header:       session.Header(),
		Emitter:      &sessionEmitter{client: c, gen: gen},
		Timeout:      c.socketTimeout,
		Dialer:       c.dialer,
		Logger:       loggingutil.Subsystem(c.baseLogger, svcfields.SysSocket),
		Clock:        c.clock,
		Backoff:      c.backoff,
		PingInterval: c.pingInterval,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cache, err := content.New(content.Config{
		AppKey:  c.appKey,
		Store:   c.store,
		Sockets: manager,
		REST:    restClient,
		Session: session,
		Logger:  c.baseLogger,
	})
	if err != nil {
		_ = manager.Close()
		return nil, nil, nil, nil, err
	}
	return restClient, session, manager, cache, nil
}

func (c *Client) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Client) connectFailed(ctx context.Context, gen uint64, err error) error {
	c.mu.Lock()
	if c.gen == gen && c.status == StatusConnecting {
		c.status = StatusNotConnected
	}
	c.mu.Unlock()
	c.logWarnCtx(ctx, "client.connect.failed", "error", err)
	c.bus.Emit(EventError, err)
	return err
}

// sessionEmitter forwards socket events to the bus while its session is
// current, so sockets of a replaced session cannot reach new watchers.
type sessionEmitter struct {
	client *Client
	gen    uint64
}

func (e *sessionEmitter) Emit(event string, data any) {
	c := e.client
	if c.generation() != e.gen {
		return
	}
	if event == EventReset {
		c.logger.Info("client.reset.requested")
		go func() {
			if err := c.reset(context.Background(), e.gen); err != nil && !errors.Is(err, ErrDisposed) {
				c.logger.Warn("client.reset.failed", "error", err)
			}
		}()
	}
	c.bus.Emit(event, data)
}

func (c *Client) ensureConnected(ctx context.Context) (*content.Cache, *socket.Manager, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, nil, ErrDisposed
	}
	if c.cache == nil || c.manager == nil {
		return nil, nil, ErrNotConnected
	}
	return c.cache, c.manager, nil
}

// Key returns the watcher for key, creating it on first use.
func (c *Client) Key(ctx context.Context, key string) (*Key, error) {
	if key == "" {
		return nil, errors.New("dblive: key required")
	}
	if _, _, err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, ErrDisposed
	}
	k, ok := c.keys[key]
	if !ok {
		k = newKey(key, c.svc, nil)
		c.keys[key] = k
	}
	return k, nil
}

func (c *Client) existingKey(key string) *Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[key]
}

// Get returns the value of key. It reports false when the key has no value
// or cannot be read.
func (c *Client) Get(ctx context.Context, key string, opts ...GetOption) (Value, bool) {
	ctx, span := c.startSpan(ctx, "get", key)
	o := applyGetOptions(opts)
	if o.VersionID != "" {
		cache, _, err := c.ensureConnected(ctx)
		if err != nil {
			endSpan(span, err)
			return Value{}, false
		}
		e, ok, err := cache.Get(ctx, key, o.VersionID)
		if err != nil {
			c.logDebugCtx(ctx, "client.get.failed", "key", key, "version", o.VersionID, "error", err)
			endSpan(span, err)
			return Value{}, false
		}
		span.SetAttributes(attribute.Bool("dblive.found", ok))
		endSpan(span, nil)
		return valueFromEntry(e), ok
	}
	k, err := c.Key(ctx, key)
	if err != nil {
		c.logDebugCtx(ctx, "client.get.failed", "key", key, "error", err)
		endSpan(span, err)
		return Value{}, false
	}
	v, ok := k.Get(ctx, opts...)
	span.SetAttributes(attribute.Bool("dblive.found", ok))
	endSpan(span, nil)
	return v, ok
}

// GetJSON reads key and unmarshals it into out regardless of its content
// type. It reports false when the key has no value or does not parse.
func (c *Client) GetJSON(ctx context.Context, key string, out any, opts ...GetOption) bool {
	v, ok := c.Get(ctx, key, opts...)
	if !ok {
		return false
	}
	if err := v.Unmarshal(out); err != nil {
		c.logWarnCtx(ctx, "client.get_json.decode_failed", "key", key, "error", err)
		return false
	}
	return true
}

// GetAndListen reads key and registers handler for its changes.
func (c *Client) GetAndListen(ctx context.Context, key string, handler ChangeHandler) (Value, bool, *Listener, error) {
	k, err := c.Key(ctx, key)
	if err != nil {
		return Value{}, false, nil, err
	}
	l := k.OnChanged(handler)
	v, ok := k.Get(ctx)
	return v, ok, l, nil
}

// GetJSONAndListen reads key as JSON and registers handler for its changes.
// Values that do not parse are delivered as (nil, false).
func (c *Client) GetJSONAndListen(ctx context.Context, key string, handler JSONHandler) (any, bool, *Listener, error) {
	k, err := c.Key(ctx, key)
	if err != nil {
		return nil, false, nil, err
	}
	decode := func(v Value, present bool) (any, bool) {
		if !present {
			return nil, false
		}
		var out any
		if err := v.Unmarshal(&out); err != nil {
			c.logger.Warn("client.get_json.decode_failed", "key", key, "error", err)
			return nil, false
		}
		return out, true
	}
	l := k.OnChanged(func(ch Change) {
		if handler != nil {
			handler(decode(ch.Value, ch.Present))
		}
	})
	v, ok := k.Get(ctx)
	out, ok := decode(v, ok)
	return out, ok, l, nil
}

// Set writes value to key. Strings are stored as text/plain; []byte and
// json.RawMessage are stored verbatim as JSON; anything else is JSON encoded.
// The boolean reports whether the server confirmed the write. Errors are
// reserved for connect failures, cancelled contexts and unencodable values.
func (c *Client) Set(ctx context.Context, key string, value any, opts ...SetOption) (confirmed bool, err error) {
	ctx, span := c.startSpan(ctx, "set", key)
	defer func() {
		span.SetAttributes(attribute.Bool("dblive.confirmed", confirmed))
		endSpan(span, err)
	}()
	raw, contentType, setOpts, err := prepareWrite(value, c.id, opts)
	if err != nil {
		return false, err
	}
	cache, _, err := c.ensureConnected(ctx)
	if err != nil {
		return false, err
	}
	if k := c.existingKey(key); k != nil {
		confirmed = k.set(ctx, raw, contentType, setOpts)
	} else {
		confirmed = cache.Set(ctx, key, raw, contentType, setOpts)
	}
	if err := ctx.Err(); err != nil && !confirmed {
		return false, err
	}
	if confirmed {
		c.logDebugCtx(ctx, "client.set.confirmed", "key", key, "content_type", contentType, "locked", setOpts.LockID != "")
	} else {
		c.logWarnCtx(ctx, "client.set.unconfirmed", "key", key)
	}
	return confirmed, nil
}

// Lock acquires the server lock on key.
func (c *Client) Lock(ctx context.Context, key string, opts ...LockOption) (lock *Lock, err error) {
	ctx, span := c.startSpan(ctx, "lock", key)
	defer func() { endSpan(span, err) }()
	_, manager, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	o := applyLockOptions(opts)
	ack, err := manager.Lock(ctx, api.LockRequest{Key: key, Timeout: o.Timeout.Milliseconds()})
	if err != nil {
		return nil, fmt.Errorf("dblive: lock %q: %w", key, err)
	}
	if ack.LockID == "" {
		c.logWarnCtx(ctx, "client.lock.not_granted", "key", key)
		return nil, ErrLockNotGranted
	}
	c.logDebugCtx(ctx, "client.lock.acquired", "key", key, "lock_id", ack.LockID)
	return newLock(key, ack.LockID, func(ctx context.Context) error {
		res, err := manager.Unlock(ctx, api.UnlockRequest{Key: key, LockID: ack.LockID})
		if err != nil {
			return fmt.Errorf("dblive: unlock %q: %w", key, err)
		}
		if !res.Success {
			c.logWarnCtx(ctx, "client.unlock.rejected", "key", key, "lock_id", ack.LockID)
		}
		return nil
	}), nil
}

// LockAndSetFunc computes the next value from the current one. Returning a
// nil value aborts the write.
type LockAndSetFunc func(ctx context.Context, current Value, exists bool) (any, error)

// LockAndSet locks key, reads its current value from the server, writes the
// value fn returns under the lock and releases the lock on every path,
// including a panicking fn.
func (c *Client) LockAndSet(ctx context.Context, key string, fn LockAndSetFunc, opts ...SetOption) (confirmed bool, err error) {
	if fn == nil {
		return false, errors.New("dblive: lock and set requires a function")
	}
	ctx, span := c.startSpan(ctx, "lock_and_set", key)
	defer func() {
		span.SetAttributes(attribute.Bool("dblive.confirmed", confirmed))
		endSpan(span, err)
	}()
	lock, err := c.Lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer func() {
		if uerr := lock.Close(); uerr != nil {
			c.logWarnCtx(ctx, "client.lock_and_set.release_failed", "key", key, "error", uerr)
		}
	}()

	cache, _, err := c.ensureConnected(ctx)
	if err != nil {
		return false, err
	}
	e, exists, err := cache.Get(ctx, key, "")
	if err != nil {
		// fn only runs against a value the server confirmed.
		c.logWarnCtx(ctx, "client.lock_and_set.read_failed", "key", key, "error", err)
		return false, nil
	}
	next, err := fn(ctx, valueFromEntry(e), exists)
	if err != nil {
		return false, err
	}
	if next == nil {
		c.logWarnCtx(ctx, "client.lock_and_set.no_value", "key", key)
		return false, nil
	}
	return c.Set(ctx, key, next, append(append([]SetOption(nil), opts...), WithLockID(lock.ID()))...)
}

// Reset drops the session and every key watcher and reconnects in the
// background. Listeners that are still open move to the watchers of the new
// session. The server triggers it with a reset push.
func (c *Client) Reset(ctx context.Context) error {
	return c.reset(ctx, c.generation())
}

// reset replaces session gen. Every socket of a session may deliver the
// same reset push; only the first one reaching a current session acts.
func (c *Client) reset(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	manager := c.manager
	keys := c.keys
	c.keys = make(map[string]*Key)
	c.manager, c.cache, c.session, c.rest = nil, nil, nil, nil
	c.status = StatusNotConnected
	c.gen++
	c.mu.Unlock()

	carried := make(map[string][]*Listener)
	for name, k := range keys {
		if open := k.close(); len(open) > 0 {
			carried[name] = open
		}
	}
	c.mu.Lock()
	if len(carried) > 0 {
		if c.carried == nil {
			c.carried = make(map[string][]*Listener)
		}
		for name, ls := range carried {
			c.carried[name] = append(c.carried[name], ls...)
		}
	}
	c.mu.Unlock()
	if manager != nil {
		if err := manager.Close(); err != nil {
			c.logDebugCtx(ctx, "client.reset.close_failed", "error", err)
		}
	}
	c.logInfoCtx(ctx, "client.reset", "keys", len(keys))

	go func() {
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("client.reset.reconnect_failed", "error", err)
		}
	}()
	return nil
}

// Dispose closes every socket and key watcher. It is terminal and
// idempotent; other operations return ErrDisposed afterwards.
func (c *Client) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	manager := c.manager
	keys := c.keys
	c.keys = make(map[string]*Key)
	c.carried = nil
	c.manager, c.cache, c.session, c.rest = nil, nil, nil, nil
	c.status = StatusNotConnected
	c.gen++
	subs := c.busSubs
	c.busSubs = nil
	c.mu.Unlock()

	for _, k := range keys {
		for _, l := range k.close() {
			l.Close()
		}
	}
	for _, id := range subs {
		c.bus.Off(id)
	}
	var err error
	if manager != nil {
		err = manager.Close()
	}
	c.logger.Info("client.disposed", "keys", len(keys))
	return err
}
