package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/internal/clock"
	"pkt.systems/dblive/internal/loggingutil"
	"pkt.systems/pslog"
)

// Events published through the Emitter.
const (
	EventSocketConnected   = "socket-connected"
	EventSocketReconnected = "socket-reconnected"
	EventError             = "error"
	EventReset             = "reset"
)

// KeyEventName is the emitter event used for pushes concerning key.
func KeyEventName(key string) string {
	return "key:" + key
}

// Emitter receives lifecycle signals and server pushes.
type Emitter interface {
	Emit(event string, data any)
}

// Config configures one Socket.
type Config struct {
	// URL is the websocket endpoint.
	URL string
	// AppKey is sent in the app handshake.
	AppKey string
	// Header is sent with every dial (session cookie, user agent).
	Header http.Header
	// Dialer defaults to WebsocketDialer{}.
	Dialer Dialer
	// Emitter receives lifecycle events and pushes. Required.
	Emitter Emitter
	// Logger defaults to a noop logger.
	Logger pslog.Base
	// Clock drives backoff sleeps. Defaults to the real clock.
	Clock clock.Clock
	// Backoff controls redial delays while reconnecting.
	Backoff Backoff
	// PingInterval is the keepalive period. Zero uses DefaultPingInterval.
	PingInterval time.Duration
	// HandshakeTimeout bounds the app handshake. Zero uses DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// OnStateChange is invoked after every transition, outside the socket lock.
	OnStateChange func(*Socket, State)

	metrics *socketMetrics
}

type ackResult struct {
	data json.RawMessage
	err  error
}

// Socket manages one physical connection to one redundant endpoint.
type Socket struct {
	cfg    Config
	logger pslog.Base

	mu             sync.Mutex
	state          State
	changed        chan struct{}
	conn           Conn
	gen            uint64
	handshakes     int
	forceReconnect bool
	closed         bool
	started        bool
	lastErr        error
	pending        map[string]chan ackResult
	desired        map[string]struct{}
	registered     map[string]uint64

	done    chan struct{}
	stopped chan struct{}
}

// New returns a socket in the NotConnected state. Call Start to connect.
func New(cfg Config) *Socket {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	cfg.Clock = clock.Default(cfg.Clock)
	cfg.Backoff = cfg.Backoff.normalized()
	logger := loggingutil.EnsureBase(cfg.Logger)
	if full, ok := logger.(pslog.Logger); ok {
		logger = full.With("socket", cfg.URL)
	}
	return &Socket{
		cfg:        cfg,
		logger:     logger,
		state:      NotConnected,
		changed:    make(chan struct{}),
		pending:    make(map[string]chan ackResult),
		desired:    make(map[string]struct{}),
		registered: make(map[string]uint64),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// URL returns the endpoint this socket dials.
func (s *Socket) URL() string {
	return s.cfg.URL
}

// State returns the current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that last moved the socket towards NotConnected.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start begins connecting in the background. It is a no-op after the first
// call or after Close.
func (s *Socket) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.setState(Connecting)
	go s.run()
}

// Close terminates the socket. Pending and future calls fail with a
// not-connected error. Close is idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	conn := s.conn
	close(s.done)
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if started {
		<-s.stopped
	}
	s.failPending(notConnectedError("socket closed"))
	s.setState(NotConnected)
	return err
}

func (s *Socket) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.logger.Debug("socket.state", "from", prev.String(), "to", next.String())
	s.cfg.metrics.recordTransition(prev, next)
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(s, next)
	}
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type nextStep int

const (
	stepTerminal nextStep = iota
	stepReconnectNow
	stepBackoff
)

func (s *Socket) run() {
	defer close(s.stopped)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		if s.isClosed() {
			return
		}
		conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.URL, s.cfg.Header)
		if err != nil {
			if s.isClosed() {
				return
			}
			s.logger.Warn("socket.dial.error", "attempt", attempt, "error", err)
			s.setState(Reconnecting)
			if !s.sleep(s.cfg.Backoff.Delay(attempt)) {
				return
			}
			attempt++
			continue
		}

		step := s.serve(ctx, conn)
		switch step {
		case stepTerminal:
			if !s.isClosed() {
				s.setState(NotConnected)
			}
			return
		case stepReconnectNow:
			attempt = 0
			s.setState(Connecting)
		case stepBackoff:
			s.setState(Reconnecting)
			if !s.sleep(s.cfg.Backoff.Delay(attempt)) {
				return
			}
			attempt++
		}
	}
}

func (s *Socket) sleep(d time.Duration) bool {
	select {
	case <-s.cfg.Clock.After(d):
		return true
	case <-s.done:
		return false
	}
}

// serve runs one connection from handshake to disconnect and decides what
// the socket does next.
func (s *Socket) serve(ctx context.Context, conn Conn) nextStep {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return stepTerminal
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	s.forceReconnect = false
	s.mu.Unlock()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(conn)
	}()
	connDone := make(chan struct{})
	defer close(connDone)
	go s.pingLoop(conn, connDone)

	var ack api.AppAck
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	err := s.request(hsCtx, conn, api.EventApp, api.AppRequest{AppKey: s.cfg.AppKey}, &ack)
	cancel()
	if err == nil && ack.Error != nil {
		s.logger.Warn("socket.handshake.rejected", "code", ack.Error.Code, "description", ack.Error.Description)
		s.mu.Lock()
		s.lastErr = ack.Error
		s.mu.Unlock()
		s.cfg.Emitter.Emit(EventError, ack.Error)
		s.teardown(conn, readErr, notConnectedError("handshake rejected"))
		return stepTerminal
	}
	if err != nil {
		s.logger.Warn("socket.handshake.error", "error", err)
		s.teardown(conn, readErr, disconnectedError("handshake failed"))
		if s.isClosed() {
			return stepTerminal
		}
		return stepBackoff
	}

	s.mu.Lock()
	s.handshakes++
	first := s.handshakes == 1
	s.lastErr = nil
	s.mu.Unlock()
	s.setState(Connected)
	s.logger.Info("socket.handshake.ok", "first", first)
	go s.restoreWatches(ctx, conn, gen)
	if first {
		s.cfg.Emitter.Emit(EventSocketConnected, s)
	} else {
		s.cfg.Emitter.Emit(EventSocketReconnected, s)
	}

	err = <-readErr
	s.mu.Lock()
	s.conn = nil
	closed := s.closed
	force := s.forceReconnect
	s.mu.Unlock()
	_ = conn.Close()
	s.failPending(disconnectedError("connection lost"))

	if closed {
		return stepTerminal
	}
	if force {
		s.logger.Info("socket.disconnect.forced_reconnect")
		return stepReconnectNow
	}
	reason := classifyDisconnect(err)
	s.logger.Info("socket.disconnect", "reason", string(reason), "error", err)
	if reason.Recoverable() {
		return stepBackoff
	}
	s.mu.Lock()
	s.lastErr = fmt.Errorf("dblive: socket disconnected (%s): %w", reason, err)
	s.mu.Unlock()
	return stepTerminal
}

func (s *Socket) teardown(conn Conn, readErr <-chan error, cause error) {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	_ = conn.Close()
	<-readErr
	s.failPending(cause)
}

func (s *Socket) pingLoop(conn Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-s.done:
			return
		case <-s.cfg.Clock.After(s.cfg.PingInterval):
			if err := conn.Ping(); err != nil {
				s.logger.Debug("socket.ping.error", "error", err)
				return
			}
		}
	}
}

func (s *Socket) readLoop(conn Conn) error {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := api.DecodeFrame(msg)
		if err != nil {
			s.logger.Warn("socket.frame.invalid", "error", err)
			continue
		}
		switch frame.Type {
		case api.FrameAck:
			s.resolve(frame.ID, ackResult{data: frame.Data})
		case api.FrameEvent:
			s.handleEvent(conn, frame)
		default:
			s.logger.Debug("socket.frame.unexpected", "type", string(frame.Type), "event", frame.Event)
		}
	}
}

func (s *Socket) handleEvent(conn Conn, frame api.Frame) {
	switch frame.Event {
	case api.EventKey:
		var ev api.KeyEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			s.logger.Warn("socket.event.key.invalid", "error", err)
			return
		}
		if ev.Key == "" || (ev.Action != api.ActionChanged && ev.Action != api.ActionDeleted) {
			s.logger.Warn("socket.event.key.invalid", "key", ev.Key, "action", ev.Action)
			return
		}
		s.logger.Trace("socket.event.key", "key", ev.Key, "action", ev.Action, "etag", ev.ETag)
		s.cfg.Emitter.Emit(KeyEventName(ev.Key), &ev)
	case api.EventReset:
		s.logger.Info("socket.event.reset")
		s.cfg.Emitter.Emit(EventReset, nil)
	case api.EventDBLError:
		s.logger.Warn("socket.event.dbl_error", "payload", string(frame.Data))
	case api.EventError:
		serverErr := decodeServerError(frame.Data)
		if serverErr.Message == api.SessionUnknownMessage {
			s.logger.Warn("socket.event.session_unknown")
			s.mu.Lock()
			s.forceReconnect = true
			s.mu.Unlock()
			s.setState(ReconnectOnDisconnect)
			_ = conn.Close()
			return
		}
		s.logger.Warn("socket.event.error", "message", serverErr.Message, "code", serverErr.Code)
		s.cfg.Emitter.Emit(EventError, serverErr)
	default:
		s.logger.Debug("socket.event.unknown", "event", frame.Event)
	}
}

func decodeServerError(data json.RawMessage) *api.ServerError {
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil {
		return &api.ServerError{Message: msg}
	}
	var serverErr api.ServerError
	if err := json.Unmarshal(data, &serverErr); err != nil {
		return &api.ServerError{Message: string(data)}
	}
	return &serverErr
}

func (s *Socket) resolve(id string, result ackResult) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Trace("socket.ack.orphan", "id", id)
		return
	}
	ch <- result
}

func (s *Socket) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan ackResult)
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}

// waitConnected blocks until the socket is connected. It fails immediately
// when the socket is NotConnected and otherwise waits only on ctx.
func (s *Socket) waitConnected(ctx context.Context) (Conn, error) {
	for {
		s.mu.Lock()
		state, conn, changed := s.state, s.conn, s.changed
		s.mu.Unlock()
		switch state {
		case Connected:
			if conn != nil {
				return conn, nil
			}
		case NotConnected:
			return nil, notConnectedError("socket not connected")
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// call waits for the connection, sends event and decodes the ack into out.
func (s *Socket) call(ctx context.Context, event string, payload, out any) error {
	conn, err := s.waitConnected(ctx)
	if err != nil {
		return err
	}
	return s.request(ctx, conn, event, payload, out)
}

func (s *Socket) request(ctx context.Context, conn Conn, event string, payload, out any) error {
	id := xid.New().String()
	frame, err := api.NewFrame(api.FrameRequest, id, event, payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("dblive: encode frame: %w", err)
	}
	ch := make(chan ackResult, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.logger.Trace("socket.request", "event", event, "id", id)
	if err := conn.WriteMessage(msg); err != nil {
		return disconnectedError(err.Error())
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		return decodeAck(res.data, out)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeAck(data json.RawMessage, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var probe struct {
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.ErrorCode != "" {
		var sockErr api.SocketError
		if err := json.Unmarshal(data, &sockErr); err != nil {
			return fmt.Errorf("dblive: decode socket error: %w", err)
		}
		return &sockErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("dblive: decode ack: %w", err)
	}
	return nil
}

func notConnectedError(desc string) error {
	return &api.SocketError{ErrorCode: api.ErrCodeNotConnected, ErrorDescription: desc}
}

func disconnectedError(desc string) error {
	return &api.SocketError{ErrorCode: api.ErrCodeSocketDisconnected, ErrorDescription: desc}
}

// IsNotConnected reports whether err says the socket is terminally down.
func IsNotConnected(err error) bool {
	var sockErr *api.SocketError
	return errors.As(err, &sockErr) && sockErr.ErrorCode == api.ErrCodeNotConnected
}

// Get reads key.
func (s *Socket) Get(ctx context.Context, key string) (api.GetResult, error) {
	var ack api.GetAck
	if err := s.call(ctx, api.EventGet, api.KeyRequest{Key: key}, &ack); err != nil {
		return api.GetResult{}, err
	}
	return ack.Result(), nil
}

// Put writes a value.
func (s *Socket) Put(ctx context.Context, req api.PutRequest) (api.PutAck, error) {
	var ack api.PutAck
	err := s.call(ctx, api.EventPut, req, &ack)
	return ack, err
}

// Lock asks the server for a lock on key.
func (s *Socket) Lock(ctx context.Context, req api.LockRequest) (api.LockAck, error) {
	var ack api.LockAck
	err := s.call(ctx, api.EventLock, req, &ack)
	return ack, err
}

// Unlock releases a lock.
func (s *Socket) Unlock(ctx context.Context, req api.UnlockRequest) (api.UnlockAck, error) {
	var ack api.UnlockAck
	err := s.call(ctx, api.EventUnlock, req, &ack)
	return ack, err
}

// Meta fetches the current etag of key.
func (s *Socket) Meta(ctx context.Context, key string) (api.MetaAck, error) {
	var ack api.MetaAck
	err := s.call(ctx, api.EventMeta, api.KeyRequest{Key: key}, &ack)
	return ack, err
}

// Watch registers a server-side watch for key. A key already registered on
// the current connection is not sent again. The key is remembered and
// re-registered automatically after every reconnect.
func (s *Socket) Watch(ctx context.Context, key string) error {
	s.mu.Lock()
	s.desired[key] = struct{}{}
	s.mu.Unlock()

	conn, err := s.waitConnected(ctx)
	if err != nil {
		return err
	}
	return s.register(ctx, conn, key)
}

func (s *Socket) register(ctx context.Context, conn Conn, key string) error {
	s.mu.Lock()
	gen := s.gen
	if s.conn != conn {
		s.mu.Unlock()
		return disconnectedError("connection replaced")
	}
	if s.registered[key] == gen {
		s.mu.Unlock()
		return nil
	}
	s.registered[key] = gen
	s.mu.Unlock()

	err := s.request(ctx, conn, api.EventWatch, api.KeyRequest{Key: key}, nil)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.mu.Lock()
		if s.registered[key] == gen {
			delete(s.registered, key)
		}
		s.mu.Unlock()
	}
	return err
}

// StopWatching removes the server-side watch for key.
func (s *Socket) StopWatching(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.desired, key)
	delete(s.registered, key)
	s.mu.Unlock()
	return s.call(ctx, api.EventStopWatching, api.KeyRequest{Key: key}, nil)
}

func (s *Socket) restoreWatches(ctx context.Context, conn Conn, gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	keys := make([]string, 0, len(s.desired))
	for key := range s.desired {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	for _, key := range keys {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		err := s.register(callCtx, conn, key)
		cancel()
		if err != nil {
			s.logger.Debug("socket.watch.restore_failed", "key", key, "error", err)
			return
		}
	}
}
