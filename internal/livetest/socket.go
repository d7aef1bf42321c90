package livetest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/internal/uuidv7"
)

type wsConn struct {
	srv     *Server
	index   int
	session string
	ws      *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	authed  bool
	watched map[string]struct{}
	closed  bool
}

func (c *wsConn) watching(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watched[key]
	return ok && c.authed
}

func (c *wsConn) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed && !c.closed
}

func (c *wsConn) send(typ api.FrameType, id, event string, payload any) {
	frame, err := api.NewFrame(typ, id, event, payload)
	if err != nil {
		return
	}
	msg, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) closeWith(code int) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || index < 0 || index >= s.opts.Sockets {
		http.NotFound(w, r)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{srv: s, index: index, ws: ws, watched: make(map[string]struct{})}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		c.session = cookie.Value
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := api.DecodeFrame(msg)
		if err != nil || frame.Type != api.FrameRequest {
			continue
		}
		go c.handle(frame)
	}
}

func (c *wsConn) handle(frame api.Frame) {
	s := c.srv
	s.incr(frame.Event)

	if frame.Event == api.EventApp {
		c.handshake(frame)
		return
	}

	s.mu.Lock()
	delay := s.delays[c.index]
	silent := s.silent[c.index]
	s.mu.Unlock()
	if silent {
		return
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()
	if !authed {
		c.send(api.FrameAck, frame.ID, "", api.SocketError{ErrorCode: "not-authorized", ErrorDescription: "handshake required"})
		return
	}
	switch frame.Event {
	case api.EventPut, api.EventLock, api.EventUnlock:
		if s.duplicate(c, frame) {
			s.incr("duplicate:" + frame.Event)
			c.send(api.FrameAck, frame.ID, "", api.SocketError{ErrorCode: api.ErrCodeDuplicateCall, ErrorDescription: "call already received"})
			return
		}
	}

	switch frame.Event {
	case api.EventGet:
		var req api.KeyRequest
		_ = json.Unmarshal(frame.Data, &req)
		c.send(api.FrameAck, frame.ID, "", s.getAck(req.Key))
	case api.EventMeta:
		var req api.KeyRequest
		_ = json.Unmarshal(frame.Data, &req)
		s.mu.Lock()
		var ack api.MetaAck
		if rec, ok := s.values[req.Key]; ok {
			ack.ETag = rec.etag
		}
		s.mu.Unlock()
		c.send(api.FrameAck, frame.ID, "", ack)
	case api.EventPut:
		var req api.PutRequest
		_ = json.Unmarshal(frame.Data, &req)
		rec, ok := s.store(req.Key, req.Body, req.ContentType, req.LockID)
		if !ok {
			c.send(api.FrameAck, frame.ID, "", api.PutAck{Success: false})
			return
		}
		s.broadcastChange(rec, req.Key, req.CustomArgs, true)
		c.send(api.FrameAck, frame.ID, "", api.PutAck{Success: true, ETag: rec.etag, VersionID: rec.versionID})
	case api.EventLock:
		var req api.LockRequest
		_ = json.Unmarshal(frame.Data, &req)
		c.send(api.FrameAck, frame.ID, "", s.acquire(req))
	case api.EventUnlock:
		var req api.UnlockRequest
		_ = json.Unmarshal(frame.Data, &req)
		c.send(api.FrameAck, frame.ID, "", api.UnlockAck{Success: s.release(req.Key, req.LockID)})
	case api.EventWatch:
		var req api.KeyRequest
		_ = json.Unmarshal(frame.Data, &req)
		c.mu.Lock()
		c.watched[req.Key] = struct{}{}
		c.mu.Unlock()
		c.send(api.FrameAck, frame.ID, "", nil)
	case api.EventStopWatching:
		var req api.KeyRequest
		_ = json.Unmarshal(frame.Data, &req)
		c.mu.Lock()
		delete(c.watched, req.Key)
		c.mu.Unlock()
		c.send(api.FrameAck, frame.ID, "", nil)
	default:
		c.send(api.FrameAck, frame.ID, "", api.SocketError{ErrorCode: "unknown-event", ErrorDescription: frame.Event})
	}
}

func (c *wsConn) handshake(frame api.Frame) {
	s := c.srv
	var req api.AppRequest
	_ = json.Unmarshal(frame.Data, &req)
	s.mu.Lock()
	reject := s.reject || (s.opts.AppKey != "" && req.AppKey != s.opts.AppKey)
	s.mu.Unlock()
	if reject {
		c.send(api.FrameAck, frame.ID, "", api.AppAck{Error: &api.HandshakeError{Code: "auth", Description: "app key rejected"}})
		return
	}
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.send(api.FrameAck, frame.ID, "", api.AppAck{})
}

func (s *Server) getAck(key string) api.GetAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.values[key]
	if !ok {
		return api.GetAck{}
	}
	if s.opts.RedirectGets {
		return api.GetAck{URL: "http://" + s.ContentDomain() + "/" + key}
	}
	v := rec.value
	return api.GetAck{Value: &v, ContentType: rec.contentType, ETag: rec.etag}
}

func (s *Server) acquire(req api.LockRequest) api.LockAck {
	deadline := time.Now().Add(time.Duration(req.Timeout) * time.Millisecond)
	for {
		s.mu.Lock()
		held, ok := s.locks[req.Key]
		if !ok {
			l := &lockState{id: uuidv7.NewString(), released: make(chan struct{})}
			s.locks[req.Key] = l
			s.mu.Unlock()
			return api.LockAck{LockID: l.id}
		}
		s.mu.Unlock()
		wait := time.Until(deadline)
		if wait <= 0 {
			return api.LockAck{}
		}
		select {
		case <-held.released:
		case <-time.After(wait):
			return api.LockAck{}
		}
	}
}

func (s *Server) release(key, lockID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok || l.id != lockID {
		return false
	}
	delete(s.locks, key)
	close(l.released)
	return true
}
