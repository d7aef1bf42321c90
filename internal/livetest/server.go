// Package livetest runs an in-process DBLive backend for tests: the REST
// handshake, key writes, static content reads and the websocket protocol,
// with hooks to delay, drop or reject individual sockets.
package livetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/internal/uuidv7"
)

// SessionCookie is the cookie name issued by /init.
const SessionCookie = "dblive-session"

// Options configures a Server.
type Options struct {
	// AppKey is the accepted credential. Empty accepts any key.
	AppKey string
	// Sockets is the number of socket endpoints advertised. Zero means 2.
	Sockets int
	// SetEnv is returned from /init.
	SetEnv api.Transport
	// RedirectGets answers socket gets with a content URL instead of the value.
	RedirectGets bool
	// OmitContentDomain leaves contentDomain out of /init.
	OmitContentDomain bool
}

type record struct {
	value       string
	contentType string
	etag        string
	versionID   string
}

// callRecord tracks which sockets of a session already delivered one
// mutating request, so the copies the client races over its other sockets
// are answered as duplicates.
type callRecord struct {
	at    time.Time
	conns map[*wsConn]struct{}
}

// duplicateWindow bounds how long a request counts as in flight for
// duplicate detection.
const duplicateWindow = 2 * time.Second

type lockState struct {
	id       string
	released chan struct{}
}

// Server is a fake DBLive backend.
type Server struct {
	opts     Options
	http     *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	values   map[string]*record
	history  map[string]*record
	locks    map[string]*lockState
	conns    map[*wsConn]struct{}
	sessions map[string]struct{}
	delays   map[int]time.Duration
	silent   map[int]bool
	reject   bool
	failCDN  bool
	version  int
	calls    map[string]*callRecord

	counts sync.Map // name -> *atomic.Int64
}

// New starts a server. Call Close when done.
func New(opts Options) *Server {
	if opts.Sockets <= 0 {
		opts.Sockets = 2
	}
	s := &Server{
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		values:   make(map[string]*record),
		history:  make(map[string]*record),
		locks:    make(map[string]*lockState),
		conns:    make(map[*wsConn]struct{}),
		sessions: make(map[string]struct{}),
		delays:   make(map[int]time.Duration),
		silent:   make(map[int]bool),
		calls:    make(map[string]*callRecord),
	}
	r := chi.NewRouter()
	r.Post("/init", s.handleInit)
	r.Put("/keys", s.handlePutKey)
	r.Get("/content/*", s.handleContent)
	r.Get("/ws/{n}", s.handleSocket)
	s.http = httptest.NewServer(r)
	return s
}

// Close stops the server and drops every socket.
func (s *Server) Close() {
	s.DropSockets(websocket.CloseGoingAway)
	s.http.Close()
}

// URL is the REST base URL.
func (s *Server) URL() string {
	return s.http.URL
}

// Host is the host:port the server listens on.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.http.URL, "http://")
}

// ContentDomain is the domain advertised for static reads.
func (s *Server) ContentDomain() string {
	return s.Host() + "/content"
}

// SocketDomains are the advertised socket endpoints.
func (s *Server) SocketDomains() []string {
	out := make([]string, s.opts.Sockets)
	for i := range out {
		out[i] = fmt.Sprintf("%s/ws/%d", s.Host(), i)
	}
	return out
}

// Count returns how many times name was handled. Names are socket event
// names ("get", "meta", ...) plus "http:init", "http:put" and "http:content".
func (s *Server) Count(name string) int64 {
	v, ok := s.counts.Load(name)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func (s *Server) incr(name string) {
	v, _ := s.counts.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// DelaySocket delays every ack on socket n by d.
func (s *Server) DelaySocket(n int, d time.Duration) {
	s.mu.Lock()
	s.delays[n] = d
	s.mu.Unlock()
}

// SilenceSocket makes socket n stop acknowledging requests after the
// handshake.
func (s *Server) SilenceSocket(n int, silent bool) {
	s.mu.Lock()
	s.silent[n] = silent
	s.mu.Unlock()
}

// FailContent makes the content origin answer 503 until called with false.
func (s *Server) FailContent(fail bool) {
	s.mu.Lock()
	s.failCDN = fail
	s.mu.Unlock()
}

// RejectHandshakes makes subsequent app handshakes fail.
func (s *Server) RejectHandshakes(reject bool) {
	s.mu.Lock()
	s.reject = reject
	s.mu.Unlock()
}

// Value returns the stored value for key.
func (s *Server) Value(key string) (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.values[key]
	if !ok {
		return "", "", false
	}
	return rec.value, rec.etag, true
}

// Set writes key as another client would and pushes the change to watchers.
func (s *Server) Set(key, value, contentType string) string {
	rec, ok := s.store(key, value, contentType, "")
	if !ok {
		return ""
	}
	s.broadcastChange(rec, key, nil, true)
	return rec.etag
}

// SetSilently writes key without notifying anyone.
func (s *Server) SetSilently(key, value, contentType string) string {
	rec, ok := s.store(key, value, contentType, "")
	if !ok {
		return ""
	}
	return rec.etag
}

// Delete removes key and pushes a deleted event.
func (s *Server) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	s.Push(api.KeyEvent{Action: api.ActionDeleted, Key: key})
}

// Push delivers ev to every socket watching ev.Key.
func (s *Server) Push(ev api.KeyEvent) {
	for _, c := range s.connections() {
		if c.watching(ev.Key) {
			c.send(api.FrameEvent, "", api.EventKey, ev)
		}
	}
}

// PushReset sends the reset event on every socket.
func (s *Server) PushReset() {
	for _, c := range s.connections() {
		c.send(api.FrameEvent, "", api.EventReset, nil)
	}
}

// ForgetSessions sends the unknown session error on every socket.
func (s *Server) ForgetSessions() {
	for _, c := range s.connections() {
		c.send(api.FrameEvent, "", api.EventError, api.SessionUnknownMessage)
	}
}

// DropSockets closes every socket with the given close code.
func (s *Server) DropSockets(code int) {
	for _, c := range s.connections() {
		c.closeWith(code)
	}
}

// Watchers returns how many sockets currently watch key.
func (s *Server) Watchers(key string) int {
	n := 0
	for _, c := range s.connections() {
		if c.watching(key) {
			n++
		}
	}
	return n
}

// Connections returns the number of open, authenticated sockets.
func (s *Server) Connections() int {
	n := 0
	for _, c := range s.connections() {
		if c.isAuthed() {
			n++
		}
	}
	return n
}

// LockHolder returns the current lock id on key.
func (s *Server) LockHolder(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l.id
	}
	return ""
}

// duplicate reports whether frame is a copy of a request the same session
// already sent over another socket.
func (s *Server) duplicate(c *wsConn, frame api.Frame) bool {
	id := c.session + "\x00" + frame.Event + "\x00" + string(frame.Data)
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.calls {
		if now.Sub(rec.at) > duplicateWindow {
			delete(s.calls, k)
		}
	}
	rec, ok := s.calls[id]
	if ok {
		if _, seen := rec.conns[c]; !seen {
			rec.conns[c] = struct{}{}
			return true
		}
	}
	s.calls[id] = &callRecord{at: now, conns: map[*wsConn]struct{}{c: {}}}
	return false
}

func (s *Server) connections() []*wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) store(key, value, contentType, lockID string) (*record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok && l.id != lockID {
		return nil, false
	}
	s.version++
	rec := &record{
		value:       value,
		contentType: contentType,
		etag:        fmt.Sprintf("\"%s\"", uuidv7.NewString()),
		versionID:   "v" + strconv.Itoa(s.version),
	}
	s.values[key] = rec
	s.history[key+"-"+rec.versionID] = rec
	return rec, true
}

func (s *Server) broadcastChange(rec *record, key string, customArgs map[string]any, inline bool) {
	ev := api.KeyEvent{
		Action:      api.ActionChanged,
		Key:         key,
		ContentType: rec.contentType,
		ETag:        rec.etag,
		VersionID:   rec.versionID,
		CustomArgs:  customArgs,
	}
	if inline {
		v := rec.value
		ev.Value = &v
	}
	s.Push(ev)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	s.incr("http:init")
	var req api.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Code: "bad-request", Description: err.Error()})
		return
	}
	if s.opts.AppKey != "" && req.AppKey != s.opts.AppKey {
		writeJSON(w, http.StatusForbidden, api.ErrorResponse{Code: "auth", Description: "unknown app key"})
		return
	}
	session := uuidv7.NewString()
	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: session, Path: "/"})
	resp := api.InitResponse{
		SocketDomains: s.SocketDomains(),
		SetEnv:        s.opts.SetEnv,
	}
	if !s.opts.OmitContentDomain {
		resp.ContentDomain = s.ContentDomain()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request) {
	s.incr("http:put")
	var req api.SetKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Code: "bad-request", Description: err.Error()})
		return
	}
	if !s.hasSession(r) {
		writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Code: "session", Description: "missing session cookie"})
		return
	}
	var customArgs map[string]any
	if req.CustomArgs != "" {
		if err := json.Unmarshal([]byte(req.CustomArgs), &customArgs); err != nil {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Code: "bad-request", Description: "custom-args: " + err.Error()})
			return
		}
	}
	rec, ok := s.store(req.Key, req.Body, req.ContentType, "")
	if !ok {
		writeJSON(w, http.StatusOK, api.SetKeyResponse{})
		return
	}
	s.broadcastChange(rec, req.Key, customArgs, true)
	writeJSON(w, http.StatusOK, api.SetKeyResponse{Success: true, ETag: rec.etag, VersionID: rec.versionID})
}

func (s *Server) hasSession(r *http.Request) bool {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[c.Value]
	return ok
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	s.incr("http:content")
	key := chi.URLParam(r, "*")
	s.mu.Lock()
	if s.failCDN {
		s.mu.Unlock()
		http.Error(w, "origin unavailable", http.StatusServiceUnavailable)
		return
	}
	rec, ok := s.values[key]
	if !ok {
		rec, ok = s.history[key]
	}
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == rec.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", rec.etag)
	w.Header().Set("Content-Type", rec.contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rec.value))
}
