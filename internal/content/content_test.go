package content

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/internal/livetest"
	"pkt.systems/dblive/internal/rest"
	"pkt.systems/dblive/internal/socket"
	"pkt.systems/dblive/store"
)

type fakeSockets struct {
	mu        sync.Mutex
	connected bool
	getRes    api.GetResult
	getErr    error
	metaETag  string
	metaErr   error
	putAck    api.PutAck
	putErr    error
	putHook   func()
	gets      int
	metas     int
	puts      []api.PutRequest
}

func (f *fakeSockets) Connected() bool { return f.connected }

func (f *fakeSockets) Get(ctx context.Context, key string) (api.GetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	return f.getRes, f.getErr
}

func (f *fakeSockets) Meta(ctx context.Context, key string) (api.MetaAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metas++
	return api.MetaAck{ETag: f.metaETag}, f.metaErr
}

func (f *fakeSockets) Put(ctx context.Context, req api.PutRequest) (api.PutAck, error) {
	f.mu.Lock()
	f.puts = append(f.puts, req)
	hook := f.putHook
	ack, err := f.putAck, f.putErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ack, err
}

type fakeREST struct {
	mu       sync.Mutex
	content  rest.Content
	err      error
	setResp  api.SetKeyResponse
	setErr   error
	targets  []string
	etags    []string
	setCalls int
}

func (f *fakeREST) GetContent(ctx context.Context, target, etag string) (rest.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	f.etags = append(f.etags, etag)
	return f.content, f.err
}

func (f *fakeREST) SetKey(ctx context.Context, key, body, contentType string, customArgs map[string]any) (api.SetKeyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	return f.setResp, f.setErr
}

func strPtr(s string) *string { return &s }

func newCache(t *testing.T, socks Sockets, r REST, transport api.Transport) *Cache {
	t.Helper()
	c, err := New(Config{
		AppKey:  "app",
		Sockets: socks,
		REST:    r,
		Session: &rest.Session{ContentOrigin: "https://cdn.example.com/", PreferredTransport: transport},
	})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestGetPrefersSockets(t *testing.T) {
	socks := &fakeSockets{connected: true, getRes: api.GetResult{Outcome: api.GetValue, Value: strPtr(`{"a":1}`), ContentType: api.ContentTypeJSON, ETag: "e1"}}
	r := &fakeREST{}
	c := newCache(t, socks, r, api.TransportSocket)

	e, ok, err := c.Get(context.Background(), "k", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || e.Value != `{"a":1}` || e.ETag != "e1" || !e.IsJSON() {
		t.Fatalf("unexpected entry %+v %v", e, ok)
	}
	if len(r.targets) != 0 {
		t.Fatalf("http used despite socket success")
	}
	cached, ok := c.GetFromCache("k")
	if !ok || cached != e {
		t.Fatalf("cache not updated: %+v", cached)
	}
}

func TestGetSocketAbsentDropsEntry(t *testing.T) {
	socks := &fakeSockets{connected: true, getRes: api.GetResult{Outcome: api.GetValue}}
	c := newCache(t, socks, &fakeREST{}, api.TransportSocket)
	c.Apply(Entry{Key: "k", Value: "old", ContentType: api.ContentTypeText, ETag: "e0"})

	if _, ok, err := c.Get(context.Background(), "k", ""); err != nil || ok {
		t.Fatalf("expected absent")
	}
	if _, ok := c.GetFromCache("k"); ok {
		t.Fatalf("stale entry kept")
	}
}

func TestGetRedirectUsesHTTP(t *testing.T) {
	socks := &fakeSockets{connected: true, getRes: api.GetResult{Outcome: api.GetRedirect, URL: "https://static.example.com/k"}}
	r := &fakeREST{content: rest.Content{Status: rest.ContentOK, Body: "big", ETag: "e9", ContentType: api.ContentTypeText}}
	c := newCache(t, socks, r, api.TransportSocket)

	e, ok, err := c.Get(context.Background(), "k", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || e.Value != "big" || e.ETag != "e9" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if len(r.targets) != 1 || r.targets[0] != "https://static.example.com/k" {
		t.Fatalf("redirect target not used: %v", r.targets)
	}
}

func TestGetSocketErrorFallsBackToHTTP(t *testing.T) {
	socks := &fakeSockets{connected: true, getErr: &api.SocketError{ErrorCode: api.ErrCodeTimeout}}
	r := &fakeREST{content: rest.Content{Status: rest.ContentOK, Body: "v", ETag: "e1"}}
	c := newCache(t, socks, r, api.TransportSocket)

	e, ok, err := c.Get(context.Background(), "k", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || e.Value != "v" || e.ContentType != api.ContentTypeText {
		t.Fatalf("unexpected entry %+v", e)
	}
	if r.targets[0] != "https://cdn.example.com/k" {
		t.Fatalf("unexpected target %q", r.targets[0])
	}
}

func TestGetVersionPinnedUsesHTTP(t *testing.T) {
	socks := &fakeSockets{connected: true}
	r := &fakeREST{content: rest.Content{Status: rest.ContentOK, Body: "old", ETag: "e1"}}
	c := newCache(t, socks, r, api.TransportSocket)

	e, ok, err := c.Get(context.Background(), "k", "v3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || e.Value != "old" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if socks.gets != 0 {
		t.Fatalf("pinned read must not use sockets")
	}
	if r.targets[0] != "https://cdn.example.com/k-v3" {
		t.Fatalf("unexpected target %q", r.targets[0])
	}
	if _, ok := c.GetFromCache("k"); ok {
		t.Fatalf("pinned read must not replace the current entry")
	}
}

func TestGetHTTPNotModifiedReturnsCached(t *testing.T) {
	r := &fakeREST{content: rest.Content{Status: rest.ContentNotModified}}
	c := newCache(t, &fakeSockets{}, r, api.TransportAPI)
	c.Apply(Entry{Key: "k", Value: "cached", ContentType: api.ContentTypeText, ETag: "e1"})

	e, ok, err := c.Get(context.Background(), "k", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || e.Value != "cached" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if r.etags[0] != "e1" {
		t.Fatalf("If-None-Match not sent, etag %q", r.etags[0])
	}
}

func TestGetHTTPMissingDropsEntry(t *testing.T) {
	r := &fakeREST{content: rest.Content{Status: rest.ContentMissing, Code: 404}}
	c := newCache(t, &fakeSockets{}, r, api.TransportAPI)
	c.Apply(Entry{Key: "k", Value: "old", ContentType: api.ContentTypeText, ETag: "e0"})
	_, ok, err := c.Get(context.Background(), "k", "")
	if err != nil || ok {
		t.Fatalf("expected confirmed absence, got ok=%v err=%v", ok, err)
	}
	if _, ok := c.GetFromCache("k"); ok {
		t.Fatalf("stale entry kept")
	}
}

func TestGetHTTPFailureKeepsEntry(t *testing.T) {
	cases := map[string]*fakeREST{
		"transport":   {err: errors.New("dial failed")},
		"status":      {content: rest.Content{Status: rest.ContentUnexpected, Code: 502}},
		"no_etag_304": {content: rest.Content{Status: rest.ContentNotModified, Code: 304}},
	}
	for name, r := range cases {
		c := newCache(t, &fakeSockets{}, r, api.TransportAPI)
		if name != "no_etag_304" {
			c.Apply(Entry{Key: "k", Value: "old", ContentType: api.ContentTypeText})
		}
		_, ok, err := c.Get(context.Background(), "k", "")
		if err == nil || ok {
			t.Fatalf("%s: expected a read error, got ok=%v err=%v", name, ok, err)
		}
		if name != "no_etag_304" {
			if e, ok := c.GetFromCache("k"); !ok || e.Value != "old" {
				t.Fatalf("%s: failed read dropped the local entry: %+v %v", name, e, ok)
			}
		}
	}
}

func TestRefreshReportsOriginFailure(t *testing.T) {
	socks := &fakeSockets{connected: true, getErr: &api.SocketError{ErrorCode: api.ErrCodeTimeout}}
	r := &fakeREST{err: errors.New("origin down")}
	c := newCache(t, socks, r, api.TransportSocket)
	c.Apply(Entry{Key: "k", Value: "v", ContentType: api.ContentTypeText})

	if _, _, err := c.Refresh(context.Background(), "k"); err == nil {
		t.Fatal("expected refresh error when every source fails")
	}
	if e, ok := c.GetFromCache("k"); !ok || e.Value != "v" {
		t.Fatalf("local entry lost: %+v %v", e, ok)
	}
}

func TestRefreshUnchangedSkipsBody(t *testing.T) {
	socks := &fakeSockets{connected: true, metaETag: "e1"}
	r := &fakeREST{}
	c := newCache(t, socks, r, api.TransportSocket)
	c.Apply(Entry{Key: "k", Value: "v", ContentType: api.ContentTypeText, ETag: "e1"})

	e, ok, err := c.Refresh(context.Background(), "k")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !ok || e.Value != "v" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if socks.metas != 1 || socks.gets != 0 || len(r.targets) != 0 {
		t.Fatalf("expected one meta call only: metas=%d gets=%d http=%d", socks.metas, socks.gets, len(r.targets))
	}
}

func TestRefreshChangedFetches(t *testing.T) {
	socks := &fakeSockets{connected: true, metaETag: "e2", getRes: api.GetResult{Outcome: api.GetValue, Value: strPtr("new"), ETag: "e2"}}
	c := newCache(t, socks, &fakeREST{}, api.TransportSocket)
	c.Apply(Entry{Key: "k", Value: "old", ETag: "e1"})

	e, ok, err := c.Refresh(context.Background(), "k")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !ok || e.Value != "new" || e.ETag != "e2" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if socks.gets != 1 {
		t.Fatalf("expected a full get, got %d", socks.gets)
	}
}

func TestRefreshWithoutETagDoesFullGet(t *testing.T) {
	socks := &fakeSockets{connected: true, getRes: api.GetResult{Outcome: api.GetValue, Value: strPtr("v"), ETag: "e1"}}
	c := newCache(t, socks, &fakeREST{}, api.TransportSocket)
	c.Apply(Entry{Key: "k", Value: "unconfirmed"})

	if _, ok, err := c.Refresh(context.Background(), "k"); err != nil || !ok {
		t.Fatalf("expected value")
	}
	if socks.metas != 0 || socks.gets != 1 {
		t.Fatalf("metas=%d gets=%d", socks.metas, socks.gets)
	}
}

func TestSetConfirmedStoresETag(t *testing.T) {
	socks := &fakeSockets{connected: true, putAck: api.PutAck{Success: true, ETag: "e5"}}
	c := newCache(t, socks, &fakeREST{}, api.TransportSocket)

	ok := c.Set(context.Background(), "k", "v", api.ContentTypeText, SetOptions{CustomArgs: map[string]any{"clientId": "me"}, LockID: "L1"})
	if !ok {
		t.Fatalf("set not confirmed")
	}
	e, _ := c.GetFromCache("k")
	if e.Value != "v" || e.ETag != "e5" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if len(socks.puts) != 1 || socks.puts[0].LockID != "L1" || socks.puts[0].CustomArgs["clientId"] != "me" {
		t.Fatalf("put request not forwarded: %+v", socks.puts)
	}
}

func TestSetClearsETagWhileInFlight(t *testing.T) {
	socks := &fakeSockets{connected: true, putAck: api.PutAck{Success: true, ETag: "e2"}}
	c := newCache(t, socks, &fakeREST{}, api.TransportSocket)
	c.Apply(Entry{Key: "k", Value: "old", ETag: "e1"})
	var during Entry
	socks.putHook = func() { during, _ = c.GetFromCache("k") }

	c.Set(context.Background(), "k", "new", api.ContentTypeText, SetOptions{})
	if during.Value != "new" || during.ETag != "" {
		t.Fatalf("optimistic entry should be unconfirmed, got %+v", during)
	}
}

func TestSetRejectedRollsBack(t *testing.T) {
	socks := &fakeSockets{connected: true, putAck: api.PutAck{}}
	c := newCache(t, socks, &fakeREST{}, api.TransportSocket)
	prev := Entry{Key: "k", Value: "old", ContentType: api.ContentTypeJSON, ETag: "e1"}
	c.Apply(prev)

	if c.Set(context.Background(), "k", "new", api.ContentTypeText, SetOptions{}) {
		t.Fatalf("unconfirmed write reported success")
	}
	if e, _ := c.GetFromCache("k"); e != prev {
		t.Fatalf("rollback mismatch: %+v", e)
	}
}

func TestSetRejectedWithoutPriorValueRemoves(t *testing.T) {
	r := &fakeREST{setErr: errors.New("boom")}
	c := newCache(t, &fakeSockets{}, r, api.TransportAPI)
	if c.Set(context.Background(), "k", "new", "", SetOptions{}) {
		t.Fatalf("failed write reported success")
	}
	if _, ok := c.GetFromCache("k"); ok {
		t.Fatalf("optimistic value survived a failed write")
	}
}

func TestSetRollbackKeepsNewerPush(t *testing.T) {
	socks := &fakeSockets{connected: true, putAck: api.PutAck{}}
	c := newCache(t, socks, &fakeREST{}, api.TransportSocket)
	c.Apply(Entry{Key: "k", Value: "old", ETag: "e1"})
	pushed := Entry{Key: "k", Value: "pushed", ContentType: api.ContentTypeText, ETag: "e7"}
	socks.putHook = func() { c.Apply(pushed) }

	c.Set(context.Background(), "k", "mine", api.ContentTypeText, SetOptions{})
	if e, _ := c.GetFromCache("k"); e != pushed {
		t.Fatalf("rollback clobbered a newer push: %+v", e)
	}
}

func TestSetConfirmedDoesNotTagNewerPush(t *testing.T) {
	socks := &fakeSockets{connected: true, putAck: api.PutAck{Success: true, ETag: "mine"}}
	c := newCache(t, socks, &fakeREST{}, api.TransportSocket)
	pushed := Entry{Key: "k", Value: "pushed", ContentType: api.ContentTypeText, ETag: "theirs"}
	socks.putHook = func() { c.Apply(pushed) }

	c.Set(context.Background(), "k", "mine", api.ContentTypeText, SetOptions{})
	if e, _ := c.GetFromCache("k"); e != pushed {
		t.Fatalf("confirmed etag attached to a foreign value: %+v", e)
	}
}

func TestSetUsesRESTWhenPreferred(t *testing.T) {
	socks := &fakeSockets{connected: true}
	r := &fakeREST{setResp: api.SetKeyResponse{VersionID: "v1"}}
	c := newCache(t, socks, r, api.TransportAPI)
	if !c.Set(context.Background(), "k", "v", api.ContentTypeText, SetOptions{}) {
		t.Fatalf("versionId-only response must count as confirmed")
	}
	if len(socks.puts) != 0 || r.setCalls != 1 {
		t.Fatalf("expected REST write, puts=%d rest=%d", len(socks.puts), r.setCalls)
	}
}

func TestSetLockedUsesSocketsUnderAPITransport(t *testing.T) {
	socks := &fakeSockets{connected: true, putAck: api.PutAck{Success: true, ETag: "e2"}}
	r := &fakeREST{setResp: api.SetKeyResponse{ETag: "e1"}}
	c := newCache(t, socks, r, api.TransportAPI)
	if !c.Set(context.Background(), "k", "v", api.ContentTypeText, SetOptions{LockID: "L1"}) {
		t.Fatalf("locked write not confirmed")
	}
	if len(socks.puts) != 1 || socks.puts[0].LockID != "L1" || r.setCalls != 0 {
		t.Fatalf("expected socket put with lock id, puts=%+v rest=%d", socks.puts, r.setCalls)
	}

	socks.connected = false
	if c.Set(context.Background(), "k", "v2", api.ContentTypeText, SetOptions{LockID: "L1"}) {
		t.Fatalf("locked write without sockets must not confirm")
	}
	if r.setCalls != 0 {
		t.Fatalf("locked write reached REST")
	}
	if e, _ := c.GetFromCache("k"); e.Value != "v" {
		t.Fatalf("rejected locked write not rolled back: %+v", e)
	}
}

func TestSetSocketErrorFallsBackUnlessLocked(t *testing.T) {
	socks := &fakeSockets{connected: true, putErr: &api.SocketError{ErrorCode: api.ErrCodeTimeout}}
	r := &fakeREST{setResp: api.SetKeyResponse{ETag: "e1"}}
	c := newCache(t, socks, r, api.TransportSocket)
	if !c.Set(context.Background(), "k", "v", api.ContentTypeText, SetOptions{}) {
		t.Fatalf("expected REST fallback to confirm")
	}
	if r.setCalls != 1 {
		t.Fatalf("expected one REST call, got %d", r.setCalls)
	}
	if c.Set(context.Background(), "k", "v2", api.ContentTypeText, SetOptions{LockID: "L"}) {
		t.Fatalf("locked write must not fall back")
	}
	if r.setCalls != 1 {
		t.Fatalf("locked write reached REST")
	}
}

func TestDecode(t *testing.T) {
	c := newCache(t, &fakeSockets{}, &fakeREST{}, api.TransportAPI)
	v, ok := c.Decode(Entry{Key: "k", Value: `{"n":2}`, ContentType: api.ContentTypeJSON})
	if !ok {
		t.Fatalf("decode json failed")
	}
	if m, _ := v.(map[string]any); m["n"] != float64(2) {
		t.Fatalf("unexpected %v", v)
	}
	v, ok = c.Decode(Entry{Key: "k", Value: `{"n":2}`, ContentType: api.ContentTypeText})
	if !ok || v != `{"n":2}` {
		t.Fatalf("text must stay opaque, got %v", v)
	}
	if _, ok := c.Decode(Entry{Key: "k", Value: `{broken`, ContentType: api.ContentTypeJSON}); ok {
		t.Fatalf("malformed json must decode as no value")
	}
}

func TestPersistsOneRecordPerKey(t *testing.T) {
	mem := store.NewMemory()
	c, err := New(Config{AppKey: "app", Store: mem, REST: &fakeREST{}, Session: &rest.Session{ContentOrigin: "https://cdn/"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.Apply(Entry{Key: "k", Value: "v", ETag: "e"})
	if _, ok := mem.GetItem("app/k"); !ok || mem.Len() != 1 {
		t.Fatalf("expected a single record under app/k, have %d", mem.Len())
	}
	c.Delete("k")
	if mem.Len() != 0 {
		t.Fatalf("delete left %d records", mem.Len())
	}
}

func TestRefreshAgainstLiveServer(t *testing.T) {
	srv := livetest.New(livetest.Options{})
	defer srv.Close()
	etag := srv.SetSilently("k", "v", api.ContentTypeText)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rc, err := rest.New(rest.Config{APIURL: srv.URL(), AppKey: "app", Insecure: true})
	if err != nil {
		t.Fatalf("rest: %v", err)
	}
	session, err := rc.Init(ctx)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	m, err := socket.NewManager(socket.ManagerConfig{URLs: session.Endpoints, AppKey: "app", Header: session.Header(), Emitter: nopEmitter{}})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer m.Close()
	if err := m.WaitConnected(ctx); err != nil {
		t.Fatalf("wait connected: %v", err)
	}
	c, err := New(Config{AppKey: "app", Sockets: m, REST: rc, Session: session})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	c.Apply(Entry{Key: "k", Value: "v", ContentType: api.ContentTypeText, ETag: etag})

	e, ok, err := c.Refresh(ctx, "k")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !ok || e.Value != "v" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if srv.Count(api.EventMeta) < 1 {
		t.Fatalf("meta not requested")
	}
	if srv.Count(api.EventGet) != 0 || srv.Count("http:content") != 0 {
		t.Fatalf("body re-fetched: get=%d http=%d", srv.Count(api.EventGet), srv.Count("http:content"))
	}
}

type nopEmitter struct{}

func (nopEmitter) Emit(string, any) {}
