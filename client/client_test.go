package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/client"
	"pkt.systems/dblive/internal/livetest"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newServer(t *testing.T, opts livetest.Options) *livetest.Server {
	t.Helper()
	srv := livetest.New(opts)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *livetest.Server, opts ...client.Option) *client.Client {
	t.Helper()
	base := []client.Option{
		client.WithAPIURL(srv.URL()),
		client.WithInsecure(true),
		client.WithSocketTimeout(2 * time.Second),
		client.WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond, 2),
	}
	cli, err := client.New("app", append(base, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Dispose() })
	return cli
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// recorder collects listener notifications in delivery order.
type recorder struct {
	ch chan client.Change
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan client.Change, 64)}
}

func (r *recorder) handle(ch client.Change) {
	r.ch <- ch
}

func (r *recorder) next(t *testing.T) client.Change {
	t.Helper()
	select {
	case ch := <-r.ch:
		return ch
	case <-time.After(5 * time.Second):
		t.Fatalf("no change delivered")
		return client.Change{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ch := <-r.ch:
		t.Fatalf("unexpected change %+v", ch)
	case <-time.After(wait):
	}
}

func TestNewRequiresAppKey(t *testing.T) {
	if _, err := client.New(""); err == nil {
		t.Fatalf("expected error for empty app key")
	}
}

func TestConnectEmitsConnect(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	if got := cli.Status(); got != client.StatusNotConnected {
		t.Fatalf("status before connect = %v", got)
	}
	connected := make(chan struct{}, 1)
	cli.Once(client.EventConnect, func(any) { connected <- struct{}{} })

	if err := cli.Connect(testContext(t)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := cli.Status(); got != client.StatusConnected {
		t.Fatalf("status after connect = %v", got)
	}
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatalf("connect event not emitted")
	}
	if err := cli.Connect(testContext(t)); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := srv.Count("http:init"); got != 1 {
		t.Fatalf("init calls = %d, want 1", got)
	}
}

func TestConcurrentConnectSharesHandshake(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- cli.Connect(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	if got := srv.Count("http:init"); got != 1 {
		t.Fatalf("init calls = %d, want 1", got)
	}
}

func TestConnectRejectedAppKey(t *testing.T) {
	srv := newServer(t, livetest.Options{AppKey: "secret"})
	cli := newTestClient(t, srv)
	errCh := make(chan any, 1)
	cli.Once(client.EventError, func(data any) { errCh <- data })

	err := cli.Connect(testContext(t))
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if cli.Status() != client.StatusNotConnected {
		t.Fatalf("status = %v", cli.Status())
	}
	select {
	case data := <-errCh:
		if data == nil {
			t.Fatalf("error event without payload")
		}
	case <-time.After(time.Second):
		t.Fatalf("error event not emitted")
	}
	if _, ok := cli.Get(testContext(t), "k"); ok {
		t.Fatalf("get must report absence when connect fails")
	}
}

func TestConnectMissingContentDomain(t *testing.T) {
	srv := newServer(t, livetest.Options{OmitContentDomain: true})
	cli := newTestClient(t, srv)
	if err := cli.Connect(testContext(t)); !errors.Is(err, client.ErrMissingContentDomain) {
		t.Fatalf("expected ErrMissingContentDomain, got %v", err)
	}
}

func TestSetThenGet(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	ok, err := cli.Set(ctx, "greeting", "hello")
	if err != nil || !ok {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}
	if v, _, found := srv.Value("greeting"); !found || v != "hello" {
		t.Fatalf("server value = %q found=%v", v, found)
	}

	v, found := cli.Get(ctx, "greeting")
	if !found || v.String() != "hello" || v.ContentType != api.ContentTypeText {
		t.Fatalf("get = %+v found=%v", v, found)
	}
	v, found = cli.Get(ctx, "greeting", client.WithBypassCache())
	if !found || v.Raw != "hello" || v.ETag == "" {
		t.Fatalf("bypass get = %+v found=%v", v, found)
	}
}

func TestGetMissingKey(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	if v, ok := cli.Get(testContext(t), "nothing"); ok {
		t.Fatalf("expected absence, got %+v", v)
	}
}

func TestBypassCacheSeesSilentWrite(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)
	srv.SetSilently("k", "one", api.ContentTypeText)
	if v, _ := cli.Get(ctx, "k"); v.Raw != "one" {
		t.Fatalf("get = %q", v.Raw)
	}
	srv.SetSilently("k", "two", api.ContentTypeText)
	if v, _ := cli.Get(ctx, "k"); v.Raw != "one" {
		t.Fatalf("cached get = %q, want the in-memory value", v.Raw)
	}
	if v, _ := cli.Get(ctx, "k", client.WithBypassCache()); v.Raw != "two" {
		t.Fatalf("bypass get = %q", v.Raw)
	}
	if v, _ := cli.Get(ctx, "k"); v.Raw != "two" {
		t.Fatalf("get after bypass = %q", v.Raw)
	}
}

func TestSetJSONAndGetJSON(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	type profile struct {
		Name  string `json:"name"`
		Score int    `json:"score"`
	}
	if ok, err := cli.Set(ctx, "profile", profile{Name: "ada", Score: 3}); err != nil || !ok {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}
	v, ok := cli.Get(ctx, "profile")
	if !ok || !v.IsJSON() {
		t.Fatalf("get = %+v ok=%v", v, ok)
	}
	var out profile
	if !cli.GetJSON(ctx, "profile", &out) {
		t.Fatalf("GetJSON failed")
	}
	if out.Name != "ada" || out.Score != 3 {
		t.Fatalf("decoded %+v", out)
	}
	decoded, err := v.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m, ok := decoded.(map[string]any); !ok || m["name"] != "ada" {
		t.Fatalf("decoded = %#v", decoded)
	}

	if ok, _ := cli.Set(ctx, "plain", "not json"); !ok {
		t.Fatalf("set plain failed")
	}
	if cli.GetJSON(ctx, "plain", &out) {
		t.Fatalf("GetJSON must fail for unparsable text")
	}
}

func TestGetJSONParsesTextTaggedJSON(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	srv.SetSilently("n", `{"n":7}`, api.ContentTypeText)
	var out struct {
		N int `json:"n"`
	}
	if !cli.GetJSON(testContext(t), "n", &out) || out.N != 7 {
		t.Fatalf("GetJSON = %+v", out)
	}
}

func TestGetVersionPinned(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)
	srv.SetSilently("doc", "old", api.ContentTypeText)
	srv.SetSilently("doc", "new", api.ContentTypeText)

	v, ok := cli.Get(ctx, "doc", client.WithVersion("v1"))
	if !ok || v.Raw != "old" {
		t.Fatalf("pinned get = %+v ok=%v", v, ok)
	}
	v, ok = cli.Get(ctx, "doc")
	if !ok || v.Raw != "new" {
		t.Fatalf("current get = %+v ok=%v", v, ok)
	}
}

func TestSetUsesRESTWhenPreferred(t *testing.T) {
	srv := newServer(t, livetest.Options{SetEnv: api.TransportAPI})
	cli := newTestClient(t, srv)
	ctx := testContext(t)
	if ok, err := cli.Set(ctx, "k", "rest"); err != nil || !ok {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}
	if got := srv.Count("http:put"); got != 1 {
		t.Fatalf("http puts = %d", got)
	}
	if got := srv.Count("put"); got != 0 {
		t.Fatalf("socket puts = %d", got)
	}
}

func TestSetCustomArgsReachWatchers(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	writer := newTestClient(t, srv)
	reader := newTestClient(t, srv)
	ctx := testContext(t)

	events := make(chan *api.KeyEvent, 4)
	if _, err := reader.Key(ctx, "k"); err != nil {
		t.Fatalf("key: %v", err)
	}
	reader.On(client.KeyEvent("k"), func(data any) {
		if ev, ok := data.(*api.KeyEvent); ok {
			events <- ev
		}
	})
	waitUntil(t, "watch registered", func() bool { return srv.Watchers("k") == 2 })

	if ok, _ := writer.Set(ctx, "k", "v", client.WithCustomArgs(map[string]any{"origin": "test"})); !ok {
		t.Fatalf("set failed")
	}
	select {
	case ev := <-events:
		if ev.CustomArgs["origin"] != "test" || ev.CustomArgs["clientId"] != writer.ID() {
			t.Fatalf("custom args = %#v", ev.CustomArgs)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("push not delivered")
	}
}

func TestListenerReceivesRemoteChanges(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	first := newTestClient(t, srv)
	second := newTestClient(t, srv)
	ctx := testContext(t)

	if ok, _ := first.Set(ctx, "a", "1"); !ok {
		t.Fatalf("set failed")
	}
	rec := newRecorder()
	v, ok, l, err := second.GetAndListen(ctx, "a", rec.handle)
	if err != nil || !ok || v.Raw != "1" {
		t.Fatalf("GetAndListen = %+v ok=%v err=%v", v, ok, err)
	}
	defer l.Close()

	if ok, _ := first.Set(ctx, "a", "2"); !ok {
		t.Fatalf("second set failed")
	}
	ch := rec.next(t)
	if ch.Action != api.ActionChanged || ch.Value.Raw != "2" || ch.Previous.Raw != "1" || ch.Local {
		t.Fatalf("change = %+v", ch)
	}
	rec.none(t, 100*time.Millisecond)
	if v, _ := second.Get(ctx, "a"); v.Raw != "2" {
		t.Fatalf("memory value = %q", v.Raw)
	}
}

func TestOwnWriteNotifiesOnce(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	rec := newRecorder()
	_, _, l, err := cli.GetAndListen(ctx, "k", rec.handle)
	if err != nil {
		t.Fatalf("GetAndListen: %v", err)
	}
	defer l.Close()
	waitUntil(t, "watch registered", func() bool { return srv.Watchers("k") == 2 })

	if ok, _ := cli.Set(ctx, "k", "mine"); !ok {
		t.Fatalf("set failed")
	}
	ch := rec.next(t)
	if !ch.Local || ch.Value.Raw != "mine" {
		t.Fatalf("local change = %+v", ch)
	}

	// Pushes are applied in order, so once this one arrives the echo of the
	// write above has been handled.
	srv.Set("k", "theirs", api.ContentTypeText)
	ch = rec.next(t)
	if ch.Local || ch.Value.Raw != "theirs" {
		t.Fatalf("remote change = %+v", ch)
	}
	rec.none(t, 100*time.Millisecond)
}

func TestListenerPauseAndResume(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	rec := newRecorder()
	_, _, l, err := cli.GetAndListen(ctx, "k", rec.handle)
	if err != nil {
		t.Fatalf("GetAndListen: %v", err)
	}
	transitions := make(chan bool, 4)
	l.OnListeningChanged(func(listening bool) { transitions <- listening })
	waitUntil(t, "watch registered", func() bool { return srv.Watchers("k") == 2 })

	l.SetListening(false)
	if l.Listening() {
		t.Fatalf("listener still listening")
	}
	if got := <-transitions; got {
		t.Fatalf("transition = %v, want false", got)
	}
	waitUntil(t, "watch dropped", func() bool { return srv.Watchers("k") == 0 })
	srv.Set("k", "unseen", api.ContentTypeText)
	rec.none(t, 150*time.Millisecond)

	l.SetListening(true)
	if got := <-transitions; !got {
		t.Fatalf("transition = %v, want true", got)
	}
	waitUntil(t, "watch restored", func() bool { return srv.Watchers("k") == 2 })
	// Resuming revalidates, so the value written while paused arrives first.
	ch := rec.next(t)
	if ch.Value.Raw != "unseen" {
		t.Fatalf("resync change = %+v", ch)
	}
	srv.Set("k", "seen", api.ContentTypeText)
	ch = rec.next(t)
	if ch.Value.Raw != "seen" {
		t.Fatalf("change = %+v", ch)
	}

	l.Close()
	if got := <-transitions; got {
		t.Fatalf("close transition = %v", got)
	}
	waitUntil(t, "watch dropped after close", func() bool { return srv.Watchers("k") == 0 })
}

func TestDeletedPushClearsValue(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)
	srv.SetSilently("k", "v", api.ContentTypeText)

	rec := newRecorder()
	_, ok, l, err := cli.GetAndListen(ctx, "k", rec.handle)
	if err != nil || !ok {
		t.Fatalf("GetAndListen ok=%v err=%v", ok, err)
	}
	defer l.Close()
	waitUntil(t, "watch registered", func() bool { return srv.Watchers("k") == 2 })

	srv.Delete("k")
	ch := rec.next(t)
	if ch.Action != api.ActionDeleted || ch.Present || !ch.HadPrevious || ch.Previous.Raw != "v" {
		t.Fatalf("change = %+v", ch)
	}
	if v, ok := cli.Get(ctx, "k"); ok {
		t.Fatalf("value still present: %+v", v)
	}
}

func TestRepeatedValuelessPushesRefreshEachTime(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)
	srv.SetSilently("k", "v0", api.ContentTypeText)

	rec := newRecorder()
	_, _, l, err := cli.GetAndListen(ctx, "k", rec.handle)
	if err != nil {
		t.Fatalf("GetAndListen: %v", err)
	}
	defer l.Close()
	waitUntil(t, "watch registered", func() bool { return srv.Watchers("k") == 2 })

	for _, want := range []string{"v1", "v2"} {
		srv.SetSilently("k", want, api.ContentTypeText)
		srv.Push(api.KeyEvent{Action: api.ActionChanged, Key: "k"})
		if ch := rec.next(t); ch.Value.Raw != want {
			t.Fatalf("change = %+v, want %q", ch, want)
		}
	}
	if v, ok := cli.Get(ctx, "k"); !ok || v.Raw != "v2" {
		t.Fatalf("get = %+v ok=%v", v, ok)
	}
}

func TestRepeatedDeletedPushesAllApply(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)
	srv.SetSilently("k", "v", api.ContentTypeText)

	rec := newRecorder()
	_, _, l, err := cli.GetAndListen(ctx, "k", rec.handle)
	if err != nil {
		t.Fatalf("GetAndListen: %v", err)
	}
	defer l.Close()
	waitUntil(t, "watch registered", func() bool { return srv.Watchers("k") == 2 })

	x := "x"
	srv.Push(api.KeyEvent{Action: api.ActionDeleted, Key: "k"})
	srv.Push(api.KeyEvent{Action: api.ActionChanged, Key: "k", ETag: "e-x", Value: &x, ContentType: api.ContentTypeText})
	srv.Push(api.KeyEvent{Action: api.ActionDeleted, Key: "k"})

	if ch := rec.next(t); ch.Action != api.ActionDeleted || ch.Present {
		t.Fatalf("first change = %+v", ch)
	}
	if ch := rec.next(t); ch.Action != api.ActionChanged || ch.Value.Raw != "x" {
		t.Fatalf("second change = %+v", ch)
	}
	if ch := rec.next(t); ch.Action != api.ActionDeleted || ch.Present || ch.Previous.Raw != "x" {
		t.Fatalf("third change = %+v", ch)
	}
	rec.none(t, 100*time.Millisecond)
	if v, ok := cli.Get(ctx, "k"); ok {
		t.Fatalf("value still present: %+v", v)
	}
}

func TestBypassCacheSeesServerDelete(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)
	srv.SetSilently("k", "v0", api.ContentTypeText)

	_, ok, l, err := cli.GetAndListen(ctx, "k", func(client.Change) {})
	if err != nil || !ok {
		t.Fatalf("GetAndListen ok=%v err=%v", ok, err)
	}
	defer l.Close()
	waitUntil(t, "watch registered", func() bool { return srv.Watchers("k") == 2 })
	l.SetListening(false)
	waitUntil(t, "watch removed", func() bool { return srv.Watchers("k") == 0 })

	srv.Delete("k")
	if v, ok := cli.Get(ctx, "k", client.WithBypassCache()); ok {
		t.Fatalf("bypass get = %+v, want absent", v)
	}
	if v, ok := cli.Get(ctx, "k"); ok {
		t.Fatalf("get after bypass = %+v, want absent", v)
	}
}

func TestRefreshKeepsValueWhenOriginFails(t *testing.T) {
	srv := newServer(t, livetest.Options{RedirectGets: true})
	cli := newTestClient(t, srv)
	ctx := testContext(t)
	srv.SetSilently("k", "v1", api.ContentTypeText)

	rec := newRecorder()
	v, ok, l, err := cli.GetAndListen(ctx, "k", rec.handle)
	if err != nil || !ok || v.Raw != "v1" {
		t.Fatalf("GetAndListen = %+v ok=%v err=%v", v, ok, err)
	}
	defer l.Close()
	waitUntil(t, "watch registered", func() bool { return srv.Watchers("k") == 2 })

	srv.FailContent(true)
	srv.SetSilently("k", "v2", api.ContentTypeText)
	srv.Push(api.KeyEvent{Action: api.ActionChanged, Key: "k"})
	rec.none(t, 300*time.Millisecond)
	if v, ok := cli.Get(ctx, "k"); !ok || v.Raw != "v1" {
		t.Fatalf("get during outage = %+v ok=%v", v, ok)
	}

	srv.FailContent(false)
	srv.Push(api.KeyEvent{Action: api.ActionChanged, Key: "k"})
	if ch := rec.next(t); ch.Value.Raw != "v2" || !ch.Present {
		t.Fatalf("change after recovery = %+v", ch)
	}
}

func TestPushWithoutValueRefreshes(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)
	srv.SetSilently("k", "v1", api.ContentTypeText)

	rec := newRecorder()
	_, _, l, err := cli.GetAndListen(ctx, "k", rec.handle)
	if err != nil {
		t.Fatalf("GetAndListen: %v", err)
	}
	defer l.Close()
	waitUntil(t, "watch registered", func() bool { return srv.Watchers("k") == 2 })

	etag := srv.SetSilently("k", "v2", api.ContentTypeText)
	srv.Push(api.KeyEvent{Action: api.ActionChanged, Key: "k", ETag: etag})
	ch := rec.next(t)
	if ch.Value.Raw != "v2" || ch.Value.ETag != etag {
		t.Fatalf("change = %+v", ch)
	}
	rec.none(t, 100*time.Millisecond)
}

func TestSocketReconnectRevalidates(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	rec := newRecorder()
	_, _, l, err := cli.GetAndListen(ctx, "k", rec.handle)
	if err != nil {
		t.Fatalf("GetAndListen: %v", err)
	}
	defer l.Close()
	waitUntil(t, "watch registered", func() bool { return srv.Watchers("k") == 2 })

	srv.SetSilently("k", "missed", api.ContentTypeText)
	srv.DropSockets(websocket.CloseGoingAway)
	ch := rec.next(t)
	if ch.Value.Raw != "missed" {
		t.Fatalf("change = %+v", ch)
	}
	waitUntil(t, "watch restored", func() bool { return srv.Watchers("k") == 2 })
}

func TestServerResetKeepsListeners(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	rec := newRecorder()
	_, _, l, err := cli.GetAndListen(ctx, "k", rec.handle)
	if err != nil {
		t.Fatalf("GetAndListen: %v", err)
	}
	defer l.Close()
	waitUntil(t, "watch registered", func() bool { return srv.Watchers("k") == 2 })

	reconnected := make(chan struct{}, 1)
	cli.Once(client.EventConnect, func(any) { reconnected <- struct{}{} })
	srv.PushReset()
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatalf("client did not reconnect after reset")
	}
	if got := srv.Count("http:init"); got != 2 {
		t.Fatalf("init calls = %d, want 2", got)
	}
	waitUntil(t, "watch restored", func() bool { return srv.Watchers("k") >= 2 })
	waitUntil(t, "old sockets closed", func() bool { return srv.Connections() == 2 })

	srv.Set("k", "after-reset", api.ContentTypeText)
	ch := rec.next(t)
	if ch.Value.Raw != "after-reset" {
		t.Fatalf("change = %+v", ch)
	}
}

func TestLockBlocksOtherWriters(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	owner := newTestClient(t, srv)
	other := newTestClient(t, srv)
	ctx := testContext(t)

	if ok, _ := owner.Set(ctx, "a", "start"); !ok {
		t.Fatalf("set failed")
	}
	lock, err := owner.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if lock.ID() == "" || !lock.IsLocked() || lock.Key() != "a" {
		t.Fatalf("lock = %+v", lock)
	}
	if srv.LockHolder("a") != lock.ID() {
		t.Fatalf("server lock holder = %q", srv.LockHolder("a"))
	}

	if ok, err := other.Set(ctx, "a", "intruder"); err != nil || ok {
		t.Fatalf("set under foreign lock: ok=%v err=%v", ok, err)
	}
	if ok, err := owner.Set(ctx, "a", "owned", client.WithLockID(lock.ID())); err != nil || !ok {
		t.Fatalf("set with lock id: ok=%v err=%v", ok, err)
	}
	if err := lock.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, _ := other.Set(ctx, "a", "after"); !ok {
		t.Fatalf("set after unlock failed")
	}
	if v, _, _ := srv.Value("a"); v != "after" {
		t.Fatalf("server value = %q", v)
	}
}

func TestLockNotGranted(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	owner := newTestClient(t, srv)
	other := newTestClient(t, srv)
	ctx := testContext(t)

	lock, err := owner.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer lock.Close()
	if _, err := other.Lock(ctx, "a", client.WithLockTimeout(50*time.Millisecond)); !errors.Is(err, client.ErrLockNotGranted) {
		t.Fatalf("expected ErrLockNotGranted, got %v", err)
	}
}

func TestUnlockTwice(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	lock, err := cli.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := lock.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	waitUntil(t, "unlock on every socket", func() bool { return srv.Count("unlock") == 2 })
	sent := srv.Count("unlock")
	if err := lock.Unlock(ctx); err != nil {
		t.Fatalf("second unlock: %v", err)
	}
	if err := lock.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := srv.Count("unlock"); got != sent {
		t.Fatalf("unlock frames = %d after repeat, want %d", got, sent)
	}
	if lock.IsLocked() || srv.LockHolder("a") != "" {
		t.Fatalf("lock still held")
	}
}

func TestLockAndSet(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	incr := func(ctx context.Context, cur client.Value, exists bool) (any, error) {
		n := 0
		if exists {
			if err := cur.Unmarshal(&n); err != nil {
				return nil, err
			}
		}
		return n + 1, nil
	}
	for i := 0; i < 3; i++ {
		ok, err := cli.LockAndSet(ctx, "counter", incr)
		if err != nil || !ok {
			t.Fatalf("LockAndSet %d: ok=%v err=%v", i, ok, err)
		}
	}
	var n int
	if !cli.GetJSON(ctx, "counter", &n) || n != 3 {
		t.Fatalf("counter = %d", n)
	}
	if srv.LockHolder("counter") != "" {
		t.Fatalf("lock not released")
	}
}

func TestLockAndSetUnderAPITransport(t *testing.T) {
	srv := newServer(t, livetest.Options{SetEnv: api.TransportAPI})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	ok, err := cli.LockAndSet(ctx, "k", func(context.Context, client.Value, bool) (any, error) {
		return "v1", nil
	})
	if err != nil || !ok {
		t.Fatalf("LockAndSet: ok=%v err=%v", ok, err)
	}
	if got, _, _ := srv.Value("k"); got != "v1" {
		t.Fatalf("server value = %q", got)
	}
	if srv.Count("http:put") != 0 {
		t.Fatalf("locked write went through PUT /keys")
	}
	if srv.Count(api.EventPut) == 0 {
		t.Fatalf("locked write did not use the sockets")
	}

	if ok, err := cli.Set(ctx, "plain", "v"); err != nil || !ok {
		t.Fatalf("unlocked set: ok=%v err=%v", ok, err)
	}
	if srv.Count("http:put") != 1 {
		t.Fatalf("unlocked write should use PUT /keys, got %d", srv.Count("http:put"))
	}
}

func TestLockAndSetNilValueSkipsWrite(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	ok, err := cli.LockAndSet(ctx, "k", func(context.Context, client.Value, bool) (any, error) {
		return nil, nil
	})
	if err != nil || ok {
		t.Fatalf("LockAndSet: ok=%v err=%v", ok, err)
	}
	if _, _, found := srv.Value("k"); found {
		t.Fatalf("value written")
	}
	if srv.LockHolder("k") != "" {
		t.Fatalf("lock not released")
	}

	boom := errors.New("boom")
	if _, err := cli.LockAndSet(ctx, "k", func(context.Context, client.Value, bool) (any, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if srv.LockHolder("k") != "" {
		t.Fatalf("lock not released after error")
	}
}

func TestLockAndSetReleasesOnPanic(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("panic not propagated")
			}
		}()
		_, _ = cli.LockAndSet(ctx, "k", func(context.Context, client.Value, bool) (any, error) {
			panic("compute failed")
		})
	}()
	if srv.LockHolder("k") != "" {
		t.Fatalf("lock not released after panic")
	}
	if ok, _ := cli.Set(ctx, "k", "free"); !ok {
		t.Fatalf("set after panic failed")
	}
}

func TestDispose(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	ctx := testContext(t)

	rec := newRecorder()
	_, _, l, err := cli.GetAndListen(ctx, "k", rec.handle)
	if err != nil {
		t.Fatalf("GetAndListen: %v", err)
	}
	if err := cli.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if err := cli.Dispose(); err != nil {
		t.Fatalf("second dispose: %v", err)
	}
	if l.Listening() {
		t.Fatalf("listener still listening after dispose")
	}
	if err := cli.Connect(ctx); !errors.Is(err, client.ErrDisposed) {
		t.Fatalf("connect after dispose = %v", err)
	}
	if _, err := cli.Set(ctx, "k", "v"); !errors.Is(err, client.ErrDisposed) {
		t.Fatalf("set after dispose = %v", err)
	}
	if _, ok := cli.Get(ctx, "k"); ok {
		t.Fatalf("get after dispose reported a value")
	}
	if _, err := cli.Lock(ctx, "k"); !errors.Is(err, client.ErrDisposed) {
		t.Fatalf("lock after dispose = %v", err)
	}
	waitUntil(t, "sockets closed", func() bool { return srv.Connections() == 0 })
}

func TestSetRejectsUnencodableValue(t *testing.T) {
	srv := newServer(t, livetest.Options{})
	cli := newTestClient(t, srv)
	if _, err := cli.Set(testContext(t), "k", make(chan int)); err == nil {
		t.Fatalf("expected encode error")
	}
	if _, err := cli.Set(testContext(t), "k", nil); err == nil {
		t.Fatalf("expected error for nil value")
	}
	if got := srv.Count("http:init"); got != 0 {
		t.Fatalf("encode errors must not connect, init calls = %d", got)
	}
}
