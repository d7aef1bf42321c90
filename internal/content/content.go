// Package content keeps the local view of key values. Reads prefer the
// socket manager and fall back to conditional HTTP requests against the
// content origin; writes are applied optimistically and rolled back when the
// server does not confirm them.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/internal/correlation"
	"pkt.systems/dblive/internal/loggingutil"
	"pkt.systems/dblive/internal/rest"
	"pkt.systems/dblive/internal/svcfields"
	"pkt.systems/dblive/store"
	"pkt.systems/pslog"
)

// Entry is one cached value. An empty ETag means the value is not confirmed
// by the server.
type Entry struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	ContentType string `json:"contentType"`
	ETag        string `json:"etag,omitempty"`
}

// IsJSON reports whether the entry is tagged as JSON.
func (e Entry) IsJSON() bool {
	return e.ContentType == api.ContentTypeJSON
}

// Sockets is the part of the socket manager the cache uses.
type Sockets interface {
	Connected() bool
	Get(ctx context.Context, key string) (api.GetResult, error)
	Meta(ctx context.Context, key string) (api.MetaAck, error)
	Put(ctx context.Context, req api.PutRequest) (api.PutAck, error)
}

// REST is the part of the REST client the cache uses.
type REST interface {
	GetContent(ctx context.Context, target, etag string) (rest.Content, error)
	SetKey(ctx context.Context, key, body, contentType string, customArgs map[string]any) (api.SetKeyResponse, error)
}

// Config wires a Cache.
type Config struct {
	AppKey  string
	Store   store.Store
	Sockets Sockets
	REST    REST
	Session *rest.Session
	Logger  pslog.Base
}

// SetOptions are forwarded with a write.
type SetOptions struct {
	CustomArgs map[string]any
	LockID     string
}

// Cache is the content cache of one session.
type Cache struct {
	appKey  string
	store   store.Store
	sockets Sockets
	rest    REST
	session *rest.Session
	logger  pslog.Base
	metrics *cacheMetrics

	// mu serializes read-modify-write sequences on the store.
	mu sync.Mutex
}

// New returns a cache. Store defaults to an in-memory store.
func New(cfg Config) (*Cache, error) {
	if cfg.AppKey == "" {
		return nil, errors.New("dblive: content cache requires an app key")
	}
	if cfg.Session == nil {
		return nil, errors.New("dblive: content cache requires a session")
	}
	if cfg.REST == nil {
		return nil, errors.New("dblive: content cache requires a REST client")
	}
	st := cfg.Store
	if st == nil {
		st = store.NewMemory()
	}
	logger := loggingutil.Subsystem(cfg.Logger, svcfields.SysContent)
	return &Cache{
		appKey:  cfg.AppKey,
		store:   st,
		sockets: cfg.Sockets,
		rest:    cfg.REST,
		session: cfg.Session,
		logger:  logger,
		metrics: newCacheMetrics(logger),
	}, nil
}

func (c *Cache) storeKey(key, versionID string) string {
	k := c.appKey + "/" + key
	if versionID != "" {
		k += "-" + versionID
	}
	return k
}

func (c *Cache) kv(ctx context.Context, keyvals ...any) []any {
	if id := correlation.ID(ctx); id != "" {
		return append(keyvals, "cid", id)
	}
	return keyvals
}

func (c *Cache) load(sk string) (Entry, bool) {
	raw, ok := c.store.GetItem(sk)
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.logger.Warn("content.store.corrupt", "store_key", sk, "error", err)
		return Entry{}, false
	}
	return e, true
}

func (c *Cache) save(sk string, e Entry) {
	if e.ContentType == "" {
		e.ContentType = api.ContentTypeText
	}
	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("content.store.encode_failed", "key", e.Key, "error", err)
		return
	}
	if err := c.store.SetItem(sk, string(data)); err != nil {
		c.logger.Warn("content.store.write_failed", "key", e.Key, "error", err)
	}
}

func (c *Cache) remove(sk string) {
	if err := c.store.RemoveItem(sk); err != nil {
		c.logger.Warn("content.store.remove_failed", "store_key", sk, "error", err)
	}
}

func (c *Cache) socketsConnected() bool {
	return c.sockets != nil && c.sockets.Connected()
}

// GetFromCache returns the locally stored entry without touching the network.
func (c *Cache) GetFromCache(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.load(c.storeKey(key, ""))
	c.metrics.recordRead(context.Background(), "local", ok)
	return e, ok
}

// Get reads key from the server. Unpinned reads go over the sockets when
// any is alive; pinned reads, redirects and socket failures use HTTP. A
// false result with a nil error means the server has no value; an error
// means the read failed and the local entry was left alone.
func (c *Cache) Get(ctx context.Context, key, versionID string) (Entry, bool, error) {
	if versionID == "" && c.socketsConnected() {
		res, err := c.sockets.Get(ctx, key)
		switch {
		case err != nil:
			c.logger.Debug("content.get.socket_failed", c.kv(ctx, "key", key, "error", err)...)
			c.metrics.recordFallback(ctx, "get")
		case res.Outcome == api.GetRedirect:
			c.logger.Debug("content.get.redirect", c.kv(ctx, "key", key, "url", res.URL)...)
			return c.getFromURL(ctx, key, "", res.URL)
		default:
			e, ok := c.applySocketResult(ctx, key, res)
			return e, ok, nil
		}
	}
	return c.getFromURL(ctx, key, versionID, "")
}

func (c *Cache) applySocketResult(ctx context.Context, key string, res api.GetResult) (Entry, bool) {
	sk := c.storeKey(key, "")
	c.mu.Lock()
	defer c.mu.Unlock()
	if res.Value == nil {
		c.remove(sk)
		c.metrics.recordRead(ctx, "socket", false)
		c.logger.Debug("content.get.socket_absent", c.kv(ctx, "key", key)...)
		return Entry{}, false
	}
	e := Entry{Key: key, Value: *res.Value, ContentType: res.ContentType, ETag: res.ETag}
	if e.ContentType == "" {
		e.ContentType = api.ContentTypeText
	}
	c.save(sk, e)
	c.metrics.recordRead(ctx, "socket", true)
	c.logger.Trace("content.get.socket", c.kv(ctx, "key", key, "etag", e.ETag)...)
	return e, true
}

func (c *Cache) getFromURL(ctx context.Context, key, versionID, target string) (Entry, bool, error) {
	sk := c.storeKey(key, versionID)
	if target == "" {
		target = c.session.ContentURL(key, versionID)
	}
	c.mu.Lock()
	cached, hasCached := c.load(sk)
	c.mu.Unlock()
	etag := ""
	if hasCached {
		etag = cached.ETag
	}

	res, err := c.rest.GetContent(ctx, target, etag)
	if err != nil {
		c.logger.Warn("content.get.http_failed", c.kv(ctx, "key", key, "error", err)...)
		c.metrics.recordRead(ctx, "http_failed", false)
		return Entry{}, false, fmt.Errorf("dblive: read %q: %w", key, err)
	}
	switch res.Status {
	case rest.ContentOK:
		e := Entry{Key: key, Value: res.Body, ContentType: res.ContentType, ETag: res.ETag}
		if e.ContentType == "" {
			e.ContentType = api.ContentTypeText
		}
		c.mu.Lock()
		c.save(sk, e)
		c.mu.Unlock()
		c.metrics.recordRead(ctx, "http", true)
		return e, true, nil
	case rest.ContentNotModified:
		c.metrics.recordRead(ctx, "http_not_modified", hasCached)
		c.logger.Trace("content.get.not_modified", c.kv(ctx, "key", key, "etag", etag)...)
		if !hasCached {
			return Entry{}, false, fmt.Errorf("dblive: read %q: not modified without a cached entry", key)
		}
		return cached, true, nil
	case rest.ContentMissing:
		c.mu.Lock()
		c.remove(sk)
		c.mu.Unlock()
		c.metrics.recordRead(ctx, "http", false)
		c.logger.Debug("content.get.missing", c.kv(ctx, "key", key, "status", res.Code)...)
		return Entry{}, false, nil
	default:
		c.metrics.recordRead(ctx, "http_failed", false)
		return Entry{}, false, fmt.Errorf("dblive: read %q: unexpected status %d", key, res.Code)
	}
}

// Refresh revalidates key. With a confirmed local etag only the metadata is
// fetched; the body is downloaded again only when the etags differ. Errors
// follow Get.
func (c *Cache) Refresh(ctx context.Context, key string) (Entry, bool, error) {
	cached, ok := c.GetFromCache(key)
	if !ok || cached.ETag == "" {
		c.logger.Trace("content.refresh.no_etag", c.kv(ctx, "key", key)...)
		c.metrics.recordRevalidation(ctx, "no_etag")
		return c.Get(ctx, key, "")
	}
	if !c.socketsConnected() {
		c.metrics.recordRevalidation(ctx, "http")
		return c.Get(ctx, key, "")
	}
	meta, err := c.sockets.Meta(ctx, key)
	if err != nil {
		c.logger.Debug("content.refresh.meta_failed", c.kv(ctx, "key", key, "error", err)...)
		c.metrics.recordRevalidation(ctx, "meta_failed")
		return c.Get(ctx, key, "")
	}
	if meta.ETag == cached.ETag {
		c.logger.Trace("content.refresh.unchanged", c.kv(ctx, "key", key, "etag", cached.ETag)...)
		c.metrics.recordRevalidation(ctx, "unchanged")
		return cached, true, nil
	}
	c.logger.Debug("content.refresh.changed", c.kv(ctx, "key", key, "local_etag", cached.ETag, "server_etag", meta.ETag)...)
	c.metrics.recordRevalidation(ctx, "changed")
	return c.Get(ctx, key, "")
}

// Set writes value optimistically and reports whether the server confirmed
// it. On failure the snapshot taken before the write is restored, unless
// something else replaced the optimistic value in the meantime.
func (c *Cache) Set(ctx context.Context, key, value, contentType string, opts SetOptions) bool {
	if contentType == "" {
		contentType = api.ContentTypeText
	}
	sk := c.storeKey(key, "")
	written := Entry{Key: key, Value: value, ContentType: contentType}

	c.mu.Lock()
	prev, hadPrev := c.load(sk)
	c.save(sk, written)
	c.mu.Unlock()

	etag, confirmed, transport := c.write(ctx, key, value, contentType, opts)
	c.metrics.recordWrite(ctx, transport, confirmed)

	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.load(sk)
	stillOurs := ok && cur.Value == written.Value && cur.ContentType == written.ContentType && cur.ETag == ""
	if confirmed {
		if etag != "" && stillOurs {
			written.ETag = etag
			c.save(sk, written)
		}
		c.logger.Debug("content.set.confirmed", c.kv(ctx, "key", key, "transport", transport, "etag", etag)...)
		return true
	}
	if stillOurs {
		if hadPrev {
			c.save(sk, prev)
		} else {
			c.remove(sk)
		}
	}
	c.logger.Warn("content.set.rejected", c.kv(ctx, "key", key, "transport", transport, "rolled_back", stillOurs)...)
	return false
}

func (c *Cache) write(ctx context.Context, key, value, contentType string, opts SetOptions) (string, bool, string) {
	// The lock id only travels on the socket put, so a locked write uses the
	// sockets whatever transport the session prefers.
	locked := opts.LockID != ""
	if (locked || c.session.PreferredTransport == api.TransportSocket) && c.socketsConnected() {
		ack, err := c.sockets.Put(ctx, api.PutRequest{
			Key:         key,
			Body:        value,
			ContentType: contentType,
			CustomArgs:  opts.CustomArgs,
			LockID:      opts.LockID,
		})
		if err == nil {
			return ack.ETag, ack.Success || ack.ETag != "" || ack.VersionID != "", "socket"
		}
		if locked || ctx.Err() != nil {
			c.logger.Warn("content.set.socket_failed", c.kv(ctx, "key", key, "error", err)...)
			return "", false, "socket"
		}
		c.logger.Debug("content.set.socket_failed_fallback", c.kv(ctx, "key", key, "error", err)...)
		c.metrics.recordFallback(ctx, "set")
	}
	if locked {
		c.logger.Warn("content.set.locked_without_socket", c.kv(ctx, "key", key)...)
		return "", false, "socket"
	}
	resp, err := c.rest.SetKey(ctx, key, value, contentType, opts.CustomArgs)
	if err != nil {
		return "", false, "api"
	}
	return resp.ETag, resp.Confirmed(), "api"
}

// Apply stores e as the current value of its key. Push handling uses it for
// inline values.
func (c *Cache) Apply(e Entry) {
	if e.Key == "" {
		return
	}
	c.mu.Lock()
	c.save(c.storeKey(e.Key, ""), e)
	c.mu.Unlock()
}

// Delete drops the local entry for key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	c.remove(c.storeKey(key, ""))
	c.mu.Unlock()
}

// Clear drops every local entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("dblive: clear cache: %w", err)
	}
	return nil
}

// Decode returns the entry as a Go value: parsed JSON for JSON-tagged
// entries, the raw string otherwise. A JSON parse failure is logged and
// reported as no value.
func (c *Cache) Decode(e Entry) (any, bool) {
	v, err := Decode(e)
	if err != nil {
		c.logger.Warn("content.decode.failed", "key", e.Key, "error", err)
		return nil, false
	}
	return v, true
}

// Decode is the logger-free form of Cache.Decode.
func Decode(e Entry) (any, error) {
	if !e.IsJSON() {
		return e.Value, nil
	}
	var v any
	if err := json.Unmarshal([]byte(e.Value), &v); err != nil {
		return nil, fmt.Errorf("dblive: decode %q as json: %w", e.Key, err)
	}
	return v, nil
}
