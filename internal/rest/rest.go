// Package rest is the request/response collaborator of the client: the init
// handshake, the PUT /keys write path and conditional reads of static content.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/publicsuffix"

	"pkt.systems/dblive/api"
	"pkt.systems/dblive/internal/correlation"
	"pkt.systems/dblive/internal/loggingutil"
	"pkt.systems/dblive/internal/svcfields"
	"pkt.systems/dblive/internal/version"
	"pkt.systems/pslog"
)

// DefaultHTTPTimeout bounds every REST request.
const DefaultHTTPTimeout = 15 * time.Second

const headerCorrelationID = "X-Correlation-Id"

var (
	// ErrMissingContentDomain is returned by Init when the server omitted
	// contentDomain.
	ErrMissingContentDomain = errors.New("dblive: init response missing contentDomain")
	// ErrNoSocketDomains is returned by Init when the server listed no
	// socket endpoints.
	ErrNoSocketDomains = errors.New("dblive: init response lists no socket domains")
)

// APIError describes a non-2xx response.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.Code != "" {
		return fmt.Sprintf("dblive: %s (%s)", e.Response.Code, e.Response.Description)
	}
	return fmt.Sprintf("dblive: status %d", e.Status)
}

// Session is the outcome of a successful init handshake.
type Session struct {
	// Endpoints are the websocket URLs, one per redundant socket.
	Endpoints []string
	// Cookie is the session cookie header value. May be empty.
	Cookie string
	// ContentOrigin is the base URL static content is read from. It always
	// ends in a slash so keys can be appended.
	ContentOrigin string
	// PreferredTransport selects the write path.
	PreferredTransport api.Transport
	// APIURL is the REST base used after the handshake.
	APIURL string
}

// Header returns the headers sockets send when dialing.
func (s *Session) Header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", version.UserAgent())
	if s != nil && s.Cookie != "" {
		h.Set("Cookie", s.Cookie)
	}
	return h
}

// ContentURL returns the static URL for key, pinned to versionID when set.
func (s *Session) ContentURL(key, versionID string) string {
	name := key
	if versionID != "" {
		name += "-" + versionID
	}
	return s.ContentOrigin + (&url.URL{Path: name}).EscapedPath()
}

// Config configures a Client.
type Config struct {
	// APIURL is the REST base, with or without a scheme.
	APIURL string
	// AppKey is the application credential.
	AppKey string
	// Insecure resolves scheme-less domains to http/ws instead of https/wss.
	Insecure bool
	// HTTPClient overrides the default instrumented client. Its Jar is
	// replaced when nil.
	HTTPClient *http.Client
	// Timeout bounds each request. Zero uses DefaultHTTPTimeout.
	Timeout time.Duration
	Logger  pslog.Base
}

// Client talks to the REST API.
type Client struct {
	appKey     string
	insecure   bool
	httpClient *http.Client
	logger     pslog.Base

	mu     sync.RWMutex
	apiURL string
	cookie string
}

// New returns a client for cfg.APIURL.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AppKey) == "" {
		return nil, errors.New("dblive: app key required")
	}
	apiURL, err := NormalizeEndpoint(cfg.APIURL, cfg.Insecure)
	if err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultHTTPTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("dblive: cookie jar: %w", err)
		}
		copied := *httpClient
		copied.Jar = jar
		httpClient = &copied
	}
	return &Client{
		appKey:     cfg.AppKey,
		insecure:   cfg.Insecure,
		httpClient: httpClient,
		logger:     loggingutil.Subsystem(cfg.Logger, svcfields.SysREST),
		apiURL:     apiURL,
	}, nil
}

// APIURL returns the current REST base.
func (c *Client) APIURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiURL
}

func (c *Client) logKV(ctx context.Context, keyvals []any) []any {
	if id := correlation.ID(ctx); id != "" {
		return append(keyvals, "cid", id)
	}
	return keyvals
}

// Init performs the handshake and returns the session. A response without
// contentDomain or without socket domains is an error.
func (c *Client) Init(ctx context.Context) (*Session, error) {
	base := c.APIURL()
	c.logger.Debug("rest.init.start", c.logKV(ctx, []any{"api", base})...)
	var resp api.InitResponse
	if err := c.doJSON(ctx, http.MethodPost, base+"/init", api.InitRequest{AppKey: c.appKey}, &resp); err != nil {
		c.logger.Warn("rest.init.error", c.logKV(ctx, []any{"api", base, "error", err})...)
		return nil, err
	}
	if strings.TrimSpace(resp.ContentDomain) == "" {
		return nil, ErrMissingContentDomain
	}
	if len(resp.SocketDomains) == 0 {
		return nil, ErrNoSocketDomains
	}

	cookie := c.cookieFor(base)
	if resp.APIDomain != "" {
		next, err := NormalizeEndpoint(resp.APIDomain, c.insecure)
		if err != nil {
			return nil, fmt.Errorf("dblive: apiDomain: %w", err)
		}
		base = next
	}
	c.mu.Lock()
	c.apiURL = base
	c.cookie = cookie
	c.mu.Unlock()

	origin, err := NormalizeEndpoint(resp.ContentDomain, c.insecure)
	if err != nil {
		return nil, fmt.Errorf("dblive: contentDomain: %w", err)
	}
	endpoints := make([]string, 0, len(resp.SocketDomains))
	for _, domain := range resp.SocketDomains {
		u, err := SocketURL(domain, c.insecure)
		if err != nil {
			return nil, fmt.Errorf("dblive: socketDomains: %w", err)
		}
		endpoints = append(endpoints, u)
	}
	preferred := resp.SetEnv
	if preferred != api.TransportAPI {
		preferred = api.TransportSocket
	}
	session := &Session{
		Endpoints:          endpoints,
		Cookie:             cookie,
		ContentOrigin:      origin + "/",
		PreferredTransport: preferred,
		APIURL:             base,
	}
	c.logger.Info("rest.init.ok", c.logKV(ctx, []any{"sockets", len(endpoints), "transport", string(preferred), "content", session.ContentOrigin})...)
	return session, nil
}

func (c *Client) cookieFor(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || c.httpClient.Jar == nil {
		return ""
	}
	cookies := c.httpClient.Jar.Cookies(u)
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// SetKey writes key through PUT /keys. customArgs, when non-empty, is sent
// as a JSON document.
func (c *Client) SetKey(ctx context.Context, key, body, contentType string, customArgs map[string]any) (api.SetKeyResponse, error) {
	req := api.SetKeyRequest{
		AppKey:      c.appKey,
		Key:         key,
		Body:        body,
		ContentType: contentType,
	}
	if len(customArgs) > 0 {
		encoded, err := json.Marshal(customArgs)
		if err != nil {
			return api.SetKeyResponse{}, fmt.Errorf("dblive: encode custom args: %w", err)
		}
		req.CustomArgs = string(encoded)
	}
	var resp api.SetKeyResponse
	if err := c.doJSON(ctx, http.MethodPut, c.APIURL()+"/keys", req, &resp); err != nil {
		c.logger.Warn("rest.set.error", c.logKV(ctx, []any{"key", key, "error", err})...)
		return api.SetKeyResponse{}, err
	}
	c.logger.Trace("rest.set.ok", c.logKV(ctx, []any{"key", key, "etag", resp.ETag, "confirmed", resp.Confirmed()})...)
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, target string, payload, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.decorate(ctx, req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dblive: %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("dblive: decode %s response: %w", target, err)
	}
	return nil
}

func (c *Client) decorate(ctx context.Context, req *http.Request) {
	req.Header.Set("User-Agent", version.UserAgent())
	if id := correlation.ID(ctx); id != "" {
		req.Header.Set(headerCorrelationID, id)
	}
	c.mu.RLock()
	cookie := c.cookie
	c.mu.RUnlock()
	if cookie != "" && c.httpClient.Jar != nil && len(c.httpClient.Jar.Cookies(req.URL)) == 0 {
		req.Header.Set("Cookie", cookie)
	}
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	return &APIError{Status: resp.StatusCode, Response: errResp, Body: data}
}

// ContentStatus classifies a static content read.
type ContentStatus int

const (
	// ContentOK carries a fresh body.
	ContentOK ContentStatus = iota
	// ContentNotModified means the supplied etag is current.
	ContentNotModified
	// ContentMissing covers 403 and 404.
	ContentMissing
	// ContentUnexpected is any other status.
	ContentUnexpected
)

// Content is the result of GetContent.
type Content struct {
	Status      ContentStatus
	Code        int
	Body        string
	ETag        string
	ContentType string
}

// GetContent reads target, revalidating with etag when it is non-empty.
func (c *Client) GetContent(ctx context.Context, target, etag string) (Content, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Content{}, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	c.decorate(ctx, req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Content{}, fmt.Errorf("dblive: GET %s: %w", target, err)
	}
	defer resp.Body.Close()
	out := Content{Code: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusNotModified:
		out.Status = ContentNotModified
		out.ETag = etag
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		out.Status = ContentMissing
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return Content{}, fmt.Errorf("dblive: read %s: %w", target, err)
		}
		out.Status = ContentOK
		out.Body = string(data)
		out.ETag = resp.Header.Get("ETag")
		out.ContentType = mediaType(resp.Header.Get("Content-Type"))
	default:
		out.Status = ContentUnexpected
		c.logger.Warn("rest.content.unexpected_status", c.logKV(ctx, []any{"url", target, "status", resp.StatusCode})...)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return out, nil
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.TrimSpace(header)
	}
	return mt
}

// NormalizeEndpoint turns a domain into a base URL. Domains without a scheme
// get https://, or http:// when insecure. Trailing slashes are dropped.
func NormalizeEndpoint(raw string, insecure bool) (string, error) {
	return normalize(raw, insecure, "http://", "https://")
}

// SocketURL turns a socket domain into a websocket URL. http(s) schemes are
// rewritten to ws(s).
func SocketURL(raw string, insecure bool) (string, error) {
	trimmed := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(trimmed, "https://"):
		trimmed = "wss://" + strings.TrimPrefix(trimmed, "https://")
	case strings.HasPrefix(trimmed, "http://"):
		trimmed = "ws://" + strings.TrimPrefix(trimmed, "http://")
	}
	return normalize(trimmed, insecure, "ws://", "wss://")
}

func normalize(raw string, insecure bool, plain, secure string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("dblive: empty endpoint")
	}
	if !strings.Contains(trimmed, "://") {
		if insecure {
			trimmed = plain + trimmed
		} else {
			trimmed = secure + trimmed
		}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("dblive: parse endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("dblive: endpoint %q has no host", raw)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil && strings.Count(u.Host, ":") > 1 && !strings.HasPrefix(u.Host, "[") {
		return "", fmt.Errorf("dblive: endpoint %q: ambiguous IPv6 host", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
