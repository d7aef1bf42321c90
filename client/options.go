package client

import (
	"net/http"
	"time"

	"pkt.systems/dblive/internal/clock"
	"pkt.systems/dblive/internal/loggingutil"
	"pkt.systems/dblive/internal/rest"
	"pkt.systems/dblive/internal/socket"
	"pkt.systems/dblive/internal/svcfields"
	"pkt.systems/dblive/store"
	"pkt.systems/pslog"
)

const (
	// DefaultAPIURL is the hosted DBLive REST endpoint.
	DefaultAPIURL = "https://a.dblive.io"
	// DefaultSocketTimeout bounds every operation raced across the sockets.
	DefaultSocketTimeout = socket.DefaultTimeout
	// DefaultHTTPTimeout bounds every REST request.
	DefaultHTTPTimeout = rest.DefaultHTTPTimeout
	// DefaultConnectTimeout bounds one connect attempt, handshake included.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultLockTimeout is how long the server holds a lock that is never
	// released.
	DefaultLockTimeout = 5 * time.Second
	// DefaultReleaseTimeout bounds the unlock issued by Lock.Close.
	DefaultReleaseTimeout = 5 * time.Second
	// DefaultReconnectBaseDelay is the first redial delay of a socket.
	DefaultReconnectBaseDelay = socket.DefaultReconnectBaseDelay
	// DefaultReconnectMaxDelay caps the redial delay of a socket.
	DefaultReconnectMaxDelay = socket.DefaultReconnectMaxDelay
	// DefaultReconnectMultiplier grows the redial delay between attempts.
	DefaultReconnectMultiplier = socket.DefaultReconnectMultiplier
	// DefaultPingInterval is the socket keepalive period.
	DefaultPingInterval = socket.DefaultPingInterval
)

// Option customises client construction.
type Option func(*Client)

// WithAPIURL overrides the REST endpoint used for the init handshake.
// Hosts without a scheme get https:// (http:// with WithInsecure).
func WithAPIURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.apiURL = url
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to a disabled logger.
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = loggingutil.NoopBase()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, svcfields.SysClient)
			c.baseLogger = full
			return
		}
		c.logger = logger
		c.baseLogger = logger
	}
}

// WithStore backs the content cache with s instead of process memory.
func WithStore(s store.Store) Option {
	return func(c *Client) {
		if s != nil {
			c.store = s
		}
	}
}

// WithInsecure resolves scheme-less domains to http:// and ws://.
func WithInsecure(insecure bool) Option {
	return func(c *Client) {
		c.insecure = insecure
	}
}

// WithSocketTimeout bounds each operation raced across the sockets.
func WithSocketTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.socketTimeout = d
		}
	}
}

// WithHTTPClient supplies the HTTP client used for REST and content reads.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithHTTPTimeout bounds each REST request when the default HTTP client is used.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithConnectTimeout bounds one connect attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithReconnectBackoff configures the redial policy of sockets that lost
// their connection. Non-positive values keep the defaults.
func WithReconnectBackoff(base, max time.Duration, multiplier float64) Option {
	return func(c *Client) {
		if base > 0 {
			c.backoff.BaseDelay = base
		}
		if max > 0 {
			c.backoff.MaxDelay = max
		}
		if multiplier > 1 {
			c.backoff.Multiplier = multiplier
		}
	}
}

// WithPingInterval sets the socket keepalive period.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithClientID fixes the identity attached to this client's writes. Pushes
// carrying the same identity are treated as self-echoes and ignored.
func WithClientID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.id = id
		}
	}
}

func withClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

func withDialer(d socket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// GetOptions tweaks Get and its variants.
type GetOptions struct {
	// BypassCache reads from the server even when a value is held locally.
	BypassCache bool
	// VersionID pins the read to a historical version. Pinned reads always use
	// HTTP and never touch the key watcher.
	VersionID string
}

// GetOption applies custom behaviour to Get.
type GetOption func(*GetOptions)

// WithBypassCache forces a server read.
func WithBypassCache() GetOption {
	return func(opts *GetOptions) {
		opts.BypassCache = true
	}
}

// WithVersion pins the read to versionID.
func WithVersion(versionID string) GetOption {
	return func(opts *GetOptions) {
		opts.VersionID = versionID
	}
}

func applyGetOptions(opts []GetOption) GetOptions {
	var o GetOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// SetOptions tweaks Set.
type SetOptions struct {
	// CustomArgs are echoed back to every watcher in the resulting key event.
	// The clientId entry is reserved for self-echo detection.
	CustomArgs map[string]any
	// LockID authorises a write to a locked key.
	LockID string
	// ContentType overrides the content type derived from the value.
	ContentType string
}

// SetOption applies custom behaviour to Set.
type SetOption func(*SetOptions)

// WithCustomArgs attaches args to the write.
func WithCustomArgs(args map[string]any) SetOption {
	return func(opts *SetOptions) {
		if len(args) == 0 {
			return
		}
		if opts.CustomArgs == nil {
			opts.CustomArgs = make(map[string]any, len(args))
		}
		for k, v := range args {
			opts.CustomArgs[k] = v
		}
	}
}

// WithLockID writes under the lock identified by id.
func WithLockID(id string) SetOption {
	return func(opts *SetOptions) {
		opts.LockID = id
	}
}

// WithContentType overrides the content type of the written value.
func WithContentType(ct string) SetOption {
	return func(opts *SetOptions) {
		opts.ContentType = ct
	}
}

func applySetOptions(opts []SetOption) SetOptions {
	var o SetOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// LockOptions tweaks Lock.
type LockOptions struct {
	// Timeout is how long the server keeps the lock if it is never released.
	Timeout time.Duration
}

// LockOption applies custom behaviour to Lock.
type LockOption func(*LockOptions)

// WithLockTimeout sets the server-side lock expiry.
func WithLockTimeout(d time.Duration) LockOption {
	return func(opts *LockOptions) {
		if d > 0 {
			opts.Timeout = d
		}
	}
}

func applyLockOptions(opts []LockOption) LockOptions {
	o := LockOptions{Timeout: DefaultLockTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
