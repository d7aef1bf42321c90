package dblive

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/dblive/client"
	"pkt.systems/dblive/internal/pathutil"
	"pkt.systems/dblive/store/disk"
	"pkt.systems/pslog"
)

const (
	// DefaultAPIURL is the hosted DBLive REST endpoint.
	DefaultAPIURL = client.DefaultAPIURL
	// DefaultSocketTimeout bounds each operation raced across the sockets.
	DefaultSocketTimeout = client.DefaultSocketTimeout
	// DefaultHTTPTimeout bounds each REST request.
	DefaultHTTPTimeout = client.DefaultHTTPTimeout
	// DefaultConnectTimeout bounds one connect attempt.
	DefaultConnectTimeout = client.DefaultConnectTimeout
	// DefaultLockTimeout is how long the server holds a lock taken by the CLI.
	DefaultLockTimeout = client.DefaultLockTimeout
	// DefaultReconnectBaseDelay is the first redial delay of a socket.
	DefaultReconnectBaseDelay = client.DefaultReconnectBaseDelay
	// DefaultReconnectMaxDelay caps the redial delay of a socket.
	DefaultReconnectMaxDelay = client.DefaultReconnectMaxDelay
	// DefaultReconnectMultiplier grows the redial delay between attempts.
	DefaultReconnectMultiplier = client.DefaultReconnectMultiplier
	// DefaultPingInterval is the socket keepalive period.
	DefaultPingInterval = client.DefaultPingInterval
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the settings of a DBLive client built by the CLI or by
// embedding programs.
type Config struct {
	// AppKey is the application credential. Required.
	AppKey string
	// APIURL is the REST endpoint used for the init handshake.
	APIURL string
	// Insecure resolves scheme-less domains to http:// and ws://.
	Insecure bool
	// ClientID fixes the identity attached to writes. Empty generates one.
	ClientID string

	// CacheDir persists cached values on disk. Empty keeps them in memory.
	CacheDir string
	// CacheWatch shares the disk cache between processes by watching it with
	// fsnotify.
	CacheWatch bool

	SocketTimeout       time.Duration
	HTTPTimeout         time.Duration
	ConnectTimeout      time.Duration
	LockTimeout         time.Duration
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	ReconnectMultiplier float64
	PingInterval        time.Duration

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://
	// or a bare host:port for gRPC).
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics on /metrics when set.
	MetricsListen string
	// PprofListen serves net/http/pprof when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
}

// DefaultConfig returns a Config with every default applied and no app key.
func DefaultConfig() Config {
	return Config{
		APIURL:              DefaultAPIURL,
		SocketTimeout:       DefaultSocketTimeout,
		HTTPTimeout:         DefaultHTTPTimeout,
		ConnectTimeout:      DefaultConnectTimeout,
		LockTimeout:         DefaultLockTimeout,
		ReconnectBaseDelay:  DefaultReconnectBaseDelay,
		ReconnectMaxDelay:   DefaultReconnectMaxDelay,
		ReconnectMultiplier: DefaultReconnectMultiplier,
		PingInterval:        DefaultPingInterval,
		MetricsListen:       DefaultMetricsListen,
		PprofListen:         DefaultPprofListen,
	}
}

// Validate fills unset fields with defaults and rejects inconsistent values.
func (c *Config) Validate() error {
	c.AppKey = strings.TrimSpace(c.AppKey)
	if c.AppKey == "" {
		return fmt.Errorf("config: app key is required")
	}
	c.APIURL = strings.TrimSpace(c.APIURL)
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if strings.Contains(c.APIURL, "://") {
		u, err := url.Parse(c.APIURL)
		if err != nil {
			return fmt.Errorf("config: parse api url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
		default:
			return fmt.Errorf("config: api url scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("config: api url %q has no host", c.APIURL)
		}
	}
	durations := []struct {
		name string
		val  *time.Duration
		def  time.Duration
	}{
		{"socket timeout", &c.SocketTimeout, DefaultSocketTimeout},
		{"http timeout", &c.HTTPTimeout, DefaultHTTPTimeout},
		{"connect timeout", &c.ConnectTimeout, DefaultConnectTimeout},
		{"lock timeout", &c.LockTimeout, DefaultLockTimeout},
		{"reconnect base delay", &c.ReconnectBaseDelay, DefaultReconnectBaseDelay},
		{"reconnect max delay", &c.ReconnectMaxDelay, DefaultReconnectMaxDelay},
		{"ping interval", &c.PingInterval, DefaultPingInterval},
	}
	for _, d := range durations {
		if *d.val < 0 {
			return fmt.Errorf("config: %s must be >= 0", d.name)
		}
		if *d.val == 0 {
			*d.val = d.def
		}
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("config: reconnect max delay %s is below base delay %s", c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	if c.ReconnectMultiplier == 0 {
		c.ReconnectMultiplier = DefaultReconnectMultiplier
	} else if c.ReconnectMultiplier < 1 {
		return fmt.Errorf("config: reconnect multiplier must be >= 1")
	}
	if c.CacheWatch && strings.TrimSpace(c.CacheDir) == "" {
		return fmt.Errorf("config: cache watch requires a cache dir")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// ClientOptions converts a validated Config into client options. The
// returned close function releases the disk cache, if one was opened.
func (c Config) ClientOptions(logger pslog.Logger) ([]client.Option, func() error, error) {
	opts := []client.Option{
		client.WithAPIURL(c.APIURL),
		client.WithInsecure(c.Insecure),
		client.WithSocketTimeout(c.SocketTimeout),
		client.WithHTTPTimeout(c.HTTPTimeout),
		client.WithConnectTimeout(c.ConnectTimeout),
		client.WithReconnectBackoff(c.ReconnectBaseDelay, c.ReconnectMaxDelay, c.ReconnectMultiplier),
		client.WithPingInterval(c.PingInterval),
		client.WithClientID(c.ClientID),
	}
	if logger != nil {
		opts = append(opts, client.WithLogger(logger))
	}
	closer := func() error { return nil }
	if dir := strings.TrimSpace(c.CacheDir); dir != "" {
		var base pslog.Base
		if logger != nil {
			base = logger
		}
		st, err := disk.New(disk.Config{Root: dir, Watch: c.CacheWatch, Logger: base})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, client.WithStore(st))
		closer = st.Close
	}
	return opts, closer, nil
}

// NewClient validates cfg and builds a client from it. Call the returned
// close function after disposing the client.
func NewClient(cfg Config, logger pslog.Logger) (*client.Client, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	opts, closer, err := cfg.ClientOptions(logger)
	if err != nil {
		return nil, nil, err
	}
	cli, err := client.New(cfg.AppKey, opts...)
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return cli, closer, nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.dblive).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DBLIVE_CONFIG_DIR")); override != "" {
		return pathutil.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".dblive"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}

// DefaultCacheDir returns the default on-disk cache location.
func DefaultCacheDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache"), nil
}
