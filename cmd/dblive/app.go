package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/dblive"
	"pkt.systems/dblive/client"
	"pkt.systems/dblive/internal/correlation"
	"pkt.systems/dblive/internal/pathutil"
	"pkt.systems/dblive/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	configKey                 = "config"
	appKeyKey                 = "app-key"
	apiURLKey                 = "api-url"
	insecureKey               = "insecure"
	clientIDKey               = "client-id"
	cacheDirKey               = "cache-dir"
	cacheWatchKey             = "cache-watch"
	socketTimeoutKey          = "socket-timeout"
	httpTimeoutKey            = "http-timeout"
	connectTimeoutKey         = "connect-timeout"
	lockTimeoutKey            = "lock-timeout"
	reconnectBaseDelayKey     = "reconnect-base-delay"
	reconnectMaxDelayKey      = "reconnect-max-delay"
	reconnectMultiplierKey    = "reconnect-multiplier"
	pingIntervalKey           = "ping-interval"
	otlpEndpointKey           = "otlp-endpoint"
	metricsListenKey          = "metrics-listen"
	pprofListenKey            = "pprof-listen"
	enableProfilingMetricsKey = "enable-profiling-metrics"
	logLevelKey               = "log-level"
	correlationIDKey          = "correlation-id"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DBLIVE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "dblive")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func envName(key string) string {
	return "DBLIVE_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	viper.Reset()
	cfg := &cliConfig{baseLogger: baseLogger}
	cmd := &cobra.Command{
		Use:           "dblive",
		Short:         "dblive reads, writes, watches and locks keys of a DBLive application",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Write and read a value
  DBLIVE_APP_KEY=my-app-key dblive set greeting hello
  DBLIVE_APP_KEY=my-app-key dblive get greeting

  # Follow changes with inline diffs until interrupted
  dblive watch --diff settings

  # Merge a JSON document into a key under its server lock
  dblive patch settings '{"theme":"dark"}'

  # Run a command while holding a key's lock
  dblive lock deploy -- ./deploy.sh
`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP(configKey, "c", "", "path to YAML config file (defaults to $HOME/.dblive/"+dblive.DefaultConfigFileName+")")
	flags.String(appKeyKey, "", "DBLive application key")
	flags.String(apiURLKey, dblive.DefaultAPIURL, "REST endpoint used for the init handshake")
	flags.Bool(insecureKey, false, "use http:// and ws:// for scheme-less domains")
	flags.String(clientIDKey, "", "identity attached to writes (default random per run)")
	flags.String(cacheDirKey, "", "persist cached values in this directory (default in memory)")
	flags.Bool(cacheWatchKey, false, "share the cache directory with other processes (fsnotify)")
	flags.Duration(socketTimeoutKey, dblive.DefaultSocketTimeout, "timeout for operations raced across sockets")
	flags.Duration(httpTimeoutKey, dblive.DefaultHTTPTimeout, "timeout for REST requests")
	flags.Duration(connectTimeoutKey, dblive.DefaultConnectTimeout, "timeout for the connect handshake")
	flags.Duration(lockTimeoutKey, dblive.DefaultLockTimeout, "how long to wait for a key lock")
	flags.Duration(reconnectBaseDelayKey, dblive.DefaultReconnectBaseDelay, "first socket redial delay")
	flags.Duration(reconnectMaxDelayKey, dblive.DefaultReconnectMaxDelay, "maximum socket redial delay")
	flags.Float64(reconnectMultiplierKey, dblive.DefaultReconnectMultiplier, "socket redial backoff multiplier")
	flags.Duration(pingIntervalKey, dblive.DefaultPingInterval, "socket keepalive period")
	flags.String(otlpEndpointKey, "", "OTLP trace endpoint (grpc://, grpcs://, http://, https:// or host:port)")
	flags.String(metricsListenKey, dblive.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String(pprofListenKey, dblive.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool(enableProfilingMetricsKey, false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String(logLevelKey, "none", "log level (trace|debug|info|warn|error|none)")
	flags.String(correlationIDKey, "", "correlation id attached to logs and traces")

	for _, key := range []string{
		configKey, appKeyKey, apiURLKey, insecureKey, clientIDKey, cacheDirKey, cacheWatchKey,
		socketTimeoutKey, httpTimeoutKey, connectTimeoutKey, lockTimeoutKey,
		reconnectBaseDelayKey, reconnectMaxDelayKey, reconnectMultiplierKey, pingIntervalKey,
		otlpEndpointKey, metricsListenKey, pprofListenKey, enableProfilingMetricsKey,
		logLevelKey, correlationIDKey,
	} {
		mustBindFlag(key, envName(key), flags.Lookup(key))
	}

	cmd.AddCommand(
		newGetCommand(cfg),
		newSetCommand(cfg),
		newWatchCommand(cfg),
		newLockCommand(cfg),
		newPatchCommand(cfg),
		newConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString(configKey))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := dblive.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	return pathutil.Abs(p)
}

func bindConfig() (dblive.Config, error) {
	cfg := dblive.Config{
		AppKey:                 viper.GetString(appKeyKey),
		APIURL:                 viper.GetString(apiURLKey),
		Insecure:               viper.GetBool(insecureKey),
		ClientID:               viper.GetString(clientIDKey),
		CacheWatch:             viper.GetBool(cacheWatchKey),
		SocketTimeout:          viper.GetDuration(socketTimeoutKey),
		HTTPTimeout:            viper.GetDuration(httpTimeoutKey),
		ConnectTimeout:         viper.GetDuration(connectTimeoutKey),
		LockTimeout:            viper.GetDuration(lockTimeoutKey),
		ReconnectBaseDelay:     viper.GetDuration(reconnectBaseDelayKey),
		ReconnectMaxDelay:      viper.GetDuration(reconnectMaxDelayKey),
		ReconnectMultiplier:    viper.GetFloat64(reconnectMultiplierKey),
		PingInterval:           viper.GetDuration(pingIntervalKey),
		OTLPEndpoint:           viper.GetString(otlpEndpointKey),
		MetricsListen:          viper.GetString(metricsListenKey),
		PprofListen:            viper.GetString(pprofListenKey),
		EnableProfilingMetrics: viper.GetBool(enableProfilingMetricsKey),
	}
	if dir := strings.TrimSpace(viper.GetString(cacheDirKey)); dir != "" {
		expanded, err := expandPath(dir)
		if err != nil {
			return dblive.Config{}, fmt.Errorf("expand cache dir %q: %w", dir, err)
		}
		cfg.CacheDir = expanded
	}
	if err := cfg.Validate(); err != nil {
		return dblive.Config{}, err
	}
	return cfg, nil
}

// cliConfig resolves configuration and logging once per invocation.
type cliConfig struct {
	baseLogger pslog.Logger
}

func (c *cliConfig) logger() (pslog.Logger, error) {
	levelStr := strings.TrimSpace(strings.ToLower(viper.GetString(logLevelKey)))
	if levelStr == "" || levelStr == "none" || levelStr == "disabled" || levelStr == "off" {
		return nil, nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return nil, fmt.Errorf("invalid log level %q", levelStr)
	}
	if level == pslog.NoLevel || level == pslog.Disabled {
		return nil, nil
	}
	base := c.baseLogger
	if base == nil {
		base = pslog.NewStructured(context.Background(), os.Stderr)
	}
	return base.LogLevel(level), nil
}

// session is a connected client plus the resources opened for it.
type session struct {
	cli       *client.Client
	cfg       dblive.Config
	logger    pslog.Logger
	closeDisk func() error
	telemetry *dblive.Telemetry
}

func (c *cliConfig) open(ctx context.Context) (*session, error) {
	configFile, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	cfg, err := bindConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.logger()
	if err != nil {
		return nil, err
	}
	cliLogger := svcfields.WithSubsystem(logger, svcfields.SysCLI)
	if configFile != "" {
		cliLogger.Info("cli.config.loaded", "path", configFile)
	}
	tel, err := dblive.SetupTelemetry(ctx, cfg, cliLogger)
	if err != nil {
		return nil, err
	}
	cli, closeDisk, err := dblive.NewClient(cfg, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	s := &session{cli: cli, cfg: cfg, logger: cliLogger, closeDisk: closeDisk, telemetry: tel}
	if err := cli.Connect(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	cliLogger.Debug("cli.connected", "client_id", cli.ID(), "api", cfg.APIURL)
	return s, nil
}

func (s *session) Close() error {
	err := s.cli.Dispose()
	if s.closeDisk != nil {
		if cerr := s.closeDisk(); cerr != nil && err == nil {
			err = cerr
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if terr := s.telemetry.Shutdown(ctx); terr != nil && err == nil {
		err = terr
	}
	return err
}

func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if id, ok := correlation.Normalize(viper.GetString(correlationIDKey)); ok {
		return correlation.With(ctx, id)
	}
	return correlation.Ensure(ctx)
}

func writeLine(out io.Writer, format string, args ...any) {
	fmt.Fprintf(out, format+"\n", args...)
}
