package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/dblive"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage dblive configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.dblive/" + dblive.DefaultConfigFileName
	if path, err := dblive.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default dblive configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				path, err := dblive.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent flags; keys match flag names so the
// generated file is read back by viper unchanged.
type configDefaults struct {
	AppKey                 string  `yaml:"app-key"`
	APIURL                 string  `yaml:"api-url"`
	Insecure               bool    `yaml:"insecure"`
	ClientID               string  `yaml:"client-id"`
	CacheDir               string  `yaml:"cache-dir"`
	CacheWatch             bool    `yaml:"cache-watch"`
	SocketTimeout          string  `yaml:"socket-timeout"`
	HTTPTimeout            string  `yaml:"http-timeout"`
	ConnectTimeout         string  `yaml:"connect-timeout"`
	LockTimeout            string  `yaml:"lock-timeout"`
	ReconnectBaseDelay     string  `yaml:"reconnect-base-delay"`
	ReconnectMaxDelay      string  `yaml:"reconnect-max-delay"`
	ReconnectMultiplier    float64 `yaml:"reconnect-multiplier"`
	PingInterval           string  `yaml:"ping-interval"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	cacheDir := ""
	if dir, err := dblive.DefaultCacheDir(); err == nil {
		cacheDir = dir
	}
	defaults := configDefaults{
		AppKey:              "",
		APIURL:              dblive.DefaultAPIURL,
		CacheDir:            cacheDir,
		SocketTimeout:       dblive.DefaultSocketTimeout.String(),
		HTTPTimeout:         dblive.DefaultHTTPTimeout.String(),
		ConnectTimeout:      dblive.DefaultConnectTimeout.String(),
		LockTimeout:         dblive.DefaultLockTimeout.String(),
		ReconnectBaseDelay:  dblive.DefaultReconnectBaseDelay.String(),
		ReconnectMaxDelay:   dblive.DefaultReconnectMaxDelay.String(),
		ReconnectMultiplier: dblive.DefaultReconnectMultiplier,
		PingInterval:        dblive.DefaultPingInterval.String(),
		MetricsListen:       dblive.DefaultMetricsListen,
		PprofListen:         dblive.DefaultPprofListen,
		LogLevel:            "none",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
