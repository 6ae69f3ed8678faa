package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"replaydeck/interaction"
	"replaydeck/matcher"
	"replaydeck/session"
	"replaydeck/transport"
)

type Config struct {
	Server    ServerConfig           `mapstructure:"server" yaml:"server"`
	Session   SessionConfig          `mapstructure:"session" yaml:"session"`
	Proxies   map[string]ProxyConfig `mapstructure:"proxies" yaml:"proxies"`
	Database  DatabaseConfig         `mapstructure:"database" yaml:"database"`
	Logging   LoggingConfig          `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig          `mapstructure:"metrics" yaml:"metrics"`
	Verify    VerifyConfig           `mapstructure:"verify" yaml:"verify"`
	Transport TransportConfig        `mapstructure:"transport" yaml:"transport"`
}

type ServerConfig struct {
	ListenHost      string        `mapstructure:"listen_host" yaml:"listen_host"`
	ListenPort      int           `mapstructure:"listen_port" yaml:"listen_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SessionConfig holds the defaults applied to every session. Proxies may
// override mode, policy and strategy.
type SessionConfig struct {
	CassetteDir     string        `mapstructure:"cassette_dir" yaml:"cassette_dir"`
	Mode            string        `mapstructure:"mode" yaml:"mode"`
	Policy          string        `mapstructure:"policy" yaml:"policy"`
	Strategy        string        `mapstructure:"strategy" yaml:"strategy"`
	Truncate        bool          `mapstructure:"truncate" yaml:"truncate"`
	Gzip            bool          `mapstructure:"gzip" yaml:"gzip"`
	FollowRedirects bool          `mapstructure:"follow_redirects" yaml:"follow_redirects"`
	RedirectLimit   int           `mapstructure:"redirect_limit" yaml:"redirect_limit"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ProxyConfig struct {
	Mode     string `mapstructure:"mode" yaml:"mode"`
	Upstream string `mapstructure:"upstream" yaml:"upstream"`
	Cassette string `mapstructure:"cassette" yaml:"cassette"`
	Policy   string `mapstructure:"policy" yaml:"policy"`
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
	Truncate bool   `mapstructure:"truncate" yaml:"truncate"`
}

type DatabaseConfig struct {
	Path               string `mapstructure:"path" yaml:"path"`
	ConnectionPoolSize int    `mapstructure:"connection_pool_size" yaml:"connection_pool_size"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type VerifyConfig struct {
	Strategy      string   `mapstructure:"strategy" yaml:"strategy"`
	Concurrency   int      `mapstructure:"concurrency" yaml:"concurrency"`
	FailFast      bool     `mapstructure:"fail_fast" yaml:"fail_fast"`
	BaseURL       string   `mapstructure:"base_url" yaml:"base_url"`
	IgnoreHeaders []string `mapstructure:"ignore_headers" yaml:"ignore_headers"`
}

type TransportConfig struct {
	Retries         int           `mapstructure:"retries" yaml:"retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

const envPrefix = "REPLAYDECK"

func LoadConfig(configPath string) (*Config, error) {
	if err := ensureReplaydeckDirectory(); err != nil {
		return nil, fmt.Errorf("failed to create replaydeck directory: %w", err)
	}

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.replaydeck")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	config := &Config{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		config = getDefaultConfig()
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return config, nil
}

func replaydeckDirectory() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".replaydeck"
	}
	return filepath.Join(homeDir, ".replaydeck")
}

func ensureReplaydeckDirectory() error {
	if err := os.MkdirAll(replaydeckDirectory(), 0755); err != nil {
		return fmt.Errorf("failed to create replaydeck directory: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	dir := replaydeckDirectory()

	v.SetDefault("server.listen_host", "0.0.0.0")
	v.SetDefault("server.listen_port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("session.cassette_dir", filepath.Join(dir, "cassettes"))
	v.SetDefault("session.mode", "replay")
	v.SetDefault("session.policy", "panic")
	v.SetDefault("session.strategy", "append")
	v.SetDefault("session.truncate", false)
	v.SetDefault("session.gzip", true)
	v.SetDefault("session.follow_redirects", true)
	v.SetDefault("session.redirect_limit", 10)
	v.SetDefault("session.timeout", time.Duration(0))

	v.SetDefault("database.path", filepath.Join(dir, "cassettes.db"))
	v.SetDefault("database.connection_pool_size", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.max_size_mb", 5)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("verify.strategy", "exact")
	v.SetDefault("verify.concurrency", 1)
	v.SetDefault("verify.fail_fast", false)
	v.SetDefault("verify.ignore_headers", []string{"Date", "Server", "Content-Length"})

	v.SetDefault("transport.retries", 0)
	v.SetDefault("transport.initial_interval", 200*time.Millisecond)
	v.SetDefault("transport.max_interval", 2*time.Second)
}

func getDefaultConfig() *Config {
	dir := replaydeckDirectory()

	return &Config{
		Server: ServerConfig{
			ListenHost:      "0.0.0.0",
			ListenPort:      8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			CassetteDir:     filepath.Join(dir, "cassettes"),
			Mode:            "replay",
			Policy:          "panic",
			Strategy:        "append",
			Gzip:            true,
			FollowRedirects: true,
			RedirectLimit:   10,
		},
		Proxies: map[string]ProxyConfig{
			"default": {
				Mode:     "record",
				Upstream: "http://localhost:3000",
				Cassette: "default.json",
			},
		},
		Database: DatabaseConfig{
			Path:               filepath.Join(dir, "cassettes.db"),
			ConnectionPoolSize: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  5,
			MaxBackups: 10,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Verify: VerifyConfig{
			Strategy:      "exact",
			Concurrency:   1,
			IgnoreHeaders: []string{"Date", "Server", "Content-Length"},
		},
		Transport: TransportConfig{
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
	}
}

func (c *Config) Validate() error {
	if c.Server.ListenPort <= 0 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("invalid server listen_port: %d", c.Server.ListenPort)
	}

	if _, err := c.Session.Options(); err != nil {
		return err
	}

	for name, proxy := range c.Proxies {
		if _, err := c.ProxyOptions(name); err != nil {
			return err
		}
		if proxy.Upstream == "" {
			return fmt.Errorf("upstream is required for proxy '%s'", name)
		}
		u, err := url.Parse(proxy.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("upstream for proxy '%s' must be an absolute url: %q", name, proxy.Upstream)
		}
		if proxy.Cassette == "" {
			return fmt.Errorf("cassette is required for proxy '%s'", name)
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s (must be 'json' or 'console')", c.Logging.Format)
	}

	switch c.Verify.Strategy {
	case "exact", "status_code", "fuzzy":
	default:
		return fmt.Errorf("invalid verify strategy: %s (must be 'exact', 'status_code' or 'fuzzy')", c.Verify.Strategy)
	}
	if c.Verify.Concurrency < 1 {
		return fmt.Errorf("verify concurrency must be at least 1")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/': %q", c.Metrics.Path)
	}

	if c.Transport.Retries < 0 {
		return fmt.Errorf("transport retries cannot be negative")
	}

	return nil
}

// SessionOptions is the parsed form of the session-level settings.
type SessionOptions struct {
	Mode     session.Mode
	Policy   matcher.Policy
	Strategy matcher.Strategy
	Truncate bool
	Client   session.Config
}

func (s SessionConfig) Options() (SessionOptions, error) {
	mode, err := session.ParseMode(s.Mode)
	if err != nil {
		return SessionOptions{}, err
	}
	policy, err := matcher.ParsePolicy(s.Policy)
	if err != nil {
		return SessionOptions{}, err
	}
	strategy, err := matcher.ParseStrategy(s.Strategy)
	if err != nil {
		return SessionOptions{}, err
	}
	if s.Timeout < 0 {
		return SessionOptions{}, fmt.Errorf("session timeout cannot be negative")
	}

	client := session.Config{Gzip: s.Gzip, Timeout: s.Timeout}
	if s.FollowRedirects {
		client.Redirect = interaction.Limited(s.RedirectLimit)
	} else {
		client.Redirect = interaction.NoRedirects()
	}

	return SessionOptions{
		Mode:     mode,
		Policy:   policy,
		Strategy: strategy,
		Truncate: s.Truncate,
		Client:   client,
	}, nil
}

// ProxyOptions merges a proxy's overrides into the session defaults.
func (c *Config) ProxyOptions(name string) (SessionOptions, error) {
	proxy, ok := c.Proxies[name]
	if !ok {
		return SessionOptions{}, fmt.Errorf("proxy '%s' is not configured", name)
	}

	merged := c.Session
	if proxy.Mode != "" {
		merged.Mode = proxy.Mode
	}
	if proxy.Policy != "" {
		merged.Policy = proxy.Policy
	}
	if proxy.Strategy != "" {
		merged.Strategy = proxy.Strategy
	}
	merged.Truncate = merged.Truncate || proxy.Truncate

	opts, err := merged.Options()
	if err != nil {
		return SessionOptions{}, fmt.Errorf("invalid settings for proxy '%s': %w", name, err)
	}
	return opts, nil
}

// Options builds transport options with an exponential retry schedule.
func (t TransportConfig) Options(logger *zap.Logger) transport.Options {
	initial, maxInterval := t.InitialInterval, t.MaxInterval
	return transport.Options{
		Retries: t.Retries,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			if initial > 0 {
				b.InitialInterval = initial
			}
			if maxInterval > 0 {
				b.MaxInterval = maxInterval
			}
			return b
		},
		Logger: logger,
	}
}

// CassettePath resolves a cassette name against the cassette directory.
func (c *Config) CassettePath(name string) string {
	if filepath.IsAbs(name) || c.Session.CassetteDir == "" {
		return name
	}
	return filepath.Join(c.Session.CassetteDir, name)
}

func SaveConfig(config *Config, path string) error {
	v := viper.New()
	v.Set("server", config.Server)
	v.Set("session", config.Session)
	v.Set("proxies", config.Proxies)
	v.Set("database", config.Database)
	v.Set("logging", config.Logging)
	v.Set("metrics", config.Metrics)
	v.Set("verify", config.Verify)
	v.Set("transport", config.Transport)

	if path == "" {
		path = "config.yaml"
	}

	return v.WriteConfigAs(path)
}
