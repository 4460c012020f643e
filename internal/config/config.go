// Package config loads resume-dl settings from YAML, the environment and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"resume-dl/internal/downloader"
)

// EnvPrefix prefixes environment overrides, e.g. RESUMEDL_DOWNLOAD_DIR.
const EnvPrefix = "RESUMEDL"

// Config represents the entire application configuration
type Config struct {
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
}

// DownloadConfig contains transfer settings
type DownloadConfig struct {
	Dir            string `mapstructure:"dir" yaml:"dir"`
	BufferSize     int    `mapstructure:"buffer_size" yaml:"buffer_size"`
	SampleInterval string `mapstructure:"sample_interval" yaml:"sample_interval"`
	RetryDelay     string `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxRetries     int    `mapstructure:"max_retries" yaml:"max_retries"` // 0 retries forever
}

// NetworkConfig contains HTTP client settings
type NetworkConfig struct {
	UserAgent     string `mapstructure:"user_agent" yaml:"user_agent"`
	ProxyURL      string `mapstructure:"proxy_url" yaml:"proxy_url"`
	UseDoH        bool   `mapstructure:"use_doh" yaml:"use_doh"`
	DoHEndpoint   string `mapstructure:"doh_endpoint" yaml:"doh_endpoint"`
	SkipTLSVerify bool   `mapstructure:"skip_tls_verify" yaml:"skip_tls_verify"`
	Timeout       string `mapstructure:"timeout" yaml:"timeout"`
	DisableRange  bool   `mapstructure:"disable_range" yaml:"disable_range"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StoreConfig contains history database settings
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Dir returns the directory holding the config file, history and logs.
func Dir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "resume-dl")
	}
	return ".resume-dl"
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Download: DownloadConfig{
			Dir:            ".",
			BufferSize:     downloader.DefaultBufferSize,
			SampleInterval: downloader.DefaultSampleInterval.String(),
			RetryDelay:     downloader.DefaultRetryDelay.String(),
			MaxRetries:     0,
		},
		Network: NetworkConfig{
			UserAgent:   downloader.DefaultUserAgent,
			DoHEndpoint: downloader.CloudflareDoH,
			Timeout:     "0s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   filepath.Join(Dir(), "resume-dl.log"),
		},
		Store: StoreConfig{
			Path: filepath.Join(Dir(), "history.db"),
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("download.dir", d.Download.Dir)
	v.SetDefault("download.buffer_size", d.Download.BufferSize)
	v.SetDefault("download.sample_interval", d.Download.SampleInterval)
	v.SetDefault("download.retry_delay", d.Download.RetryDelay)
	v.SetDefault("download.max_retries", d.Download.MaxRetries)
	v.SetDefault("network.user_agent", d.Network.UserAgent)
	v.SetDefault("network.proxy_url", "")
	v.SetDefault("network.use_doh", false)
	v.SetDefault("network.doh_endpoint", d.Network.DoHEndpoint)
	v.SetDefault("network.skip_tls_verify", false)
	v.SetDefault("network.timeout", d.Network.Timeout)
	v.SetDefault("network.disable_range", false)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("store.path", d.Store.Path)
}

// Load reads configuration from configPath, or from DefaultPath when it is
// empty. A missing file is not an error: defaults and environment apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		configPath = DefaultPath()
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Download.BufferSize <= 0 {
		return fmt.Errorf("download.buffer_size must be positive")
	}
	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("download.max_retries must not be negative")
	}
	if d, err := time.ParseDuration(c.Download.SampleInterval); err != nil || d <= 0 {
		return fmt.Errorf("invalid download.sample_interval: %q", c.Download.SampleInterval)
	}
	if d, err := time.ParseDuration(c.Download.RetryDelay); err != nil || d <= 0 {
		return fmt.Errorf("invalid download.retry_delay: %q", c.Download.RetryDelay)
	}
	if d, err := time.ParseDuration(c.Network.Timeout); err != nil || d < 0 {
		return fmt.Errorf("invalid network.timeout: %q", c.Network.Timeout)
	}

	if p := c.Network.ProxyURL; p != "" {
		scheme, _, ok := strings.Cut(p, "://")
		if !ok {
			return fmt.Errorf("invalid network.proxy_url: %s", p)
		}
		switch scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("unsupported network.proxy_url scheme: %s", scheme)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	return nil
}

// GetSampleInterval returns the speed sample interval as time.Duration
func (c *DownloadConfig) GetSampleInterval() time.Duration {
	d, _ := time.ParseDuration(c.SampleInterval)
	if d <= 0 {
		return downloader.DefaultSampleInterval
	}
	return d
}

// GetRetryDelay returns the retry delay as time.Duration
func (c *DownloadConfig) GetRetryDelay() time.Duration {
	d, _ := time.ParseDuration(c.RetryDelay)
	if d <= 0 {
		return downloader.DefaultRetryDelay
	}
	return d
}

// GetTimeout returns the HTTP client timeout; 0 disables it.
func (c *NetworkConfig) GetTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// Transport converts the network section to downloader transport settings.
func (c *NetworkConfig) Transport() downloader.TransportConfig {
	return downloader.TransportConfig{
		UserAgent:     c.UserAgent,
		ProxyURL:      c.ProxyURL,
		UseDoH:        c.UseDoH,
		DoHEndpoint:   c.DoHEndpoint,
		SkipTLSVerify: c.SkipTLSVerify,
		Timeout:       c.GetTimeout(),
		DisableRange:  c.DisableRange,
	}
}

// ToDownloaderConfig builds a task configuration. An empty dir uses download.dir.
func (c *Config) ToDownloaderConfig(url, name, dir string, expectedLength int64) downloader.Config {
	if dir == "" {
		dir = c.Download.Dir
	}
	return downloader.Config{
		URL:            url,
		FileName:       name,
		Dir:            dir,
		ExpectedLength: expectedLength,
		BufferSize:     c.Download.BufferSize,
		SampleInterval: c.Download.GetSampleInterval(),
		RetryDelay:     c.Download.GetRetryDelay(),
		MaxRetries:     c.Download.MaxRetries,
		Transport:      c.Network.Transport(),
	}
}

// WriteFile writes c as YAML to path, creating parent directories. An
// existing file is only replaced when overwrite is set.
func (c *Config) WriteFile(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
