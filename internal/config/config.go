package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for kirogate.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"      toml:"server"`
	Admin       AdminConfig        `mapstructure:"admin"       toml:"admin"`
	Upstream    UpstreamConfig     `mapstructure:"upstream"    toml:"upstream"`
	Credentials []CredentialConfig `mapstructure:"credentials" toml:"credentials"`
	Cooldown    CooldownConfig     `mapstructure:"cooldown"    toml:"cooldown"`
	Tools       ToolsConfig        `mapstructure:"tools"       toml:"tools"`
	Truncation  TruncationConfig   `mapstructure:"truncation"  toml:"truncation"`
	Debug       DebugConfig        `mapstructure:"debug"       toml:"debug"`
	Tracing     TracingConfig      `mapstructure:"tracing"     toml:"tracing"`
	Metrics     MetricsConfig      `mapstructure:"metrics"     toml:"metrics"`
}

// ServerConfig holds the core server settings.
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"  toml:"bind_address"`
	Port         int    `mapstructure:"port"          toml:"port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`
	MaxBodySize  int64  `mapstructure:"max_body_size" toml:"max_body_size"`
}

// AdminConfig protects the /admin routes.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Token   string `mapstructure:"token"   toml:"token"`
}

// UpstreamConfig describes the Kiro endpoint and how hard to try it.
type UpstreamConfig struct {
	BaseURL          string `mapstructure:"base_url"            toml:"base_url"`
	Region           string `mapstructure:"region"              toml:"region"`
	ProfileARN       string `mapstructure:"profile_arn"         toml:"profile_arn"`
	Timeout          int    `mapstructure:"timeout"             toml:"timeout"` // seconds
	MaxAttempts      int    `mapstructure:"max_attempts"        toml:"max_attempts"`
	RetryBaseDelayMs int    `mapstructure:"retry_base_delay_ms" toml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int    `mapstructure:"retry_max_delay_ms"  toml:"retry_max_delay_ms"`
	MaxResponseSize  int64  `mapstructure:"max_response_size"   toml:"max_response_size"`
	LoadBalancing    string `mapstructure:"load_balancing"      toml:"load_balancing"` // "priority" or "balanced"
}

// TimeoutDuration returns the upstream timeout as a time.Duration.
func (u UpstreamConfig) TimeoutDuration() time.Duration {
	if u.Timeout <= 0 {
		return DefaultUpstreamTimeout * time.Second
	}
	return time.Duration(u.Timeout) * time.Second
}

// Endpoint returns BaseURL, or the regional default when BaseURL is empty.
func (u UpstreamConfig) Endpoint() string {
	if u.BaseURL != "" {
		return strings.TrimRight(u.BaseURL, "/")
	}
	region := u.Region
	if region == "" {
		region = DefaultRegion
	}
	return fmt.Sprintf("https://q.%s.amazonaws.com", region)
}

// CredentialConfig describes one upstream account.
type CredentialConfig struct {
	ID        uint64  `mapstructure:"id"         toml:"id"`
	Name      string  `mapstructure:"name"       toml:"name"`
	SecretRef string  `mapstructure:"secret_ref" toml:"secret_ref"`
	Seed      string  `mapstructure:"seed"       toml:"seed,omitempty"`
	Priority  int     `mapstructure:"priority"   toml:"priority"`
	Disabled  bool    `mapstructure:"disabled"   toml:"disabled"`
	Rate      float64 `mapstructure:"rate"       toml:"rate"` // requests per second, 0 = unlimited
	Burst     int     `mapstructure:"burst"      toml:"burst"`
}

// CooldownConfig tunes the cooldown backoff.
type CooldownConfig struct {
	MaxShortSeconds        int `mapstructure:"max_short_seconds"        toml:"max_short_seconds"`
	LongSeconds            int `mapstructure:"long_seconds"             toml:"long_seconds"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds" toml:"cleanup_interval_seconds"`
}

// ToolsConfig controls tool payload shaping.
type ToolsConfig struct {
	Compression         string `mapstructure:"compression"          toml:"compression"` // "auto" or "off"
	ElevateDescriptions bool   `mapstructure:"elevate_descriptions" toml:"elevate_descriptions"`
}

// CompressionEnabled reports whether Compression is "auto".
func (t ToolsConfig) CompressionEnabled() bool {
	return strings.EqualFold(t.Compression, CompressionAuto)
}

// TruncationConfig controls truncated tool call detection.
type TruncationConfig struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled"`
}

// DebugConfig controls request dumps.
type DebugConfig struct {
	Enabled bool   `mapstructure:"enabled"  toml:"enabled"`
	DumpDir string `mapstructure:"dump_dir" toml:"dump_dir"` // defaults to <data_dir>/debug
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "kirogate"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// MetricsConfig controls the Prometheus endpoint and request history.
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"        toml:"enabled"`
	Path          string `mapstructure:"path"           toml:"path"`
	RetentionDays int    `mapstructure:"retention_days" toml:"retention_days"`
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (KIROGATE_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.kirogate/kirogate.toml
//  4. ./kirogate.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: KIROGATE_SERVER_PORT etc.
	v.SetEnvPrefix("KIROGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".kirogate"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("kirogate")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	cfg.Debug.DumpDir = expandHome(cfg.Debug.DumpDir)
	if cfg.Debug.DumpDir == "" {
		cfg.Debug.DumpDir = filepath.Join(cfg.Server.DataDir, "debug")
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.kirogate/kirogate.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".kirogate")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	if err := WriteDefault(path); err != nil {
		return err
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// WriteDefault writes the default config, with one example credential, to path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	cfg.Credentials = []CredentialConfig{{
		ID:        1,
		Name:      "primary",
		SecretRef: "keyring://kirogate/primary",
		Priority:  0,
	}}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)

	// Admin
	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.token", d.Admin.Token)

	// Upstream
	v.SetDefault("upstream.base_url", d.Upstream.BaseURL)
	v.SetDefault("upstream.region", d.Upstream.Region)
	v.SetDefault("upstream.profile_arn", d.Upstream.ProfileARN)
	v.SetDefault("upstream.timeout", d.Upstream.Timeout)
	v.SetDefault("upstream.max_attempts", d.Upstream.MaxAttempts)
	v.SetDefault("upstream.retry_base_delay_ms", d.Upstream.RetryBaseDelayMs)
	v.SetDefault("upstream.retry_max_delay_ms", d.Upstream.RetryMaxDelayMs)
	v.SetDefault("upstream.max_response_size", d.Upstream.MaxResponseSize)
	v.SetDefault("upstream.load_balancing", d.Upstream.LoadBalancing)

	// Cooldown
	v.SetDefault("cooldown.max_short_seconds", d.Cooldown.MaxShortSeconds)
	v.SetDefault("cooldown.long_seconds", d.Cooldown.LongSeconds)
	v.SetDefault("cooldown.cleanup_interval_seconds", d.Cooldown.CleanupIntervalSeconds)

	// Tools
	v.SetDefault("tools.compression", d.Tools.Compression)
	v.SetDefault("tools.elevate_descriptions", d.Tools.ElevateDescriptions)

	// Truncation
	v.SetDefault("truncation.enabled", d.Truncation.Enabled)

	// Debug
	v.SetDefault("debug.enabled", d.Debug.Enabled)
	v.SetDefault("debug.dump_dir", d.Debug.DumpDir)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	// Metrics
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("metrics.retention_days", d.Metrics.RetentionDays)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
