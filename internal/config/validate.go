package config

import (
	"fmt"
	"net/url"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}
	if cfg.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize))
	}

	// Admin validation
	if cfg.Admin.Enabled && cfg.Admin.Token == "" {
		errs = append(errs, "admin.token must be set when admin.enabled is true")
	}

	// Upstream validation
	if cfg.Upstream.BaseURL != "" {
		if u, err := url.Parse(cfg.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("upstream.base_url must be an absolute URL, got %q", cfg.Upstream.BaseURL))
		}
	}
	if cfg.Upstream.Timeout < 0 {
		errs = append(errs, fmt.Sprintf("upstream.timeout must be non-negative, got %d", cfg.Upstream.Timeout))
	}
	if cfg.Upstream.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("upstream.max_attempts must be at least 1, got %d", cfg.Upstream.MaxAttempts))
	}
	if cfg.Upstream.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("upstream.retry_base_delay_ms must be non-negative, got %d", cfg.Upstream.RetryBaseDelayMs))
	}
	if cfg.Upstream.RetryMaxDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("upstream.retry_max_delay_ms must be non-negative, got %d", cfg.Upstream.RetryMaxDelayMs))
	}
	if cfg.Upstream.MaxResponseSize < 0 {
		errs = append(errs, fmt.Sprintf("upstream.max_response_size must be non-negative, got %d", cfg.Upstream.MaxResponseSize))
	}

	if !isValidEnum(cfg.Upstream.LoadBalancing, ValidLoadBalancingModes) {
		errs = append(errs, fmt.Sprintf("upstream.load_balancing must be one of %v, got %q", ValidLoadBalancingModes, cfg.Upstream.LoadBalancing))
	}

	// Credential validation
	seenIDs := make(map[uint64]bool, len(cfg.Credentials))
	seenNames := make(map[string]bool, len(cfg.Credentials))
	for i, c := range cfg.Credentials {
		if c.ID == 0 {
			errs = append(errs, fmt.Sprintf("credentials[%d].id must be positive", i))
		} else if seenIDs[c.ID] {
			errs = append(errs, fmt.Sprintf("credentials[%d].id %d is used more than once", i, c.ID))
		}
		seenIDs[c.ID] = true
		if c.Name == "" {
			errs = append(errs, fmt.Sprintf("credentials[%d].name must not be empty", i))
		} else if seenNames[c.Name] {
			errs = append(errs, fmt.Sprintf("credentials[%d].name %q is used more than once", i, c.Name))
		}
		seenNames[c.Name] = true
		if c.SecretRef == "" {
			errs = append(errs, fmt.Sprintf("credentials[%d].secret_ref must not be empty", i))
		}
		if c.Rate < 0 {
			errs = append(errs, fmt.Sprintf("credentials[%d].rate must be non-negative, got %g", i, c.Rate))
		}
		if c.Burst < 0 {
			errs = append(errs, fmt.Sprintf("credentials[%d].burst must be non-negative, got %d", i, c.Burst))
		}
	}

	// Cooldown validation
	if cfg.Cooldown.MaxShortSeconds < 1 {
		errs = append(errs, fmt.Sprintf("cooldown.max_short_seconds must be at least 1, got %d", cfg.Cooldown.MaxShortSeconds))
	}
	if cfg.Cooldown.LongSeconds < 1 {
		errs = append(errs, fmt.Sprintf("cooldown.long_seconds must be at least 1, got %d", cfg.Cooldown.LongSeconds))
	}
	if cfg.Cooldown.CleanupIntervalSeconds < 1 {
		errs = append(errs, fmt.Sprintf("cooldown.cleanup_interval_seconds must be at least 1, got %d", cfg.Cooldown.CleanupIntervalSeconds))
	}

	// Tools validation
	if !isValidEnum(cfg.Tools.Compression, ValidCompressionModes) {
		errs = append(errs, fmt.Sprintf("tools.compression must be one of %v, got %q", ValidCompressionModes, cfg.Tools.Compression))
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		if !isValidEnum(cfg.Tracing.Exporter, ValidExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", ValidExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	// Metrics validation
	if cfg.Metrics.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("metrics.retention_days must be at least 1, got %d", cfg.Metrics.RetentionDays))
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, fmt.Sprintf("metrics.path must start with /, got %q", cfg.Metrics.Path))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
