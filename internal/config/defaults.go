package config

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultPort is the default port for the gateway.
const DefaultPort = 8990

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.kirogate"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "kirogate.toml"

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 30

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
// Set high (5 minutes) to accommodate long model responses.
const DefaultWriteTimeout = 300

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultMaxBodySize is the default maximum request body size in bytes (32 MB).
const DefaultMaxBodySize = 32 << 20

// DefaultRegion is the upstream region used when no base URL is set.
const DefaultRegion = "us-east-1"

// DefaultUpstreamTimeout is the default upstream timeout in seconds.
const DefaultUpstreamTimeout = 300

// DefaultMaxAttempts is the default number of credentials tried per request.
const DefaultMaxAttempts = 3

// DefaultRetryBaseDelayMs is the default base delay for exponential backoff in milliseconds.
const DefaultRetryBaseDelayMs = 200

// DefaultRetryMaxDelayMs is the default maximum delay for exponential backoff in milliseconds.
const DefaultRetryMaxDelayMs = 5000

// DefaultMaxResponseSize is the default maximum upstream response size in bytes (100 MB).
const DefaultMaxResponseSize int64 = 100 << 20

// LoadBalancingPriority and LoadBalancingBalanced are the accepted
// upstream.load_balancing values.
const (
	LoadBalancingPriority = "priority"
	LoadBalancingBalanced = "balanced"
)

// DefaultMaxShortCooldownSeconds caps backoff for auto-recoverable reasons.
const DefaultMaxShortCooldownSeconds = 300

// DefaultLongCooldownSeconds applies to reasons that need operator attention.
const DefaultLongCooldownSeconds = 86400

// DefaultCleanupIntervalSeconds is how often expired cooldowns are swept.
const DefaultCleanupIntervalSeconds = 60

// CompressionAuto and CompressionOff are the accepted tools.compression values.
const (
	CompressionAuto = "auto"
	CompressionOff  = "off"
)

// DefaultRetentionDays is the default request history retention in days.
const DefaultRetentionDays = 30

// DefaultMetricsPath is where Prometheus metrics are served.
const DefaultMetricsPath = "/metrics"

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "kirogate"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// ValidCompressionModes lists the allowed tools.compression values.
var ValidCompressionModes = []string{CompressionAuto, CompressionOff}

// ValidLoadBalancingModes lists the allowed upstream.load_balancing values.
var ValidLoadBalancingModes = []string{LoadBalancingPriority, LoadBalancingBalanced}

// ValidExporters lists the allowed tracing.exporter values.
var ValidExporters = []string{"stdout", "otlp-grpc", "otlp-http"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  DefaultBindAddress,
			Port:         DefaultPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
		},
		Admin: AdminConfig{
			Enabled: false,
			Token:   "",
		},
		Upstream: UpstreamConfig{
			Region:           DefaultRegion,
			Timeout:          DefaultUpstreamTimeout,
			MaxAttempts:      DefaultMaxAttempts,
			RetryBaseDelayMs: DefaultRetryBaseDelayMs,
			RetryMaxDelayMs:  DefaultRetryMaxDelayMs,
			MaxResponseSize:  DefaultMaxResponseSize,
			LoadBalancing:    LoadBalancingPriority,
		},
		Credentials: []CredentialConfig{},
		Cooldown: CooldownConfig{
			MaxShortSeconds:        DefaultMaxShortCooldownSeconds,
			LongSeconds:            DefaultLongCooldownSeconds,
			CleanupIntervalSeconds: DefaultCleanupIntervalSeconds,
		},
		Tools: ToolsConfig{
			Compression:         CompressionAuto,
			ElevateDescriptions: true,
		},
		Truncation: TruncationConfig{
			Enabled: true,
		},
		Debug: DebugConfig{
			Enabled: false,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			Path:          DefaultMetricsPath,
			RetentionDays: DefaultRetentionDays,
		},
	}
}
