package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/kirogate/internal/compress"
	"github.com/allaspectsdev/kirogate/internal/config"
	"github.com/allaspectsdev/kirogate/internal/cooldown"
	"github.com/allaspectsdev/kirogate/internal/credential"
	"github.com/allaspectsdev/kirogate/internal/debugdump"
	"github.com/allaspectsdev/kirogate/internal/fingerprint"
	"github.com/allaspectsdev/kirogate/internal/kiro"
	"github.com/allaspectsdev/kirogate/internal/metrics"
	"github.com/allaspectsdev/kirogate/internal/pipeline"
	"github.com/allaspectsdev/kirogate/internal/proxy"
	"github.com/allaspectsdev/kirogate/internal/store"
	"github.com/allaspectsdev/kirogate/internal/tokenizer"
	"github.com/allaspectsdev/kirogate/internal/tracing"
	"github.com/allaspectsdev/kirogate/internal/truncation"
	"github.com/allaspectsdev/kirogate/internal/vault"
	"github.com/allaspectsdev/kirogate/internal/version"
)

// fingerprintCacheSize bounds the per-seed fingerprint cache.
const fingerprintCacheSize = 256

// Gateway holds every wired component behind one HTTP listener.
type Gateway struct {
	Store     *store.Store
	Cooldowns *cooldown.Manager
	Pool      *credential.Pool
	Dumper    *debugdump.Dumper
	Tools     *compress.ToolsMiddleware
	Metrics   *metrics.Metrics
	Server    *proxy.Server

	retentionDays   int
	cleanupInterval time.Duration
}

// NewGateway opens the store in cfg.Server.DataDir and wires the cooldown
// manager, credential pool, middleware chain, upstream client and HTTP
// server. The caller owns the returned Gateway and must Close it.
func NewGateway(cfg *config.Config, logger zerolog.Logger) (*Gateway, error) {
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(dataDir, "kirogate.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if v, err := st.SchemaVersion(); err == nil {
		logger.Info().Str("db_path", dbPath).Int("schema_version", v).Msg("store opened")
	}

	m := metrics.New(nil)

	cm := cooldown.New(
		cooldown.WithMaxShortCooldown(time.Duration(cfg.Cooldown.MaxShortSeconds)*time.Second),
		cooldown.WithLongCooldown(time.Duration(cfg.Cooldown.LongSeconds)*time.Second),
		cooldown.WithRecorder(store.NewCooldownAdapter(st)),
		cooldown.WithRecorder(m),
	)

	fps, err := fingerprint.NewCache(fingerprintCacheSize)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating fingerprint cache: %w", err)
	}
	pool := credential.NewPool(credentials(cfg.Credentials), cm, vault.New(), fps)
	mode, err := credential.ParseMode(cfg.Upstream.LoadBalancing)
	if err != nil {
		st.Close()
		return nil, err
	}
	pool.SetMode(mode)
	logger.Info().Int("credentials", pool.Len()).Str("load_balancing", string(mode)).Msg("credential pool ready")

	dumpDir := cfg.Debug.DumpDir
	if dumpDir == "" {
		dumpDir = filepath.Join(dataDir, "debug")
	}
	dumper := debugdump.New(expandHome(dumpDir), cfg.Debug.Enabled)

	tok := tokenizer.New()
	tools := compress.NewToolsMiddleware(compress.ToolsConfig{
		Compression: cfg.Tools.CompressionEnabled(),
		Elevation:   cfg.Tools.ElevateDescriptions,
	}, tok, m)
	chain := pipeline.NewChain(tools, truncation.NewMiddleware(cfg.Truncation.Enabled, m))

	client := kiro.NewClient(cfg.Upstream.Endpoint(), cfg.Upstream.TimeoutDuration())
	client.SetMaxResponseSize(cfg.Upstream.MaxResponseSize)

	handler := proxy.NewProxyHandler(proxy.HandlerConfig{
		Chain:       chain,
		Pool:        pool,
		Sender:      client,
		Dumper:      dumper,
		Store:       st,
		Metrics:     m,
		Tokenizer:   tok,
		Logger:      logger,
		ProfileARN:  cfg.Upstream.ProfileARN,
		MaxBodySize: cfg.Server.MaxBodySize,
		Retry: proxy.RetryConfig{
			MaxAttempts: cfg.Upstream.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Upstream.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Upstream.RetryMaxDelayMs) * time.Millisecond,
		},
	})

	srvCfg := proxy.ServerConfig{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		Tracing:      cfg.Tracing.Enabled,
	}
	if cfg.Admin.Enabled {
		srvCfg.Admin = proxy.NewAdminHandler(pool, cm, st, dumper, tools, logger)
		srvCfg.AdminToken = cfg.Admin.Token
	}
	if cfg.Metrics.Enabled {
		srvCfg.MetricsPath = cfg.Metrics.Path
		srvCfg.Metrics = m.Handler()
	}

	return &Gateway{
		Store:           st,
		Cooldowns:       cm,
		Pool:            pool,
		Dumper:          dumper,
		Tools:           tools,
		Metrics:         m,
		Server:          proxy.NewServer(handler, srvCfg),
		retentionDays:   cfg.Metrics.RetentionDays,
		cleanupInterval: time.Duration(cfg.Cooldown.CleanupIntervalSeconds) * time.Second,
	}, nil
}

// Close closes the store.
func (g *Gateway) Close() error {
	return g.Store.Close()
}

// ApplyConfig applies the changed sections that can take effect without a
// restart: log level, debug dumps, tool compression, the credential list,
// cooldown limits and the load-balancing mode. It has the config.OnReload
// signature.
func (g *Gateway) ApplyConfig(old, cfg *config.Config, changed config.Section) {
	if changed.Has(config.SectionServer) {
		zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))
		if old != nil && (old.Server.Port != cfg.Server.Port || old.Server.BindAddress != cfg.Server.BindAddress) {
			log.Warn().Msg("server address changes take effect after a restart")
		}
	}
	if changed.Has(config.SectionDebug) {
		g.Dumper.SetEnabled(cfg.Debug.Enabled)
	}
	if changed.Has(config.SectionTools) {
		g.Tools.SetCompression(cfg.Tools.CompressionEnabled())
	}
	if changed.Has(config.SectionCredentials) {
		g.Pool.Replace(credentials(cfg.Credentials))
	}
	if changed.Has(config.SectionCooldown) {
		g.Cooldowns.SetLimits(
			time.Duration(cfg.Cooldown.MaxShortSeconds)*time.Second,
			time.Duration(cfg.Cooldown.LongSeconds)*time.Second,
		)
		if old != nil && old.Cooldown.CleanupIntervalSeconds != cfg.Cooldown.CleanupIntervalSeconds {
			log.Warn().Msg("cooldown.cleanup_interval_seconds changes take effect after a restart")
		}
	}
	if changed.Has(config.SectionUpstream) {
		if mode, err := credential.ParseMode(cfg.Upstream.LoadBalancing); err != nil {
			log.Warn().Err(err).Msg("keeping previous load balancing mode")
		} else {
			g.Pool.SetMode(mode)
		}
		if old != nil && upstreamNeedsRestart(old.Upstream, cfg.Upstream) {
			log.Warn().Msg("upstream endpoint and retry changes take effect after a restart")
		}
	}
	if restart := changed & config.RestartRequired; restart != 0 {
		log.Warn().Stringer("sections", restart).Msg("configuration changes take effect after a restart")
	}

	maxShort, long := g.Cooldowns.Limits()
	log.Info().
		Stringer("changed", changed).
		Str("log_level", cfg.Server.LogLevel).
		Bool("debug", cfg.Debug.Enabled).
		Bool("tool_compression", cfg.Tools.CompressionEnabled()).
		Int("credentials", g.Pool.Len()).
		Str("load_balancing", string(g.Pool.Mode())).
		Dur("cooldown_max_short", maxShort).
		Dur("cooldown_long", long).
		Msg("configuration applied")
}

// upstreamNeedsRestart reports whether a and b differ in more than the
// load-balancing mode.
func upstreamNeedsRestart(a, b config.UpstreamConfig) bool {
	a.LoadBalancing = b.LoadBalancing
	return a != b
}

// credentials converts configured credentials into pool entries.
func credentials(in []config.CredentialConfig) []credential.Credential {
	out := make([]credential.Credential, len(in))
	for i, c := range in {
		out[i] = credential.Credential{
			ID:        c.ID,
			Name:      c.Name,
			SecretRef: c.SecretRef,
			Seed:      c.Seed,
			Priority:  c.Priority,
			Disabled:  c.Disabled,
			Rate:      c.Rate,
			Burst:     c.Burst,
		}
	}
	return out
}

// Run is the main daemon orchestrator. It wires the gateway, starts the
// HTTP server, and blocks until a shutdown signal is received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	writers := []io.Writer{}

	// Always log to file.
	logPath := filepath.Join(dataDir, "kirogate.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	// If foreground, also write to stdout with console formatting.
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "kirogate").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("kirogate starting")

	// 2. Check if already running.
	if IsRunning(dataDir) {
		return fmt.Errorf("kirogate is already running (PID file exists at %s)", pidPath(dataDir))
	}

	// 3. Tracing.
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(context.Background(), cfg.Tracing, tracing.Gateway{
			Upstream:    cfg.Upstream.Endpoint(),
			Credentials: len(cfg.Credentials),
		})
		if err != nil {
			return fmt.Errorf("initialising tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				log.Error().Err(err).Msg("tracing shutdown error")
			}
		}()
		log.Info().Str("exporter", cfg.Tracing.Exporter).Str("endpoint", cfg.Tracing.Endpoint).Msg("tracing enabled")
	}

	// 4. Wire the gateway.
	gw, err := NewGateway(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	// 5. Write PID file.
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	// 6. Start config watcher.
	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}
	if _, statErr := os.Stat(configFile); statErr == nil {
		watcher, watchErr := config.Watch(configFile, cfg)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer watcher.Close()
			watcher.OnChange(gw.ApplyConfig)
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 7. Background janitor and pruner.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	bgDone := gw.RunBackground(bgCtx)

	// 8. Serve.
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", gw.Server.Addr()).Msg("server starting")
		if err := gw.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()

	log.Info().
		Int("port", cfg.Server.Port).
		Bool("admin", cfg.Admin.Enabled).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("kirogate is ready")

	if foreground {
		fmt.Printf("\n  kirogate is running!\n")
		fmt.Printf("  Messages: http://%s/v1/messages\n", gw.Server.Addr())
		if cfg.Admin.Enabled {
			fmt.Printf("  Admin:    http://%s/admin\n", gw.Server.Addr())
		}
		fmt.Println()
	}

	// 9. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		bgCancel()
		<-bgDone
		return err
	}

	// 10. Graceful shutdown with 30-second timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down server...")
	if err := gw.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	// 11. Clean up; wait for background goroutines before closing the store.
	bgCancel()
	<-bgDone

	log.Info().Msg("kirogate stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("kirogate does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		// Stale PID file; clean it up.
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("kirogate is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to kirogate (PID %d)\n", pid)

	// Wait briefly for the process to exit.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}

	return nil
}

// healthReport mirrors the /health response.
type healthReport struct {
	Status               string `json:"status"`
	Credentials          int    `json:"credentials"`
	CredentialsAvailable int    `json:"credentials_available"`
}

// Status checks if the daemon is running and prints a summary.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("kirogate is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("kirogate is running (PID %d)\n", pid)

	base := fmt.Sprintf("http://%s:%d", statusHost(cfg.Server.BindAddress), cfg.Server.Port)
	client := &http.Client{Timeout: 3 * time.Second}

	var health healthReport
	if err := getJSON(client, base+"/health", "", &health); err != nil {
		fmt.Println("  (server unreachable)")
		return nil
	}
	fmt.Printf("\n  Health:      %s\n", health.Status)
	fmt.Printf("  Credentials: %d available / %d configured\n", health.CredentialsAvailable, health.Credentials)

	if !cfg.Admin.Enabled {
		return nil
	}

	var stats struct {
		Requests store.RequestStats `json:"requests"`
		ByReason map[string]int64   `json:"cooldowns_by_reason"`
	}
	if err := getJSON(client, base+"/admin/stats", cfg.Admin.Token, &stats); err != nil {
		return nil
	}
	fmt.Printf("  Requests:    %d (%d failed, last 24h)\n", stats.Requests.TotalRequests, stats.Requests.Failed)
	fmt.Printf("  Tools saved: %d bytes, %d elevated\n", stats.Requests.ToolsBytesSaved, stats.Requests.ToolsElevated)
	fmt.Printf("  Truncations: %d\n", stats.Requests.Truncations)
	for reason, n := range stats.ByReason {
		fmt.Printf("  Cooldowns:   %s x%d\n", reason, n)
	}
	return nil
}

func getJSON(client *http.Client, url, token string, v interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// statusHost maps a wildcard bind address to loopback.
func statusHost(bind string) string {
	switch bind {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return bind
}

// runPruner periodically prunes old data from the store.
func runPruner(ctx context.Context, st *store.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("data pruner: recovered from panic")
					}
				}()
				res, err := st.PruneOlderThan(retentionDays)
				if err != nil {
					log.Error().Err(err).Msg("history pruning failed")
				} else if res.Total() > 0 {
					log.Info().
						Int64("requests", res.Requests).
						Int64("cooldown_events", res.CooldownEvents).
						Int("retention_days", retentionDays).
						Msg("pruned old history")
				}
			}()
		}
	}
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
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
