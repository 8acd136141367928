package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allaspectsdev/kirogate/internal/tracing"
)

// ServerConfig holds the listener settings and optional surfaces of a
// Server. Admin routes are mounted only when Admin is set, metrics only
// when Metrics is set.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Tracing      bool

	Admin      *AdminHandler
	AdminToken string

	MetricsPath string
	Metrics     http.Handler
}

// Server is the HTTP server for the gateway. It binds the chi router to the
// configured address and provides graceful shutdown support.
type Server struct {
	router  chi.Router
	handler *ProxyHandler
	httpSrv *http.Server
}

// NewServer creates a Server. Zero-value timeouts leave the corresponding
// http.Server field at its default (no timeout).
func NewServer(handler *ProxyHandler, cfg ServerConfig) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// OpenTelemetry trace context extraction/injection.
	if cfg.Tracing {
		r.Use(tracing.HTTPMiddleware)
	}

	r.Post("/v1/messages", handler.HandleMessages)
	r.Get("/health", handler.HandleHealth)
	r.Get("/health/ready", handler.HandleReady)

	if cfg.Metrics != nil && cfg.MetricsPath != "" {
		r.Method(http.MethodGet, cfg.MetricsPath, cfg.Metrics)
	}

	if cfg.Admin != nil {
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(AuthMiddleware(cfg.AdminToken))
			ar.Mount("/", cfg.Admin.Routes())
		})
	}

	return &Server{
		router:  r,
		handler: handler,
		httpSrv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Router returns the underlying chi.Router, useful for testing or additional
// route mounting by the caller.
func (s *Server) Router() chi.Router {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpSrv.Addr
}

// Start begins listening for HTTP connections on the configured address.
// It blocks until the server is shut down or encounters a fatal error.
func (s *Server) Start() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
