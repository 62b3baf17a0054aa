// Package api is the HTTP surface: status and health, pairing, message
// delivery and session control.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leandrotocalini/wagate/internal/delivery"
	"github.com/leandrotocalini/wagate/internal/pairing"
	"github.com/leandrotocalini/wagate/internal/status"
	"github.com/leandrotocalini/wagate/internal/supervisor"
)

// Supervisor is what the HTTP layer needs from the connection supervisor.
type Supervisor interface {
	IsReady() bool
	State() supervisor.State
	PairingArtifact() (pairing.Artifact, bool)
	Reset(ctx context.Context) error
	Subscribe() chan supervisor.Transition
	Unsubscribe(ch chan supervisor.Transition)
}

// Config holds HTTP settings.
type Config struct {
	Port           int
	Env            string
	AllowedOrigins []string
	RateLimitRPM   int // per client on send endpoints; <= 0 disables
	RateLimitBurst int
}

// Server wires HTTP handlers to the supervisor, status facade and
// delivery pipeline.
type Server struct {
	sup      Supervisor
	status   *status.Facade
	pipeline *delivery.Pipeline
	cfg      Config
	limiter  *RateLimiter
	logger   *slog.Logger
	started  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a server.
func New(sup Supervisor, st *status.Facade, p *delivery.Pipeline, cfg Config, opts ...Option) *Server {
	s := &Server{
		sup:      sup,
		status:   st,
		pipeline: p,
		cfg:      cfg,
		logger:   slog.Default(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst, s.logger)
	return s
}

// Close releases background resources.
func (s *Server) Close() {
	s.limiter.Close()
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(metricsMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  originAllowed(s.cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", s.handleIndex)
	r.Get("/pairing", s.handlePairingPage)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/pairing-artifact", s.handlePairingArtifact)
		r.Get("/chats", s.handleChats)
		r.Get("/events", s.handleEvents)
		r.Post("/validate-recipient", s.handleValidateRecipient)
		r.Post("/reset-session", s.handleResetSession)

		r.Group(func(r chi.Router) {
			r.Use(rateLimit(s.limiter))
			r.Post("/send-message", s.handleSendMessage)
			r.Post("/send-bulk", s.handleSendBulk)
		})
	})

	return r
}
