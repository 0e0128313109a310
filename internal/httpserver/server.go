// Package httpserver exposes the gateway's REST API, health endpoints,
// Prometheus metrics, and the realtime websocket channel.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/config"
	"github.com/KasGate/server/internal/hub"
	"github.com/KasGate/server/internal/kaspa"
	"github.com/KasGate/server/internal/logger"
	"github.com/KasGate/server/internal/merchant"
	"github.com/KasGate/server/internal/metrics"
	"github.com/KasGate/server/internal/ratelimit"
	"github.com/KasGate/server/internal/session"
	"github.com/KasGate/server/internal/storage"
	"github.com/KasGate/server/internal/webhook"
)

// BackendHealth reports ledger backend liveness for the health endpoints.
type BackendHealth interface {
	PushConnected() bool
	IndexerHealthy() bool
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg        *config.Config
	params     kaspa.Params
	merchants  *merchant.Service
	sessions   *session.Manager
	dispatcher *webhook.Dispatcher
	hub        *hub.Hub
	store      *storage.Store
	backends   BackendHealth
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// Deps carries everything the server needs.
type Deps struct {
	Config     *config.Config
	Params     kaspa.Params
	Merchants  *merchant.Service
	Sessions   *session.Manager
	Dispatcher *webhook.Dispatcher
	Hub        *hub.Hub
	Store      *storage.Store
	Backends   BackendHealth
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// New builds the HTTP server with its configured router.
func New(deps Deps) *Server {
	router := chi.NewRouter()
	s := &Server{
		handlers: handlers{
			cfg:        deps.Config,
			params:     deps.Params,
			merchants:  deps.Merchants,
			sessions:   deps.Sessions,
			dispatcher: deps.Dispatcher,
			hub:        deps.Hub,
			store:      deps.Store,
			backends:   deps.Backends,
			metrics:    deps.Metrics,
			logger:     deps.Logger,
		},
		httpServer: &http.Server{
			Addr:         deps.Config.Server.Address(),
			ReadTimeout:  deps.Config.Server.ReadTimeout.Duration,
			WriteTimeout: deps.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  deps.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
	s.configureRouter(router)
	return s
}

// Router returns a fully configured router, used by tests.
func (s *Server) Router() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) configureRouter(router chi.Router) {
	h := s.handlers

	router.Use(securityHeaders)
	router.Use(logger.Middleware(h.logger))
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Health, metrics, and the widget websocket allow any origin.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Get("/health", h.health)
		r.Get("/health/detailed", h.healthDetailed)
		r.Get("/health/ready", h.healthReady)
		r.Get("/health/live", h.healthLive)
		r.Handle("/metrics", promhttp.Handler())
	})
	router.Get("/ws", h.hub.ServeHTTP)

	// The merchant API obeys the configured CORS allowlist.
	router.Route("/api/v1", func(r chi.Router) {
		if len(h.cfg.Server.CORSAllowedOrigins) > 0 {
			r.Use(cors.New(cors.Options{
				AllowedOrigins:   h.cfg.Server.CORSAllowedOrigins,
				AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
				AllowedHeaders:   []string{"Content-Type", "X-API-Key"},
				AllowCredentials: false,
				MaxAge:           300,
			}).Handler)
		}
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(bodyLimit(h.cfg.Server.MaxBodyBytes))
		if h.cfg.RateLimit.Enabled {
			r.Use(ratelimit.ByIP(h.cfg.RateLimit.GeneralPerMinute, time.Minute, "general", h.metrics))
		}

		// Registration is the only unauthenticated write.
		r.Group(func(r chi.Router) {
			if h.cfg.RateLimit.Enabled {
				r.Use(ratelimit.ByIP(h.cfg.RateLimit.MerchantCreatePerHour, time.Hour, "merchant_create", h.metrics))
			}
			r.Post("/merchants", h.createMerchant)
		})

		// Merchant-scoped routes.
		r.Group(func(r chi.Router) {
			r.Use(h.requireAPIKey)
			r.Get("/merchants/me", h.getMerchant)
			r.Patch("/merchants/me", h.updateMerchant)
			r.Post("/merchants/me/regenerate-api-key", h.regenerateAPIKey)
			r.Post("/merchants/me/regenerate-webhook-secret", h.regenerateWebhookSecret)

			r.Get("/merchants/me/sessions", h.listSessions)
			r.Get("/merchants/me/stats", h.merchantStats)
			r.Get("/merchants/me/analytics", h.merchantAnalytics)
			r.Get("/merchants/me/webhook-logs", h.listWebhookLogs)
			r.Post("/merchants/me/webhook-logs/{id}/retry", h.retryWebhookLog)

			r.Post("/sessions/{id}/cancel", h.cancelSession)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.requireAPIKey)
			if h.cfg.RateLimit.Enabled {
				r.Use(ratelimit.ByIP(h.cfg.RateLimit.SessionCreatePerMinute, time.Minute, "session_create", h.metrics))
			}
			r.Post("/sessions", h.createSession)
		})

		// Public session views for the payment page.
		r.Get("/sessions/{id}", h.getSession)
		r.Get("/sessions/{id}/status", h.sessionStatus)
	})
}

// Start begins serving. It blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
