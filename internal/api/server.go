// Package api is the HTTP transport for submitting and querying transactions.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/tether/internal/auth"
	"github.com/mattjoyce/tether/internal/dispatch"
	"github.com/mattjoyce/tether/internal/events"
	"github.com/mattjoyce/tether/internal/module"
	"github.com/mattjoyce/tether/internal/status"
	"github.com/mattjoyce/tether/internal/txstore"
)

// Submitter admits new transactions.
type Submitter interface {
	Submit(ctx context.Context, desc txstore.Descriptor) (dispatch.Ack, error)
}

// Querier answers status queries for one transaction.
type Querier interface {
	Query(ctx context.Context, id string) (status.Result, error)
}

// Registry lists the in-memory transaction snapshots.
type Registry interface {
	Snapshot() []txstore.Transaction
	Counts() map[txstore.Status]int
	Ready() bool
}

// ModuleCatalog lists the installed modules.
type ModuleCatalog interface {
	Get(name string) (*module.Module, bool)
	All() []*module.Module
}

// EventSource is the subscriber side of the event hub.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the single bearer token with admin access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Deps are the components the server routes requests to.
type Deps struct {
	Submitter Submitter
	Querier   Querier
	Registry  Registry
	Modules   ModuleCatalog
	Events    EventSource
	// Metrics serves /metrics. Nil disables the route.
	Metrics http.Handler
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	deps      Deps
	authn     *auth.Authenticator
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		config:    config,
		deps:      deps,
		authn:     auth.NewAuthenticator(config.APIKey, config.Tokens),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.setupRoutes() }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: /events is a long-lived stream.
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeTransactionsRW)).Post("/transactions", s.handleSubmit)
		r.With(s.requireScopes(auth.ScopeTransactionsRO)).Get("/transactions", s.handleListTransactions)
		r.With(s.requireScopes(auth.ScopeTransactionsRO)).Get("/transactions/{id}", s.handleGetTransaction)
		r.With(s.requireScopes(auth.ScopeModulesRO)).Get("/modules", s.handleListModules)
		r.With(s.requireScopes(auth.ScopeModulesRO)).Get("/modules/{name}", s.handleGetModule)
		if s.deps.Events != nil {
			r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
		}
		if s.deps.Metrics != nil {
			r.With(s.requireScopes(auth.ScopeMetricsRO)).Method(http.MethodGet, "/metrics", s.deps.Metrics)
		}
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
