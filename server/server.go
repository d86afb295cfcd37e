package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"entity-hierarchy-engine/config"
	"entity-hierarchy-engine/handlers"
	"entity-hierarchy-engine/services"

	"github.com/gorilla/mux"
)

// Server is the HTTP front of the hierarchy engine
type Server struct {
	config    *config.Config
	container *services.ServiceContainer
	router    *mux.Router
	httpSrv   *http.Server
	logger    services.Logger
}

// New creates the server: initializes services and mounts routes
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := services.NewServiceFactory(cfg)
	container, err := factory.CreateServices(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to create services: %w", err)
	}

	s := &Server{
		config:    cfg,
		container: container,
		router:    mux.NewRouter(),
		logger:    container.Logger.With(services.String("component", "server")),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	hierarchy := handlers.NewHierarchyHandler(s.container.Resolver, s.container.Logger)
	admin := handlers.NewAdminHandler(s.container)

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/nodes", hierarchy.CreateNode).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{id}", hierarchy.GetNode).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}", hierarchy.DeleteNode).Methods(http.MethodDelete)
	api.HandleFunc("/nodes/{id}/ancestors", hierarchy.GetAncestors).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}/descendants", hierarchy.GetDescendants).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}/children", hierarchy.GetChildren).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}/move", hierarchy.MoveNode).Methods(http.MethodPost)

	api.HandleFunc("/aggregates", admin.GetAggregateStats).Methods(http.MethodGet)
	api.HandleFunc("/aggregates/{kind}/refresh", admin.TriggerRefresh).Methods(http.MethodPost)
	api.HandleFunc("/cache/stats", admin.GetCacheStats).Methods(http.MethodGet)
	api.HandleFunc("/alerts", admin.GetAlerts).Methods(http.MethodGet)

	s.router.HandleFunc("/health", admin.GetHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", admin.GetMetrics).Methods(http.MethodGet)
}

// Start runs the server until SIGINT/SIGTERM, then shuts down gracefully
func (s *Server) Start() error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("server listening",
			services.String("addr", s.httpSrv.Addr),
			services.String("partition", s.config.Partition))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		s.container.Shutdown()
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", services.String("signal", sig.String()))
	}

	return s.Shutdown()
}

// Shutdown drains in-flight requests, then stops the services
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", err)
	}

	s.container.Shutdown()
	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request with its duration and status
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		s.logger.Info("request",
			services.String("method", r.Method),
			services.String("path", r.URL.Path),
			services.Int("status", recorder.status),
			services.Duration("took", time.Since(started)))
	})
}

// recoveryMiddleware converts handler panics into 500s
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", fmt.Errorf("%v", rec),
					services.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
