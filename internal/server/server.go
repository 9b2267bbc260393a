package server

// Package server is the HTTP ingress of the gateway: it parses each
// dialect's request shape, enforces authorization and budget, routes to an
// upstream provider, and renders the response (or SSE stream) back in the
// caller's dialect.

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/auth"
	"github.com/ekailabs/ekai-gateway-sub002/internal/catalog"
	"github.com/ekailabs/ekai-gateway-sub002/internal/db"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/adapter"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/provider"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/router"
	"github.com/ekailabs/ekai-gateway-sub002/internal/middleware"
	"github.com/ekailabs/ekai-gateway-sub002/internal/pricing"
	"github.com/ekailabs/ekai-gateway-sub002/internal/usage"
)

// Server represents the gateway server.
type Server struct {
	config *Config
	logger *zap.Logger

	// Core components
	adapters *adapter.Registry
	router   *router.Registry
	pricing  *pricing.Catalog
	models   *catalog.Catalog
	store    db.Store
	tracker  *usage.Tracker
	auth     *auth.Authorizer

	// responses is the OpenAI Responses API client, substituted for the
	// routed OpenAI client when the inbound dialect is Responses.
	responses provider.AIProvider

	rateLimiter *middleware.RateLimiter

	// HTTP server
	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a gateway server from config.
func NewServer(cfg *Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := srv.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return srv, nil
}

// initializeComponents wires the component graph.
func (s *Server) initializeComponents() error {
	s.adapters = adapter.NewDefaultRegistry()
	s.pricing = pricing.NewCatalog(s.config.PricingDir, s.logger)
	s.models = catalog.NewCatalog(s.config.ModelCatalogDir, s.pricing, s.logger)

	store, err := db.NewSQLiteStore(s.config.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = store
	s.tracker = usage.NewTracker(store, s.pricing, s.logger)

	deps := provider.Deps{
		Keys:    provider.EnvKeySource{},
		Logger:  s.logger,
		Timeout: s.config.Timeout,
	}
	if s.config.AuthEnabled {
		key, err := auth.ParsePrivateKey(s.config.GatewayPrivateKey)
		if err != nil {
			return fmt.Errorf("gateway private key: %w", err)
		}
		s.auth = auth.NewAuthorizer(auth.NewHTTPTrustRoot(s.config.TrustRootURL), key, s.logger)
		// Provider keys come from the trust root, per caller.
		deps.Keys = s.auth
	}

	s.router = router.NewRegistry(router.DefaultPlugins(deps, s.config.CustomBaseURL), s.pricing, s.logger)
	s.responses = provider.NewOpenAIResponsesClient(deps)

	if s.config.RateLimitRPM > 0 {
		s.rateLimiter = middleware.NewRateLimiter(s.config.RateLimitRPM)
	}
	return nil
}

// Start starts the HTTP listener and the pricing watcher.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler: s.Handler(),
		// Streaming responses are unbounded; only reads are capped here.
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.pricing.Watch(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("pricing watcher stopped", zap.Error(err))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("gateway listening",
			zap.String("addr", s.httpServer.Addr),
			zap.Bool("auth_enabled", s.config.AuthEnabled),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping gateway")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown error", zap.Error(err))
		}
	}

	s.cancel()
	s.wg.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close error", zap.Error(err))
	}

	s.logger.Info("gateway stopped")
	return nil
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)

	var h http.Handler = mux
	if s.rateLimiter != nil {
		h = s.rateLimiter.Wrap(h)
	}
	return middleware.RequestID(h)
}

// registerHandlers registers HTTP handlers.
func (s *Server) registerHandlers(mux *http.ServeMux) {
	// Completion endpoints, one per dialect
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/responses", s.handleResponses)

	// Catalog and pricing
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/pricing", s.handlePricing)

	// Usage and budget
	mux.HandleFunc("/usage", s.handleUsage)
	mux.HandleFunc("/usage/hourly", s.handleUsageHourly)
	mux.HandleFunc("/usage/records", s.handleUsageRecords)
	mux.HandleFunc("/budget", s.handleBudget)

	// Probes and metrics
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
}

// handleReady handles readiness check requests.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	ready := running && s.store.Ping(r.Context()) == nil

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not_ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
}
