// Package api exposes the session core and its collaborators over HTTP and
// websockets.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/kcafe/internal/audit"
	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/ledger"
	"github.com/goodtune/kcafe/internal/pricing"
	"github.com/goodtune/kcafe/internal/realtime"
	"github.com/goodtune/kcafe/internal/session"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Deps are the collaborators the API serves.
type Deps struct {
	Store     storage.Store
	Sessions  *session.Manager
	Rates     *pricing.Resolver
	Estimator *ledger.Estimator
	Hub       *realtime.Hub
	Transport *realtime.Transport
	Audit     *audit.Recorder
	Clock     clock.Clock
}

// Server represents the API HTTP server.
type Server struct {
	deps     Deps
	server   *http.Server
	router   *mux.Router
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(addr string, deps Deps, logger zerolog.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}

	router := mux.NewRouter()

	s := &Server{
		deps:   deps,
		router: router,
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Apply global middleware
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(ActorMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Realtime channels
	s.router.HandleFunc("/ws/pc/{id}", s.handlePCSocket).Methods("GET")
	s.router.HandleFunc("/ws/admin", s.handleAdminSocket).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Session lifecycle
	sessions := NewSessionsHandler(s.deps.Sessions, s.logger)
	api.HandleFunc("/sessions/start", sessions.Start).Methods("POST")
	api.HandleFunc("/sessions/active", sessions.ListActive).Methods("GET")
	api.HandleFunc("/sessions/{id}", sessions.Get).Methods("GET")
	api.HandleFunc("/sessions/{id}/stop", sessions.Stop).Methods("POST")
	api.HandleFunc("/sessions/{id}/bill", sessions.Bill).Methods("POST")

	// Pricing and estimates
	pricingHandler := NewPricingHandler(s.deps.Store, s.deps.Estimator, s.deps.Clock, s.logger)
	api.HandleFunc("/billing/estimate", pricingHandler.Estimate).Methods("GET")
	api.HandleFunc("/pricing/rules", pricingHandler.ListRules).Methods("GET")
	api.HandleFunc("/pricing/rules", pricingHandler.CreateRule).Methods("POST")

	// Accounts
	users := NewUsersHandler(s.deps.Store, s.deps.Audit, s.deps.Clock, s.logger)
	api.HandleFunc("/users", users.List).Methods("GET")
	api.HandleFunc("/users", users.Create).Methods("POST")
	api.HandleFunc("/users/{id}", users.Get).Methods("GET")
	api.HandleFunc("/users/{id}/topup", users.TopUp).Methods("POST")
	api.HandleFunc("/users/{id}/transactions", users.Transactions).Methods("GET")
	api.HandleFunc("/users/{id}/coins", users.Coins).Methods("GET")
	api.HandleFunc("/users/{id}/grants", users.ListGrants).Methods("GET")
	api.HandleFunc("/users/{id}/grants", users.PurchaseGrant).Methods("POST")
	api.HandleFunc("/users/{id}/group", users.SetGroup).Methods("POST")

	// Fleet and groups
	fleet := NewFleetHandler(s.deps.Store, s.deps.Rates, s.deps.Hub, s.deps.Audit, s.logger)
	api.HandleFunc("/user-groups", fleet.ListUserGroups).Methods("GET")
	api.HandleFunc("/user-groups", fleet.CreateUserGroup).Methods("POST")
	api.HandleFunc("/pc-groups", fleet.ListPCGroups).Methods("GET")
	api.HandleFunc("/pc-groups", fleet.CreatePCGroup).Methods("POST")
	api.HandleFunc("/pcs", fleet.ListPCs).Methods("GET")
	api.HandleFunc("/pcs", fleet.CreatePC).Methods("POST")
	api.HandleFunc("/pcs/{id}/group", fleet.SetPCGroup).Methods("POST")
	api.HandleFunc("/pcs/{id}/command", fleet.SendCommand).Methods("POST")

	api.HandleFunc("/audit", s.handleAudit).Methods("GET")
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server. Websockets are hijacked connections
// and are closed by the hub, not here.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"admin_channels": s.deps.Hub.Admins(),
	})
}

func (s *Server) handlePCSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.deps.Store.PCs().Get(r.Context(), id); err != nil {
		writeStoreError(w, s.logger, err, "Failed to retrieve PC")
		return
	}

	s.deps.Transport.ServePC(w, r, id)
}

func (s *Server) handleAdminSocket(w http.ResponseWriter, r *http.Request) {
	s.deps.Transport.ServeAdmin(w, r)
}

// handleAudit returns the newest audit entries first.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	entries, err := s.deps.Store.Audit().List(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list audit entries")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve audit entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
