// Package server exposes the dispatch engine over HTTP: the dispatch and
// dry-run routing endpoints for callers, and the provider, circuit, policy
// and session surfaces for operators.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/breaker"
	"github.com/arbiterlabs/dispatch/internal/dispatch"
	"github.com/arbiterlabs/dispatch/internal/middleware"
	"github.com/arbiterlabs/dispatch/internal/policy"
	"github.com/arbiterlabs/dispatch/internal/quota"
	"github.com/arbiterlabs/dispatch/internal/registry"
	"github.com/arbiterlabs/dispatch/internal/security"
	"github.com/arbiterlabs/dispatch/internal/types"
)

// Config holds server configuration.
type Config struct {
	Port           string                       `yaml:"port"`
	ReadTimeout    time.Duration                `yaml:"read_timeout"`
	WriteTimeout   time.Duration                `yaml:"write_timeout"`
	MaxHeaderBytes int                          `yaml:"max_header_bytes"`
	Auth           *security.Config             `yaml:"auth"`
	Validation     *middleware.ValidationConfig `yaml:"validation"`
	RateLimit      *middleware.RateLimitConfig  `yaml:"rate_limit"`
}

// Deps are the engine components the server fronts.
type Deps struct {
	Controller *dispatch.Controller
	Registry   *registry.Registry
	Breakers   *breaker.Registry
	Policy     *policy.Layer
	Ledger     *quota.Ledger
}

// Server is the HTTP front end.
type Server struct {
	deps       Deps
	config     *Config
	logger     *logrus.Logger
	auth       *security.Authenticator
	validation *middleware.ValidationMiddleware
	rateLimit  *middleware.RateLimiter
	httpServer *http.Server
}

// New creates a server instance.
func New(deps Deps, config *Config, logger *logrus.Logger) (*Server, error) {
	s := &Server{
		deps:   deps,
		config: config,
		logger: logger,
	}

	authConfig := config.Auth
	if authConfig == nil {
		authConfig = &security.Config{RequireAuth: false}
	}
	s.auth = security.NewAuthenticator(authConfig, logger)

	validation, err := middleware.NewValidationMiddleware(config.Validation, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
	}
	s.validation = validation
	s.rateLimit = middleware.NewRateLimiter(config.RateLimit, logger)

	return s, nil
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.setupRoutes(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting dispatch server")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping dispatch server")
	s.rateLimit.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.auth.Middleware())
	r.Use(s.rateLimit.Middleware)
	r.Use(s.validation.Middleware)

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/dispatch", s.handleDispatch).Methods("POST")
	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods("POST")

	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/providers/{id}", s.handleGetProvider).Methods("GET")

	api.HandleFunc("/circuit", s.handleCircuitSnapshot).Methods("GET")
	api.HandleFunc("/circuit/{id}", s.handleCircuitStatus).Methods("GET")

	api.HandleFunc("/policy", s.handleGetPolicy).Methods("GET")
	api.HandleFunc("/policy", s.auth.RequireOperator(s.handleUpdatePolicy)).Methods("PUT")
	api.HandleFunc("/policy/history", s.handlePolicyHistory).Methods("GET")

	api.HandleFunc("/quota/{user_id}", s.handleQuotaSnapshots).Methods("GET")
	api.HandleFunc("/session/{id}/reset", s.auth.RequireOperator(s.handleSessionReset)).Methods("POST")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.setupSwaggerRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// DispatchRequest is the body of POST /v1/dispatch: the chat request plus
// the caller-supplied budget snapshot.
type DispatchRequest struct {
	Request types.ChatRequest     `json:"request"`
	Budget  types.UserBudgetState `json:"budget"`
}

// Handlers

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if err := validateDispatchRequest(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := s.deps.Controller.Handle(r.Context(), &body.Request, body.Budget)
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	var body DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if err := validateDispatchRequest(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision, gateDecision, err := s.deps.Controller.Preview(&body.Request, body.Budget)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Routing failed: %v", err))
		return
	}

	response := map[string]interface{}{
		"request_id": body.Request.ID,
		"outcome":    gateDecision.Outcome,
	}
	if gateDecision.Outcome != types.OutcomeAnswer {
		response["reason"] = gateDecision.Reason
		response["message"] = gateDecision.Message
	} else {
		response["decision"] = decision
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.deps.Registry.All()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"count":     len(providers),
	})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	desc, ok := s.deps.Registry.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": desc,
		"circuit":  s.deps.Breakers.StatusFor(id),
	})
}

func (s *Server) handleCircuitSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuits":  s.deps.Breakers.Snapshot(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.deps.Registry.Get(id); !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Breakers.StatusFor(id))
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Policy.Snapshot())
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var flags policy.Flags
	if err := json.NewDecoder(r.Body).Decode(&flags); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	actor := "anonymous"
	if info, ok := security.GetAuthInfo(r.Context()); ok {
		actor = info.UserID
	}

	record := s.deps.Policy.Update(actor, func(policy.Flags) policy.Flags {
		return flags
	})
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	history := s.deps.Policy.History()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"changes": history,
		"count":   len(history),
	})
}

func (s *Server) handleQuotaSnapshots(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"records": s.deps.Ledger.Snapshots(userID),
	})
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	s.deps.Controller.ResetSession(sessionID)
	s.logger.WithField("session", sessionID).Info("Session pressure reset")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"reset":      true,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	circuits := s.deps.Breakers.Snapshot()
	open := 0
	for _, c := range circuits {
		if c.State == breaker.StateOpen {
			open++
		}
	}

	status := "healthy"
	if open > 0 {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"open_circuits": open,
		"providers":     len(s.deps.Registry.All()),
		"timestamp":     time.Now().Unix(),
	})
}

func validateDispatchRequest(body *DispatchRequest) error {
	if body.Request.UserID == "" {
		return fmt.Errorf("request.user_id is required")
	}
	if body.Request.SessionID == "" {
		return fmt.Errorf("request.session_id is required")
	}
	if body.Request.PlanTier == "" {
		body.Request.PlanTier = body.Budget.PlanTier
	}
	if !body.Request.PlanTier.Valid() {
		return fmt.Errorf("unknown plan tier %q", body.Request.PlanTier)
	}
	if body.Budget.PlanTier == "" {
		body.Budget.PlanTier = body.Request.PlanTier
	}
	return nil
}

// Helpers

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
