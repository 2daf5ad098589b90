// Package server provides the HTTP API for the identity governance service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gatehouse-io/gatehouse/internal/config"
	"github.com/gatehouse-io/gatehouse/internal/connector"
	"github.com/gatehouse-io/gatehouse/internal/engine"
	"github.com/gatehouse-io/gatehouse/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	connectors   *connector.Registry
	jml          *engine.JML
	requests     *engine.Requests
	logger       *slog.Logger
	mux          *chi.Mux
	version      string
	startTime    time.Time
	maxBodyBytes int64
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(st store.Store, reg *connector.Registry, jml *engine.JML, req *engine.Requests, cfg *config.Config, version string, logger *slog.Logger) *Server {
	srv := &Server{
		store:        st,
		connectors:   reg,
		jml:          jml,
		requests:     req,
		logger:       logger.With("component", "api"),
		version:      version,
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (never rate limited)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.rl))

		r.Get("/", srv.handleRoot)

		r.Post("/api/hr/event", srv.handleHREvent)

		r.Get("/api/identities", srv.handleListIdentities)
		r.Get("/api/identities/{identityID}", srv.handleGetIdentity)

		r.Post("/api/requests", srv.handleSubmitRequest)
		r.Get("/api/requests", srv.handleListRequests)
		r.Post("/api/requests/{requestID}/approve", srv.handleApproveRequest)
		r.Post("/api/requests/{requestID}/reject", srv.handleRejectRequest)

		r.Get("/api/audit/logs", srv.handleListAuditLogs)

		r.Get("/api/connectors/{system}/users", srv.handleConnectorUsers)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup for the rate limiter.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Root and health handlers ---

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "gatehouse",
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- HR event handler ---

type hrEventRequest struct {
	EventType  string  `json:"event_type"`
	EmployeeID string  `json:"employee_id"`
	FirstName  *string `json:"first_name,omitempty"`
	LastName   *string `json:"last_name,omitempty"`
	Email      *string `json:"email,omitempty"`
	Department *string `json:"department,omitempty"`
	JobTitle   *string `json:"job_title,omitempty"`
	Location   *string `json:"location,omitempty"`
}

// handleHREvent accepts one HR feed event. Processing outcomes, including
// failures, come back with 200 and a status field so the feed is never
// retried on semantic errors; only a malformed body is a 400.
func (s *Server) handleHREvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req hrEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result := s.jml.ProcessEvent(r.Context(), engine.HREvent{
		Type:       req.EventType,
		EmployeeID: req.EmployeeID,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Email:      req.Email,
		Department: req.Department,
		JobTitle:   req.JobTitle,
		Location:   req.Location,
	})
	writeJSON(w, http.StatusOK, result)
}

// --- Identity handlers ---

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := s.store.ListIdentities(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list identities")
		return
	}
	if identities == nil {
		identities = []store.Identity{}
	}
	writeJSON(w, http.StatusOK, identities)
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "identityID")
	ident, err := s.store.GetIdentity(r.Context(), identityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "identity not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get identity")
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

// --- Access request handlers ---

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		RequesterID   string `json:"requester_id"`
		Entitlement   string `json:"entitlement"`
		Justification string `json:"justification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequesterID == "" || req.Entitlement == "" {
		writeError(w, http.StatusBadRequest, "requester_id and entitlement are required")
		return
	}

	created, err := s.requests.Submit(r.Context(), req.RequesterID, req.Entitlement, req.Justification)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	requests, err := s.store.ListRequests(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}
	if requests == nil {
		requests = []store.AccessRequest{}
	}
	writeJSON(w, http.StatusOK, requests)
}

func (s *Server) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	requestID := chi.URLParam(r, "requestID")
	var req struct {
		ApproverID string `json:"approver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ApproverID == "" {
		writeError(w, http.StatusBadRequest, "approver_id is required")
		return
	}

	updated, err := s.requests.Approve(r.Context(), requestID, req.ApproverID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRejectRequest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	requestID := chi.URLParam(r, "requestID")
	var req struct {
		ApproverID string `json:"approver_id"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ApproverID == "" {
		writeError(w, http.StatusBadRequest, "approver_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "No reason provided"
	}

	updated, err := s.requests.Reject(r.Context(), requestID, req.ApproverID, req.Reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- Audit handlers ---

func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > store.DefaultAuditLimit {
		limit = store.DefaultAuditLimit
	}

	var events []store.AuditEvent
	var err error
	if target := r.URL.Query().Get("target"); target != "" {
		events, err = s.store.ListAuditEventsByTarget(r.Context(), target)
		if err == nil && len(events) > limit {
			events = events[:limit]
		}
	} else {
		events, err = s.store.ListAuditEvents(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Connector handlers ---

func (s *Server) handleConnectorUsers(w http.ResponseWriter, r *http.Request) {
	system := chi.URLParam(r, "system")
	conn, ok := s.connectors.Lookup(system)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown system")
		return
	}
	users, err := conn.Users(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// --- Helpers ---

// writeEngineError maps engine errors onto HTTP statuses. On the request
// endpoints a missing identity or request is a caller mistake, so NotFound
// maps to 400 alongside validation and state violations.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation),
		errors.Is(err, engine.ErrStateViolation),
		errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request handling failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
