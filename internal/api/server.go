// Package api provides the HTTP API for dialbridge: auth, contacts, call
// history, recording storage, and the WebSocket mount point for devices.
package api

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
	"github.com/google/uuid"

	"github.com/dialbridge/dialbridge/internal/auth"
	"github.com/dialbridge/dialbridge/internal/config"
	"github.com/dialbridge/dialbridge/internal/relay"
	"github.com/dialbridge/dialbridge/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	relay         *relay.Relay
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	storagePath   string
	maxRecording  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, rl *relay.Relay, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		relay:         rl,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		storagePath:   cfg.Recordings.StoragePath,
		maxRecording:  cfg.Recordings.MaxRecordingBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// Device WebSocket route (auth handled inside).
	mux.Get("/ws", rl.HandleWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		if lp != nil {
			r.Post("/api/auth/device-session", srv.handleCreateDeviceSession)
			r.Post("/api/auth/logout", srv.handleLogout)
		}

		r.Get("/api/contacts", srv.handleListContacts)
		r.Post("/api/contacts", srv.handleCreateContact)
		r.Post("/api/contacts/import", srv.handleImportContacts)
		r.Get("/api/contacts/stats", srv.handleContactStats)
		r.Get("/api/contacts/{contactID}", srv.handleGetContact)
		r.Put("/api/contacts/{contactID}", srv.handleUpdateContact)
		r.Delete("/api/contacts/{contactID}", srv.handleDeleteContact)

		r.Get("/api/calls", srv.handleListCalls)

		r.Post("/api/recordings", srv.handleUploadRecording)
		r.Get("/api/recordings", srv.handleListRecordings)
		r.Get("/api/recordings/{filename}", srv.handleDownloadRecording)
		r.Delete("/api/recordings/{filename}", srv.handleDeleteRecording)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			// User management only available with builtin auth.
			if lp != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.logger.Warn("login failed", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.logger.Info("login", "username", req.Username)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleCreateDeviceSession mints a long-lived session token used to pair a
// phone without storing the operator password on the device.
func (s *Server) handleCreateDeviceSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Device string `json:"device"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Device != "phone" && req.Device != "desktop" {
		writeError(w, http.StatusBadRequest, "device must be phone or desktop")
		return
	}

	token, err := s.loginProvider.CreateDeviceSession(r.Context(), identity.UserID, req.Device)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create device session")
		return
	}

	s.logger.Info("device session created", "user", identity.Username, "device", req.Device)
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

// handleLogout revokes the device-session token presented as the bearer
// credential. Access tokens are stateless and cannot be revoked.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.loginProvider.RevokeDeviceSession(r.Context(), bearerToken(r)); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeError(w, http.StatusBadRequest, "not a revocable session token")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to revoke session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Contact handlers ---

type contactRequest struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Address      string `json:"address,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Province     string `json:"province,omitempty"`
	Status       string `json:"status,omitempty"`
	MeetingDate  string `json:"meeting_date,omitempty"`
	MeetingTime  string `json:"meeting_time,omitempty"`
	FollowUpDate string `json:"follow_up_date,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

func (cr *contactRequest) validate() (string, bool) {
	if cr.Name == "" {
		return "name is required", false
	}
	if cr.Phone == "" {
		return "phone is required", false
	}
	if cr.Status == "" {
		cr.Status = store.StatusPending
	}
	if !store.ValidContactStatus(cr.Status) {
		return "unknown contact status", false
	}
	return "", true
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	contacts, err := s.store.ListContacts(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list contacts")
		return
	}
	if contacts == nil {
		contacts = []store.Contact{}
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg, ok := req.validate(); !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	now := time.Now()
	contact := &store.Contact{
		ID:           uuid.New().String(),
		OwnerID:      identity.UserID,
		Name:         req.Name,
		Phone:        req.Phone,
		Address:      req.Address,
		PostalCode:   req.PostalCode,
		Province:     req.Province,
		Status:       req.Status,
		MeetingDate:  req.MeetingDate,
		MeetingTime:  req.MeetingTime,
		FollowUpDate: req.FollowUpDate,
		Notes:        req.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateContact(r.Context(), contact); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create contact")
		return
	}
	writeJSON(w, http.StatusCreated, contact)
}

// handleImportContacts accepts a JSON array of contacts and inserts the valid
// rows, reporting per-row failures without aborting the batch.
func (s *Server) handleImportContacts(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var reqs []contactRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	imported := 0
	skipped := 0
	for i := range reqs {
		if _, ok := reqs[i].validate(); !ok {
			skipped++
			continue
		}
		now := time.Now()
		contact := &store.Contact{
			ID:           uuid.New().String(),
			OwnerID:      identity.UserID,
			Name:         reqs[i].Name,
			Phone:        reqs[i].Phone,
			Address:      reqs[i].Address,
			PostalCode:   reqs[i].PostalCode,
			Province:     reqs[i].Province,
			Status:       reqs[i].Status,
			MeetingDate:  reqs[i].MeetingDate,
			MeetingTime:  reqs[i].MeetingTime,
			FollowUpDate: reqs[i].FollowUpDate,
			Notes:        reqs[i].Notes,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.CreateContact(r.Context(), contact); err != nil {
			skipped++
			continue
		}
		imported++
	}

	writeJSON(w, http.StatusOK, map[string]int{"imported": imported, "skipped": skipped})
}

func (s *Server) handleContactStats(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	stats, err := s.store.ContactStats(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	contact, err := s.store.GetContact(r.Context(), identity.UserID, chi.URLParam(r, "contactID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get contact")
		return
	}
	if contact == nil {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	writeJSON(w, http.StatusOK, contact)
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())
	contactID := chi.URLParam(r, "contactID")

	existing, err := s.store.GetContact(r.Context(), identity.UserID, contactID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get contact")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}

	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg, ok := req.validate(); !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	existing.Name = req.Name
	existing.Phone = req.Phone
	existing.Address = req.Address
	existing.PostalCode = req.PostalCode
	existing.Province = req.Province
	existing.Status = req.Status
	existing.MeetingDate = req.MeetingDate
	existing.MeetingTime = req.MeetingTime
	existing.FollowUpDate = req.FollowUpDate
	existing.Notes = req.Notes
	existing.UpdatedAt = time.Now()

	if err := s.store.UpdateContact(r.Context(), existing); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update contact")
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	deleted, err := s.store.DeleteContact(r.Context(), identity.UserID, chi.URLParam(r, "contactID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete contact")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Call history ---

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	calls, err := s.store.ListCallLogs(r.Context(), identity.UserID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	if calls == nil {
		calls = []store.CallLog{}
	}
	writeJSON(w, http.StatusOK, calls)
}

// --- Admin handlers ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
		FullName string `json:"full_name"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}
	if req.Role != "" && req.Role != "admin" && req.Role != "user" {
		writeError(w, http.StatusBadRequest, "role must be admin or user")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Email, req.FullName, req.Role)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// --- Health handlers ---

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
	groups, conns := s.relay.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"groups":      groups,
		"connections": conns,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
