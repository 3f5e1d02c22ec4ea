package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/queue"
	"qms/branch-queue/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// QueueService is the queue state the handlers drive.
type QueueService interface {
	IssueTicket(ctx context.Context, req queue.IssueRequest) (models.Ticket, error)
	CallNext(ctx context.Context, counterID int) (models.Ticket, bool, error)
	CompleteService(ctx context.Context, counterID int) (models.Ticket, bool, error)
	Resync(ctx context.Context) (models.Snapshot, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	SetCounterStatus(ctx context.Context, counterID int, status string) (models.Counter, error)
	ClaimCounter(ctx context.Context, counterID int, session models.Session) (models.Counter, error)
	ReleaseCounter(ctx context.Context, counterID int, sessionID string) error
	ReleaseSession(ctx context.Context, sessionID string) (int, error)
}

type Handler struct {
	queue      QueueService
	staff      store.StaffStore
	sessionTTL time.Duration
	realtime   http.Handler
	limiter    *RateLimiter
	now        func() time.Time
}

type Options struct {
	SessionTTL time.Duration
	// Realtime is mounted at /realtime outside request logging so the
	// push transport keeps its hijackable writer.
	Realtime http.Handler
	Limiter  *RateLimiter
}

type issueTicketRequest struct {
	CustomerName  string `json:"customerName"`
	Service       string `json:"service"`
	CustomService string `json:"customService"`
	Language      string `json:"language"`
}

type loginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	CounterID int    `json:"counterId"`
}

type loginResponse struct {
	SessionID string          `json:"sessionId"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Staff     models.Staff    `json:"staff"`
	Counter   *models.Counter `json:"counter,omitempty"`
}

type counterStatusRequest struct {
	Status string `json:"status"`
}

type callNextResponse struct {
	Success  bool           `json:"success"`
	Customer *models.Ticket `json:"customer,omitempty"`
	Message  string         `json:"message,omitempty"`
}

type successResponse struct {
	Success  bool `json:"success"`
	Released *int `json:"released,omitempty"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(queueService QueueService, staff store.StaffStore, options Options) *Handler {
	if options.SessionTTL <= 0 {
		options.SessionTTL = 8 * time.Hour
	}
	return &Handler{
		queue:      queueService,
		staff:      staff,
		sessionTTL: options.SessionTTL,
		realtime:   options.Realtime,
		limiter:    options.Limiter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if h.realtime != nil {
		r.Handle("/realtime", h.realtime)
		r.Handle("/realtime/*", h.realtime)
	}

	r.Group(func(r chi.Router) {
		r.Use(LoggingMiddleware)
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}
		r.Get("/healthz", h.handleHealth)
		r.Handle("/metrics", expvar.Handler())

		r.Route("/api", func(r chi.Router) {
			r.Post("/issue-ticket", h.handleIssueTicket)
			r.Get("/queue-snapshot", h.handleQueueSnapshot)
			r.Get("/tickets/{ticketId}", h.handleGetTicket)
			r.Post("/staff/login", h.handleLogin)

			r.Group(func(r chi.Router) {
				r.Use(AuthMiddleware(h.staff))
				r.Post("/staff/logout", h.handleLogout)
				r.Post("/call-next/{counterId}", h.handleCallNext)
				r.Post("/complete-service/{counterId}", h.handleCompleteService)
				r.Post("/counters/{counterId}/release", h.handleReleaseCounter)
				r.Post("/counters/{counterId}/status", h.handleCounterStatus)
			})
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	var req issueTicketRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	ticket, err := h.queue.IssueTicket(r.Context(), queue.IssueRequest{
		CustomerName:  req.CustomerName,
		Service:       req.Service,
		CustomService: req.CustomService,
		Language:      req.Language,
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	counterID, ok := counterIDParam(w, r)
	if !ok || !requireCounterAccess(w, r, counterID) {
		return
	}

	ticket, called, err := h.queue.CallNext(r.Context(), counterID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if !called {
		writeJSON(w, http.StatusOK, callNextResponse{Success: false, Message: "no customers in queue"})
		return
	}
	writeJSON(w, http.StatusOK, callNextResponse{Success: true, Customer: &ticket})
}

func (h *Handler) handleCompleteService(w http.ResponseWriter, r *http.Request) {
	counterID, ok := counterIDParam(w, r)
	if !ok || !requireCounterAccess(w, r, counterID) {
		return
	}

	if _, _, err := h.queue.CompleteService(r.Context(), counterID); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// handleQueueSnapshot reloads state from the stores before answering, so it
// doubles as the recovery path for clients that missed pushes.
func (h *Handler) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.queue.Resync(r.Context())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := strings.TrimSpace(chi.URLParam(r, "ticketId"))
	if ticketID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket id is required")
		return
	}
	ticket, err := h.queue.GetTicket(r.Context(), ticketID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}
	if req.CounterID < 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "counterId must be positive")
		return
	}

	ctx := r.Context()
	staff, err := h.staff.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	session, err := h.staff.CreateSession(ctx, staff, req.CounterID, h.now().Add(h.sessionTTL))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}

	resp := loginResponse{SessionID: session.SessionID, ExpiresAt: session.ExpiresAt, Staff: session.Staff}
	if req.CounterID > 0 {
		counter, err := h.queue.ClaimCounter(ctx, req.CounterID, session)
		if err != nil {
			_ = h.staff.DeleteSession(context.WithoutCancel(ctx), session.SessionID)
			writeMappedError(w, r, err)
			return
		}
		resp.Counter = &counter
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	released, err := h.queue.ReleaseSession(r.Context(), session.SessionID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if err := h.staff.DeleteSession(r.Context(), session.SessionID); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Released: &released})
}

func (h *Handler) handleReleaseCounter(w http.ResponseWriter, r *http.Request) {
	counterID, ok := counterIDParam(w, r)
	if !ok || !requireCounterAccess(w, r, counterID) {
		return
	}
	session, _ := sessionFromContext(r.Context())
	owner := session.SessionID
	if session.Staff.Role == models.RoleAdmin {
		owner = ""
	}
	if err := h.queue.ReleaseCounter(r.Context(), counterID, owner); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleCounterStatus(w http.ResponseWriter, r *http.Request) {
	counterID, ok := counterIDParam(w, r)
	if !ok || !requireCounterAccess(w, r, counterID) {
		return
	}
	var req counterStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	counter, err := h.queue.SetCounterStatus(r.Context(), counterID, strings.TrimSpace(req.Status))
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counter)
}

func counterIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "counterId")
	counterID, err := strconv.Atoi(raw)
	if err != nil || counterID <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "counterId must be a positive integer")
		return 0, false
	}
	return counterID, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	return decodeBody(w, r, target, true)
}

// decodeBody reads a JSON body. Kiosk payloads are decoded with strict set
// to false so extra fields from newer clients are ignored.
func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}, strict bool) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if strict {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var validation *queue.ValidationError
	var occupied *queue.OccupiedError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request", validation.Error()
	case errors.As(err, &occupied):
		return http.StatusConflict, "counter_occupied", occupied.Error()
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrCounterUnavailable):
		return http.StatusConflict, "counter_unavailable", "counter is closed"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter is serving a customer"
	case errors.Is(err, store.ErrCounterOccupied):
		return http.StatusConflict, "counter_occupied", "counter occupied"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials", "invalid username or password"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "invalid session"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("request_id=%s path=%s error: %v", requestIDFromRequest(r), r.URL.Path, err)
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
