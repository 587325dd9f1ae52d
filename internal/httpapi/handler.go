package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/yousif447/Queue-Management-System-sub002/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store store.TicketStore
}

func NewHandler(store store.TicketStore) *Handler {
	return &Handler{store: store}
}

type createTicketRequest struct {
	RequestID  string `json:"request_id"`
	BusinessID string `json:"business_id"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleCreateTicket)
	mux.HandleFunc("/api/tickets/", h.handleTicket)
	mux.HandleFunc("/api/users/me/tickets", h.handleMyTickets)
	mux.HandleFunc("/api/queues/business/", h.handleBusinessQueue)
	mux.HandleFunc("/api/queues/", h.handleQueue)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	var req createTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	if req.RequestID == "" || req.BusinessID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and business_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.BusinessID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and business_id must be UUIDs")
		return
	}

	ticket, _, err := h.store.CreateTicket(r.Context(), store.CreateTicketInput{
		RequestID:  req.RequestID,
		BusinessID: req.BusinessID,
		UserID:     session.UserID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleTicket(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGetTicket(w, r, parts[0])
	case len(parts) == 2 && r.Method == http.MethodPatch:
		h.handleTicketAction(w, r, parts[0], parts[1])
	case len(parts) == 1 || len(parts) == 2:
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	ticket, _, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if !canReadTicket(session, ticket.UserID, ticket.BusinessID) {
		writeError(w, "", http.StatusForbidden, "not_allowed", "not your ticket")
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	input := store.TicketActionInput{
		TicketID:   ticketID,
		Actor:      actorFromSession(session),
		OccurredAt: time.Now().UTC(),
	}

	var (
		ticket interface{}
		err    error
	)
	switch action {
	case "start":
		ticket, _, err = h.store.StartService(r.Context(), input)
	case "complete":
		ticket, _, err = h.store.CompleteTicket(r.Context(), input)
	case "cancel":
		ticket, _, err = h.store.CancelTicket(r.Context(), input)
	case "no-show":
		ticket, _, err = h.store.NoShowTicket(r.Context(), input)
	case "reactivate":
		ticket, _, err = h.store.ReactivateTicket(r.Context(), input)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleMyTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	tickets, err := h.store.ListUserTickets(r.Context(), session.UserID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

// handleBusinessQueue serves the public per-business queue snapshot used by
// waiting-area displays and the client poll fallback.
func (h *Handler) handleBusinessQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/queues/business/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "queue" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	businessID := parts[0]
	if !isValidUUID(businessID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "business_id must be a UUID")
		return
	}

	queueSnapshot, err := h.store.GetBusinessQueue(r.Context(), businessID, time.Now().UTC())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, queueSnapshot)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queues/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	queueID := parts[0]
	if !isValidUUID(queueID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "queue_id must be a UUID")
		return
	}

	switch {
	case parts[1] == "tickets" && r.Method == http.MethodGet:
		h.handleQueueTickets(w, r, queueID)
	case parts[1] == "call-next" && r.Method == http.MethodPatch:
		h.handleCallNext(w, r, queueID)
	case parts[1] == "pause" && r.Method == http.MethodPatch:
		h.handleQueueStatus(w, r, queueID, true)
	case parts[1] == "resume" && r.Method == http.MethodPatch:
		h.handleQueueStatus(w, r, queueID, false)
	case parts[1] == "tickets" || parts[1] == "call-next" || parts[1] == "pause" || parts[1] == "resume":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleQueueTickets(w http.ResponseWriter, r *http.Request, queueID string) {
	tickets, err := h.store.ListQueueTickets(r.Context(), queueID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, queueID string) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	ticket, _, err := h.store.CallNext(r.Context(), store.CallNextInput{
		QueueID:  queueID,
		Actor:    actorFromSession(session),
		CalledAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request, queueID string, pause bool) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	input := store.QueueActionInput{QueueID: queueID, Actor: actorFromSession(session)}
	var (
		result interface{}
		err    error
	)
	if pause {
		result, err = h.store.PauseQueue(r.Context(), input)
	} else {
		result, err = h.store.ResumeQueue(r.Context(), input)
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func canReadTicket(session store.Session, ticketUserID, ticketBusinessID string) bool {
	if session.UserID == ticketUserID {
		return true
	}
	return session.Role == store.RoleBusiness && session.BusinessID == ticketBusinessID
}

func actorFromSession(session store.Session) store.Actor {
	return store.Actor{
		UserID:     session.UserID,
		Role:       session.Role,
		BusinessID: session.BusinessID,
	}
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// mapError keeps error codes specific so clients can tell "queue full"
// from "queue paused" from "invalid status change" instead of rendering a
// generic failure.
func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrBusinessNotFound):
		return http.StatusNotFound, "business_not_found", "business not found"
	case errors.Is(err, store.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found", "queue not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrQueuePaused):
		return http.StatusConflict, "queue_paused", "queue is paused"
	case errors.Is(err, store.ErrQueueFull):
		return http.StatusConflict, "queue_full", "queue is fully booked"
	case errors.Is(err, store.ErrQueueEmpty):
		return http.StatusConflict, "queue_empty", "no waiting tickets"
	case errors.Is(err, store.ErrSlotOccupied):
		return http.StatusConflict, "slot_occupied", "another ticket is already being served"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket status does not allow this action"
	case errors.Is(err, store.ErrUnauthorized):
		return http.StatusForbidden, "not_allowed", "not your turn to act"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "invalid session"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
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
