/*
handlers.go - HTTP API handlers for the consignment tracker

PURPOSE:
  Exposes the tracker via REST API. Handles HTTP request/response, JSON
  serialization, and delegates every decision to the tracker.

ENDPOINTS:
  Consignments:
    GET    /api/consignments                    List mirrored consignments
    POST   /api/consignments                    Create (producer)
    GET    /api/consignments/{id}               Canonical status
    GET    /api/consignments/{id}/history       Event history
    POST   /api/consignments/{id}/transitions   Request a transition

  Sync:
    GET    /api/sync/pending                    Pending sync indicator
    GET    /api/sync/dead-letters               Writes needing manual resolution
    POST   /api/sync/drain                      Drain the queue now
    GET    /api/sync/audit                      Compare records with the ledger

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body
  - 403: Forbidden (role may not act, unknown role)
  - 404: Unknown consignment
  - 409: Conflict (head moved, duplicate creation)
  - 422: Invalid transition or quantity
  - 500: Inconsistent history (details included), internal errors
  - 503: Ledger or record store unreachable

  A transition recorded provisionally answers 202 Accepted: it is queued,
  not yet on the network ledger.

SEE ALSO:
  - dto.go: Request/response data structures
  - ledger_handlers.go: The ledger service endpoints
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/logger"
	"github.com/warp/consignment-ledger/monitoring"
	"github.com/warp/consignment-ledger/tracker"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Tracker *tracker.Tracker
	Monitor *monitoring.Monitor

	// Service side of the ledger; nil when this node does not serve one
	Ledger *ledger.EventLedger

	log *logrus.Entry
}

func NewHandler(t *tracker.Tracker, monitor *monitoring.Monitor, served *ledger.EventLedger) *Handler {
	return &Handler{
		Tracker: t,
		Monitor: monitor,
		Ledger:  served,
		log:     logger.NewSublogger("api"),
	}
}

// actorOf reads the acting operator from the request headers. Roles outside
// the closed set are rejected here, before any lookup.
func actorOf(r *http.Request) (ledger.Actor, error) {
	id := r.Header.Get(HeaderActorID)
	if id == "" {
		return ledger.Actor{}, fmt.Errorf("%w: missing %s header", ledger.ErrForbidden, HeaderActorID)
	}
	role, err := ledger.ParseRole(r.Header.Get(HeaderActorRole))
	if err != nil {
		return ledger.Actor{}, err
	}
	return ledger.Actor{ID: id, Role: role}, nil
}

func consignmentID(r *http.Request) ledger.ConsignmentID {
	return ledger.ConsignmentID(chi.URLParam(r, "id"))
}

// =============================================================================
// CONSIGNMENT HANDLERS
// =============================================================================

// ListConsignments returns the local mirror.
func (h *Handler) ListConsignments(w http.ResponseWriter, r *http.Request) {
	list, err := h.Tracker.List(r.Context())
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}
	if list == nil {
		list = []ledger.Consignment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateConsignment records a new consignment for the producer in the headers.
func (h *Handler) CreateConsignment(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}

	var req CreateConsignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	res, err := h.Tracker.CreateConsignment(r.Context(), actor, tracker.NewConsignment{
		ID:       ledger.ConsignmentID(req.ID),
		Name:     req.Name,
		Unit:     req.Unit,
		Quantity: req.Quantity,
		Location: req.Location,
		ActionID: req.ActionID,
	})
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Outcome == tracker.OutcomeQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toWriteResponse(res))
}

// GetConsignment returns the canonical status.
func (h *Handler) GetConsignment(w http.ResponseWriter, r *http.Request) {
	view, err := h.Tracker.CanonicalStatus(r.Context(), consignmentID(r))
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConsignmentResponse{
		Consignment: view.Consignment,
		Projection:  toProjectionDTO(view.Projection),
		Mode:        view.Mode,
		Degraded:    view.Degraded,
		PendingSync: view.PendingSync,
	})
}

// GetHistory returns the effective event history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := consignmentID(r)
	events, mode, err := h.Tracker.History(r.Context(), id)
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}
	if events == nil {
		events = []ledger.StatusEvent{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ConsignmentID: id, Mode: mode, Events: events})
}

// RequestTransition asks for the next status on behalf of the header actor.
func (h *Handler) RequestTransition(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	status, err := ledger.ParseStatus(req.Status)
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}

	res, err := h.Tracker.RequestTransition(r.Context(), consignmentID(r), actor, tracker.TransitionRequest{
		Status:     status,
		Quantity:   req.Quantity,
		RetailerID: req.RetailerID,
		Location:   req.Location,
		ActionID:   req.ActionID,
	})
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}

	code := http.StatusOK
	if res.Outcome == tracker.OutcomeQueued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, toWriteResponse(res))
}

// =============================================================================
// SYNC HANDLERS
// =============================================================================

// GetPending returns the aggregate pending sync indicator.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	n, err := h.Tracker.PendingSyncCount(r.Context())
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}
	mode := h.Tracker.Ledger.Mode()
	writeJSON(w, http.StatusOK, PendingResponse{
		Pending:  n,
		Mode:     mode,
		Degraded: mode == ledger.ModeEmulated,
	})
}

// ListDeadLetters returns the writes that need manual resolution.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := h.Tracker.DeadLetters(r.Context())
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}
	dtos := make([]DeadLetterDTO, len(dead))
	for i, dl := range dead {
		dtos[i] = toDeadLetterDTO(dl)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerDrain replays the queue now.
func (h *Handler) TriggerDrain(w http.ResponseWriter, r *http.Request) {
	report, err := h.Tracker.Sync(r.Context())
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Audit compares every mirrored record with the ledger.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	findings, err := h.Tracker.Audit(r.Context())
	if err != nil {
		h.writeTrackerError(w, err)
		return
	}
	if findings == nil {
		findings = []tracker.Finding{}
	}
	writeJSON(w, http.StatusOK, findings)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusOf maps the error taxonomy to HTTP. Order matters: an unknown
// consignment is also a client error.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrUnknownConsignment), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "unknown_consignment"
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, "invalid_transition"
	case errors.Is(err, ledger.ErrInvalidQuantity), errors.Is(err, ledger.ErrQuantityExceeded):
		return http.StatusUnprocessableEntity, "invalid_quantity"
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrUnreachable):
		return http.StatusServiceUnavailable, "unreachable"
	case errors.Is(err, ledger.ErrInconsistent):
		return http.StatusInternalServerError, "inconsistent"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeTrackerError(w http.ResponseWriter, err error) {
	status, code := statusOf(err)

	var te *ledger.TransitionError
	if errors.As(err, &te) && te.Code != "" {
		code = te.Code
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.log.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Code: code, Details: err.Error()})
}
