/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

ACTOR:
  The acting operator is not part of any body. It is read from the
  X-Actor-ID and X-Actor-Role headers set by the authenticating gateway.

VALIDATION:
  Validation is done in handlers and in the ledger package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/syncq"
	"github.com/warp/consignment-ledger/tracker"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateConsignmentRequest is the body of POST /api/consignments.
type CreateConsignmentRequest struct {
	ID       string           `json:"id,omitempty"`
	Name     string           `json:"name"`
	Unit     string           `json:"unit"`
	Quantity ledger.Quantity  `json:"quantity"`
	Location *ledger.Location `json:"location,omitempty"`
	ActionID string           `json:"action_id,omitempty"`
}

// TransitionRequest is the body of POST /api/consignments/{id}/transitions.
type TransitionRequest struct {
	Status     string           `json:"status"`
	Quantity   ledger.Quantity  `json:"quantity"`
	RetailerID string           `json:"retailer_id,omitempty"`
	Location   *ledger.Location `json:"location,omitempty"`
	ActionID   string           `json:"action_id,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ProjectionDTO is the canonical status of a consignment.
type ProjectionDTO struct {
	Status            ledger.Status       `json:"status"`
	LastLocation      *ledger.Location    `json:"last_location,omitempty"`
	TransitHours      float64             `json:"transit_hours"`
	DelayCount        int                 `json:"delay_count"`
	InitialQuantity   ledger.Quantity     `json:"initial_quantity"`
	QuantityRemaining ledger.Quantity     `json:"quantity_remaining"`
	SoldQuantity      ledger.Quantity     `json:"sold_quantity"`
	Participants      ledger.Participants `json:"participants"`
	EventCount        int                 `json:"event_count"`
	HeadDigest        string              `json:"head_digest"`
	LastUpdated       string              `json:"last_updated,omitempty"`
	Provisional       bool                `json:"provisional"`
	Synthetic         bool                `json:"synthetic,omitempty"`
}

// ConsignmentResponse is the answer of GET /api/consignments/{id}.
type ConsignmentResponse struct {
	Consignment ledger.Consignment `json:"consignment"`
	Projection  ProjectionDTO      `json:"projection"`
	Mode        ledger.Mode        `json:"mode"`
	Degraded    bool               `json:"degraded"`
	PendingSync int                `json:"pending_sync"`
}

// WriteResponse acknowledges a create or a transition.
type WriteResponse struct {
	Outcome     tracker.Outcome     `json:"outcome"`
	Commit      ledger.CommitResult `json:"commit"`
	Consignment ledger.Consignment  `json:"consignment"`
	Projection  ProjectionDTO       `json:"projection"`
	ItemID      string              `json:"item_id,omitempty"`
}

// HistoryResponse is the answer of GET /api/consignments/{id}/history.
type HistoryResponse struct {
	ConsignmentID ledger.ConsignmentID `json:"consignment_id"`
	Mode          ledger.Mode          `json:"mode"`
	Events        []ledger.StatusEvent `json:"events"`
}

// PendingResponse is the aggregate pending sync indicator.
type PendingResponse struct {
	Pending  int         `json:"pending"`
	Mode     ledger.Mode `json:"mode"`
	Degraded bool        `json:"degraded"`
}

// DeadLetterDTO is a write that needs manual resolution.
type DeadLetterDTO struct {
	ItemID        string               `json:"item_id"`
	ConsignmentID ledger.ConsignmentID `json:"consignment_id"`
	Operation     syncq.Operation      `json:"operation"`
	ActionID      string               `json:"action_id,omitempty"`
	Requested     ledger.Status        `json:"requested,omitempty"`
	Attempts      int                  `json:"attempts"`
	LastError     string               `json:"last_error,omitempty"`
	Reason        string               `json:"reason"`
	EnqueuedAt    string               `json:"enqueued_at"`
	FailedAt      string               `json:"failed_at"`
}

// ErrorResponse is the error body of every /api endpoint.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toProjectionDTO(p ledger.Projection) ProjectionDTO {
	return ProjectionDTO{
		Status:            p.Status,
		LastLocation:      p.LastLocation,
		TransitHours:      p.TransitDuration.Hours(),
		DelayCount:        p.DelayCount,
		InitialQuantity:   p.InitialQuantity,
		QuantityRemaining: p.QuantityRemaining,
		SoldQuantity:      p.SoldQuantity,
		Participants:      p.Participants,
		EventCount:        p.EventCount,
		HeadDigest:        p.HeadDigest,
		LastUpdated:       formatTime(p.LastUpdated),
		Provisional:       p.Provisional,
		Synthetic:         p.Synthetic,
	}
}

func toWriteResponse(res tracker.Result) WriteResponse {
	return WriteResponse{
		Outcome:     res.Outcome,
		Commit:      res.Commit,
		Consignment: res.Consignment,
		Projection:  toProjectionDTO(res.Projection),
		ItemID:      res.ItemID,
	}
}

func toDeadLetterDTO(dl syncq.DeadLetter) DeadLetterDTO {
	dto := DeadLetterDTO{
		ItemID:        dl.Item.ID,
		ConsignmentID: dl.Item.TargetID,
		Operation:     dl.Item.Operation,
		Attempts:      dl.Item.RetryCount,
		LastError:     dl.Item.LastError,
		Reason:        dl.Reason,
		EnqueuedAt:    formatTime(dl.Item.EnqueuedAt),
		FailedAt:      formatTime(dl.FailedAt),
	}
	if p, err := dl.Item.Decode(); err == nil {
		dto.ActionID = p.Intent.ActionID
		dto.Requested = p.Intent.Requested
	}
	return dto
}
