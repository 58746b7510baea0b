package network

import (
	"errors"
	"net/http"

	"github.com/warp/consignment-ledger/ledger"
)

// Paths served by the ledger service.
const (
	EventsPath = "/ledger/consignments/{id}/events"
	HealthPath = "/ledger/health"
)

// Error codes carried by ErrorBody.
const (
	CodeConflict     = "conflict"
	CodeDuplicate    = "duplicate"
	CodeInconsistent = "inconsistent"
	CodeInvalid      = "invalid"
	CodeInternal     = "internal"
)

// ErrorBody is the JSON error answer of the ledger service.
type ErrorBody struct {
	Code         string               `json:"code"`
	Message      string               `json:"message"`
	ExpectedHead string               `json:"expected_head,omitempty"`
	ActualHead   string               `json:"actual_head,omitempty"`
	Sequence     uint64               `json:"sequence,omitempty"`
	Result       *ledger.CommitResult `json:"result,omitempty"`
}

// HistoryResponse is the answer of GET EventsPath.
type HistoryResponse struct {
	ConsignmentID ledger.ConsignmentID `json:"consignment_id"`
	Events        []ledger.StatusEvent `json:"events"`
}

// ErrorBodyOf maps a ledger error to its HTTP status and body. The service
// side of the mapping lives here so both ends agree on it.
func ErrorBodyOf(err error) (int, ErrorBody) {
	var conflict *ledger.ConflictError
	if errors.As(err, &conflict) {
		body := ErrorBody{
			Code:         CodeConflict,
			Message:      err.Error(),
			ExpectedHead: conflict.ExpectedHead,
			ActualHead:   conflict.ActualHead,
		}
		if conflict.Duplicate {
			body.Code = CodeDuplicate
		}
		return http.StatusConflict, body
	}

	var inconsistent *ledger.InconsistentError
	if errors.As(err, &inconsistent) {
		return http.StatusUnprocessableEntity, ErrorBody{
			Code:     CodeInconsistent,
			Message:  err.Error(),
			Sequence: inconsistent.Sequence,
		}
	}

	if ledger.IsClientError(err) {
		return http.StatusBadRequest, ErrorBody{Code: CodeInvalid, Message: err.Error()}
	}
	return http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: err.Error()}
}
