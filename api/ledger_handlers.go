package api

import (
	"encoding/json"
	"net/http"

	"github.com/warp/consignment-ledger/ledger"
	"github.com/warp/consignment-ledger/network"
)

// AppendEvent commits an event posted by a remote network.Client.
func (h *Handler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	id := consignmentID(r)

	var ev ledger.StatusEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, network.ErrorBody{Code: network.CodeInvalid, Message: err.Error()})
		return
	}

	res, err := h.Ledger.Append(r.Context(), id, ev)
	if err != nil {
		status, body := network.ErrorBodyOf(err)
		if ledger.IsDuplicate(err) {
			body.Result = &res
		}
		if status >= http.StatusInternalServerError {
			h.log.WithError(err).WithField("id", id).Error("Ledger append failed")
		}
		writeJSON(w, status, body)
		return
	}

	h.log.WithField("id", id).WithField("seq", res.Sequence).Debug("Event committed")
	writeJSON(w, http.StatusCreated, res)
}

// GetEvents serves the full history of a consignment.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id := consignmentID(r)
	events, err := h.Ledger.History(r.Context(), id)
	if err != nil {
		status, body := network.ErrorBodyOf(err)
		writeJSON(w, status, body)
		return
	}
	if events == nil {
		events = []ledger.StatusEvent{}
	}
	writeJSON(w, http.StatusOK, network.HistoryResponse{ConsignmentID: id, Events: events})
}

// LedgerHealth answers the network.Client health probe.
func (h *Handler) LedgerHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, network.ErrorBody{Code: network.CodeInternal, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
