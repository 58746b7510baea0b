package record

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/consignment-ledger/ledger"
)

// Routes serves a Memory as a record service, the counterpart of
// HTTPClient.
func Routes(m *Memory) http.Handler {
	r := chi.NewRouter()
	Register(r, m)
	return r
}

// Register adds the record service routes to an existing router.
func Register(r chi.Router, m *Memory) {
	r.Post(collectionPath, func(w http.ResponseWriter, req *http.Request) {
		var c ledger.Consignment
		if err := json.NewDecoder(req.Body).Decode(&c); err != nil || c.ID == "" {
			http.Error(w, "invalid record", http.StatusBadRequest)
			return
		}
		if _, err := m.Get(req.Context(), c.ID); err == nil {
			w.WriteHeader(http.StatusConflict)
			return
		}
		writeRecordResult(w, http.StatusCreated, c, m.Create(req.Context(), c))
	})

	r.Put(recordPath, func(w http.ResponseWriter, req *http.Request) {
		var c ledger.Consignment
		if err := json.NewDecoder(req.Body).Decode(&c); err != nil {
			http.Error(w, "invalid record", http.StatusBadRequest)
			return
		}
		c.ID = ledger.ConsignmentID(chi.URLParam(req, "id"))
		writeRecordResult(w, http.StatusOK, c, m.Update(req.Context(), c))
	})

	r.Get(recordPath, func(w http.ResponseWriter, req *http.Request) {
		c, err := m.Get(req.Context(), ledger.ConsignmentID(chi.URLParam(req, "id")))
		if err != nil {
			writeRecordResult(w, 0, ledger.Consignment{}, err)
			return
		}
		writeRecordResult(w, http.StatusOK, *c, nil)
	})
}

func writeRecordResult(w http.ResponseWriter, status int, c ledger.Consignment, err error) {
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(c)
	case errors.Is(err, ledger.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrUnreachable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
