package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tarungka/prism/internal/models"
)

// viewRowResponse renders a row with validTo omitted while the version is
// still open.
type viewRowResponse struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	ValidFrom time.Time       `json:"validFrom"`
	ValidTo   *time.Time      `json:"validTo,omitempty"`
}

func toRowResponse(row models.ViewRow) viewRowResponse {
	out := viewRowResponse{
		Key:       row.Key,
		Data:      row.Data,
		ValidFrom: row.ValidFrom,
	}
	if !row.Open() {
		vt := row.ValidTo
		out.ValidTo = &vt
	}
	return out
}

// parseAsOf reads the optional asOf query parameter; zero means now.
func parseAsOf(r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("asOf")
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// readView returns every row of the view valid at asOf (default now).
func (s *Server) readView(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewID")
	asOf, ok := parseAsOf(r)
	if !ok {
		sendError(w, http.StatusBadRequest, "asOf must be RFC 3339")
		return
	}
	rows, err := s.store.ReadAll(viewID, asOf)
	if err != nil {
		s.logger.Err(err).Str("view", viewID).Msg("view read failed")
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]viewRowResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRowResponse(row))
	}
	sendResponse(w, http.StatusOK, out)
}

// readViewKey returns the single version of key valid at asOf, 404 when the
// key had no valid version then.
func (s *Server) readViewKey(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewID")
	key := chi.URLParam(r, "key")
	asOf, ok := parseAsOf(r)
	if !ok {
		sendError(w, http.StatusBadRequest, "asOf must be RFC 3339")
		return
	}
	row, err := s.store.Read(viewID, key, asOf)
	if err != nil {
		s.logger.Err(err).Str("view", viewID).Str("key", key).Msg("view read failed")
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if row == nil {
		sendError(w, http.StatusNotFound, "no row valid at the requested time")
		return
	}
	sendResponse(w, http.StatusOK, toRowResponse(*row))
}
