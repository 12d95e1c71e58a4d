package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tarungka/prism/internal/actor"
	"github.com/tarungka/prism/internal/models"
	"github.com/tarungka/prism/internal/runtime"
)

// statusFor maps the error taxonomy onto HTTP codes: bad configs are the
// caller's fault, lifecycle misuse is a conflict, everything else is ours.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, runtime.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runtime.ErrExists), errors.Is(err, actor.ErrBadState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) configureQuery(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryID")
	var cfg models.QueryConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		sendError(w, http.StatusBadRequest, "undecodable query config")
		return
	}
	if cfg.QueryID == "" {
		cfg.QueryID = queryID
	}
	if err := s.manager.ConfigureQuery(cfg); err != nil {
		s.logger.Err(err).Str("query", queryID).Msg("configure failed")
		sendError(w, statusFor(err), err.Error())
		return
	}
	sendResponse(w, http.StatusCreated, map[string]string{"queryId": cfg.QueryID})
}

func (s *Server) reconfigureQuery(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryID")
	var cfg models.QueryConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		sendError(w, http.StatusBadRequest, "undecodable query config")
		return
	}
	if cfg.QueryID == "" {
		cfg.QueryID = queryID
	}
	if err := s.manager.ReconfigureQuery(cfg); err != nil {
		s.logger.Err(err).Str("query", queryID).Msg("reconfigure failed")
		sendError(w, statusFor(err), err.Error())
		return
	}
	sendResponse(w, http.StatusOK, map[string]string{"queryId": cfg.QueryID})
}

func (s *Server) deprovisionQuery(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryID")
	if err := s.manager.DeprovisionQuery(queryID); err != nil {
		sendError(w, statusFor(err), err.Error())
		return
	}
	sendResponse(w, http.StatusOK, map[string]string{"queryId": queryID})
}

func (s *Server) getQueryStatus(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryID")
	st, err := s.manager.QueryStatus(queryID)
	if err != nil {
		sendError(w, statusFor(err), err.Error())
		return
	}
	sendResponse(w, http.StatusOK, st)
}

func (s *Server) configureView(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewID")
	var cfg models.ViewConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		sendError(w, http.StatusBadRequest, "undecodable view config")
		return
	}
	if cfg.ViewID == "" {
		cfg.ViewID = viewID
	}
	if err := s.manager.ConfigureView(cfg); err != nil {
		s.logger.Err(err).Str("view", viewID).Msg("configure failed")
		sendError(w, statusFor(err), err.Error())
		return
	}
	sendResponse(w, http.StatusCreated, map[string]string{"viewId": cfg.ViewID})
}

func (s *Server) reconfigureView(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewID")
	var cfg models.ViewConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		sendError(w, http.StatusBadRequest, "undecodable view config")
		return
	}
	if cfg.ViewID == "" {
		cfg.ViewID = viewID
	}
	if err := s.manager.ReconfigureView(cfg); err != nil {
		sendError(w, statusFor(err), err.Error())
		return
	}
	sendResponse(w, http.StatusOK, map[string]string{"viewId": cfg.ViewID})
}

func (s *Server) deprovisionView(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewID")
	if err := s.manager.DeprovisionView(viewID); err != nil {
		sendError(w, statusFor(err), err.Error())
		return
	}
	sendResponse(w, http.StatusOK, map[string]string{"viewId": viewID})
}

func (s *Server) getViewStatus(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewID")
	st, err := s.manager.ViewStatus(viewID)
	if err != nil {
		sendError(w, statusFor(err), err.Error())
		return
	}
	sendResponse(w, http.StatusOK, st)
}

func (s *Server) getStatuses(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, http.StatusOK, s.manager.Statuses())
}
