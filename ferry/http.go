package ferry

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/bookferry/shield"
)

const maxRequestBody = 64 * 1024

// Handler returns the admin API. Mutating routes require the configured
// http_token as a bearer token when one is set.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.AdminStack(s.log, maxRequestBody) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.db.PingContext(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Get("/books", s.handleListBooks)
	r.Get("/destinations", s.handleListDestinations)
	r.Get("/metrics", s.handleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(shield.RequireToken(s.cfg.HTTPToken))
		r.Post("/trigger", s.handleTrigger)
		r.Post("/books/{id}/reset", s.handleResetBook)
		r.Post("/destinations", s.handleAddDestination)
		r.Put("/destinations/{id}", s.handleUpdateDestination)
	})
	return r
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleTrigger(w http.ResponseWriter, r *http.Request) {
	started := s.Trigger()
	shield.GetLogger(r.Context()).Info("ferry: manual trigger", "started", started)
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
}

func (s *Service) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.ListBooks(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if books == nil {
		books = []*Book{}
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Service) handleResetBook(w http.ResponseWriter, r *http.Request) {
	if err := s.ResetBook(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Service) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	dests, err := s.ListDestinations(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if dests == nil {
		dests = []Destination{}
	}
	writeJSON(w, http.StatusOK, dests)
}

func (s *Service) handleAddDestination(w http.ResponseWriter, r *http.Request) {
	var in DestinationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d, err := s.AddDestination(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Service) handleUpdateDestination(w http.ResponseWriter, r *http.Request) {
	var in DestinationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d, err := s.UpdateDestination(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	series, err := s.Metrics(r.Context(), r.URL.Query().Get("label"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// fail maps service errors to status codes. Unexpected errors are logged
// with the request trace and answered 500.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrDuplicateFeedKey):
		writeError(w, http.StatusConflict, err)
	default:
		shield.GetLogger(r.Context()).Error("ferry: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
