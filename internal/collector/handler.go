package collector

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Handler exposes the collector's HTTP ingress and admin endpoints.
type Handler struct {
	collector *Collector
}

// NewHandler wires a Handler over a Collector.
func NewHandler(c *Collector) *Handler {
	return &Handler{collector: c}
}

// Router assembles the collector binary's mux.Router.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/event-collector/events", h.ingest).Methods(http.MethodPost)
	r.HandleFunc("/event-collector/events/{id}/retry", h.retry).Methods(http.MethodPost)
	r.HandleFunc("/event-collector/events/{id}/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/event-collector/rate-limit/{affiliate}", h.rateLimit).Methods(http.MethodGet)
	return r
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	var event Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := h.collector.Ingest(r.Context(), event)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ingestion failed"})
		return
	}

	status := http.StatusCreated
	if result.State == StateDiscarded {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event id"})
		return
	}

	result, err := h.collector.RetryEvent(r.Context(), id)
	switch {
	case err == ErrNotRetriable:
		writeJSON(w, http.StatusConflict, map[string]string{"error": "event is not retriable"})
		return
	case err != nil:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event id"})
		return
	}

	result, err := h.collector.GetStatus(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) rateLimit(w http.ResponseWriter, r *http.Request) {
	affiliate := mux.Vars(r)["affiliate"]

	window := time.Minute
	if raw := r.URL.Query().Get("ventana_minutos"); raw != "" {
		if minutes, err := strconv.Atoi(raw); err == nil && minutes > 0 {
			window = time.Duration(minutes) * time.Minute
		}
	}

	count, limit, err := h.collector.RateLimitStatus(r.Context(), affiliate, window)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rate limit lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"affiliate": affiliate,
		"count":     count,
		"limit":     limit,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
