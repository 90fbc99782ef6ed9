// Package control implements the C9 control surface: the saga-start/status/
// list/delete endpoints and the reporting admin endpoints that hot-swap the
// active data-service configuration.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	core "github.com/campaignforge/sagaflow/internal/app/core/service"
	"github.com/campaignforge/sagaflow/internal/outbox"
	"github.com/campaignforge/sagaflow/internal/reporting"
	"github.com/campaignforge/sagaflow/internal/saga"
)

// sagaTypeCreateCompleteCampaign is the only topology this control surface
// currently starts; additional saga types would get their own route.
const sagaTypeCreateCompleteCampaign = "CreateCompleteCampaign"

// engine is the subset of *saga.Engine the control surface calls.
type engine interface {
	Start(ctx context.Context, sagaType string, stepInputs map[string]json.RawMessage, initialPayload json.RawMessage, timeoutMinutes int) (*saga.Saga, error)
}

// sagaStore is the subset of *saga.Store the control surface calls.
type sagaStore interface {
	Get(ctx context.Context, id uuid.UUID) (*saga.Saga, error)
	List(ctx context.Context, state saga.State, sagaType string, limit, offset int) ([]*saga.Saga, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// reportConfigStore is the subset of *reporting.Store the control surface
// calls.
type reportConfigStore interface {
	Active(ctx context.Context) (reporting.Config, error)
	Activate(ctx context.Context, url, version string) (reporting.Config, error)
	History(ctx context.Context) ([]reporting.Config, error)
}

// outboxStatsStore is the subset of *outbox.Store the control surface calls.
// A nil outboxStatsStore disables the /outbox/stats route (used by binaries
// that don't want to expose a second service's outbox over this surface).
type outboxStatsStore interface {
	Stats(ctx context.Context, service string) (outbox.Stats, error)
}

// Handler exposes the orchestrator's control-plane HTTP surface.
type Handler struct {
	engine    engine
	store     sagaStore
	reportCfg reportConfigStore
	outboxSt  outboxStatsStore
	log       *logrus.Entry
}

// NewHandler wires a Handler over the saga engine, saga store, and
// data-service configuration store.
func NewHandler(eng engine, store sagaStore, reportCfg reportConfigStore, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{engine: eng, store: store, reportCfg: reportCfg, log: log.WithField("component", "control.handler")}
}

// WithOutboxStats attaches the outbox store backing /outbox/stats and
// returns the same Handler for chaining at construction time.
func (h *Handler) WithOutboxStats(store outboxStatsStore) *Handler {
	h.outboxSt = store
	return h
}

// Router assembles the orchestrator binary's mux.Router.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/saga/crear-campana-completa", h.createCampaignSaga).Methods(http.MethodPost)
	r.HandleFunc("/saga/{id}/status", h.sagaStatus).Methods(http.MethodGet)
	r.HandleFunc("/saga/{id}/compensations", h.sagaCompensations).Methods(http.MethodGet)
	r.HandleFunc("/saga/", h.listSagas).Methods(http.MethodGet)
	r.HandleFunc("/saga/{id}", h.deleteSaga).Methods(http.MethodDelete)
	r.HandleFunc("/reporting/admin/servicio-datos", h.swapDataService).Methods(http.MethodPost)
	r.HandleFunc("/reporting/admin/configuracion", h.readDataServiceConfig).Methods(http.MethodGet)
	r.HandleFunc("/reporting/admin/configuracion/historial", h.readDataServiceConfigHistory).Methods(http.MethodGet)
	if h.outboxSt != nil {
		r.HandleFunc("/outbox/stats", h.outboxStats).Methods(http.MethodGet)
	}
	return r
}

type createCampaignSagaRequest struct {
	Campana        json.RawMessage `json:"campana"`
	Pago           json.RawMessage `json:"pago"`
	Reporte        json.RawMessage `json:"reporte"`
	TimeoutMinutos int             `json:"timeout_minutos"`
}

func (h *Handler) createCampaignSaga(w http.ResponseWriter, r *http.Request) {
	var req createCampaignSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Campana) == 0 || len(req.Pago) == 0 || len(req.Reporte) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "campana, pago, and reporte are required"})
		return
	}

	stepInputs := map[string]json.RawMessage{
		"CREATE_CAMPAIGN": req.Campana,
		"PROCESS_PAYMENT": req.Pago,
		"GENERATE_REPORT": req.Reporte,
	}

	instance, err := h.engine.Start(r.Context(), sagaTypeCreateCompleteCampaign, stepInputs, req.Campana, req.TimeoutMinutos)
	if err != nil {
		h.log.WithError(err).Warn("control: saga start failed")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, sagaView(instance))
}

func (h *Handler) sagaStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid saga id"})
		return
	}
	instance, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "saga not found"})
		return
	}
	writeJSON(w, http.StatusOK, sagaView(instance))
}

func (h *Handler) listSagas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := saga.State(q.Get("estado"))
	sagaType := q.Get("tipo")

	page := queryInt(q, "pagina", 1)
	if page < 1 {
		page = 1
	}
	limit := core.ClampLimit(queryInt(q, "limite", 20), 20, 100)
	offset := (page - 1) * limit

	sagas, err := h.store.List(r.Context(), state, sagaType, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}

	views := make([]sagaSummary, 0, len(sagas))
	for _, s := range sagas {
		views = append(views, sagaView(s))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sagas":  views,
		"pagina": page,
		"limite": limit,
	})
}

func (h *Handler) deleteSaga(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid saga id"})
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "saga not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type swapDataServiceRequest struct {
	URL     string `json:"url"`
	Version string `json:"version"`
}

func (h *Handler) swapDataService(w http.ResponseWriter, r *http.Request) {
	var req swapDataServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" || req.Version == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url and version are required"})
		return
	}
	cfg, err := h.reportCfg.Activate(r.Context(), req.URL, req.Version)
	if err != nil {
		h.log.WithError(err).Warn("control: data service activation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "activation failed"})
		return
	}
	writeJSON(w, http.StatusOK, configView(cfg))
}

func (h *Handler) readDataServiceConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.reportCfg.Active(r.Context())
	if err != nil {
		if err == reporting.ErrNoActiveConfig {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no data service configured"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, configView(cfg))
}

func (h *Handler) readDataServiceConfigHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.reportCfg.History(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history lookup failed"})
		return
	}
	views := make([]dataServiceConfigView, 0, len(history))
	for _, cfg := range history {
		views = append(views, configView(cfg))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"historial": views})
}

func (h *Handler) sagaCompensations(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid saga id"})
		return
	}
	instance, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "saga not found"})
		return
	}
	views := make([]compensationSummary, 0, len(instance.Compensations))
	for _, c := range instance.Compensations {
		views = append(views, compensationSummary{Kind: c.Kind, Success: c.Success, Error: c.Error})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"compensaciones": views})
}

func (h *Handler) outboxStats(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("servicio")
	if service == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "servicio is required"})
		return
	}
	stats, err := h.outboxSt.Stats(r.Context(), service)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// sagaSummary is the saga.Saga view the control surface returns over HTTP:
// its terminal/intermediate state and per-step outcomes, without the raw
// JSON payloads the internal store carries.
type sagaSummary struct {
	ID       string       `json:"id"`
	Type     string       `json:"tipo"`
	State    string       `json:"estado"`
	Steps    []stepSummary `json:"pasos"`
	Error    string       `json:"error,omitempty"`
}

type stepSummary struct {
	Kind    string `json:"tipo"`
	Success bool   `json:"exitoso"`
	Error   string `json:"error,omitempty"`
}

type compensationSummary struct {
	Kind    string `json:"tipo"`
	Success bool   `json:"exitoso"`
	Error   string `json:"error,omitempty"`
}

func sagaView(s *saga.Saga) sagaSummary {
	steps := make([]stepSummary, 0, len(s.Steps))
	for _, st := range s.Steps {
		steps = append(steps, stepSummary{Kind: st.Kind, Success: st.Success, Error: st.Error})
	}
	return sagaSummary{
		ID:    s.ID.String(),
		Type:  s.Type,
		State: string(s.State),
		Steps: steps,
		Error: s.ErrorMessage,
	}
}

type dataServiceConfigView struct {
	URL     string `json:"url"`
	Version string `json:"version"`
}

func configView(cfg reporting.Config) dataServiceConfigView {
	return dataServiceConfigView{URL: cfg.URL, Version: cfg.Version}
}

func queryInt(q map[string][]string, key string, def int) int {
	raw := ""
	if v, ok := q[key]; ok && len(v) > 0 {
		raw = v[0]
	}
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
