package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/campaignforge/sagaflow/internal/outbox"
	"github.com/campaignforge/sagaflow/internal/reporting"
	"github.com/campaignforge/sagaflow/internal/saga"
)

type stubEngine struct {
	instance *saga.Saga
	err      error
	gotType  string
	gotSteps map[string]json.RawMessage
}

func (s *stubEngine) Start(ctx context.Context, sagaType string, stepInputs map[string]json.RawMessage, initialPayload json.RawMessage, timeoutMinutes int) (*saga.Saga, error) {
	s.gotType = sagaType
	s.gotSteps = stepInputs
	return s.instance, s.err
}

type stubStore struct {
	getResult  *saga.Saga
	getErr     error
	listResult []*saga.Saga
	listErr    error
	deleteErr  error
}

func (s *stubStore) Get(ctx context.Context, id uuid.UUID) (*saga.Saga, error) {
	return s.getResult, s.getErr
}
func (s *stubStore) List(ctx context.Context, state saga.State, sagaType string, limit, offset int) ([]*saga.Saga, error) {
	return s.listResult, s.listErr
}
func (s *stubStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.deleteErr
}

type stubReportStore struct {
	active      reporting.Config
	activeErr   error
	activated   reporting.Config
	activateErr error
	history     []reporting.Config
	historyErr  error
}

func (s *stubReportStore) Active(ctx context.Context) (reporting.Config, error) {
	return s.active, s.activeErr
}
func (s *stubReportStore) Activate(ctx context.Context, url, version string) (reporting.Config, error) {
	s.activated = reporting.Config{URL: url, Version: version, Active: true}
	return s.activated, s.activateErr
}
func (s *stubReportStore) History(ctx context.Context) ([]reporting.Config, error) {
	return s.history, s.historyErr
}

func TestCreateCampaignSagaOK(t *testing.T) {
	id := uuid.New()
	eng := &stubEngine{instance: &saga.Saga{ID: id, Type: sagaTypeCreateCompleteCampaign, State: saga.StateStarted}}
	h := NewHandler(eng, &stubStore{}, &stubReportStore{}, nil)

	body := `{"campana":{"nombre":"Promo"},"pago":{"monto":1000},"reporte":{"tipo_reporte":"x"},"timeout_minutos":30}`
	req := httptest.NewRequest(http.MethodPost, "/saga/crear-campana-completa", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body=%s", w.Code, w.Body.String())
	}
	if eng.gotType != sagaTypeCreateCompleteCampaign {
		t.Fatalf("sagaType = %q", eng.gotType)
	}
	if _, ok := eng.gotSteps["CREATE_CAMPAIGN"]; !ok {
		t.Fatal("expected CREATE_CAMPAIGN step input")
	}
	if _, ok := eng.gotSteps["PROCESS_PAYMENT"]; !ok {
		t.Fatal("expected PROCESS_PAYMENT step input")
	}
	if _, ok := eng.gotSteps["GENERATE_REPORT"]; !ok {
		t.Fatal("expected GENERATE_REPORT step input")
	}
}

func TestCreateCampaignSagaMissingFieldsIsBadRequest(t *testing.T) {
	h := NewHandler(&stubEngine{}, &stubStore{}, &stubReportStore{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/saga/crear-campana-completa", strings.NewReader(`{"campana":{}}`))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSagaStatusNotFound(t *testing.T) {
	h := NewHandler(&stubEngine{}, &stubStore{getErr: errors.New("no rows")}, &stubReportStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/saga/"+uuid.New().String()+"/status", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestSagaStatusOK(t *testing.T) {
	id := uuid.New()
	store := &stubStore{getResult: &saga.Saga{ID: id, Type: sagaTypeCreateCompleteCampaign, State: saga.StateCompleted}}
	h := NewHandler(&stubEngine{}, store, &stubReportStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/saga/"+id.String()+"/status", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var view sagaSummary
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.State != "COMPLETED" {
		t.Fatalf("state = %q", view.State)
	}
}

func TestListSagasDefaultsPageAndLimit(t *testing.T) {
	store := &stubStore{listResult: []*saga.Saga{}}
	h := NewHandler(&stubEngine{}, store, &stubReportStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/saga/", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestDeleteSagaNotFound(t *testing.T) {
	h := NewHandler(&stubEngine{}, &stubStore{deleteErr: errors.New("no rows")}, &stubReportStore{}, nil)
	req := httptest.NewRequest(http.MethodDelete, "/saga/"+uuid.New().String(), nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestSwapDataServiceOK(t *testing.T) {
	reportStore := &stubReportStore{}
	h := NewHandler(&stubEngine{}, &stubStore{}, reportStore, nil)
	body := `{"url":"https://reports.example.com","version":"v4"}`
	req := httptest.NewRequest(http.MethodPost, "/reporting/admin/servicio-datos", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	if reportStore.activated.URL != "https://reports.example.com" || reportStore.activated.Version != "v4" {
		t.Fatalf("unexpected activation: %+v", reportStore.activated)
	}
}

func TestReadDataServiceConfigNotFound(t *testing.T) {
	h := NewHandler(&stubEngine{}, &stubStore{}, &stubReportStore{activeErr: reporting.ErrNoActiveConfig}, nil)
	req := httptest.NewRequest(http.MethodGet, "/reporting/admin/configuracion", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestReadDataServiceConfigHistoryOK(t *testing.T) {
	reportStore := &stubReportStore{history: []reporting.Config{
		{URL: "https://new.example.com", Version: "v4", Active: true},
		{URL: "https://old.example.com", Version: "v3", Active: false},
	}}
	h := NewHandler(&stubEngine{}, &stubStore{}, reportStore, nil)
	req := httptest.NewRequest(http.MethodGet, "/reporting/admin/configuracion/historial", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	var decoded struct {
		Historial []dataServiceConfigView `json:"historial"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Historial) != 2 {
		t.Fatalf("historial length = %d, want 2", len(decoded.Historial))
	}
}

func TestSagaCompensationsOK(t *testing.T) {
	id := uuid.New()
	store := &stubStore{getResult: &saga.Saga{
		ID:   id,
		Type: sagaTypeCreateCompleteCampaign,
		Compensations: []saga.Compensation{
			{Kind: "CANCEL_CAMPAIGN", Success: true},
		},
	}}
	h := NewHandler(&stubEngine{}, store, &stubReportStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/saga/"+id.String()+"/compensations", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	var decoded struct {
		Compensaciones []compensationSummary `json:"compensaciones"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Compensaciones) != 1 || decoded.Compensaciones[0].Kind != "CANCEL_CAMPAIGN" {
		t.Fatalf("unexpected compensaciones: %+v", decoded.Compensaciones)
	}
}

func TestSagaCompensationsNotFound(t *testing.T) {
	h := NewHandler(&stubEngine{}, &stubStore{getErr: errors.New("no rows")}, &stubReportStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/saga/"+uuid.New().String()+"/compensations", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

type stubOutboxStats struct {
	stats   outbox.Stats
	err     error
	gotName string
}

func (s *stubOutboxStats) Stats(ctx context.Context, service string) (outbox.Stats, error) {
	s.gotName = service
	return s.stats, s.err
}

func TestOutboxStatsRequiresServiceParam(t *testing.T) {
	h := NewHandler(&stubEngine{}, &stubStore{}, &stubReportStore{}, nil).
		WithOutboxStats(&stubOutboxStats{})
	req := httptest.NewRequest(http.MethodGet, "/outbox/stats", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOutboxStatsOK(t *testing.T) {
	stubStats := &stubOutboxStats{stats: outbox.Stats{Total: 5, Processed: 3, Pending: 2, ByKind: map[string]int{"CREATE_CAMPAIGN": 5}}}
	h := NewHandler(&stubEngine{}, &stubStore{}, &stubReportStore{}, nil).
		WithOutboxStats(stubStats)
	req := httptest.NewRequest(http.MethodGet, "/outbox/stats?servicio=orchestrator", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	if stubStats.gotName != "orchestrator" {
		t.Fatalf("service name = %q, want orchestrator", stubStats.gotName)
	}
}

func TestOutboxStatsRouteAbsentWithoutStore(t *testing.T) {
	h := NewHandler(&stubEngine{}, &stubStore{}, &stubReportStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/outbox/stats?servicio=orchestrator", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (route should not be registered)", w.Code)
	}
}
