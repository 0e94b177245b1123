package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaykit/taskrelay/internal/domain"
	"github.com/relaykit/taskrelay/internal/domain/delivery"
	"github.com/relaykit/taskrelay/internal/domain/detail"
	"github.com/relaykit/taskrelay/internal/domain/event"
	"github.com/relaykit/taskrelay/internal/domain/task"
	"github.com/relaykit/taskrelay/internal/port/database"
	"github.com/relaykit/taskrelay/internal/service"
)

// fakeStore implements database.Store with canned data for handler tests.
type fakeStore struct {
	events    []*event.Event
	attempts  []delivery.Attempt
	abandoned []database.AbandonedDelivery
}

func (f *fakeStore) InsertEvent(_ context.Context, ev *event.Event) (int64, error) {
	for _, e := range f.events {
		if e.Source == ev.Source && e.ExternalID == ev.ExternalID {
			return e.ID, nil
		}
	}
	stored := *ev
	stored.ID = int64(len(f.events) + 1)
	f.events = append(f.events, &stored)
	return stored.ID, nil
}

func (f *fakeStore) GetEvent(_ context.Context, id int64) (*event.Event, error) {
	for _, e := range f.events {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) GetTask(context.Context, int64) (*task.Task, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeStore) LatestDetail(context.Context, int64, detail.Kind) (*detail.TaskDetail, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeStore) LatestModelResult(context.Context, int64, bool) (*detail.TaskDetail, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeStore) AppendDeliveryAttempt(context.Context, int64, *delivery.Attempt) error {
	return nil
}

func (f *fakeStore) DeliveryAttempts(context.Context, int64, task.MessageKind, int64) ([]delivery.Attempt, error) {
	return f.attempts, nil
}

func (f *fakeStore) EligiblePairs(context.Context, task.MessageKind, time.Time, int) ([]database.Pair, error) {
	return nil, nil
}

func (f *fakeStore) Claim(context.Context, database.Pair, string, time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeStore) ReleaseClaim(context.Context, database.Pair, string) error { return nil }

func (f *fakeStore) AbandonedDeliveries(context.Context, int) ([]database.AbandonedDelivery, error) {
	return f.abandoned, nil
}

func newTestRouter(store *fakeStore) chi.Router {
	log := slog.New(slog.DiscardHandler)
	ingest := service.NewIngest(store, log)
	h := NewHandlers(ingest, store, delivery.DefaultPolicy(), func(context.Context) error { return nil })
	r := chi.NewRouter()
	MountRoutes(r, h)
	return r
}

func TestHealthOK(t *testing.T) {
	r := newTestRouter(&fakeStore{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHealthDegraded(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	store := &fakeStore{}
	ingest := service.NewIngest(store, log)
	h := NewHandlers(ingest, store, delivery.DefaultPolicy(), func(context.Context) error {
		return context.DeadlineExceeded
	})
	r := chi.NewRouter()
	MountRoutes(r, h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestInsertEventHandler(t *testing.T) {
	r := newTestRouter(&fakeStore{})

	body := `{"source": "telegram", "external_id": "u-1", "payload": {"event_type": "message"}}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 1 {
		t.Fatalf("id = %d, want 1", resp.ID)
	}

	// Duplicate submission returns the same id.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body)))
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode duplicate response: %v", err)
	}
	if resp.ID != 1 {
		t.Fatalf("duplicate id = %d, want 1", resp.ID)
	}
}

func TestInsertEventHandlerValidation(t *testing.T) {
	r := newTestRouter(&fakeStore{})

	cases := []string{
		`{"external_id": "u-1", "payload": {}}`,
		`{"source": "telegram", "payload": {}}`,
		`{"source": "telegram", "external_id": "u-1"}`,
		`not json`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestGetEventNotFound(t *testing.T) {
	r := newTestRouter(&fakeStore{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/99", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeliveryStateHandler(t *testing.T) {
	next := time.Now().Add(time.Minute)
	store := &fakeStore{attempts: []delivery.Attempt{
		{MessageKind: task.KindFinal, TriggerID: 4, AttemptNumber: 1,
			Outcome: delivery.OutcomeRetryableFailure, NextAttemptAt: &next},
	}}
	r := newTestRouter(store)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/1/delivery?kind=final&trigger_id=4", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	var resp struct {
		State    string             `json:"state"`
		Attempts []delivery.Attempt `json:"attempts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "retry_pending" {
		t.Fatalf("state = %q, want retry_pending", resp.State)
	}
	if len(resp.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(resp.Attempts))
	}
}

func TestDeliveryStateHandlerRejectsUnknownKind(t *testing.T) {
	r := newTestRouter(&fakeStore{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/1/delivery?kind=bogus&trigger_id=4", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAbandonedDeliveriesHandler(t *testing.T) {
	store := &fakeStore{abandoned: []database.AbandonedDelivery{
		{
			Pair:          database.Pair{TaskID: 3, MessageKind: task.KindFailed, TriggerID: 8},
			AttemptNumber: 10,
			Outcome:       delivery.OutcomeRetryableFailure,
			Error:         "telegram unreachable",
		},
	}}
	r := newTestRouter(store)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deliveries/abandoned", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp []database.AbandonedDelivery
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0].TaskID != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAbandonedDeliveriesEmptyIsArray(t *testing.T) {
	r := newTestRouter(&fakeStore{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deliveries/abandoned", nil))
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("empty list must serialize as [], got %q", got)
	}
}

func TestAbandonedDeliveriesLimitValidation(t *testing.T) {
	r := newTestRouter(&fakeStore{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deliveries/abandoned?limit=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
