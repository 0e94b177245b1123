// Package http exposes the operator API: event ingestion, per-pair delivery
// state, and the abandoned-delivery report.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/relaykit/taskrelay/internal/domain/delivery"
	"github.com/relaykit/taskrelay/internal/domain/task"
	"github.com/relaykit/taskrelay/internal/port/database"
	"github.com/relaykit/taskrelay/internal/service"
)

const maxBodySize = 1 << 20 // 1 MB

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	ingest *service.Ingest
	store  database.Store
	policy delivery.Policy
	ready  func(ctx context.Context) error
}

// NewHandlers creates the operator API handlers. ready reports storage
// connectivity for the health endpoint.
func NewHandlers(ingest *service.Ingest, store database.Store, policy delivery.Policy, ready func(ctx context.Context) error) *Handlers {
	return &Handlers{ingest: ingest, store: store, policy: policy, ready: ready}
}

// Health reports liveness and storage connectivity.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type insertEventRequest struct {
	Source     string          `json:"source"`
	ExternalID string          `json:"external_id"`
	Payload    json.RawMessage `json:"payload"`
}

type insertEventResponse struct {
	ID int64 `json:"id"`
}

// InsertEvent records one inbound event. Duplicate submissions are
// idempotent and return the existing event id.
func (h *Handlers) InsertEvent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[insertEventRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Source == "" || req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "source and external_id are required")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	id, err := h.ingest.InsertEvent(r.Context(), req.Source, req.ExternalID, req.Payload)
	if err != nil {
		writeDomainError(w, err, "event")
		return
	}
	writeJSON(w, http.StatusCreated, insertEventResponse{ID: id})
}

// GetEvent returns one recorded event by id.
func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	ev, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type deliveryStateResponse struct {
	TaskID      int64              `json:"task_id"`
	MessageKind task.MessageKind   `json:"message_kind"`
	TriggerID   int64              `json:"trigger_id"`
	State       string             `json:"state"`
	Attempts    []delivery.Attempt `json:"attempts"`
}

// DeliveryState returns the derived delivery state and full ledger history
// of one (task, kind, trigger) pair.
func (h *Handlers) DeliveryState(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	kind := task.MessageKind(r.URL.Query().Get("kind"))
	if task.TriggerStatus(kind) == "" && kind != task.KindCodegen {
		writeError(w, http.StatusBadRequest, "unknown message kind")
		return
	}
	triggerID, err := strconv.ParseInt(r.URL.Query().Get("trigger_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trigger_id")
		return
	}

	attempts, err := h.store.DeliveryAttempts(r.Context(), taskID, kind, triggerID)
	if err != nil {
		writeDomainError(w, err, "delivery attempts")
		return
	}
	writeJSON(w, http.StatusOK, deliveryStateResponse{
		TaskID:      taskID,
		MessageKind: kind,
		TriggerID:   triggerID,
		State:       h.policy.StateOf(attempts).String(),
		Attempts:    attempts,
	})
}

// AbandonedDeliveries lists pairs that will never be retried automatically.
func (h *Handlers) AbandonedDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	out, err := h.store.AbandonedDeliveries(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err, "abandoned deliveries")
		return
	}
	if out == nil {
		out = []database.AbandonedDelivery{}
	}
	writeJSON(w, http.StatusOK, out)
}
