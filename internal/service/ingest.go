package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/relaykit/taskrelay/internal/domain/event"
	"github.com/relaykit/taskrelay/internal/port/database"
	"github.com/relaykit/taskrelay/internal/port/messagequeue"
)

// Ingest records inbound user actions in the shared event inbox.
type Ingest struct {
	store  database.Store
	logger *slog.Logger
}

// NewIngest creates the ingestion service.
func NewIngest(store database.Store, logger *slog.Logger) *Ingest {
	return &Ingest{store: store, logger: logger}
}

// InsertEvent records one inbound action. Re-submitting the same
// (source, externalID) returns the id of the existing row; the stored payload
// and projection are never touched by a duplicate.
func (s *Ingest) InsertEvent(ctx context.Context, source, externalID string, payload json.RawMessage) (int64, error) {
	if source == "" || externalID == "" {
		return 0, fmt.Errorf("insert event: source and external id are required")
	}

	canonical, err := event.Canonicalize(payload)
	if err != nil {
		return 0, err
	}
	hash, err := event.Hash(payload)
	if err != nil {
		return 0, err
	}

	ev := &event.Event{
		Source:      source,
		ExternalID:  externalID,
		PayloadHash: hash,
		Payload:     canonical,
		Projection:  event.Project(canonical),
	}

	id, err := s.store.InsertEvent(ctx, ev)
	if err != nil {
		return 0, err
	}

	s.logger.Info("event recorded",
		"id", id,
		"source", source,
		"external_id", externalID,
		"event_type", ev.Projection.EventType)
	return id, nil
}

// inboxEnvelope is the wire shape of one message on the inbox stream.
type inboxEnvelope struct {
	Source     string          `json:"source"`
	ExternalID string          `json:"external_id"`
	Payload    json.RawMessage `json:"payload"`
}

// StartInboxSubscriber consumes the inbox stream and records each message as
// an event. Malformed messages are acknowledged and dropped: redelivery
// cannot fix them. Returns the unsubscribe function.
func (s *Ingest) StartInboxSubscriber(ctx context.Context, queue messagequeue.Queue) (func(), error) {
	return queue.Subscribe(ctx, messagequeue.SubjectInboxAll, func(subject string, data []byte) error {
		var env inboxEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Error("malformed inbox message dropped", "subject", subject, "error", err)
			return nil
		}

		if _, err := s.InsertEvent(ctx, env.Source, env.ExternalID, env.Payload); err != nil {
			s.logger.Error("inbox event insert failed",
				"subject", subject,
				"source", env.Source,
				"external_id", env.ExternalID,
				"error", err)
			return err
		}
		return nil
	})
}
