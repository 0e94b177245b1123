// Package event defines the inbound Event entity recorded in the shared inbox.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event is a deduplicated record of an inbound user action. The pair
// (Source, ExternalID) is unique; re-submission never creates a second row.
type Event struct {
	ID          int64           `json:"id"`
	Source      string          `json:"source"`
	ExternalID  string          `json:"external_id"`
	PayloadHash string          `json:"payload_hash"`
	Payload     json.RawMessage `json:"payload"`
	Projection  Projection      `json:"projection"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Projection holds denormalized payload fields kept in dedicated columns for
// querying. Absent payload fields project to zero values, never to an error.
type Projection struct {
	EventType   string `json:"event_type,omitempty"`
	UserID      int64  `json:"user_id,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	RequestKind string `json:"request_kind,omitempty"`
}

// payloadShape mirrors the parts of an inbound payload the projection reads.
type payloadShape struct {
	EventType string `json:"event_type"`
	Chat      struct {
		UserID int64 `json:"user_id"`
		ChatID int64 `json:"chat_id"`
	} `json:"chat"`
	Request struct {
		Kind string `json:"kind"`
	} `json:"request"`
}

// Project extracts the denormalized projection from a raw payload.
// A payload that does not parse yields an empty projection.
func Project(payload json.RawMessage) Projection {
	var p payloadShape
	if err := json.Unmarshal(payload, &p); err != nil {
		return Projection{}
	}
	return Projection{
		EventType:   p.EventType,
		UserID:      p.Chat.UserID,
		ChatID:      p.Chat.ChatID,
		RequestKind: p.Request.Kind,
	}
}

// Canonicalize re-serializes a payload with object keys sorted so that
// logically equal payloads hash identically.
func Canonicalize(payload json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	// encoding/json sorts map keys on marshal.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// Hash returns the hex SHA-256 digest of the canonical payload serialization.
func Hash(payload json.RawMessage) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
