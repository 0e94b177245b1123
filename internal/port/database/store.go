// Package database defines the store port for the shared relational state.
package database

import (
	"context"
	"time"

	"github.com/relaykit/taskrelay/internal/domain/delivery"
	"github.com/relaykit/taskrelay/internal/domain/detail"
	"github.com/relaykit/taskrelay/internal/domain/event"
	"github.com/relaykit/taskrelay/internal/domain/task"
)

// Pair identifies one pending notification: a task, the notification
// category, and the trigger instance that made it due.
type Pair struct {
	TaskID      int64            `json:"task_id"`
	MessageKind task.MessageKind `json:"message_kind"`
	TriggerID   int64            `json:"trigger_id"`
	TriggeredAt time.Time        `json:"triggered_at"`
}

// AbandonedDelivery is an operator-facing view of a pair that will never be
// retried automatically.
type AbandonedDelivery struct {
	Pair
	AttemptNumber int               `json:"attempt_number"`
	Outcome       delivery.Outcome  `json:"outcome"`
	Error         string            `json:"error,omitempty"`
	LastAttemptAt time.Time         `json:"last_attempt_at"`
}

// Store is the port interface for all relational access of the engine.
// Task and transition rows are pipeline-owned and read-only here; the engine
// writes only events, delivery-attempt details, and claims.
type Store interface {
	// Events (shared inbox)
	InsertEvent(ctx context.Context, ev *event.Event) (int64, error)
	GetEvent(ctx context.Context, id int64) (*event.Event, error)

	// Tasks (pipeline-owned, read-only)
	GetTask(ctx context.Context, id int64) (*task.Task, error)

	// Task details
	LatestDetail(ctx context.Context, taskID int64, kind detail.Kind) (*detail.TaskDetail, error)
	LatestModelResult(ctx context.Context, taskID int64, includeReviewer bool) (*detail.TaskDetail, error)

	// Delivery ledger
	AppendDeliveryAttempt(ctx context.Context, taskID int64, att *delivery.Attempt) error
	DeliveryAttempts(ctx context.Context, taskID int64, kind task.MessageKind, triggerID int64) ([]delivery.Attempt, error)

	// Eligibility
	EligiblePairs(ctx context.Context, kind task.MessageKind, now time.Time, limit int) ([]Pair, error)

	// Claims
	Claim(ctx context.Context, p Pair, owner string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, p Pair, owner string) error

	// Operator surface
	AbandonedDeliveries(ctx context.Context, limit int) ([]AbandonedDelivery, error)
}
