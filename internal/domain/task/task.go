// Package task defines the pipeline-owned Task entity and the notification
// categories derived from its status.
package task

import "time"

// Status represents the current state of a task. Transitions are made
// exclusively by the orchestration pipeline; this engine only reads them.
type Status string

const (
	StatusRunning     Status = "RUNNING"
	StatusWaitingUser Status = "WAITING_USER"
	StatusNeedsReview Status = "NEEDS_REVIEW"
	StatusDone        Status = "DONE"
	StatusFailed      Status = "FAILED"
	StatusStopped     Status = "STOPPED_BY_USER"
)

// Task is a unit of orchestrated work tracked in the shared store.
type Task struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition is one pipeline-recorded status change. Transition rows key the
// per-state-entry uniqueness of transition-triggered notifications.
type Transition struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	CreatedAt  time.Time `json:"created_at"`
}

// MessageKind is a notification category corresponding to one outcome kind.
type MessageKind string

const (
	KindFinal        MessageKind = "final"
	KindFailed       MessageKind = "failed"
	KindStopped      MessageKind = "stopped"
	KindReviewNeeded MessageKind = "review_needed"
	KindWaitingUser  MessageKind = "waiting_user"
	KindCodegen      MessageKind = "codegen"
)

// AllMessageKinds lists every notification category in dispatch order.
// Waiting-user goes first to bound clarification latency.
var AllMessageKinds = []MessageKind{
	KindWaitingUser,
	KindCodegen,
	KindReviewNeeded,
	KindFinal,
	KindFailed,
	KindStopped,
}

// TriggerStatus returns the task status that makes kind due, or "" for kinds
// triggered by artifact presence rather than status (codegen).
func TriggerStatus(kind MessageKind) Status {
	switch kind {
	case KindFinal:
		return StatusDone
	case KindFailed:
		return StatusFailed
	case KindStopped:
		return StatusStopped
	case KindReviewNeeded:
		return StatusNeedsReview
	case KindWaitingUser:
		return StatusWaitingUser
	default:
		return ""
	}
}
