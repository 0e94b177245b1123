// Package delivery defines the append-only delivery ledger and the per-pair
// state derived from it. State is always computed on read; nothing here is
// cached in a mutable column.
package delivery

import (
	"time"

	"github.com/relaykit/taskrelay/internal/domain/task"
)

// Outcome classifies one delivery attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomeFatalFailure     Outcome = "fatal_failure"
)

// Attempt is one ledger entry, stored as the content of a delivery_attempt
// TaskDetail row. Entries for a pair are strictly ordered by AttemptNumber.
type Attempt struct {
	MessageKind       task.MessageKind `json:"message_kind"`
	TriggerID         int64            `json:"trigger_id"`
	AttemptNumber     int              `json:"attempt_number"`
	Outcome           Outcome          `json:"outcome"`
	Error             string           `json:"error,omitempty"`
	ChatID            int64            `json:"chat_id,omitempty"`
	ProviderMessageID int64            `json:"provider_message_id,omitempty"`
	Worker            string           `json:"worker,omitempty"`
	FirstAttemptAt    time.Time        `json:"first_attempt_at"`
	AttemptedAt       time.Time        `json:"attempted_at"`
	NextAttemptAt     *time.Time       `json:"next_attempt_at,omitempty"`
}

// State is the derived delivery state of one (task, message kind, trigger)
// pair.
type State int

const (
	// StateNotAttempted means no ledger entries exist for the pair.
	StateNotAttempted State = iota
	// StateRetryPending means the latest attempt failed transiently and the
	// retry budget is not exhausted.
	StateRetryPending
	// StateSent is terminal: a success entry exists and no further attempt is
	// ever made.
	StateSent
	// StateAbandoned is terminal: the retry budget ran out or a fatal failure
	// was recorded. Surfaced to operators, never retried automatically.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateNotAttempted:
		return "not_attempted"
	case StateRetryPending:
		return "retry_pending"
	case StateSent:
		return "sent"
	case StateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Policy bounds the retry behavior of the dispatcher.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// RetryWindow caps the wall-clock spread of retries measured from the
	// first attempt. Zero disables the window.
	RetryWindow time.Duration
}

// DefaultPolicy mirrors the production retry budget.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   10 * time.Second,
		MaxDelay:    time.Hour,
		MaxAttempts: 10,
		RetryWindow: 24 * time.Hour,
	}
}

// Backoff returns the delay before the given attempt number may be retried:
// min(BaseDelay * 2^(attempt-1), MaxDelay).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether a transient failure at attemptNumber must not be
// retried: either the attempt cap is reached or the retry window has closed.
func (p Policy) Exhausted(attemptNumber int, firstAttemptAt, now time.Time) bool {
	if attemptNumber >= p.MaxAttempts {
		return true
	}
	if p.RetryWindow <= 0 || firstAttemptAt.IsZero() {
		return false
	}
	return now.Sub(firstAttemptAt) >= p.RetryWindow
}

// StateOf derives the current state of a pair from its ledger entries,
// ordered by attempt number ascending.
func (p Policy) StateOf(entries []Attempt) State {
	if len(entries) == 0 {
		return StateNotAttempted
	}
	for _, e := range entries {
		if e.Outcome == OutcomeSuccess {
			return StateSent
		}
	}
	last := entries[len(entries)-1]
	if last.Outcome == OutcomeFatalFailure {
		return StateAbandoned
	}
	if last.AttemptNumber >= p.MaxAttempts || last.NextAttemptAt == nil {
		return StateAbandoned
	}
	return StateRetryPending
}

// DueAt returns when a retry-pending pair becomes eligible again. The second
// return is false when the pair is not in a retryable state.
func (p Policy) DueAt(entries []Attempt) (time.Time, bool) {
	if p.StateOf(entries) != StateRetryPending {
		return time.Time{}, false
	}
	last := entries[len(entries)-1]
	return *last.NextAttemptAt, true
}
