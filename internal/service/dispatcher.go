package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/taskrelay/internal/domain/delivery"
	"github.com/relaykit/taskrelay/internal/domain/task"
	"github.com/relaykit/taskrelay/internal/port/database"
	"github.com/relaykit/taskrelay/internal/port/transport"
	"github.com/relaykit/taskrelay/internal/resilience"
)

// Dispatcher drives notification delivery: it polls for eligible pairs,
// claims them, composes content, sends, and appends the outcome to the
// ledger. Multiple dispatcher instances may run against the same store; the
// claim table keeps them from double-sending.
type Dispatcher struct {
	store    database.Store
	selector *Selector
	sender   transport.Sender
	breaker  *resilience.Breaker
	policy   delivery.Policy
	logger   *slog.Logger
	instance string
	claimTTL time.Duration
	kinds    []task.MessageKind
	now      func() time.Time
}

// NewDispatcher creates a dispatcher with a unique instance identity for
// claim ownership.
func NewDispatcher(
	store database.Store,
	selector *Selector,
	sender transport.Sender,
	breaker *resilience.Breaker,
	policy delivery.Policy,
	claimTTL time.Duration,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:    store,
		selector: selector,
		sender:   sender,
		breaker:  breaker,
		policy:   policy,
		logger:   logger,
		instance: "dispatcher-" + uuid.NewString(),
		claimTTL: claimTTL,
		kinds:    task.AllMessageKinds,
		now:      time.Now,
	}
}

// Run executes ticks on a fixed interval until the context is canceled.
// A failed tick is logged and the loop keeps going; the next tick resumes
// exactly where the store says things stand.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, limit int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", "instance", d.instance, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sent, err := d.Tick(ctx, limit)
			if err != nil {
				d.logger.Error("dispatch tick failed", "error", err)
				continue
			}
			if sent > 0 {
				d.logger.Info("dispatch tick complete", "sent", sent)
			}
		}
	}
}

// Tick runs one full dispatch pass over every message kind and returns the
// number of successful sends. Store failures abort the pass; send failures
// are recorded in the ledger and do not.
func (d *Dispatcher) Tick(ctx context.Context, limit int) (int, error) {
	now := d.now()
	sent := 0

	for _, kind := range d.kinds {
		pairs, err := d.store.EligiblePairs(ctx, kind, now, limit)
		if err != nil {
			return sent, fmt.Errorf("tick: %w", err)
		}
		for _, p := range pairs {
			ok, err := d.dispatchOne(ctx, p)
			if err != nil {
				return sent, fmt.Errorf("tick: %w", err)
			}
			if ok {
				sent++
			}
		}
	}
	return sent, nil
}

// dispatchOne processes a single eligible pair. It returns true when a
// message was successfully delivered. The returned error is reserved for
// store failures; channel failures end up in the ledger instead.
func (d *Dispatcher) dispatchOne(ctx context.Context, p database.Pair) (bool, error) {
	won, err := d.store.Claim(ctx, p, d.instance, d.claimTTL)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	defer func() {
		if err := d.store.ReleaseClaim(ctx, p, d.instance); err != nil {
			d.logger.Warn("claim release failed",
				"task_id", p.TaskID, "kind", p.MessageKind, "error", err)
		}
	}()

	// Between the eligibility query and winning the claim another instance
	// may have finished the pair. The ledger, not the claim, is the truth.
	entries, err := d.store.DeliveryAttempts(ctx, p.TaskID, p.MessageKind, p.TriggerID)
	if err != nil {
		return false, err
	}
	switch d.policy.StateOf(entries) {
	case delivery.StateSent, delivery.StateAbandoned:
		return false, nil
	case delivery.StateRetryPending:
		if due, ok := d.policy.DueAt(entries); ok && due.After(d.now()) {
			return false, nil
		}
	}

	msg, err := d.selector.Select(ctx, p)
	switch {
	case errors.Is(err, ErrIncomplete):
		// Content not on file yet. No ledger entry: the pair stays
		// eligible and completes on a later pass.
		d.logger.Debug("pair incomplete, skipping",
			"task_id", p.TaskID, "kind", p.MessageKind, "trigger_id", p.TriggerID)
		return false, nil
	case errors.Is(err, ErrNoRecipient):
		att := d.newAttempt(p, entries)
		att.Outcome = delivery.OutcomeFatalFailure
		att.Error = "no recipient chat on file"
		return false, d.appendAttempt(ctx, p, att)
	case err != nil:
		return false, err
	}

	var providerMsgID int64
	sendErr := d.breaker.Execute(func() error {
		id, err := d.sender.Send(ctx, msg.ChatID, msg.Text)
		providerMsgID = id
		return err
	})

	att := d.newAttempt(p, entries)
	att.ChatID = msg.ChatID

	if sendErr == nil {
		att.Outcome = delivery.OutcomeSuccess
		att.ProviderMessageID = providerMsgID
		if err := d.appendAttempt(ctx, p, att); err != nil {
			return false, err
		}
		d.logger.Info("notification delivered",
			"task_id", p.TaskID, "kind", p.MessageKind,
			"trigger_id", p.TriggerID, "attempt", att.AttemptNumber)
		return true, nil
	}

	d.classifyFailure(att, sendErr)
	if err := d.appendAttempt(ctx, p, att); err != nil {
		return false, err
	}
	d.logger.Warn("notification attempt failed",
		"task_id", p.TaskID, "kind", p.MessageKind,
		"trigger_id", p.TriggerID, "attempt", att.AttemptNumber,
		"outcome", att.Outcome, "error", att.Error)
	return false, nil
}

// newAttempt builds the next ledger entry for a pair from its history.
func (d *Dispatcher) newAttempt(p database.Pair, prev []delivery.Attempt) *delivery.Attempt {
	now := d.now()
	att := &delivery.Attempt{
		MessageKind:    p.MessageKind,
		TriggerID:      p.TriggerID,
		AttemptNumber:  1,
		Worker:         d.instance,
		FirstAttemptAt: now,
		AttemptedAt:    now,
	}
	if len(prev) > 0 {
		att.AttemptNumber = prev[len(prev)-1].AttemptNumber + 1
		att.FirstAttemptAt = prev[0].FirstAttemptAt
	}
	return att
}

// classifyFailure fills outcome, error text, and the retry schedule of a
// failed attempt. An open circuit counts as a transient channel condition.
func (d *Dispatcher) classifyFailure(att *delivery.Attempt, sendErr error) {
	att.Error = sendErr.Error()

	if !errors.Is(sendErr, resilience.ErrCircuitOpen) && transport.Classify(sendErr) == transport.KindFatal {
		att.Outcome = delivery.OutcomeFatalFailure
		return
	}

	att.Outcome = delivery.OutcomeRetryableFailure
	if d.policy.Exhausted(att.AttemptNumber, att.FirstAttemptAt, att.AttemptedAt) {
		// Budget spent. The entry stays retryable_failure so operators can
		// tell a worn-out retry chain from a permanent rejection, but no
		// next attempt is scheduled.
		att.Error += " (retry budget exhausted)"
		return
	}
	next := att.AttemptedAt.Add(d.policy.Backoff(att.AttemptNumber))
	att.NextAttemptAt = &next
}

func (d *Dispatcher) appendAttempt(ctx context.Context, p database.Pair, att *delivery.Attempt) error {
	if err := d.store.AppendDeliveryAttempt(ctx, p.TaskID, att); err != nil {
		return fmt.Errorf("append attempt task=%d kind=%s: %w", p.TaskID, p.MessageKind, err)
	}
	return nil
}
