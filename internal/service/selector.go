// Package service contains the application services of the delivery engine:
// event ingestion, content selection, and the dispatch loop.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaykit/taskrelay/internal/domain"
	"github.com/relaykit/taskrelay/internal/domain/detail"
	"github.com/relaykit/taskrelay/internal/domain/task"
	"github.com/relaykit/taskrelay/internal/port/cache"
	"github.com/relaykit/taskrelay/internal/port/database"
)

// ErrIncomplete marks a pair whose upstream content has not landed yet. The
// dispatcher skips such pairs without writing a ledger entry; the content
// will appear on a later pass.
var ErrIncomplete = errors.New("selector: upstream content incomplete")

// ErrNoRecipient marks a pair whose task has no routable chat. The routing
// data lives in the immutable raw-input detail, so this never self-heals and
// is recorded as a fatal failure.
var ErrNoRecipient = errors.New("selector: no recipient chat")

// Message is composed notification content bound to its recipient.
type Message struct {
	ChatID int64
	Text   string
}

// Selector composes the outbound message for one pending pair from the
// task's detail rows.
type Selector struct {
	store        database.Store
	cache        cache.Cache
	recipientTTL time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewSelector creates a content selector. The cache holds resolved recipient
// routes; raw-input details are immutable so cached routes never go stale.
func NewSelector(store database.Store, c cache.Cache, recipientTTL time.Duration, logger *slog.Logger) *Selector {
	return &Selector{
		store:        store,
		cache:        c,
		recipientTTL: recipientTTL,
		logger:       logger,
		now:          time.Now,
	}
}

// Select composes the message for a pair. It returns ErrIncomplete when the
// content the category needs is not on file yet, and ErrNoRecipient when the
// task cannot be routed to a chat.
func (s *Selector) Select(ctx context.Context, p database.Pair) (*Message, error) {
	raw, err := s.rawInput(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if raw.ChatID == 0 {
		return nil, ErrNoRecipient
	}

	text, err := s.compose(ctx, p, raw)
	if err != nil {
		return nil, err
	}
	return &Message{ChatID: raw.ChatID, Text: text}, nil
}

func (s *Selector) compose(ctx context.Context, p database.Pair, raw *detail.RawInput) (string, error) {
	switch p.MessageKind {
	case task.KindWaitingUser:
		return s.composeClarify(ctx, p)
	case task.KindCodegen:
		return s.composeCodegen(ctx, p)
	case task.KindReviewNeeded:
		return s.composeReview(ctx, p)
	case task.KindFinal:
		return s.composeFinal(ctx, p, raw)
	case task.KindFailed:
		return s.composeFailed(ctx, p)
	case task.KindStopped:
		return s.composeStopped(ctx, p)
	default:
		return "", fmt.Errorf("unknown message kind %q", p.MessageKind)
	}
}

// composeClarify renders the waiting-user prompt. The question comes from the
// latest non-reviewer model result; the pipeline's waiting reason is the
// fallback when the model did not phrase one.
func (s *Selector) composeClarify(ctx context.Context, p database.Pair) (string, error) {
	question := ""

	mr, err := s.store.LatestModelResult(ctx, p.TaskID, false)
	switch {
	case err == nil:
		var res detail.ModelResult
		if err := mr.DecodeContent(&res); err != nil {
			return "", err
		}
		question = stripMarkdownFences(res.ClarifyQuestion)
	case !errors.Is(err, domain.ErrNotFound):
		return "", err
	}

	if question == "" {
		wr, err := s.store.LatestDetail(ctx, p.TaskID, detail.KindWaitingUserReason)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", ErrIncomplete
			}
			return "", err
		}
		var reason detail.WaitingUserReason
		if err := wr.DecodeContent(&reason); err != nil {
			return "", err
		}
		question = stripMarkdownFences(reason.Question)
	}

	if question == "" {
		return "", ErrIncomplete
	}
	return formatClarifyMessage(p.TaskID, question), nil
}

func (s *Selector) composeCodegen(ctx context.Context, p database.Pair) (string, error) {
	t, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return "", err
	}
	res, err := s.codegenResult(ctx, p.TaskID)
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", ErrIncomplete
	}
	return formatCodegenMessage(p.TaskID, t.Title, res), nil
}

func (s *Selector) composeReview(ctx context.Context, p database.Pair) (string, error) {
	answer := ""
	modelErr := ""

	mr, err := s.store.LatestModelResult(ctx, p.TaskID, false)
	switch {
	case err == nil:
		var res detail.ModelResult
		if err := mr.DecodeContent(&res); err != nil {
			return "", err
		}
		answer = unwrapAnswer(res.Answer)
		modelErr = res.Error
	case !errors.Is(err, domain.ErrNotFound):
		return "", err
	}

	res, err := s.codegenResult(ctx, p.TaskID)
	if err != nil {
		return "", err
	}

	age := s.now().Sub(p.TriggeredAt)
	if age < 0 {
		age = 0
	}
	return formatReviewMessage(p.TaskID, answer, modelErr, res, age), nil
}

// composeFinal renders the completion message. Question tasks get the
// question/answer form; work tasks get the DONE block with any codegen
// artifacts attached.
func (s *Selector) composeFinal(ctx context.Context, p database.Pair, raw *detail.RawInput) (string, error) {
	if raw.Kind == "question" {
		mr, err := s.store.LatestModelResult(ctx, p.TaskID, false)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", ErrIncomplete
			}
			return "", err
		}
		var res detail.ModelResult
		if err := mr.DecodeContent(&res); err != nil {
			return "", err
		}
		answer := unwrapAnswer(res.Answer)
		if answer == "" {
			return "", ErrIncomplete
		}
		return formatAnswerMessage(p.TaskID, raw.Text, answer), nil
	}

	t, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return "", err
	}
	res, err := s.codegenResult(ctx, p.TaskID)
	if err != nil {
		return "", err
	}

	// Without a codegen artifact the model answer is the only content a
	// work task produced; attach it to the DONE block.
	answer := ""
	if res == nil {
		mr, err := s.store.LatestModelResult(ctx, p.TaskID, false)
		switch {
		case err == nil:
			var m detail.ModelResult
			if err := mr.DecodeContent(&m); err != nil {
				return "", err
			}
			answer = unwrapAnswer(m.Answer)
		case !errors.Is(err, domain.ErrNotFound):
			return "", err
		}
	}
	return formatDoneTaskMessage(p.TaskID, t.Title, answer, res), nil
}

func (s *Selector) composeFailed(ctx context.Context, p database.Pair) (string, error) {
	t, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return "", err
	}

	errText := ""
	mr, err := s.store.LatestModelResult(ctx, p.TaskID, false)
	switch {
	case err == nil:
		var res detail.ModelResult
		if err := mr.DecodeContent(&res); err != nil {
			return "", err
		}
		errText = res.Error
	case !errors.Is(err, domain.ErrNotFound):
		return "", err
	}

	// The model result carries no error when the codegen job is what broke;
	// surface that job's error instead.
	if errText == "" {
		res, err := s.codegenResult(ctx, p.TaskID)
		if err != nil {
			return "", err
		}
		if res != nil {
			errText = res.Error
		}
	}

	return formatFailedMessage(p.TaskID, t.Title, errText), nil
}

func (s *Selector) composeStopped(ctx context.Context, p database.Pair) (string, error) {
	t, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return "", err
	}
	return formatStoppedMessage(p.TaskID, t.Title), nil
}

// codegenResult loads the latest codegen artifact, or nil when none exists.
func (s *Selector) codegenResult(ctx context.Context, taskID int64) (*detail.CodegenResult, error) {
	d, err := s.store.LatestDetail(ctx, taskID, detail.KindCodegenResult)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var res detail.CodegenResult
	if err := d.DecodeContent(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// rawInput resolves the immutable raw-input detail of a task, using the
// recipient cache to avoid re-reading it on every retry.
func (s *Selector) rawInput(ctx context.Context, taskID int64) (*detail.RawInput, error) {
	key := fmt.Sprintf("recipient:%d", taskID)

	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var raw detail.RawInput
		if err := json.Unmarshal(data, &raw); err == nil {
			return &raw, nil
		}
		// Corrupt cache entry: fall through to the store.
		_ = s.cache.Delete(ctx, key)
	}

	d, err := s.store.LatestDetail(ctx, taskID, detail.KindRawInput)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Raw input is written at task creation and never changes;
			// its absence cannot be waited out.
			return nil, ErrNoRecipient
		}
		return nil, err
	}
	var raw detail.RawInput
	if err := d.DecodeContent(&raw); err != nil {
		return nil, err
	}

	if data, err := json.Marshal(&raw); err == nil {
		if err := s.cache.Set(ctx, key, data, s.recipientTTL); err != nil {
			s.logger.Warn("recipient cache set failed", "task_id", taskID, "error", err)
		}
	}
	return &raw, nil
}
