package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaykit/taskrelay/internal/domain/delivery"
	"github.com/relaykit/taskrelay/internal/domain/detail"
	"github.com/relaykit/taskrelay/internal/domain/event"
	"github.com/relaykit/taskrelay/internal/domain/task"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	policy delivery.Policy
}

// NewStore creates a Store over the given pool. The retry policy bounds the
// eligibility and abandoned-pair queries.
func NewStore(pool *pgxpool.Pool, policy delivery.Policy) *Store {
	return &Store{pool: pool, policy: policy}
}

// InsertEvent records an inbound event idempotently. When the
// (source, external_id) pair already exists, the existing row id is returned
// and no second row is created.
func (s *Store) InsertEvent(ctx context.Context, ev *event.Event) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events (source, external_id, payload_hash, payload, event_type, user_id, chat_id, request_kind)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, 0), NULLIF($7, 0), NULLIF($8, ''))
		 ON CONFLICT (source, external_id) DO NOTHING
		 RETURNING id`,
		ev.Source, ev.ExternalID, ev.PayloadHash, ev.Payload,
		ev.Projection.EventType, ev.Projection.UserID, ev.Projection.ChatID, ev.Projection.RequestKind,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	// Duplicate ingestion: return the row the first submission created.
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM events WHERE source = $1 AND external_id = $2`,
		ev.Source, ev.ExternalID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup duplicate event: %w", err)
	}
	return id, nil
}

// GetEvent returns one inbox row by id.
func (s *Store) GetEvent(ctx context.Context, id int64) (*event.Event, error) {
	var ev event.Event
	var eventType, requestKind *string
	var userID, chatID *int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, source, external_id, payload_hash, payload, event_type, user_id, chat_id, request_kind, created_at
		 FROM events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.Source, &ev.ExternalID, &ev.PayloadHash, &ev.Payload,
		&eventType, &userID, &chatID, &requestKind, &ev.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get event %d", id)
	}
	if eventType != nil {
		ev.Projection.EventType = *eventType
	}
	if userID != nil {
		ev.Projection.UserID = *userID
	}
	if chatID != nil {
		ev.Projection.ChatID = *chatID
	}
	if requestKind != nil {
		ev.Projection.RequestKind = *requestKind
	}
	return &ev, nil
}

// GetTask reads one pipeline-owned task row.
func (s *Store) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	var t task.Task
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, status, created_at, updated_at FROM tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get task %d", id)
	}
	return &t, nil
}

// detailColumns is the SELECT column list for task_details queries.
const detailColumns = `id, task_id, kind, COALESCE(purpose, ''), content, created_at`

// scanDetail scans a row into a TaskDetail.
func scanDetail(scanner scannable, d *detail.TaskDetail) error {
	return scanner.Scan(&d.ID, &d.TaskID, &d.Kind, &d.Purpose, &d.Content, &d.CreatedAt)
}

// LatestDetail returns the most recent detail of the given kind for a task.
func (s *Store) LatestDetail(ctx context.Context, taskID int64, kind detail.Kind) (*detail.TaskDetail, error) {
	var d detail.TaskDetail
	err := scanDetail(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM task_details WHERE task_id = $1 AND kind = $2 ORDER BY id DESC LIMIT 1`, detailColumns),
		taskID, string(kind)), &d)
	if err != nil {
		return nil, notFoundWrap(err, "latest %s detail for task %d", kind, taskID)
	}
	return &d, nil
}

// LatestModelResult returns the most recent model-result detail for a task.
// Unless includeReviewer is set, results tagged with a reviewer purpose are
// skipped: they come from internal quality-control passes and must never be
// shown to the user.
func (s *Store) LatestModelResult(ctx context.Context, taskID int64, includeReviewer bool) (*detail.TaskDetail, error) {
	query := fmt.Sprintf(`SELECT %s FROM task_details WHERE task_id = $1 AND kind = $2`, detailColumns)
	args := []any{taskID, string(detail.KindModelResult)}
	if !includeReviewer {
		query += ` AND NOT (COALESCE(purpose, '') = ANY($3))`
		args = append(args, detail.ReviewerPurposes())
	}
	query += ` ORDER BY id DESC LIMIT 1`

	var d detail.TaskDetail
	if err := scanDetail(s.pool.QueryRow(ctx, query, args...), &d); err != nil {
		return nil, notFoundWrap(err, "latest model result for task %d", taskID)
	}
	return &d, nil
}

// AppendDeliveryAttempt writes one ledger entry as a delivery_attempt detail
// row. Rows are append-only; delivery state is always derived from them.
func (s *Store) AppendDeliveryAttempt(ctx context.Context, taskID int64, att *delivery.Attempt) error {
	content, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal delivery attempt: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_details (task_id, kind, content) VALUES ($1, $2, $3)`,
		taskID, string(detail.KindDeliveryAttempt), content)
	if err != nil {
		return fmt.Errorf("append delivery attempt: %w", err)
	}
	return nil
}

// DeliveryAttempts returns the ledger entries for one pair, ordered by
// attempt number ascending.
func (s *Store) DeliveryAttempts(ctx context.Context, taskID int64, kind task.MessageKind, triggerID int64) ([]delivery.Attempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content FROM task_details
		 WHERE task_id = $1 AND kind = $2
		   AND content->>'message_kind' = $3
		   AND (content->>'trigger_id')::bigint = $4
		 ORDER BY id ASC`,
		taskID, string(detail.KindDeliveryAttempt), string(kind), triggerID)
	if err != nil {
		return nil, fmt.Errorf("load delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []delivery.Attempt
	for rows.Next() {
		var raw json.RawMessage
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		var att delivery.Attempt
		if err := json.Unmarshal(raw, &att); err != nil {
			return nil, fmt.Errorf("decode delivery attempt: %w", err)
		}
		attempts = append(attempts, att)
	}
	return attempts, rows.Err()
}
