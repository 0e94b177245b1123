package postgres

import (
	"context"
	"fmt"

	"github.com/relaykit/taskrelay/internal/port/database"
)

// AbandonedDeliveries lists pairs whose latest ledger entry terminates the
// retry chain: a fatal failure, an attempt-cap hit, or a retryable failure
// recorded without a next attempt time (retry window exhausted). Pairs with a
// success entry are excluded even if earlier attempts failed.
func (s *Store) AbandonedDeliveries(ctx context.Context, limit int) ([]database.AbandonedDelivery, error) {
	rows, err := s.pool.Query(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (task_id, content->>'message_kind', content->>'trigger_id')
			       task_id,
			       content->>'message_kind'                      AS message_kind,
			       (content->>'trigger_id')::bigint              AS trigger_id,
			       (content->>'attempt_number')::int             AS attempt_number,
			       content->>'outcome'                           AS outcome,
			       COALESCE(content->>'error', '')               AS last_error,
			       (content->>'attempted_at')::timestamptz       AS attempted_at,
			       content->>'next_attempt_at'                   AS next_attempt_at
			FROM task_details
			WHERE kind = 'delivery_attempt'
			ORDER BY task_id, content->>'message_kind', content->>'trigger_id', id DESC
		)
		SELECT task_id, message_kind, trigger_id, attempt_number, outcome, last_error, attempted_at
		FROM latest
		WHERE outcome = 'fatal_failure'
		   OR (outcome = 'retryable_failure' AND (attempt_number >= $1 OR next_attempt_at IS NULL))
		ORDER BY attempted_at DESC
		LIMIT $2`,
		s.policy.MaxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list abandoned deliveries: %w", err)
	}
	defer rows.Close()

	var out []database.AbandonedDelivery
	for rows.Next() {
		var a database.AbandonedDelivery
		if err := rows.Scan(&a.TaskID, &a.MessageKind, &a.TriggerID, &a.AttemptNumber, &a.Outcome, &a.Error, &a.LastAttemptAt); err != nil {
			return nil, fmt.Errorf("scan abandoned delivery: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
