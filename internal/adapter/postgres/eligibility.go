package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relaykit/taskrelay/internal/domain/detail"
	"github.com/relaykit/taskrelay/internal/domain/task"
	"github.com/relaykit/taskrelay/internal/port/database"
)

// triggerLateral returns the LATERAL subquery that resolves the current
// trigger instance for a message kind: the latest transition into the
// triggering status, or the latest content-bearing detail for artifact- and
// question-triggered kinds.
func triggerLateral(kind task.MessageKind) (sql string, usesStatus bool) {
	switch kind {
	case task.KindWaitingUser:
		return `SELECT d.id, d.created_at
			FROM task_details d
			WHERE d.task_id = t.id
			  AND ((d.kind = 'model_result' AND NOT (COALESCE(d.purpose, '') = ANY($6)))
			       OR d.kind = 'waiting_user_reason')
			ORDER BY d.id DESC
			LIMIT 1`, true
	case task.KindCodegen:
		return `SELECT d.id, d.created_at
			FROM task_details d
			WHERE d.task_id = t.id AND d.kind = 'codegen_result'
			ORDER BY d.id DESC
			LIMIT 1`, false
	default:
		return `SELECT tr.id, tr.created_at
			FROM task_transitions tr
			WHERE tr.task_id = t.id AND tr.to_status = $5
			ORDER BY tr.id DESC
			LIMIT 1`, true
	}
}

// EligiblePairs computes the (task, message kind, trigger) pairs that are
// currently sendable: trigger condition holds, no success entry exists for
// the pair, and the latest ledger entry (if any) is a due retryable failure
// under the attempt cap. Oldest-triggered pairs come first.
func (s *Store) EligiblePairs(ctx context.Context, kind task.MessageKind, now time.Time, limit int) ([]database.Pair, error) {
	lateral, usesStatus := triggerLateral(kind)

	var conds []string
	args := []any{string(kind), s.policy.MaxAttempts, now, limit}
	if usesStatus {
		status := task.TriggerStatus(kind)
		if status != "" {
			conds = append(conds, "t.status = $5")
			args = append(args, string(status))
		}
	}
	if kind == task.KindWaitingUser {
		// $5 is the status, $6 the reviewer purpose list.
		args = append(args, detail.ReviewerPurposes())
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT t.id, trg.id, trg.created_at
		FROM tasks t
		JOIN LATERAL (%s) trg ON true
		LEFT JOIN LATERAL (
			SELECT (td.content->>'attempt_number')::int  AS attempt_number,
			       td.content->>'outcome'                AS outcome,
			       (td.content->>'next_attempt_at')::timestamptz AS next_attempt_at
			FROM task_details td
			WHERE td.task_id = t.id
			  AND td.kind = 'delivery_attempt'
			  AND td.content->>'message_kind' = $1
			  AND (td.content->>'trigger_id')::bigint = trg.id
			ORDER BY td.id DESC
			LIMIT 1
		) last ON true
		%s
		%s NOT EXISTS (
			SELECT 1 FROM task_details sd
			WHERE sd.task_id = t.id
			  AND sd.kind = 'delivery_attempt'
			  AND sd.content->>'message_kind' = $1
			  AND (sd.content->>'trigger_id')::bigint = trg.id
			  AND sd.content->>'outcome' = 'success'
		)
		AND (
			last.outcome IS NULL
			OR (last.outcome = 'retryable_failure'
			    AND last.attempt_number < $2
			    AND last.next_attempt_at IS NOT NULL
			    AND last.next_attempt_at <= $3)
		)
		ORDER BY trg.created_at ASC, trg.id ASC
		LIMIT $4`,
		lateral, where, whereOrAnd(where))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eligible pairs (%s): %w", kind, err)
	}
	defer rows.Close()

	var pairs []database.Pair
	for rows.Next() {
		p := database.Pair{MessageKind: kind}
		if err := rows.Scan(&p.TaskID, &p.TriggerID, &p.TriggeredAt); err != nil {
			return nil, fmt.Errorf("scan eligible pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// whereOrAnd continues the filter clause depending on whether a WHERE was
// already emitted.
func whereOrAnd(where string) string {
	if where == "" {
		return "WHERE"
	}
	return "AND"
}
