package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/relaykit/taskrelay/internal/port/database"
)

// Claim attempts to take the dispatch lease for a pair. The upsert succeeds
// when no live claim exists, the previous claim has expired, or the caller
// already owns it; it returns false when another worker holds a live lease.
func (s *Store) Claim(ctx context.Context, p database.Pair, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO delivery_claims (task_id, message_kind, trigger_id, claimed_by, expires_at)
		 VALUES ($1, $2, $3, $4, now() + $5)
		 ON CONFLICT (task_id, message_kind, trigger_id) DO UPDATE
		 SET claimed_by = EXCLUDED.claimed_by, expires_at = EXCLUDED.expires_at
		 WHERE delivery_claims.expires_at <= now()
		    OR delivery_claims.claimed_by = EXCLUDED.claimed_by`,
		p.TaskID, string(p.MessageKind), p.TriggerID, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("claim pair task=%d kind=%s trigger=%d: %w", p.TaskID, p.MessageKind, p.TriggerID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseClaim drops the caller's lease on a pair. Releasing a lease that was
// already taken over or expired is a no-op.
func (s *Store) ReleaseClaim(ctx context.Context, p database.Pair, owner string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM delivery_claims
		 WHERE task_id = $1 AND message_kind = $2 AND trigger_id = $3 AND claimed_by = $4`,
		p.TaskID, string(p.MessageKind), p.TriggerID, owner)
	if err != nil {
		return fmt.Errorf("release claim task=%d kind=%s trigger=%d: %w", p.TaskID, p.MessageKind, p.TriggerID, err)
	}
	return nil
}
