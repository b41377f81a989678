package ledger

import (
	"context"
	"time"
)

// EntityLedger is the per-entity view of the ledger the guard operates on.
// Implementations must hold an exclusive lock on the entity's rows for the
// lifetime of the value: LatestForUpdate acquires it, and it is released by
// the surrounding transaction's commit or rollback. The lock is what
// serializes concurrent webhook deliveries for the same entity.
type EntityLedger interface {
	// LatestForUpdate locks and returns the entity's most recent record,
	// or nil when the entity has no history.
	LatestForUpdate(ctx context.Context, personID string) (*StageChange, error)
	// HasRecentTransition reports whether a record with the exact
	// (stageFrom, stageTo) pair exists with changed_at at or after since.
	HasRecentTransition(ctx context.Context, personID string, stageFrom *string, stageTo string, since time.Time) (bool, error)
	// Insert appends one record.
	Insert(ctx context.Context, rec *StageChange) error
}

// Guard decides whether a proposed transition warrants a new ledger record.
// Webhook delivery is at-least-once: two near-simultaneous deliveries for
// the same entity must not produce two rows for one real transition, so the
// whole read-decide-write sequence runs under the entity's row lock.
type Guard struct {
	window time.Duration
	now    func() time.Time
}

// NewGuard creates a guard with the given duplicate-detection window.
func NewGuard(window time.Duration) *Guard {
	return &Guard{window: window, now: time.Now}
}

// Apply executes the decision protocol against a locked entity ledger:
//
//  1. read the latest record (acquires the row lock),
//  2. no-op when the stage is unchanged,
//  3. no-op when the identical transition was recorded within the window,
//  4. otherwise append.
//
// The caller owns the transaction; Apply never commits or rolls back.
func (g *Guard) Apply(ctx context.Context, led EntityLedger, p Proposed) (Decision, error) {
	latest, err := led.LatestForUpdate(ctx, p.PersonID)
	if err != nil {
		return Decision{}, err
	}

	var prior *string
	if latest != nil {
		prior = &latest.StageTo
	}

	if prior != nil && *prior == p.StageTo {
		return Decision{Outcome: OutcomeUnchanged, PriorStage: prior}, nil
	}

	now := g.now().UTC()
	dup, err := led.HasRecentTransition(ctx, p.PersonID, prior, p.StageTo, now.Add(-g.window))
	if err != nil {
		return Decision{}, err
	}
	if dup {
		return Decision{Outcome: OutcomeDuplicate, PriorStage: prior}, nil
	}

	if err := led.Insert(ctx, p.toRecord(prior, now)); err != nil {
		return Decision{}, err
	}

	return Decision{Outcome: OutcomeWritten, PriorStage: prior}, nil
}
