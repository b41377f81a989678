package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/T-SLP/fub-analytics/platform/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectLatestForUpdate = `
SELECT id, person_id, first_name, last_name, stage_from, stage_to,
       changed_at, received_at, source, lead_source_tag,
       deal_id, campaign_id, who_pushed_lead,
       parcel_county, parcel_state, parcel_zip,
       assigned_user_id, assigned_user_name
FROM stage_changes
WHERE person_id = $1
ORDER BY changed_at DESC
LIMIT 1
FOR UPDATE`

const insertRecord = `
INSERT INTO stage_changes (
    id, person_id, first_name, last_name, stage_from, stage_to,
    changed_at, received_at, source, lead_source_tag,
    deal_id, campaign_id, who_pushed_lead,
    parcel_county, parcel_state, parcel_zip,
    assigned_user_id, assigned_user_name, raw_payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

// Repository is the pgx-backed ledger store. All mutation goes through
// RecordTransition or RecordBackfill, both of which serialize on the
// entity's row lock; there is no update or delete.
type Repository struct {
	pool  *pgxpool.Pool
	guard *Guard
	log   *logger.Logger
}

// NewRepository creates the ledger repository with the given duplicate window.
func NewRepository(pool *pgxpool.Pool, duplicateWindow time.Duration, log *logger.Logger) *Repository {
	return &Repository{
		pool:  pool,
		guard: NewGuard(duplicateWindow),
		log:   log,
	}
}

// RecordTransition applies the transition guard to a live webhook proposal
// inside a single transaction. The row lock acquired by the guard's first
// read is held until commit/rollback, so concurrent deliveries for the same
// entity execute strictly one after another.
func (r *Repository) RecordTransition(ctx context.Context, p Proposed) (Decision, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Decision{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	decision, err := r.guard.Apply(ctx, &txLedger{tx: tx}, p)
	if err != nil {
		r.log.DatabaseError("record_transition", err)
		return Decision{}, err
	}

	if decision.Outcome == OutcomeWritten {
		if err := tx.Commit(ctx); err != nil {
			r.log.DatabaseError("record_transition_commit", err)
			return Decision{}, err
		}
	}
	// Unchanged/duplicate decisions roll back via the deferred Rollback,
	// releasing the row lock without writing.

	return decision, nil
}

// LatestStage returns the entity's current stage per the ledger, or nil when
// the entity has no history. Read-only; takes no lock.
func (r *Repository) LatestStage(ctx context.Context, personID string) (*string, error) {
	var stage string
	err := r.pool.QueryRow(ctx,
		`SELECT stage_to FROM stage_changes
		 WHERE person_id = $1
		 ORDER BY changed_at DESC
		 LIMIT 1`,
		personID,
	).Scan(&stage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

// HasBackfillRecord reports whether a reconciliation record already exists
// for this entity and stage within [start, end). Used to make repeated
// reconciliation passes over overlapping windows idempotent.
func (r *Repository) HasBackfillRecord(ctx context.Context, personID, stage string, start, end time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM stage_changes
		     WHERE person_id = $1 AND stage_to = $2 AND source = $3
		       AND changed_at >= $4 AND changed_at < $5
		 )`,
		personID, stage, SourceBackfill, start, end,
	).Scan(&exists)
	return exists, err
}

// RecordBackfill inserts a reconciliation chain under the same locking
// discipline as the live path. The plan carries the ledger state it was
// computed against; if the entity's latest stage no longer matches (a live
// webhook advanced it between planning and application), the plan is
// discarded and zero rows are inserted.
func (r *Repository) RecordBackfill(ctx context.Context, plan BackfillPlan) (int, error) {
	if len(plan.Records) == 0 {
		return 0, nil
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	led := &txLedger{tx: tx}
	latest, err := led.LatestForUpdate(ctx, plan.PersonID)
	if err != nil {
		return 0, err
	}

	var latestStage *string
	if latest != nil {
		latestStage = &latest.StageTo
	}
	if latestStage != nil && *latestStage == plan.TargetStage {
		return 0, nil
	}
	if !equalStagePtr(latestStage, plan.PriorStage) {
		return 0, nil
	}

	// Re-check idempotency inside the lock: a concurrent pass may have
	// reconciled this entity between planning and application.
	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM stage_changes
		     WHERE person_id = $1 AND stage_to = $2 AND source = $3
		       AND changed_at >= $4 AND changed_at < $5
		 )`,
		plan.PersonID, plan.TargetStage, SourceBackfill, plan.WindowStart, plan.WindowEnd,
	).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, nil
	}

	now := time.Now().UTC()
	for i := range plan.Records {
		rec := plan.Records[i]
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		if rec.ReceivedAt.IsZero() {
			rec.ReceivedAt = now
		}
		if err := led.Insert(ctx, &rec); err != nil {
			r.log.DatabaseError("record_backfill", err)
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.log.DatabaseError("record_backfill_commit", err)
		return 0, err
	}

	return len(plan.Records), nil
}

// txLedger implements EntityLedger over an open transaction.
type txLedger struct {
	tx pgx.Tx
}

func (l *txLedger) LatestForUpdate(ctx context.Context, personID string) (*StageChange, error) {
	var rec StageChange
	err := l.tx.QueryRow(ctx, selectLatestForUpdate, personID).Scan(
		&rec.ID, &rec.PersonID, &rec.FirstName, &rec.LastName, &rec.StageFrom, &rec.StageTo,
		&rec.ChangedAt, &rec.ReceivedAt, &rec.Source, &rec.LeadSourceTag,
		&rec.DealID, &rec.CampaignID, &rec.WhoPushedLead,
		&rec.ParcelCounty, &rec.ParcelState, &rec.ParcelZip,
		&rec.AssignedUserID, &rec.AssignedUserName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *txLedger) HasRecentTransition(ctx context.Context, personID string, stageFrom *string, stageTo string, since time.Time) (bool, error) {
	var exists bool
	err := l.tx.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM stage_changes
		     WHERE person_id = $1
		       AND COALESCE(stage_from, '') = COALESCE($2, '')
		       AND stage_to = $3
		       AND changed_at >= $4
		 )`,
		personID, stageFrom, stageTo, since,
	).Scan(&exists)
	return exists, err
}

func (l *txLedger) Insert(ctx context.Context, rec *StageChange) error {
	_, err := l.tx.Exec(ctx, insertRecord,
		rec.ID, rec.PersonID, rec.FirstName, rec.LastName, rec.StageFrom, rec.StageTo,
		rec.ChangedAt, rec.ReceivedAt, rec.Source, rec.LeadSourceTag,
		rec.DealID, rec.CampaignID, rec.WhoPushedLead,
		rec.ParcelCounty, rec.ParcelState, rec.ParcelZip,
		rec.AssignedUserID, rec.AssignedUserName, rec.RawPayload,
	)
	return err
}
