// Package ledger owns the append-only stage_changes table: the authoritative
// history of pipeline stage transitions that every downstream report derives
// from. Records are created exactly once, by the webhook intake service or
// the backfill reconciler, and never updated or deleted.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies the result of applying a candidate transition.
type Outcome string

const (
	// OutcomeWritten means a genuine transition was appended.
	OutcomeWritten Outcome = "written"
	// OutcomeUnchanged means the entity is already in the reported stage.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeDuplicate means an identical transition was recorded within the
	// duplicate window; the delivery was a redelivery.
	OutcomeDuplicate Outcome = "duplicate"
)

// SourceBackfill tags records inserted by the reconciler.
const SourceBackfill = "backfill"

// sourceMaxLen matches the varchar(20) source column.
const sourceMaxLen = 20

// WebhookSource builds the provenance tag for a live webhook delivery,
// truncated to fit the source column.
func WebhookSource(event string) string {
	s := "wh_" + event
	if len(s) > sourceMaxLen {
		s = s[:sourceMaxLen]
	}
	return s
}

// StageChange is one immutable row of the ledger.
type StageChange struct {
	ID               uuid.UUID
	PersonID         string
	FirstName        string
	LastName         string
	StageFrom        *string
	StageTo          string
	ChangedAt        time.Time
	ReceivedAt       time.Time
	Source           string
	LeadSourceTag    *string
	DealID           *string
	CampaignID       *string
	WhoPushedLead    *string
	ParcelCounty     *string
	ParcelState      *string
	ParcelZip        *string
	AssignedUserID   *string
	AssignedUserName *string
	RawPayload       json.RawMessage
}

// Proposed is a candidate transition observed from the CRM. StageFrom is not
// part of the proposal: the guard derives it from the ledger under lock.
type Proposed struct {
	PersonID         string
	FirstName        string
	LastName         string
	StageTo          string
	ChangedAt        time.Time
	Source           string
	LeadSourceTag    *string
	DealID           *string
	CampaignID       *string
	WhoPushedLead    *string
	ParcelCounty     *string
	ParcelState      *string
	ParcelZip        *string
	AssignedUserID   *string
	AssignedUserName *string
	RawPayload       json.RawMessage
}

// Decision is the guard's verdict on a proposal.
type Decision struct {
	Outcome Outcome
	// PriorStage is the entity's latest recorded stage at decision time,
	// nil for an entity with no history.
	PriorStage *string
}

// BackfillPlan is a pre-built chain of reconciliation records for one entity.
// PriorStage pins the ledger state the plan was computed against: if the
// ledger moved in the meantime (a live webhook won the race), the plan is
// discarded rather than applied on top of stale state.
type BackfillPlan struct {
	PersonID    string
	PriorStage  *string
	TargetStage string
	WindowStart time.Time
	WindowEnd   time.Time
	Records     []StageChange
}

func (p Proposed) toRecord(priorStage *string, receivedAt time.Time) *StageChange {
	changedAt := p.ChangedAt
	if changedAt.IsZero() {
		changedAt = receivedAt
	}
	return &StageChange{
		ID:               uuid.New(),
		PersonID:         p.PersonID,
		FirstName:        p.FirstName,
		LastName:         p.LastName,
		StageFrom:        priorStage,
		StageTo:          p.StageTo,
		ChangedAt:        changedAt,
		ReceivedAt:       receivedAt,
		Source:           p.Source,
		LeadSourceTag:    p.LeadSourceTag,
		DealID:           p.DealID,
		CampaignID:       p.CampaignID,
		WhoPushedLead:    p.WhoPushedLead,
		ParcelCounty:     p.ParcelCounty,
		ParcelState:      p.ParcelState,
		ParcelZip:        p.ParcelZip,
		AssignedUserID:   p.AssignedUserID,
		AssignedUserName: p.AssignedUserName,
		RawPayload:       p.RawPayload,
	}
}

func equalStagePtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
