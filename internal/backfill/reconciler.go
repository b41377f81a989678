// Package backfill is the reconciliation safety net: it cross-references the
// CRM's current stage assignments against the ledger and appends the records
// the webhook path missed, including synthesized intermediate transitions
// when an entity skipped over pipeline stages.
package backfill

import (
	"context"
	"strconv"
	"time"

	"github.com/T-SLP/fub-analytics/internal/fub"
	"github.com/T-SLP/fub-analytics/internal/ledger"
	"github.com/T-SLP/fub-analytics/internal/pipeline"
	"github.com/T-SLP/fub-analytics/platform/logger"
)

// syntheticStep spaces synthesized intermediate records so the chain stays in
// strict chronological order ahead of the final transition.
const syntheticStep = 60 * time.Second

// StageLister is the CRM listing the reconciler walks.
type StageLister interface {
	ListPeopleInStage(ctx context.Context, stage string) ([]fub.Person, error)
}

// Store is the ledger surface the reconciler needs. Implemented by
// *ledger.Repository.
type Store interface {
	LatestStage(ctx context.Context, personID string) (*string, error)
	HasBackfillRecord(ctx context.Context, personID, stage string, start, end time.Time) (bool, error)
	RecordBackfill(ctx context.Context, plan ledger.BackfillPlan) (int, error)
}

// Reconciler detects and repairs gaps between the CRM and the ledger for one
// time window. It is safe to run repeatedly over overlapping windows: an
// entity is only repaired once per window per stage.
type Reconciler struct {
	crm    StageLister
	store  Store
	agents pipeline.AgentPolicy
	log    *logger.Logger
}

// NewReconciler creates the reconciler.
func NewReconciler(crm StageLister, store Store, agents pipeline.AgentPolicy, log *logger.Logger) *Reconciler {
	return &Reconciler{crm: crm, store: store, agents: agents, log: log}
}

// Reconcile walks every tracked stage, finds entities the CRM last modified
// within [start, end) whose ledger disagrees with their current stage, and
// appends repair records. Returns the number of rows written.
//
// A fetch failure for one stage is logged and skipped; the remaining stages
// still run, and the next scheduled pass retries the window.
func (r *Reconciler) Reconcile(ctx context.Context, start, end time.Time) (int, error) {
	total := 0
	for _, stage := range pipeline.TrackedStages {
		people, err := r.crm.ListPeopleInStage(ctx, stage)
		if err != nil {
			r.log.Error("backfill: stage listing failed", "stage", stage, "error", err)
			continue
		}

		for i := range people {
			person := &people[i]
			updated := person.UpdatedAt()
			if updated.IsZero() || updated.Before(start) || !updated.Before(end) {
				continue
			}

			written, err := r.reconcilePerson(ctx, person, stage, start, end)
			if err != nil {
				r.log.Error("backfill: person failed",
					"person_id", person.PersonID(), "stage", stage, "error", err)
				continue
			}
			total += written
		}

		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	r.log.Info("backfill pass complete",
		"window_start", start, "window_end", end, "records_written", total)
	return total, nil
}

func (r *Reconciler) reconcilePerson(ctx context.Context, person *fub.Person, stage string, start, end time.Time) (int, error) {
	personID := person.PersonID()

	latest, err := r.store.LatestStage(ctx, personID)
	if err != nil {
		return 0, err
	}
	if latest != nil && *latest == stage {
		return 0, nil
	}

	exists, err := r.store.HasBackfillRecord(ctx, personID, stage, start, end)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, nil
	}

	plan := r.buildPlan(person, stage, latest, start, end)
	written, err := r.store.RecordBackfill(ctx, plan)
	if err != nil {
		return 0, err
	}
	if written > 0 {
		r.log.Info("backfill: gap repaired",
			"person_id", personID, "stage", stage, "records", written)
	}
	return written, nil
}

// buildPlan assembles the repair chain for one entity. When the target stage
// sits in the ordered sub-pipeline and the ledger shows the entity behind it,
// intermediate stages are synthesized at one-minute steps before the final
// transition so the chain reads as a plausible progression.
func (r *Reconciler) buildPlan(person *fub.Person, stage string, latest *string, start, end time.Time) ledger.BackfillPlan {
	changedAt := person.UpdatedAt()

	stages := chainStages(latest, stage)
	records := make([]ledger.StageChange, 0, len(stages))
	prior := latest
	for i, s := range stages {
		offset := time.Duration(len(stages)-1-i) * syntheticStep
		rec := r.baseRecord(person, changedAt.Add(-offset))
		rec.StageFrom = prior
		rec.StageTo = s
		records = append(records, rec)
		stageCopy := s
		prior = &stageCopy
	}

	return ledger.BackfillPlan{
		PersonID:    person.PersonID(),
		PriorStage:  latest,
		TargetStage: stage,
		WindowStart: start,
		WindowEnd:   end,
		Records:     records,
	}
}

// chainStages returns the ordered stages the repair chain must pass through
// to land on target, including target itself. Intermediates are synthesized
// only when the ledger already places the entity inside the ordered
// sub-pipeline behind the target; an entity first observed from outside it
// (or with no history at all) gets the single final record, since the ledger
// never saw it pass through the intermediate stages.
func chainStages(latest *string, target string) []string {
	targetIdx := pipeline.SynthesisIndex(target)
	if targetIdx < 0 || latest == nil {
		return []string{target}
	}

	latestIdx := pipeline.SynthesisIndex(*latest)
	if latestIdx < 0 || latestIdx >= targetIdx {
		return []string{target}
	}

	return pipeline.SynthesisOrder[latestIdx+1 : targetIdx+1]
}

func (r *Reconciler) baseRecord(person *fub.Person, changedAt time.Time) ledger.StageChange {
	firstName := person.FirstName
	if firstName == "" {
		firstName = "Unknown"
	}
	lastName := person.LastName
	if lastName == "" {
		lastName = "Unknown"
	}

	leadSource := pipeline.ClassifyLeadSource(person.Tags)
	assignedName := r.agents.Resolve(person.AssignedTo.Name, changedAt)

	var assignedUserID *string
	if person.AssignedUserID != nil {
		id := strconv.FormatInt(*person.AssignedUserID, 10)
		assignedUserID = &id
	}

	return ledger.StageChange{
		PersonID:         person.PersonID(),
		FirstName:        firstName,
		LastName:         lastName,
		ChangedAt:        changedAt,
		Source:           ledger.SourceBackfill,
		LeadSourceTag:    &leadSource,
		CampaignID:       optional(person.CustomCampaignID),
		WhoPushedLead:    optional(person.CustomWhoPushedTheLead),
		ParcelCounty:     optional(person.CustomParcelCounty),
		ParcelState:      optional(person.CustomParcelState),
		ParcelZip:        optional(person.CustomParcelZip),
		AssignedUserID:   assignedUserID,
		AssignedUserName: &assignedName,
		RawPayload:       person.Raw,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
