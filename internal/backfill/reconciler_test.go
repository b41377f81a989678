package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/T-SLP/fub-analytics/internal/fub"
	"github.com/T-SLP/fub-analytics/internal/ledger"
	"github.com/T-SLP/fub-analytics/internal/pipeline"
	"github.com/T-SLP/fub-analytics/platform/logger"
)

type fakeLister struct {
	byStage map[string][]fub.Person
	failing map[string]bool
}

func (f *fakeLister) ListPeopleInStage(_ context.Context, stage string) ([]fub.Person, error) {
	if f.failing[stage] {
		return nil, errors.New("listing unavailable")
	}
	return f.byStage[stage], nil
}

// fakeStore mimics the repository's backfill semantics in memory, including
// the discard of plans computed against stale ledger state.
type fakeStore struct {
	records []ledger.StageChange
}

func (f *fakeStore) LatestStage(_ context.Context, personID string) (*string, error) {
	var latest *ledger.StageChange
	for i := range f.records {
		rec := &f.records[i]
		if rec.PersonID != personID {
			continue
		}
		if latest == nil || rec.ChangedAt.After(latest.ChangedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	stage := latest.StageTo
	return &stage, nil
}

func (f *fakeStore) HasBackfillRecord(_ context.Context, personID, stage string, start, end time.Time) (bool, error) {
	for _, rec := range f.records {
		if rec.PersonID == personID && rec.StageTo == stage && rec.Source == ledger.SourceBackfill &&
			!rec.ChangedAt.Before(start) && rec.ChangedAt.Before(end) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) RecordBackfill(ctx context.Context, plan ledger.BackfillPlan) (int, error) {
	latest, _ := f.LatestStage(ctx, plan.PersonID)
	if latest != nil && *latest == plan.TargetStage {
		return 0, nil
	}
	if !stagePtrEqual(latest, plan.PriorStage) {
		return 0, nil
	}
	f.records = append(f.records, plan.Records...)
	return len(plan.Records), nil
}

func stagePtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func testReconciler(lister *fakeLister, store *fakeStore) *Reconciler {
	agents := pipeline.AgentPolicy{DefaultName: "Unassigned"}
	return NewReconciler(lister, store, agents, logger.New("development"))
}

func window(t *testing.T) (time.Time, time.Time) {
	t.Helper()
	end := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, 0, -7), end
}

func personIn(stage string, updated time.Time) fub.Person {
	return fub.Person{
		ID:        4821,
		FirstName: "Dana",
		LastName:  "Wells",
		Stage:     stage,
		Updated:   updated.Format(time.RFC3339),
	}
}

func TestReconcileSynthesizesSkippedStages(t *testing.T) {
	start, end := window(t)
	updated := end.Add(-24 * time.Hour)

	// Ledger shows Offers Made, CRM shows Under Contract: the skipped
	// Contract Sent must be synthesized ahead of the final transition.
	lister := &fakeLister{byStage: map[string][]fub.Person{
		pipeline.StageUnderContract: {personIn(pipeline.StageUnderContract, updated)},
	}}
	store := &fakeStore{records: []ledger.StageChange{{
		PersonID:  "4821",
		StageTo:   pipeline.StageOffersMade,
		ChangedAt: updated.Add(-48 * time.Hour),
		Source:    "wh_peopleStageUpdate",
	}}}

	written, err := testReconciler(lister, store).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 2 {
		t.Fatalf("expected 2 records (Contract Sent, Under Contract), got %d", written)
	}

	synthesized := store.records[1]
	if synthesized.StageTo != pipeline.StageContractSent {
		t.Fatalf("expected synthesized stage %q, got %q", pipeline.StageContractSent, synthesized.StageTo)
	}
	if synthesized.StageFrom == nil || *synthesized.StageFrom != pipeline.StageOffersMade {
		t.Fatalf("expected chain to continue from ledger stage, got %v", synthesized.StageFrom)
	}
	if want := updated.Add(-time.Minute); !synthesized.ChangedAt.Equal(want) {
		t.Fatalf("expected synthesized changed_at %v, got %v", want, synthesized.ChangedAt)
	}

	final := store.records[2]
	if final.StageTo != pipeline.StageUnderContract || !final.ChangedAt.Equal(updated) {
		t.Fatalf("expected final record %q at %v, got %q at %v",
			pipeline.StageUnderContract, updated, final.StageTo, final.ChangedAt)
	}
	if final.StageFrom == nil || *final.StageFrom != pipeline.StageContractSent {
		t.Fatalf("expected final stage_from %q, got %v", pipeline.StageContractSent, final.StageFrom)
	}
	if final.Source != ledger.SourceBackfill {
		t.Fatalf("expected source %q, got %q", ledger.SourceBackfill, final.Source)
	}
}

func TestReconcilePriorOutsidePipelineGetsSingleRecord(t *testing.T) {
	start, end := window(t)
	updated := end.Add(-24 * time.Hour)

	// The ledger last saw this entity in a stage outside the ordered
	// sub-pipeline; the repair must record the observed transition alone,
	// not invent Offers Made / Contract Sent history.
	lister := &fakeLister{byStage: map[string][]fub.Person{
		pipeline.StageUnderContract: {personIn(pipeline.StageUnderContract, updated)},
	}}
	store := &fakeStore{records: []ledger.StageChange{{
		PersonID:  "4821",
		StageTo:   "ACQ - Qualified",
		ChangedAt: updated.Add(-48 * time.Hour),
		Source:    "wh_peopleStageUpdate",
	}}}

	written, err := testReconciler(lister, store).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 1 {
		t.Fatalf("expected a single repair record, got %d", written)
	}

	rec := store.records[1]
	if rec.StageTo != pipeline.StageUnderContract {
		t.Fatalf("expected stage %q, got %q", pipeline.StageUnderContract, rec.StageTo)
	}
	if rec.StageFrom == nil || *rec.StageFrom != "ACQ - Qualified" {
		t.Fatalf("expected stage_from %q, got %v", "ACQ - Qualified", rec.StageFrom)
	}
	if !rec.ChangedAt.Equal(updated) {
		t.Fatalf("expected changed_at %v, got %v", updated, rec.ChangedAt)
	}
}

func TestReconcileNoHistoryGetsSingleRecord(t *testing.T) {
	start, end := window(t)
	updated := end.Add(-24 * time.Hour)

	// First observation of the entity: no ledger history means no evidence
	// it passed through the intermediate stages, so none are synthesized.
	lister := &fakeLister{byStage: map[string][]fub.Person{
		pipeline.StageUnderContract: {personIn(pipeline.StageUnderContract, updated)},
	}}
	store := &fakeStore{}

	written, err := testReconciler(lister, store).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 1 {
		t.Fatalf("expected a single record for an entity with no history, got %d", written)
	}

	rec := store.records[0]
	if rec.StageTo != pipeline.StageUnderContract || rec.StageFrom != nil {
		t.Fatalf("expected %q with nil stage_from, got %q from %v",
			pipeline.StageUnderContract, rec.StageTo, rec.StageFrom)
	}
}

func TestReconcileClassifiesLeadSourceFromListedTags(t *testing.T) {
	start, end := window(t)
	updated := end.Add(-24 * time.Hour)

	tagged := personIn(pipeline.StageClosed, updated)
	tagged.Tags = []string{"ReadyMode Import"}
	untagged := personIn(pipeline.StageClosed, updated)
	untagged.ID = 7733

	lister := &fakeLister{byStage: map[string][]fub.Person{
		pipeline.StageClosed: {tagged, untagged},
	}}
	store := &fakeStore{}

	if _, err := testReconciler(lister, store).Reconcile(context.Background(), start, end); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(store.records))
	}
	if got := store.records[0].LeadSourceTag; got == nil || *got != pipeline.LeadSourceReadyMode {
		t.Fatalf("expected lead source %q from listed tags, got %v", pipeline.LeadSourceReadyMode, got)
	}
	if got := store.records[1].LeadSourceTag; got == nil || *got != pipeline.LeadSourceTextLead {
		t.Fatalf("expected default lead source %q, got %v", pipeline.LeadSourceTextLead, got)
	}
}

func TestReconcileSkipsConsistentEntities(t *testing.T) {
	start, end := window(t)
	updated := end.Add(-24 * time.Hour)

	lister := &fakeLister{byStage: map[string][]fub.Person{
		pipeline.StageClosed: {personIn(pipeline.StageClosed, updated)},
	}}
	store := &fakeStore{records: []ledger.StageChange{{
		PersonID:  "4821",
		StageTo:   pipeline.StageClosed,
		ChangedAt: updated.Add(-time.Hour),
		Source:    "wh_peopleStageUpdate",
	}}}

	written, err := testReconciler(lister, store).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 0 {
		t.Fatalf("expected no records for consistent entity, got %d", written)
	}
}

func TestReconcileIsIdempotentAcrossPasses(t *testing.T) {
	start, end := window(t)
	updated := end.Add(-24 * time.Hour)

	lister := &fakeLister{byStage: map[string][]fub.Person{
		pipeline.StageClosedWon: {personIn(pipeline.StageClosedWon, updated)},
	}}
	store := &fakeStore{}
	rec := testReconciler(lister, store)

	first, err := rec.Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected 1 record on first pass, got %d", first)
	}

	second, err := rec.Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != 0 {
		t.Fatalf("expected second pass to write nothing, got %d", second)
	}
}

func TestReconcileFiltersByWindow(t *testing.T) {
	start, end := window(t)

	lister := &fakeLister{byStage: map[string][]fub.Person{
		pipeline.StageClosed: {
			personIn(pipeline.StageClosed, start.Add(-time.Hour)),
			personIn(pipeline.StageClosed, end),
			personIn(pipeline.StageClosed, end.Add(time.Hour)),
		},
	}}
	store := &fakeStore{}

	written, err := testReconciler(lister, store).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 0 {
		t.Fatalf("expected entities outside [start, end) to be skipped, got %d records", written)
	}
}

func TestReconcileContinuesPastStageFailure(t *testing.T) {
	start, end := window(t)
	updated := end.Add(-24 * time.Hour)

	lister := &fakeLister{
		byStage: map[string][]fub.Person{
			pipeline.StageClosed: {personIn(pipeline.StageClosed, updated)},
		},
		failing: map[string]bool{pipeline.StageOffersMade: true},
	}
	store := &fakeStore{}

	written, err := testReconciler(lister, store).Reconcile(context.Background(), start, end)
	if err != nil {
		t.Fatalf("expected per-stage failure to be swallowed, got %v", err)
	}
	if written != 1 {
		t.Fatalf("expected remaining stages to still reconcile, got %d records", written)
	}
}
