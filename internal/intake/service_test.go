package intake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/T-SLP/fub-analytics/internal/fub"
	"github.com/T-SLP/fub-analytics/internal/ledger"
	"github.com/T-SLP/fub-analytics/internal/pipeline"
	"github.com/T-SLP/fub-analytics/platform/logger"
)

type fakeFetcher struct {
	people map[string]*fub.Person
	err    error
}

func (f *fakeFetcher) GetPerson(_ context.Context, personID string) (*fub.Person, error) {
	if f.err != nil {
		return nil, f.err
	}
	person, ok := f.people[personID]
	if !ok {
		return nil, errors.New("person not found")
	}
	return person, nil
}

// fakeRecorder mirrors the repository's serialization: proposals for the
// same entity are applied strictly one at a time against the latest state.
type fakeRecorder struct {
	mu        sync.Mutex
	proposals []ledger.Proposed
	latest    map[string]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{latest: make(map[string]string)}
}

func (f *fakeRecorder) RecordTransition(_ context.Context, p ledger.Proposed) (ledger.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prior, has := f.latest[p.PersonID]
	if has && prior == p.StageTo {
		priorCopy := prior
		return ledger.Decision{Outcome: ledger.OutcomeUnchanged, PriorStage: &priorCopy}, nil
	}

	f.proposals = append(f.proposals, p)
	f.latest[p.PersonID] = p.StageTo
	if !has {
		return ledger.Decision{Outcome: ledger.OutcomeWritten}, nil
	}
	priorCopy := prior
	return ledger.Decision{Outcome: ledger.OutcomeWritten, PriorStage: &priorCopy}, nil
}

type failingRecorder struct{}

func (failingRecorder) RecordTransition(context.Context, ledger.Proposed) (ledger.Decision, error) {
	return ledger.Decision{}, errors.New("connection refused")
}

func newTestService(crm PersonFetcher, recorder TransitionRecorder) *Service {
	agents := pipeline.AgentPolicy{DefaultName: "Unassigned"}
	return NewService(newTestResolver(), crm, recorder, agents, NewStats(), logger.New("development"))
}

func stagePayload(personID float64) map[string]any {
	return map[string]any{
		"event":       "peopleStageUpdated",
		"resourceIds": []any{personID},
	}
}

func TestHandleRecordsGenuineStageChange(t *testing.T) {
	raw := json.RawMessage(`{"id":4821,"stage":"ACQ - Qualified"}`)
	fetcher := &fakeFetcher{people: map[string]*fub.Person{
		"4821": {
			ID:        4821,
			FirstName: "Dana",
			LastName:  "Wells",
			Stage:     "ACQ - Qualified",
			Tags:      []string{"ReadyMode Import", "hot"},
			Raw:       raw,
		},
	}}
	recorder := newFakeRecorder()
	svc := newTestService(fetcher, recorder)

	result := svc.Handle(context.Background(), stagePayload(4821))

	if result.Status != StatusProcessed {
		t.Fatalf("expected status %q, got %q", StatusProcessed, result.Status)
	}
	if result.Outcome != ledger.OutcomeWritten {
		t.Fatalf("expected outcome %q, got %q", ledger.OutcomeWritten, result.Outcome)
	}

	if len(recorder.proposals) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(recorder.proposals))
	}
	p := recorder.proposals[0]
	if p.PersonID != "4821" {
		t.Fatalf("expected person id 4821, got %q", p.PersonID)
	}
	if p.StageTo != "ACQ - Qualified" {
		t.Fatalf("expected stage %q, got %q", "ACQ - Qualified", p.StageTo)
	}
	if p.Source != "wh_peopleStageUpdate" {
		t.Fatalf("expected source truncated to 20 chars, got %q", p.Source)
	}
	if p.LeadSourceTag == nil || *p.LeadSourceTag != pipeline.LeadSourceReadyMode {
		t.Fatalf("expected lead source %q, got %v", pipeline.LeadSourceReadyMode, p.LeadSourceTag)
	}
	if p.AssignedUserName == nil || *p.AssignedUserName != "Unassigned" {
		t.Fatalf("expected default agent name, got %v", p.AssignedUserName)
	}
	if string(p.RawPayload) != string(raw) {
		t.Fatalf("expected raw person payload carried through")
	}

	stats := svc.Stats().Snapshot(time.Hour)
	if stats.StageChangesCaptured != 1 {
		t.Fatalf("expected 1 captured change, got %d", stats.StageChangesCaptured)
	}
}

func TestHandleRedeliveryIsUnchanged(t *testing.T) {
	fetcher := &fakeFetcher{people: map[string]*fub.Person{
		"4821": {ID: 4821, Stage: "ACQ - Qualified"},
	}}
	recorder := newFakeRecorder()
	svc := newTestService(fetcher, recorder)
	ctx := context.Background()

	first := svc.Handle(ctx, stagePayload(4821))
	second := svc.Handle(ctx, stagePayload(4821))

	if first.Outcome != ledger.OutcomeWritten {
		t.Fatalf("expected first delivery written, got %q", first.Outcome)
	}
	if second.Status != StatusProcessed || second.Outcome != ledger.OutcomeUnchanged {
		t.Fatalf("expected redelivery unchanged, got %q/%q", second.Status, second.Outcome)
	}
	if len(recorder.proposals) != 1 {
		t.Fatalf("expected exactly 1 write, got %d", len(recorder.proposals))
	}

	stats := svc.Stats().Snapshot(time.Hour)
	if stats.WebhooksFailed != 0 {
		t.Fatalf("redelivery must not count as a failure, got %d", stats.WebhooksFailed)
	}
	if stats.StageChangesCaptured != 1 {
		t.Fatalf("expected 1 captured change, got %d", stats.StageChangesCaptured)
	}
}

func TestHandleUnresolvablePayloadIsRejected(t *testing.T) {
	recorder := newFakeRecorder()
	svc := newTestService(&fakeFetcher{}, recorder)

	result := svc.Handle(context.Background(), map[string]any{"event": "peopleStageUpdated", "note": "nothing useful"})

	if result.Status != StatusRejected {
		t.Fatalf("expected status %q, got %q", StatusRejected, result.Status)
	}
	if len(recorder.proposals) != 0 {
		t.Fatalf("expected no writes, got %d", len(recorder.proposals))
	}
	stats := svc.Stats().Snapshot(time.Hour)
	if stats.WebhooksIgnored != 1 {
		t.Fatalf("expected 1 ignored delivery, got %d", stats.WebhooksIgnored)
	}
}

func TestHandleFetchFailureIsFailed(t *testing.T) {
	svc := newTestService(&fakeFetcher{err: errors.New("api down")}, newFakeRecorder())

	result := svc.Handle(context.Background(), stagePayload(4821))

	if result.Status != StatusFailed {
		t.Fatalf("expected status %q, got %q", StatusFailed, result.Status)
	}
	stats := svc.Stats().Snapshot(time.Hour)
	if stats.WebhooksFailed != 1 {
		t.Fatalf("expected 1 failed delivery, got %d", stats.WebhooksFailed)
	}
}

func TestHandleLedgerFailureIsFailed(t *testing.T) {
	fetcher := &fakeFetcher{people: map[string]*fub.Person{
		"4821": {ID: 4821, Stage: "ACQ - Qualified"},
	}}
	svc := newTestService(fetcher, failingRecorder{})

	result := svc.Handle(context.Background(), stagePayload(4821))
	if result.Status != StatusFailed {
		t.Fatalf("expected status %q, got %q", StatusFailed, result.Status)
	}
}

func TestHandleDefaultsMissingPersonFields(t *testing.T) {
	fetcher := &fakeFetcher{people: map[string]*fub.Person{
		"4821": {ID: 4821},
	}}
	recorder := newFakeRecorder()
	svc := newTestService(fetcher, recorder)

	svc.Handle(context.Background(), stagePayload(4821))

	p := recorder.proposals[0]
	if p.FirstName != "Unknown" || p.LastName != "Unknown" || p.StageTo != "Unknown" {
		t.Fatalf("expected Unknown defaults, got %q %q %q", p.FirstName, p.LastName, p.StageTo)
	}
	if p.LeadSourceTag == nil || *p.LeadSourceTag != pipeline.LeadSourceTextLead {
		t.Fatalf("expected default lead source %q, got %v", pipeline.LeadSourceTextLead, p.LeadSourceTag)
	}
}

func TestHandleConcurrentDeliveriesWriteOnce(t *testing.T) {
	fetcher := &fakeFetcher{people: map[string]*fub.Person{
		"4821": {ID: 4821, Stage: "ACQ - Offers Made"},
	}}
	recorder := newFakeRecorder()
	svc := newTestService(fetcher, recorder)

	const deliveries = 10
	var wg sync.WaitGroup
	wg.Add(deliveries)
	for i := 0; i < deliveries; i++ {
		go func() {
			defer wg.Done()
			svc.Handle(context.Background(), stagePayload(4821))
		}()
	}
	wg.Wait()

	if len(recorder.proposals) != 1 {
		t.Fatalf("expected exactly 1 ledger write from %d concurrent deliveries, got %d", deliveries, len(recorder.proposals))
	}
	stats := svc.Stats().Snapshot(time.Hour)
	if stats.WebhooksReceived != deliveries {
		t.Fatalf("expected %d received, got %d", deliveries, stats.WebhooksReceived)
	}
	if stats.StageChangesCaptured != 1 {
		t.Fatalf("expected 1 captured change, got %d", stats.StageChangesCaptured)
	}
}

func TestRecentWebhooksRingBuffer(t *testing.T) {
	fetcher := &fakeFetcher{people: map[string]*fub.Person{
		"4821": {ID: 4821, Stage: "ACQ - Qualified"},
	}}
	svc := newTestService(fetcher, newFakeRecorder())
	ctx := context.Background()

	for i := 0; i < recentWebhookLimit+5; i++ {
		svc.Handle(ctx, stagePayload(4821))
	}

	recent := svc.RecentWebhooks()
	if len(recent) != recentWebhookLimit {
		t.Fatalf("expected ring buffer capped at %d, got %d", recentWebhookLimit, len(recent))
	}
}
