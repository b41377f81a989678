package intake

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/T-SLP/fub-analytics/internal/fub"
	"github.com/T-SLP/fub-analytics/internal/ledger"
	"github.com/T-SLP/fub-analytics/internal/pipeline"
	"github.com/T-SLP/fub-analytics/platform/logger"
)

// recentWebhookLimit bounds the /debug/webhooks ring buffer.
const recentWebhookLimit = 10

// PersonFetcher is the CRM read the intake path depends on.
type PersonFetcher interface {
	GetPerson(ctx context.Context, personID string) (*fub.Person, error)
}

// TransitionRecorder applies the transition guard and appends to the ledger.
// Implemented by *ledger.Repository.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, p ledger.Proposed) (ledger.Decision, error)
}

// Status is the request-level disposition of a webhook delivery.
type Status string

const (
	// StatusProcessed means the delivery ran the full pipeline; Outcome says
	// whether a row was written.
	StatusProcessed Status = "processed"
	// StatusFailed means the CRM fetch or the ledger write failed. The
	// upstream sender redelivers, and the reconciler heals any gap either way.
	StatusFailed Status = "failed"
	// StatusRejected means no person id could be resolved from the payload.
	StatusRejected Status = "rejected"
)

// HandleResult reports how one delivery was disposed of.
type HandleResult struct {
	Status   Status
	Outcome  ledger.Outcome
	PersonID string
}

// RecentWebhook is one entry of the debug ring buffer.
type RecentWebhook struct {
	Event      string         `json:"event"`
	PersonID   string         `json:"person_id"`
	ReceivedAt time.Time      `json:"received_at"`
	Payload    map[string]any `json:"payload"`
}

// Service processes webhook deliveries synchronously: resolve, fetch current
// CRM state, guard, append. There is no retry queue; each request fully
// completes or definitively fails before the HTTP response goes out.
type Service struct {
	resolver *Resolver
	crm      PersonFetcher
	recorder TransitionRecorder
	agents   pipeline.AgentPolicy
	stats    *Stats
	log      *logger.Logger

	mu             sync.Mutex
	lastInspection *Inspection
	recent         []RecentWebhook
}

// NewService wires the intake pipeline.
func NewService(resolver *Resolver, crm PersonFetcher, recorder TransitionRecorder, agents pipeline.AgentPolicy, stats *Stats, log *logger.Logger) *Service {
	return &Service{
		resolver: resolver,
		crm:      crm,
		recorder: recorder,
		agents:   agents,
		stats:    stats,
		log:      log,
	}
}

// Handle processes one webhook delivery to completion.
func (s *Service) Handle(ctx context.Context, payload map[string]any) HandleResult {
	s.stats.WebhookReceived()

	event := "unknown"
	if e, ok := payload["event"].(string); ok && e != "" {
		event = e
	}

	personID, inspection, ok := s.resolver.Resolve(payload)
	if inspection != nil {
		s.mu.Lock()
		s.lastInspection = inspection
		s.mu.Unlock()
	}
	s.rememberWebhook(event, personID, payload)

	if !ok {
		s.stats.MarkIgnored()
		s.log.Warn("webhook ignored: no person id", "event", event, "keys", sortedKeys(payload))
		return HandleResult{Status: StatusRejected}
	}

	person, err := s.crm.GetPerson(ctx, personID)
	if err != nil {
		s.stats.MarkProcessed()
		s.stats.MarkFailed()
		s.log.Warn("webhook failed: person fetch", "event", event, "person_id", personID, "error", err)
		return HandleResult{Status: StatusFailed, PersonID: personID}
	}

	decision, err := s.recorder.RecordTransition(ctx, s.buildProposal(person, personID, event))
	if err != nil {
		s.stats.MarkProcessed()
		s.stats.MarkFailed()
		s.log.Error("webhook failed: ledger write", "event", event, "person_id", personID, "error", err)
		return HandleResult{Status: StatusFailed, PersonID: personID}
	}

	s.stats.MarkProcessed()
	if decision.Outcome == ledger.OutcomeWritten {
		s.stats.MarkCaptured(decision.PriorStage != nil)
	}
	s.log.WebhookEvent(event, personID, string(StatusProcessed), string(decision.Outcome))

	return HandleResult{Status: StatusProcessed, Outcome: decision.Outcome, PersonID: personID}
}

// buildProposal snapshots the fetched person into a candidate ledger record.
func (s *Service) buildProposal(person *fub.Person, resolvedID, event string) ledger.Proposed {
	personID := resolvedID
	if person.ID != 0 {
		personID = person.PersonID()
	}

	now := time.Now().UTC()

	firstName := person.FirstName
	if firstName == "" {
		firstName = "Unknown"
	}
	lastName := person.LastName
	if lastName == "" {
		lastName = "Unknown"
	}
	stage := person.Stage
	if stage == "" {
		stage = "Unknown"
	}

	leadSource := pipeline.ClassifyLeadSource(person.Tags)

	var assignedUserID *string
	if person.AssignedUserID != nil {
		id := strconv.FormatInt(*person.AssignedUserID, 10)
		assignedUserID = &id
	}
	assignedName := s.agents.Resolve(person.AssignedTo.Name, now)

	return ledger.Proposed{
		PersonID:         personID,
		FirstName:        firstName,
		LastName:         lastName,
		StageTo:          stage,
		ChangedAt:        now,
		Source:           ledger.WebhookSource(event),
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

// LastInspection returns the trace of the most recent unresolved payload.
func (s *Service) LastInspection() (*Inspection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInspection, s.lastInspection != nil
}

// RecentWebhooks returns the last received payloads, oldest first.
func (s *Service) RecentWebhooks() []RecentWebhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecentWebhook, len(s.recent))
	copy(out, s.recent)
	return out
}

// Stats exposes the health counters.
func (s *Service) Stats() *Stats {
	return s.stats
}

func (s *Service) rememberWebhook(event, personID string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, RecentWebhook{
		Event:      event,
		PersonID:   personID,
		ReceivedAt: time.Now().UTC(),
		Payload:    payload,
	})
	if len(s.recent) > recentWebhookLimit {
		s.recent = s.recent[len(s.recent)-recentWebhookLimit:]
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
