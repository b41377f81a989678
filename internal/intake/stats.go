package intake

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Stats holds the process-wide health counters. They are observability
// state, not correctness state: increments use atomics and reads may be
// slightly stale under concurrent webhook traffic.
type Stats struct {
	start time.Time

	received  atomic.Int64
	processed atomic.Int64
	captured  atomic.Int64
	rapid     atomic.Int64
	failed    atomic.Int64
	ignored   atomic.Int64
	errors    atomic.Int64

	// Unix nanoseconds of the last received webhook; zero means never.
	lastWebhook atomic.Int64
}

// NewStats creates a counter set anchored at the current time.
func NewStats() *Stats {
	return &Stats{start: time.Now().UTC()}
}

// WebhookReceived marks an inbound delivery and refreshes the staleness clock.
func (s *Stats) WebhookReceived() {
	s.received.Add(1)
	s.lastWebhook.Store(time.Now().UTC().UnixNano())
}

// MarkProcessed marks a delivery that made it past entity resolution.
func (s *Stats) MarkProcessed() { s.processed.Add(1) }

// MarkCaptured marks a genuine stage change written to the ledger. rapid
// indicates the entity already had history, i.e. this was not its first
// recorded stage.
func (s *Stats) MarkCaptured(rapid bool) {
	s.captured.Add(1)
	if rapid {
		s.rapid.Add(1)
	}
}

// MarkFailed marks a delivery that failed on CRM fetch or ledger write.
func (s *Stats) MarkFailed() { s.failed.Add(1) }

// MarkIgnored marks a delivery with no resolvable person id.
func (s *Stats) MarkIgnored() { s.ignored.Add(1) }

// MarkError marks an unexpected handler error.
func (s *Stats) MarkError() { s.errors.Add(1) }

// LastWebhookTime returns the time of the last received webhook.
func (s *Stats) LastWebhookTime() (time.Time, bool) {
	ns := s.lastWebhook.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns).UTC(), true
}

// Report is the health snapshot served on /health and /stats.
type Report struct {
	Status                   string   `json:"status"`
	Healthy                  bool     `json:"healthy"`
	Message                  string   `json:"message"`
	UptimeHours              float64  `json:"uptime_hours"`
	SystemStartTime          string   `json:"system_start_time"`
	LastWebhookTime          *string  `json:"last_webhook_time"`
	WebhooksReceived         int64    `json:"webhooks_received"`
	WebhooksProcessed        int64    `json:"webhooks_processed"`
	WebhooksFailed           int64    `json:"webhooks_failed"`
	WebhooksIgnored          int64    `json:"webhooks_ignored"`
	StageChangesCaptured     int64    `json:"stage_changes_captured"`
	RapidTransitionsCaptured int64    `json:"rapid_transitions_captured"`
	Errors                   int64    `json:"errors"`
	SuccessRate              float64  `json:"success_rate"`
	WebhookRatePerHour       float64  `json:"webhook_rate_per_hour"`
	HealthIssues             []string `json:"health_issues"`
}

// Snapshot derives the health report. The service is considered unhealthy
// when no webhook has arrived within staleAfter; FUB sends stage updates
// steadily during business hours, so prolonged silence means deliveries are
// being dropped somewhere upstream.
func (s *Stats) Snapshot(staleAfter time.Duration) Report {
	now := time.Now().UTC()
	uptimeHours := now.Sub(s.start).Hours()

	report := Report{
		UptimeHours:              round1(uptimeHours),
		SystemStartTime:          s.start.Format(time.RFC1123),
		WebhooksReceived:         s.received.Load(),
		WebhooksProcessed:        s.processed.Load(),
		WebhooksFailed:           s.failed.Load(),
		WebhooksIgnored:          s.ignored.Load(),
		StageChangesCaptured:     s.captured.Load(),
		RapidTransitionsCaptured: s.rapid.Load(),
		Errors:                   s.errors.Load(),
		HealthIssues:             []string{},
	}

	report.SuccessRate = 100.0
	if report.WebhooksProcessed > 0 {
		ok := report.WebhooksProcessed - report.WebhooksFailed
		report.SuccessRate = round1(float64(ok) / float64(report.WebhooksProcessed) * 100.0)
	}
	if uptimeHours > 0 {
		report.WebhookRatePerHour = round1(float64(report.WebhooksReceived) / uptimeHours)
	}

	healthy := true
	if last, ok := s.LastWebhookTime(); ok {
		formatted := last.Format(time.RFC1123)
		report.LastWebhookTime = &formatted
		if silence := now.Sub(last); silence > staleAfter {
			healthy = false
			report.HealthIssues = append(report.HealthIssues,
				fmt.Sprintf("No webhooks for %d minutes", int(silence.Minutes())))
		}
	}

	report.Healthy = healthy
	if healthy {
		report.Status = "healthy"
		report.Message = "Real-time stage tracking active"
	} else {
		report.Status = "unhealthy"
		report.Message = "Health issues detected"
	}

	return report
}

func round1(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}
