package intake

import (
	"strings"
	"testing"
	"time"
)

func TestSnapshotHealthyWithRecentWebhook(t *testing.T) {
	stats := NewStats()
	stats.WebhookReceived()
	stats.MarkProcessed()

	report := stats.Snapshot(90 * time.Minute)
	if !report.Healthy {
		t.Fatalf("expected healthy with a fresh webhook, issues: %v", report.HealthIssues)
	}
	if report.Status != "healthy" {
		t.Fatalf("expected status healthy, got %q", report.Status)
	}
	if report.LastWebhookTime == nil {
		t.Fatalf("expected last webhook time to be set")
	}
}

func TestSnapshotHealthyBeforeFirstWebhook(t *testing.T) {
	report := NewStats().Snapshot(90 * time.Minute)
	if !report.Healthy {
		t.Fatalf("a fresh process with no traffic yet must not report unhealthy")
	}
	if report.LastWebhookTime != nil {
		t.Fatalf("expected nil last webhook time, got %q", *report.LastWebhookTime)
	}
}

func TestSnapshotUnhealthyAfterSilence(t *testing.T) {
	stats := NewStats()
	stats.WebhookReceived()
	stats.lastWebhook.Store(time.Now().UTC().Add(-2 * time.Hour).UnixNano())

	report := stats.Snapshot(90 * time.Minute)
	if report.Healthy {
		t.Fatalf("expected unhealthy after 2h of silence")
	}
	if len(report.HealthIssues) != 1 || !strings.HasPrefix(report.HealthIssues[0], "No webhooks for ") {
		t.Fatalf("expected a staleness issue, got %v", report.HealthIssues)
	}
}

func TestSnapshotSuccessRate(t *testing.T) {
	stats := NewStats()
	for i := 0; i < 4; i++ {
		stats.WebhookReceived()
		stats.MarkProcessed()
	}
	stats.MarkFailed()

	report := stats.Snapshot(90 * time.Minute)
	if report.SuccessRate != 75.0 {
		t.Fatalf("expected 75.0 success rate, got %v", report.SuccessRate)
	}
}
