// Package alert posts operational notifications to Slack via an incoming
// webhook. Alerts are best-effort: a delivery failure is logged and never
// propagated to the caller.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/T-SLP/fub-analytics/platform/logger"
)

// Notifier posts messages to a Slack incoming webhook. A nil Notifier is
// valid and drops every message, so callers never branch on configuration.
type Notifier struct {
	webhookURL string
	client     *http.Client
	log        *logger.Logger
}

// NewNotifier creates a notifier, or nil when no webhook URL is configured.
func NewNotifier(webhookURL string, log *logger.Logger) *Notifier {
	if webhookURL == "" {
		return nil
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

// Notify posts a plain-text message.
func (n *Notifier) Notify(ctx context.Context, text string) {
	if n == nil {
		return
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		n.log.Error("slack alert: marshal failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.log.Error("slack alert: request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Error("slack alert: delivery failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		n.log.Error("slack alert: non-200 response", "status", resp.StatusCode)
	}
}

// BackfillGap posts the summary of a reconciliation pass that repaired
// missing ledger records.
func (n *Notifier) BackfillGap(ctx context.Context, recordsWritten int, start, end time.Time) {
	n.Notify(ctx, fmt.Sprintf(
		":warning: Stage tracking gap repaired: %d record(s) backfilled for window %s to %s. The webhook path missed these transitions.",
		recordsWritten, start.Format("2006-01-02"), end.Format("2006-01-02"),
	))
}
