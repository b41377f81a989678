package intake

import (
	"context"
	"net/http"
	"time"

	"github.com/T-SLP/fub-analytics/platform/config"
	"github.com/T-SLP/fub-analytics/platform/httpkit"
	"github.com/T-SLP/fub-analytics/platform/validator"

	"github.com/gin-gonic/gin"
)

const dateFormat = "2006-01-02"

// ReconcileTrigger enqueues an on-demand reconciliation pass. Implemented by
// the scheduler client; nil when no scheduler backend is configured.
type ReconcileTrigger interface {
	EnqueueReconcile(ctx context.Context, start, end time.Time) error
}

// Handler handles the webhook and diagnostic HTTP endpoints.
type Handler struct {
	service *Service
	cfg     *config.Config
	val     *validator.Validator
	trigger ReconcileTrigger
}

// NewHandler creates the intake HTTP handler.
func NewHandler(service *Service, cfg *config.Config, val *validator.Validator, trigger ReconcileTrigger) *Handler {
	return &Handler{service: service, cfg: cfg, val: val, trigger: trigger}
}

// HandleStageWebhook processes an inbound FUB stage-change notification.
// POST /webhook/fub/stage-change
func (h *Handler) HandleStageWebhook(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil || len(payload) == 0 {
		httpkit.Error(c, http.StatusBadRequest, "no JSON payload", nil)
		return
	}

	result := h.service.Handle(c.Request.Context(), payload)

	switch result.Status {
	case StatusRejected:
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  string(StatusRejected),
			"message": "No person ID found",
		})
	case StatusProcessed:
		c.JSON(http.StatusOK, gin.H{
			"status":  string(StatusProcessed),
			"success": true,
			"outcome": string(result.Outcome),
		})
	default:
		// The contract with FUB reports processing failures in the body, not
		// the status code: a 5xx would trigger aggressive redelivery, and the
		// reconciler repairs any real gap regardless.
		c.JSON(http.StatusOK, gin.H{
			"status":  string(StatusFailed),
			"success": false,
		})
	}
}

// HandleHealth reports aggregate counters and the derived health flag.
// GET /health
func (h *Handler) HandleHealth(c *gin.Context) {
	httpkit.OK(c, h.healthPayload())
}

// HandleStats reports the same snapshot as /health.
// GET /stats
func (h *Handler) HandleStats(c *gin.Context) {
	httpkit.OK(c, h.healthPayload())
}

func (h *Handler) healthPayload() gin.H {
	report := h.service.Stats().Snapshot(h.cfg.WebhookStaleAfter)
	return gin.H{
		"status":                     report.Status,
		"healthy":                    report.Healthy,
		"message":                    report.Message,
		"system_type":                "FUB Webhook Server",
		"uptime_hours":               report.UptimeHours,
		"system_start_time":          report.SystemStartTime,
		"last_webhook_time":          report.LastWebhookTime,
		"webhooks_received":          report.WebhooksReceived,
		"webhooks_processed":         report.WebhooksProcessed,
		"webhooks_failed":            report.WebhooksFailed,
		"webhooks_ignored":           report.WebhooksIgnored,
		"stage_changes_captured":     report.StageChangesCaptured,
		"rapid_transitions_captured": report.RapidTransitionsCaptured,
		"errors":                     report.Errors,
		"success_rate":               report.SuccessRate,
		"webhook_rate_per_hour":      report.WebhookRatePerHour,
		"webhook_url":                h.cfg.WebhookBaseURL + "/webhook/fub/stage-change",
		"health_issues":              report.HealthIssues,
		"configuration": gin.H{
			"database_configured":       h.cfg.DatabaseURL != "",
			"fub_api_configured":        h.cfg.FUBAPIKey != "",
			"fub_system_key_configured": h.cfg.FUBSystemKey != "",
			"webhook_base_url":          h.cfg.WebhookBaseURL,
		},
	}
}

// HandleDebugWebhooks shows recently received payloads.
// GET /debug/webhooks
func (h *Handler) HandleDebugWebhooks(c *gin.Context) {
	recent := h.service.RecentWebhooks()
	httpkit.OK(c, gin.H{
		"recent_webhooks": recent,
		"count":           len(recent),
	})
}

// HandleDebugInspection shows the trace of the last payload that fell
// through to the deep scan.
// GET /debug/inspection
func (h *Handler) HandleDebugInspection(c *gin.Context) {
	inspection, ok := h.service.LastInspection()
	httpkit.OK(c, gin.H{
		"last_inspection": inspection,
		"has_data":        ok,
	})
}

// HandleRoot describes the service.
// GET /
func (h *Handler) HandleRoot(c *gin.Context) {
	httpkit.OK(c, gin.H{
		"service": "FUB Webhook Server",
		"status":  "running",
		"endpoints": []string{
			"/health",
			"/stats",
			"/webhook/fub/stage-change",
		},
	})
}

// ReconcileRequest is the request body for an on-demand reconciliation pass.
type ReconcileRequest struct {
	StartDate string `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"endDate" validate:"required,datetime=2006-01-02"`
}

// HandleReconcile enqueues an on-demand backfill pass over [startDate, endDate).
// POST /admin/reconcile
func (h *Handler) HandleReconcile(c *gin.Context) {
	if h.trigger == nil {
		httpkit.Error(c, http.StatusServiceUnavailable, "reconciliation scheduler not configured", nil)
		return
	}

	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return
	}

	start, err := time.Parse(dateFormat, req.StartDate)
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "startDate must be YYYY-MM-DD", err.Error())
		return
	}
	end, err := time.Parse(dateFormat, req.EndDate)
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "endDate must be YYYY-MM-DD", err.Error())
		return
	}
	if !end.After(start) {
		httpkit.Error(c, http.StatusBadRequest, "endDate must be after startDate", nil)
		return
	}

	if err := h.trigger.EnqueueReconcile(c.Request.Context(), start, end); err != nil {
		httpkit.HandleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
