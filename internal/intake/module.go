// Package intake module wiring: constructs the resolver, service and
// handler, and mounts the HTTP routes.
package intake

import (
	"github.com/T-SLP/fub-analytics/internal/pipeline"
	"github.com/T-SLP/fub-analytics/platform/config"
	"github.com/T-SLP/fub-analytics/platform/httpkit"
	"github.com/T-SLP/fub-analytics/platform/logger"
	"github.com/T-SLP/fub-analytics/platform/validator"

	"github.com/gin-gonic/gin"
)

// Module is the webhook intake bounded context.
type Module struct {
	handler *Handler
	service *Service
}

// NewModule creates and wires the intake module. trigger may be nil when no
// scheduler backend is configured; the on-demand reconcile endpoint then
// reports unavailable.
func NewModule(cfg *config.Config, crm PersonFetcher, recorder TransitionRecorder, trigger ReconcileTrigger, val *validator.Validator, log *logger.Logger) *Module {
	resolver := NewResolver(cfg.IDScanMin, cfg.IDScanMax)
	agents := pipeline.AgentPolicy{
		DefaultName: cfg.DefaultAgentName,
		LegacyName:  cfg.LegacyAgentName,
		Cutover:     cfg.LegacyAgentCutover,
	}
	service := NewService(resolver, crm, recorder, agents, NewStats(), log)
	handler := NewHandler(service, cfg, val, trigger)

	return &Module{handler: handler, service: service}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "intake"
}

// Service exposes the intake service, mainly for tests and composition.
func (m *Module) Service() *Service {
	return m.service
}

// RegisterRoutes mounts the webhook and diagnostic routes. The rate limiter
// only guards the public webhook endpoint; diagnostics stay unthrottled so
// operators can always reach them.
func (m *Module) RegisterRoutes(engine *gin.Engine, webhookLimiter *httpkit.IPRateLimiter) {
	engine.GET("/", m.handler.HandleRoot)
	engine.GET("/health", m.handler.HandleHealth)
	engine.GET("/stats", m.handler.HandleStats)
	engine.GET("/debug/webhooks", m.handler.HandleDebugWebhooks)
	engine.GET("/debug/inspection", m.handler.HandleDebugInspection)

	webhook := engine.Group("/webhook")
	if webhookLimiter != nil {
		webhook.Use(webhookLimiter.RateLimit())
	}
	webhook.POST("/fub/stage-change", m.handler.HandleStageWebhook)

	engine.POST("/admin/reconcile", m.handler.HandleReconcile)
}
