package api

import (
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"argus-logs/internal/alerting"
	"argus-logs/internal/domain"
)

// defaultListLimit applies when a list request sets no limit.
const defaultListLimit = 100

// AlertHandler handles HTTP requests for alert operations.
type AlertHandler struct {
	engine *alerting.Engine
	logger *slog.Logger
}

// NewAlertHandler creates a new alert handler.
func NewAlertHandler(engine *alerting.Engine, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{
		engine: engine,
		logger: logger,
	}
}

// transitionRequest is the body of the lifecycle endpoints.
type transitionRequest struct {
	By    string `json:"by"`
	Notes string `json:"notes"`
}

// List handles GET /v1/alerts
// Returns alerts matching query parameters.
func (h *AlertHandler) List(c *fiber.Ctx) error {
	filter := domain.AlertFilter{
		RuleID:      c.Query("rule_id"),
		TriggeredBy: c.Query("triggered_by"),
	}

	// Parse status filter, a comma-separated list
	if status := c.Query("status"); status != "" {
		for _, s := range strings.Split(status, ",") {
			parsed, err := domain.ParseAlertStatus(s)
			if err != nil {
				return DomainError(c, err)
			}
			filter.Statuses = append(filter.Statuses, parsed)
		}
	}
	if severity := c.Query("severity"); severity != "" {
		parsed, err := domain.ParseSeverity(severity)
		if err != nil {
			return DomainError(c, err)
		}
		filter.Severity = parsed
	}

	// Parse pagination
	if l := c.QueryInt("limit"); l > 0 {
		filter.Limit = l
	}
	if o := c.QueryInt("offset"); o > 0 {
		filter.Offset = o
	}

	// Default limit if not specified
	if filter.Limit == 0 {
		filter.Limit = defaultListLimit
	}

	alerts, err := h.engine.List(c.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list alerts", "error", err)
		return DomainError(c, err)
	}

	return Success(c, alerts)
}

// Get handles GET /v1/alerts/:id
func (h *AlertHandler) Get(c *fiber.Ctx) error {
	alert, err := h.engine.Get(c.Context(), c.Params("id"))
	if err != nil {
		return DomainError(c, err)
	}
	return Success(c, alert)
}

// Open handles GET /v1/alerts/open
func (h *AlertHandler) Open(c *fiber.Ctx) error {
	alerts, err := h.engine.ListOpen(c.Context())
	if err != nil {
		return DomainError(c, err)
	}
	return Success(c, alerts)
}

// PendingNotifications handles GET /v1/alerts/pending-notifications
func (h *AlertHandler) PendingNotifications(c *fiber.Ctx) error {
	alerts, err := h.engine.ListPendingNotifications(c.Context())
	if err != nil {
		return DomainError(c, err)
	}
	return Success(c, alerts)
}

// Escalations handles GET /v1/alerts/escalations
func (h *AlertHandler) Escalations(c *fiber.Ctx) error {
	escalations, err := h.engine.ListEscalations(c.Context())
	if err != nil {
		return DomainError(c, err)
	}
	return Success(c, escalations)
}

// Trigger handles POST /v1/alerts/trigger
// Applies a trigger synchronously and returns the resulting alert.
func (h *AlertHandler) Trigger(c *fiber.Ctx) error {
	var req domain.TriggerRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Debug("failed to parse trigger body", "error", err)
		return BadRequest(c, "invalid request body")
	}

	alert, err := h.engine.Trigger(c.Context(), &req)
	if err != nil {
		return DomainError(c, err)
	}
	return Success(c, alert)
}

// transition parses the optional body and applies fn to the alert in the path.
func (h *AlertHandler) transition(c *fiber.Ctx, fn func(id string, req *transitionRequest) (*domain.Alert, error)) error {
	var req transitionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return BadRequest(c, "invalid request body")
		}
	}

	alert, err := fn(c.Params("id"), &req)
	if err != nil {
		return DomainError(c, err)
	}
	return Success(c, alert)
}

// Acknowledge handles POST /v1/alerts/:id/acknowledge
func (h *AlertHandler) Acknowledge(c *fiber.Ctx) error {
	return h.transition(c, func(id string, req *transitionRequest) (*domain.Alert, error) {
		return h.engine.Acknowledge(c.Context(), id, req.By)
	})
}

// Resolve handles POST /v1/alerts/:id/resolve
func (h *AlertHandler) Resolve(c *fiber.Ctx) error {
	return h.transition(c, func(id string, req *transitionRequest) (*domain.Alert, error) {
		return h.engine.Resolve(c.Context(), id, req.By, req.Notes)
	})
}

// Close handles POST /v1/alerts/:id/close
func (h *AlertHandler) Close(c *fiber.Ctx) error {
	return h.transition(c, func(id string, req *transitionRequest) (*domain.Alert, error) {
		return h.engine.Close(c.Context(), id, req.By)
	})
}

// Suppress handles POST /v1/alerts/:id/suppress
func (h *AlertHandler) Suppress(c *fiber.Ctx) error {
	return h.transition(c, func(id string, req *transitionRequest) (*domain.Alert, error) {
		return h.engine.Suppress(c.Context(), id, req.By)
	})
}
