// Package notification delivers alert notifications and escalations.
// A Dispatcher consumes jobs from the notification queue and hands them to
// a Notifier: the log notifier for development or the webhook notifier.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"argus-logs/internal/domain"
)

// Payload represents the data sent in webhook notifications.
type Payload struct {
	Type            string                  `json:"type"`
	AlertID         string                  `json:"alert_id"`
	RuleID          string                  `json:"rule_id"`
	TriggeredBy     string                  `json:"triggered_by"`
	Title           string                  `json:"title"`
	Message         string                  `json:"message,omitempty"`
	Severity        string                  `json:"severity"`
	Status          string                  `json:"status"`
	TriggerCount    int                     `json:"trigger_count"`
	Reason          domain.EscalationReason `json:"reason,omitempty"`
	FirstOccurrence time.Time               `json:"first_occurrence"`
	LastOccurrence  time.Time               `json:"last_occurrence"`
	Timestamp       time.Time               `json:"timestamp"`
}

// Notifier defines the interface for sending alert notifications.
type Notifier interface {
	// Notify announces an alert that has not been delivered yet.
	Notify(ctx context.Context, alert *domain.Alert) error

	// Escalate announces an alert that needs operator attention.
	Escalate(ctx context.Context, alert *domain.Alert, reason domain.EscalationReason) error
}

// LogNotifier is a Notifier that only logs notifications.
// It is used when no webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a new log notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{
		logger: logger,
	}
}

// Notify logs a notification for an alert.
func (n *LogNotifier) Notify(ctx context.Context, alert *domain.Alert) error {
	payload := buildPayload("notify", alert, "")

	n.logger.Info("STUB: would send alert notification",
		"alertID", payload.AlertID,
		"ruleID", payload.RuleID,
		"triggeredBy", payload.TriggeredBy,
		"title", payload.Title,
		"severity", payload.Severity,
	)
	return nil
}

// Escalate logs an escalation for an alert.
func (n *LogNotifier) Escalate(ctx context.Context, alert *domain.Alert, reason domain.EscalationReason) error {
	payload := buildPayload("escalate", alert, reason)

	n.logger.Warn("STUB: would send alert escalation",
		"alertID", payload.AlertID,
		"ruleID", payload.RuleID,
		"triggeredBy", payload.TriggeredBy,
		"reason", payload.Reason,
		"status", payload.Status,
	)
	return nil
}

// WebhookNotifier posts JSON payloads to a webhook URL.
type WebhookNotifier struct {
	url     string
	timeout time.Duration
}

// NewWebhookNotifier creates a webhook notifier. Requests without a
// context deadline are bounded by timeout.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{url: url, timeout: timeout}
}

// Notify posts a notify payload.
func (n *WebhookNotifier) Notify(ctx context.Context, alert *domain.Alert) error {
	return n.post(ctx, buildPayload("notify", alert, ""))
}

// Escalate posts an escalate payload.
func (n *WebhookNotifier) Escalate(ctx context.Context, alert *domain.Alert, reason domain.EscalationReason) error {
	return n.post(ctx, buildPayload("escalate", alert, reason))
}

func (n *WebhookNotifier) post(ctx context.Context, payload *Payload) error {
	timeout := n.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return fmt.Errorf("failed to send webhook: %w", context.DeadlineExceeded)
	}

	agent := fiber.Post(n.url).JSON(payload).Timeout(timeout)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("failed to send webhook: %w", errs[0])
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", code, truncate(body, 256))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// buildPayload creates a notification payload from an alert.
func buildPayload(kind string, alert *domain.Alert, reason domain.EscalationReason) *Payload {
	return &Payload{
		Type:            kind,
		AlertID:         alert.ID,
		RuleID:          alert.RuleID,
		TriggeredBy:     alert.TriggeredBy,
		Title:           alert.Title,
		Message:         alert.Message,
		Severity:        string(alert.Severity),
		Status:          string(alert.Status),
		TriggerCount:    alert.TriggerCount,
		Reason:          reason,
		FirstOccurrence: alert.FirstOccurrence,
		LastOccurrence:  alert.LastOccurrence,
		Timestamp:       time.Now().UTC(),
	}
}
