// Package alerting implements the alert lifecycle: trigger deduplication,
// operator transitions, notification and escalation bookkeeping, and
// retention of finished alerts.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"argus-logs/internal/config"
	"argus-logs/internal/domain"
	"argus-logs/internal/metrics"
	"argus-logs/internal/store"
)

const defaultRetryBackoff = 10 * time.Millisecond

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Engine applies triggers and transitions to alerts held in an
// AlertRepository. It is safe for concurrent use.
type Engine struct {
	repo   store.AlertRepository
	locker store.KeyLocker
	cfg    config.AlertsConfig
	now    Clock
	logger *slog.Logger

	// retryBackoff is the base wait between conflicting write attempts
	retryBackoff time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for every timestamp the engine writes.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.now = c
	}
}

// WithRetryBackoff sets the base wait between conflicting write attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(e *Engine) {
		e.retryBackoff = d
	}
}

// NewEngine creates an alert engine.
func NewEngine(repo store.AlertRepository, locker store.KeyLocker, cfg *config.AlertsConfig, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		repo:         repo,
		locker:       locker,
		cfg:          *cfg,
		now:          time.Now,
		logger:       logger,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.TriggerMaxRetries < 1 {
		e.cfg.TriggerMaxRetries = 1
	}
	return e
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// triggerKey is the lock key for a rule and source. The length prefix keeps
// distinct pairs from mapping to the same key.
func triggerKey(ruleID, source string) string {
	return fmt.Sprintf("trigger:%d:%s:%s", len(ruleID), ruleID, source)
}

// Trigger folds a trigger into the OPEN alert for its rule and source, or
// opens a new alert when there is none.
func (e *Engine) Trigger(ctx context.Context, req *domain.TriggerRequest) (*domain.Alert, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		metrics.AlertTriggerLatency.Observe(time.Since(start).Seconds())
	}()

	unlock, err := e.locker.Lock(ctx, triggerKey(req.RuleID, req.Source))
	if err != nil {
		return nil, domain.Unavailable("acquire trigger lock", err)
	}
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < e.cfg.TriggerMaxRetries; attempt++ {
		if attempt > 0 {
			metrics.AlertTriggerConflictsTotal.Inc()
			if err := e.backoff(ctx, attempt); err != nil {
				return nil, domain.Unavailable("trigger alert", err)
			}
		}

		alert, created, err := e.triggerOnce(ctx, req)
		if err == nil {
			result := "deduplicated"
			if created {
				result = "created"
			}
			metrics.AlertsTriggeredTotal.WithLabelValues(string(req.Severity), result).Inc()
			e.logger.Info("alert triggered",
				"alert_id", alert.ID,
				"rule_id", alert.RuleID,
				"triggered_by", alert.TriggeredBy,
				"severity", alert.Severity,
				"trigger_count", alert.TriggerCount,
				"created", created,
			)
			return alert, nil
		}
		if !domain.IsKind(err, domain.KindConflict) {
			return nil, err
		}

		lastErr = err
		e.logger.Debug("trigger conflict, retrying",
			"rule_id", req.RuleID,
			"source", req.Source,
			"attempt", attempt+1,
			"error", err,
		)
	}

	e.logger.Warn("trigger retries exhausted",
		"rule_id", req.RuleID,
		"source", req.Source,
		"error", lastErr,
	)
	return nil, domain.Conflict(domain.CodeAlertConflict, "trigger retries exhausted", lastErr)
}

func (e *Engine) triggerOnce(ctx context.Context, req *domain.TriggerRequest) (*domain.Alert, bool, error) {
	now := e.clock()

	existing, err := e.repo.FindOpen(ctx, req.RuleID, req.Source)
	if err == nil {
		existing.Recur(req, now)
		if err := e.repo.Update(ctx, existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrAlertNotFound) {
		return nil, false, err
	}

	alert := domain.NewAlert(uuid.New().String(), req, now)
	if err := e.repo.Create(ctx, alert); err != nil {
		return nil, false, err
	}
	return alert, true, nil
}

// backoff waits attempt times the base backoff or until ctx is done.
func (e *Engine) backoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(time.Duration(attempt) * e.retryBackoff)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// update loads an alert, applies fn and writes it back, reloading and
// reapplying when a concurrent write wins.
func (e *Engine) update(ctx context.Context, id string, fn func(*domain.Alert, time.Time) error) (*domain.Alert, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.TriggerMaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return nil, domain.Unavailable("update alert", err)
			}
		}

		alert, err := e.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(alert, e.clock()); err != nil {
			return nil, err
		}

		err = e.repo.Update(ctx, alert)
		if err == nil {
			return alert, nil
		}
		if !domain.IsKind(err, domain.KindConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, domain.Conflict(domain.CodeAlertConflict, "alert update retries exhausted", lastErr)
}

func (e *Engine) transition(ctx context.Context, id string, fn func(*domain.Alert, time.Time) error) (*domain.Alert, error) {
	alert, err := e.update(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	metrics.AlertTransitionsTotal.WithLabelValues(string(alert.Status)).Inc()
	e.logger.Info("alert transitioned",
		"alert_id", alert.ID,
		"status", alert.Status,
	)
	return alert, nil
}

// Acknowledge moves an OPEN alert to ACKNOWLEDGED.
func (e *Engine) Acknowledge(ctx context.Context, id, who string) (*domain.Alert, error) {
	return e.transition(ctx, id, func(a *domain.Alert, now time.Time) error {
		return a.Acknowledge(who, now)
	})
}

// Resolve moves an OPEN or ACKNOWLEDGED alert to RESOLVED.
func (e *Engine) Resolve(ctx context.Context, id, who, notes string) (*domain.Alert, error) {
	return e.transition(ctx, id, func(a *domain.Alert, now time.Time) error {
		return a.Resolve(who, notes, now)
	})
}

// Close moves a RESOLVED alert to CLOSED.
func (e *Engine) Close(ctx context.Context, id, who string) (*domain.Alert, error) {
	return e.transition(ctx, id, func(a *domain.Alert, now time.Time) error {
		return a.Close(who, now)
	})
}

// Suppress moves an OPEN alert to SUPPRESSED.
func (e *Engine) Suppress(ctx context.Context, id, who string) (*domain.Alert, error) {
	return e.transition(ctx, id, func(a *domain.Alert, now time.Time) error {
		return a.Suppress(who, now)
	})
}

// Get returns an alert by id.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Alert, error) {
	return e.repo.GetByID(ctx, id)
}

// List returns alerts matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	return e.repo.List(ctx, filter)
}

// ListOpen returns every OPEN alert.
func (e *Engine) ListOpen(ctx context.Context) ([]*domain.Alert, error) {
	return e.repo.List(ctx, domain.AlertFilter{
		Statuses: []domain.AlertStatus{domain.AlertStatusOpen},
	})
}

// ListPendingNotifications returns active alerts that were never delivered
// and have attempts left.
func (e *Engine) ListPendingNotifications(ctx context.Context) ([]*domain.Alert, error) {
	return e.repo.List(ctx, domain.AlertFilter{
		Statuses:            []domain.AlertStatus{domain.AlertStatusOpen, domain.AlertStatusAcknowledged},
		NotificationPending: true,
		MaxAttempts:         e.cfg.NotificationRetryLimit,
	})
}

// ListEscalations returns CRITICAL alerts left unacknowledged past their
// threshold and acknowledged alerts left unresolved past theirs.
func (e *Engine) ListEscalations(ctx context.Context) ([]domain.Escalation, error) {
	now := e.clock()

	criticalBefore := now.Add(-e.cfg.UnacknowledgedCriticalThreshold)
	critical, err := e.repo.List(ctx, domain.AlertFilter{
		Statuses:       []domain.AlertStatus{domain.AlertStatusOpen},
		Severity:       domain.SeverityCritical,
		Unacknowledged: true,
		CreatedBefore:  &criticalBefore,
	})
	if err != nil {
		return nil, err
	}

	staleBefore := now.Add(-e.cfg.StaleAcknowledgedThreshold)
	stale, err := e.repo.List(ctx, domain.AlertFilter{
		Statuses:           []domain.AlertStatus{domain.AlertStatusAcknowledged},
		AcknowledgedBefore: &staleBefore,
		Unresolved:         true,
	})
	if err != nil {
		return nil, err
	}

	escalations := make([]domain.Escalation, 0, len(critical)+len(stale))
	for _, a := range critical {
		escalations = append(escalations, domain.Escalation{Alert: a, Reason: domain.EscalationUnacknowledgedCritical})
	}
	for _, a := range stale {
		escalations = append(escalations, domain.Escalation{Alert: a, Reason: domain.EscalationStaleAcknowledged})
	}
	return escalations, nil
}

// RecordNotificationResult applies the outcome of a notification attempt.
func (e *Engine) RecordNotificationResult(ctx context.Context, id string, delivered bool) (*domain.Alert, error) {
	alert, err := e.update(ctx, id, func(a *domain.Alert, now time.Time) error {
		a.RecordNotificationAttempt(delivered, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("notification result recorded",
		"alert_id", id,
		"delivered", delivered,
		"attempts", alert.NotificationAttempts,
	)
	return alert, nil
}

// RecordEscalation notes that an alert was escalated.
func (e *Engine) RecordEscalation(ctx context.Context, id string) (*domain.Alert, error) {
	return e.update(ctx, id, func(a *domain.Alert, now time.Time) error {
		a.RecordEscalation(now)
		return nil
	})
}

// PurgeExpired deletes RESOLVED and CLOSED alerts last updated longer ago
// than the retention period.
func (e *Engine) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := e.clock().Add(-e.cfg.Retention)
	deleted, err := e.repo.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.RetentionDeletedTotal.WithLabelValues("alerts").Add(float64(deleted))
	if deleted > 0 {
		e.logger.Info("purged expired alerts", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// NotificationRetryLimit returns the configured delivery attempt bound.
func (e *Engine) NotificationRetryLimit() int {
	return e.cfg.NotificationRetryLimit
}
