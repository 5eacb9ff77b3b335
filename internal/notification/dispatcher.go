package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"argus-logs/internal/config"
	"argus-logs/internal/domain"
	"argus-logs/internal/metrics"
	"argus-logs/internal/queue"
)

const topicNotifications = "notifications"

// AlertBook is the part of the alert engine the dispatcher needs.
type AlertBook interface {
	Get(ctx context.Context, id string) (*domain.Alert, error)
	RecordNotificationResult(ctx context.Context, id string, delivered bool) (*domain.Alert, error)
	NotificationRetryLimit() int
}

// Dispatcher consumes notification jobs and delivers them through a
// Notifier at a bounded rate. Outcomes of notify jobs are reported back
// to the alert engine.
type Dispatcher struct {
	consumer queue.Consumer
	alerts   AlertBook
	notifier Notifier
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *slog.Logger

	// backoff is the minimum gap between notify attempts for one alert
	backoff time.Duration
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNotificationBackoff skips notify jobs for alerts attempted less
// than d ago. Jobs queued by consecutive scans while the dispatcher lags
// would otherwise spend every attempt back to back.
func WithNotificationBackoff(d time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.backoff = d
	}
}

// WithClock sets the time source compared against the last attempt.
func WithClock(now func() time.Time) Option {
	return func(disp *Dispatcher) {
		disp.now = now
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(consumer queue.Consumer, alerts AlertBook, notifier Notifier, cfg *config.NotificationConfig, logger *slog.Logger, opts ...Option) *Dispatcher {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	d := &Dispatcher{
		consumer: consumer,
		alerts:   alerts,
		notifier: notifier,
		limiter:  rate.NewLimiter(limit, burst),
		timeout:  cfg.Timeout,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start consumes notification jobs until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("starting notification dispatcher")
	return d.consumer.Start(ctx, d.handleMessage)
}

// Stop closes the consumer.
func (d *Dispatcher) Stop() error {
	return d.consumer.Close()
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg *queue.Message) error {
	var job queue.NotificationJob
	if err := queue.Decode(msg, &job); err != nil {
		d.logger.Error("failed to deserialize notification job", "error", err)
		metrics.MessagesProcessedTotal.WithLabelValues(topicNotifications, "malformed").Inc()
		// Return nil to avoid reprocessing malformed messages
		return nil
	}

	if err := d.Dispatch(ctx, &job); err != nil {
		metrics.MessagesProcessedTotal.WithLabelValues(topicNotifications, "error").Inc()
		return err
	}
	metrics.MessagesProcessedTotal.WithLabelValues(topicNotifications, "ok").Inc()
	return nil
}

// Dispatch delivers one job. Jobs for alerts that are gone or no longer
// eligible are skipped, as are notify jobs inside the retry backoff.
// Jobs are applied one at a time by the consumer, and the alert is
// re-read here, so a duplicate job sees the outcome of the one before it.
func (d *Dispatcher) Dispatch(ctx context.Context, job *queue.NotificationJob) error {
	alert, err := d.alerts.Get(ctx, job.AlertID)
	if err != nil {
		if errors.Is(err, domain.ErrAlertNotFound) {
			d.skip(job, "alert not found")
			return nil
		}
		return err
	}

	switch job.Kind {
	case queue.JobNotify:
		if !alert.NeedsNotification(d.alerts.NotificationRetryLimit()) {
			d.skip(job, "alert no longer needs notification")
			return nil
		}
		if d.inBackoff(alert) {
			d.skip(job, "notification backoff")
			return nil
		}
	case queue.JobEscalate:
		if !alert.IsActive() {
			d.skip(job, "alert no longer active")
			return nil
		}
	default:
		d.skip(job, "unknown job kind")
		return nil
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	deliverErr := d.deliver(ctx, job, alert)
	status := "success"
	if deliverErr != nil {
		status = "failure"
		d.logger.Warn("notification delivery failed",
			"kind", job.Kind,
			"alert_id", alert.ID,
			"error", deliverErr,
		)
	}
	metrics.NotificationsSentTotal.WithLabelValues(string(job.Kind), status).Inc()

	if job.Kind != queue.JobNotify {
		return nil
	}

	// Track notification latency (time from alert creation to notification dispatch)
	if deliverErr == nil && !alert.CreatedAt.IsZero() {
		metrics.NotificationLatency.Observe(time.Since(alert.CreatedAt).Seconds())
	}

	updated, err := d.alerts.RecordNotificationResult(ctx, alert.ID, deliverErr == nil)
	if err != nil {
		d.logger.Error("failed to record notification result", "alert_id", alert.ID, "error", err)
		return err
	}
	d.logger.Debug("notification attempt recorded",
		"alert_id", updated.ID,
		"delivered", updated.NotificationSent,
		"attempts", updated.NotificationAttempts,
	)
	return nil
}

func (d *Dispatcher) inBackoff(alert *domain.Alert) bool {
	last := alert.LastNotificationAttempt
	return d.backoff > 0 && last != nil && d.now().UTC().Sub(*last) < d.backoff
}

func (d *Dispatcher) deliver(ctx context.Context, job *queue.NotificationJob, alert *domain.Alert) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if job.Kind == queue.JobEscalate {
		return d.notifier.Escalate(ctx, alert, job.Reason)
	}
	return d.notifier.Notify(ctx, alert)
}

func (d *Dispatcher) skip(job *queue.NotificationJob, reason string) {
	metrics.NotificationsSentTotal.WithLabelValues(string(job.Kind), "skipped").Inc()
	d.logger.Debug("skipping notification job",
		"kind", job.Kind,
		"alert_id", job.AlertID,
		"reason", reason,
	)
}
