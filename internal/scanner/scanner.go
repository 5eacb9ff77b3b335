// Package scanner runs the periodic passes of the alert pipeline: it
// publishes pending notifications and escalations to the notification
// queue and sweeps expired alerts and log records.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"argus-logs/internal/archive"
	"argus-logs/internal/config"
	"argus-logs/internal/domain"
	"argus-logs/internal/metrics"
	"argus-logs/internal/queue"
	"argus-logs/internal/store"
)

// Alerts is the part of the alert engine the scanner drives.
type Alerts interface {
	ListPendingNotifications(ctx context.Context) ([]*domain.Alert, error)
	ListEscalations(ctx context.Context) ([]domain.Escalation, error)
	RecordEscalation(ctx context.Context, id string) (*domain.Alert, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// Scanner is the single coordinator of periodic passes. Every pass works
// on a snapshot read and holds no lock while it runs.
type Scanner struct {
	alerts    Alerts
	producer  queue.Producer
	logs      store.LogStore
	archiver  *archive.Writer
	alertsCfg config.AlertsConfig
	retention config.RetentionConfig
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithClock sets the clock used for backoff and retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

// WithArchiver archives log records before the retention sweep deletes them.
func WithArchiver(w *archive.Writer) Option {
	return func(s *Scanner) {
		s.archiver = w
	}
}

// New creates a scanner.
func New(
	alerts Alerts,
	producer queue.Producer,
	logs store.LogStore,
	alertsCfg *config.AlertsConfig,
	retention *config.RetentionConfig,
	logger *slog.Logger,
	opts ...Option,
) *Scanner {
	s := &Scanner{
		alerts:    alerts,
		producer:  producer,
		logs:      logs,
		alertsCfg: *alertsCfg,
		retention: *retention,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the alert pass and the retention sweep and blocks until
// ctx is canceled. A pass still running when its next tick fires is skipped.
func (s *Scanner) Start(ctx context.Context) error {
	cl := cronLogger{s.logger}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))

	if _, err := c.AddFunc(every(s.alertsCfg.ScanInterval), func() {
		if err := s.ScanAlerts(ctx); err != nil {
			s.logger.Error("alert scan pass failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule alert scan: %w", err)
	}

	if _, err := c.AddFunc(every(s.retention.SweepInterval), func() {
		if err := s.SweepRetention(ctx); err != nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	s.logger.Info("starting scanner",
		"scan_interval", s.alertsCfg.ScanInterval,
		"sweep_interval", s.retention.SweepInterval,
	)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scanner stopped")
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// ScanAlerts runs one alert pass: alerts still waiting for a notification
// are published as notify jobs once their backoff has elapsed, and
// escalations are published and recorded at most once per repeat interval.
func (s *Scanner) ScanAlerts(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.ScanPassDuration.WithLabelValues("alerts").Observe(time.Since(start).Seconds())
	}()
	now := s.now().UTC()

	var errs []error

	pending, err := s.alerts.ListPendingNotifications(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending notifications: %w", err)
	}
	var notified int
	for _, a := range pending {
		if a.LastNotificationAttempt != nil && now.Sub(*a.LastNotificationAttempt) < s.alertsCfg.NotificationBackoff {
			continue
		}
		if err := s.publish(ctx, &queue.NotificationJob{Kind: queue.JobNotify, AlertID: a.ID}); err != nil {
			errs = append(errs, err)
			continue
		}
		notified++
	}

	escalations, err := s.alerts.ListEscalations(ctx)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to list escalations: %w", err))...)
	}
	var escalated int
	for _, e := range escalations {
		if last := e.Alert.LastEscalatedAt; last != nil && now.Sub(*last) < s.alertsCfg.EscalationRepeatInterval {
			continue
		}
		job := &queue.NotificationJob{Kind: queue.JobEscalate, AlertID: e.Alert.ID, Reason: e.Reason}
		if err := s.publish(ctx, job); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.alerts.RecordEscalation(ctx, e.Alert.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to record escalation of %s: %w", e.Alert.ID, err))
			continue
		}
		metrics.EscalationsTotal.WithLabelValues(string(e.Reason)).Inc()
		escalated++
	}

	s.logger.Debug("alert scan pass complete",
		"pending", len(pending),
		"notify_jobs", notified,
		"escalations", len(escalations),
		"escalate_jobs", escalated,
	)
	return errors.Join(errs...)
}

func (s *Scanner) publish(ctx context.Context, job *queue.NotificationJob) error {
	msg, err := queue.NewJobMessage(job)
	if err != nil {
		return err
	}
	if err := s.producer.Publish(ctx, msg); err != nil {
		s.logger.Error("failed to publish notification job",
			"kind", job.Kind,
			"alert_id", job.AlertID,
			"error", err,
		)
		return fmt.Errorf("failed to publish %s job for %s: %w", job.Kind, job.AlertID, err)
	}
	metrics.JobsPublishedTotal.WithLabelValues(string(job.Kind)).Inc()
	return nil
}

// SweepRetention purges expired alerts and, when log retention is set,
// archives and deletes log records older than the retention period.
// Records are not deleted when archiving them fails.
func (s *Scanner) SweepRetention(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.ScanPassDuration.WithLabelValues("retention").Observe(time.Since(start).Seconds())
	}()

	var errs []error
	if _, err := s.alerts.PurgeExpired(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to purge expired alerts: %w", err))
	}

	if s.retention.Logs <= 0 || s.logs == nil {
		return errors.Join(errs...)
	}
	cutoff := s.now().UTC().Add(-s.retention.Logs)

	if s.archiver != nil {
		scanner, ok := s.logs.(store.LogScanner)
		if !ok {
			errs = append(errs, errors.New("log store does not support archiving"))
			return errors.Join(errs...)
		}
		if _, _, err := s.archiver.Archive(ctx, scanner, cutoff); err != nil {
			errs = append(errs, fmt.Errorf("failed to archive log records: %w", err))
			return errors.Join(errs...)
		}
	}

	deleted, err := s.logs.DeleteBefore(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to delete log records: %w", err))
		return errors.Join(errs...)
	}
	metrics.RetentionDeletedTotal.WithLabelValues("logs").Add(float64(deleted))
	if deleted > 0 {
		s.logger.Info("deleted expired log records", "count", deleted, "cutoff", cutoff)
	}
	return errors.Join(errs...)
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
