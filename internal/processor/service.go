// Package processor consumes trigger events from the trigger queue and
// applies them to the alert lifecycle engine.
package processor

import (
	"context"
	"log/slog"
	"time"

	"argus-logs/internal/domain"
	"argus-logs/internal/metrics"
	"argus-logs/internal/queue"
)

const (
	topicTriggers = "triggers"

	defaultMaxAttempts  = 5
	defaultRetryBackoff = 200 * time.Millisecond
)

// Triggerer applies a trigger to the alert store.
type Triggerer interface {
	Trigger(ctx context.Context, req *domain.TriggerRequest) (*domain.Alert, error)
}

// Service processes trigger events from the queue.
// It is responsible for:
// - Consuming trigger events from the message queue
// - Dropping malformed or invalid events without redelivery
// - Handing valid triggers to the alert engine, retrying while the
//   backend is unavailable
type Service struct {
	consumer queue.Consumer
	engine   Triggerer
	logger   *slog.Logger

	maxAttempts  int
	retryBackoff time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithRetry sets how many times a trigger is attempted while the backend
// is unavailable and the base wait between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
		s.retryBackoff = backoff
	}
}

// NewService creates a new processor service.
func NewService(consumer queue.Consumer, engine Triggerer, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		consumer:     consumer,
		engine:       engine,
		logger:       logger,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins consuming trigger events and processing them.
// This is a blocking call that runs until the context is canceled.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting trigger processor")
	return s.consumer.Start(ctx, s.handleMessage)
}

// Stop closes the consumer.
func (s *Service) Stop() error {
	return s.consumer.Close()
}

// handleMessage is the callback for processing each message from the queue.
func (s *Service) handleMessage(ctx context.Context, msg *queue.Message) error {
	var req domain.TriggerRequest
	if err := queue.Decode(msg, &req); err != nil {
		s.logger.Error("failed to deserialize trigger", "error", err)
		metrics.MessagesProcessedTotal.WithLabelValues(topicTriggers, "malformed").Inc()
		// Return nil to avoid reprocessing malformed messages
		return nil
	}

	s.logger.Debug("processing trigger",
		"rule_id", req.RuleID,
		"source", req.Source,
		"severity", req.Severity,
	)

	alert, err := s.trigger(ctx, &req)
	if err != nil {
		if domain.IsKind(err, domain.KindValidation) {
			s.logger.Warn("dropping invalid trigger",
				"rule_id", req.RuleID,
				"source", req.Source,
				"error", err,
			)
			metrics.MessagesProcessedTotal.WithLabelValues(topicTriggers, "invalid").Inc()
			return nil
		}
		metrics.MessagesProcessedTotal.WithLabelValues(topicTriggers, "error").Inc()
		return err
	}

	metrics.MessagesProcessedTotal.WithLabelValues(topicTriggers, "ok").Inc()
	fields := []any{
		"alert_id", alert.ID,
		"trigger_count", alert.TriggerCount,
	}
	if at := queue.PublishedAt(msg); !at.IsZero() {
		fields = append(fields, "queue_delay", time.Since(at))
	}
	s.logger.Debug("trigger applied", fields...)
	return nil
}

// trigger applies req, retrying with a linear backoff while the backend
// reports itself unavailable.
func (s *Service) trigger(ctx context.Context, req *domain.TriggerRequest) (*domain.Alert, error) {
	for attempt := 1; ; attempt++ {
		alert, err := s.engine.Trigger(ctx, req)
		if err == nil || !domain.IsKind(err, domain.KindBackendUnavailable) || attempt >= s.maxAttempts {
			return alert, err
		}

		s.logger.Warn("backend unavailable, retrying trigger",
			"rule_id", req.RuleID,
			"source", req.Source,
			"attempt", attempt,
			"error", err,
		)
		metrics.MessagesProcessedTotal.WithLabelValues(topicTriggers, "retried").Inc()

		t := time.NewTimer(time.Duration(attempt) * s.retryBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, err
		case <-t.C:
		}
	}
}
