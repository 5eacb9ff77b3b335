// Package ingest provides the log and trigger ingestion service.
// It validates and normalizes incoming log records before appending them
// to the log store, and publishes trigger requests to the trigger queue
// for asynchronous processing.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"argus-logs/internal/domain"
	"argus-logs/internal/metrics"
	"argus-logs/internal/queue"
	"argus-logs/internal/store"
)

// Service handles ingestion logic.
// It is responsible for:
// - Canonicalizing levels and deriving severity
// - Defaulting missing timestamps to ingestion time
// - Appending records to the log store
// - Publishing trigger requests to the trigger queue
type Service struct {
	logs     store.LogStore
	producer queue.Producer
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a new ingest service.
func NewService(logs store.LogStore, producer queue.Producer, logger *slog.Logger) *Service {
	return &Service{
		logs:     logs,
		producer: producer,
		now:      time.Now,
		logger:   logger,
	}
}

// ErrPublishFailed is returned when a trigger cannot be handed to the queue.
var ErrPublishFailed = &domain.Error{
	Kind:    domain.KindBackendUnavailable,
	Code:    domain.CodeBackendUnavailable,
	Message: "failed to publish trigger to queue",
}

// IngestLogs normalizes records and stores them in one batch.
// Either every record is stored or none is.
func (s *Service) IngestLogs(ctx context.Context, records []*domain.LogRecord) ([]*domain.LogRecord, error) {
	if len(records) == 0 {
		return nil, domain.Validationf(domain.CodeValidationFailed, "at least one log record is required")
	}

	now := s.now().UTC()
	for i, r := range records {
		if err := r.Normalize(now); err != nil {
			metrics.LogsIngestedTotal.WithLabelValues("invalid").Add(float64(len(records)))
			s.logger.Warn("rejected log record", "index", i, "error", err)
			return nil, withIndex(err, i, len(records))
		}
	}

	var (
		stored []*domain.LogRecord
		err    error
	)
	if len(records) == 1 {
		var r *domain.LogRecord
		r, err = s.logs.Put(ctx, records[0])
		if err == nil {
			stored = []*domain.LogRecord{r}
		}
	} else {
		stored, err = s.logs.PutBatch(ctx, records)
	}
	if err != nil {
		result := "error"
		if errors.Is(err, domain.ErrLogIDConflict) {
			result = "conflict"
		}
		metrics.LogsIngestedTotal.WithLabelValues(result).Add(float64(len(records)))
		s.logger.Error("failed to store log records", "count", len(records), "error", err)
		return nil, err
	}

	metrics.LogsIngestedTotal.WithLabelValues("stored").Add(float64(len(stored)))
	s.logger.Debug("log records stored", "count", len(stored))
	return stored, nil
}

// withIndex prefixes a validation message with the record position when
// the batch holds more than one record.
func withIndex(err error, i, n int) error {
	var e *domain.Error
	if n == 1 || !errors.As(err, &e) {
		return err
	}
	return &domain.Error{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: fmt.Sprintf("record %d: %s", i, e.Message),
		Err:     e.Err,
	}
}

// PublishTrigger validates a trigger request and publishes it to the
// trigger queue, keyed so triggers for one rule and source stay ordered.
func (s *Service) PublishTrigger(ctx context.Context, req *domain.TriggerRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	msg, err := queue.NewTriggerMessage(req)
	if err != nil {
		s.logger.Error("failed to serialize trigger", "error", err)
		return fmt.Errorf("failed to serialize trigger: %w", err)
	}

	if err := s.producer.Publish(ctx, msg); err != nil {
		s.logger.Error("failed to publish trigger",
			"error", err,
			"rule_id", req.RuleID,
			"source", req.Source,
		)
		return ErrPublishFailed
	}

	s.logger.Debug("trigger published to queue",
		"rule_id", req.RuleID,
		"source", req.Source,
		"partitionKey", string(msg.Key),
	)
	return nil
}
