package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"argus-logs/internal/config"
	"argus-logs/internal/metrics"
	"argus-logs/internal/queue"
)

const (
	minRedeliveryBackoff = 100 * time.Millisecond
	maxRedeliveryBackoff = 30 * time.Second
)

// Consumer implements queue.Consumer using Kafka. Offsets are committed
// only after the handler accepts a message, so a message whose handler
// keeps failing is retried in place and redelivered after a restart.
type Consumer struct {
	reader *kafka.Reader
	topic  string
	logger *slog.Logger

	// backoff bounds the wait between attempts of a failing message
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewConsumer creates a new Kafka consumer for a topic in the configured group.
func NewConsumer(cfg *config.KafkaConfig, topic string, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    topic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{
		reader:     reader,
		topic:      topic,
		logger:     logger.With("topic", topic, "group", cfg.ConsumerGroup),
		minBackoff: minRedeliveryBackoff,
		maxBackoff: maxRedeliveryBackoff,
	}
}

// Start fetches messages and hands each one to handler in partition order.
func (c *Consumer) Start(ctx context.Context, handler queue.MessageHandler) error {
	c.logger.Info("starting kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("kafka consumer stopping due to context cancellation")
				return ctx.Err()
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}

		if err := c.process(ctx, handler, msg); err != nil {
			// Uncommitted; the group redelivers it on the next start
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

// process runs handler until it accepts msg or ctx ends. Handlers drop
// messages that can never succeed themselves, so an error here is
// transient and the message is worth another attempt.
func (c *Consumer) process(ctx context.Context, handler queue.MessageHandler, msg kafka.Message) error {
	queueMsg := toQueueMessage(msg)
	backoff := c.minBackoff

	for {
		err := handler(ctx, queueMsg)
		if err == nil {
			return nil
		}

		c.logger.Error("failed to process message, retrying",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"backoff", backoff,
		)
		metrics.MessagesRedeliveredTotal.WithLabelValues(c.topic).Inc()

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

// toQueueMessage converts a fetched Kafka message.
func toQueueMessage(msg kafka.Message) *queue.Message {
	out := &queue.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: make(map[string]string, len(msg.Headers)),
	}
	for _, h := range msg.Headers {
		out.Headers[h.Key] = string(h.Value)
	}
	return out
}

// Close closes the Kafka reader.
func (c *Consumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
