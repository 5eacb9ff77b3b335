// Package kafka provides Kafka-backed queue producers and consumers for
// the trigger and notification topics.
package kafka

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"argus-logs/internal/config"
	"argus-logs/internal/metrics"
	"argus-logs/internal/queue"
)

// Producer implements queue.Producer using Kafka. Messages are hash
// partitioned by key, so the triggers of one rule and source share a
// partition and are applied in publish order.
type Producer struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer creates a new Kafka producer for a topic.
func NewProducer(cfg *config.KafkaConfig, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &Producer{
		writer: writer,
		topic:  topic,
	}
}

// Publish writes msg and waits for the partition leader to acknowledge it.
func (p *Producer) Publish(ctx context.Context, msg *queue.Message) error {
	start := time.Now()
	if err := p.writer.WriteMessages(ctx, toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("failed to write message to %s: %w", p.topic, err)
	}
	metrics.QueuePublishLatency.WithLabelValues(p.topic).Observe(time.Since(start).Seconds())
	return nil
}

// toKafkaMessage converts msg, emitting headers in key order.
func toKafkaMessage(msg *queue.Message) kafka.Message {
	out := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
	}
	if len(msg.Headers) == 0 {
		return out
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out.Headers = make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out.Headers = append(out.Headers, kafka.Header{Key: k, Value: []byte(msg.Headers[k])})
	}
	return out
}

// Close flushes pending writes and closes the Kafka writer.
func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
