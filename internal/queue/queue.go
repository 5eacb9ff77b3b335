// Package queue defines interfaces for message queue operations and the
// payloads exchanged over the trigger and notification topics.
// This abstraction allows swapping implementations (Kafka, in-memory)
// without changing business logic.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"argus-logs/internal/domain"
)

// Message represents a message in the queue.
type Message struct {
	// Key is the partition key for ordering guarantees.
	Key []byte

	// Value is the message payload.
	Value []byte

	// Headers contains optional metadata.
	Headers map[string]string
}

// HeaderPublishedAt carries the publish time in RFC3339Nano.
const HeaderPublishedAt = "published_at"

// Producer defines the interface for publishing messages to a queue.
// Implementations must be safe for concurrent use.
type Producer interface {
	// Publish sends a message to the queue.
	// The key is used for partitioning - messages with the same key
	// are guaranteed to be processed in order.
	Publish(ctx context.Context, msg *Message) error

	// Close releases any resources held by the producer.
	Close() error
}

// MessageHandler is a callback function for processing consumed messages.
// Return an error to indicate processing failure (implementation may retry).
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer defines the interface for consuming messages from a queue.
type Consumer interface {
	// Start begins consuming messages and calls the handler for each one.
	// This is a blocking call that runs until the context is canceled
	// or an unrecoverable error occurs.
	Start(ctx context.Context, handler MessageHandler) error

	// Close stops consuming and releases any resources.
	Close() error
}

// JobKind says what the dispatcher should do with an alert.
type JobKind string

const (
	JobNotify   JobKind = "notify"
	JobEscalate JobKind = "escalate"
)

// NotificationJob is published by the scanner and consumed by the dispatcher.
type NotificationJob struct {
	Kind    JobKind                 `json:"kind"`
	AlertID string                  `json:"alert_id"`
	Reason  domain.EscalationReason `json:"reason,omitempty"`
}

// PartitionKey generates a deterministic partition key for a rule and
// source, so triggers for the same alert key are consumed in order.
//
// Format: hash(rule_id + source)
func PartitionKey(ruleID, source string) string {
	input := ruleID + ":" + source
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:8]) // Use first 8 bytes (16 hex chars) for brevity
}

// NewTriggerMessage encodes a trigger request keyed by its rule and source.
func NewTriggerMessage(req *domain.TriggerRequest) (*Message, error) {
	return newMessage(PartitionKey(req.RuleID, req.Source), req, map[string]string{
		"rule_id": req.RuleID,
		"source":  req.Source,
	})
}

// NewJobMessage encodes a notification job keyed by its alert.
func NewJobMessage(job *NotificationJob) (*Message, error) {
	return newMessage(job.AlertID, job, map[string]string{
		"kind": string(job.Kind),
	})
}

func newMessage(key string, v interface{}, headers map[string]string) (*Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	headers[HeaderPublishedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	return &Message{Key: []byte(key), Value: payload, Headers: headers}, nil
}

// Decode unmarshals a message payload.
func Decode(msg *Message, v interface{}) error {
	if err := json.Unmarshal(msg.Value, v); err != nil {
		return fmt.Errorf("failed to deserialize message: %w", err)
	}
	return nil
}

// PublishedAt returns the publish time header, or the zero time.
func PublishedAt(msg *Message) time.Time {
	t, err := time.Parse(time.RFC3339Nano, msg.Headers[HeaderPublishedAt])
	if err != nil {
		return time.Time{}
	}
	return t
}
