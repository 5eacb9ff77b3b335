// Package memory provides an in-memory implementation of the queue interfaces.
// This is useful for testing and development without external dependencies.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"argus-logs/internal/metrics"
	"argus-logs/internal/queue"
)

// Queue is an in-memory implementation of both Producer and Consumer interfaces.
// Messages are stored in a channel, allowing for simple pub/sub within a process.
// This implementation is safe for concurrent use.
type Queue struct {
	topic     string
	messages  chan *queue.Message
	// done is closed by Close; messages itself is never closed so a
	// blocked publisher cannot race a close
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewQueue creates a new in-memory queue with the specified buffer size.
// The buffer size determines how many messages can be queued before
// Publish blocks (or fails if the context is canceled).
func NewQueue(topic string, bufferSize int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		topic:    topic,
		messages: make(chan *queue.Message, bufferSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Publish sends a message to the in-memory queue.
// This method blocks if the queue is full until space is available,
// the context is canceled or the queue is closed.
func (q *Queue) Publish(ctx context.Context, msg *queue.Message) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.messages <- msg:
		metrics.QueueDepth.WithLabelValues(q.topic).Set(float64(len(q.messages)))
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins consuming messages and calls the handler for each one.
// This blocks until the context is canceled or the queue is closed.
func (q *Queue) Start(ctx context.Context, handler queue.MessageHandler) error {
	q.wg.Add(1)
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			q.drain(ctx, handler)
			return nil
		case msg := <-q.messages:
			q.handle(ctx, handler, msg)
		}
	}
}

// drain hands the messages still buffered at close to the handler.
func (q *Queue) drain(ctx context.Context, handler queue.MessageHandler) {
	for {
		select {
		case msg := <-q.messages:
			q.handle(ctx, handler, msg)
		default:
			return
		}
	}
}

func (q *Queue) handle(ctx context.Context, handler queue.MessageHandler, msg *queue.Message) {
	metrics.QueueDepth.WithLabelValues(q.topic).Set(float64(len(q.messages)))

	// Handlers retry transient failures themselves; what still fails
	// here is dropped since there is no redelivery in memory
	if err := handler(ctx, msg); err != nil {
		q.logger.Error("failed to process message",
			"topic", q.topic,
			"key", string(msg.Key),
			"error", err,
		)
	}
}

// Close shuts down the queue, stopping all consumers and failing any
// publisher blocked on a full buffer with ErrQueueClosed.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
	return nil
}

// Len returns the current number of messages in the queue.
// Useful for testing to verify queue state.
func (q *Queue) Len() int {
	return len(q.messages)
}
