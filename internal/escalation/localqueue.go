package escalation

import (
	"context"
	"fmt"
	"sync"
)

// LocalQueue delivers published tasks straight to a Consumer in-process.
// It applies the same bounded redelivery as the broker-backed queue and keeps
// dead-lettered payloads in memory.
type LocalQueue struct {
	consumer *Consumer

	mu   sync.Mutex
	dead [][]byte
}

// NewLocalQueue wires a publisher to the given consumer.
func NewLocalQueue(consumer *Consumer) *LocalQueue {
	return &LocalQueue{consumer: consumer}
}

// Escalate publishes a task.
func (q *LocalQueue) Escalate(ctx context.Context, task *Task) error {
	body, err := task.Encode()
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return q.Publish(ctx, body)
}

// Publish delivers a raw payload, redelivering until it is acked or dead-lettered.
func (q *LocalQueue) Publish(ctx context.Context, body []byte) error {
	for attempt := 1; ; attempt++ {
		d, err := q.consumer.Settle(ctx, body, attempt)
		switch d {
		case Ack:
			return nil
		case DeadLetter:
			q.mu.Lock()
			q.dead = append(q.dead, append([]byte(nil), body...))
			q.mu.Unlock()
			return fmt.Errorf("task dead-lettered after %d attempts: %w", attempt, err)
		case Retry:
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// DeadLetters returns copies of dead-lettered payloads.
func (q *LocalQueue) DeadLetters() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.dead))
	for i, b := range q.dead {
		out[i] = append([]byte(nil), b...)
	}
	return out
}
