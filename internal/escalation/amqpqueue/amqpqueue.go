// Package amqpqueue carries escalation tasks over RabbitMQ with bounded
// redelivery and a dead-letter queue.
package amqpqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/mailwarden/internal/escalation"
)

// RedeliveryHeader counts how many times a message was put back on the queue.
const RedeliveryHeader = "x-redelivery-count"

// DeadLetterQueue returns the dead-letter queue name for queue.
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Queue publishes tasks and consumes them into an escalation.Consumer.
type Queue struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger log.Logger
}

// Dial connects, declares the task and dead-letter queues and limits the
// channel to one unacknowledged delivery.
func Dial(url, queue string, logger log.Logger) (*Queue, error) {
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	if logger == nil {
		logger = log.Nop()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	for _, name := range []string{queue, DeadLetterQueue(queue)} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", name, err)
		}
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}

	return &Queue{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

// Close closes the channel and connection.
func (q *Queue) Close() error {
	return errors.Join(q.ch.Close(), q.conn.Close())
}

// Escalate publishes a task as a persistent message.
func (q *Queue) Escalate(ctx context.Context, task *escalation.Task) error {
	body, err := task.Encode()
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, newPublishing(body, 0)); err != nil {
		return fmt.Errorf("publish task %s: %w", task.EmailID, err)
	}
	q.logger.Info(ctx, "escalation task published", "email_id", task.EmailID, "queue", q.queue)
	return nil
}

// Consume settles deliveries through c until ctx is cancelled or the
// delivery channel closes.
func (q *Queue) Consume(ctx context.Context, c *escalation.Consumer) error {
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	q.logger.Info(ctx, "consuming escalation tasks", "queue", q.queue, "max_deliveries", c.MaxDeliveries())

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			if err := settle(ctx, q.ch, q.queue, c, &d); err != nil {
				q.logger.Error(ctx, err, "settle delivery failed", "delivery_tag", d.DeliveryTag)
			}
		}
	}
}

// settle handles one delivery. A retry is a republish with an incremented
// redelivery header followed by an ack, so the count survives broker restarts.
func settle(ctx context.Context, pub publisher, queue string, c *escalation.Consumer, d *amqp.Delivery) error {
	count := redeliveryCount(d.Headers)
	disp, _ := c.Settle(ctx, d.Body, count+1)

	var target string
	switch disp {
	case escalation.Ack:
		return d.Ack(false)
	case escalation.Retry:
		target = queue
		count++
	case escalation.DeadLetter:
		target = DeadLetterQueue(queue)
	}

	if err := pub.PublishWithContext(ctx, "", target, false, false, newPublishing(d.Body, count)); err != nil {
		// leave it to the broker to redeliver the original
		return errors.Join(fmt.Errorf("republish to %s: %w", target, err), d.Nack(false, true))
	}
	return d.Ack(false)
}

// newPublishing wraps a task body. Every publish, including a republish,
// gets its own time-ordered message id.
func newPublishing(body []byte, redeliveries int) amqp.Publishing {
	return amqp.Publishing{
		MessageId:    ulid.Make().String(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{RedeliveryHeader: int32(redeliveries)},
		Body:         body,
	}
}

func redeliveryCount(h amqp.Table) int {
	switch v := h[RedeliveryHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}
