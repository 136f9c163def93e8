package escalation

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// DefaultMaxDeliveries bounds how often one message is attempted before it is dead-lettered.
const DefaultMaxDeliveries = 5

// Disposition is what a transport does with a message after handling it.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Retry redelivers the message.
	Retry
	// DeadLetter moves the message to the dead-letter destination.
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	}
	return fmt.Sprintf("disposition(%d)", int(d))
}

// Decide maps a handler result to a disposition. attempt is 1-based.
func Decide(err error, attempt, maxDeliveries int) Disposition {
	if err == nil {
		return Ack
	}
	if attempt < maxDeliveries {
		return Retry
	}
	return DeadLetter
}

// Consumer validates published tasks and upserts them into the Store.
type Consumer struct {
	store         Store
	logger        log.Logger
	maxDeliveries int
	onDisposition func(Disposition)
	onStored      func(context.Context, *Task)
}

// NewConsumer creates a consumer. maxDeliveries <= 0 selects DefaultMaxDeliveries.
func NewConsumer(store Store, logger log.Logger, maxDeliveries int) *Consumer {
	if store == nil {
		panic(xerrors.New("escalation store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return &Consumer{
		store:         store,
		logger:        logger,
		maxDeliveries: maxDeliveries,
	}
}

// OnDisposition registers a callback for every settled delivery (metrics).
func (c *Consumer) OnDisposition(fn func(Disposition)) {
	c.onDisposition = fn
}

// OnStored registers a callback run after a task is upserted (notifications).
// It cannot fail the delivery.
func (c *Consumer) OnStored(fn func(context.Context, *Task)) {
	c.onStored = fn
}

// MaxDeliveries returns the redelivery bound.
func (c *Consumer) MaxDeliveries() int { return c.maxDeliveries }

// Handle processes a single delivery body.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	task, err := DecodeTask(body)
	if err != nil {
		return err
	}
	if err := c.store.Upsert(ctx, task); err != nil {
		return fmt.Errorf("upsert task %s: %w", task.EmailID, err)
	}
	c.logger.Info(ctx, "escalation task stored", "email_id", task.EmailID, "category", task.Category)
	if c.onStored != nil {
		c.onStored(ctx, task)
	}
	return nil
}

// Settle handles a delivery and decides its disposition. attempt is 1-based.
func (c *Consumer) Settle(ctx context.Context, body []byte, attempt int) (Disposition, error) {
	err := c.Handle(ctx, body)
	d := Decide(err, attempt, c.maxDeliveries)
	if err != nil {
		c.logger.Error(ctx, err, "escalation task handling failed",
			"attempt", attempt,
			"max_deliveries", c.maxDeliveries,
			"disposition", d.String(),
			"validation", IsValidation(err),
		)
	}
	if c.onDisposition != nil {
		c.onDisposition(d)
	}
	return d, err
}
