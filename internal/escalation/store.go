package escalation

import "context"

// Store persists escalation tasks keyed by email id.
type Store interface {
	// Upsert inserts the task or, when the email id exists, resets it to pending.
	Upsert(ctx context.Context, task *Task) error
	Get(ctx context.Context, emailID string) (*Task, bool, error)
	// List returns tasks with the given status ordered by creation time descending.
	List(ctx context.Context, q ListQuery) (*Page, error)
	Resolve(ctx context.Context, emailID string, r Resolution) (*Task, bool, error)
}
