package triage

import (
	"context"

	"github.com/linnemanlabs/mailwarden/internal/escalation"
)

// Inbox yields unread, unprocessed emails. Transient mailbox failures should
// wrap ErrExternal: the engine idles on those and stops on anything else.
type Inbox interface {
	Fetch(ctx context.Context) ([]Email, error)
}

// Classifier assigns a category to an email.
type Classifier interface {
	Classify(ctx context.Context, email *Email) (Category, error)
}

// QueryBuilder derives ordered search queries from an email. An empty result
// means no retrieval is performed.
type QueryBuilder interface {
	BuildQueries(ctx context.Context, email *Email) ([]string, error)
}

// Retriever turns search queries into reference material for drafting.
type Retriever interface {
	RetrieveContext(ctx context.Context, queries []string) (string, error)
}

// DraftInput is everything a drafter is given for one attempt.
type DraftInput struct {
	Email    *Email
	Category Category
	Context  string
	History  []Turn
	Attempt  int
}

// Drafter writes a reply draft.
type Drafter interface {
	Draft(ctx context.Context, in *DraftInput) (string, error)
}

// Verdict is a reviewer's decision on a draft.
type Verdict struct {
	Sendable bool
	Reason   string
}

// Reviewer decides whether a draft can be sent as is.
type Reviewer interface {
	Review(ctx context.Context, original *Email, draft string) (Verdict, error)
}

// Dispatcher delivers the final reply.
type Dispatcher interface {
	Send(ctx context.Context, original *Email, reply string) error
}

// Escalator hands an email to the human queue.
type Escalator interface {
	Escalate(ctx context.Context, task *escalation.Task) error
}

// StatusRecorder persists what the engine learns about an email: its
// category once classified and the terminal action taken.
type StatusRecorder interface {
	RecordCategory(ctx context.Context, email *Email, category Category) error
	RecordOutcome(ctx context.Context, email *Email, outcome *Outcome) error
}
