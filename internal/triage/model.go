package triage

import (
	"errors"
	"fmt"
	"time"
)

// MaxDraftAttempts is the hard cap on drafting attempts per email. The review
// that rejects the last attempt always routes to escalation.
const MaxDraftAttempts = 3

// ErrUnknownCategory is returned when a classifier produces a label outside
// the fixed category set.
var ErrUnknownCategory = errors.New("unknown email category")

// Email is an inbound message as fetched from the inbox. It is never mutated
// after fetch.
type Email struct {
	ID         string `json:"id"`
	ThreadID   string `json:"threadId"`
	MessageID  string `json:"messageId"`
	References string `json:"references"`
	Sender     string `json:"sender"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

// Category is the classification assigned to an email.
type Category string

const (
	CategoryProductEnquiry    Category = "product_enquiry"
	CategoryCustomerComplaint Category = "customer_complaint"
	CategoryCustomerFeedback  Category = "customer_feedback"
	CategoryUnrelated         Category = "unrelated"
)

// Categories lists the fixed category set in a stable order.
var Categories = []Category{
	CategoryProductEnquiry,
	CategoryCustomerComplaint,
	CategoryCustomerFeedback,
	CategoryUnrelated,
}

// ParseCategory maps a raw label to a Category, rejecting anything outside the set.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Route is the path an email takes after categorization.
type Route int

const (
	// RouteRetrieve builds search queries and retrieves reference material before drafting.
	RouteRetrieve Route = iota + 1
	// RouteDraft drafts a reply directly.
	RouteDraft
	// RouteSkip discards the email as irrelevant.
	RouteSkip
)

func (r Route) String() string {
	switch r {
	case RouteRetrieve:
		return "retrieve"
	case RouteDraft:
		return "draft"
	case RouteSkip:
		return "skip"
	}
	return fmt.Sprintf("route(%d)", int(r))
}

// Route maps a category to its pipeline. Every category resolves to exactly one route.
func (c Category) Route() Route {
	switch c {
	case CategoryProductEnquiry:
		return RouteRetrieve
	case CategoryCustomerComplaint, CategoryCustomerFeedback:
		return RouteDraft
	case CategoryUnrelated:
		return RouteSkip
	}
	return RouteSkip
}

// Role tags a conversation turn.
type Role string

const (
	RoleContext Role = "context"
	RoleDraft   Role = "draft"
	RoleReview  Role = "review"
)

// Turn is one entry in an email's drafting history.
type Turn struct {
	Role    Role   `json:"role"`
	Text    string `json:"text"`
	Attempt int    `json:"attempt"`
}

// Scratch is the working record for the email currently being processed.
// It is reset to its zero value after every terminal action.
type Scratch struct {
	Category   Category
	Queries    []string
	Context    string
	Draft      string
	History    []Turn
	Sendable   bool
	RetryCount int

	// Failure holds the error text that forced an escalation, if any.
	Failure string
}

// Reset clears every field.
func (s *Scratch) Reset() {
	*s = Scratch{}
}

// IsZero reports whether the record holds no state.
func (s *Scratch) IsZero() bool {
	return s.Category == "" &&
		len(s.Queries) == 0 &&
		s.Context == "" &&
		s.Draft == "" &&
		len(s.History) == 0 &&
		!s.Sendable &&
		s.RetryCount == 0 &&
		s.Failure == ""
}

// LastReview returns the text of the most recent review turn.
func (s *Scratch) LastReview() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleReview {
			return s.History[i].Text
		}
	}
	return ""
}

// Action is the terminal action taken for an email.
type Action string

const (
	ActionSend     Action = "send"
	ActionEscalate Action = "escalate"
	ActionSkip     Action = "skip"
)

// Outcome records how one email left the pipeline.
type Outcome struct {
	EmailID    string        `json:"email_id"`
	Action     Action        `json:"action"`
	Category   Category      `json:"category,omitempty"`
	RetryCount int           `json:"retry_count"`
	History    []Turn        `json:"history,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// CycleReport summarizes one LoadInbox..Idle pass.
type CycleReport struct {
	StartedAt time.Time
	Fetched   int
	Outcomes  []Outcome
}

// Count returns the number of outcomes with the given action.
func (r *CycleReport) Count(a Action) int {
	n := 0
	for i := range r.Outcomes {
		if r.Outcomes[i].Action == a {
			n++
		}
	}
	return n
}
