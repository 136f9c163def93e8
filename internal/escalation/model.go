package escalation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPending means waiting for an operator.
	StatusPending Status = "pending"

	// StatusResolved means an operator handled the email.
	StatusResolved Status = "resolved"
)

// ParseStatus validates a status filter.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusResolved:
		return Status(s), nil
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
}

// Task is an email escalated to a human. EmailID is the unique key.
type Task struct {
	EmailID      string     `json:"email_id"`
	ThreadID     string     `json:"thread_id"`
	Sender       string     `json:"sender"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	Category     string     `json:"category"`
	CreatedAt    time.Time  `json:"created_at"`
	Status       Status     `json:"status,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	Operator     string     `json:"operator,omitempty"`
	ReplyContent string     `json:"reply_content,omitempty"`
	ReplyID      string     `json:"reply_id,omitempty"`
	Remark       string     `json:"remark,omitempty"`
}

// Resolution is what an operator records when closing a task.
type Resolution struct {
	Operator     string `json:"operator"`
	ReplyContent string `json:"reply_content"`
	ReplyID      string `json:"reply_id"`
	Remark       string `json:"remark"`
}

// Validate checks the operator fields.
func (r *Resolution) Validate() error {
	if r.Operator == "" {
		return &ValidationError{Field: "operator", Reason: "required"}
	}
	return nil
}

// ValidationError reports a rejected task or query at the boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// requiredFields must be present on every published task.
var requiredFields = []string{"email_id", "sender", "subject", "body", "created_at"}

// DecodeTask parses a published task and enforces required fields. A field
// that is absent from the payload is a validation failure even when the
// struct zero value would be acceptable.
func DecodeTask(body []byte) (*Task, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	for _, f := range requiredFields {
		v, ok := raw[f]
		if !ok || bytes.Equal(v, []byte("null")) {
			return nil, &ValidationError{Field: f, Reason: "required"}
		}
	}

	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if t.EmailID == "" {
		return nil, &ValidationError{Field: "email_id", Reason: "must not be empty"}
	}
	if t.CreatedAt.IsZero() {
		return nil, &ValidationError{Field: "created_at", Reason: "must be a timestamp"}
	}
	t.Status = StatusPending
	return &t, nil
}

// Encode renders the task in its queue wire format.
func (t *Task) Encode() ([]byte, error) {
	wire := struct {
		EmailID   string    `json:"email_id"`
		ThreadID  string    `json:"thread_id"`
		Sender    string    `json:"sender"`
		Subject   string    `json:"subject"`
		Body      string    `json:"body"`
		Category  string    `json:"category"`
		CreatedAt time.Time `json:"created_at"`
		Remark    string    `json:"remark,omitempty"`
	}{t.EmailID, t.ThreadID, t.Sender, t.Subject, t.Body, t.Category, t.CreatedAt, t.Remark}
	return json.Marshal(wire)
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 500
)

// ListQuery selects a page of tasks.
type ListQuery struct {
	Status   Status
	Page     int
	PageSize int
}

// Validate rejects non-positive paging and unknown statuses.
func (q *ListQuery) Validate() error {
	if q.Page < 1 {
		return &ValidationError{Field: "page", Reason: "must be >= 1"}
	}
	if q.PageSize < 1 {
		return &ValidationError{Field: "page_size", Reason: "must be >= 1"}
	}
	if q.PageSize > MaxPageSize {
		return &ValidationError{Field: "page_size", Reason: fmt.Sprintf("must be <= %d", MaxPageSize)}
	}
	if _, err := ParseStatus(string(q.Status)); err != nil {
		return err
	}
	return nil
}

// Offset returns the number of rows skipped before the page.
func (q *ListQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// Page is one page of tasks, newest first.
type Page struct {
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Tasks    []Task `json:"tasks"`
}
