// Package status tracks the processing status of every fetched email so that
// a message is never handled twice.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/mailwarden/internal/triage"
)

// DefaultRetention is how long a status record is kept after its last update.
const DefaultRetention = 30 * 24 * time.Hour

// SystemOperator is recorded as UpdatedBy for changes made by the engine.
const SystemOperator = "system"

// Status is the processing state of one email.
type Status string

const (
	Unprocessed   Status = "unprocessed"
	AutoReplied   Status = "auto_replied"
	ManualPending Status = "manual_pending"
	ManualReplied Status = "manual_replied"
	Ignored       Status = "ignored"
)

var descriptions = map[Status]string{
	Unprocessed:   "fetched, not yet processed",
	AutoReplied:   "replied automatically",
	ManualPending: "waiting for an operator",
	ManualReplied: "replied by an operator",
	Ignored:       "ignored as unrelated",
}

// ErrUnknownStatus is returned by Parse for values outside the status set.
var ErrUnknownStatus = errors.New("unknown email status")

// Parse maps a stored value back to a Status.
func Parse(s string) (Status, error) {
	st := Status(s)
	if _, ok := descriptions[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// Description returns a short human readable description.
func (s Status) Description() string {
	return descriptions[s]
}

// ForAction maps an engine terminal action to the status it leaves behind.
func ForAction(a triage.Action) (Status, error) {
	switch a {
	case triage.ActionSend:
		return AutoReplied, nil
	case triage.ActionEscalate:
		return ManualPending, nil
	case triage.ActionSkip:
		return Ignored, nil
	}
	return "", fmt.Errorf("no status for action %q", a)
}

// Record is the stored status of one email.
type Record struct {
	EmailID   string
	ThreadID  string
	Sender    string
	Subject   string
	Status    Status
	Category  string
	Note      string
	UpdatedBy string
	UpdatedAt time.Time
}

// Store persists status records. Get reports false when no record exists.
type Store interface {
	Get(ctx context.Context, emailID string) (*Record, bool, error)
	Put(ctx context.Context, rec *Record) error
}

// Recorder writes status records on behalf of the engine, the mailbox and the
// task API.
type Recorder struct {
	store  Store
	logger log.Logger
	now    func() time.Time
}

// NewRecorder wraps store. A nil logger discards output.
func NewRecorder(store Store, logger log.Logger) *Recorder {
	if store == nil {
		panic(xerrors.New("status store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Mark stores rec, stamping UpdatedAt and defaulting UpdatedBy to the system operator.
func (r *Recorder) Mark(ctx context.Context, rec *Record) error {
	if rec.EmailID == "" {
		return errors.New("status record has no email id")
	}
	if _, err := Parse(string(rec.Status)); err != nil {
		return err
	}
	cp := *rec
	if cp.UpdatedBy == "" {
		cp.UpdatedBy = SystemOperator
	}
	cp.UpdatedAt = r.now().UTC()
	if err := r.store.Put(ctx, &cp); err != nil {
		return fmt.Errorf("put status %s for %s: %w", cp.Status, cp.EmailID, err)
	}
	r.logger.Info(ctx, "email status updated",
		"email_id", cp.EmailID,
		"status", string(cp.Status),
		"updated_by", cp.UpdatedBy,
	)
	return nil
}

// MarkFetched records a newly fetched email as unprocessed.
func (r *Recorder) MarkFetched(ctx context.Context, e *triage.Email) error {
	return r.Mark(ctx, &Record{
		EmailID:  e.ID,
		ThreadID: e.ThreadID,
		Sender:   e.Sender,
		Subject:  e.Subject,
		Status:   Unprocessed,
	})
}

// RecordCategory stores the category assigned to email. The email stays
// unprocessed until an outcome is recorded.
func (r *Recorder) RecordCategory(ctx context.Context, e *triage.Email, cat triage.Category) error {
	return r.Mark(ctx, &Record{
		EmailID:  e.ID,
		ThreadID: e.ThreadID,
		Sender:   e.Sender,
		Subject:  e.Subject,
		Status:   Unprocessed,
		Category: string(cat),
		Note:     "categorized",
	})
}

// RecordOutcome records the terminal action the engine took for email.
func (r *Recorder) RecordOutcome(ctx context.Context, e *triage.Email, o *triage.Outcome) error {
	st, err := ForAction(o.Action)
	if err != nil {
		return err
	}
	return r.Mark(ctx, &Record{
		EmailID:  e.ID,
		ThreadID: e.ThreadID,
		Sender:   e.Sender,
		Subject:  e.Subject,
		Status:   st,
		Category: string(o.Category),
		Note:     o.Reason,
	})
}

// MarkManualReplied records an operator reply, keeping the identifying fields
// of any existing record.
func (r *Recorder) MarkManualReplied(ctx context.Context, emailID, operator, note string) error {
	rec := &Record{EmailID: emailID}
	if prev, ok, err := r.store.Get(ctx, emailID); err != nil {
		return fmt.Errorf("get status for %s: %w", emailID, err)
	} else if ok {
		rec = prev
	}
	rec.Status = ManualReplied
	rec.UpdatedBy = operator
	rec.Note = note
	return r.Mark(ctx, rec)
}

// Current returns the status of emailID, Unprocessed when nothing is recorded.
func (r *Recorder) Current(ctx context.Context, emailID string) (Status, error) {
	rec, ok, err := r.store.Get(ctx, emailID)
	if err != nil {
		return "", fmt.Errorf("get status for %s: %w", emailID, err)
	}
	if !ok {
		return Unprocessed, nil
	}
	return rec.Status, nil
}

var _ triage.StatusRecorder = (*Recorder)(nil)
