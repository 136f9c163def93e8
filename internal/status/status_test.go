package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/mailwarden/internal/triage"
)

type fakeStore struct {
	records map[string]Record
	putErr  error
	getErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]Record)}
}

func (f *fakeStore) Get(_ context.Context, id string) (*Record, bool, error) {
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	r, ok := f.records[id]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

func (f *fakeStore) Put(_ context.Context, rec *Record) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.records[rec.EmailID] = *rec
	return nil
}

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestRecorder(store Store) *Recorder {
	r := NewRecorder(store, nil)
	r.now = func() time.Time { return fixedNow }
	return r
}

func TestParse(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{Unprocessed, AutoReplied, ManualPending, ManualReplied, Ignored} {
		got, err := Parse(string(s))
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("Parse(%q) = %q", s, got)
		}
		if s.Description() == "" {
			t.Errorf("%q has no description", s)
		}
	}

	if _, err := Parse("archived"); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("Parse(archived) err = %v, want ErrUnknownStatus", err)
	}
}

func TestForAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		action triage.Action
		want   Status
	}{
		{triage.ActionSend, AutoReplied},
		{triage.ActionEscalate, ManualPending},
		{triage.ActionSkip, Ignored},
	}
	for _, tt := range tests {
		got, err := ForAction(tt.action)
		if err != nil {
			t.Fatalf("ForAction(%q): %v", tt.action, err)
		}
		if got != tt.want {
			t.Errorf("ForAction(%q) = %q, want %q", tt.action, got, tt.want)
		}
	}

	if _, err := ForAction("forward"); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestRecordCategory(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	r := newTestRecorder(store)
	email := &triage.Email{ID: "9", ThreadID: "<t-9@example.com>", Sender: "b@example.com", Subject: "Invoice"}

	if err := r.RecordCategory(context.Background(), email, triage.CategoryProductEnquiry); err != nil {
		t.Fatalf("RecordCategory: %v", err)
	}

	got := store.records["9"]
	if got.Status != Unprocessed {
		t.Errorf("Status = %q, want %q", got.Status, Unprocessed)
	}
	if got.Category != string(triage.CategoryProductEnquiry) || got.Note != "categorized" {
		t.Errorf("Category/Note = %q/%q", got.Category, got.Note)
	}
	if got.Sender != email.Sender || got.Subject != email.Subject {
		t.Errorf("identity fields not copied: %+v", got)
	}
	if st, err := r.Current(context.Background(), "9"); err != nil || st != Unprocessed {
		t.Errorf("Current = %q, %v; categorized email must stay pending for the inbox", st, err)
	}
}

func TestRecordOutcome(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	r := newTestRecorder(store)
	email := &triage.Email{ID: "42", ThreadID: "<t-42@example.com>", Sender: "a@example.com", Subject: "Refund"}
	outcome := &triage.Outcome{
		EmailID:  "42",
		Action:   triage.ActionEscalate,
		Category: triage.CategoryCustomerComplaint,
		Reason:   "draft rejected after 3 attempts",
	}

	if err := r.RecordOutcome(context.Background(), email, outcome); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	got := store.records["42"]
	if got.Status != ManualPending {
		t.Errorf("Status = %q, want %q", got.Status, ManualPending)
	}
	if got.Category != "customer_complaint" || got.Note != outcome.Reason {
		t.Errorf("Category/Note = %q/%q", got.Category, got.Note)
	}
	if got.ThreadID != email.ThreadID || got.Sender != email.Sender || got.Subject != email.Subject {
		t.Errorf("identity fields not copied: %+v", got)
	}
	if got.UpdatedBy != SystemOperator {
		t.Errorf("UpdatedBy = %q, want %q", got.UpdatedBy, SystemOperator)
	}
	if !got.UpdatedAt.Equal(fixedNow) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, fixedNow)
	}
}

func TestMarkFetchedAndCurrent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	r := newTestRecorder(store)
	ctx := context.Background()

	st, err := r.Current(ctx, "7")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if st != Unprocessed {
		t.Errorf("Current of unknown email = %q, want %q", st, Unprocessed)
	}

	if err := r.MarkFetched(ctx, &triage.Email{ID: "7", Subject: "Hi"}); err != nil {
		t.Fatalf("MarkFetched: %v", err)
	}
	if store.records["7"].Status != Unprocessed {
		t.Errorf("status = %q", store.records["7"].Status)
	}

	if err := r.RecordOutcome(ctx, &triage.Email{ID: "7"}, &triage.Outcome{Action: triage.ActionSend}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	st, err = r.Current(ctx, "7")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if st != AutoReplied {
		t.Errorf("Current = %q, want %q", st, AutoReplied)
	}
}

func TestMarkManualRepliedKeepsIdentity(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.records["9"] = Record{EmailID: "9", Sender: "b@example.com", Subject: "Broken", Status: ManualPending}
	r := newTestRecorder(store)

	if err := r.MarkManualReplied(context.Background(), "9", "alice", "called the customer"); err != nil {
		t.Fatalf("MarkManualReplied: %v", err)
	}

	got := store.records["9"]
	if got.Status != ManualReplied || got.UpdatedBy != "alice" || got.Note != "called the customer" {
		t.Errorf("record = %+v", got)
	}
	if got.Sender != "b@example.com" || got.Subject != "Broken" {
		t.Errorf("identity lost: %+v", got)
	}
}

func TestMarkValidation(t *testing.T) {
	t.Parallel()

	r := newTestRecorder(newFakeStore())
	ctx := context.Background()

	if err := r.Mark(ctx, &Record{Status: Ignored}); err == nil {
		t.Error("expected error for missing email id")
	}
	if err := r.Mark(ctx, &Record{EmailID: "1", Status: "lost"}); !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("err = %v, want ErrUnknownStatus", err)
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	store := newFakeStore()
	store.putErr = boom
	store.getErr = boom
	r := newTestRecorder(store)
	ctx := context.Background()

	if err := r.RecordCategory(ctx, &triage.Email{ID: "1"}, triage.CategoryUnrelated); !errors.Is(err, boom) {
		t.Errorf("RecordCategory err = %v, want wrapped %v", err, boom)
	}
	if err := r.RecordOutcome(ctx, &triage.Email{ID: "1"}, &triage.Outcome{Action: triage.ActionSkip}); !errors.Is(err, boom) {
		t.Errorf("RecordOutcome err = %v, want wrapped %v", err, boom)
	}
	if _, err := r.Current(ctx, "1"); !errors.Is(err, boom) {
		t.Errorf("Current err = %v, want wrapped %v", err, boom)
	}
	if err := r.MarkManualReplied(ctx, "1", "op", ""); !errors.Is(err, boom) {
		t.Errorf("MarkManualReplied err = %v, want wrapped %v", err, boom)
	}
}

func TestNewRecorderPanicsWithoutStore(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewRecorder(nil, nil)
}
