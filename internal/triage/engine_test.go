package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/mailwarden/internal/escalation"
)

type mockInbox struct {
	emails []Email
	err    error
}

func (m *mockInbox) Fetch(_ context.Context) ([]Email, error) {
	return m.emails, m.err
}

// mockClassifier maps email ids to categories; unknown ids are unrelated.
type mockClassifier struct {
	categories map[string]Category
	err        error
}

func (m *mockClassifier) Classify(_ context.Context, e *Email) (Category, error) {
	if m.err != nil {
		return "", m.err
	}
	if c, ok := m.categories[e.ID]; ok {
		return c, nil
	}
	return CategoryUnrelated, nil
}

type mockQueryBuilder struct {
	queries []string
	err     error
	calls   int
}

func (m *mockQueryBuilder) BuildQueries(_ context.Context, _ *Email) ([]string, error) {
	m.calls++
	return m.queries, m.err
}

type mockRetriever struct {
	material string
	err      error
	got      [][]string
}

func (m *mockRetriever) RetrieveContext(_ context.Context, queries []string) (string, error) {
	m.got = append(m.got, queries)
	return m.material, m.err
}

type mockDrafter struct {
	mu     sync.Mutex
	inputs []*DraftInput
	err    error
	hook   func()
}

func (m *mockDrafter) Draft(_ context.Context, in *DraftInput) (string, error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, in)
	n := len(m.inputs)
	m.mu.Unlock()
	if m.hook != nil {
		m.hook()
	}
	if m.err != nil {
		return "", m.err
	}
	return "draft " + string(rune('0'+n)), nil
}

func (m *mockDrafter) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

// mockReviewer returns verdicts in sequence, then accepts.
type mockReviewer struct {
	verdicts []Verdict
	err      error
	calls    int
}

func (m *mockReviewer) Review(_ context.Context, _ *Email, _ string) (Verdict, error) {
	idx := m.calls
	m.calls++
	if m.err != nil {
		return Verdict{}, m.err
	}
	if idx < len(m.verdicts) {
		return m.verdicts[idx], nil
	}
	return Verdict{Sendable: true, Reason: "ok"}, nil
}

type sentReply struct {
	emailID string
	reply   string
}

type mockDispatcher struct {
	sent []sentReply
	err  error
}

func (m *mockDispatcher) Send(_ context.Context, e *Email, reply string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentReply{emailID: e.ID, reply: reply})
	return nil
}

type mockEscalator struct {
	tasks []*escalation.Task
	err   error
}

func (m *mockEscalator) Escalate(_ context.Context, task *escalation.Task) error {
	if m.err != nil {
		return m.err
	}
	m.tasks = append(m.tasks, task)
	return nil
}

type mockStatus struct {
	categories  map[string]Category
	outcomes    []Outcome
	err         error
	categoryErr error
}

func (m *mockStatus) RecordCategory(_ context.Context, e *Email, c Category) error {
	if m.categoryErr != nil {
		return m.categoryErr
	}
	if m.err != nil {
		return m.err
	}
	if m.categories == nil {
		m.categories = map[string]Category{}
	}
	m.categories[e.ID] = c
	return nil
}

func (m *mockStatus) RecordOutcome(_ context.Context, _ *Email, o *Outcome) error {
	if m.err != nil {
		return m.err
	}
	m.outcomes = append(m.outcomes, *o)
	return nil
}

type testRig struct {
	inbox      *mockInbox
	classifier *mockClassifier
	queries    *mockQueryBuilder
	retriever  *mockRetriever
	drafter    *mockDrafter
	reviewer   *mockReviewer
	dispatcher *mockDispatcher
	escalator  *mockEscalator
	status     *mockStatus
}

func newRig(emails ...Email) *testRig {
	return &testRig{
		inbox:      &mockInbox{emails: emails},
		classifier: &mockClassifier{categories: map[string]Category{}},
		queries:    &mockQueryBuilder{queries: []string{"pricing", "warranty"}},
		retriever:  &mockRetriever{material: "Widget costs 10 EUR."},
		drafter:    &mockDrafter{},
		reviewer:   &mockReviewer{},
		dispatcher: &mockDispatcher{},
		escalator:  &mockEscalator{},
		status:     &mockStatus{},
	}
}

func (r *testRig) deps() Deps {
	return Deps{
		Inbox:        r.inbox,
		Classifier:   r.classifier,
		QueryBuilder: r.queries,
		Retriever:    r.retriever,
		Drafter:      r.drafter,
		Reviewer:     r.reviewer,
		Dispatcher:   r.dispatcher,
		Escalator:    r.escalator,
		Status:       r.status,
	}
}

func (r *testRig) engine(hooks EngineHooks) *Engine {
	return NewEngine(r.deps(), Options{IdleInterval: time.Millisecond}, log.Nop(), hooks)
}

func testEmail(id string) Email {
	return Email{
		ID:        id,
		ThreadID:  "thread-" + id,
		MessageID: "<" + id + "@example.com>",
		Sender:    "customer@example.com",
		Subject:   "Question " + id,
		Body:      "Hello, I have a question.",
	}
}

// drive runs one cycle step by step, recording states and checking that the
// scratch record is cleared and the email marked handled after every terminal
// action.
func drive(t *testing.T, e *Engine) []State {
	t.Helper()

	c := &cycle{state: StateLoadInbox, report: &CycleReport{}}
	states := []State{c.state}
	for c.state != StateIdle {
		if len(states) > 200 {
			t.Fatal("cycle did not reach idle")
		}
		var id string
		if c.current != nil {
			id = c.current.ID
		}
		from := c.state
		to, err := e.step(context.Background(), c)
		if err != nil {
			t.Fatalf("step %s: %v", from, err)
		}
		if from.Terminal() {
			if !c.scratch.IsZero() {
				t.Errorf("scratch not cleared after %s: %+v", from, c.scratch)
			}
			if !c.batch.Handled(id) {
				t.Errorf("email %s not marked handled after %s", id, from)
			}
			for _, p := range c.batch.Pending() {
				if p.ID == id {
					t.Errorf("email %s still pending after %s", id, from)
				}
			}
		}
		c.state = to
		states = append(states, to)
	}
	return states
}

func containsSeq(states []State, seq ...State) bool {
	for i := 0; i+len(seq) <= len(states); i++ {
		match := true
		for j := range seq {
			if states[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestRunCycle_ComplaintSentOnFirstDraft(t *testing.T) {
	t.Parallel()

	rig := newRig(testEmail("e1"))
	rig.classifier.categories["e1"] = CategoryCustomerComplaint

	states := drive(t, rig.engine(EngineHooks{}))

	if !containsSeq(states, StateCategorize, StateDraft, StateReview, StateSend, StateCheckMore, StateIdle) {
		t.Errorf("states = %v, want categorize>draft>review>send>check_more>idle", states)
	}
	if rig.queries.calls != 0 {
		t.Errorf("query builder calls = %d, want 0", rig.queries.calls)
	}
	if rig.drafter.calls() != 1 {
		t.Errorf("draft calls = %d, want 1", rig.drafter.calls())
	}
	if len(rig.dispatcher.sent) != 1 || rig.dispatcher.sent[0].reply != "draft 1" {
		t.Fatalf("sent = %+v, want one reply %q", rig.dispatcher.sent, "draft 1")
	}
	if len(rig.status.outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(rig.status.outcomes))
	}
	o := rig.status.outcomes[0]
	if o.Action != ActionSend || o.Category != CategoryCustomerComplaint || o.RetryCount != 1 {
		t.Errorf("outcome = %+v", o)
	}
	if len(rig.escalator.tasks) != 0 {
		t.Errorf("escalated %d tasks, want 0", len(rig.escalator.tasks))
	}
}

func TestRunCycle_EnquiryAcceptedOnThirdAttempt(t *testing.T) {
	t.Parallel()

	rig := newRig(testEmail("e1"))
	rig.classifier.categories["e1"] = CategoryProductEnquiry
	rig.reviewer.verdicts = []Verdict{
		{Sendable: false, Reason: "too vague"},
		{Sendable: false, Reason: "missing price"},
		{Sendable: true, Reason: "good"},
	}

	report, err := rig.engine(EngineHooks{}).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if rig.drafter.calls() != 3 {
		t.Fatalf("draft calls = %d, want 3", rig.drafter.calls())
	}
	if len(rig.retriever.got) != 1 || len(rig.retriever.got[0]) != 2 {
		t.Errorf("retriever got %v, want one call with 2 queries", rig.retriever.got)
	}

	// each attempt sees the full history of the previous ones
	for i, in := range rig.drafter.inputs {
		if in.Attempt != i+1 {
			t.Errorf("input[%d].Attempt = %d, want %d", i, in.Attempt, i+1)
		}
		if len(in.History) != 3*i {
			t.Errorf("input[%d] history = %d turns, want %d", i, len(in.History), 3*i)
		}
		if in.Context != "Widget costs 10 EUR." {
			t.Errorf("input[%d].Context = %q", i, in.Context)
		}
	}
	last := rig.drafter.inputs[2].History
	if last[2].Role != RoleReview || last[2].Text != "too vague" {
		t.Errorf("first review turn = %+v", last[2])
	}

	if len(report.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(report.Outcomes))
	}
	o := report.Outcomes[0]
	if o.Action != ActionSend {
		t.Errorf("action = %q, want send", o.Action)
	}
	if o.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", o.RetryCount)
	}
	if len(rig.dispatcher.sent) != 1 || rig.dispatcher.sent[0].reply != "draft 3" {
		t.Errorf("sent = %+v, want the third draft", rig.dispatcher.sent)
	}
}

func TestRunCycle_EnquiryEscalatedAfterThreeRejections(t *testing.T) {
	t.Parallel()

	rig := newRig(testEmail("e1"))
	rig.classifier.categories["e1"] = CategoryProductEnquiry
	rig.reviewer.verdicts = []Verdict{
		{Sendable: false, Reason: "r1"},
		{Sendable: false, Reason: "r2"},
		{Sendable: false, Reason: "r3"},
	}

	states := drive(t, rig.engine(EngineHooks{}))

	if !containsSeq(states, StateReview, StateEscalate, StateCheckMore) {
		t.Errorf("states = %v, want review>escalate>check_more", states)
	}
	if rig.drafter.calls() != MaxDraftAttempts {
		t.Errorf("draft calls = %d, want %d", rig.drafter.calls(), MaxDraftAttempts)
	}
	if len(rig.dispatcher.sent) != 0 {
		t.Errorf("sent %d replies, want 0", len(rig.dispatcher.sent))
	}
	if len(rig.escalator.tasks) != 1 {
		t.Fatalf("escalated %d tasks, want 1", len(rig.escalator.tasks))
	}
	task := rig.escalator.tasks[0]
	if task.Status != escalation.StatusPending {
		t.Errorf("task status = %q, want pending", task.Status)
	}
	if task.EmailID != "e1" || task.ThreadID != "thread-e1" || task.Category != string(CategoryProductEnquiry) {
		t.Errorf("task = %+v", task)
	}
	if !strings.Contains(task.Remark, "r3") {
		t.Errorf("remark = %q, want last review reason", task.Remark)
	}

	o := rig.status.outcomes[0]
	if o.Action != ActionEscalate || o.RetryCount != 3 {
		t.Errorf("outcome = %+v", o)
	}
	if len(o.History) != 9 {
		t.Fatalf("history = %d turns, want 9", len(o.History))
	}
	var reviews int
	for _, turn := range o.History {
		if turn.Role == RoleReview {
			reviews++
		}
	}
	if reviews != 3 {
		t.Errorf("review turns = %d, want 3", reviews)
	}
}

func TestRunCycle_UnrelatedSkipped(t *testing.T) {
	t.Parallel()

	rig := newRig(testEmail("e1"))
	rig.classifier.categories["e1"] = CategoryUnrelated

	states := drive(t, rig.engine(EngineHooks{}))

	if !containsSeq(states, StateCategorize, StateSkip, StateCheckMore) {
		t.Errorf("states = %v, want categorize>skip>check_more", states)
	}
	if rig.drafter.calls() != 0 {
		t.Errorf("draft calls = %d, want 0", rig.drafter.calls())
	}
	if o := rig.status.outcomes[0]; o.Action != ActionSkip {
		t.Errorf("action = %q, want skip", o.Action)
	}
}

func TestRunCycle_ProcessesBatchInOrder(t *testing.T) {
	t.Parallel()

	rig := newRig(testEmail("a"), testEmail("b"), testEmail("c"))
	rig.classifier.categories["a"] = CategoryCustomerFeedback
	rig.classifier.categories["c"] = CategoryProductEnquiry

	report, err := rig.engine(EngineHooks{}).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Fetched != 3 {
		t.Errorf("fetched = %d, want 3", report.Fetched)
	}
	want := []struct {
		id     string
		action Action
	}{
		{"a", ActionSend},
		{"b", ActionSkip},
		{"c", ActionSend},
	}
	if len(report.Outcomes) != len(want) {
		t.Fatalf("outcomes = %d, want %d", len(report.Outcomes), len(want))
	}
	for i, w := range want {
		got := report.Outcomes[i]
		if got.EmailID != w.id || got.Action != w.action {
			t.Errorf("outcome[%d] = %s/%s, want %s/%s", i, got.EmailID, got.Action, w.id, w.action)
		}
	}
	if report.Count(ActionSend) != 2 || report.Count(ActionSkip) != 1 {
		t.Errorf("counts send=%d skip=%d", report.Count(ActionSend), report.Count(ActionSkip))
	}
}

func TestRunCycle_CapabilityErrorsEscalate(t *testing.T) {
	t.Parallel()

	boom := errors.New("upstream 503")

	tests := []struct {
		name     string
		category Category
		setup    func(r *testRig)
		drafts   int
	}{
		{
			name:  "classifier",
			setup: func(r *testRig) { r.classifier.err = boom },
		},
		{
			name:     "query builder",
			category: CategoryProductEnquiry,
			setup:    func(r *testRig) { r.queries.err = boom },
		},
		{
			name:     "retriever",
			category: CategoryProductEnquiry,
			setup:    func(r *testRig) { r.retriever.err = boom },
		},
		{
			name:     "drafter",
			category: CategoryCustomerComplaint,
			setup:    func(r *testRig) { r.drafter.err = boom },
			drafts:   1,
		},
		{
			name:     "reviewer",
			category: CategoryCustomerComplaint,
			setup:    func(r *testRig) { r.reviewer.err = boom },
			drafts:   1,
		},
		{
			name:     "dispatcher",
			category: CategoryCustomerFeedback,
			setup:    func(r *testRig) { r.dispatcher.err = boom },
			drafts:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rig := newRig(testEmail("e1"), testEmail("e2"))
			if tt.category != "" {
				rig.classifier.categories["e1"] = tt.category
			}
			tt.setup(rig)

			report, err := rig.engine(EngineHooks{}).RunCycle(context.Background())
			if err != nil {
				t.Fatalf("RunCycle: %v", err)
			}

			if len(rig.escalator.tasks) < 1 || rig.escalator.tasks[0].EmailID != "e1" {
				t.Fatalf("tasks = %+v, want e1 escalated", rig.escalator.tasks)
			}
			if !strings.Contains(rig.escalator.tasks[0].Remark, "upstream 503") {
				t.Errorf("remark = %q, want the error text", rig.escalator.tasks[0].Remark)
			}
			if report.Outcomes[0].Action != ActionEscalate {
				t.Errorf("action = %q, want escalate", report.Outcomes[0].Action)
			}
			// the failure stays with e1
			if len(report.Outcomes) != 2 || report.Outcomes[1].EmailID != "e2" {
				t.Errorf("outcomes = %+v, want e2 processed after e1", report.Outcomes)
			}
			if tt.drafts > 0 && rig.drafter.calls() < tt.drafts {
				t.Errorf("draft calls = %d, want >= %d", rig.drafter.calls(), tt.drafts)
			}
		})
	}
}

type badClassifier struct{}

func (badClassifier) Classify(context.Context, *Email) (Category, error) {
	return Category("spam"), nil
}

func TestRunCycle_UnknownCategoryEscalates(t *testing.T) {
	t.Parallel()

	rig := newRig(testEmail("e1"))
	deps := rig.deps()
	deps.Classifier = badClassifier{}
	e := NewEngine(deps, Options{}, log.Nop(), EngineHooks{})

	report, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Outcomes[0].Action != ActionEscalate {
		t.Fatalf("action = %q, want escalate", report.Outcomes[0].Action)
	}
	if !strings.Contains(rig.escalator.tasks[0].Remark, ErrUnknownCategory.Error()) {
		t.Errorf("remark = %q", rig.escalator.tasks[0].Remark)
	}
}

func TestRunCycle_EmptyQueriesSkipRetrieval(t *testing.T) {
	t.Parallel()

	rig := newRig(testEmail("e1"))
	rig.classifier.categories["e1"] = CategoryProductEnquiry
	rig.queries.queries = nil

	if _, err := rig.engine(EngineHooks{}).RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(rig.retriever.got) != 0 {
		t.Errorf("retriever calls = %d, want 0", len(rig.retriever.got))
	}
	if rig.drafter.inputs[0].Context != "" {
		t.Errorf("context = %q, want empty", rig.drafter.inputs[0].Context)
	}
	if rig.status.outcomes[0].Action != ActionSend {
		t.Errorf("action = %q, want send", rig.status.outcomes[0].Action)
	}
}

func TestRunCycle_MailboxErrorIdles(t *testing.T) {
	t.Parallel()

	rig := newRig()
	rig.inbox.err = fmt.Errorf("%w: imap: connection reset", ErrExternal)

	report, err := rig.engine(EngineHooks{}).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Fetched != 0 || len(report.Outcomes) != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
}

func TestRunCycle_InboxStoreErrorIsFatal(t *testing.T) {
	t.Parallel()

	boom := errors.New("get status for 7: redis: connection refused")
	rig := newRig()
	rig.inbox.err = boom

	if _, err := rig.engine(EngineHooks{}).RunCycle(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("RunCycle err = %v, want %v", err, boom)
	}
	if err := rig.engine(EngineHooks{}).Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run err = %v, want %v", err, boom)
	}
}

func TestRunCycle_RecordsCategory(t *testing.T) {
	t.Parallel()

	rig := newRig(testEmail("e1"), testEmail("e2"))
	rig.classifier.categories["e1"] = CategoryCustomerFeedback

	if _, err := rig.engine(EngineHooks{}).RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := rig.status.categories["e1"]; got != CategoryCustomerFeedback {
		t.Errorf("e1 category = %q, want %q", got, CategoryCustomerFeedback)
	}
	if got := rig.status.categories["e2"]; got != CategoryUnrelated {
		t.Errorf("e2 category = %q, want %q", got, CategoryUnrelated)
	}
}

func TestRunCycle_CategoryStoreErrorIsFatal(t *testing.T) {
	t.Parallel()

	rig := newRig(testEmail("e1"))
	rig.classifier.categories["e1"] = CategoryProductEnquiry
	rig.status.categoryErr = errors.New("sqlite: database is locked")

	_, err := rig.engine(EngineHooks{}).RunCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "record category for e1") {
		t.Fatalf("err = %v, want category record error", err)
	}
	if rig.queries.calls != 0 {
		t.Errorf("query builder called %d times after failed category write", rig.queries.calls)
	}
	if len(rig.status.outcomes) != 0 {
		t.Errorf("outcomes = %d, want 0", len(rig.status.outcomes))
	}
}

func TestRunCycle_CollaboratorFailuresAreFatal(t *testing.T) {
	t.Parallel()

	t.Run("escalator", func(t *testing.T) {
		t.Parallel()
		rig := newRig(testEmail("e1"), testEmail("e2"))
		rig.classifier.err = errors.New("down")
		rig.escalator.err = errors.New("broker unreachable")

		_, err := rig.engine(EngineHooks{}).RunCycle(context.Background())
		if err == nil || !strings.Contains(err.Error(), "broker unreachable") {
			t.Fatalf("err = %v, want escalator error", err)
		}
		if len(rig.status.outcomes) != 0 {
			t.Errorf("outcomes = %d, want 0", len(rig.status.outcomes))
		}
	})

	t.Run("status", func(t *testing.T) {
		t.Parallel()
		rig := newRig(testEmail("e1"), testEmail("e2"))
		rig.status.err = errors.New("redis: connection refused")

		_, err := rig.engine(EngineHooks{}).RunCycle(context.Background())
		if err == nil || !strings.Contains(err.Error(), "connection refused") {
			t.Fatalf("err = %v, want status error", err)
		}
	})
}

func TestRunCycle_StepLimitEscalates(t *testing.T) {
	t.Parallel()

	rig := newRig(testEmail("e1"))
	rig.classifier.categories["e1"] = CategoryProductEnquiry
	e := NewEngine(rig.deps(), Options{MaxStepsPerEmail: 3}, log.Nop(), EngineHooks{})

	report, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Outcomes[0].Action != ActionEscalate {
		t.Fatalf("action = %q, want escalate", report.Outcomes[0].Action)
	}
	if !strings.Contains(rig.escalator.tasks[0].Remark, ErrStepLimit.Error()) {
		t.Errorf("remark = %q", rig.escalator.tasks[0].Remark)
	}
	if rig.drafter.calls() != 0 {
		t.Errorf("draft calls = %d, want 0", rig.drafter.calls())
	}
}

func TestRun_StopsBetweenSteps(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newRig(testEmail("e1"), testEmail("e2"))
	rig.classifier.categories["e1"] = CategoryCustomerComplaint
	rig.drafter.hook = cancel

	done := make(chan error, 1)
	go func() { done <- rig.engine(EngineHooks{}).Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	// the in-flight draft completed but nothing after it ran
	if rig.drafter.calls() != 1 {
		t.Errorf("draft calls = %d, want 1", rig.drafter.calls())
	}
	if rig.reviewer.calls != 0 {
		t.Errorf("review calls = %d, want 0", rig.reviewer.calls)
	}
	if len(rig.status.outcomes) != 0 {
		t.Errorf("outcomes = %d, want 0", len(rig.status.outcomes))
	}
}

func TestRun_ReturnsInfrastructureError(t *testing.T) {
	t.Parallel()

	rig := newRig(testEmail("e1"))
	rig.status.err = errors.New("disk full")

	err := rig.engine(EngineHooks{}).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, want status error", err)
	}
}

func TestRunCycle_HooksCalled(t *testing.T) {
	t.Parallel()

	rig := newRig(testEmail("e1"))
	rig.classifier.categories["e1"] = CategoryProductEnquiry

	var (
		transitions []string
		capabilities = map[string]int{}
		outcomes    []*Outcome
		cycles      int
	)
	hooks := EngineHooks{
		OnTransition: func(from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
		OnCapability: func(name string, _ float64, failed bool) {
			if failed {
				t.Errorf("capability %s failed", name)
			}
			capabilities[name]++
		},
		OnOutcome: func(o *Outcome) { outcomes = append(outcomes, o) },
		OnCycle:   func(*CycleReport) { cycles++ },
	}

	if _, err := rig.engine(hooks).RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	for _, name := range []string{"classify", "build_queries", "retrieve", "draft", "review", "send"} {
		if capabilities[name] != 1 {
			t.Errorf("capability %s calls = %d, want 1", name, capabilities[name])
		}
	}
	if len(outcomes) != 1 || cycles != 1 {
		t.Errorf("outcomes = %d cycles = %d, want 1 and 1", len(outcomes), cycles)
	}
	wantFirst, wantLast := "load_inbox>check_more", "check_more>idle"
	if transitions[0] != wantFirst || transitions[len(transitions)-1] != wantLast {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestNewEngine_PanicsOnMissingDeps(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewEngine(Deps{}, Options{}, nil, EngineHooks{})
}

func TestRunCycle_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	rig := newRig(testEmail("e1"))
	rig.classifier.categories["e1"] = CategoryCustomerComplaint

	if _, err := rig.engine(EngineHooks{}).RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	counts := make(map[string]int)
	var capNames []string
	for _, s := range exporter.GetSpans() {
		counts[s.Name]++
		if s.Name != "capability.call" {
			continue
		}
		for _, a := range s.Attributes {
			if a.Key == "mailwarden.capability" {
				capNames = append(capNames, a.Value.AsString())
			}
		}
	}

	// load_inbox check_more next_email categorize draft review send check_more
	if counts["triage.step"] != 8 {
		t.Errorf("triage.step spans = %d, want 8", counts["triage.step"])
	}
	if counts["capability.call"] != 4 {
		t.Errorf("capability.call spans = %d, want 4 (%v)", counts["capability.call"], capNames)
	}
}
