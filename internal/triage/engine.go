// internal/triage/engine.go
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const (
	DefaultIdleInterval     = 60 * time.Second
	DefaultMaxStepsPerEmail = 32
)

// ErrExternal marks a failed capability or network call. Errors of this kind
// are contained to the current email, which is escalated. An inbox fetch that
// fails this way leaves the batch empty until the next cycle.
var ErrExternal = errors.New("external call failed")

// ErrStepLimit is recorded when an email exceeds the per-email transition guard.
var ErrStepLimit = errors.New("step limit exceeded")

const tracerName = "github.com/linnemanlabs/mailwarden/internal/triage"

// Deps are the collaborators an Engine drives. All fields are required.
type Deps struct {
	Inbox        Inbox
	Classifier   Classifier
	QueryBuilder QueryBuilder
	Retriever    Retriever
	Drafter      Drafter
	Reviewer     Reviewer
	Dispatcher   Dispatcher
	Escalator    Escalator
	Status       StatusRecorder
}

func (d *Deps) validate() error {
	var missing []string
	if d.Inbox == nil {
		missing = append(missing, "inbox")
	}
	if d.Classifier == nil {
		missing = append(missing, "classifier")
	}
	if d.QueryBuilder == nil {
		missing = append(missing, "query builder")
	}
	if d.Retriever == nil {
		missing = append(missing, "retriever")
	}
	if d.Drafter == nil {
		missing = append(missing, "drafter")
	}
	if d.Reviewer == nil {
		missing = append(missing, "reviewer")
	}
	if d.Dispatcher == nil {
		missing = append(missing, "dispatcher")
	}
	if d.Escalator == nil {
		missing = append(missing, "escalator")
	}
	if d.Status == nil {
		missing = append(missing, "status recorder")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing engine dependencies: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Options tune the engine loop.
type Options struct {
	IdleInterval     time.Duration
	MaxStepsPerEmail int
	Now              func() time.Time
}

// EngineHooks receive engine events, typically to drive metrics.
type EngineHooks struct {
	OnTransition func(from, to State)
	OnCapability func(name string, duration float64, failed bool)
	OnOutcome    func(o *Outcome)
	OnCycle      func(r *CycleReport)
}

// Engine drives the per-email state machine over successive inbox batches.
type Engine struct {
	deps   Deps
	opts   Options
	logger log.Logger
	hooks  EngineHooks
}

// NewEngine creates an engine. It panics when a dependency is missing.
func NewEngine(deps Deps, opts Options, logger log.Logger, hooks EngineHooks) *Engine {
	if err := deps.validate(); err != nil {
		panic(xerrors.New(err.Error()))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.MaxStepsPerEmail <= 0 {
		opts.MaxStepsPerEmail = DefaultMaxStepsPerEmail
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		deps:   deps,
		opts:   opts,
		logger: logger,
		hooks:  hooks,
	}
}

// cycle is the working set of one LoadInbox..Idle pass.
type cycle struct {
	state      State
	batch      *Batch
	current    *Email
	scratch    Scratch
	steps      int
	emailStart time.Time
	report     *CycleReport
}

// Run processes batches until ctx is cancelled. Cancellation is observed only
// between steps and during the idle wait; in-flight calls are not interrupted.
// It returns nil on cancellation and the first infrastructure error otherwise.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if _, err := e.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		e.logger.Info(ctx, "idle", "wait", e.opts.IdleInterval.String())
		t := time.NewTimer(e.opts.IdleInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		e.transition(StateIdle, StateLoadInbox)
	}
}

// RunCycle runs LoadInbox through Idle once, without waiting.
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, error) {
	c := &cycle{
		state:  StateLoadInbox,
		report: &CycleReport{StartedAt: e.opts.Now()},
	}
	// calls are not cancelled mid-flight; ctx is checked between steps
	callCtx := context.WithoutCancel(ctx)

	for c.state != StateIdle {
		if err := ctx.Err(); err != nil {
			return c.report, err
		}
		to, err := e.step(callCtx, c)
		if err != nil {
			return c.report, err
		}
		e.transition(c.state, to)
		c.state = to
	}

	if e.hooks.OnCycle != nil {
		e.hooks.OnCycle(c.report)
	}
	e.logger.Info(ctx, "cycle complete",
		"fetched", c.report.Fetched,
		"sent", c.report.Count(ActionSend),
		"escalated", c.report.Count(ActionEscalate),
		"skipped", c.report.Count(ActionSkip),
	)
	return c.report, nil
}

func (e *Engine) transition(from, to State) {
	if e.hooks.OnTransition != nil {
		e.hooks.OnTransition(from, to)
	}
}

// step performs the work of c.state and returns the next state. A returned
// error is an infrastructure failure that ends the cycle.
func (e *Engine) step(ctx context.Context, c *cycle) (State, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage.step", trace.WithAttributes(
		attribute.String("mailwarden.state", c.state.String()),
	))
	defer span.End()
	if c.current != nil {
		span.SetAttributes(attribute.String("mailwarden.email.id", c.current.ID))
	}

	if c.current != nil && !c.state.Terminal() {
		c.steps++
		if c.steps > e.opts.MaxStepsPerEmail {
			e.fail(ctx, c, fmt.Errorf("%w: %d transitions", ErrStepLimit, c.steps-1))
			return StateEscalate, nil
		}
	}

	to, err := e.do(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return to, err
}

func (e *Engine) do(ctx context.Context, c *cycle) (State, error) {
	switch c.state {
	case StateLoadInbox:
		return e.loadInbox(ctx, c)
	case StateCheckMore:
		return next(StateCheckMore, facts{hasMore: c.batch.HasMore()}), nil
	case StateNextEmail:
		return e.nextEmail(ctx, c), nil
	case StateCategorize:
		return e.categorize(ctx, c)
	case StateBuildQueries:
		return e.buildQueries(ctx, c), nil
	case StateRetrieve:
		return e.retrieve(ctx, c), nil
	case StateDraft:
		return e.draft(ctx, c), nil
	case StateReview:
		return e.review(ctx, c), nil
	case StateSend:
		return e.send(ctx, c)
	case StateEscalate:
		return e.escalate(ctx, c)
	case StateSkip:
		return e.skip(ctx, c)
	case StateIdle:
		return StateIdle, nil
	}
	return StateIdle, fmt.Errorf("unhandled state %s", c.state)
}

func (e *Engine) loadInbox(ctx context.Context, c *cycle) (State, error) {
	emails, err := e.deps.Inbox.Fetch(ctx)
	switch {
	case errors.Is(err, ErrExternal):
		// nothing is consumed; the next cycle fetches again
		e.logger.Error(ctx, err, "inbox fetch failed")
		emails = nil
	case err != nil:
		return StateIdle, fmt.Errorf("load inbox: %w", err)
	}
	c.batch = NewBatch(emails)
	c.report.Fetched = c.batch.Len()
	e.logger.Info(ctx, "inbox loaded", "emails", c.batch.Len())
	return next(StateLoadInbox, facts{}), nil
}

func (e *Engine) nextEmail(ctx context.Context, c *cycle) State {
	c.current = c.batch.Current()
	c.scratch.Reset()
	c.steps = 0
	c.emailStart = e.opts.Now()
	e.logger.Info(ctx, "processing email",
		"email_id", c.current.ID,
		"subject", c.current.Subject,
		"position", c.batch.Cursor()+1,
		"batch", c.batch.Len(),
	)
	return next(StateNextEmail, facts{})
}

func (e *Engine) categorize(ctx context.Context, c *cycle) (State, error) {
	var cat Category
	err := e.call(ctx, "classify", func(ctx context.Context) error {
		var err error
		cat, err = e.deps.Classifier.Classify(ctx, c.current)
		if err != nil {
			return err
		}
		_, err = ParseCategory(string(cat))
		return err
	})
	if err != nil {
		e.fail(ctx, c, err)
		return StateEscalate, nil
	}
	c.scratch.Category = cat
	if err := e.deps.Status.RecordCategory(ctx, c.current, cat); err != nil {
		return StateIdle, fmt.Errorf("record category for %s: %w", c.current.ID, err)
	}
	route := cat.Route()
	e.logger.Info(ctx, "email categorized", "email_id", c.current.ID, "category", string(cat), "route", route.String())
	return next(StateCategorize, facts{route: route}), nil
}

func (e *Engine) buildQueries(ctx context.Context, c *cycle) State {
	var queries []string
	err := e.call(ctx, "build_queries", func(ctx context.Context) error {
		var err error
		queries, err = e.deps.QueryBuilder.BuildQueries(ctx, c.current)
		return err
	})
	if err != nil {
		e.fail(ctx, c, err)
		return StateEscalate
	}
	c.scratch.Queries = queries
	return next(StateBuildQueries, facts{})
}

func (e *Engine) retrieve(ctx context.Context, c *cycle) State {
	if len(c.scratch.Queries) == 0 {
		e.logger.Info(ctx, "no queries, retrieval skipped", "email_id", c.current.ID)
		return next(StateRetrieve, facts{})
	}
	var material string
	err := e.call(ctx, "retrieve", func(ctx context.Context) error {
		var err error
		material, err = e.deps.Retriever.RetrieveContext(ctx, c.scratch.Queries)
		return err
	})
	if err != nil {
		e.fail(ctx, c, err)
		return StateEscalate
	}
	c.scratch.Context = material
	return next(StateRetrieve, facts{})
}

func (e *Engine) draft(ctx context.Context, c *cycle) State {
	if c.scratch.RetryCount >= MaxDraftAttempts {
		e.fail(ctx, c, fmt.Errorf("draft attempted after %d attempts", c.scratch.RetryCount))
		return StateEscalate
	}
	c.scratch.RetryCount++
	attempt := c.scratch.RetryCount

	in := &DraftInput{
		Email:    c.current,
		Category: c.scratch.Category,
		Context:  c.scratch.Context,
		History:  append([]Turn(nil), c.scratch.History...),
		Attempt:  attempt,
	}

	var text string
	err := e.call(ctx, "draft", func(ctx context.Context) error {
		var err error
		text, err = e.deps.Drafter.Draft(ctx, in)
		return err
	})
	if err != nil {
		e.fail(ctx, c, err)
		return StateEscalate
	}

	c.scratch.History = append(c.scratch.History,
		Turn{Role: RoleContext, Text: contextTurnText(in), Attempt: attempt},
		Turn{Role: RoleDraft, Text: text, Attempt: attempt},
	)
	c.scratch.Draft = text
	e.logger.Info(ctx, "draft written", "email_id", c.current.ID, "attempt", attempt)
	return next(StateDraft, facts{})
}

func (e *Engine) review(ctx context.Context, c *cycle) State {
	var v Verdict
	err := e.call(ctx, "review", func(ctx context.Context) error {
		var err error
		v, err = e.deps.Reviewer.Review(ctx, c.current, c.scratch.Draft)
		return err
	})
	if err != nil {
		e.fail(ctx, c, err)
		return StateEscalate
	}

	c.scratch.History = append(c.scratch.History, Turn{Role: RoleReview, Text: v.Reason, Attempt: c.scratch.RetryCount})
	c.scratch.Sendable = v.Sendable

	e.logger.Info(ctx, "draft reviewed",
		"email_id", c.current.ID,
		"attempt", c.scratch.RetryCount,
		"sendable", v.Sendable,
	)
	return next(StateReview, facts{sendable: v.Sendable, retryCount: c.scratch.RetryCount})
}

func (e *Engine) send(ctx context.Context, c *cycle) (State, error) {
	err := e.call(ctx, "send", func(ctx context.Context) error {
		return e.deps.Dispatcher.Send(ctx, c.current, c.scratch.Draft)
	})
	if err != nil {
		// a failed delivery still needs a human
		e.fail(ctx, c, err)
		return StateEscalate, nil
	}
	return e.finish(ctx, c, ActionSend, "")
}

func (e *Engine) escalate(ctx context.Context, c *cycle) (State, error) {
	task := NewEscalationTask(c.current, &c.scratch, e.opts.Now())
	if err := e.deps.Escalator.Escalate(ctx, task); err != nil {
		return StateIdle, fmt.Errorf("publish escalation for %s: %w", c.current.ID, err)
	}
	return e.finish(ctx, c, ActionEscalate, task.Remark)
}

func (e *Engine) skip(ctx context.Context, c *cycle) (State, error) {
	return e.finish(ctx, c, ActionSkip, "unrelated")
}

// finish records the terminal action, clears the scratch record and advances
// the cursor, in that order.
func (e *Engine) finish(ctx context.Context, c *cycle, action Action, reason string) (State, error) {
	o := Outcome{
		EmailID:    c.current.ID,
		Action:     action,
		Category:   c.scratch.Category,
		RetryCount: c.scratch.RetryCount,
		History:    append([]Turn(nil), c.scratch.History...),
		Reason:     reason,
		Duration:   e.opts.Now().Sub(c.emailStart),
	}

	if err := e.deps.Status.RecordOutcome(ctx, c.current, &o); err != nil {
		return StateIdle, fmt.Errorf("record outcome for %s: %w", c.current.ID, err)
	}

	c.report.Outcomes = append(c.report.Outcomes, o)
	if e.hooks.OnOutcome != nil {
		e.hooks.OnOutcome(&o)
	}
	e.logger.Info(ctx, "email done",
		"email_id", o.EmailID,
		"action", string(o.Action),
		"category", string(o.Category),
		"attempts", o.RetryCount,
	)

	c.batch.MarkHandled(c.current.ID)
	c.scratch.Reset()
	c.current = nil
	c.steps = 0
	c.batch.Advance()
	return next(c.state, facts{}), nil
}

// fail records a per-email failure on the scratch record.
func (e *Engine) fail(ctx context.Context, c *cycle, err error) {
	c.scratch.Failure = err.Error()
	e.logger.Error(ctx, err, "email routed to escalation",
		"email_id", c.current.ID,
		"state", c.state.String(),
		"attempt", c.scratch.RetryCount,
	)
}

// call runs one capability invocation inside a span, timing it for hooks.
// Failures are wrapped with ErrExternal.
func (e *Engine) call(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "capability.call", trace.WithAttributes(
		attribute.String("mailwarden.capability", name),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	dur := time.Since(start).Seconds()

	if e.hooks.OnCapability != nil {
		e.hooks.OnCapability(name, dur, err != nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %s: %w", ErrExternal, name, err)
	}
	return nil
}

// contextTurnText describes what a drafting attempt was given.
func contextTurnText(in *DraftInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "attempt %d\ncategory: %s\nfrom: %s\nsubject: %s\n\n%s",
		in.Attempt, in.Category, in.Email.Sender, in.Email.Subject, in.Email.Body)
	if in.Context != "" {
		fmt.Fprintf(&b, "\n\nreference material:\n%s", in.Context)
	}
	return b.String()
}
