package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/mailwarden/internal/escalation"
)

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func task(id string, offset time.Duration) *escalation.Task {
	return &escalation.Task{
		EmailID:   id,
		ThreadID:  "t-" + id,
		Sender:    "a@example.com",
		Subject:   "subject " + id,
		Body:      "body",
		Category:  "customer_complaint",
		CreatedAt: base.Add(offset),
		Status:    escalation.StatusPending,
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.Upsert(ctx, task("e-1", 0)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok, err := s.Get(ctx, "e-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected task to be found")
	}
	if got.Subject != "subject e-1" || got.Status != escalation.StatusPending {
		t.Errorf("got %+v", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	_, ok, err := New().Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_UpsertResetsResolved(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Upsert(ctx, task("e-1", 0))
	if _, ok, err := s.Resolve(ctx, "e-1", escalation.Resolution{Operator: "ops", ReplyContent: "done"}); err != nil || !ok {
		t.Fatalf("Resolve: ok=%v err=%v", ok, err)
	}

	again := task("e-1", time.Hour)
	again.Subject = "updated"
	if err := s.Upsert(ctx, again); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, _, _ := s.Get(ctx, "e-1")
	if got.Status != escalation.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Subject != "updated" || got.Operator != "" || got.ProcessedAt != nil {
		t.Errorf("got %+v", got)
	}
}

func TestStore_DuplicatePublishKeepsOneRow(t *testing.T) {
	t.Parallel()

	s := New()
	q := escalation.NewLocalQueue(escalation.NewConsumer(s, nil, 0))
	ctx := context.Background()

	for range 2 {
		if err := q.Escalate(ctx, task("dup", 0)); err != nil {
			t.Fatalf("Escalate: %v", err)
		}
	}

	page, err := s.List(ctx, escalation.ListQuery{Status: escalation.StatusPending, Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 1 || page.Tasks[0].EmailID != "dup" {
		t.Errorf("page = %+v, want one pending row", page)
	}
}

func TestStore_ListPaginates(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i := range 15 {
		_ = s.Upsert(ctx, task(fmt.Sprintf("e-%02d", i), time.Duration(i)*time.Minute))
	}
	_ = s.Upsert(ctx, task("resolved", time.Hour))
	_, _, _ = s.Resolve(ctx, "resolved", escalation.Resolution{Operator: "ops"})

	page, err := s.List(ctx, escalation.ListQuery{Status: escalation.StatusPending, Page: 2, PageSize: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 15 {
		t.Errorf("Total = %d, want 15", page.Total)
	}
	if len(page.Tasks) != 5 {
		t.Fatalf("len(Tasks) = %d, want 5", len(page.Tasks))
	}
	// newest first: page 2 holds the five oldest
	if page.Tasks[0].EmailID != "e-04" || page.Tasks[4].EmailID != "e-00" {
		t.Errorf("page 2 = %s..%s, want e-04..e-00", page.Tasks[0].EmailID, page.Tasks[4].EmailID)
	}

	resolved, err := s.List(ctx, escalation.ListQuery{Status: escalation.StatusResolved, Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("List resolved: %v", err)
	}
	if resolved.Total != 1 {
		t.Errorf("resolved Total = %d, want 1", resolved.Total)
	}

	empty, err := s.List(ctx, escalation.ListQuery{Status: escalation.StatusPending, Page: 9, PageSize: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if empty.Total != 15 || len(empty.Tasks) != 0 {
		t.Errorf("beyond last page = %+v", empty)
	}
}

func TestStore_ListRejectsBadQuery(t *testing.T) {
	t.Parallel()

	_, err := New().List(context.Background(), escalation.ListQuery{Status: escalation.StatusPending, Page: 0, PageSize: 10})
	if !escalation.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestStore_Resolve(t *testing.T) {
	t.Parallel()

	s := New()
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	ctx := context.Background()
	_ = s.Upsert(ctx, task("e-1", 0))

	got, ok, err := s.Resolve(ctx, "e-1", escalation.Resolution{
		Operator:     "alice",
		ReplyContent: "We refunded you.",
		ReplyID:      "<r1@example.com>",
		Remark:       "refund",
	})
	if err != nil || !ok {
		t.Fatalf("Resolve: ok=%v err=%v", ok, err)
	}
	if got.Status != escalation.StatusResolved || got.Operator != "alice" || got.Remark != "refund" {
		t.Errorf("got %+v", got)
	}
	if got.ProcessedAt == nil || !got.ProcessedAt.Equal(base.Add(2*time.Hour)) {
		t.Errorf("ProcessedAt = %v", got.ProcessedAt)
	}

	if _, ok, _ := s.Resolve(ctx, "missing", escalation.Resolution{Operator: "alice"}); ok {
		t.Error("expected ok=false for missing task")
	}
	if _, _, err := s.Resolve(ctx, "e-1", escalation.Resolution{}); !escalation.IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.Upsert(ctx, task(fmt.Sprintf("c-%d", n), time.Duration(n)))
		}(i)
	}
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.List(ctx, escalation.ListQuery{Status: escalation.StatusPending, Page: 1, PageSize: 5})
		}()
	}
	wg.Wait()

	page, _ := s.List(ctx, escalation.ListQuery{Status: escalation.StatusPending, Page: 1, PageSize: 5})
	if page.Total != 50 {
		t.Errorf("Total = %d, want 50", page.Total)
	}
}
