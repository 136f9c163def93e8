package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/mailwarden/internal/status"
)

func TestPutGet(t *testing.T) {
	t.Parallel()

	s := New(0)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}

	rec := &status.Record{EmailID: "1", Status: status.Unprocessed, Subject: "Hello"}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec.Subject = "mutated"

	got, ok, err := s.Get(ctx, "1")
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if got.Subject != "Hello" {
		t.Errorf("stored record aliased caller's value: %q", got.Subject)
	}
	got.Subject = "mutated again"
	again, _, _ := s.Get(ctx, "1")
	if again.Subject != "Hello" {
		t.Errorf("Get returned shared record: %q", again.Subject)
	}
}

func TestRetention(t *testing.T) {
	t.Parallel()

	s := New(time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.Put(ctx, &status.Record{EmailID: "1", Status: status.AutoReplied}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	now = now.Add(59 * time.Minute)
	if _, ok, _ := s.Get(ctx, "1"); !ok {
		t.Fatal("record expired early")
	}

	// A write restarts the window.
	if err := s.Put(ctx, &status.Record{EmailID: "1", Status: status.AutoReplied}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	now = now.Add(59 * time.Minute)
	if _, ok, _ := s.Get(ctx, "1"); !ok {
		t.Fatal("rewrite did not extend retention")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "1"); ok {
		t.Fatal("record visible after retention")
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New(0)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("e-%d", i%5)
			_ = s.Put(ctx, &status.Record{EmailID: id, Status: status.Ignored})
			_, _, _ = s.Get(ctx, id)
		}(i)
	}
	wg.Wait()

	for i := range 5 {
		if _, ok, _ := s.Get(ctx, fmt.Sprintf("e-%d", i)); !ok {
			t.Errorf("e-%d missing", i)
		}
	}
}
