package triage

import "testing"

func TestBatch_WalksSnapshot(t *testing.T) {
	t.Parallel()

	src := []Email{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	b := NewBatch(src)

	// later changes to the source slice do not leak into the snapshot
	src[0].ID = "mutated"

	var seen []string
	for b.HasMore() {
		cur := b.Current()
		seen = append(seen, cur.ID)
		b.MarkHandled(cur.ID)
		b.Advance()
	}
	if len(seen) != 3 || seen[0] != "a" || seen[2] != "c" {
		t.Errorf("seen = %v, want [a b c]", seen)
	}
	if b.Current() != nil {
		t.Error("Current should be nil when exhausted")
	}
	if len(b.Pending()) != 0 {
		t.Errorf("pending = %d, want 0", len(b.Pending()))
	}
}

func TestBatch_SkipsHandled(t *testing.T) {
	t.Parallel()

	b := NewBatch([]Email{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	b.MarkHandled("b")
	b.Advance()

	if got := b.Current(); got == nil || got.ID != "c" {
		t.Fatalf("Current = %v, want c", got)
	}
	if b.Cursor() != 2 {
		t.Errorf("Cursor = %d, want 2", b.Cursor())
	}
	p := b.Pending()
	if len(p) != 2 || p[0].ID != "a" || p[1].ID != "c" {
		t.Errorf("Pending = %v", p)
	}
}

func TestBatch_CurrentIsCopy(t *testing.T) {
	t.Parallel()

	b := NewBatch([]Email{{ID: "a", Subject: "hi"}})
	b.Current().Subject = "changed"
	if b.Current().Subject != "hi" {
		t.Error("Current leaked a reference into the snapshot")
	}
}

func TestBatch_Empty(t *testing.T) {
	t.Parallel()

	b := NewBatch(nil)
	if b.HasMore() || b.Len() != 0 {
		t.Error("empty batch should have nothing")
	}
	b.Advance()
	if b.Cursor() != 0 {
		t.Errorf("Cursor = %d, want 0", b.Cursor())
	}
}
