package triage

// Batch is an immutable snapshot of fetched emails walked by a cursor.
// Handled emails are tracked in a marker set instead of being removed, so the
// cursor never shifts under the engine.
type Batch struct {
	emails  []Email
	cursor  int
	handled map[string]struct{}
}

// NewBatch snapshots emails in the order the inbox returned them.
func NewBatch(emails []Email) *Batch {
	cp := make([]Email, len(emails))
	copy(cp, emails)
	b := &Batch{
		emails:  cp,
		handled: make(map[string]struct{}, len(cp)),
	}
	b.skipHandled()
	return b
}

// Len returns the snapshot size.
func (b *Batch) Len() int { return len(b.emails) }

// Cursor returns the index of the current email.
func (b *Batch) Cursor() int { return b.cursor }

// HasMore reports whether the cursor points at an email.
func (b *Batch) HasMore() bool { return b.cursor < len(b.emails) }

// Current returns a copy of the email under the cursor, or nil when exhausted.
func (b *Batch) Current() *Email {
	if !b.HasMore() {
		return nil
	}
	e := b.emails[b.cursor]
	return &e
}

// MarkHandled records that a terminal action consumed the email.
func (b *Batch) MarkHandled(id string) {
	b.handled[id] = struct{}{}
}

// Handled reports whether the email id was consumed.
func (b *Batch) Handled(id string) bool {
	_, ok := b.handled[id]
	return ok
}

// Advance moves the cursor past the current email and any already handled ones.
func (b *Batch) Advance() {
	if b.HasMore() {
		b.cursor++
	}
	b.skipHandled()
}

// Pending returns the emails not yet consumed, in batch order.
func (b *Batch) Pending() []Email {
	out := make([]Email, 0, len(b.emails)-len(b.handled))
	for _, e := range b.emails {
		if !b.Handled(e.ID) {
			out = append(out, e)
		}
	}
	return out
}

func (b *Batch) skipHandled() {
	for b.cursor < len(b.emails) && b.Handled(b.emails[b.cursor].ID) {
		b.cursor++
	}
}
