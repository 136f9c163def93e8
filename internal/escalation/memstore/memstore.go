// Package memstore provides an in-memory implementation of escalation.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/mailwarden/internal/escalation"
)

// Store holds escalation tasks in memory. Suitable for dev/testing.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*escalation.Task // email ID -> task
	now   func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		tasks: make(map[string]*escalation.Task),
		now:   time.Now,
	}
}

// Upsert stores a copy of the task. An existing task for the same email is
// overwritten and reset to pending.
func (s *Store) Upsert(_ context.Context, t *escalation.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.Status = escalation.StatusPending
	cp.ProcessedAt = nil
	cp.Operator = ""
	cp.ReplyContent = ""
	cp.ReplyID = ""
	s.tasks[t.EmailID] = &cp
	return nil
}

// Get retrieves a task by email ID. Returns a copy.
func (s *Store) Get(_ context.Context, emailID string) (*escalation.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[emailID]
	if !ok {
		return nil, false, nil
	}
	return clone(t), true, nil
}

// List returns one page of tasks with the requested status, newest first.
func (s *Store) List(_ context.Context, q escalation.ListQuery) (*escalation.Page, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	matched := make([]*escalation.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Status == q.Status {
			matched = append(matched, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].EmailID < matched[j].EmailID
	})

	page := &escalation.Page{
		Total:    len(matched),
		Page:     q.Page,
		PageSize: q.PageSize,
		Tasks:    []escalation.Task{},
	}
	start := q.Offset()
	if start >= len(matched) {
		return page, nil
	}
	end := min(start+q.PageSize, len(matched))
	for _, t := range matched[start:end] {
		page.Tasks = append(page.Tasks, *clone(t))
	}
	return page, nil
}

// Resolve marks a task resolved with the operator's reply details.
func (s *Store) Resolve(_ context.Context, emailID string, r escalation.Resolution) (*escalation.Task, bool, error) {
	if err := r.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[emailID]
	if !ok {
		return nil, false, nil
	}
	now := s.now().UTC()
	t.Status = escalation.StatusResolved
	t.ProcessedAt = &now
	t.Operator = r.Operator
	t.ReplyContent = r.ReplyContent
	t.ReplyID = r.ReplyID
	if r.Remark != "" {
		t.Remark = r.Remark
	}
	return clone(t), true, nil
}

func clone(t *escalation.Task) *escalation.Task {
	cp := *t
	if t.ProcessedAt != nil {
		p := *t.ProcessedAt
		cp.ProcessedAt = &p
	}
	return &cp
}
