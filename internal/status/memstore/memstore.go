// Package memstore provides an in-memory implementation of status.Store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/mailwarden/internal/status"
)

type entry struct {
	rec     status.Record
	expires time.Time
}

// Store holds status records in memory with the same retention as the
// persistent backends.
type Store struct {
	mu        sync.RWMutex
	records   map[string]entry
	retention time.Duration
	now       func() time.Time
}

// New initializes a new in-memory Store. A zero retention uses status.DefaultRetention.
func New(retention time.Duration) *Store {
	if retention <= 0 {
		retention = status.DefaultRetention
	}
	return &Store{
		records:   make(map[string]entry),
		retention: retention,
		now:       time.Now,
	}
}

// Get returns a copy of the record for emailID, ignoring expired entries.
func (s *Store) Get(_ context.Context, emailID string) (*status.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[emailID]
	if !ok || !s.now().Before(e.expires) {
		return nil, false, nil
	}
	cp := e.rec
	return &cp, true, nil
}

// Put stores a copy of rec and restarts its retention window.
func (s *Store) Put(_ context.Context, rec *status.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.EmailID] = entry{rec: *rec, expires: s.now().Add(s.retention)}
	return nil
}
