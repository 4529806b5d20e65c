// Package dosetest provides in-memory dose collaborators for tests.
package dosetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// Store is an in-memory dose.Repository and dose.TxRunner. Transactions are
// serialized and roll back on error.
type Store struct {
	mu      sync.Mutex
	txMu    sync.Mutex
	records map[string]*dose.Record

	// CreateErr, when set, is consulted before each Create.
	CreateErr func(rec *dose.Record) error
	// UpdateErr, when set, is consulted before each Update.
	UpdateErr func(rec *dose.Record) error
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{records: make(map[string]*dose.Record)}
}

func clone(rec *dose.Record) *dose.Record {
	c := *rec
	c.ClearChanges()
	return &c
}

// Create implements dose.Repository.
func (s *Store) Create(_ context.Context, rec *dose.Record) error {
	if s.CreateErr != nil {
		if err := s.CreateErr(rec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Version = 1
	s.records[rec.ID] = clone(rec)
	return nil
}

// GetByID implements dose.Repository.
func (s *Store) GetByID(_ context.Context, id string) (*dose.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, dose.ErrNotFound
	}
	return clone(rec), nil
}

// DeleteBySourceRequest implements dose.Repository.
func (s *Store) DeleteBySourceRequest(_ context.Context, sourceRequestID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.SourceRequestID == sourceRequestID {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// FindByStatusAndRange implements dose.Repository.
func (s *Store) FindByStatusAndRange(_ context.Context, status dose.Status, from, to time.Time) ([]*dose.Record, error) {
	return s.filter(func(rec *dose.Record) bool {
		return rec.Status == status && inRange(rec.ScheduledAt, from, to)
	}), nil
}

// FindByPatientAndRange implements dose.Repository.
func (s *Store) FindByPatientAndRange(_ context.Context, patientID string, from, to time.Time) ([]*dose.Record, error) {
	return s.filter(func(rec *dose.Record) bool {
		return rec.PatientID == patientID && inRange(rec.ScheduledAt, from, to)
	}), nil
}

// Update implements dose.Repository with an optimistic version check.
func (s *Store) Update(_ context.Context, rec *dose.Record) error {
	if s.UpdateErr != nil {
		if err := s.UpdateErr(rec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[rec.ID]
	if !ok {
		return dose.ErrNotFound
	}
	if stored.Version != rec.Version {
		return dose.ErrConcurrentUpdate
	}
	rec.Version++
	s.records[rec.ID] = clone(rec)
	return nil
}

// InTx implements dose.TxRunner.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snapshot := s.snapshot()
	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.records = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// All returns every stored record ordered by scheduled time.
func (s *Store) All() []*dose.Record {
	return s.filter(func(*dose.Record) bool { return true })
}

// Put stores rec as is, bypassing versioning.
func (s *Store) Put(rec *dose.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = clone(rec)
}

func (s *Store) snapshot() map[string]*dose.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*dose.Record, len(s.records))
	for id, rec := range s.records {
		out[id] = clone(rec)
	}
	return out
}

func (s *Store) filter(keep func(*dose.Record) bool) []*dose.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*dose.Record
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

// Notifier records published events.
type Notifier struct {
	mu     sync.Mutex
	events []*dose.Event

	// Err, when set, is returned from Publish.
	Err error
}

// Publish implements dose.Notifier.
func (n *Notifier) Publish(_ context.Context, kind dose.EventKind, event *dose.Event) error {
	if n.Err != nil {
		return n.Err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// Events returns the published events.
func (n *Notifier) Events() []*dose.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*dose.Event(nil), n.events...)
}

// EventsOf returns the published events of one kind.
func (n *Notifier) EventsOf(kind dose.EventKind) []*dose.Event {
	var out []*dose.Event
	for _, e := range n.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
