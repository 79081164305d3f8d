// Package memory provides mutex-guarded in-memory implementations of the
// store interfaces. It is the default when no database is configured and the
// workhorse of the test suite.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"qplane/internal/lifecycle"
	"qplane/internal/store"
)

// Store implements store.JobStore and store.EventStore in memory.
type Store struct {
	mu     sync.RWMutex
	jobs   map[uuid.UUID]*store.JobRecord
	events map[uuid.UUID][]store.Event
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:   make(map[uuid.UUID]*store.JobRecord),
		events: make(map[uuid.UUID][]store.Event),
	}
}

func (s *Store) CreateJob(_ context.Context, job *store.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*store.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *Store) ListJobs(_ context.Context) ([]*store.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.JobRecord, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AppendTransition(_ context.Context, jobID uuid.UUID, rec lifecycle.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	job.Transitions = append(job.Transitions, rec)
	job.State = rec.To
	if rec.To.Terminal() {
		job.Cause = rec.Cause
		job.DetailsRef = rec.DetailsRef
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdateStage(_ context.Context, jobID uuid.UUID, stage *store.StageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	sc := *stage
	job.Stages[stage.StageID] = &sc
	job.UpdatedAt = time.Now()
	return nil
}

func (s *Store) AppendEvent(_ context.Context, ev store.Event) (store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Seq = int64(len(s.events[ev.JobID])) + 1
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events[ev.JobID] = append(s.events[ev.JobID], ev)
	return ev, nil
}

func (s *Store) EventsSince(_ context.Context, jobID uuid.UUID, after int64) ([]store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.events[jobID]
	if after < 0 {
		after = 0
	}
	if after >= int64(len(all)) {
		return nil, nil
	}
	out := make([]store.Event, len(all)-int(after))
	copy(out, all[after:])
	return out, nil
}
