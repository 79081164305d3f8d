package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"qplane/internal/lifecycle"
	"qplane/internal/store"
	"qplane/internal/workflow"
)

func newJob() *store.JobRecord {
	return &store.JobRecord{
		ID:       uuid.New(),
		Name:     "bell-state",
		Priority: store.PriorityNormal,
		State:    lifecycle.StatePending,
		GraphRef: "blob://graph",
		Stages: map[workflow.StageID]*store.StageRecord{
			"compile": {StageID: "compile", Status: store.StageStatusPending},
		},
		CreatedAt: time.Now(),
	}
}

func TestStore_CreateAndGetJob(t *testing.T) {
	s := New()
	ctx := context.Background()
	job := newJob()

	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := s.CreateJob(ctx, job); err == nil {
		t.Error("expected error creating duplicate job")
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Name != "bell-state" || got.State != lifecycle.StatePending {
		t.Errorf("unexpected job %+v", got)
	}

	// The store hands out copies; mutating them must not leak back.
	got.Stages["compile"].Status = store.StageStatusFailed
	again, _ := s.GetJob(ctx, job.ID)
	if again.Stages["compile"].Status != store.StageStatusPending {
		t.Error("GetJob returned a shared reference")
	}

	if _, err := s.GetJob(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListJobsNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	older := newJob()
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newJob()

	if err := s.CreateJob(ctx, older); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := s.CreateJob(ctx, newer); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	jobs, err := s.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != newer.ID {
		t.Errorf("expected newest first, got %s", jobs[0].ID)
	}
}

func TestStore_AppendTransition(t *testing.T) {
	s := New()
	ctx := context.Background()
	job := newJob()
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	recs := []lifecycle.Record{
		{From: lifecycle.StatePending, To: lifecycle.StateCompiling, At: time.Now()},
		{From: lifecycle.StateCompiling, To: lifecycle.StateError, At: time.Now(), Cause: lifecycle.CauseCompilationFailed, DetailsRef: "blob://diag"},
	}
	for _, rec := range recs {
		if err := s.AppendTransition(ctx, job.ID, rec); err != nil {
			t.Fatalf("AppendTransition failed: %v", err)
		}
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.State != lifecycle.StateError {
		t.Errorf("expected state ERROR, got %s", got.State)
	}
	if got.Cause != lifecycle.CauseCompilationFailed || got.DetailsRef != "blob://diag" {
		t.Errorf("terminal cause not recorded: cause=%q details=%q", got.Cause, got.DetailsRef)
	}
	if len(got.Transitions) != 2 {
		t.Errorf("expected 2 transitions, got %d", len(got.Transitions))
	}

	if err := s.AppendTransition(ctx, uuid.New(), recs[0]); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateStage(t *testing.T) {
	s := New()
	ctx := context.Background()
	job := newJob()
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	update := &store.StageRecord{
		StageID:   "compile",
		Status:    store.StageStatusCompleted,
		Attempt:   2,
		ResultRef: "blob://result",
	}
	if err := s.UpdateStage(ctx, job.ID, update); err != nil {
		t.Fatalf("UpdateStage failed: %v", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	st := got.Stages["compile"]
	if st.Status != store.StageStatusCompleted || st.Attempt != 2 || st.ResultRef != "blob://result" {
		t.Errorf("stage not updated: %+v", st)
	}

	// Later mutation of the caller's record must not reach the store.
	update.Attempt = 99
	again, _ := s.GetJob(ctx, job.ID)
	if again.Stages["compile"].Attempt != 2 {
		t.Error("UpdateStage kept a shared reference")
	}
}

func TestStore_EventSeqIsGapless(t *testing.T) {
	s := New()
	ctx := context.Background()
	jobID := uuid.New()
	other := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AppendEvent(ctx, store.Event{JobID: jobID, Type: "state"}); err != nil {
				t.Errorf("AppendEvent failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := s.AppendEvent(ctx, store.Event{JobID: other, Type: "state"}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	events, err := s.EventsSince(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	if len(events) != 20 {
		t.Fatalf("expected 20 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("seq gap at index %d: got %d", i, ev.Seq)
		}
	}

	// Separate jobs keep independent sequences.
	otherEvents, _ := s.EventsSince(ctx, other, 0)
	if len(otherEvents) != 1 || otherEvents[0].Seq != 1 {
		t.Errorf("expected independent seq for other job, got %v", otherEvents)
	}
}

func TestStore_EventsSinceResumes(t *testing.T) {
	s := New()
	ctx := context.Background()
	jobID := uuid.New()

	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent(ctx, store.Event{JobID: jobID, Type: "state"}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := s.EventsSince(ctx, jobID, 3)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 4 || events[1].Seq != 5 {
		t.Errorf("expected events 4 and 5, got %v", events)
	}

	if tail, _ := s.EventsSince(ctx, jobID, 5); len(tail) != 0 {
		t.Errorf("expected no events past the head, got %v", tail)
	}
}
