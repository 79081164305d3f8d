package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"qplane/internal/backend"
	"qplane/internal/checkpoint"
	"qplane/internal/lifecycle"
	"qplane/internal/pipeline"
	"qplane/internal/scheduler"
	"qplane/internal/store"
	"qplane/internal/store/memory"
	"qplane/internal/workflow"
)

type testStack struct {
	orch   *Orchestrator
	jobs   *memory.Store
	blobs  *memory.BlobStore
	driver *pipeline.Driver
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jobs := memory.New()
	blobs := memory.NewBlobStore()
	coord := checkpoint.NewCoordinator(blobs, logger)
	engine := scheduler.NewEngine([]scheduler.Device{
		{ID: "sim-local", Qubits: 32, Formats: []string{"qobj"}, Online: true},
	}, scheduler.Options{})
	driver := pipeline.NewDriver(engine, coord, jobs, jobs, blobs,
		pipeline.Collaborators{Compiler: backend.SimCompiler{}, Executor: backend.NewSimExecutor()},
		pipeline.Config{MaxConcurrentStages: 4, DefaultDeadline: 10 * time.Second},
		logger)
	return &testStack{
		orch:   New(jobs, jobs, blobs, coord, driver, logger),
		jobs:   jobs,
		blobs:  blobs,
		driver: driver,
	}
}

func hybridIR() workflow.IR {
	return workflow.IR{Stages: []workflow.Stage{
		{ID: "compile", Kind: workflow.KindCompile, Source: "h q[0]; cx q[0],q[1];", Outputs: []string{"payload"}, Constraints: workflow.Constraints{Format: "qobj"}},
		{ID: "execute", Kind: workflow.KindQuantum, DependsOn: []workflow.StageID{"compile"}, Inputs: []string{"payload"}, Outputs: []string{"counts"}, Shots: 256, Constraints: workflow.Constraints{Qubits: 2, Format: "qobj"}},
	}}
}

// seedCrashedJob fabricates the persisted record of a job that was mid-flight
// when the previous instance stopped: graph blob stored, transition history
// recorded up to the given states, every stage still pending.
func seedCrashedJob(t *testing.T, s *testStack, ir workflow.IR, path []lifecycle.State) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	g, err := workflow.Build(ir)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	jobID := uuid.New()

	irBytes, err := json.Marshal(ir)
	if err != nil {
		t.Fatalf("marshal IR: %v", err)
	}
	graphRef, err := s.blobs.Persist(ctx, jobID, "", "graph", irBytes)
	if err != nil {
		t.Fatalf("persist graph: %v", err)
	}

	stages := make(map[workflow.StageID]*store.StageRecord, g.Len())
	for _, st := range g.Stages() {
		stages[st.ID] = &store.StageRecord{StageID: st.ID, Status: store.StageStatusPending}
	}
	job := &store.JobRecord{
		ID:        jobID,
		Name:      "interrupted",
		Priority:  store.PriorityNormal,
		State:     lifecycle.StatePending,
		GraphRef:  graphRef,
		Stages:    stages,
		CreatedAt: time.Now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	for i := 1; i < len(path); i++ {
		rec := lifecycle.Record{From: path[i-1], To: path[i], At: time.Now()}
		if err := s.jobs.AppendTransition(ctx, jobID, rec); err != nil {
			t.Fatalf("AppendTransition failed: %v", err)
		}
	}
	return jobID
}

func waitDone(t *testing.T, s *testStack, jobID uuid.UUID) *store.JobRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.jobs.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.State.Terminal() {
			s.driver.Wait(jobID)
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state in time")
	return nil
}

func TestRecover_TransitionHistoryStaysContiguous(t *testing.T) {
	s := newTestStack(t)
	jobID := seedCrashedJob(t, s, hybridIR(), []lifecycle.State{
		lifecycle.StatePending, lifecycle.StateCompiling,
		lifecycle.StateQueued, lifecycle.StateRunning,
	})

	if err := s.orch.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	job := waitDone(t, s, jobID)

	if job.State != lifecycle.StateDone {
		t.Fatalf("expected DONE after recovery, got %s (cause %s)", job.State, job.Cause)
	}

	if len(job.Transitions) == 0 || job.Transitions[0].From != lifecycle.StatePending {
		t.Fatalf("history must start at PENDING, got %+v", job.Transitions)
	}
	terminals := 0
	for i, rec := range job.Transitions {
		if i > 0 && rec.From != job.Transitions[i-1].To {
			t.Errorf("transition %d breaks the chain: ...->%s then %s->%s",
				i, job.Transitions[i-1].To, rec.From, rec.To)
		}
		if rec.To.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("expected exactly one terminal transition, got %d", terminals)
	}
	if last := job.Transitions[len(job.Transitions)-1]; last.From != lifecycle.StateRunning || last.To != lifecycle.StateDone {
		t.Errorf("expected the relaunched run to append RUNNING->DONE, got %s->%s", last.From, last.To)
	}
}

func TestRecover_ResumesFromCompiling(t *testing.T) {
	s := newTestStack(t)
	jobID := seedCrashedJob(t, s, hybridIR(), []lifecycle.State{
		lifecycle.StatePending, lifecycle.StateCompiling,
	})

	if err := s.orch.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	job := waitDone(t, s, jobID)

	if job.State != lifecycle.StateDone {
		t.Fatalf("expected DONE, got %s (cause %s)", job.State, job.Cause)
	}
	// PENDING->COMPILING was already recorded; the relaunched run must not
	// repeat it.
	want := []lifecycle.State{
		lifecycle.StateCompiling, lifecycle.StateQueued,
		lifecycle.StateRunning, lifecycle.StateDone,
	}
	if len(job.Transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), job.Transitions)
	}
	for i, rec := range job.Transitions {
		if rec.To != want[i] {
			t.Fatalf("transition %d is %s->%s, want ...->%s", i, rec.From, rec.To, want[i])
		}
	}
}

func TestRecover_SkipsTerminalJobs(t *testing.T) {
	s := newTestStack(t)
	jobID := seedCrashedJob(t, s, hybridIR(), []lifecycle.State{
		lifecycle.StatePending, lifecycle.StateCompiling,
		lifecycle.StateQueued, lifecycle.StateRunning, lifecycle.StateDone,
	})

	before, err := s.jobs.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if err := s.orch.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	after, err := s.jobs.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if len(after.Transitions) != len(before.Transitions) {
		t.Errorf("terminal job gained transitions during recovery: %d -> %d",
			len(before.Transitions), len(after.Transitions))
	}
}

func TestCancel_SettledRunnerReportsTerminal(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	jobID, err := s.orch.Submit(ctx, hybridIR(), SubmitOptions{Name: "settles"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitDone(t, s, jobID)

	if err := s.orch.Cancel(ctx, jobID); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("expected ErrJobTerminal for a settled job, got %v", err)
	}
}
