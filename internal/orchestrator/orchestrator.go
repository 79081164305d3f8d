// Package orchestrator is the externally-visible surface of the kernel: job
// admission, status, cancellation, and the ordered event feed. It binds the
// graph model, state machine, scheduler, checkpoint coordinator, and pipeline
// driver together.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"qplane/internal/checkpoint"
	"qplane/internal/lifecycle"
	"qplane/internal/logger"
	"qplane/internal/pipeline"
	"qplane/internal/store"
	"qplane/internal/workflow"
)

// ErrJobTerminal is returned when an operation requires a job that can still
// make progress.
var ErrJobTerminal = errors.New("job already reached a terminal state")

// Orchestrator exposes the four kernel operations over a wired driver.
type Orchestrator struct {
	jobs   store.JobStore
	events store.EventStore
	blobs  store.BlobStore
	coord  *checkpoint.Coordinator
	driver *pipeline.Driver
	logger *slog.Logger
}

// New wires an orchestrator.
func New(jobs store.JobStore, events store.EventStore, blobs store.BlobStore, coord *checkpoint.Coordinator, driver *pipeline.Driver, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		jobs:   jobs,
		events: events,
		blobs:  blobs,
		coord:  coord,
		driver: driver,
		logger: logger,
	}
}

// SubmitOptions carry per-job admission knobs.
type SubmitOptions struct {
	Name     string
	Priority int
	Deadline time.Duration
}

// Submit validates the IR, persists the job record, and launches execution.
// Validation failures are returned as-is and never enter the state machine.
func (o *Orchestrator) Submit(ctx context.Context, ir workflow.IR, opts SubmitOptions) (uuid.UUID, error) {
	graph, err := workflow.Build(ir)
	if err != nil {
		return uuid.Nil, err
	}

	if opts.Priority < store.PriorityMin {
		opts.Priority = store.PriorityMin
	}
	if opts.Priority > store.PriorityMax {
		opts.Priority = store.PriorityMax
	}

	jobID := uuid.New()
	ctx = logger.WithJobID(ctx, jobID)
	irBytes, err := json.Marshal(ir)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode IR: %w", err)
	}
	graphRef, err := o.blobs.Persist(ctx, jobID, "", "graph", irBytes)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to persist graph: %w", err)
	}

	now := time.Now()
	job := &store.JobRecord{
		ID:        jobID,
		Name:      opts.Name,
		Priority:  opts.Priority,
		State:     lifecycle.StatePending,
		GraphRef:  graphRef,
		Stages:    make(map[workflow.StageID]*store.StageRecord),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, s := range graph.Stages() {
		job.Stages[s.ID] = &store.StageRecord{StageID: s.ID, Status: store.StageStatusPending}
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create job record: %w", err)
	}

	if err := o.driver.Launch(jobID, graph, pipeline.LaunchOptions{
		Priority: opts.Priority,
		Deadline: opts.Deadline,
	}); err != nil {
		return uuid.Nil, err
	}

	logger.FromContext(ctx, o.logger).Info("job admitted", "name", opts.Name, "stages", graph.Len(), "priority", opts.Priority)
	return jobID, nil
}

// Status returns the persisted job record: current state, stage summaries,
// transition history, and the terminal cause code when applicable.
func (o *Orchestrator) Status(ctx context.Context, jobID uuid.UUID) (*store.JobRecord, error) {
	return o.jobs.GetJob(ctx, jobID)
}

// Cancel requests cooperative cancellation. Safe to call repeatedly; a job
// that already terminated reports ErrJobTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return fmt.Errorf("job %s: %w", jobID, ErrJobTerminal)
	}
	err = o.driver.Cancel(jobID)
	if errors.Is(err, pipeline.ErrNotRunning) {
		// The runner settled between the terminal check and the cancel
		// request; its terminal transition is persisted before it leaves the
		// run map, so re-reading resolves the race.
		if job, gerr := o.jobs.GetJob(ctx, jobID); gerr == nil && job.State.Terminal() {
			return fmt.Errorf("job %s: %w", jobID, ErrJobTerminal)
		}
	}
	return err
}

// Events returns the job's ordered feed with sequence numbers greater than
// after. Subscribers resume after a disconnect by passing the last sequence
// they saw.
func (o *Orchestrator) Events(ctx context.Context, jobID uuid.UUID, after int64) ([]store.Event, error) {
	if _, err := o.jobs.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.events.EventsSince(ctx, jobID, after)
}

// Recover relaunches non-terminal jobs after a restart, resuming each from
// the furthest checkpoint the coordinator can verify.
func (o *Orchestrator) Recover(ctx context.Context) error {
	jobs, err := o.jobs.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list jobs for recovery: %w", err)
	}

	for _, summary := range jobs {
		if summary.State.Terminal() {
			continue
		}
		job, err := o.jobs.GetJob(ctx, summary.ID)
		if err != nil {
			o.logger.Error("recovery: failed to load job", "job_id", summary.ID.String(), "error", err)
			continue
		}

		irBytes, err := o.blobs.Retrieve(ctx, job.GraphRef)
		if err != nil {
			o.logger.Error("recovery: graph missing", "job_id", job.ID.String(), "graph_ref", job.GraphRef, "error", err)
			continue
		}
		var ir workflow.IR
		if err := json.Unmarshal(irBytes, &ir); err != nil {
			o.logger.Error("recovery: corrupt graph", "job_id", job.ID.String(), "error", err)
			continue
		}
		graph, err := workflow.Build(ir)
		if err != nil {
			o.logger.Error("recovery: graph no longer validates", "job_id", job.ID.String(), "error", err)
			continue
		}

		point, err := o.coord.Resume(ctx, job.ID, graph, job.Stages)
		if err != nil {
			o.logger.Error("recovery: resume scan failed", "job_id", job.ID.String(), "error", err)
			continue
		}

		if err := o.driver.Launch(job.ID, graph, pipeline.LaunchOptions{
			Priority: job.Priority,
			Resume:   &point,
			State:    job.State,
		}); err != nil {
			o.logger.Error("recovery: relaunch failed", "job_id", job.ID.String(), "error", err)
			continue
		}
		o.logger.Info("job resumed", "job_id", job.ID.String(), "completed_stages", len(point.Completed))
	}
	return nil
}
