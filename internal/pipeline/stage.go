package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"qplane/internal/backend"
	"qplane/internal/checkpoint"
	"qplane/internal/lifecycle"
	"qplane/internal/scheduler"
	"qplane/internal/store"
	"qplane/internal/workflow"
)

// stageResult is what a stage worker reports back to the runner.
type stageResult struct {
	stageID workflow.StageID
	attempt int
	aborted bool
	err     error
	cause   string
}

// executeStage runs the attempt loop for one dispatched stage. It owns the
// stage's record updates; no other goroutine touches the same stage.
func (d *Driver) executeStage(run *jobRun, stage *workflow.Stage) stageResult {
	log := d.logger.With("job_id", run.id.String(), "stage_id", string(stage.ID))
	maxAttempts := checkpoint.MaxAttempts(stage.Retry)

	tracer := otel.Tracer("pipeline-driver")
	_, span := tracer.Start(run.ctx, "execute_stage",
		trace.WithAttributes(
			attribute.String("job.id", run.id.String()),
			attribute.String("stage.id", string(stage.ID)),
			attribute.String("stage.kind", string(stage.Kind)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	rec := &store.StageRecord{StageID: stage.ID, Status: store.StageStatusPending}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if run.cancelled() {
			return d.abortStage(run, stage, rec, attempt-1)
		}
		if wait := checkpoint.Backoff(stage.Retry, attempt); wait > 0 {
			select {
			case <-time.After(wait):
			case <-run.cancelCh:
				return d.abortStage(run, stage, rec, attempt-1)
			}
		}

		now := time.Now()
		rec.Attempt = attempt
		rec.Status = store.StageStatusRunning
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
		d.updateStage(run, rec)
		if attempt > 1 {
			log.Info("retrying stage", "attempt", attempt)
			d.emit(run, store.Event{Type: "stage_retry", StageID: stage.ID})
			if d.stageRetries != nil {
				d.stageRetries.Add(run.ctx, 1, metric.WithAttributes(attribute.String("stage.kind", string(stage.Kind))))
			}
		}

		err := d.attemptStage(run, stage, rec)
		if err == nil {
			done := time.Now()
			rec.Status = store.StageStatusCompleted
			rec.CompletedAt = &done
			rec.ErrorCause = ""
			d.updateStage(run, rec)
			d.emit(run, store.Event{Type: "stage_completed", StageID: stage.ID})
			if d.stageCompletions != nil {
				d.stageCompletions.Add(run.ctx, 1, metric.WithAttributes(attribute.String("stage.kind", string(stage.Kind))))
			}
			span.SetAttributes(attribute.Int("attempts", attempt))
			return stageResult{stageID: stage.ID, attempt: attempt}
		}

		if run.cancelled() {
			return d.abortStage(run, stage, rec, attempt)
		}

		cause, transient := d.classify(stage, err)
		rec.ErrorCause = cause
		if !transient {
			done := time.Now()
			rec.Status = store.StageStatusFailed
			rec.CompletedAt = &done
			d.updateStage(run, rec)
			d.emit(run, store.Event{Type: "stage_failed", StageID: stage.ID, Cause: cause})
			span.RecordError(err)
			return stageResult{stageID: stage.ID, attempt: attempt, err: err, cause: cause}
		}
		log.Warn("stage attempt failed, will retry", "attempt", attempt, "cause", cause, "error", err)
	}

	done := time.Now()
	rec.Status = store.StageStatusFailed
	rec.CompletedAt = &done
	rec.ErrorCause = lifecycle.CauseRetriesExhausted
	d.updateStage(run, rec)
	d.emit(run, store.Event{Type: "stage_failed", StageID: stage.ID, Cause: lifecycle.CauseRetriesExhausted})
	span.SetAttributes(attribute.Int("attempts", maxAttempts))
	return stageResult{
		stageID: stage.ID,
		attempt: maxAttempts,
		err:     fmt.Errorf("stage %s: retry budget of %d exhausted", stage.ID, maxAttempts),
		cause:   lifecycle.CauseRetriesExhausted,
	}
}

// abortStage rewinds the stage record when cancellation interrupts the
// attempt loop, so a terminal job never reports a stage still running.
func (d *Driver) abortStage(run *jobRun, stage *workflow.Stage, rec *store.StageRecord, attempts int) stageResult {
	if rec.Status == store.StageStatusRunning {
		rec.Status = store.StageStatusPending
		d.updateStage(run, rec)
	}
	return stageResult{stageID: stage.ID, attempt: attempts, aborted: true}
}

// attemptStage performs one dispatch to the collaborator appropriate for the
// stage kind. The switch is exhaustive over the closed kind set; Build
// rejects anything else at admission.
func (d *Driver) attemptStage(run *jobRun, stage *workflow.Stage, rec *store.StageRecord) error {
	ctx := run.ctx

	var result []byte
	switch stage.Kind {
	case workflow.KindCompile:
		res, err := d.collab.Compiler.Compile(ctx, stage.Source, stage.Constraints.Format, nil)
		if err != nil {
			return err
		}
		result = res.Payload

	case workflow.KindQuantum:
		alloc, err := d.allocate(ctx, run, stage)
		if err != nil {
			return err
		}
		rec.DeviceID = alloc.DeviceID
		rec.AllocationID = &alloc.ID
		defer func() {
			if err := d.engine.Release(alloc); err != nil {
				d.logger.Error("allocation release failed", "job_id", run.id.String(), "stage_id", string(stage.ID), "error", err)
			}
		}()

		payload, err := d.quantumPayload(run, stage)
		if err != nil {
			return err
		}
		res, err := d.collab.Executor.Execute(ctx, payload, alloc, stage.Shots, nil)
		if err != nil {
			return err
		}
		result, err = json.Marshal(res.Counts)
		if err != nil {
			return fmt.Errorf("failed to encode counts: %w", err)
		}

	case workflow.KindClassical:
		inputs, err := run.inputsFor(stage)
		if err != nil {
			return err
		}
		out, err := d.collab.Evaluator(ctx, stage, inputs)
		if err != nil {
			return err
		}
		result = out

	default:
		return backend.NewError(backend.CauseInvalidPayload, "unknown stage kind %q", stage.Kind)
	}

	return d.recordSuccess(run, stage, rec, result)
}

// allocate selects a device, re-running selection if the chosen device drops
// offline between selection and dispatch. Running allocations are never
// re-entered; only this not-yet-dispatched stage re-selects.
func (d *Driver) allocate(ctx context.Context, run *jobRun, stage *workflow.Stage) (*scheduler.Allocation, error) {
	for {
		alloc, err := d.engine.Select(ctx, run.id, stage)
		if err != nil {
			return nil, err
		}
		if d.engine.Available(alloc) {
			return alloc, nil
		}
		if err := d.engine.Release(alloc); err != nil {
			return nil, err
		}
	}
}

// quantumPayload resolves the compiled payload for a quantum stage: its
// first declared input, by convention the compile stage's output.
func (d *Driver) quantumPayload(run *jobRun, stage *workflow.Stage) ([]byte, error) {
	inputs, err := run.inputsFor(stage)
	if err != nil {
		return nil, err
	}
	if len(stage.Inputs) == 0 {
		return nil, backend.NewError(backend.CauseInvalidPayload, "quantum stage %s declares no payload input", stage.ID)
	}
	return inputs[stage.Inputs[0]], nil
}

// recordSuccess persists the stage result, publishes its outputs to
// dependents, and checkpoints if the stage asks for it.
func (d *Driver) recordSuccess(run *jobRun, stage *workflow.Stage, rec *store.StageRecord, result []byte) error {
	ctx := context.Background()

	ref, err := d.blobs.Persist(ctx, run.id, string(stage.ID), "result", result)
	if err != nil {
		return fmt.Errorf("failed to persist result for stage %s: %w", stage.ID, err)
	}
	rec.ResultRef = ref

	for _, name := range stage.Outputs {
		run.setOutput(name, result)
	}

	if stage.Checkpointable {
		outputs := make(map[string]checkpoint.Output, len(stage.Outputs))
		sum := checkpoint.Checksum(result)
		for _, name := range stage.Outputs {
			outputs[name] = checkpoint.Output{Ref: ref, SHA256: sum}
		}
		ckpt, err := d.coord.Checkpoint(ctx, run.id, stage.ID, rec.Attempt, outputs)
		if err != nil {
			// Best-effort: losing a checkpoint forfeits resumability past
			// this point but must not fail the job.
			d.logger.Warn("checkpoint write failed", "job_id", run.id.String(), "stage_id", string(stage.ID), "error", err)
		} else {
			rec.CheckpointRef = ckpt.BlobRef
			d.emit(run, store.Event{Type: "checkpoint", StageID: stage.ID})
		}
	}
	return nil
}

// classify maps a stage error onto a stable cause code and the
// transient/fatal split that drives retry behavior.
func (d *Driver) classify(stage *workflow.Stage, err error) (cause string, transient bool) {
	switch {
	case errors.Is(err, scheduler.ErrNoCandidate):
		return lifecycle.CauseNoCandidateResource, false
	case errors.Is(err, scheduler.ErrAllBusy):
		return string(backend.CauseResourceBusy), true
	}

	var be *backend.Error
	if errors.As(err, &be) {
		if be.Transient() {
			return string(be.Cause), true
		}
		if stage.Kind == workflow.KindCompile {
			return lifecycle.CauseCompilationFailed, false
		}
		return lifecycle.CauseInvalidPayload, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return lifecycle.CauseDeadlineExceeded, true
	}

	// Unclassified errors are treated as transient so that a flaky
	// collaborator does not fail jobs outright; the retry budget bounds the
	// damage.
	return lifecycle.CauseInternal, true
}

func (d *Driver) updateStage(run *jobRun, rec *store.StageRecord) {
	if err := d.jobs.UpdateStage(context.Background(), run.id, rec); err != nil {
		d.logger.Error("failed to persist stage record", "job_id", run.id.String(), "stage_id", string(rec.StageID), "error", err)
	}
}
