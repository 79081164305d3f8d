package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"qplane/internal/backend"
	"qplane/internal/checkpoint"
	"qplane/internal/lifecycle"
	"qplane/internal/scheduler"
	"qplane/internal/store"
	"qplane/internal/workflow"
)

// Config holds driver tuning knobs.
type Config struct {
	// MaxConcurrentStages caps fan-out of independent stages per job.
	MaxConcurrentStages int
	// DefaultDeadline is the job wall-clock budget when the submission
	// does not set one.
	DefaultDeadline time.Duration
}

// Collaborators are the external systems the driver dispatches to.
type Collaborators struct {
	Compiler  backend.Compiler
	Executor  backend.Executor
	Evaluator Evaluator
}

// Driver advances jobs through their stages. Each job gets one runner
// goroutine, which is the job-scoped serialization point: all lifecycle
// transitions for a job are applied there and nowhere else.
type Driver struct {
	engine *scheduler.Engine
	coord  *checkpoint.Coordinator
	jobs   store.JobStore
	events store.EventStore
	blobs  store.BlobStore
	collab Collaborators
	cfg    Config
	logger *slog.Logger

	stageCompletions metric.Int64Counter
	stageRetries     metric.Int64Counter

	mu      sync.Mutex
	running map[uuid.UUID]*jobRun
	wg      sync.WaitGroup
}

// NewDriver wires a driver.
func NewDriver(engine *scheduler.Engine, coord *checkpoint.Coordinator, jobs store.JobStore, events store.EventStore, blobs store.BlobStore, collab Collaborators, cfg Config, logger *slog.Logger) *Driver {
	if cfg.MaxConcurrentStages <= 0 {
		cfg.MaxConcurrentStages = 4
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 30 * time.Minute
	}
	if collab.Evaluator == nil {
		collab.Evaluator = DefaultEvaluator
	}

	meter := otel.Meter("pipeline-driver")
	completions, err := meter.Int64Counter("qplane.stages.completed",
		metric.WithDescription("Stages that completed successfully"))
	if err != nil {
		logger.Error("failed to register stage completion counter", "error", err)
	}
	retries, err := meter.Int64Counter("qplane.stages.retried",
		metric.WithDescription("Stage attempts retried after a transient failure"))
	if err != nil {
		logger.Error("failed to register stage retry counter", "error", err)
	}

	return &Driver{
		engine: engine,
		coord:  coord,
		jobs:   jobs,
		events: events,
		blobs:  blobs,
		collab: collab,
		cfg:    cfg,
		logger: logger,

		stageCompletions: completions,
		stageRetries:     retries,

		running: make(map[uuid.UUID]*jobRun),
	}
}

// jobRun is the in-memory execution state of one launched job.
type jobRun struct {
	id       uuid.UUID
	graph    *workflow.Graph
	tracker  *workflow.Tracker
	machine  *lifecycle.Machine
	priority int
	deadline time.Duration

	// ctx is cancelled when cancellation is requested; it is the advisory
	// stop signal forwarded to collaborators.
	ctx    context.Context
	cancel context.CancelFunc

	cancelOnce  sync.Once
	cancelCh    chan struct{}
	cancelEvent lifecycle.Event
	cancelCause string

	// failure set by the first permanently failed stage.
	failMu    sync.Mutex
	failCause string
	failStage workflow.StageID

	outMu   sync.Mutex
	outputs map[string][]byte

	compileLeft int
	done        chan struct{}
}

func (r *jobRun) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// requestCancel records the first cancellation request. Expiry and user
// cancellation share the mechanism but terminate differently.
func (r *jobRun) requestCancel(event lifecycle.Event, cause string) {
	r.cancelOnce.Do(func() {
		r.cancelEvent = event
		r.cancelCause = cause
		close(r.cancelCh)
		r.cancel()
	})
}

func (r *jobRun) setFailure(stageID workflow.StageID, cause string) {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	if r.failCause == "" {
		r.failCause = cause
		r.failStage = stageID
	}
}

func (r *jobRun) failure() (workflow.StageID, string) {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	return r.failStage, r.failCause
}

func (r *jobRun) setOutput(name string, data []byte) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	r.outputs[name] = data
}

func (r *jobRun) inputsFor(stage *workflow.Stage) (map[string][]byte, error) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	in := make(map[string][]byte, len(stage.Inputs))
	for _, name := range stage.Inputs {
		data, ok := r.outputs[name]
		if !ok {
			return nil, fmt.Errorf("input %q not available for stage %s", name, stage.ID)
		}
		in[name] = data
	}
	return in, nil
}

// LaunchOptions tune one job's execution.
type LaunchOptions struct {
	Priority int
	Deadline time.Duration
	// Resume seeds the tracker with stages already completed in a previous
	// run, as verified by the checkpoint coordinator.
	Resume *checkpoint.ResumePoint
	// State is the job's persisted lifecycle state on a recovery relaunch.
	// The runner chains new transitions onto it rather than replaying from
	// PENDING. Empty for fresh submissions.
	State lifecycle.State
}

// Launch starts the runner goroutine for a job. The job record must already
// exist in the store.
func (d *Driver) Launch(jobID uuid.UUID, graph *workflow.Graph, opts LaunchOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.running[jobID]; ok {
		return fmt.Errorf("job %s already running", jobID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &jobRun{
		id:       jobID,
		graph:    graph,
		tracker:  workflow.NewTracker(graph),
		machine:  lifecycle.NewMachineFrom(opts.State),
		priority: opts.Priority,
		deadline: opts.Deadline,
		ctx:      ctx,
		cancel:   cancel,
		cancelCh: make(chan struct{}),
		outputs:  make(map[string][]byte),
		done:     make(chan struct{}),
	}
	if run.deadline <= 0 {
		run.deadline = d.cfg.DefaultDeadline
	}
	for _, s := range graph.Stages() {
		if s.Kind == workflow.KindCompile {
			run.compileLeft++
		}
	}

	if opts.Resume != nil {
		run.tracker.Restore(opts.Resume.Completed)
		for _, id := range opts.Resume.Completed {
			if s, ok := graph.Stage(id); ok && s.Kind == workflow.KindCompile {
				run.compileLeft--
			}
		}
		for name, ref := range opts.Resume.Outputs {
			data, err := d.blobs.Retrieve(context.Background(), ref)
			if err != nil {
				cancel()
				return fmt.Errorf("failed to load resumed output %q: %w", name, err)
			}
			run.outputs[name] = data
		}
	}

	d.running[jobID] = run
	d.wg.Add(1)
	go d.run(run)
	return nil
}

// ErrNotRunning is returned by Cancel for a job with no live runner. The
// caller distinguishes a settled job from an unknown one against the store.
var ErrNotRunning = errors.New("job has no running driver")

// Cancel requests cooperative cancellation of a job. The driver stops
// dispatching immediately; the job reaches CANCELLED once in-flight stages
// settle.
func (d *Driver) Cancel(jobID uuid.UUID) error {
	d.mu.Lock()
	run, ok := d.running[jobID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotRunning)
	}
	run.requestCancel(lifecycle.EventCancel, lifecycle.CauseCancelledByUser)
	return nil
}

// Wait blocks until the job's runner has finished, for callers that need a
// settled terminal state. Returns false if the job is not running.
func (d *Driver) Wait(jobID uuid.UUID) bool {
	d.mu.Lock()
	run, ok := d.running[jobID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	<-run.done
	return true
}

// Shutdown requests cancellation of every running job and waits for all
// runners to settle.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	for _, run := range d.running {
		run.requestCancel(lifecycle.EventCancel, lifecycle.CauseCancelledByUser)
	}
	d.mu.Unlock()

	settled := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the per-job control loop. It is the only goroutine that applies
// lifecycle transitions for its job.
func (d *Driver) run(run *jobRun) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.running, run.id)
		d.mu.Unlock()
		close(run.done)
	}()

	log := d.logger.With("job_id", run.id.String())
	log.Info("job runner starting", "stages", run.graph.Len(), "deadline", run.deadline)

	// A resumed machine starts past PENDING; only apply the transitions the
	// persisted history has not yet recorded.
	if run.machine.State() == lifecycle.StatePending {
		d.transition(run, lifecycle.EventStartCompiling, "", "")
	}
	if run.compileLeft == 0 && run.machine.State() == lifecycle.StateCompiling {
		d.transition(run, lifecycle.EventFinishCompiling, "", "")
	}

	watchdog := time.NewTimer(run.deadline)
	defer watchdog.Stop()

	results := make(chan stageResult)
	sem := make(chan struct{}, d.cfg.MaxConcurrentStages)
	inFlight := 0

	for {
		// Dispatch phase: never after a cancellation request or a
		// permanent failure.
		if _, failCause := run.failure(); !run.cancelled() && failCause == "" {
			for _, id := range run.tracker.Ready() {
				acquired := false
				select {
				case sem <- struct{}{}:
					acquired = true
				default:
				}
				if !acquired {
					break
				}
				stage, _ := run.graph.Stage(id)
				if err := run.tracker.MarkDispatched(id); err != nil {
					// Defect: readiness and dispatch disagree.
					<-sem
					log.Error("dispatch invariant violation", "stage_id", id, "error", err)
					run.setFailure(id, lifecycle.CauseInternal)
					continue
				}
				d.maybeStartRunning(run, stage)
				inFlight++
				go func(st *workflow.Stage) {
					res := d.executeStage(run, st)
					<-sem
					results <- res
				}(stage)
			}
		}

		if inFlight == 0 {
			if done := d.maybeFinish(run, log); done {
				return
			}
		}

		var cancelWait <-chan struct{}
		if !run.cancelled() {
			cancelWait = run.cancelCh
		}

		select {
		case res := <-results:
			inFlight--
			d.handleResult(run, res, log)
		case <-watchdog.C:
			log.Warn("job deadline elapsed, requesting stop")
			run.requestCancel(lifecycle.EventExpire, lifecycle.CauseDeadlineExceeded)
		case <-cancelWait:
			// Wake up so the dispatch gate sees the request.
		}
	}
}

// maybeFinish applies the terminal transition once nothing is in flight.
// Returns true when the runner should exit.
func (d *Driver) maybeFinish(run *jobRun, log *slog.Logger) bool {
	if run.cancelled() {
		d.transition(run, run.cancelEvent, run.cancelCause, "")
		log.Info("job stopped", "state", run.machine.State(), "cause", run.cancelCause)
		return true
	}
	if stageID, cause := run.failure(); cause != "" {
		ref := d.persistDiagnostics(run, stageID, cause)
		d.transition(run, lifecycle.EventFail, cause, ref)
		log.Warn("job failed", "stage_id", stageID, "cause", cause)
		return true
	}
	if run.tracker.Done() {
		d.ensureRunning(run)
		d.transition(run, lifecycle.EventFinishRunning, "", "")
		log.Info("job completed")
		return true
	}
	if len(run.tracker.Ready()) == 0 {
		// Nothing in flight, nothing ready, not done: the graph cannot
		// make progress. Validation should have caught this; treat as a
		// defect rather than spinning.
		log.Error("job wedged with no ready stages", "pending", run.tracker.Pending())
		ref := d.persistDiagnostics(run, "", lifecycle.CauseInternal)
		d.transition(run, lifecycle.EventFail, lifecycle.CauseInternal, ref)
		return true
	}
	return false
}

// maybeStartRunning advances COMPILING→QUEUED→RUNNING as the first
// non-compile stage dispatches.
func (d *Driver) maybeStartRunning(run *jobRun, stage *workflow.Stage) {
	if stage.Kind == workflow.KindCompile {
		return
	}
	d.ensureRunning(run)
}

func (d *Driver) ensureRunning(run *jobRun) {
	if run.machine.State() == lifecycle.StateCompiling {
		d.transition(run, lifecycle.EventFinishCompiling, "", "")
	}
	if run.machine.State() == lifecycle.StateQueued {
		d.transition(run, lifecycle.EventStartRunning, "", "")
	}
}

// handleResult folds a settled stage execution back into the run.
func (d *Driver) handleResult(run *jobRun, res stageResult, log *slog.Logger) {
	switch {
	case res.aborted:
		// Stage stopped because cancellation was requested; the terminal
		// transition is applied once everything settles.
		log.Info("stage aborted", "stage_id", res.stageID)
	case res.err != nil:
		log.Warn("stage failed permanently", "stage_id", res.stageID, "cause", res.cause, "attempts", res.attempt, "error", res.err)
		run.setFailure(res.stageID, res.cause)
	default:
		if _, err := run.tracker.Complete(res.stageID); err != nil {
			log.Error("completion invariant violation", "stage_id", res.stageID, "error", err)
			run.setFailure(res.stageID, lifecycle.CauseInternal)
			return
		}
		if stage, ok := run.graph.Stage(res.stageID); ok && stage.Kind == workflow.KindCompile {
			run.compileLeft--
			if run.compileLeft == 0 && run.machine.State() == lifecycle.StateCompiling {
				d.transition(run, lifecycle.EventFinishCompiling, "", "")
			}
		}
		log.Info("stage completed", "stage_id", res.stageID, "attempts", res.attempt)
	}
}

// transition applies a lifecycle event, persists the record, and emits the
// corresponding feed event. Called only from the runner goroutine.
func (d *Driver) transition(run *jobRun, event lifecycle.Event, cause, detailsRef string) {
	rec, err := run.machine.Apply(event, cause, detailsRef)
	if err != nil {
		d.logger.Error("lifecycle transition rejected", "job_id", run.id.String(), "event", event, "error", err)
		return
	}

	ctx := context.Background()
	if err := d.jobs.AppendTransition(ctx, run.id, rec); err != nil {
		d.logger.Error("failed to persist transition", "job_id", run.id.String(), "error", err)
	}
	d.emit(run, store.Event{
		Type:  "state",
		State: rec.To,
		Cause: rec.Cause,
		At:    rec.At,
	})
}

func (d *Driver) emit(run *jobRun, ev store.Event) {
	ev.JobID = run.id
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if _, err := d.events.AppendEvent(context.Background(), ev); err != nil {
		d.logger.Error("failed to append event", "job_id", run.id.String(), "type", ev.Type, "error", err)
	}
}

// persistDiagnostics writes failure detail to the storage collaborator and
// returns the ref. Status responses carry the ref, never the payload.
func (d *Driver) persistDiagnostics(run *jobRun, stageID workflow.StageID, cause string) string {
	detail := fmt.Sprintf(`{"cause":%q,"stage_id":%q,"state":%q}`, cause, stageID, run.machine.State())
	ref, err := d.blobs.Persist(context.Background(), run.id, string(stageID), "diagnostics", []byte(detail))
	if err != nil {
		d.logger.Error("failed to persist diagnostics", "job_id", run.id.String(), "error", err)
		return ""
	}
	return ref
}
