package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"qplane/internal/workflow"
)

// Selection failures. The two cases carry different retry semantics: ErrAllBusy
// is a queueing condition the driver retries with backoff, ErrNoCandidate can
// never succeed and fails the stage immediately.
var (
	ErrNoCandidate   = errors.New("no device can satisfy the stage constraints")
	ErrAllBusy       = errors.New("all capable devices are busy or offline")
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotAllocated  = errors.New("allocation not held")
)

// Lease is the time window an allocation is valid for.
type Lease struct {
	Start    time.Time `json:"start"`
	EstEnd   time.Time `json:"est_end"`
	Deadline time.Time `json:"deadline"`
}

// Allocation binds a stage to a device for the duration of a lease.
type Allocation struct {
	ID       uuid.UUID        `json:"id"`
	JobID    uuid.UUID        `json:"job_id"`
	StageID  workflow.StageID `json:"stage_id"`
	DeviceID string           `json:"device_id"`
	Lease    Lease            `json:"lease"`
	QubitMap []int            `json:"qubit_map,omitempty"`
}

// Expired reports whether the lease's hard deadline has passed.
func (a *Allocation) Expired(now time.Time) bool {
	return !a.Lease.Deadline.IsZero() && now.After(a.Lease.Deadline)
}

// Engine selects devices for ready stages and owns the single
// allocation/release path. All mutation of allocation state goes through the
// engine's mutex; nothing else in the orchestrator touches it.
type Engine struct {
	mu      sync.Mutex
	devices map[string]*Device
	leased  map[string]*Allocation // keyed by device id
	policy  Policy
	lease   time.Duration // hard deadline margin beyond estimated duration
	now     func() time.Time
}

// Options configure an Engine.
type Options struct {
	// Policy scores candidates after hard-constraint filtering.
	// Defaults to FirstFit.
	Policy Policy
	// LeaseMargin is added to a stage's estimated duration to form the
	// lease's hard deadline. Defaults to 5m.
	LeaseMargin time.Duration
}

// NewEngine builds an engine over the given device inventory. The engine
// copies the devices; later catalog edits do not leak into a running engine.
func NewEngine(devices []Device, opts Options) *Engine {
	if opts.Policy == nil {
		opts.Policy = FirstFit{}
	}
	if opts.LeaseMargin <= 0 {
		opts.LeaseMargin = 5 * time.Minute
	}
	e := &Engine{
		devices: make(map[string]*Device, len(devices)),
		leased:  make(map[string]*Allocation),
		policy:  opts.Policy,
		lease:   opts.LeaseMargin,
		now:     time.Now,
	}
	for i := range devices {
		d := devices[i]
		e.devices[d.ID] = &d
	}
	return e
}

// Select picks a device for the stage and allocates it in one critical
// section. It distinguishes "no device can ever run this" (ErrNoCandidate)
// from "capable devices exist but none is free" (ErrAllBusy).
func (e *Engine) Select(ctx context.Context, jobID uuid.UUID, stage *workflow.Stage) (*Allocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var capable, free []*Device
	for _, d := range e.devices {
		if !d.Satisfies(stage.Constraints) {
			continue
		}
		capable = append(capable, d)
		if !d.Online {
			continue
		}
		if held := e.leased[d.ID]; held != nil {
			if !held.Expired(now) {
				continue
			}
			// Lease past its hard deadline no longer blocks selection. The
			// straggler's eventual Release reports ErrNotAllocated.
			delete(e.leased, d.ID)
			if d.QueueDepth > 0 {
				d.QueueDepth--
			}
		}
		free = append(free, d)
	}

	if len(capable) == 0 {
		return nil, fmt.Errorf("stage %s: %w", stage.ID, ErrNoCandidate)
	}
	if len(free) == 0 {
		return nil, fmt.Errorf("stage %s: %w", stage.ID, ErrAllBusy)
	}

	best := free[0]
	bestScore := e.policy.Score(stage, best)
	for _, d := range free[1:] {
		score := e.policy.Score(stage, d)
		switch {
		case score > bestScore:
			best, bestScore = d, score
		case score == bestScore && d.EstWait < best.EstWait:
			best = d
		case score == bestScore && d.EstWait == best.EstWait && d.ID < best.ID:
			best = d
		}
	}

	alloc := &Allocation{
		ID:       uuid.New(),
		JobID:    jobID,
		StageID:  stage.ID,
		DeviceID: best.ID,
		Lease: Lease{
			Start:    now,
			EstEnd:   now.Add(stage.Constraints.EstDuration),
			Deadline: now.Add(stage.Constraints.EstDuration + e.lease),
		},
		QubitMap: identityMap(stage.Constraints.Qubits),
	}
	e.leased[best.ID] = alloc
	best.QueueDepth++
	return alloc, nil
}

// Release frees the device held by alloc. Releasing twice is an error; the
// driver's single release point makes that a defect worth surfacing.
func (e *Engine) Release(alloc *Allocation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	held, ok := e.leased[alloc.DeviceID]
	if !ok || held.ID != alloc.ID {
		return fmt.Errorf("device %s: %w", alloc.DeviceID, ErrNotAllocated)
	}
	delete(e.leased, alloc.DeviceID)
	if d, ok := e.devices[alloc.DeviceID]; ok && d.QueueDepth > 0 {
		d.QueueDepth--
	}
	return nil
}

// SetOnline flips a device's availability. Taking a device offline does not
// disturb an allocation already running on it; the driver re-selects only
// when the stage has not yet dispatched.
func (e *Engine) SetOnline(deviceID string, online bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	d.Online = online
	return nil
}

// Available reports whether the device backing alloc is still online.
func (e *Engine) Available(alloc *Allocation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[alloc.DeviceID]
	return ok && d.Online
}

// Allocations returns a snapshot of all live allocations.
func (e *Engine) Allocations() []Allocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Allocation, 0, len(e.leased))
	for _, a := range e.leased {
		out = append(out, *a)
	}
	return out
}

func identityMap(n int) []int {
	if n <= 0 {
		return nil
	}
	m := make([]int, n)
	for i := range m {
		m[i] = i
	}
	return m
}
