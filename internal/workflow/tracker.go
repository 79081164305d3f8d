package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Tracker errors indicate a scheduling invariant violation. They are never
// expected during normal operation; the driver treats them as defects.
var (
	ErrNotReady          = errors.New("stage is not ready for dispatch")
	ErrAlreadyDispatched = errors.New("stage already dispatched")
	ErrNotDispatched     = errors.New("stage completed without being dispatched")
	ErrAlreadyCompleted  = errors.New("stage already completed")
)

// Tracker maintains per-stage unresolved-dependency counters so that
// readiness is an O(1) update per completion instead of a full-graph rescan.
// It is the only mutable view of a graph's execution progress; the Graph
// itself stays immutable.
type Tracker struct {
	mu         sync.Mutex
	graph      *Graph
	unresolved map[StageID]int
	dispatched map[StageID]struct{}
	completed  map[StageID]struct{}
	ready      map[StageID]struct{}
}

// NewTracker builds a tracker with every stage's counter initialized to its
// in-degree. Stages with no dependencies are immediately ready.
func NewTracker(g *Graph) *Tracker {
	t := &Tracker{
		graph:      g,
		unresolved: make(map[StageID]int, g.Len()),
		dispatched: make(map[StageID]struct{}),
		completed:  make(map[StageID]struct{}),
		ready:      make(map[StageID]struct{}),
	}
	for _, s := range g.Stages() {
		t.unresolved[s.ID] = len(s.DependsOn)
		if len(s.DependsOn) == 0 {
			t.ready[s.ID] = struct{}{}
		}
	}
	return t
}

// Ready returns the stages whose dependencies are all completed and that
// have not been dispatched, ordered by topological rank then id for
// determinism.
func (t *Tracker) Ready() []StageID {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]StageID, 0, len(t.ready))
	for id := range t.ready {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := t.graph.Stage(out[i])
		b, _ := t.graph.Stage(out[j])
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.ID < b.ID
	})
	return out
}

// MarkDispatched removes a ready stage from the ready set. A stage can be
// dispatched at most once per tracker; retries re-use the same dispatch.
func (t *Tracker) MarkDispatched(id StageID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.dispatched[id]; ok {
		return fmt.Errorf("stage %s: %w", id, ErrAlreadyDispatched)
	}
	if _, ok := t.ready[id]; !ok {
		return fmt.Errorf("stage %s: %w", id, ErrNotReady)
	}
	delete(t.ready, id)
	t.dispatched[id] = struct{}{}
	return nil
}

// Complete records a stage completion and returns the ids that became ready
// as a result.
func (t *Tracker) Complete(id StageID) ([]StageID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.completed[id]; ok {
		return nil, fmt.Errorf("stage %s: %w", id, ErrAlreadyCompleted)
	}
	if _, ok := t.dispatched[id]; !ok {
		return nil, fmt.Errorf("stage %s: %w", id, ErrNotDispatched)
	}
	t.completed[id] = struct{}{}
	return t.unblock(id), nil
}

// Restore seeds the tracker with stages already completed in a previous run,
// as reported by a verified resume point. Restored stages never re-dispatch.
func (t *Tracker) Restore(completed []StageID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range completed {
		if _, ok := t.completed[id]; ok {
			continue
		}
		t.completed[id] = struct{}{}
		t.dispatched[id] = struct{}{}
		delete(t.ready, id)
		t.unblock(id)
	}
}

// unblock decrements dependents' counters. Caller holds t.mu.
func (t *Tracker) unblock(id StageID) []StageID {
	var newly []StageID
	for _, dep := range t.graph.Dependents(id) {
		t.unresolved[dep]--
		if t.unresolved[dep] == 0 {
			if _, done := t.completed[dep]; done {
				continue
			}
			t.ready[dep] = struct{}{}
			newly = append(newly, dep)
		}
	}
	return newly
}

// Done reports whether every stage has completed.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.completed) == t.graph.Len()
}

// Completed returns the ids of all completed stages.
func (t *Tracker) Completed() []StageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StageID, 0, len(t.completed))
	for id := range t.completed {
		out = append(out, id)
	}
	return out
}

// Pending returns the number of stages that have not completed.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.graph.Len() - len(t.completed)
}
