package lifecycle

import (
	"sync"
	"time"
)

// Record is one applied transition, kept for audit and status reporting.
// DetailsRef points at diagnostic detail held by the storage collaborator;
// the machine stores only the reference.
type Record struct {
	From       State     `json:"from"`
	To         State     `json:"to"`
	At         time.Time `json:"at"`
	Cause      string    `json:"cause,omitempty"`
	DetailsRef string    `json:"details_ref,omitempty"`
}

// Machine serializes all state transitions for a single job. It is the
// job-scoped serialization point: no two transitions for the same job are
// ever applied concurrently.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []Record
	now     func() time.Time
}

// NewMachine returns a machine in the initial PENDING state.
func NewMachine() *Machine {
	return &Machine{state: StatePending, now: time.Now}
}

// NewMachineFrom returns a machine resumed at a previously recorded state, so
// that transitions applied after a restart chain onto the persisted history
// instead of replaying from PENDING. An empty state means a fresh job.
func NewMachineFrom(state State) *Machine {
	if state == "" {
		state = StatePending
	}
	return &Machine{state: state, now: time.Now}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Terminal reports whether the job has reached a terminal state.
func (m *Machine) Terminal() bool {
	return m.State().Terminal()
}

// Apply attempts the transition for event, recording cause and detailsRef
// with the new state. It returns the applied record.
func (m *Machine) Apply(event Event, cause, detailsRef string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := Transition(m.state, event)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		From:       m.state,
		To:         next,
		At:         m.now(),
		Cause:      cause,
		DetailsRef: detailsRef,
	}
	m.state = next
	m.history = append(m.history, rec)
	return rec, nil
}

// History returns a copy of all applied transitions in order.
func (m *Machine) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}
