// Package workflow models a hybrid quantum/classical computation as a
// directed acyclic graph of stages with data dependencies.
package workflow

import "time"

// StageID uniquely identifies a stage within one workflow graph.
type StageID string

// Kind is the closed set of stage kinds. The pipeline driver dispatches on
// this value with an exhaustive switch; adding a kind means updating that
// switch, which is the point.
type Kind string

const (
	// KindCompile transforms circuit source into a backend-ready payload.
	KindCompile Kind = "compile"
	// KindQuantum executes a compiled circuit on a quantum device.
	KindQuantum Kind = "quantum"
	// KindClassical runs an in-process computation over prior results.
	KindClassical Kind = "classical"
)

// Valid reports whether k is a known stage kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCompile, KindQuantum, KindClassical:
		return true
	}
	return false
}

// Constraints are the hard resource requirements of a quantum stage.
// A device that cannot satisfy them is never a candidate.
type Constraints struct {
	Qubits      int           `json:"qubits,omitempty"`
	Couplings   [][2]int      `json:"couplings,omitempty"`
	MinFidelity float64       `json:"min_fidelity,omitempty"`
	Format      string        `json:"format,omitempty"`
	EstDuration time.Duration `json:"est_duration,omitempty"`
}

// RetryPolicy bounds how often a stage may be re-attempted after a
// transient failure. Zero values fall back to the driver defaults.
//
// A future "optional" knob (permanent failure does not fail the job) would
// live here; the semantics are not settled, so it is not modeled yet.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts,omitempty"`
	BaseBackoff time.Duration `json:"base_backoff,omitempty"`
	MaxBackoff  time.Duration `json:"max_backoff,omitempty"`
}

// Stage is one node of a workflow graph. The graph owns the structural
// fields; execution-time bookkeeping (attempts, allocations, results) lives
// in the job record, never here.
type Stage struct {
	ID             StageID     `json:"id"`
	Kind           Kind        `json:"kind"`
	DependsOn      []StageID   `json:"depends_on,omitempty"`
	Inputs         []string    `json:"inputs,omitempty"`
	Outputs        []string    `json:"outputs,omitempty"`
	Source         string      `json:"source,omitempty"`
	Shots          int         `json:"shots,omitempty"`
	Constraints    Constraints `json:"constraints,omitempty"`
	Retry          RetryPolicy `json:"retry,omitempty"`
	Checkpointable bool        `json:"checkpointable,omitempty"`

	// Rank is the stage's topological depth, assigned by Build.
	Rank int `json:"-"`
}

// Graph is an immutable, validated workflow DAG. Construct via Build; a
// running job never mutates its graph (re-planning derives a new one).
type Graph struct {
	stages     map[StageID]*Stage
	order      []StageID
	dependents map[StageID][]StageID
}

// Stage returns the stage with the given id.
func (g *Graph) Stage(id StageID) (*Stage, bool) {
	s, ok := g.stages[id]
	return s, ok
}

// Stages returns all stages in topological order.
func (g *Graph) Stages() []*Stage {
	out := make([]*Stage, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.stages[id])
	}
	return out
}

// Dependents returns the ids of stages that depend directly on id.
func (g *Graph) Dependents(id StageID) []StageID {
	return g.dependents[id]
}

// Len returns the number of stages.
func (g *Graph) Len() int {
	return len(g.stages)
}
