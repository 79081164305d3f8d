package workflow

import (
	"errors"
	"fmt"
)

// Validation failures reported by Build. All are wrapped with the offending
// stage id; callers classify with errors.Is.
var (
	ErrDuplicateStage     = errors.New("duplicate stage id")
	ErrDanglingDependency = errors.New("dependency references unknown stage")
	ErrCycle              = errors.New("workflow graph contains a cycle")
	ErrUnproducedInput    = errors.New("stage input not produced by any ancestor")
	ErrUnknownKind        = errors.New("unknown stage kind")
	ErrEmptyGraph         = errors.New("workflow graph has no stages")
)

// IR is the portable intermediate representation handed over by the language
// front-end. It is the admission format: everything the orchestrator knows
// about a computation arrives through it.
type IR struct {
	Name   string  `json:"name,omitempty"`
	Stages []Stage `json:"stages"`
}

// Build validates ir and returns an immutable Graph. It rejects duplicate
// stage ids, dangling dependency references, cycles, and stages whose
// declared inputs are not produced by a transitive dependency.
func Build(ir IR) (*Graph, error) {
	if len(ir.Stages) == 0 {
		return nil, ErrEmptyGraph
	}

	g := &Graph{
		stages:     make(map[StageID]*Stage, len(ir.Stages)),
		dependents: make(map[StageID][]StageID),
	}

	for i := range ir.Stages {
		s := ir.Stages[i]
		if !s.Kind.Valid() {
			return nil, fmt.Errorf("stage %s: %w: %q", s.ID, ErrUnknownKind, s.Kind)
		}
		if _, ok := g.stages[s.ID]; ok {
			return nil, fmt.Errorf("stage %s: %w", s.ID, ErrDuplicateStage)
		}
		g.stages[s.ID] = &s
	}

	indegree := make(map[StageID]int, len(g.stages))
	for _, s := range g.stages {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			if _, ok := g.stages[dep]; !ok {
				return nil, fmt.Errorf("stage %s: %w: %s", s.ID, ErrDanglingDependency, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}

	// Kahn's algorithm. Anything left with a nonzero in-degree afterwards
	// sits on a cycle. Iterating ir.Stages (not the map) keeps the order
	// deterministic for stages at the same depth.
	var frontier []StageID
	for _, s := range ir.Stages {
		if indegree[s.ID] == 0 {
			frontier = append(frontier, s.ID)
			g.stages[s.ID].Rank = 0
		}
	}

	produced := make(map[StageID]map[string]struct{}, len(g.stages))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		g.order = append(g.order, id)

		s := g.stages[id]
		avail := make(map[string]struct{})
		for _, dep := range s.DependsOn {
			d := g.stages[dep]
			for name := range produced[dep] {
				avail[name] = struct{}{}
			}
			for _, out := range d.Outputs {
				avail[out] = struct{}{}
			}
		}
		for _, in := range s.Inputs {
			if _, ok := avail[in]; !ok {
				return nil, fmt.Errorf("stage %s: %w: %q", s.ID, ErrUnproducedInput, in)
			}
		}
		produced[id] = avail

		for _, dep := range g.dependents[id] {
			if r := s.Rank + 1; g.stages[dep].Rank < r {
				g.stages[dep].Rank = r
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}

	if len(g.order) != len(g.stages) {
		var stuck []StageID
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("%w: unresolved stages %v", ErrCycle, stuck)
	}

	return g, nil
}
