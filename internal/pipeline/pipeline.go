// Package pipeline contains the execution driver: the control loop that
// advances jobs through their workflow stages, invoking the compiler,
// backend, and storage collaborators and feeding results back into the
// lifecycle state machine.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"qplane/internal/workflow"
)

// Evaluator runs a pure classical stage in-process over the outputs of its
// dependencies. Implementations must be deterministic for identical inputs.
type Evaluator func(ctx context.Context, stage *workflow.Stage, inputs map[string][]byte) ([]byte, error)

// DefaultEvaluator is the built-in classical evaluator: it folds the named
// inputs into a single deterministic JSON document. Real deployments replace
// this with a registry of parameter-update routines.
func DefaultEvaluator(ctx context.Context, stage *workflow.Stage, inputs map[string][]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc := make(map[string]json.RawMessage, len(inputs))
	for name, data := range inputs {
		if json.Valid(data) {
			doc[name] = json.RawMessage(data)
		} else {
			quoted, err := json.Marshal(string(data))
			if err != nil {
				return nil, err
			}
			doc[name] = quoted
		}
	}
	out, err := json.Marshal(map[string]interface{}{
		"op":     stage.Source,
		"inputs": doc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode classical result: %w", err)
	}
	return out, nil
}
