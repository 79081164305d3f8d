package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"qplane/internal/scheduler"
)

// SimCompiler is a deterministic in-process compiler used when no external
// compiler collaborator is configured, and throughout the test suite.
type SimCompiler struct{}

// Compile produces a stable payload for identical inputs by hashing the
// source against the target.
func (SimCompiler) Compile(ctx context.Context, source, target string, options map[string]string) (CompileResult, error) {
	if err := ctx.Err(); err != nil {
		return CompileResult{}, err
	}
	if source == "" {
		return CompileResult{}, NewError(CauseInvalidPayload, "empty circuit source")
	}
	sum := sha256.Sum256([]byte(source + "\x00" + target))
	payload := []byte(fmt.Sprintf("qobj:%s:%s", target, hex.EncodeToString(sum[:8])))
	return CompileResult{
		Payload:  payload,
		Metadata: map[string]string{"target": target, "compiler": "sim"},
	}, nil
}

// SimExecutor simulates circuit execution. Responses are deterministic for a
// given payload and shot count. A Script hook lets tests inject failures per
// attempt.
type SimExecutor struct {
	// Script, when non-nil, is consulted before each execution. Returning a
	// non-nil error fails that attempt.
	Script func(stage scheduler.Allocation, attempt int) error

	mu       sync.Mutex
	attempts map[string]int
}

// NewSimExecutor creates a simulator with no scripted failures.
func NewSimExecutor() *SimExecutor {
	return &SimExecutor{attempts: make(map[string]int)}
}

// Execute returns an all-zeros/all-ones count split derived from the payload
// hash. Identical inputs produce identical counts, which the restart
// determinism tests rely on.
func (s *SimExecutor) Execute(ctx context.Context, payload []byte, alloc *scheduler.Allocation, shots int, options map[string]string) (ExecuteResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecuteResult{}, NewError(CauseDeadlineExceeded, "execution interrupted: %v", err)
	}
	if len(payload) == 0 {
		return ExecuteResult{}, NewError(CauseInvalidPayload, "empty payload")
	}
	if shots <= 0 {
		shots = 1024
	}

	s.mu.Lock()
	if s.attempts == nil {
		s.attempts = make(map[string]int)
	}
	key := string(alloc.StageID)
	s.attempts[key]++
	attempt := s.attempts[key]
	s.mu.Unlock()

	if s.Script != nil {
		if err := s.Script(*alloc, attempt); err != nil {
			return ExecuteResult{}, err
		}
	}

	sum := sha256.Sum256(payload)
	split := int64(sum[0]) * int64(shots) / 255
	counts := map[string]int64{
		"0": split,
		"1": int64(shots) - split,
	}
	return ExecuteResult{
		Counts:   counts,
		Metadata: map[string]string{"device": alloc.DeviceID, "simulated": "true"},
	}, nil
}
