// Package checkpoint persists enough state at stage boundaries to resume a
// job after a restart, and owns the per-stage retry/backoff policy.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"qplane/internal/store"
	"qplane/internal/workflow"
)

// Output is one named stage output as recorded in a snapshot: the storage
// ref plus the checksum taken at checkpoint time.
type Output struct {
	Ref    string `json:"ref"`
	SHA256 string `json:"sha256"`
}

// Ref identifies a persisted checkpoint.
type Ref struct {
	ID        uuid.UUID        `json:"id"`
	JobID     uuid.UUID        `json:"job_id"`
	StageID   workflow.StageID `json:"stage_id"`
	Attempt   int              `json:"attempt"`
	Seq       int64            `json:"seq"`
	BlobRef   string           `json:"blob_ref"`
	CreatedAt time.Time        `json:"created_at"`
}

// snapshot is the durable payload behind a checkpoint ref. The orchestrator
// treats the blob ref as opaque; this is the one place its layout is known.
type snapshot struct {
	ID      uuid.UUID         `json:"id"`
	JobID   uuid.UUID         `json:"job_id"`
	StageID workflow.StageID  `json:"stage_id"`
	Attempt int               `json:"attempt"`
	Seq     int64             `json:"seq"`
	Outputs map[string]Output `json:"outputs"`
	At      time.Time         `json:"at"`
}

// ResumePoint is the furthest consistent point a job can restart from: the
// completed stage set whose checkpoints all verified, plus the output refs
// they recorded.
type ResumePoint struct {
	Completed []workflow.StageID
	Outputs   map[string]string
}

// Coordinator writes and verifies checkpoints through the storage
// collaborator. Checkpointing is best-effort: a persistence failure is
// logged and forfeits resumability past that point, but never fails the job.
type Coordinator struct {
	blobs  store.BlobStore
	logger *slog.Logger

	mu   sync.Mutex
	seqs map[uuid.UUID]int64
}

// NewCoordinator creates a coordinator over the given blob store.
func NewCoordinator(blobs store.BlobStore, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		blobs:  blobs,
		logger: logger,
		seqs:   make(map[uuid.UUID]int64),
	}
}

// Checksum returns the hex sha256 of data, the checksum format recorded in
// snapshots.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Checkpoint persists a snapshot for the stage and returns its ref.
func (c *Coordinator) Checkpoint(ctx context.Context, jobID uuid.UUID, stageID workflow.StageID, attempt int, outputs map[string]Output) (Ref, error) {
	c.mu.Lock()
	c.seqs[jobID]++
	seq := c.seqs[jobID]
	c.mu.Unlock()

	snap := snapshot{
		ID:      uuid.New(),
		JobID:   jobID,
		StageID: stageID,
		Attempt: attempt,
		Seq:     seq,
		Outputs: outputs,
		At:      time.Now(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	blobRef, err := c.blobs.WriteCheckpoint(ctx, jobID, data)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to persist checkpoint for stage %s: %w", stageID, err)
	}

	return Ref{
		ID:        snap.ID,
		JobID:     jobID,
		StageID:   stageID,
		Attempt:   attempt,
		Seq:       seq,
		BlobRef:   blobRef,
		CreatedAt: snap.At,
	}, nil
}

// Resume inspects the job's persisted stage records and returns the furthest
// consistent resume point. A stage counts as completed only if its own
// checkpoint verifies (every declared output present and matching its
// recorded checksum) and every transitive dependency's does too.
func (c *Coordinator) Resume(ctx context.Context, jobID uuid.UUID, g *workflow.Graph, stages map[workflow.StageID]*store.StageRecord) (ResumePoint, error) {
	verified := make(map[workflow.StageID]map[string]Output)
	var maxSeq int64
	for id, rec := range stages {
		if rec.CheckpointRef == "" {
			continue
		}
		snap, err := c.verify(ctx, rec.CheckpointRef)
		if err != nil {
			c.logger.Warn("checkpoint failed verification, ignoring",
				"job_id", jobID, "stage_id", id, "checkpoint_ref", rec.CheckpointRef, "error", err)
			continue
		}
		verified[id] = snap.Outputs
		if snap.Seq > maxSeq {
			maxSeq = snap.Seq
		}
	}

	// Seed the sequence counter so checkpoints written after a restart keep
	// increasing past the persisted ones.
	c.mu.Lock()
	if maxSeq > c.seqs[jobID] {
		c.seqs[jobID] = maxSeq
	}
	c.mu.Unlock()

	// Keep only stages whose full ancestry verified; a stage cannot be
	// replayed as completed on top of a missing ancestor.
	point := ResumePoint{Outputs: make(map[string]string)}
	consistent := make(map[workflow.StageID]bool)
	for _, s := range g.Stages() { // topological order
		outputs, ok := verified[s.ID]
		if !ok {
			continue
		}
		ancestorsOK := true
		for _, dep := range s.DependsOn {
			if !consistent[dep] {
				ancestorsOK = false
				break
			}
		}
		if !ancestorsOK {
			continue
		}
		consistent[s.ID] = true
		point.Completed = append(point.Completed, s.ID)
		for name, out := range outputs {
			point.Outputs[name] = out.Ref
		}
	}
	return point, nil
}

// verify loads a snapshot and checks every declared output against storage.
func (c *Coordinator) verify(ctx context.Context, checkpointRef string) (snapshot, error) {
	data, err := c.blobs.ReadCheckpoint(ctx, checkpointRef)
	if err != nil {
		return snapshot{}, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return snapshot{}, fmt.Errorf("corrupt checkpoint payload: %w", err)
	}
	for name, out := range snap.Outputs {
		blob, err := c.blobs.Retrieve(ctx, out.Ref)
		if err != nil {
			return snapshot{}, fmt.Errorf("output %q missing: %w", name, err)
		}
		if Checksum(blob) != out.SHA256 {
			return snapshot{}, fmt.Errorf("output %q checksum mismatch", name)
		}
	}
	return snap, nil
}
