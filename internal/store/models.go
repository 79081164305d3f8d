// Package store contains the persistence layer for qplane job records.
package store

import (
	"time"

	"github.com/google/uuid"

	"qplane/internal/lifecycle"
	"qplane/internal/workflow"
)

// StageStatus is the per-stage execution status inside a job record.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// StageRecord tracks one stage's execution bookkeeping: attempts, the
// allocation it ran under, and references into the storage collaborator for
// its result and checkpoint. Together with the job's transition history this
// is sufficient to reconstruct scheduling decisions for audit.
type StageRecord struct {
	StageID       workflow.StageID
	Status        StageStatus
	Attempt       int
	DeviceID      string
	AllocationID  *uuid.UUID
	ResultRef     string
	CheckpointRef string
	ErrorCause    string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// JobRecord is the persisted aggregate for one job: graph reference, current
// state, full transition history, and per-stage records.
type JobRecord struct {
	ID          uuid.UUID
	Name        string
	Priority    int
	State       lifecycle.State
	GraphRef    string
	Cause       string
	DetailsRef  string
	Transitions []lifecycle.Record
	Stages      map[workflow.StageID]*StageRecord
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy safe to hand outside the store.
func (j *JobRecord) Clone() *JobRecord {
	out := *j
	out.Transitions = make([]lifecycle.Record, len(j.Transitions))
	copy(out.Transitions, j.Transitions)
	out.Stages = make(map[workflow.StageID]*StageRecord, len(j.Stages))
	for id, s := range j.Stages {
		sc := *s
		out.Stages[id] = &sc
	}
	return &out
}

// Event is one entry of a job's ordered event feed. Seq is monotonically
// increasing per job with no gaps, so subscribers can resume after a
// disconnect without duplicates.
type Event struct {
	Seq     int64            `json:"seq"`
	JobID   uuid.UUID        `json:"job_id"`
	Type    string           `json:"type"`
	StageID workflow.StageID `json:"stage_id,omitempty"`
	State   lifecycle.State  `json:"state,omitempty"`
	Cause   string           `json:"cause,omitempty"`
	At      time.Time        `json:"at"`
}

// Priority bounds for job admission.
const (
	PriorityLow      = 0
	PriorityNormal   = 50
	PriorityHigh     = 75
	PriorityCritical = 100

	PriorityMin = 0
	PriorityMax = 100
)
