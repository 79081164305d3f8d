package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"qplane/internal/lifecycle"
)

// ErrNotFound is returned when a job, blob, or event range does not exist.
var ErrNotFound = errors.New("not found")

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx so that
// repository methods accept either a connection pool or an open transaction.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// JobStore persists job records, their transition history, and per-stage
// bookkeeping.
type JobStore interface {
	// CreateJob inserts a new job record with its initial stage records.
	CreateJob(ctx context.Context, job *JobRecord) error

	// GetJob returns a job record by id.
	GetJob(ctx context.Context, id uuid.UUID) (*JobRecord, error)

	// ListJobs returns all job records, newest first.
	ListJobs(ctx context.Context) ([]*JobRecord, error)

	// AppendTransition records a state transition and updates the job's
	// current state (and terminal cause, if any) atomically.
	AppendTransition(ctx context.Context, jobID uuid.UUID, rec lifecycle.Record) error

	// UpdateStage upserts one stage's execution bookkeeping.
	UpdateStage(ctx context.Context, jobID uuid.UUID, stage *StageRecord) error
}

// EventStore persists the per-job ordered event feed.
type EventStore interface {
	// AppendEvent assigns the next sequence number for the job and stores
	// the event. The assigned event is returned.
	AppendEvent(ctx context.Context, ev Event) (Event, error)

	// EventsSince returns events for the job with Seq > after, in order.
	EventsSince(ctx context.Context, jobID uuid.UUID, after int64) ([]Event, error)
}

// BlobStore is the narrow interface to the tiered artifact/state storage
// collaborator. The orchestrator treats refs as opaque.
type BlobStore interface {
	// Persist stores stage output bytes under the job/stage namespace and
	// returns an opaque ref.
	Persist(ctx context.Context, jobID uuid.UUID, stageID, kind string, data []byte) (string, error)

	// Retrieve returns the bytes behind a ref.
	Retrieve(ctx context.Context, ref string) ([]byte, error)

	// WriteCheckpoint stores a checkpoint snapshot under the per-job
	// namespace and returns its ref.
	WriteCheckpoint(ctx context.Context, jobID uuid.UUID, data []byte) (string, error)

	// ReadCheckpoint returns the snapshot bytes behind a checkpoint ref.
	ReadCheckpoint(ctx context.Context, ref string) ([]byte, error)
}
