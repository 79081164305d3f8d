package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"qplane/internal/lifecycle"
	"qplane/internal/store"
	"qplane/internal/workflow"
)

// CreateJob inserts the job row and its initial stage rows in one
// transaction.
func (s *Store) CreateJob(ctx context.Context, job *store.JobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, name, priority, state, graph_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, job.ID, job.Name, job.Priority, job.State, job.GraphRef, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}

	for _, st := range job.Stages {
		if err := upsertStage(ctx, tx, job.ID, st); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetJob loads a job record with its transition history and stage records.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*store.JobRecord, error) {
	job := &store.JobRecord{
		ID:     id,
		Stages: make(map[workflow.StageID]*store.StageRecord),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT name, priority, state, graph_ref, cause, details_ref, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id).Scan(&job.Name, &job.Priority, &job.State, &job.GraphRef, &job.Cause, &job.DetailsRef, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}

	if err := s.loadTransitions(ctx, job); err != nil {
		return nil, err
	}
	if err := s.loadStages(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns all job records, newest first, without per-stage detail.
func (s *Store) ListJobs(ctx context.Context) ([]*store.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, priority, state, graph_ref, cause, details_ref, created_at, updated_at
		FROM jobs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.JobRecord
	for rows.Next() {
		job := &store.JobRecord{Stages: make(map[workflow.StageID]*store.StageRecord)}
		if err := rows.Scan(&job.ID, &job.Name, &job.Priority, &job.State, &job.GraphRef,
			&job.Cause, &job.DetailsRef, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// AppendTransition records the transition row and updates the job's current
// state atomically.
func (s *Store) AppendTransition(ctx context.Context, jobID uuid.UUID, rec lifecycle.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_transitions (job_id, from_state, to_state, cause, details_ref, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, jobID, rec.From, rec.To, rec.Cause, rec.DetailsRef, rec.At)
	if err != nil {
		return fmt.Errorf("failed to insert transition for job %s: %w", jobID, err)
	}

	query := `UPDATE jobs SET state = $1, updated_at = NOW() WHERE id = $2`
	args := []interface{}{rec.To, jobID}
	if rec.To.Terminal() {
		query = `UPDATE jobs SET state = $1, cause = $2, details_ref = $3, updated_at = NOW() WHERE id = $4`
		args = []interface{}{rec.To, rec.Cause, rec.DetailsRef, jobID}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s state: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}

	return tx.Commit()
}

// UpdateStage upserts one stage's bookkeeping row.
func (s *Store) UpdateStage(ctx context.Context, jobID uuid.UUID, stage *store.StageRecord) error {
	if err := upsertStage(ctx, s.db, jobID, stage); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET updated_at = NOW() WHERE id = $1`, jobID)
	return err
}

func upsertStage(ctx context.Context, db store.DBTransaction, jobID uuid.UUID, st *store.StageRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO job_stages (job_id, stage_id, status, attempt, device_id, allocation_id,
			result_ref, checkpoint_ref, error_cause, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_id, stage_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt = EXCLUDED.attempt,
			device_id = EXCLUDED.device_id,
			allocation_id = EXCLUDED.allocation_id,
			result_ref = EXCLUDED.result_ref,
			checkpoint_ref = EXCLUDED.checkpoint_ref,
			error_cause = EXCLUDED.error_cause,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`, jobID, st.StageID, st.Status, st.Attempt, st.DeviceID, st.AllocationID,
		st.ResultRef, st.CheckpointRef, st.ErrorCause, st.StartedAt, st.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert stage %s for job %s: %w", st.StageID, jobID, err)
	}
	return nil
}

func (s *Store) loadTransitions(ctx context.Context, job *store.JobRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_state, to_state, cause, details_ref, occurred_at
		FROM job_transitions WHERE job_id = $1 ORDER BY id ASC
	`, job.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rec lifecycle.Record
		if err := rows.Scan(&rec.From, &rec.To, &rec.Cause, &rec.DetailsRef, &rec.At); err != nil {
			return err
		}
		job.Transitions = append(job.Transitions, rec)
	}
	return rows.Err()
}

func (s *Store) loadStages(ctx context.Context, job *store.JobRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage_id, status, attempt, device_id, allocation_id, result_ref,
			checkpoint_ref, error_cause, started_at, completed_at
		FROM job_stages WHERE job_id = $1 ORDER BY stage_id ASC
	`, job.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var st store.StageRecord
		if err := rows.Scan(&st.StageID, &st.Status, &st.Attempt, &st.DeviceID, &st.AllocationID,
			&st.ResultRef, &st.CheckpointRef, &st.ErrorCause, &st.StartedAt, &st.CompletedAt); err != nil {
			return err
		}
		job.Stages[st.StageID] = &st
	}
	return rows.Err()
}
