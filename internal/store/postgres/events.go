package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"qplane/internal/store"
)

// AppendEvent assigns the next per-job sequence number and inserts the
// event. The sequence is computed inside the insert so that two concurrent
// appenders for the same job cannot produce a gap or a duplicate; the
// primary key on (job_id, seq) backs the guarantee.
func (s *Store) AppendEvent(ctx context.Context, ev store.Event) (store.Event, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO job_events (job_id, seq, type, stage_id, state, cause, occurred_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6
		FROM job_events WHERE job_id = $1
		RETURNING seq
	`, ev.JobID, ev.Type, ev.StageID, ev.State, ev.Cause, ev.At).Scan(&ev.Seq)
	if err != nil {
		return store.Event{}, fmt.Errorf("failed to append event for job %s: %w", ev.JobID, err)
	}
	return ev, nil
}

// EventsSince returns the job's events with seq > after, in order.
func (s *Store) EventsSince(ctx context.Context, jobID uuid.UUID, after int64) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, stage_id, state, cause, occurred_at
		FROM job_events WHERE job_id = $1 AND seq > $2 ORDER BY seq ASC
	`, jobID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Event
	for rows.Next() {
		ev := store.Event{JobID: jobID}
		if err := rows.Scan(&ev.Seq, &ev.Type, &ev.StageID, &ev.State, &ev.Cause, &ev.At); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
