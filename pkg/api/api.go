// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the orchestrator server.
package api

import (
	"time"

	"qplane/internal/workflow"
)

// SubmitJobRequest is the request body for admitting a workflow.
type SubmitJobRequest struct {
	Name string      `json:"name,omitempty"`
	IR   workflow.IR `json:"ir"`
	// Priority must be between 0 and 100.
	Priority int `json:"priority,omitempty"`
	// DeadlineSeconds is the job wall-clock budget.
	DeadlineSeconds int `json:"deadline_seconds,omitempty"`
}

// SubmitJobResponse is the response body after admitting a job.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

// StageSummary describes one stage in a status response.
type StageSummary struct {
	StageID     string     `json:"stage_id"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	DeviceID    string     `json:"device_id,omitempty"`
	ResultRef   string     `json:"result_ref,omitempty"`
	ErrorCause  string     `json:"error_cause,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TransitionSummary is one lifecycle transition in a status response.
type TransitionSummary struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	At    time.Time `json:"at"`
	Cause string    `json:"cause,omitempty"`
}

// JobStatusResponse is the response body for job status queries. Cause is a
// stable code; DetailsRef points to diagnostics held by storage.
type JobStatusResponse struct {
	ID          string              `json:"id"`
	Name        string              `json:"name,omitempty"`
	State       string              `json:"state"`
	Priority    int                 `json:"priority"`
	Cause       string              `json:"cause,omitempty"`
	DetailsRef  string              `json:"details_ref,omitempty"`
	Stages      []StageSummary      `json:"stages"`
	Transitions []TransitionSummary `json:"transitions"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// JobEvent is one entry of the ordered per-job event feed.
type JobEvent struct {
	Seq     int64     `json:"seq"`
	Type    string    `json:"type"`
	StageID string    `json:"stage_id,omitempty"`
	State   string    `json:"state,omitempty"`
	Cause   string    `json:"cause,omitempty"`
	At      time.Time `json:"at"`
}

// JobEventsResponse is the response body for the event feed.
type JobEventsResponse struct {
	Events []JobEvent `json:"events"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
