package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"qplane/internal/orchestrator"
	"qplane/internal/store"
	"qplane/internal/workflow"
	"qplane/pkg/api"
)

// Handlers holds the HTTP handlers and their orchestrator dependency.
type Handlers struct {
	orch *orchestrator.Orchestrator
}

// NewHandlers creates a Handlers instance.
func NewHandlers(orch *orchestrator.Orchestrator) *Handlers {
	return &Handlers{orch: orch}
}

// SubmitJob handles POST /jobs: validate the IR and admit the job.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	jobID, err := h.orch.Submit(r.Context(), req.IR, orchestrator.SubmitOptions{
		Name:     req.Name,
		Priority: req.Priority,
		Deadline: time.Duration(req.DeadlineSeconds) * time.Second,
	})
	if err != nil {
		if isValidationError(err) {
			h.respondJSON(w, http.StatusBadRequest, api.ErrorResponse{
				Error:   "Workflow validation failed",
				Code:    strconv.Itoa(http.StatusBadRequest),
				Details: err.Error(),
			})
			return
		}
		h.httpError(w, "Failed to admit job", http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusAccepted, api.SubmitJobResponse{JobID: jobID.String()})
}

// JobStatus handles GET /jobs/{id}.
func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	job, err := h.orch.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Job not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to load job", http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, statusResponse(job))
}

// CancelJob handles POST /jobs/{id}/cancel.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	err := h.orch.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, store.ErrNotFound):
		h.httpError(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrJobTerminal):
		h.httpError(w, "Job already terminal", http.StatusConflict)
	default:
		h.httpError(w, "Failed to cancel job", http.StatusInternalServerError)
	}
}

// JobEvents handles GET /jobs/{id}/events?from=N. The from parameter is the
// last sequence number the subscriber saw.
func (h *Handlers) JobEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	var after int64
	if from := r.URL.Query().Get("from"); from != "" {
		n, err := strconv.ParseInt(from, 10, 64)
		if err != nil || n < 0 {
			h.httpError(w, "Invalid from parameter", http.StatusBadRequest)
			return
		}
		after = n
	}

	events, err := h.orch.Events(r.Context(), jobID, after)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Job not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to load events", http.StatusInternalServerError)
		return
	}

	resp := api.JobEventsResponse{Events: make([]api.JobEvent, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, api.JobEvent{
			Seq:     ev.Seq,
			Type:    ev.Type,
			StageID: string(ev.StageID),
			State:   string(ev.State),
			Cause:   ev.Cause,
			At:      ev.At,
		})
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJSON(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

func isValidationError(err error) bool {
	return errors.Is(err, workflow.ErrCycle) ||
		errors.Is(err, workflow.ErrDuplicateStage) ||
		errors.Is(err, workflow.ErrDanglingDependency) ||
		errors.Is(err, workflow.ErrUnproducedInput) ||
		errors.Is(err, workflow.ErrUnknownKind) ||
		errors.Is(err, workflow.ErrEmptyGraph)
}

func statusResponse(job *store.JobRecord) api.JobStatusResponse {
	resp := api.JobStatusResponse{
		ID:         job.ID.String(),
		Name:       job.Name,
		State:      string(job.State),
		Priority:   job.Priority,
		Cause:      job.Cause,
		DetailsRef: job.DetailsRef,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	stageIDs := make([]string, 0, len(job.Stages))
	for id := range job.Stages {
		stageIDs = append(stageIDs, string(id))
	}
	sort.Strings(stageIDs)
	for _, id := range stageIDs {
		st := job.Stages[workflow.StageID(id)]
		resp.Stages = append(resp.Stages, api.StageSummary{
			StageID:     string(st.StageID),
			Status:      string(st.Status),
			Attempt:     st.Attempt,
			DeviceID:    st.DeviceID,
			ResultRef:   st.ResultRef,
			ErrorCause:  st.ErrorCause,
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
		})
	}
	for _, tr := range job.Transitions {
		resp.Transitions = append(resp.Transitions, api.TransitionSummary{
			From:  string(tr.From),
			To:    string(tr.To),
			At:    tr.At,
			Cause: tr.Cause,
		})
	}
	return resp
}
