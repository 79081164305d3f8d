package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"qplane/internal/backend"
	"qplane/internal/checkpoint"
	"qplane/internal/lifecycle"
	"qplane/internal/orchestrator"
	"qplane/internal/pipeline"
	"qplane/internal/scheduler"
	"qplane/internal/store/memory"
	"qplane/internal/workflow"
	"qplane/pkg/api"
)

// newTestHandlers wires handlers over a fully in-memory stack.
func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jobs := memory.New()
	blobs := memory.NewBlobStore()
	coord := checkpoint.NewCoordinator(blobs, logger)
	engine := scheduler.NewEngine([]scheduler.Device{
		{ID: "sim-local", Qubits: 32, Formats: []string{"qobj"}, Online: true},
	}, scheduler.Options{})
	driver := pipeline.NewDriver(engine, coord, jobs, jobs, blobs,
		pipeline.Collaborators{Compiler: backend.SimCompiler{}, Executor: backend.NewSimExecutor()},
		pipeline.Config{MaxConcurrentStages: 4, DefaultDeadline: 10 * time.Second},
		logger)
	orch := orchestrator.New(jobs, jobs, blobs, coord, driver, logger)
	return NewHandlers(orch)
}

func submitBody(t *testing.T) []byte {
	t.Helper()
	req := api.SubmitJobRequest{
		Name: "bell-state",
		IR: workflow.IR{Stages: []workflow.Stage{
			{ID: "compile", Kind: workflow.KindCompile, Source: "h q[0];", Outputs: []string{"payload"}, Constraints: workflow.Constraints{Format: "qobj"}},
			{ID: "execute", Kind: workflow.KindQuantum, DependsOn: []workflow.StageID{"compile"}, Inputs: []string{"payload"}, Outputs: []string{"counts"}, Constraints: workflow.Constraints{Qubits: 2, Format: "qobj"}},
		}},
		Priority: 75,
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return data
}

func submitJob(t *testing.T, h *Handlers) uuid.UUID {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(submitBody(t)))
	rr := httptest.NewRecorder()
	h.SubmitJob(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("SubmitJob returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp api.SubmitJobResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	id, err := uuid.Parse(resp.JobID)
	if err != nil {
		t.Fatalf("response job id is not a uuid: %q", resp.JobID)
	}
	return id
}

func getStatus(t *testing.T, h *Handlers, id uuid.UUID) (int, api.JobStatusResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+id.String(), nil)
	req.SetPathValue("id", id.String())
	rr := httptest.NewRecorder()
	h.JobStatus(rr, req)

	var resp api.JobStatusResponse
	if rr.Code == http.StatusOK {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("parse status: %v", err)
		}
	}
	return rr.Code, resp
}

func waitDone(t *testing.T, h *Handlers, id uuid.UUID) api.JobStatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		code, resp := getStatus(t, h, id)
		if code != http.StatusOK {
			t.Fatalf("JobStatus returned %d", code)
		}
		if lifecycle.State(resp.State).Terminal() {
			return resp
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("job did not settle in time")
	return api.JobStatusResponse{}
}

func TestSubmitJob_RunsToCompletion(t *testing.T) {
	h := newTestHandlers(t)
	id := submitJob(t, h)

	resp := waitDone(t, h, id)
	if resp.State != string(lifecycle.StateDone) {
		t.Fatalf("expected DONE, got %s (cause %s)", resp.State, resp.Cause)
	}
	if resp.Name != "bell-state" || resp.Priority != 75 {
		t.Errorf("unexpected job fields: %+v", resp)
	}
	if len(resp.Stages) != 2 {
		t.Fatalf("expected 2 stage summaries, got %d", len(resp.Stages))
	}
	// Stage summaries are sorted by id.
	if resp.Stages[0].StageID != "compile" || resp.Stages[1].StageID != "execute" {
		t.Errorf("unexpected stage order: %+v", resp.Stages)
	}
	if len(resp.Transitions) == 0 {
		t.Error("expected transition history in status response")
	}
}

func TestSubmitJob_ValidationFailures(t *testing.T) {
	h := newTestHandlers(t)

	tests := []struct {
		name string
		ir   workflow.IR
	}{
		{"empty graph", workflow.IR{}},
		{"cycle", workflow.IR{Stages: []workflow.Stage{
			{ID: "a", Kind: workflow.KindClassical, DependsOn: []workflow.StageID{"b"}},
			{ID: "b", Kind: workflow.KindClassical, DependsOn: []workflow.StageID{"a"}},
		}}},
		{"dangling dependency", workflow.IR{Stages: []workflow.Stage{
			{ID: "a", Kind: workflow.KindClassical, DependsOn: []workflow.StageID{"ghost"}},
		}}},
		{"unknown kind", workflow.IR{Stages: []workflow.Stage{
			{ID: "a", Kind: "warp"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(api.SubmitJobRequest{IR: tt.ir})
			req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
			rr := httptest.NewRecorder()
			h.SubmitJob(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			var resp api.ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("parse error response: %v", err)
			}
			if resp.Details == "" {
				t.Error("expected validation detail in error response")
			}
		})
	}
}

func TestSubmitJob_MalformedBody(t *testing.T) {
	h := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	h.SubmitJob(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestJobStatus_NotFoundAndBadID(t *testing.T) {
	h := newTestHandlers(t)

	code, _ := getStatus(t, h, uuid.New())
	if code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/not-a-uuid", nil)
	req.SetPathValue("id", "not-a-uuid")
	rr := httptest.NewRecorder()
	h.JobStatus(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", rr.Code)
	}
}

func TestCancelJob_TerminalConflict(t *testing.T) {
	h := newTestHandlers(t)
	id := submitJob(t, h)
	waitDone(t, h, id)

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+id.String()+"/cancel", nil)
	req.SetPathValue("id", id.String())
	rr := httptest.NewRecorder()
	h.CancelJob(rr, req)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409 for terminal job, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/jobs/"+uuid.NewString()+"/cancel", nil)
	req.SetPathValue("id", uuid.NewString())
	rr = httptest.NewRecorder()
	h.CancelJob(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", rr.Code)
	}
}

func TestJobEvents_FeedAndResume(t *testing.T) {
	h := newTestHandlers(t)
	id := submitJob(t, h)
	waitDone(t, h, id)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+id.String()+"/events", nil)
	req.SetPathValue("id", id.String())
	rr := httptest.NewRecorder()
	h.JobEvents(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("JobEvents returned %d", rr.Code)
	}

	var resp api.JobEventsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse events: %v", err)
	}
	if len(resp.Events) == 0 {
		t.Fatal("expected events for a completed job")
	}
	for i, ev := range resp.Events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event seq gap at %d: %d", i, ev.Seq)
		}
	}

	// Resume from the middle of the feed.
	cut := resp.Events[len(resp.Events)/2].Seq
	req = httptest.NewRequest(http.MethodGet, "/jobs/"+id.String()+"/events?from="+strconv.FormatInt(cut, 10), nil)
	req.SetPathValue("id", id.String())
	rr = httptest.NewRecorder()
	h.JobEvents(rr, req)

	var tail api.JobEventsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &tail); err != nil {
		t.Fatalf("parse events: %v", err)
	}
	if len(tail.Events) != len(resp.Events)-int(cut) {
		t.Errorf("expected %d events after seq %d, got %d", len(resp.Events)-int(cut), cut, len(tail.Events))
	}
	if len(tail.Events) > 0 && tail.Events[0].Seq != cut+1 {
		t.Errorf("expected resume at seq %d, got %d", cut+1, tail.Events[0].Seq)
	}

	// Invalid cursor.
	req = httptest.NewRequest(http.MethodGet, "/jobs/"+id.String()+"/events?from=x", nil)
	req.SetPathValue("id", id.String())
	rr = httptest.NewRecorder()
	h.JobEvents(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad cursor, got %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.Health(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}
