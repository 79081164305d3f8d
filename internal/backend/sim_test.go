package backend

import (
	"context"
	"errors"
	"testing"

	"qplane/internal/scheduler"
)

func TestSimCompiler_Deterministic(t *testing.T) {
	c := SimCompiler{}
	ctx := context.Background()

	r1, err := c.Compile(ctx, "h q[0]; cx q[0],q[1];", "falcon-a", nil)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	r2, err := c.Compile(ctx, "h q[0]; cx q[0],q[1];", "falcon-a", nil)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if string(r1.Payload) != string(r2.Payload) {
		t.Error("identical inputs produced different payloads")
	}

	r3, err := c.Compile(ctx, "h q[0]; cx q[0],q[1];", "heron-b", nil)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if string(r1.Payload) == string(r3.Payload) {
		t.Error("different targets produced the same payload")
	}
}

func TestSimCompiler_EmptySourceIsInvalidPayload(t *testing.T) {
	_, err := SimCompiler{}.Compile(context.Background(), "", "falcon-a", nil)
	if err == nil {
		t.Fatal("expected error for empty source")
	}
	if CauseOf(err) != CauseInvalidPayload {
		t.Errorf("expected invalid_payload, got %s", CauseOf(err))
	}
	var be *Error
	if !errors.As(err, &be) || be.Transient() {
		t.Error("invalid payload must be permanent")
	}
}

func TestSimExecutor_DeterministicCounts(t *testing.T) {
	alloc := &scheduler.Allocation{StageID: "execute", DeviceID: "sim-local"}
	payload := []byte("qobj:sim-local:abcd")

	r1, err := NewSimExecutor().Execute(context.Background(), payload, alloc, 1000, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	r2, err := NewSimExecutor().Execute(context.Background(), payload, alloc, 1000, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var total int64
	for k, v := range r1.Counts {
		total += v
		if r2.Counts[k] != v {
			t.Errorf("counts differ for %q: %d vs %d", k, v, r2.Counts[k])
		}
	}
	if total != 1000 {
		t.Errorf("counts do not sum to shots: %d", total)
	}
	if r1.Metadata["device"] != "sim-local" {
		t.Errorf("expected device metadata, got %v", r1.Metadata)
	}
}

func TestSimExecutor_ScriptedFailures(t *testing.T) {
	exec := NewSimExecutor()
	exec.Script = func(alloc scheduler.Allocation, attempt int) error {
		if attempt <= 2 {
			return NewError(CauseResourceUnavailable, "device dropped out")
		}
		return nil
	}

	alloc := &scheduler.Allocation{StageID: "execute", DeviceID: "falcon-a"}
	payload := []byte("qobj")

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := exec.Execute(context.Background(), payload, alloc, 100, nil)
		if CauseOf(err) != CauseResourceUnavailable {
			t.Fatalf("attempt %d: expected resource_unavailable, got %v", attempt, err)
		}
		var be *Error
		if !errors.As(err, &be) || !be.Transient() {
			t.Fatalf("attempt %d: expected transient failure", attempt)
		}
	}

	if _, err := exec.Execute(context.Background(), payload, alloc, 100, nil); err != nil {
		t.Fatalf("third attempt should succeed, got %v", err)
	}
}

func TestError_TransientClassification(t *testing.T) {
	tests := []struct {
		cause Cause
		want  bool
	}{
		{CauseUnsupportedFormat, false},
		{CauseInvalidPayload, false},
		{CauseResourceUnavailable, true},
		{CauseResourceBusy, true},
		{CauseDeadlineExceeded, true},
	}
	for _, tt := range tests {
		e := NewError(tt.cause, "x")
		if e.Transient() != tt.want {
			t.Errorf("Transient(%s) = %v, want %v", tt.cause, e.Transient(), tt.want)
		}
	}
}
