package persistence

import (
	"context"
	"encoding/json"
	"testing"

	domainctx "github.com/stewardflow/stewardflow/internal/domain/context"
	"github.com/stewardflow/stewardflow/internal/domain/trace"
	apperrors "github.com/stewardflow/stewardflow/pkg/errors"
)

func sampleTrace() *trace.Trace {
	tr := trace.NewTrace("client-1")
	turn := tr.AppendTurn("inspect the repo")
	step := turn.AppendStep()
	callID := "call_1"
	step.ToolCalls = []trace.ToolCall{
		{ID: callID, Type: "function", Function: trace.FunctionCall{Name: "fs_list", Arguments: `{"path":"."}`}},
	}
	step.Actions = []*trace.Action{trace.NewToolAction(callID, "fs_list", map[string]any{"path": "."}, false)}
	step.Observations = []*trace.Observation{
		trace.NewObservation(callID, trace.ObsToolResult, true, map[string]any{"kind": "inline", "content": "ok"}),
	}
	tr.CurrentStepID = step.StepID
	return tr
}

func TestMemoryCheckpoint_SaveLoadRoundTrip(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()
	tr := sampleTrace()

	if err := store.Save(ctx, tr); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(ctx, tr.TraceID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// structural equality through the JSON form
	a, _ := json.Marshal(tr)
	b, _ := json.Marshal(loaded)
	if string(a) != string(b) {
		t.Errorf("round-trip diverged:\nsaved:  %s\nloaded: %s", a, b)
	}
}

func TestMemoryCheckpoint_LoadReturnsIsolatedCopy(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()
	tr := sampleTrace()

	if err := store.Save(ctx, tr); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, _ := store.Load(ctx, tr.TraceID)
	loaded.Status = trace.StatusFailed
	loaded.Turns[0].UserInput = "mutated"

	fresh, _ := store.Load(ctx, tr.TraceID)
	if fresh.Status == trace.StatusFailed || fresh.Turns[0].UserInput == "mutated" {
		t.Error("mutating a loaded copy leaked into the store")
	}
}

func TestMemoryCheckpoint_SaveSnapshotsAtCallTime(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()
	tr := sampleTrace()

	if err := store.Save(ctx, tr); err != nil {
		t.Fatalf("save: %v", err)
	}
	tr.Status = trace.StatusDone // mutate after save

	loaded, _ := store.Load(ctx, tr.TraceID)
	if loaded.Status == trace.StatusDone {
		t.Error("save must snapshot the aggregate at call time")
	}
}

func TestMemoryCheckpoint_LoadMissing(t *testing.T) {
	store := NewMemoryCheckpointStore()
	_, err := store.Load(context.Background(), "trace_missing")
	if err == nil || !apperrors.IsNotFound(err) {
		t.Errorf("missing trace should be NOT_FOUND, got %v", err)
	}
}

func TestMemoryCheckpoint_Delete(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()
	tr := sampleTrace()

	_ = store.Save(ctx, tr)
	if err := store.Delete(ctx, tr.TraceID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, tr.TraceID); !apperrors.IsNotFound(err) {
		t.Errorf("deleted trace should be NOT_FOUND, got %v", err)
	}
}

func TestMemoryContextStore_RoundTrip(t *testing.T) {
	store := NewMemoryContextStore()
	ctx := context.Background()

	rc := &domainctx.RuntimeContext{
		TraceID:               "trace_ctx",
		SystemPromptHash:      "abc",
		CalibrationMultiplier: 1.2,
		Messages:              []domainctx.Message{{Role: "system", Content: "p"}},
		MsgTokensRaw:          []int{3},
		MsgTokensRawSum:       3,
		StepSpanMap:           map[string]domainctx.Span{"step_1": {Start: 1, End: 2}},
		StepTokensRaw:         map[string]int{"step_1": 5},
	}
	if err := store.Save(ctx, rc); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load(ctx, "trace_ctx")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CalibrationMultiplier != 1.2 || loaded.StepSpanMap["step_1"].End != 2 {
		t.Errorf("context round-trip diverged: %+v", loaded)
	}

	// missing context is nil, not an error
	missing, err := store.Load(ctx, "trace_other")
	if err != nil || missing != nil {
		t.Errorf("missing context: got (%v, %v), want (nil, nil)", missing, err)
	}
}
