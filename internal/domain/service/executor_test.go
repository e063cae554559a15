package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	domainctx "github.com/stewardflow/stewardflow/internal/domain/context"
	"github.com/stewardflow/stewardflow/internal/domain/event"
	"github.com/stewardflow/stewardflow/internal/domain/service"
	domaintool "github.com/stewardflow/stewardflow/internal/domain/tool"
	"github.com/stewardflow/stewardflow/internal/domain/trace"
	"github.com/stewardflow/stewardflow/internal/infrastructure/persistence"
	"github.com/stewardflow/stewardflow/internal/infrastructure/runtime"
	"github.com/stewardflow/stewardflow/internal/infrastructure/toolresult"
	"go.uber.org/zap"
)

// scriptedPlanner replays canned plan results, one per THINK.
type scriptedPlanner struct {
	mu    sync.Mutex
	steps []func(req *service.PlanRequest) *service.PlanResult
	calls int
}

func (p *scriptedPlanner) Plan(_ context.Context, req *service.PlanRequest) (*service.PlanResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.steps) {
		return nil, fmt.Errorf("planner script exhausted after %d calls", p.calls)
	}
	fn := p.steps[p.calls]
	p.calls++
	return fn(req), nil
}

// fakeTool is a registry entry backed by a closure.
type fakeTool struct {
	name    string
	confirm bool
	fn      func(ctx context.Context, args map[string]any) (any, error)
}

func (t *fakeTool) Name() string               { return t.name }
func (t *fakeTool) Description() string        { return "test tool" }
func (t *fakeTool) RequiresConfirmation() bool { return t.confirm }
func (t *fakeTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *fakeTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

// recordSink collects emitted events in order.
type recordSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *recordSink) Send(_ string, ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordSink) types() []event.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Type, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (s *recordSink) first(typ event.Type) *event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].EventType == typ {
			return &s.events[i]
		}
	}
	return nil
}

type harness struct {
	executor   *service.Executor
	checkpoint *persistence.MemoryCheckpointStore
	cache      *domainctx.Manager
	sink       *recordSink
	registry   *domaintool.InMemoryRegistry
}

func newHarness(t *testing.T, planner service.Planner, tools ...domaintool.Tool) *harness {
	t.Helper()
	logger := zap.NewNop()

	registry := domaintool.NewInMemoryRegistry()
	for _, tl := range tools {
		if err := registry.Register(tl); err != nil {
			t.Fatalf("register %s: %v", tl.Name(), err)
		}
	}

	settings, err := runtime.NewSettings(runtime.Options{WorkspaceRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	externalizer := toolresult.NewExternalizer(settings, logger)

	estimator := domainctx.NewTokenEstimator(domainctx.DefaultEstimatorConfig())
	cacheCfg := domainctx.DefaultConfig()
	cacheCfg.ThresholdTokens = 0
	cache := domainctx.NewManager(cacheCfg, estimator, persistence.NewMemoryContextStore(),
		func() string { return "system prompt" }, nil, logger)

	checkpoint := persistence.NewMemoryCheckpointStore()
	dispatcher := service.NewDispatcher(registry, 5*time.Second, logger)
	sink := &recordSink{}

	executor := service.NewExecutor(checkpoint, planner, dispatcher, cache, sink, externalizer,
		service.ExecutorConfig{ToolsetVersion: "test-v1"}, logger)

	return &harness{
		executor:   executor,
		checkpoint: checkpoint,
		cache:      cache,
		sink:       sink,
		registry:   registry,
	}
}

func finishResult(message string) *service.PlanResult {
	return &service.PlanResult{
		Actions: []*trace.Action{
			trace.NewContentAction(trace.ActionTypeFinish, message,
				fmt.Sprintf(`{"type":"finish","message":%q}`, message)),
		},
		TokenInfo: trace.TokenInfo{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50},
	}
}

func toolResult(callID, toolName string, args map[string]any, confirm bool) *service.PlanResult {
	return &service.PlanResult{
		ToolCalls: []trace.ToolCall{
			{ID: callID, Type: "function", Function: trace.FunctionCall{Name: toolName, Arguments: domainctx.StableJSON(args)}},
		},
		Actions:   []*trace.Action{trace.NewToolAction(callID, toolName, args, confirm)},
		TokenInfo: trace.TokenInfo{PromptTokens: 60, CompletionTokens: 20, TotalTokens: 80},
	}
}

func startTrace(t *testing.T, h *harness, goal string) *trace.Trace {
	t.Helper()
	tr := trace.NewTrace("client-1")
	tr.AppendTurn(goal)
	if err := h.checkpoint.Save(context.Background(), tr); err != nil {
		t.Fatalf("save: %v", err)
	}
	return tr
}

func assertOrder(t *testing.T, got []event.Type, want ...event.Type) {
	t.Helper()
	idx := 0
	for _, typ := range got {
		if idx < len(want) && typ == want[idx] {
			idx++
		}
	}
	if idx != len(want) {
		t.Errorf("event order: got %v, want subsequence %v", got, want)
	}
}

// Scenario 1: finish without tools.
func TestExecutor_FinishWithoutTools(t *testing.T) {
	planner := &scriptedPlanner{steps: []func(*service.PlanRequest) *service.PlanResult{
		func(*service.PlanRequest) *service.PlanResult { return finishResult("hi") },
	}}
	h := newHarness(t, planner)
	tr := startTrace(t, h, "hello")

	if err := h.executor.Run(context.Background(), tr); err != nil {
		t.Fatalf("run: %v", err)
	}

	if tr.Status != trace.StatusDone {
		t.Fatalf("status = %s, want done", tr.Status)
	}
	assertOrder(t, h.sink.types(), event.TypeThought, event.TypeAction, event.TypeFinal, event.TypeEnd)

	final := h.sink.first(event.TypeFinal)
	if final == nil || final.Data["content"] != "hi" {
		t.Errorf("final event content wrong: %+v", final)
	}

	// the checkpointed aggregate matches the in-memory one
	loaded, err := h.checkpoint.Load(context.Background(), tr.TraceID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != trace.StatusDone || len(loaded.Turns) != 1 {
		t.Errorf("checkpoint diverged: %+v", loaded)
	}
}

// Scenario 2: single tool round-trip.
func TestExecutor_SingleToolRoundTrip(t *testing.T) {
	executed := false
	listTool := &fakeTool{name: "fs_list", fn: func(_ context.Context, args map[string]any) (any, error) {
		executed = true
		return map[string]any{"ok": true, "items": []any{"a.txt", "b.txt"}}, nil
	}}

	var secondThinkMessages []domainctx.Message
	planner := &scriptedPlanner{steps: []func(*service.PlanRequest) *service.PlanResult{
		func(*service.PlanRequest) *service.PlanResult {
			return toolResult("call_1", "fs_list", map[string]any{"path": "."}, false)
		},
		func(req *service.PlanRequest) *service.PlanResult {
			secondThinkMessages = req.Messages
			return finishResult("two files")
		},
	}}
	h := newHarness(t, planner, listTool)
	tr := startTrace(t, h, "list")

	if err := h.executor.Run(context.Background(), tr); err != nil {
		t.Fatalf("run: %v", err)
	}

	if !executed {
		t.Fatal("tool was not executed")
	}
	if tr.Status != trace.StatusDone {
		t.Fatalf("status = %s, want done", tr.Status)
	}

	step := tr.Turns[0].Steps[0]
	if len(step.Actions) != 1 || len(step.Observations) != 1 {
		t.Fatalf("step shape: %d actions, %d observations", len(step.Actions), len(step.Observations))
	}
	if step.Observations[0].ActionID != "call_1" || !step.Observations[0].OK {
		t.Errorf("observation wrong: %+v", step.Observations[0])
	}

	obs := h.sink.first(event.TypeObservation)
	if obs == nil || obs.Data["ok"] != true {
		t.Errorf("observation event wrong: %+v", obs)
	}

	// the second THINK saw [.., assistant(tool_calls), tool(result)]
	var sawAssistant, sawTool bool
	for i, msg := range secondThinkMessages {
		if msg.Role == "assistant" && len(msg.ToolCalls) == 1 && msg.ToolCalls[0].ID == "call_1" {
			sawAssistant = true
			if i+1 < len(secondThinkMessages) {
				next := secondThinkMessages[i+1]
				if next.Role == "tool" && next.ToolCallID == "call_1" {
					sawTool = true
				}
			}
		}
	}
	if !sawAssistant || !sawTool {
		t.Errorf("second THINK missing tool round-trip messages: assistant=%v tool=%v", sawAssistant, sawTool)
	}

	assertOrder(t, h.sink.types(), event.TypeAction, event.TypeObservation, event.TypeFinal, event.TypeEnd)
}

// Scenario 3: HITL input.
func TestExecutor_HITLRequestInput(t *testing.T) {
	var secondThinkMessages []domainctx.Message
	planner := &scriptedPlanner{steps: []func(*service.PlanRequest) *service.PlanResult{
		func(*service.PlanRequest) *service.PlanResult {
			return &service.PlanResult{
				Actions: []*trace.Action{
					trace.NewContentAction(trace.ActionTypeRequestInput, "give city",
						`{"type":"request_input","message":"give city"}`),
				},
			}
		},
		func(req *service.PlanRequest) *service.PlanResult {
			secondThinkMessages = req.Messages
			return finishResult("Beijing weather is sunny")
		},
	}}
	h := newHarness(t, planner)
	tr := startTrace(t, h, "weather")
	ctx := context.Background()

	if err := h.executor.Run(ctx, tr); err != nil {
		t.Fatalf("run: %v", err)
	}

	if tr.Status != trace.StatusWaiting {
		t.Fatalf("status = %s, want waiting", tr.Status)
	}
	hitl := h.sink.first(event.TypeHITLRequest)
	if hitl == nil {
		t.Fatal("hitl_request event missing")
	}
	if hitl.Data["request_id"] != tr.PendingActionID {
		t.Errorf("request_id = %v, pending = %s", hitl.Data["request_id"], tr.PendingActionID)
	}
	if hitl.Data["prompt"] != "give city" {
		t.Errorf("prompt = %v", hitl.Data["prompt"])
	}

	// wrong request id is rejected
	if ok := h.executor.SubmitHITL(ctx, tr, "bogus_id", "Beijing"); ok {
		t.Fatal("stale request id must be rejected")
	}

	requestID := tr.PendingActionID
	if ok := h.executor.SubmitHITL(ctx, tr, requestID, "Beijing"); !ok {
		t.Fatal("valid submission rejected")
	}

	// duplicate submission: the anchor has advanced
	if ok := h.executor.SubmitHITL(ctx, tr, requestID, "Beijing"); ok {
		t.Fatal("duplicate submission must be rejected")
	}

	if err := h.executor.Run(ctx, tr); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if tr.Status != trace.StatusDone {
		t.Fatalf("status after resume = %s, want done", tr.Status)
	}

	// the back-filled reply reached the prompt window exactly once
	count := 0
	for _, msg := range secondThinkMessages {
		if msg.Role == "user" && msg.Content == "Beijing" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("back-filled user message appeared %d times, want 1", count)
	}
}

// Scenario 4: tool pre-execution confirm, approved.
func TestExecutor_ToolConfirmApproved(t *testing.T) {
	executed := false
	dangerous := &fakeTool{name: "proc_run", confirm: true, fn: func(context.Context, map[string]any) (any, error) {
		executed = true
		return map[string]any{"ok": true}, nil
	}}

	planner := &scriptedPlanner{steps: []func(*service.PlanRequest) *service.PlanResult{
		func(*service.PlanRequest) *service.PlanResult {
			return toolResult("call_run", "proc_run", map[string]any{"command": "ls"}, true)
		},
		func(*service.PlanRequest) *service.PlanResult { return finishResult("done") },
	}}
	h := newHarness(t, planner, dangerous)
	tr := startTrace(t, h, "run it")
	ctx := context.Background()

	if err := h.executor.Run(ctx, tr); err != nil {
		t.Fatalf("run: %v", err)
	}

	if tr.Status != trace.StatusWaiting {
		t.Fatalf("status = %s, want waiting", tr.Status)
	}
	if executed {
		t.Fatal("tool must not run before approval")
	}
	confirm := h.sink.first(event.TypeHITLConfirm)
	if confirm == nil {
		t.Fatal("hitl_confirm event missing")
	}
	if confirm.Data["tool_name"] != "proc_run" {
		t.Errorf("confirm tool_name = %v", confirm.Data["tool_name"])
	}

	if ok := h.executor.SubmitHITL(ctx, tr, tr.PendingActionID, "yes"); !ok {
		t.Fatal("approval rejected")
	}
	if err := h.executor.Run(ctx, tr); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if !executed {
		t.Fatal("approved tool did not run")
	}
	if tr.Status != trace.StatusDone {
		t.Fatalf("status = %s, want done", tr.Status)
	}

	step := tr.Turns[0].Steps[0]
	if step.Actions[0].ConfirmStatus != trace.ConfirmApproved {
		t.Errorf("confirm status = %s", step.Actions[0].ConfirmStatus)
	}
	if obs := step.ObservationFor("call_run"); obs == nil || !obs.OK {
		t.Errorf("approved tool observation wrong: %+v", obs)
	}
}

// Scenario 4b: tool pre-execution confirm, denied.
func TestExecutor_ToolConfirmDenied(t *testing.T) {
	executed := false
	dangerous := &fakeTool{name: "proc_run", confirm: true, fn: func(context.Context, map[string]any) (any, error) {
		executed = true
		return nil, nil
	}}

	var secondThinkMessages []domainctx.Message
	planner := &scriptedPlanner{steps: []func(*service.PlanRequest) *service.PlanResult{
		func(*service.PlanRequest) *service.PlanResult {
			return toolResult("call_run", "proc_run", map[string]any{"command": "rm -rf /"}, true)
		},
		func(req *service.PlanRequest) *service.PlanResult {
			secondThinkMessages = req.Messages
			return finishResult("understood, not running it")
		},
	}}
	h := newHarness(t, planner, dangerous)
	tr := startTrace(t, h, "run it")
	ctx := context.Background()

	if err := h.executor.Run(ctx, tr); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ok := h.executor.SubmitHITL(ctx, tr, tr.PendingActionID, "no"); !ok {
		t.Fatal("denial rejected")
	}
	if err := h.executor.Run(ctx, tr); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if executed {
		t.Fatal("denied tool must not run")
	}
	if tr.Status != trace.StatusDone {
		t.Fatalf("status = %s, want done", tr.Status)
	}

	step := tr.Turns[0].Steps[0]
	obs := step.ObservationFor("call_run")
	if obs == nil || obs.Type != trace.ObsHITLDenied || obs.OK {
		t.Fatalf("denied observation wrong: %+v", obs)
	}
	if obs.Content != "user_rejected" {
		t.Errorf("denied content = %v", obs.Content)
	}

	// the model sees the denial as the tool reply on the next THINK
	found := false
	for _, msg := range secondThinkMessages {
		if msg.Role == "tool" && msg.ToolCallID == "call_run" && msg.Content == "user_rejected" {
			found = true
		}
	}
	if !found {
		t.Error("denial did not reach the next prompt window")
	}
}

// Boundary: per-turn step budget exhausts into max_turns_reached.
func TestExecutor_MaxTurnsReached(t *testing.T) {
	loopTool := &fakeTool{name: "spin", fn: func(context.Context, map[string]any) (any, error) {
		return "spun", nil
	}}

	// the planner would loop forever; the limit stops it
	steps := make([]func(*service.PlanRequest) *service.PlanResult, 10)
	for i := range steps {
		i := i
		steps[i] = func(*service.PlanRequest) *service.PlanResult {
			return toolResult(fmt.Sprintf("call_%d", i), "spin", map[string]any{}, false)
		}
	}
	planner := &scriptedPlanner{steps: steps}
	h := newHarness(t, planner, loopTool)

	tr := startTrace(t, h, "loop")
	tr.MaxTurns = 3

	if err := h.executor.Run(context.Background(), tr); err != nil {
		t.Fatalf("run: %v", err)
	}

	if tr.Status != trace.StatusFailed {
		t.Fatalf("status = %s, want failed", tr.Status)
	}
	if tr.ErrorMessage != "max_turns_reached" {
		t.Errorf("error_message = %q, want max_turns_reached", tr.ErrorMessage)
	}
	if h.sink.first(event.TypeError) == nil {
		t.Error("error event missing")
	}
}

// Tool errors are recoverable: the step records tool_error and planning
// continues.
func TestExecutor_ToolErrorContinues(t *testing.T) {
	failing := &fakeTool{name: "broken", fn: func(context.Context, map[string]any) (any, error) {
		return nil, fmt.Errorf("disk on fire")
	}}

	planner := &scriptedPlanner{steps: []func(*service.PlanRequest) *service.PlanResult{
		func(*service.PlanRequest) *service.PlanResult {
			return toolResult("call_1", "broken", map[string]any{}, false)
		},
		func(*service.PlanRequest) *service.PlanResult { return finishResult("gave up gracefully") },
	}}
	h := newHarness(t, planner, failing)
	tr := startTrace(t, h, "try it")

	if err := h.executor.Run(context.Background(), tr); err != nil {
		t.Fatalf("run: %v", err)
	}

	if tr.Status != trace.StatusDone {
		t.Fatalf("status = %s, want done (tool errors are recoverable)", tr.Status)
	}
	obs := tr.Turns[0].Steps[0].ObservationFor("call_1")
	if obs == nil || obs.Type != trace.ObsToolError || obs.OK {
		t.Fatalf("tool error observation wrong: %+v", obs)
	}
}

// Unknown tools surface as tool_error observations, not failures.
func TestExecutor_ToolNotFound(t *testing.T) {
	planner := &scriptedPlanner{steps: []func(*service.PlanRequest) *service.PlanResult{
		func(*service.PlanRequest) *service.PlanResult {
			return toolResult("call_1", "nonexistent", map[string]any{}, false)
		},
		func(*service.PlanRequest) *service.PlanResult { return finishResult("no such tool") },
	}}
	h := newHarness(t, planner)
	tr := startTrace(t, h, "call a ghost")

	if err := h.executor.Run(context.Background(), tr); err != nil {
		t.Fatalf("run: %v", err)
	}

	if tr.Status != trace.StatusDone {
		t.Fatalf("status = %s, want done", tr.Status)
	}
	obs := tr.Turns[0].Steps[0].ObservationFor("call_1")
	if obs == nil || obs.Type != trace.ObsToolError {
		t.Fatalf("missing tool_error observation: %+v", obs)
	}
}

// Planner failure is fatal for the trace.
func TestExecutor_PlannerErrorFailsTrace(t *testing.T) {
	planner := &scriptedPlanner{} // exhausted immediately
	h := newHarness(t, planner)
	tr := startTrace(t, h, "doomed")

	if err := h.executor.Run(context.Background(), tr); err != nil {
		t.Fatalf("run: %v", err)
	}

	if tr.Status != trace.StatusFailed {
		t.Fatalf("status = %s, want failed", tr.Status)
	}
	if h.sink.first(event.TypeError) == nil {
		t.Error("error event missing")
	}
}
