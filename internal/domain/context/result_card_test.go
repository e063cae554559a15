package context

import (
	"context"
	"strings"
	"testing"
)

func TestFinalizeTurnToResultCard_RoundTrip(t *testing.T) {
	m, _ := newTestManager(noCompaction())
	ctx := context.Background()

	tr := buildToolTrace(3, 60)
	if _, err := m.BuildMessages(ctx, tr, nil, nil, "", ""); err != nil {
		t.Fatalf("build: %v", err)
	}
	rcBefore, _ := m.GetContext(ctx, tr.TraceID)
	if len(rcBefore.Messages) != 1+1+3*2 {
		t.Fatalf("unexpected pre-fold message count %d", len(rcBefore.Messages))
	}

	turn := tr.Turns[0]
	if err := m.FinalizeTurnToResultCard(ctx, tr.TraceID, ResultCardInput{
		TurnID:      turn.TurnID,
		UserInput:   turn.UserInput,
		FinalAnswer: "all done",
		ToolState:   []string{"listing complete"},
		StepIDs:     turn.StepIDs(),
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	msgs, err := m.BuildMessages(ctx, tr, nil, nil, "", "")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	// [system, card]; the turn appears as exactly one card message and no
	// original turn messages remain
	cards := 0
	for _, msg := range msgs {
		if strings.HasPrefix(strings.TrimSpace(msg.Content), DefaultResultCardPrefix) {
			cards++
		}
		if msg.Role == "tool" || len(msg.ToolCalls) > 0 {
			t.Errorf("original turn message survived the fold: %+v", msg)
		}
		if msg.Role == "user" && msg.Content == turn.UserInput {
			t.Error("original user message survived the fold")
		}
	}
	if cards != 1 {
		t.Fatalf("card count: got %d, want 1", cards)
	}

	rc, _ := m.GetContext(ctx, tr.TraceID)
	if len(rc.StepOrder) != 0 || len(rc.StepSpanMap) != 0 {
		t.Error("step bookkeeping should be cleared after folding")
	}

	// sum invariant after fold + rebuild
	sum := 0
	for _, tok := range rc.MsgTokensRaw {
		sum += tok
	}
	if rc.MsgTokensRawSum != sum {
		t.Errorf("msg_tokens_raw_sum = %d, Σ = %d", rc.MsgTokensRawSum, sum)
	}
}

func TestFinalizeTurnToResultCard_RegistersFinishingSteps(t *testing.T) {
	m, _ := newTestManager(noCompaction())
	ctx := context.Background()

	tr := buildToolTrace(2, 60)
	turn := tr.Turns[0]

	// a finishing step whose content action never reached the window
	finishStep := turn.AppendStep()

	if _, err := m.BuildMessages(ctx, tr, nil, nil, "", ""); err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := m.FinalizeTurnToResultCard(ctx, tr.TraceID, ResultCardInput{
		TurnID:    turn.TurnID,
		UserInput: turn.UserInput,
		StepIDs:   turn.StepIDs(),
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rc, _ := m.GetContext(ctx, tr.TraceID)
	if !rc.HasSeenStep(finishStep.StepID) {
		t.Error("finalize should register the finishing step id")
	}
}

func TestTryExtractResultCard(t *testing.T) {
	m, _ := newTestManager(noCompaction())

	card := m.tryExtractResultCard(DefaultResultCardPrefix + "\n" + `{"turn_id":"turn_1"}`)
	if card == nil {
		t.Fatal("card with newline separator should parse")
	}
	if _, ok := card["card"]; !ok {
		t.Error("valid JSON payload should land under 'card'")
	}

	card = m.tryExtractResultCard(DefaultResultCardPrefix + `{"turn_id":"turn_2"}`)
	if card == nil {
		t.Fatal("card without newline separator should parse")
	}

	if m.tryExtractResultCard("plain content") != nil {
		t.Error("non-card content should not be recognized")
	}

	card = m.tryExtractResultCard(DefaultResultCardPrefix + "\nnot json")
	if card == nil || card["preview"] != "not json" {
		t.Errorf("broken payload should fall back to preview, got %v", card)
	}
}
