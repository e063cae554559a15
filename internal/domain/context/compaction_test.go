package context

import (
	"context"
	"strings"
	"testing"
)

func compactionConfig() Config {
	cfg := DefaultConfig()
	cfg.ThresholdTokens = 100
	cfg.KeepTailRatio = 0.5
	cfg.TargetAfterTokens = 100000 // deterministic pass only
	return cfg
}

func TestCompaction_SummaryAtIndexOne(t *testing.T) {
	m, _ := newTestManager(compactionConfig())
	ctx := context.Background()

	// enough steps with fat tool results to blow the 100-token threshold
	tr := buildToolTrace(8, 400)

	msgs, err := m.BuildMessages(ctx, tr, nil, nil, "", "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if msgs[0].Role != "system" {
		t.Fatal("messages[0] must stay the system message")
	}
	if !strings.HasPrefix(msgs[1].Content, SummaryPrefix) {
		t.Fatalf("messages[1] should carry the summary prefix, got %q", clipStr(msgs[1].Content, 60))
	}

	rc, _ := m.GetContext(ctx, tr.TraceID)

	// spans hold only tail steps and index correctly
	if len(rc.StepOrder) == 0 || len(rc.StepOrder) >= 8 {
		t.Fatalf("step order should hold a strict tail, got %d steps", len(rc.StepOrder))
	}
	for _, sid := range rc.StepOrder {
		span := rc.StepSpanMap[sid]
		if span.Start < 2 || span.End > len(rc.Messages) || span.End <= span.Start {
			t.Fatalf("step %s span [%d,%d) out of bounds (len=%d)", sid, span.Start, span.End, len(rc.Messages))
		}
		if rc.Messages[span.Start].Role != "assistant" {
			t.Errorf("step %s span does not start at its assistant message", sid)
		}
	}

	// sum invariant survives compaction
	sum := 0
	for _, tok := range rc.MsgTokensRaw {
		sum += tok
	}
	if rc.MsgTokensRawSum != sum {
		t.Errorf("msg_tokens_raw_sum = %d, Σ = %d", rc.MsgTokensRawSum, sum)
	}

	if len(rc.SummaryVersions) == 0 {
		t.Error("compaction should be recorded in summary_versions")
	}
}

func TestCompaction_RebuildAfterCompactionKeepsInvariants(t *testing.T) {
	cfg := compactionConfig()
	cfg.TargetAfterTokens = 150
	m, _ := newTestManager(cfg)
	ctx := context.Background()

	tr := buildToolTrace(10, 500)
	if _, err := m.BuildMessages(ctx, tr, nil, nil, "", ""); err != nil {
		t.Fatalf("build: %v", err)
	}

	rc, _ := m.GetContext(ctx, tr.TraceID)
	if len(rc.SummaryVersions) == 0 {
		t.Fatal("compaction did not run")
	}

	// a second build with nothing new keeps every invariant intact
	if _, err := m.BuildMessages(ctx, tr, nil, nil, "", ""); err != nil {
		t.Fatalf("second build: %v", err)
	}
	rc2, _ := m.GetContext(ctx, tr.TraceID)
	sum := 0
	for _, tok := range rc2.MsgTokensRaw {
		sum += tok
	}
	if rc2.MsgTokensRawSum != sum {
		t.Errorf("msg_tokens_raw_sum = %d, Σ = %d after recompaction", rc2.MsgTokensRawSum, sum)
	}
	if rc2.Messages[0].Role != "system" {
		t.Error("system message lost across recompaction")
	}
}

func TestCompaction_DisabledWhenThresholdZero(t *testing.T) {
	m, _ := newTestManager(noCompaction())
	ctx := context.Background()

	tr := buildToolTrace(10, 500)
	msgs, err := m.BuildMessages(ctx, tr, nil, nil, "", "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, msg := range msgs {
		if strings.HasPrefix(msg.Content, SummaryPrefix) {
			t.Fatal("threshold 0 must disable compaction")
		}
	}
}

func TestCompaction_PreservesResultCards(t *testing.T) {
	m, _ := newTestManager(compactionConfig())
	ctx := context.Background()

	// first turn folded into a card, then a fat second turn forces compaction
	tr := buildToolTrace(2, 100)
	if _, err := m.BuildMessages(ctx, tr, nil, nil, "", ""); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := m.FinalizeTurnToResultCard(ctx, tr.TraceID, ResultCardInput{
		TurnID:      tr.Turns[0].TurnID,
		UserInput:   "do the thing",
		FinalAnswer: "done",
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// a fat second turn on the same trace pushes the card into the head
	turn2 := tr.AppendTurn("second task")
	for i := 0; i < 8; i++ {
		addToolStep(turn2, 400)
	}

	msgs, err := m.BuildMessages(ctx, tr, nil, nil, "", "")
	if err != nil {
		t.Fatalf("fat build: %v", err)
	}
	if !strings.HasPrefix(msgs[1].Content, SummaryPrefix) {
		t.Fatal("compaction did not trigger")
	}
	if !strings.Contains(msgs[1].Content, "turn_result_card") {
		t.Error("summary should fold the result card into turn_cards")
	}
}

func clipStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
