package context

import (
	"testing"

	"github.com/stewardflow/stewardflow/internal/domain/trace"
)

func TestEstimateMessageTokensRaw_TextOnly(t *testing.T) {
	e := NewTokenEstimator(DefaultEstimatorConfig())

	msg := Message{Role: "user", Content: "aaaabbbbccccdddd"} // 4 + 16 chars
	got := e.EstimateMessageTokensRaw(msg)
	want := (4 + 16) / 4
	if got != want {
		t.Errorf("estimate: got %d, want %d", got, want)
	}
}

func TestEstimateMessageTokensRaw_MinimumOne(t *testing.T) {
	e := NewTokenEstimator(DefaultEstimatorConfig())
	if got := e.EstimateMessageTokensRaw(Message{}); got != 1 {
		t.Errorf("empty message estimate: got %d, want 1", got)
	}
}

func TestEstimateMessageTokensRaw_StructBucket(t *testing.T) {
	e := NewTokenEstimator(DefaultEstimatorConfig())

	plain := e.EstimateMessageTokensRaw(Message{Role: "assistant"})
	withCalls := e.EstimateMessageTokensRaw(Message{
		Role: "assistant",
		ToolCalls: []trace.ToolCall{
			{ID: "call_1", Type: "function", Function: trace.FunctionCall{Name: "fs_list", Arguments: `{"path":"."}`}},
		},
	})
	if withCalls <= plain {
		t.Errorf("tool_calls should add struct tokens: plain=%d withCalls=%d", plain, withCalls)
	}
}

func TestCalibration_EMAAndClamps(t *testing.T) {
	e := NewTokenEstimator(DefaultEstimatorConfig())

	// ratio clamped to 2.0, EMA with alpha 0.15 from 1.0
	e.UpdateCalibrationFromRatio(10.0)
	want := 0.85*1.0 + 0.15*2.0
	if diff := e.Multiplier() - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("multiplier after clamp: got %f, want %f", e.Multiplier(), want)
	}

	// multiplier stays in [0.6, 2.5] under extreme feedback
	for i := 0; i < 100; i++ {
		e.UpdateCalibrationFromRatio(100.0)
	}
	if e.Multiplier() > 2.5 {
		t.Errorf("multiplier exceeded upper clamp: %f", e.Multiplier())
	}
	for i := 0; i < 200; i++ {
		e.UpdateCalibrationFromRatio(0.0001)
	}
	if e.Multiplier() < 0.6 {
		t.Errorf("multiplier fell below lower clamp: %f", e.Multiplier())
	}
}

func TestSetMultiplier_Clamps(t *testing.T) {
	e := NewTokenEstimator(DefaultEstimatorConfig())

	e.SetMultiplier(100)
	if e.Multiplier() != 2.5 {
		t.Errorf("set above max: got %f, want 2.5", e.Multiplier())
	}
	e.SetMultiplier(0.01)
	if e.Multiplier() != 0.6 {
		t.Errorf("set below min: got %f, want 0.6", e.Multiplier())
	}
}
