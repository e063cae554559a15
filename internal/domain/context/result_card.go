package context

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// ResultCardInput names the pieces of a completed turn that get folded into
// a single card message.
type ResultCardInput struct {
	TurnID      string
	UserInput   string
	FinalAnswer string
	ToolState   []string
	StepIDs     []string
}

// FinalizeTurnToResultCard replaces the completed turn's contiguous message
// span with one card message bearing the result-card prefix and clears the
// step bookkeeping for that turn.
func (m *Manager) FinalizeTurnToResultCard(ctx context.Context, traceID string, in ResultCardInput) error {
	l := m.lockFor(traceID)
	l.Lock()
	defer l.Unlock()

	rc, err := m.store.Load(ctx, traceID)
	if err != nil || rc == nil {
		return err
	}
	rc.RepairTokenSum()

	// the finishing step's output never reached the window; register its
	// ids so a later build does not replay it
	for _, sid := range in.StepIDs {
		if sid != "" {
			rc.MarkStepSeen(sid)
		}
	}

	// locate the turn's message span: end = end of its last step span,
	// start = the nearest preceding user message equal to user_input
	endIdx := -1
	if len(rc.StepOrder) > 0 {
		lastSID := rc.StepOrder[len(rc.StepOrder)-1]
		endIdx = rc.StepSpanMap[lastSID].End
	}
	if endIdx < 0 {
		return nil
	}

	startIdx := -1
	for i := endIdx - 1; i > 0; i-- {
		msg := rc.Messages[i]
		if msg.Role == "user" && msg.Content == in.UserInput {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		// fall back to replacing only the last step's span
		lastSID := rc.StepOrder[len(rc.StepOrder)-1]
		startIdx = rc.StepSpanMap[lastSID].Start
	}

	cardMsg := m.buildResultCardMessage(in)
	cardTok := m.estimator.EstimateMessageTokensRaw(cardMsg)

	oldTokens := 0
	for _, t := range rc.MsgTokensRaw[startIdx:endIdx] {
		oldTokens += t
	}

	newMsgs := make([]Message, 0, len(rc.Messages)-(endIdx-startIdx)+1)
	newMsgs = append(newMsgs, rc.Messages[:startIdx]...)
	newMsgs = append(newMsgs, cardMsg)
	newMsgs = append(newMsgs, rc.Messages[endIdx:]...)
	rc.Messages = newMsgs

	newToks := make([]int, 0, len(newMsgs))
	newToks = append(newToks, rc.MsgTokensRaw[:startIdx]...)
	newToks = append(newToks, cardTok)
	newToks = append(newToks, rc.MsgTokensRaw[endIdx:]...)
	rc.MsgTokensRaw = newToks

	rc.MsgTokensRawSum = rc.MsgTokensRawSum - oldTokens + cardTok

	// step spans lost their continuity; drop them. Future builds keep
	// appending new steps, dedupe sets stay intact.
	rc.StepOrder = nil
	rc.StepSpanMap = map[string]Span{}
	rc.StepTokensRaw = map[string]int{}
	rc.LastAppliedStepID = ""

	rc.UpdatedAt = time.Now().UTC()
	return m.store.Save(ctx, rc)
}

// buildResultCardMessage renders the card as a prefixed system message so
// compaction recognizes and preserves it.
func (m *Manager) buildResultCardMessage(in ResultCardInput) Message {
	card := map[string]any{
		"type":         "turn_result_card",
		"turn_id":      in.TurnID,
		"user_input":   truncate(in.UserInput, 600),
		"final_answer": truncate(in.FinalAnswer, 2000),
		"tool_state":   in.ToolState,
		"ts":           time.Now().UTC().Format(time.RFC3339),
	}
	payload := StableJSON(card)
	if len(payload) > m.config.MaxResultCardChars {
		payload = payload[:m.config.MaxResultCardChars] + "…"
	}
	return Message{Role: "system", Content: m.config.ResultCardPrefix + "\n" + payload}
}

// tryExtractResultCard recognizes a card embedded in message content.
// Accepted shapes:
//
//	"TURN_RESULT_CARD_JSON:\n{...json...}"
//	"TURN_RESULT_CARD_JSON:{...json...}"
//
// Returns a compact structure safe for summary insertion, or nil.
func (m *Manager) tryExtractResultCard(content string) map[string]any {
	if content == "" {
		return nil
	}

	s := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(s, m.config.ResultCardPrefix) {
		return nil
	}

	payload := strings.TrimLeft(s[len(m.config.ResultCardPrefix):], " \t")
	payload = strings.TrimLeft(payload, "\n")

	if len(payload) > m.config.MaxResultCardChars {
		payload = payload[:m.config.MaxResultCardChars] + "…"
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err == nil {
		return map[string]any{"type": "turn_result_card", "card": obj}
	}
	return map[string]any{"type": "turn_result_card", "preview": payload}
}
