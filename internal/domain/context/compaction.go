package context

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maybeCompact runs the deterministic pass when the calibrated estimate
// crosses the threshold, then the LLM-assisted pass when the estimate is
// still above target and a summarizer is wired.
func (m *Manager) maybeCompact(ctx context.Context, rc *RuntimeContext) error {
	est := m.EstimatePromptTokens(rc)
	if est < m.config.ThresholdTokens {
		return nil
	}

	m.logger.Info("Context compaction triggered",
		zap.String("trace_id", rc.TraceID),
		zap.Int("estimated_tokens", est),
		zap.Int("threshold", m.config.ThresholdTokens),
	)

	// repeat the deterministic pass toward the target; MaxCompactionRounds
	// bounds the loop, and a pass that cannot cut anything ends it early
	did := false
	for round := 0; round < m.config.MaxCompactionRounds; round++ {
		if !m.compactKeepTail(rc) {
			break
		}
		did = true
		est = m.EstimatePromptTokens(rc)
		if est <= m.config.TargetAfterTokens {
			break
		}
	}
	if !did {
		return nil
	}
	m.logger.Info("Local compaction done",
		zap.String("trace_id", rc.TraceID),
		zap.Int("estimated_tokens", est),
	)

	if est > m.config.TargetAfterTokens && m.summarizer != nil {
		if err := m.summarizeKeepTail(ctx, rc); err != nil {
			// LLM summarization is best-effort; the deterministic pass
			// already shrank the window.
			m.logger.Warn("LLM summarization failed",
				zap.String("trace_id", rc.TraceID),
				zap.Error(err),
			)
			return nil
		}
		est = m.EstimatePromptTokens(rc)
		m.logger.Info("LLM summarization done",
			zap.String("trace_id", rc.TraceID),
			zap.Int("estimated_tokens", est),
		)
	}
	return nil
}

// findTailStartStepID walks steps newest-first accumulating raw tokens until
// the keep-tail share is covered; that step starts the retained tail.
func (m *Manager) findTailStartStepID(rc *RuntimeContext) string {
	if len(rc.StepOrder) == 0 {
		return ""
	}
	total := 0
	for _, sid := range rc.StepOrder {
		total += rc.StepTokensRaw[sid]
	}
	if total <= 0 {
		return rc.StepOrder[0]
	}

	targetTail := float64(total) * m.config.KeepTailRatio
	acc := 0
	for i := len(rc.StepOrder) - 1; i >= 0; i-- {
		sid := rc.StepOrder[i]
		acc += rc.StepTokensRaw[sid]
		if float64(acc) >= targetTail {
			return sid
		}
	}
	return rc.StepOrder[0]
}

// compactKeepTail replaces everything between the system message and the
// tail cut with one deterministic summary message.
func (m *Manager) compactKeepTail(rc *RuntimeContext) bool {
	tailStartSID := m.findTailStartStepID(rc)
	if tailStartSID == "" {
		return false
	}

	cutIdx := rc.StepSpanMap[tailStartSID].Start
	// messages[0] is the system message; turn user messages may sit before
	// the first step. Everything in (0, cutIdx) is compactable.
	if cutIdx <= 1 {
		return false
	}

	headMsgs := rc.Messages[1:cutIdx]
	summaryObj := m.buildLocalSummary(rc, headMsgs, tailStartSID)
	summaryMsg := Message{
		Role:    m.config.SummaryRole,
		Content: SummaryPrefix + "\n" + StableJSON(summaryObj),
	}

	m.replaceHead(rc, cutIdx, summaryMsg, "local_compact_keep_tail", tailStartSID)
	return true
}

// summarizeKeepTail asks the LLM summarizer to compress the head and
// replaces it with the returned summary under the same prefix.
func (m *Manager) summarizeKeepTail(ctx context.Context, rc *RuntimeContext) error {
	tailStartSID := m.findTailStartStepID(rc)
	if tailStartSID == "" {
		return nil
	}

	cutIdx := rc.StepSpanMap[tailStartSID].Start
	if cutIdx <= 1 {
		return nil
	}

	headMsgs := rc.Messages[1:cutIdx]
	parsed, err := m.summarizer.Summarize(ctx, headMsgs, m.config.MaxSummaryTokens)
	if err != nil {
		return err
	}

	summaryObj := map[string]any{
		"type":           "llm_summary_v1",
		"ts":             time.Now().UTC().Format(time.RFC3339),
		"tail_start_sid": tailStartSID,
		"cut_idx":        cutIdx,
		"summary":        parsed,
	}
	summaryMsg := Message{
		Role:    m.config.SummaryRole,
		Content: SummaryPrefix + "\n" + StableJSON(summaryObj),
	}

	m.replaceHead(rc, cutIdx, summaryMsg, "llm_summary_keep_tail", tailStartSID)
	return nil
}

// replaceHead swaps messages[1:cutIdx] for a single summary message and
// rebuilds the token and span bookkeeping.
func (m *Manager) replaceHead(rc *RuntimeContext, cutIdx int, summaryMsg Message, mode, tailStartSID string) {
	summaryTok := m.estimator.EstimateMessageTokensRaw(summaryMsg)

	sysMsg := rc.Messages[0]
	sysTok := rc.MsgTokensRaw[0]
	tailMsgs := rc.Messages[cutIdx:]
	tailTokens := rc.MsgTokensRaw[cutIdx:]

	rc.Messages = append([]Message{sysMsg, summaryMsg}, tailMsgs...)
	rc.MsgTokensRaw = append([]int{sysTok, summaryTok}, tailTokens...)

	sum := sysTok + summaryTok
	for _, t := range tailTokens {
		sum += t
	}
	rc.MsgTokensRawSum = sum

	rc.SummaryVersions = append(rc.SummaryVersions, map[string]any{
		"ts":                   time.Now().UTC().Format(time.RFC3339),
		"kept_tail_start_step": tailStartSID,
		"cut_idx":              cutIdx,
		"summary_tokens_raw":   summaryTok,
		"mode":                 mode,
	})

	m.rebuildStepMapsAfterCompaction(rc, tailStartSID, cutIdx)
}

// rebuildStepMapsAfterCompaction keeps only tail steps and remaps their
// spans. New layout: [system, summary] + old_messages[cutIdx:], so
// new_idx = old_idx - cutIdx + 2. The turn dedupe set stays intact: head
// user messages are gone, but they must not be re-appended.
func (m *Manager) rebuildStepMapsAfterCompaction(rc *RuntimeContext, tailStartSID string, oldCutIdx int) {
	startPos := -1
	for i, sid := range rc.StepOrder {
		if sid == tailStartSID {
			startPos = i
			break
		}
	}
	if startPos < 0 {
		rc.StepOrder = nil
		rc.StepSpanMap = map[string]Span{}
		rc.StepTokensRaw = map[string]int{}
		return
	}

	remaining := rc.StepOrder[startPos:]
	remap := func(oldIdx int) int { return oldIdx - oldCutIdx + 2 }

	newSpan := make(map[string]Span, len(remaining))
	newTokens := make(map[string]int, len(remaining))
	for _, sid := range remaining {
		old := rc.StepSpanMap[sid]
		ns, ne := remap(old.Start), remap(old.End)
		newSpan[sid] = Span{Start: ns, End: ne}
		sum := 0
		for _, t := range rc.MsgTokensRaw[ns:ne] {
			sum += t
		}
		newTokens[sid] = sum
	}

	rc.StepOrder = append([]string(nil), remaining...)
	rc.StepSpanMap = newSpan
	rc.StepTokensRaw = newTokens
}

// ---------- deterministic local summary ----------

// buildLocalSummary extracts user goals, tool progress, result cards and key
// facts from the head messages into a stable structure.
func (m *Manager) buildLocalSummary(rc *RuntimeContext, headMsgs []Message, keptTailStartStep string) map[string]any {
	userGoals := []string{}
	progress := []map[string]any{}
	keyFacts := []string{}
	toolState := map[string]any{}

	// result cards and prior summaries are preserved even when they fall
	// into the head; neither is folded into user_goals/progress twice
	turnCards := []map[string]any{}
	seenCardHash := map[string]struct{}{}
	priorSummaries := []map[string]any{}

	var lastSnapshotID, lastSnapshotPath, lastPageURL string

	addFact := func(s string) {
		if s == "" {
			return
		}
		for _, existing := range keyFacts {
			if existing == s {
				return
			}
		}
		keyFacts = append(keyFacts, s)
	}

	for _, msg := range headMsgs {
		content := msg.Content

		if msg.Role == "system" || msg.Role == "assistant" {
			if card := m.tryExtractResultCard(content); card != nil {
				h := SHA1Hex(StableJSON(card))
				if _, dup := seenCardHash[h]; !dup {
					seenCardHash[h] = struct{}{}
					turnCards = append(turnCards, card)
				}
				// cards never also feed user_goals/progress
				continue
			}
			if prior := extractPriorSummary(content); prior != nil {
				priorSummaries = append(priorSummaries, prior)
				continue
			}
		}

		switch {
		case msg.Role == "user":
			c := strings.TrimSpace(content)
			if c != "" {
				userGoals = append(userGoals, truncate(c, m.config.MaxUserGoalChars))
			}

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			for _, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if len(args) > m.config.MaxToolArgsChars {
					args = args[:m.config.MaxToolArgsChars] + "…"
				}
				progress = append(progress, map[string]any{
					"type": "tool_call",
					"tool": tc.Function.Name,
					"args": args,
				})
			}

		case msg.Role == "tool":
			extracted := m.extractToolResultHighlights(content)
			if extracted != nil {
				entry := map[string]any{"type": "tool_result"}
				for k, v := range extracted {
					entry[k] = v
				}
				progress = append(progress, entry)
				if v, ok := extracted["snapshot_id"].(string); ok && v != "" {
					lastSnapshotID = v
				}
				if v, ok := extracted["latest_path"].(string); ok && v != "" {
					lastSnapshotPath = v
				}
				if v, ok := extracted["page_url"].(string); ok && v != "" {
					lastPageURL = v
				}
			}
		}
	}

	if lastPageURL != "" {
		toolState["last_page_url"] = lastPageURL
	}
	if lastSnapshotPath != "" {
		toolState["last_snapshot_path"] = lastSnapshotPath
		addFact("snapshot_path=" + lastSnapshotPath)
	}
	if lastSnapshotID != "" {
		toolState["last_snapshot_id"] = lastSnapshotID
		addFact("snapshot_id=" + lastSnapshotID)
	}

	if len(userGoals) > 10 {
		userGoals = userGoals[len(userGoals)-10:]
	}
	if len(progress) > 160 {
		progress = progress[:160]
	}
	if len(keyFacts) > 40 {
		keyFacts = keyFacts[:40]
	}
	if len(turnCards) > m.config.MaxTurnCards {
		turnCards = turnCards[len(turnCards)-m.config.MaxTurnCards:]
	}
	if len(priorSummaries) > 5 {
		priorSummaries = priorSummaries[len(priorSummaries)-5:]
	}

	return map[string]any{
		"prior_summaries": priorSummaries,
		"type":                   "compressed_history",
		"trace_id":               rc.TraceID,
		"kept_tail_start_step":   keptTailStartStep,
		"user_goals":             userGoals,
		"progress":               progress,
		"turn_cards":             turnCards,
		"key_facts":              keyFacts,
		"tool_state":             toolState,
		"calibration_multiplier": rc.CalibrationMultiplier,
	}
}

// extractPriorSummary recognizes an earlier compaction summary so it is
// carried forward instead of silently dropped.
func extractPriorSummary(content string) map[string]any {
	s := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(s, SummaryPrefix) {
		return nil
	}
	payload := strings.TrimLeft(s[len(SummaryPrefix):], " \t\n")

	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return map[string]any{"type": "prior_summary", "preview": truncate(payload, 2000)}
	}
	return obj
}

// extractToolResultHighlights compacts common tool result JSON: snapshot
// refs keep their path, snapshot query results keep ids plus trimmed top
// hits, everything else keeps a bounded preview.
func (m *Manager) extractToolResultHighlights(content string) map[string]any {
	s := strings.TrimSpace(content)
	if s == "" {
		return nil
	}

	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			t, _ := obj["type"].(string)
			switch t {
			case "snapshot_ref":
				out := map[string]any{"tool_type": "snapshot_ref"}
				if p, ok := obj["path"].(string); ok {
					out["latest_path"] = p
				}
				return out

			case "snapshot_query_result":
				out := map[string]any{"tool_type": "snapshot_query_result"}
				if v, ok := obj["snapshot_id"].(string); ok && v != "" {
					out["snapshot_id"] = v
				}
				if v, ok := obj["latest_path"].(string); ok && v != "" {
					out["latest_path"] = v
				}
				if meta, ok := obj["meta"].(map[string]any); ok {
					kept := map[string]any{}
					for _, k := range []string{"snapshot_lines", "search_scope", "marker_index"} {
						if v, present := meta[k]; present {
							kept[k] = v
						}
					}
					out["meta"] = kept
				}
				if hits := m.collectTopHits(obj); len(hits) > 0 {
					out["top_hits"] = hits
				}
				return out
			}

			if t == "" {
				t = "tool_json"
			}
			return map[string]any{"tool_type": t, "preview": truncate(s, m.config.MaxToolResultChars)}
		}
	}

	return map[string]any{"tool_type": "tool_text", "preview": truncate(s, m.config.MaxToolResultChars)}
}

func (m *Manager) collectTopHits(obj map[string]any) []string {
	hits := []string{}
	result, _ := obj["result"].(map[string]any)
	items, _ := result["items"].([]any)
	for _, it := range items {
		item, _ := it.(map[string]any)
		r, _ := item["result"].(map[string]any)
		th, _ := r["top_hits"].([]any)
		for _, line := range th {
			if s, ok := line.(string); ok && strings.TrimSpace(s) != "" {
				hits = append(hits, strings.TrimSpace(s))
				if len(hits) >= m.config.MaxTopHitsLines {
					return hits
				}
			}
		}
	}
	return hits
}

func truncate(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[:limit] + "…"
	}
	return s
}
