package context

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stewardflow/stewardflow/internal/domain/trace"
	apperrors "github.com/stewardflow/stewardflow/pkg/errors"
	"go.uber.org/zap"
)

// Config tunes window assembly and compaction.
type Config struct {
	// ThresholdTokens triggers compaction when the calibrated estimate
	// reaches it. 0 disables compaction entirely.
	ThresholdTokens int
	// KeepTailRatio is the share of total step tokens kept verbatim,
	// measured from the newest step backwards.
	KeepTailRatio float64
	// TargetAfterTokens is the estimate compaction tries to get under.
	TargetAfterTokens int

	// SummaryRole is the role of the injected summary message.
	SummaryRole string

	// summary limits
	MaxUserGoalChars   int
	MaxToolArgsChars   int
	MaxToolResultChars int
	MaxTopHitsLines    int

	MaxCompactionRounds int
	MaxSummaryTokens    int

	// Result cards are plain content messages identified by prefix so
	// compaction can recognize and preserve them.
	ResultCardPrefix   string
	MaxResultCardChars int
	MaxTurnCards       int
}

// SummaryPrefix marks a compaction summary message.
const SummaryPrefix = "CONTEXT_SUMMARY_JSON:"

// DefaultResultCardPrefix marks a folded turn result card.
const DefaultResultCardPrefix = "TURN_RESULT_CARD_JSON:"

// DefaultConfig returns production defaults. Compaction is on by default
// with a 20k-token trigger.
func DefaultConfig() Config {
	return Config{
		ThresholdTokens:     20000,
		KeepTailRatio:       0.30,
		TargetAfterTokens:   17000,
		SummaryRole:         "system",
		MaxUserGoalChars:    300,
		MaxToolArgsChars:    300,
		MaxToolResultChars:  2000,
		MaxTopHitsLines:     12,
		MaxCompactionRounds: 6,
		MaxSummaryTokens:    2000,
		ResultCardPrefix:    DefaultResultCardPrefix,
		MaxResultCardChars:  4000,
		MaxTurnCards:        50,
	}
}

// Summarizer produces an LLM-assisted summary of head messages. Optional:
// without one, compaction stops after the deterministic pass.
type Summarizer interface {
	Summarize(ctx context.Context, head []Message, maxTokens int) (map[string]any, error)
}

// Manager incrementally assembles the prompt window for a trace and compacts
// it when the calibrated token estimate crosses the threshold. Single-writer
// per trace, enforced by a per-trace mutex.
type Manager struct {
	config     Config
	estimator  *TokenEstimator
	store      Store
	sysPrompt  func() string
	summarizer Summarizer
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a cache manager. summarizer may be nil.
func NewManager(config Config, estimator *TokenEstimator, store Store, systemPromptFn func() string, summarizer Summarizer, logger *zap.Logger) *Manager {
	if config.ResultCardPrefix == "" {
		config.ResultCardPrefix = DefaultResultCardPrefix
	}
	return &Manager{
		config:     config,
		estimator:  estimator,
		store:      store,
		sysPrompt:  systemPromptFn,
		summarizer: summarizer,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(traceID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[traceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[traceID] = l
	}
	return l
}

// BuildMessages assembles the prompt window for the trace. Idempotent for an
// unchanged trace; incremental otherwise. Schema arguments only feed the
// token estimate caches — the adapter sends the schemas itself.
func (m *Manager) BuildMessages(
	ctx context.Context,
	tr *trace.Trace,
	toolSchemas any,
	responseSchema any,
	toolsetVersion string,
	responseSchemaVersion string,
) ([]Message, error) {
	l := m.lockFor(tr.TraceID)
	l.Lock()
	defer l.Unlock()

	rc, err := m.getOrCreateCtx(ctx, tr.TraceID)
	if err != nil {
		return nil, err
	}

	for _, turn := range tr.Turns {
		m.appendTurnUserInput(rc, turn)
		for _, step := range turn.Steps {
			if err := m.appendStepIfNew(rc, step); err != nil {
				return nil, err
			}
		}
	}

	m.ensureSchemaTokensCached(rc, toolSchemas, responseSchema, toolsetVersion, responseSchemaVersion)

	if m.config.ThresholdTokens > 0 {
		if err := m.maybeCompact(ctx, rc); err != nil {
			return nil, err
		}
	}

	rc.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(ctx, rc); err != nil {
		return nil, err
	}
	return rc.Messages, nil
}

// AppendUserInputIfStepSeen appends a HITL reply as a user message, but only
// when the owning step was already applied to the window — otherwise the
// incremental step append replays the back-filled request_input itself and
// an eager append would duplicate it.
func (m *Manager) AppendUserInputIfStepSeen(ctx context.Context, traceID, stepID, content string) error {
	l := m.lockFor(traceID)
	l.Lock()
	defer l.Unlock()

	rc, err := m.store.Load(ctx, traceID)
	if err != nil || rc == nil {
		return err
	}
	rc.RepairTokenSum()
	if !rc.HasSeenStep(stepID) {
		return nil
	}
	m.appendMessage(rc, Message{Role: "user", Content: content})
	rc.UpdatedAt = time.Now().UTC()
	return m.store.Save(ctx, rc)
}

// GetContext loads the runtime context, or nil when none exists yet.
func (m *Manager) GetContext(ctx context.Context, traceID string) (*RuntimeContext, error) {
	rc, err := m.store.Load(ctx, traceID)
	if err != nil || rc == nil {
		return nil, err
	}
	rc.RepairTokenSum()
	return rc, nil
}

// Clear drops the cached context for a trace.
func (m *Manager) Clear(ctx context.Context, traceID string) error {
	return m.store.Delete(ctx, traceID)
}

// UpdateCalibration folds the observed prompt token count into the
// persisted multiplier. O(1): it reuses the incrementally maintained sums.
// Must run after the BuildMessages of the same request.
func (m *Manager) UpdateCalibration(
	ctx context.Context,
	traceID string,
	actualPromptTokens int,
	toolSchemas any,
	responseSchema any,
	toolsetVersion string,
	responseSchemaVersion string,
) error {
	if actualPromptTokens <= 0 {
		return nil
	}

	l := m.lockFor(traceID)
	l.Lock()
	defer l.Unlock()

	rc, err := m.store.Load(ctx, traceID)
	if err != nil || rc == nil {
		return err
	}
	rc.RepairTokenSum()

	m.ensureSchemaTokensCached(rc, toolSchemas, responseSchema, toolsetVersion, responseSchemaVersion)

	estimatedRaw := m.estimatePromptTokensRaw(rc)
	ratio := float64(actualPromptTokens) / float64(max(1, estimatedRaw))

	m.estimator.SetMultiplier(rc.CalibrationMultiplier)
	m.estimator.UpdateCalibrationFromRatio(ratio)

	rc.CalibrationMultiplier = m.estimator.Multiplier()
	rc.UpdatedAt = time.Now().UTC()
	return m.store.Save(ctx, rc)
}

// ---------- ctx init/reset ----------

func (m *Manager) getOrCreateCtx(ctx context.Context, traceID string) (*RuntimeContext, error) {
	sysPrompt := m.sysPrompt()
	sysHash := SHA1Hex(sysPrompt)

	rc, err := m.store.Load(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		rc.RepairTokenSum()
		// apply persisted multiplier for consistent estimation this build
		m.estimator.SetMultiplier(rc.CalibrationMultiplier)
		if rc.SystemPromptHash != sysHash {
			// system prompt changed: reset the window, keep calibration
			mult := rc.CalibrationMultiplier
			rc = NewRuntimeContext(traceID, sysPrompt, m.estimator)
			rc.CalibrationMultiplier = mult
		}
		return rc, nil
	}

	return NewRuntimeContext(traceID, sysPrompt, m.estimator), nil
}

// ---------- O(1) estimation ----------

func (m *Manager) estimatePromptTokensRaw(rc *RuntimeContext) int {
	return rc.MsgTokensRawSum + rc.ToolSchemaTokensRaw + rc.ResponseSchemaTokensRaw
}

// EstimatePromptTokens returns the calibrated prompt token estimate.
func (m *Manager) EstimatePromptTokens(rc *RuntimeContext) int {
	m.estimator.SetMultiplier(rc.CalibrationMultiplier)
	raw := m.estimatePromptTokensRaw(rc)
	est := int(float64(raw) * m.estimator.Multiplier())
	if est < 1 {
		return 1
	}
	return est
}

// ---------- schema token caches ----------

func schemaKey(schema any, version, prefix string) string {
	if schema == nil {
		return ""
	}
	if version != "" {
		return fmt.Sprintf("%s:v:%s", prefix, version)
	}
	return fmt.Sprintf("%s:h:%s", prefix, SHA1Hex(StableJSON(schema)))
}

func (m *Manager) ensureSchemaTokensCached(rc *RuntimeContext, toolSchemas, responseSchema any, toolsetVersion, responseSchemaVersion string) {
	tkey := schemaKey(toolSchemas, toolsetVersion, "toolset")
	if tkey != rc.ToolSchemaKey {
		rc.ToolSchemaKey = tkey
		rc.ToolSchemaTokensRaw = 0
		if toolSchemas != nil {
			rc.ToolSchemaTokensRaw = m.estimator.EstimateStructTokensRaw(toolSchemas)
		}
	}

	rkey := schemaKey(responseSchema, responseSchemaVersion, "resp")
	if rkey != rc.ResponseSchemaKey {
		rc.ResponseSchemaKey = rkey
		rc.ResponseSchemaTokensRaw = 0
		if responseSchema != nil {
			rc.ResponseSchemaTokensRaw = m.estimator.EstimateStructTokensRaw(responseSchema)
		}
	}
}

// ---------- append logic (incremental) ----------

func (m *Manager) appendMessage(rc *RuntimeContext, msg Message) {
	t := m.estimator.EstimateMessageTokensRaw(msg)
	rc.Messages = append(rc.Messages, msg)
	rc.MsgTokensRaw = append(rc.MsgTokensRaw, t)
	rc.MsgTokensRawSum += t
}

// appendTurnUserInput appends each turn's user_input exactly once, keyed by
// turn_id. No span is recorded; dedupe is enough.
func (m *Manager) appendTurnUserInput(rc *RuntimeContext, turn *trace.Turn) {
	if turn.TurnID == "" || rc.HasSeenTurn(turn.TurnID) {
		return
	}
	if turn.UserInput == "" {
		return
	}
	m.appendMessage(rc, Message{Role: "user", Content: turn.UserInput})
	rc.SeenTurnIDs = append(rc.SeenTurnIDs, turn.TurnID)
}

// appendStepIfNew applies a step's messages once. A step with tool calls
// contributes the assistant message plus one tool message per call, in call
// order; a missing observation for any call is fatal for the trace.
func (m *Manager) appendStepIfNew(rc *RuntimeContext, step *trace.Step) error {
	if step.StepID == "" || rc.HasSeenStep(step.StepID) {
		rc.LastAppliedStepID = step.StepID
		return nil
	}

	start := len(rc.Messages)

	if len(step.ToolCalls) > 0 {
		m.appendMessage(rc, Message{Role: "assistant", ToolCalls: step.ToolCalls})
		for _, call := range step.ToolCalls {
			obs := step.ObservationFor(call.ID)
			if obs == nil {
				return apperrors.NewInvariantError(
					fmt.Sprintf("missing observation for tool call id=%s in step=%s", call.ID, step.StepID))
			}
			m.appendMessage(rc, Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    contentToString(obs.Content),
			})
		}
	} else {
		for _, a := range step.Actions {
			if a.FullRef != "" {
				m.appendMessage(rc, Message{Role: "assistant", Content: a.FullRef})
			}
			if a.RequestInput != "" {
				m.appendMessage(rc, Message{Role: "user", Content: a.RequestInput})
			}
		}
	}

	end := len(rc.Messages)
	if end == start {
		// step contributed nothing yet; do not mark it applied
		return nil
	}

	rc.MarkStepSeen(step.StepID)
	rc.StepOrder = append(rc.StepOrder, step.StepID)
	rc.StepSpanMap[step.StepID] = Span{Start: start, End: end}

	stepTokens := 0
	for _, t := range rc.MsgTokensRaw[start:end] {
		stepTokens += t
	}
	rc.StepTokensRaw[step.StepID] = stepTokens
	rc.LastAppliedStepID = step.StepID
	return nil
}

func contentToString(x any) string {
	switch v := x.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return StableJSON(v)
	}
}
