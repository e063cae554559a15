package persistence

import (
	stdcontext "context"
	"encoding/json"
	"sync"

	domainctx "github.com/stewardflow/stewardflow/internal/domain/context"
	apperrors "github.com/stewardflow/stewardflow/pkg/errors"
)

// MemoryContextStore keeps runtime contexts in a map, deep-copied through
// JSON so the cache manager's working copy is never aliased.
type MemoryContextStore struct {
	mu   sync.RWMutex
	ctxs map[string]string // trace_id -> serialized context
}

// NewMemoryContextStore creates an empty in-memory context store.
func NewMemoryContextStore() *MemoryContextStore {
	return &MemoryContextStore{
		ctxs: make(map[string]string),
	}
}

var _ domainctx.Store = (*MemoryContextStore)(nil)

// Load returns the stored context, or nil when none exists.
func (s *MemoryContextStore) Load(_ stdcontext.Context, traceID string) (*domainctx.RuntimeContext, error) {
	s.mu.RLock()
	raw, ok := s.ctxs[traceID]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	var rc domainctx.RuntimeContext
	if err := json.Unmarshal([]byte(raw), &rc); err != nil {
		return nil, apperrors.NewInternalErrorWithCause("deserialize runtime context", err)
	}
	return &rc, nil
}

// Save stores a serialized snapshot of the context.
func (s *MemoryContextStore) Save(_ stdcontext.Context, rc *domainctx.RuntimeContext) error {
	raw, err := json.Marshal(rc)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("serialize runtime context", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxs[rc.TraceID] = string(raw)
	return nil
}

// Delete drops the stored context.
func (s *MemoryContextStore) Delete(_ stdcontext.Context, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ctxs, traceID)
	return nil
}
