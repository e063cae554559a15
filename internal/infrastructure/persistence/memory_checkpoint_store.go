package persistence

import (
	"context"
	"sync"

	"github.com/stewardflow/stewardflow/internal/domain/repository"
	"github.com/stewardflow/stewardflow/internal/domain/trace"
	apperrors "github.com/stewardflow/stewardflow/pkg/errors"
)

// MemoryCheckpointStore keeps deep-copied trace aggregates in a map. Save
// clones before storing and Load clones before returning, so readers never
// alias the executor's working aggregate.
type MemoryCheckpointStore struct {
	mu     sync.RWMutex
	traces map[string]*trace.Trace
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		traces: make(map[string]*trace.Trace),
	}
}

var _ repository.CheckpointStore = (*MemoryCheckpointStore)(nil)

// Save stores a deep copy of the trace, replacing any prior checkpoint
// atomically under the store lock.
func (s *MemoryCheckpointStore) Save(_ context.Context, t *trace.Trace) error {
	clone, err := t.Clone()
	if err != nil {
		return apperrors.NewInternalErrorWithCause("serialize trace", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[t.TraceID] = clone
	return nil
}

// Load returns a fresh copy of the checkpointed trace.
func (s *MemoryCheckpointStore) Load(_ context.Context, traceID string) (*trace.Trace, error) {
	s.mu.RLock()
	stored, ok := s.traces[traceID]
	s.mu.RUnlock()

	if !ok {
		return nil, apperrors.NewNotFoundError("trace not found: " + traceID)
	}
	clone, err := stored.Clone()
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("deserialize trace", err)
	}
	return clone, nil
}

// Delete removes the checkpoint for a trace.
func (s *MemoryCheckpointStore) Delete(_ context.Context, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.traces, traceID)
	return nil
}
