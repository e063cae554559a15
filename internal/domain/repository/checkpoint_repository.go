package repository

import (
	"context"

	"github.com/stewardflow/stewardflow/internal/domain/trace"
)

// CheckpointStore persists the whole Trace aggregate, keyed by trace id.
// Saves must be atomic from a reader's perspective; Load returns a fresh
// copy so callers never alias the stored aggregate. Concurrent writers for
// the same trace id must be serialized by the implementation.
type CheckpointStore interface {
	Save(ctx context.Context, t *trace.Trace) error
	Load(ctx context.Context, traceID string) (*trace.Trace, error)
	Delete(ctx context.Context, traceID string) error
}
