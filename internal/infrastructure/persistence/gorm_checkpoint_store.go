package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/stewardflow/stewardflow/internal/domain/repository"
	"github.com/stewardflow/stewardflow/internal/domain/trace"
	"github.com/stewardflow/stewardflow/internal/infrastructure/persistence/models"
	apperrors "github.com/stewardflow/stewardflow/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCheckpointStore persists trace aggregates as single JSON documents.
// One row per trace id keeps each save an atomic swap; a store-level mutex
// serializes concurrent writers per the checkpoint contract.
type GormCheckpointStore struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewGormCheckpointStore creates a database-backed checkpoint store.
func NewGormCheckpointStore(db *gorm.DB) *GormCheckpointStore {
	return &GormCheckpointStore{db: db}
}

var _ repository.CheckpointStore = (*GormCheckpointStore)(nil)

// Save upserts the trace document. Trace ids are pre-generated, so the
// primary key is always set; a plain Save would route to UPDATE and
// silently skip the insert for a brand-new trace. ON CONFLICT handles both
// the first write and every overwrite in one statement.
func (s *GormCheckpointStore) Save(ctx context.Context, t *trace.Trace) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("serialize trace", err)
	}

	model := models.TraceModel{
		TraceID:  t.TraceID,
		ClientID: t.ClientID,
		Status:   string(t.Status),
		Document: string(raw),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trace_id"}},
			UpdateAll: true,
		}).
		Create(&model).Error
	if err != nil {
		return apperrors.NewInternalErrorWithCause("save trace checkpoint", err)
	}
	return nil
}

// Load reads and deserializes the trace document.
func (s *GormCheckpointStore) Load(ctx context.Context, traceID string) (*trace.Trace, error) {
	var model models.TraceModel
	if err := s.db.WithContext(ctx).First(&model, "trace_id = ?", traceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("trace not found: " + traceID)
		}
		return nil, apperrors.NewInternalErrorWithCause("load trace checkpoint", err)
	}

	var t trace.Trace
	if err := json.Unmarshal([]byte(model.Document), &t); err != nil {
		return nil, apperrors.NewInternalErrorWithCause("deserialize trace", err)
	}
	return &t, nil
}

// Delete removes the trace row.
func (s *GormCheckpointStore) Delete(ctx context.Context, traceID string) error {
	if err := s.db.WithContext(ctx).Delete(&models.TraceModel{}, "trace_id = ?", traceID).Error; err != nil {
		return apperrors.NewInternalErrorWithCause("delete trace checkpoint", err)
	}
	return nil
}
