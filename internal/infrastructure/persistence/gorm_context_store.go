package persistence

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"sync"

	domainctx "github.com/stewardflow/stewardflow/internal/domain/context"
	"github.com/stewardflow/stewardflow/internal/infrastructure/persistence/models"
	apperrors "github.com/stewardflow/stewardflow/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormContextStore persists runtime contexts as JSON documents next to the
// checkpoints, one row per trace id.
type GormContextStore struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewGormContextStore creates a database-backed runtime context store.
func NewGormContextStore(db *gorm.DB) *GormContextStore {
	return &GormContextStore{db: db}
}

var _ domainctx.Store = (*GormContextStore)(nil)

// Load reads the stored context, or nil when none exists.
func (s *GormContextStore) Load(ctx stdcontext.Context, traceID string) (*domainctx.RuntimeContext, error) {
	var model models.RuntimeContextModel
	if err := s.db.WithContext(ctx).First(&model, "trace_id = ?", traceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperrors.NewInternalErrorWithCause("load runtime context", err)
	}

	var rc domainctx.RuntimeContext
	if err := json.Unmarshal([]byte(model.Document), &rc); err != nil {
		return nil, apperrors.NewInternalErrorWithCause("deserialize runtime context", err)
	}
	return &rc, nil
}

// Save upserts the context document. The trace id primary key is always
// pre-assigned, so the first write must be an ON CONFLICT insert rather than
// a Save (which would route to a no-op UPDATE).
func (s *GormContextStore) Save(ctx stdcontext.Context, rc *domainctx.RuntimeContext) error {
	raw, err := json.Marshal(rc)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("serialize runtime context", err)
	}

	model := models.RuntimeContextModel{
		TraceID:  rc.TraceID,
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
		return apperrors.NewInternalErrorWithCause("save runtime context", err)
	}
	return nil
}

// Delete removes the context row.
func (s *GormContextStore) Delete(ctx stdcontext.Context, traceID string) error {
	if err := s.db.WithContext(ctx).Delete(&models.RuntimeContextModel{}, "trace_id = ?", traceID).Error; err != nil {
		return apperrors.NewInternalErrorWithCause("delete runtime context", err)
	}
	return nil
}
