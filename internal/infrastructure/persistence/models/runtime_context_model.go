package models

import "time"

// RuntimeContextModel stores one trace's prompt-window cache, serialized as
// a JSON document alongside its checkpoint.
type RuntimeContextModel struct {
	TraceID   string `gorm:"primaryKey;size:64"`
	Document  string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName fixes the table name.
func (RuntimeContextModel) TableName() string {
	return "runtime_contexts"
}
