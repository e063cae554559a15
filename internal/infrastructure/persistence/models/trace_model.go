package models

import "time"

// TraceModel stores one checkpointed trace. The aggregate is serialized as a
// single JSON document so a save is one atomic row swap.
type TraceModel struct {
	TraceID   string `gorm:"primaryKey;size:64"`
	ClientID  string `gorm:"index;size:64"`
	Status    string `gorm:"size:16"`
	Document  string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName fixes the table name.
func (TraceModel) TableName() string {
	return "traces"
}
