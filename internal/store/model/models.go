package model

import (
	"time"

	"gorm.io/datatypes"
)

// CheckpointPositionModel is one confirmed position of the latest
// checkpoint. The table is replaced as a whole on every save.
type CheckpointPositionModel struct {
	PositionID string    `gorm:"column:position_id;primaryKey"`
	Instrument string    `gorm:"column:instrument;index"`
	Direction  string    `gorm:"column:direction"`
	Size       float64   `gorm:"column:size"`
	EntryPrice float64   `gorm:"column:entry_price"`
	SavedAt    time.Time `gorm:"column:saved_at"`
}

func (CheckpointPositionModel) TableName() string { return "checkpoint_positions" }

// ReconcileAuditModel keeps one correction of a reconciliation run with the
// position before and after it.
type ReconcileAuditModel struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RunAt      time.Time      `gorm:"column:run_at;index"`
	Action     string         `gorm:"column:action;index"`
	PositionID string         `gorm:"column:position_id;index"`
	Instrument string         `gorm:"column:instrument"`
	Reason     string         `gorm:"column:reason"`
	Prior      datatypes.JSON `gorm:"column:prior"`
	Current    datatypes.JSON `gorm:"column:current"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
}

func (ReconcileAuditModel) TableName() string { return "reconcile_audit" }
