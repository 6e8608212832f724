package store

import (
	"context"

	"intraday/internal/ledger"
)

// CheckpointStore persists the confirmed positions between restarts.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, records []ledger.Record) error
	LoadCheckpoint(ctx context.Context) ([]ledger.Record, error)
	Close() error
}

// AuditStore keeps reconciliation corrections for later inspection.
type AuditStore interface {
	RecordReconcile(ctx context.Context, rep ledger.Report) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}

// AuditEntry is one stored reconciliation correction.
type AuditEntry struct {
	ID         int64            `json:"id"`
	RunAt      int64            `json:"run_at"`
	Action     string           `json:"action"`
	PositionID string           `json:"position_id,omitempty"`
	Instrument string           `json:"instrument"`
	Reason     string           `json:"reason,omitempty"`
	Prior      *ledger.Position `json:"prior,omitempty"`
	Current    *ledger.Position `json:"current,omitempty"`
}
