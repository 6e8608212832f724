package ledger

import (
	"errors"
	"fmt"
	"time"

	"intraday/internal/types"
)

var (
	ErrConflict        = errors.New("ledger: provisional position already exists")
	ErrUnknownPosition = errors.New("ledger: unknown position")
	ErrClosePending    = errors.New("ledger: close already pending")
	ErrInvalidTicket   = errors.New("ledger: invalid ticket")
	ErrInvalidPosition = errors.New("ledger: invalid position")
	ErrProvisionalGone = errors.New("ledger: provisional entry no longer exists")
	ErrEmptyPositionID = errors.New("ledger: empty broker position id")
)

// ConflictError is returned by MarkProvisional while another open for the
// same instrument is still unresolved.
type ConflictError struct {
	Instrument string
	Holder     string
	Since      time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ledger: provisional position for %s held by ticket %s since %s",
		e.Instrument, e.Holder, e.Since.Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Position is one open exposure. PositionID is empty while Provisional.
type Position struct {
	PositionID  string          `json:"position_id"`
	Ticket      string          `json:"ticket,omitempty"`
	SignalID    string          `json:"signal_id,omitempty"`
	Instrument  string          `json:"instrument"`
	Direction   types.Direction `json:"direction"`
	Size        float64         `json:"size"`
	EntryPrice  float64         `json:"entry_price"`
	Stop        float64         `json:"stop,omitempty"`
	Target      float64         `json:"target,omitempty"`
	OpenedAt    time.Time       `json:"opened_at"`
	Provisional bool            `json:"provisional"`
	Restored    bool            `json:"restored,omitempty"`
}

// Ticket identifies one provisional entry.
type Ticket struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Direction  types.Direction `json:"direction"`
	Size       float64         `json:"size"`
	Stop       float64         `json:"stop,omitempty"`
	Target     float64         `json:"target,omitempty"`
	SignalID   string          `json:"signal_id,omitempty"`
	IssuedAt   time.Time       `json:"issued_at"`
}

// Intent describes what MarkProvisional should reserve.
type Intent struct {
	Instrument string
	Direction  types.Direction
	Size       float64
	Stop       float64
	Target     float64
	SignalID   string
}

type PendingClose struct {
	PositionID  string    `json:"position_id"`
	Instrument  string    `json:"instrument"`
	RequestedAt time.Time `json:"requested_at"`
	Reason      string    `json:"reason"`
}

// CloseOutcome is what the broker reported for a close.
type CloseOutcome struct {
	FillPrice   float64
	RealizedPnL float64
	Reason      string
	At          time.Time
}

// ClosedPosition is kept in a short history for diagnostics.
type ClosedPosition struct {
	Position
	ClosedAt    time.Time `json:"closed_at"`
	ExitPrice   float64   `json:"exit_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	Reason      string    `json:"reason"`
}

// Orphan is a local position the broker no longer reports.
type Orphan struct {
	Position
	Since time.Time `json:"since"`
}

// Record is the restart checkpoint form of a confirmed position.
type Record struct {
	PositionID string          `json:"position_id" yaml:"position_id"`
	Instrument string          `json:"instrument" yaml:"instrument"`
	Direction  types.Direction `json:"direction" yaml:"direction"`
	Size       float64         `json:"size" yaml:"size"`
	EntryPrice float64         `json:"entry_price" yaml:"entry_price"`
}

// Snapshot is an immutable copy of the ledger.
type Snapshot struct {
	Version       uint64           `json:"version"`
	TakenAt       time.Time        `json:"taken_at"`
	Positions     []Position       `json:"positions"`
	Provisional   []Position       `json:"provisional"`
	PendingCloses []PendingClose   `json:"pending_closes"`
	Orphans       []Orphan         `json:"orphans"`
	RecentCloses  []ClosedPosition `json:"recent_closes"`
	RealizedPnL   float64          `json:"realized_pnl"`
	LastReconcile time.Time        `json:"last_reconcile"`
}

// Open returns confirmed positions on instrument.
func (s Snapshot) Open(instrument string) []Position {
	instrument = types.NormalizeInstrument(instrument)
	var out []Position
	for _, p := range s.Positions {
		if p.Instrument == instrument {
			out = append(out, p)
		}
	}
	return out
}

// Held returns confirmed positions plus quarantined orphans on instrument,
// or on every instrument when it is empty. An orphan may still be live at
// the broker until its grace period ends, so decisions count it.
func (s Snapshot) Held(instrument string) []Position {
	instrument = types.NormalizeInstrument(instrument)
	var out []Position
	for _, p := range s.Positions {
		if instrument == "" || p.Instrument == instrument {
			out = append(out, p)
		}
	}
	for _, o := range s.Orphans {
		if instrument == "" || o.Instrument == instrument {
			out = append(out, o.Position)
		}
	}
	return out
}

// Orphaned reports whether instrument has a quarantined position.
func (s Snapshot) Orphaned(instrument string) bool {
	instrument = types.NormalizeInstrument(instrument)
	for _, o := range s.Orphans {
		if o.Instrument == instrument {
			return true
		}
	}
	return false
}

func (s Snapshot) Risk(balance float64) RiskSnapshot {
	return ComputeRisk(s.Positions, balance)
}
