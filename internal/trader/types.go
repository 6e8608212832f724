package trader

import (
	"context"
	"time"

	"intraday/internal/bridge"
	"intraday/internal/ledger"
	"intraday/internal/pkg/trading"
	"intraday/internal/signal"
)

// Kinds published by operator-facing surfaces. They travel on the critical
// queue so the control loop stays the only mutator of signals and positions.
const (
	KindClosePosition bridge.Kind = "close_position"
	KindResume        bridge.Kind = "resume"
)

// ClosePayload asks the loop to close one position.
type ClosePayload struct {
	PositionID string `json:"position_id"`
	Reason     string `json:"reason"`
}

// Settings is the read side of the runtime settings store.
type Settings interface {
	GetBool(name string) bool
	GetNumber(name string) float64
}

// CheckpointStore persists confirmed positions for restart recovery.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, records []ledger.Record) error
	LoadCheckpoint(ctx context.Context) ([]ledger.Record, error)
}

// AuditSink keeps reconciliation corrections.
type AuditSink interface {
	RecordReconcile(ctx context.Context, rep ledger.Report) error
}

type Options struct {
	// Instruments are scored every iteration even before their first tick.
	Instruments []string
	// TickInterval wakes the loop when the bridge is quiet.
	TickInterval time.Duration
	// MaxIterationDuration beyond which an iteration is reported.
	MaxIterationDuration time.Duration
	ReconcileEvery       time.Duration
	// ReconcileDelay is how soon an on-demand reconciliation runs.
	ReconcileDelay time.Duration
	Sizing         trading.SizeLimits
	// FallbackBalance is used for sizing until the broker reports one.
	FallbackBalance float64
	PersistTimeout  time.Duration
	Now             func() time.Time
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.MaxIterationDuration <= 0 {
		o.MaxIterationDuration = 250 * time.Millisecond
	}
	if o.ReconcileEvery <= 0 {
		o.ReconcileEvery = 30 * time.Second
	}
	if o.ReconcileDelay <= 0 {
		o.ReconcileDelay = 200 * time.Millisecond
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Snapshot is the read-only view published after every iteration.
type Snapshot struct {
	TakenAt     time.Time           `json:"taken_at"`
	Ledger      ledger.Snapshot     `json:"ledger"`
	Risk        ledger.RiskSnapshot `json:"risk"`
	Balance     float64             `json:"balance"`
	Halted      bool                `json:"halted"`
	HaltReason  string              `json:"halt_reason,omitempty"`
	AutoTrading bool                `json:"auto_trading"`
}

type Stats struct {
	Iterations     uint64               `json:"iterations"`
	SlowIterations uint64               `json:"slow_iterations"`
	LastIteration  time.Duration        `json:"last_iteration_ns"`
	Panics         uint64               `json:"panics"`
	Bridge         bridge.Stats         `json:"bridge"`
	Signals        map[signal.State]int `json:"signals"`
	OpenPositions  int                  `json:"open_positions"`
	Provisional    int                  `json:"provisional"`
	PendingCloses  int                  `json:"pending_closes"`
	ReconcileFired uint64               `json:"reconcile_fired"`
	Halted         bool                 `json:"halted"`
	Counters       map[string]uint64    `json:"counters"`
}
