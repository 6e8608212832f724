// Package signal tracks each trade idea from creation to a terminal state.
package signal

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"intraday/internal/types"
)

var (
	ErrTerminal      = errors.New("signal: already in a terminal state")
	ErrUnknownSignal = errors.New("signal: unknown signal")
	ErrDuplicate     = errors.New("signal: duplicate id")
	ErrNotTriggered  = errors.New("signal: not triggered")
	ErrInvalid       = errors.New("signal: invalid")
)

type State string

const (
	StatePending   State = "PENDING"
	StateTriggered State = "TRIGGERED"
	StateExecuted  State = "EXECUTED"
	StateExpired   State = "EXPIRED"
	StateMissed    State = "MISSED"
	StateCancelled State = "CANCELLED"
)

func (s State) Terminal() bool {
	switch s {
	case StateExecuted, StateExpired, StateMissed, StateCancelled:
		return true
	}
	return false
}

func canTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateTriggered || to == StateExpired || to == StateMissed || to == StateCancelled
	case StateTriggered:
		return to == StateExecuted || to == StateExpired || to == StateMissed || to == StateCancelled
	}
	return false
}

// ValidityMode is the time-to-live bucket chosen once at creation.
type ValidityMode string

const (
	ValidityShort    ValidityMode = "short"
	ValidityStandard ValidityMode = "standard"
	ValidityExtended ValidityMode = "extended"
)

func (m ValidityMode) Rank() int {
	switch m {
	case ValidityShort:
		return 1
	case ValidityStandard:
		return 2
	case ValidityExtended:
		return 3
	}
	return 0
}

func ParseValidityMode(raw string) (ValidityMode, error) {
	m := ValidityMode(strings.ToLower(strings.TrimSpace(raw)))
	if m.Rank() == 0 {
		return "", fmt.Errorf("%w: validity mode %q", ErrInvalid, raw)
	}
	return m, nil
}

// Thresholds select the validity mode. Both quality and confidence must clear
// a level for it to apply.
type Thresholds struct {
	StandardQuality    float64
	StandardConfidence float64
	ExtendedQuality    float64
	ExtendedConfidence float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{StandardQuality: 0.5, StandardConfidence: 0.5, ExtendedQuality: 0.75, ExtendedConfidence: 0.75}
}

func SelectValidity(quality, confidence float64, th Thresholds) ValidityMode {
	switch {
	case quality >= th.ExtendedQuality && confidence >= th.ExtendedConfidence:
		return ValidityExtended
	case quality >= th.StandardQuality && confidence >= th.StandardConfidence:
		return ValidityStandard
	default:
		return ValidityShort
	}
}

// Validity holds the TTL of each mode.
type Validity struct {
	Short    time.Duration
	Standard time.Duration
	Extended time.Duration
}

func DefaultValidity() Validity {
	return Validity{Short: 2 * time.Minute, Standard: 5 * time.Minute, Extended: 15 * time.Minute}
}

func (v Validity) TTL(m ValidityMode) time.Duration {
	switch m {
	case ValidityExtended:
		return v.Extended
	case ValidityStandard:
		return v.Standard
	default:
		return v.Short
	}
}

// Signal is an immutable proposal to enter a position.
type Signal struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Direction  types.Direction `json:"direction"`
	Entry      float64         `json:"entry"`
	Stop       float64         `json:"stop"`
	Target     float64         `json:"target"`
	Quality    float64         `json:"quality"`
	Confidence float64         `json:"confidence"`
	CreatedAt  time.Time       `json:"created_at"`
	Validity   ValidityMode    `json:"validity"`
	Source     string          `json:"source,omitempty"`
	Note       string          `json:"note,omitempty"`
}

// Validate checks prices are ordered consistently with the direction.
func (s Signal) Validate() error {
	if types.NormalizeInstrument(s.Instrument) == "" {
		return fmt.Errorf("%w: missing instrument", ErrInvalid)
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrInvalid, s.Direction)
	}
	for name, v := range map[string]float64{"entry": s.Entry, "stop": s.Stop, "target": s.Target} {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	switch s.Direction {
	case types.Long:
		if !(s.Stop < s.Entry && s.Entry < s.Target) {
			return fmt.Errorf("%w: long needs stop < entry < target", ErrInvalid)
		}
	case types.Short:
		if !(s.Target < s.Entry && s.Entry < s.Stop) {
			return fmt.Errorf("%w: short needs target < entry < stop", ErrInvalid)
		}
	}
	if s.Validity != "" && s.Validity.Rank() == 0 {
		return fmt.Errorf("%w: validity mode %q", ErrInvalid, s.Validity)
	}
	return nil
}

// StopDistance is the absolute distance between entry and stop.
func (s Signal) StopDistance() float64 {
	return math.Abs(s.Entry - s.Stop)
}

// Record is the mutable lifecycle wrapper around a Signal.
type Record struct {
	Signal           Signal    `json:"signal"`
	State            State     `json:"state"`
	ExpiresAt        time.Time `json:"expires_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	TriggeredAt      time.Time `json:"triggered_at,omitempty"`
	TriggerPrice     float64   `json:"trigger_price,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	// Reserved is set while an order for the signal is being arranged.
	Reserved  bool `json:"reserved,omitempty"`
	lastPrice float64
}

type Transition struct {
	SignalID   string    `json:"signal_id"`
	Instrument string    `json:"instrument"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Price      float64   `json:"price,omitempty"`
	At         time.Time `json:"at"`
}

// MarketContext is what a scoring engine sees on each tick.
type MarketContext struct {
	Instrument string
	Price      float64
	ATR        float64
	Now        time.Time
}

// ScoringEngine produces at most one signal per call.
type ScoringEngine interface {
	GenerateSignal(mc MarketContext) (Signal, bool)
}

// InstrumentLister is implemented by engines that hold signals for
// instruments the loop may not have seen a tick for yet.
type InstrumentLister interface {
	Instruments() []string
}
