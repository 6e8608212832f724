package execution

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"intraday/internal/ledger"
	"intraday/internal/logger"
	"intraday/internal/monitor"
	"intraday/internal/types"

	"github.com/google/uuid"
)

// ReversePolicy selects which positions a close-and-reverse closes first.
type ReversePolicy string

const (
	// ReverseInstrument closes the opposite-direction positions of the
	// signal's instrument.
	ReverseInstrument ReversePolicy = "instrument"
	// ReverseAccount closes every open position on the account.
	ReverseAccount ReversePolicy = "account"
)

func ParseReversePolicy(raw string) (ReversePolicy, error) {
	switch ReversePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case ReverseInstrument, "":
		return ReverseInstrument, nil
	case ReverseAccount:
		return ReverseAccount, nil
	default:
		return "", fmt.Errorf("execution: unknown reverse policy %q", raw)
	}
}

type legState int

const (
	legAwaiting legState = iota
	legConfirmed
	legAdopted
	legFailed
)

type reversal struct {
	id       string
	intent   ledger.Intent
	policy   ReversePolicy
	legs     map[string]legState
	started  time.Time
	deadline time.Time
}

func (r *reversal) resolved() bool {
	for _, st := range r.legs {
		if st == legAwaiting {
			return false
		}
	}
	return true
}

// ReversalReport is emitted once per close-and-reverse, whether it opened
// or was aborted.
type ReversalReport struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Direction  types.Direction `json:"direction"`
	Policy     ReversePolicy   `json:"policy"`
	SignalID   string          `json:"signal_id,omitempty"`
	Legs       int             `json:"legs"`
	Confirmed  int             `json:"confirmed"`
	Adopted    int             `json:"adopted"`
	Failed     int             `json:"failed"`
	Pending    int             `json:"pending"`
	Opened     bool            `json:"opened"`
	Ticket     string          `json:"ticket,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Started    time.Time       `json:"started"`
	At         time.Time       `json:"at"`
}

// CloseAndReverse closes the positions selected by policy and opens intent
// once every close has resolved. The open is issued only when at least one
// close was confirmed or adopted and no opposite-direction position is left
// on the instrument; otherwise the reversal is aborted and reported.
func (e *Engine) CloseAndReverse(in ledger.Intent, policy ReversePolicy) (string, error) {
	if e.halted.Load() {
		return "", ErrHalted
	}
	in.Instrument = types.NormalizeInstrument(in.Instrument)
	if held, ok := e.ledger.Provisional(in.Instrument); ok {
		return "", &ledger.ConflictError{Instrument: in.Instrument, Holder: held.Ticket, Since: held.OpenedAt}
	}
	for _, r := range e.reversals {
		if r.intent.Instrument == in.Instrument {
			return "", ErrReverseInFlight
		}
	}

	var targets []ledger.Position
	switch policy {
	case ReverseAccount:
		snap := e.ledger.Snapshot()
		targets = snap.Positions
		// quarantined positions have no broker record left to close; the
		// purge or a later listing settles them
		for _, o := range snap.Orphans {
			e.count("execution.reverse.orphan_skipped")
			logger.Warn("reverse skips orphaned position", "instrument", in.Instrument,
				"position", o.Position.PositionID, "orphan_instrument", o.Position.Instrument)
		}
	default:
		policy = ReverseInstrument
		for _, p := range e.ledger.Open(in.Instrument) {
			if p.Direction == in.Direction.Opposite() {
				targets = append(targets, p)
			}
		}
	}
	if len(targets) == 0 {
		return "", ErrNothingToClose
	}

	now := e.opts.Now()
	r := &reversal{
		id:       uuid.NewString(),
		intent:   in,
		policy:   policy,
		legs:     make(map[string]legState, len(targets)),
		started:  now,
		deadline: now.Add(e.opts.ReverseTimeout),
	}
	e.reversals[r.id] = r
	e.count("execution.reverse.started")
	logger.Info("close-and-reverse started", "reversal", r.id, "instrument", in.Instrument,
		"direction", in.Direction, "policy", policy, "legs", len(targets))

	for _, p := range targets {
		if e.ledger.IsPendingClose(p.PositionID) {
			// an earlier close is already in flight; wait for it
			r.legs[p.PositionID] = legAwaiting
			continue
		}
		if err := e.closeLeg(p.PositionID, "reverse", r.id); err != nil {
			logger.Warn("reverse close leg not sent", "reversal", r.id, "position", p.PositionID, "err", err)
			r.legs[p.PositionID] = legFailed
			continue
		}
		r.legs[p.PositionID] = legAwaiting
	}
	e.progressReversals()
	return r.id, nil
}

// Reversals is the number of close-and-reverse operations in flight.
func (e *Engine) Reversals() int { return len(e.reversals) }

func (e *Engine) markLeg(positionID string, st legState) {
	for _, r := range e.reversals {
		if cur, ok := r.legs[positionID]; ok && cur == legAwaiting {
			r.legs[positionID] = st
		}
	}
}

// progressReversals resolves legs against the ledger and settles every
// reversal whose legs are all resolved or whose deadline has passed.
func (e *Engine) progressReversals() {
	if len(e.reversals) == 0 {
		return
	}
	now := e.opts.Now()
	ids := make([]string, 0, len(e.reversals))
	for id := range e.reversals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r, ok := e.reversals[id]
		if !ok {
			continue
		}
		for pid, st := range r.legs {
			if st != legAwaiting {
				continue
			}
			if _, open := e.ledger.Get(pid); !open {
				// removed by reconciliation or an unsolicited close fill
				r.legs[pid] = legAdopted
				continue
			}
			if !e.ledger.IsPendingClose(pid) {
				r.legs[pid] = legFailed
			}
		}
		switch {
		case r.resolved():
			e.settleReversal(r, "")
		case !now.Before(r.deadline):
			e.settleReversal(r, "timed out waiting for close confirmations")
		}
	}
}

func (e *Engine) settleReversal(r *reversal, abort string) {
	delete(e.reversals, r.id)
	rep := ReversalReport{
		ID:         r.id,
		Instrument: r.intent.Instrument,
		Direction:  r.intent.Direction,
		Policy:     r.policy,
		SignalID:   r.intent.SignalID,
		Legs:       len(r.legs),
		Started:    r.started,
		At:         e.opts.Now(),
	}
	for _, st := range r.legs {
		switch st {
		case legConfirmed:
			rep.Confirmed++
		case legAdopted:
			rep.Adopted++
		case legFailed:
			rep.Failed++
		default:
			rep.Pending++
		}
	}

	reason := abort
	if reason == "" {
		reason = e.reverseBlocker(r, rep)
	}
	if reason == "" {
		t, err := e.Open(r.intent)
		if err != nil {
			reason = "reverse open refused: " + err.Error()
		} else {
			rep.Opened = true
			rep.Ticket = t.ID
		}
	}
	rep.Reason = reason

	if rep.Opened {
		e.count("execution.reverse.opened")
		logger.Info("close-and-reverse opening", "reversal", r.id, "instrument", rep.Instrument,
			"confirmed", rep.Confirmed, "adopted", rep.Adopted, "failed", rep.Failed)
	} else {
		e.count("execution.reverse.aborted")
		e.fault(monitor.KindTransient, "reverse_aborted", rep.Instrument, reason, map[string]any{
			"reversal":  r.id,
			"legs":      rep.Legs,
			"confirmed": rep.Confirmed,
			"adopted":   rep.Adopted,
			"failed":    rep.Failed,
			"pending":   rep.Pending,
		})
	}
	if e.hooks.OnReversal != nil {
		e.hooks.OnReversal(rep)
	}
}

func (e *Engine) reverseBlocker(r *reversal, rep ReversalReport) string {
	if rep.Confirmed+rep.Adopted == 0 {
		return "no close was confirmed"
	}
	for _, p := range e.ledger.Open(r.intent.Instrument) {
		if p.Direction == r.intent.Direction.Opposite() {
			return fmt.Sprintf("conflicting position %s still open", p.PositionID)
		}
	}
	if e.halted.Load() {
		return ErrHalted.Error()
	}
	return ""
}
