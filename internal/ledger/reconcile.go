package ledger

import (
	"time"

	"intraday/internal/logger"
	"intraday/internal/types"
)

type Action string

const (
	ActionAdopted            Action = "adopted"
	ActionMatchedProvisional Action = "matched_provisional"
	ActionClosedByReconcile  Action = "closed_by_reconcile"
	ActionOrphaned           Action = "orphaned"
	ActionPurged             Action = "purged"
	ActionCorrected          Action = "corrected"
	ActionReinstated         Action = "reinstated"
	ActionProvisionalDropped Action = "provisional_dropped"
)

// Correction is one audit entry of a reconciliation run. Prior is nil for
// adoptions and Current is nil for removals.
type Correction struct {
	Action     Action    `json:"action"`
	PositionID string    `json:"position_id,omitempty"`
	Instrument string    `json:"instrument"`
	Prior      *Position `json:"prior,omitempty"`
	Current    *Position `json:"current,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

type Report struct {
	At          time.Time    `json:"at"`
	BrokerCount int          `json:"broker_count"`
	LocalCount  int          `json:"local_count"`
	Corrections []Correction `json:"corrections"`
}

func (r Report) Changed() bool { return len(r.Corrections) > 0 }

func (r Report) Filter(action Action) []Correction {
	var out []Correction
	for _, c := range r.Corrections {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// Divergent reports corrections that mean the local view was wrong for longer
// than the grace period or disagreed on a live position.
func (r Report) Divergent() bool {
	for _, c := range r.Corrections {
		switch c.Action {
		case ActionPurged, ActionCorrected:
			return true
		}
	}
	return false
}

// Reconcile compares the ledger against the broker's position list and makes
// the confirmed set equal to it. Positions the broker still reports are never
// removed. Local positions the broker no longer reports are removed at once
// when a close was pending, otherwise quarantined as orphans until the grace
// period runs out.
func (l *Ledger) Reconcile(broker []Position) Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opts.Now()
	rep := Report{At: now, BrokerCount: len(broker), LocalCount: len(l.positions)}
	record := func(c Correction) {
		c.At = now
		rep.Corrections = append(rep.Corrections, c)
	}

	seen := make(map[string]struct{}, len(broker))
	for _, bp := range broker {
		if bp.PositionID == "" {
			logger.Warn("ledger: broker position without id ignored", "instrument", bp.Instrument)
			continue
		}
		bp.Instrument = types.NormalizeInstrument(bp.Instrument)
		bp.Provisional = false
		bp.Restored = false
		seen[bp.PositionID] = struct{}{}

		if local, ok := l.positions[bp.PositionID]; ok {
			prior := *local
			changed := false
			if bp.Direction.Valid() && bp.Direction != local.Direction {
				local.Direction = bp.Direction
				changed = true
			}
			if bp.Size > 0 && sizeDiffers(bp.Size, local.Size) {
				local.Size = bp.Size
				changed = true
			}
			if bp.EntryPrice > 0 && sizeDiffers(bp.EntryPrice, local.EntryPrice) {
				local.EntryPrice = bp.EntryPrice
				changed = true
			}
			if bp.Stop > 0 && sizeDiffers(bp.Stop, local.Stop) {
				local.Stop = bp.Stop
			}
			if bp.Target > 0 && sizeDiffers(bp.Target, local.Target) {
				local.Target = bp.Target
			}
			if local.Restored {
				local.Restored = false
				if !bp.OpenedAt.IsZero() {
					local.OpenedAt = bp.OpenedAt
				}
			}
			if changed && !prior.Restored {
				cur := *local
				record(Correction{Action: ActionCorrected, PositionID: bp.PositionID, Instrument: local.Instrument,
					Prior: &prior, Current: &cur, Reason: "broker state differs"})
			}
			continue
		}

		if o, ok := l.orphans[bp.PositionID]; ok {
			prior := o.Position
			pos := mergeBroker(o.Position, bp)
			delete(l.orphans, bp.PositionID)
			l.positions[bp.PositionID] = &pos
			cur := pos
			record(Correction{Action: ActionReinstated, PositionID: bp.PositionID, Instrument: pos.Instrument,
				Prior: &prior, Current: &cur, Reason: "reported again by broker"})
			continue
		}

		if bp.OpenedAt.IsZero() {
			bp.OpenedAt = now
		}
		if held, ok := l.provisional[bp.Instrument]; ok && held.Direction == bp.Direction {
			prior := *held
			pos := bp
			pos.Ticket = held.Ticket
			pos.SignalID = held.SignalID
			if pos.Stop == 0 {
				pos.Stop = held.Stop
			}
			if pos.Target == 0 {
				pos.Target = held.Target
			}
			delete(l.provisional, bp.Instrument)
			l.positions[bp.PositionID] = &pos
			l.resolved[held.Ticket] = resolution{positionID: bp.PositionID, at: now}
			cur := pos
			record(Correction{Action: ActionMatchedProvisional, PositionID: bp.PositionID, Instrument: pos.Instrument,
				Prior: &prior, Current: &cur, Reason: "open confirmed via reconciliation"})
			continue
		}

		pos := bp
		l.positions[bp.PositionID] = &pos
		cur := pos
		record(Correction{Action: ActionAdopted, PositionID: bp.PositionID, Instrument: pos.Instrument,
			Current: &cur, Reason: "unknown locally"})
	}

	for id, local := range l.positions {
		if _, ok := seen[id]; ok {
			continue
		}
		prior := *local
		delete(l.positions, id)
		if _, pending := l.pending[id]; pending {
			delete(l.pending, id)
			l.closed[id] = now
			l.recent = append(l.recent, ClosedPosition{Position: prior, ClosedAt: now, Reason: "adopted via reconciliation"})
			record(Correction{Action: ActionClosedByReconcile, PositionID: id, Instrument: prior.Instrument,
				Prior: &prior, Reason: "adopted via reconciliation"})
			continue
		}
		l.orphans[id] = &Orphan{Position: prior, Since: now}
		record(Correction{Action: ActionOrphaned, PositionID: id, Instrument: prior.Instrument,
			Prior: &prior, Reason: "absent from broker"})
	}
	if over := len(l.recent) - l.opts.CloseHistory; over > 0 {
		l.recent = append([]ClosedPosition(nil), l.recent[over:]...)
	}

	for id, o := range l.orphans {
		if _, ok := seen[id]; ok {
			continue
		}
		if now.Sub(o.Since) < l.opts.OrphanGrace {
			continue
		}
		prior := o.Position
		delete(l.orphans, id)
		l.closed[id] = now
		record(Correction{Action: ActionPurged, PositionID: id, Instrument: prior.Instrument,
			Prior: &prior, Reason: "absent beyond grace period"})
	}

	for instrument, held := range l.provisional {
		if now.Sub(held.OpenedAt) < l.opts.ProvisionalTTL {
			continue
		}
		prior := *held
		delete(l.provisional, instrument)
		record(Correction{Action: ActionProvisionalDropped, Instrument: instrument,
			Prior: &prior, Reason: "no confirmation and not reported by broker"})
	}

	l.pruneLocked(now)
	l.lastReconcile = now
	if rep.Changed() {
		l.version++
	}
	for _, c := range rep.Corrections {
		logCorrection(c)
	}
	return rep
}

func (l *Ledger) pruneLocked(now time.Time) {
	for id, r := range l.resolved {
		if now.Sub(r.at) > resolvedRetention {
			delete(l.resolved, id)
		}
	}
	for id, at := range l.closed {
		if now.Sub(at) > resolvedRetention {
			delete(l.closed, id)
		}
	}
}

func mergeBroker(local, bp Position) Position {
	out := bp
	out.Ticket = local.Ticket
	out.SignalID = local.SignalID
	if out.OpenedAt.IsZero() {
		out.OpenedAt = local.OpenedAt
	}
	if out.Stop == 0 {
		out.Stop = local.Stop
	}
	if out.Target == 0 {
		out.Target = local.Target
	}
	return out
}

func logCorrection(c Correction) {
	kv := []any{"action", string(c.Action), "position_id", c.PositionID, "instrument", c.Instrument, "reason", c.Reason}
	if c.Prior != nil {
		kv = append(kv, "prior_size", c.Prior.Size, "prior_entry", c.Prior.EntryPrice, "prior_direction", c.Prior.Direction.String())
	}
	if c.Current != nil {
		kv = append(kv, "size", c.Current.Size, "entry", c.Current.EntryPrice, "direction", c.Current.Direction.String())
	}
	switch c.Action {
	case ActionPurged, ActionCorrected, ActionOrphaned:
		logger.Warn("ledger reconciliation", kv...)
	default:
		logger.Info("ledger reconciliation", kv...)
	}
}
