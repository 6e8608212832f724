package execution

import (
	"context"

	"intraday/internal/gateway/broker"
	"intraday/internal/ledger"
	"intraday/internal/logger"
	"intraday/internal/monitor"
	"intraday/internal/types"
)

// RequestPositions asks the broker for its position list. Only one request
// is in flight at a time; it reports false when one already was.
func (e *Engine) RequestPositions(reason string) bool {
	if e.reconcileInFlight {
		e.count("execution.reconcile.coalesced")
		return false
	}
	e.reconcileInFlight = true
	e.count("execution.reconcile.requested")
	logger.Debugf("execution: positions requested (%s)", reason)
	e.spawn(func(ctx context.Context) {
		res := PositionsResult{Reason: reason}
		id, _, err := e.send(ctx, broker.Request{Kind: broker.RequestPositions, Tag: reason})
		if err != nil {
			res.Outcome = OutcomeSendFailed
			res.Err = err
		} else {
			e.remember(id, corrRef{kind: broker.RequestPositions})
			res.CorrelationID = id
			resp, aerr := e.transport.AwaitResponse(ctx, id, e.opts.ResponseTimeout)
			res.Err = aerr
			res.Outcome = classify(resp, aerr)
			res.Positions = resp.Positions
			res.Balance = resp.Balance
			if resp.Err != nil && res.Err == nil {
				res.Err = resp.Err
			}
		}
		res.At = e.opts.Now()
		e.publish(KindPositions, "", res)
	})
	return true
}

// ReconcileInFlight reports whether a positions request is outstanding.
func (e *Engine) ReconcileInFlight() bool { return e.reconcileInFlight }

// ApplyPositions reconciles the ledger against a positions answer.
func (e *Engine) ApplyPositions(r PositionsResult) {
	e.reconcileInFlight = false
	if r.Outcome != OutcomeConfirmed {
		if r.Outcome != OutcomeTimeout {
			e.forget(r.CorrelationID)
		}
		e.fault(monitor.KindTransient, "reconcile_failed", "", "positions request "+string(r.Outcome),
			map[string]any{"reason": r.Reason, "err": errString(r.Err)})
		if r.Outcome == OutcomeFatal {
			e.Halt(errString(r.Err))
		}
		return
	}
	e.forget(r.CorrelationID)
	e.balance.Store(r.Balance)

	positions := make([]ledger.Position, 0, len(r.Positions))
	for _, p := range r.Positions {
		positions = append(positions, ledger.Position{
			PositionID: p.PositionID,
			Instrument: types.NormalizeInstrument(p.Instrument),
			Direction:  p.Direction,
			Size:       p.Size,
			EntryPrice: p.EntryPrice,
			Stop:       p.Stop,
			Target:     p.Target,
			OpenedAt:   p.OpenedAt,
		})
	}
	rep := e.ledger.Reconcile(positions)
	e.count("execution.reconcile.applied")
	if rep.Divergent() {
		e.fault(monitor.KindDivergence, "reconcile", "", "local positions diverged from broker", map[string]any{
			"reason":      r.Reason,
			"corrections": len(rep.Corrections),
			"broker":      rep.BrokerCount,
			"local":       rep.LocalCount,
		})
	}
	if e.hooks.OnReconcile != nil {
		e.hooks.OnReconcile(rep)
	}
	e.pruneOpens()
	e.progressReversals()
}

// ApplyPush handles unsolicited broker events and late responses.
func (e *Engine) ApplyPush(evt broker.PushEvent) {
	switch evt.Kind {
	case broker.PushCloseFill:
		e.count("execution.push.close_fill")
		e.confirmClose(evt.PositionID, ledger.CloseOutcome{
			FillPrice:   evt.FillPrice,
			RealizedPnL: evt.RealizedPnL,
			Reason:      "broker",
			At:          evt.At,
		})
	case broker.PushFill:
		e.count("execution.push.fill")
		e.requestReconcile("unsolicited fill")
	case broker.PushRejection, broker.PushError:
		msg := evt.Err.Error()
		if msg == "" {
			msg = string(evt.Kind)
		}
		if evt.Err.Fatal() {
			e.Halt(msg)
			break
		}
		e.fault(monitor.KindTransient, string(evt.Kind), evt.Instrument, msg, nil)
	case broker.PushDisconnected:
		e.fault(monitor.KindTransient, "disconnected", "", "broker connection lost", nil)
	case broker.PushReconnected:
		e.count("execution.push.reconnected")
		e.requestReconcile("reconnected")
	case broker.PushLateResponse:
		e.applyLate(evt.Response)
	}
	e.progressReversals()
}

// applyLate routes a response that arrived after its wait had timed out.
// It is valid data and is applied like an on-time answer.
func (e *Engine) applyLate(resp *broker.Response) {
	if resp == nil {
		return
	}
	e.count("execution.late_response")
	ref, ok := e.lookup(resp.CorrelationID)
	if !ok {
		logger.Warn("late response with unknown correlation id", "correlation_id", resp.CorrelationID, "kind", resp.Kind)
		e.requestReconcile("unknown late response")
		return
	}
	now := e.opts.Now()
	switch ref.kind {
	case broker.RequestOpen:
		e.ApplyOpenResult(OpenResult{
			Ticket:        ref.ticket,
			CorrelationID: resp.CorrelationID,
			Outcome:       classify(*resp, nil),
			Response:      *resp,
			At:            now,
		})
	case broker.RequestClose:
		e.ApplyCloseResult(CloseResult{
			PositionID:    ref.positionID,
			Instrument:    resp.Instrument,
			Reason:        "late",
			ReversalID:    ref.reversalID,
			CorrelationID: resp.CorrelationID,
			Outcome:       classify(*resp, nil),
			Response:      *resp,
			At:            now,
		})
	default:
		// a stale position list could hide opens confirmed since; ask again
		e.forget(resp.CorrelationID)
		e.requestReconcile("late positions response")
	}
}

// Sweep settles reversals past their deadline. The loop calls it every
// iteration.
func (e *Engine) Sweep() {
	e.progressReversals()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
