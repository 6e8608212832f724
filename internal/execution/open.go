package execution

import (
	"context"
	"errors"

	"intraday/internal/gateway/broker"
	"intraday/internal/gateway/notifier"
	"intraday/internal/ledger"
	"intraday/internal/logger"
	"intraday/internal/monitor"
)

// Open reserves the instrument in the ledger and sends the open request.
// The answer is applied by ApplyOpenResult on a later loop iteration.
func (e *Engine) Open(in ledger.Intent) (ledger.Ticket, error) {
	if e.halted.Load() {
		return ledger.Ticket{}, ErrHalted
	}
	if !e.breaker.Allow() {
		e.count("execution.open.circuit_open")
		return ledger.Ticket{}, ErrCircuitOpen
	}
	t, err := e.ledger.MarkProvisional(in)
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			e.fault(monitor.KindConflict, "provisional", in.Instrument, err.Error(), nil)
		}
		return ledger.Ticket{}, err
	}
	e.opens[t.ID] = &openOp{ticket: t, started: e.opts.Now()}
	e.count("execution.open.sent")
	logger.Info("open requested", "instrument", t.Instrument, "direction", t.Direction, "size", t.Size, "ticket", t.ID)

	req := broker.Request{
		Kind:       broker.RequestOpen,
		Instrument: t.Instrument,
		Direction:  t.Direction,
		Size:       t.Size,
		Stop:       t.Stop,
		Target:     t.Target,
		Tag:        t.ID,
	}
	e.spawn(func(ctx context.Context) {
		res := OpenResult{Ticket: t}
		id, attempts, err := e.send(ctx, req)
		res.Attempts = attempts
		if err != nil {
			res.Outcome = OutcomeSendFailed
			res.Err = err
		} else {
			e.remember(id, corrRef{kind: broker.RequestOpen, ticket: t})
			res.CorrelationID = id
			resp, aerr := e.transport.AwaitResponse(ctx, id, e.opts.ResponseTimeout)
			res.Response = resp
			res.Err = aerr
			res.Outcome = classify(resp, aerr)
		}
		res.At = e.opts.Now()
		e.publish(KindOpenResult, t.Instrument, res)
	})
	return t, nil
}

// ApplyOpenResult folds an open answer into the ledger. A timeout keeps the
// provisional entry; only the broker's position list may resolve it.
func (e *Engine) ApplyOpenResult(r OpenResult) {
	t := r.Ticket
	fields := map[string]any{"ticket": t.ID, "attempts": r.Attempts}
	switch r.Outcome {
	case OutcomeConfirmed:
		e.breaker.RecordSuccess()
		e.forget(r.CorrelationID)
		delete(e.opens, t.ID)
		pos, err := e.ledger.ConfirmOpen(t, r.Response.PositionID, r.Response.FillPrice)
		if err != nil {
			e.fault(monitor.KindTransient, "open_confirm", t.Instrument, err.Error(), fields)
			e.requestReconcile("unusable open confirmation")
			break
		}
		e.count("execution.open.confirmed")
		e.trade(notifier.TradeEvent{
			Action:     "开仓成交",
			Instrument: pos.Instrument,
			Direction:  string(pos.Direction),
			Size:       pos.Size,
			Price:      pos.EntryPrice,
			PositionID: pos.PositionID,
			At:         r.At,
		})
	case OutcomeRejected:
		e.breaker.RecordSuccess()
		e.forget(r.CorrelationID)
		delete(e.opens, t.ID)
		e.ledger.RollbackProvisional(t)
		e.count("execution.open.rejected")
		e.fault(monitor.KindTransient, "open_rejected", t.Instrument, errText(r.Response, r.Err), fields)
	case OutcomeFatal:
		e.forget(r.CorrelationID)
		delete(e.opens, t.ID)
		e.ledger.RollbackProvisional(t)
		e.Halt(errText(r.Response, r.Err))
	case OutcomeSendFailed:
		e.breaker.RecordFailure()
		delete(e.opens, t.ID)
		e.ledger.RollbackProvisional(t)
		e.fault(monitor.KindTransient, "send_failed", t.Instrument, errText(r.Response, r.Err), fields)
	case OutcomeTimeout:
		e.count("execution.open.timeout")
		e.fault(monitor.KindTransient, "open_timeout", t.Instrument, "open confirmation timed out", fields)
		e.requestReconcile("open timeout")
	case OutcomeAborted:
		logger.Warn("open wait aborted", "instrument", t.Instrument, "ticket", t.ID, "err", errText(r.Response, r.Err))
	}
	e.progressReversals()
}

// pruneOpens forgets timed-out opens whose provisional entry has been
// resolved or dropped by reconciliation.
func (e *Engine) pruneOpens() {
	for id, op := range e.opens {
		held, ok := e.ledger.Provisional(op.ticket.Instrument)
		if ok && held.Ticket == id {
			continue
		}
		delete(e.opens, id)
	}
}
