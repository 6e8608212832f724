package execution

import (
	"context"

	"intraday/internal/gateway/broker"
	"intraday/internal/gateway/notifier"
	"intraday/internal/ledger"
	"intraday/internal/logger"
	"intraday/internal/monitor"
)

const codePositionNotFound = "position_not_found"

// Close marks positionID as closing and sends the close request. The
// position stays in the ledger until a confirmation or reconciliation
// removes it.
func (e *Engine) Close(positionID, reason string) error {
	if e.halted.Load() {
		return ErrHalted
	}
	return e.closeLeg(positionID, reason, "")
}

func (e *Engine) closeLeg(positionID, reason, reversalID string) error {
	if _, err := e.ledger.MarkPendingClose(positionID, reason); err != nil {
		return err
	}
	pos, _ := e.ledger.Get(positionID)
	e.count("execution.close.sent")
	logger.Info("close requested", "position", positionID, "instrument", pos.Instrument, "reason", reason, "reversal", reversalID)

	req := broker.Request{
		Kind:       broker.RequestClose,
		Instrument: pos.Instrument,
		PositionID: positionID,
		Tag:        reason,
	}
	e.spawn(func(ctx context.Context) {
		res := CloseResult{PositionID: positionID, Instrument: pos.Instrument, Reason: reason, ReversalID: reversalID}
		id, attempts, err := e.send(ctx, req)
		res.Attempts = attempts
		if err != nil {
			res.Outcome = OutcomeSendFailed
			res.Err = err
		} else {
			e.remember(id, corrRef{kind: broker.RequestClose, positionID: positionID, reversalID: reversalID})
			res.CorrelationID = id
			resp, aerr := e.transport.AwaitResponse(ctx, id, e.opts.ResponseTimeout)
			res.Response = resp
			res.Err = aerr
			res.Outcome = classify(resp, aerr)
		}
		res.At = e.opts.Now()
		e.publish(KindCloseResult, pos.Instrument, res)
	})
	return nil
}

// ApplyCloseResult folds a close answer into the ledger.
func (e *Engine) ApplyCloseResult(r CloseResult) {
	fields := map[string]any{"position": r.PositionID, "attempts": r.Attempts}
	switch r.Outcome {
	case OutcomeConfirmed:
		e.breaker.RecordSuccess()
		e.forget(r.CorrelationID)
		e.confirmClose(r.PositionID, ledger.CloseOutcome{
			FillPrice:   r.Response.FillPrice,
			RealizedPnL: r.Response.RealizedPnL,
			Reason:      r.Reason,
			At:          r.At,
		})
	case OutcomeRejected:
		e.breaker.RecordSuccess()
		e.forget(r.CorrelationID)
		if r.Response.Err != nil && r.Response.Err.Code == codePositionNotFound {
			// already gone broker-side; reconciliation removes it
			e.count("execution.close.not_found")
			e.requestReconcile("close target not found")
			break
		}
		e.ledger.ClearPendingClose(r.PositionID)
		e.markLeg(r.PositionID, legFailed)
		e.count("execution.close.rejected")
		e.fault(monitor.KindTransient, "close_rejected", r.Instrument, errText(r.Response, r.Err), fields)
	case OutcomeFatal:
		e.forget(r.CorrelationID)
		e.ledger.ClearPendingClose(r.PositionID)
		e.markLeg(r.PositionID, legFailed)
		e.Halt(errText(r.Response, r.Err))
	case OutcomeSendFailed:
		e.breaker.RecordFailure()
		e.ledger.ClearPendingClose(r.PositionID)
		e.markLeg(r.PositionID, legFailed)
		e.fault(monitor.KindTransient, "send_failed", r.Instrument, errText(r.Response, r.Err), fields)
	case OutcomeTimeout:
		e.count("execution.close.timeout")
		e.fault(monitor.KindTransient, "close_timeout", r.Instrument, "close confirmation timed out", fields)
		e.requestReconcile("close timeout")
	case OutcomeAborted:
		logger.Warn("close wait aborted", "position", r.PositionID, "err", errText(r.Response, r.Err))
	}
	e.progressReversals()
}

func (e *Engine) confirmClose(positionID string, out ledger.CloseOutcome) {
	closed, ok := e.ledger.ConfirmClose(positionID, out)
	e.markLeg(positionID, legConfirmed)
	if !ok {
		e.count("execution.close.duplicate")
		return
	}
	e.count("execution.close.confirmed")
	e.trade(notifier.TradeEvent{
		Action:     "平仓成交",
		Instrument: closed.Instrument,
		Direction:  string(closed.Direction),
		Size:       closed.Size,
		Price:      closed.ExitPrice,
		PositionID: closed.PositionID,
		PnL:        closed.RealizedPnL,
		Reason:     closed.Reason,
		At:         closed.ClosedAt,
	})
}
