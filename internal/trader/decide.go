package trader

import (
	"errors"
	"fmt"

	"intraday/internal/execution"
	"intraday/internal/ledger"
	"intraday/internal/logger"
	"intraday/internal/pkg/trading"
	"intraday/internal/settings"
	"intraday/internal/signal"
)

var errRiskCap = errors.New("trader: risk cap reached")

// decide acts on the best triggered signal of each instrument. Signals that
// cannot be acted on right now stay TRIGGERED and are retried next pass
// until their window closes.
func (t *Trader) decide() {
	if !t.autoTrading {
		return
	}
	if halted, _ := t.engine.Halted(); halted {
		return
	}
	seen := make(map[string]struct{})
	for _, rec := range t.signals.Triggered("") {
		instrument := rec.Signal.Instrument
		if _, ok := seen[instrument]; ok {
			continue
		}
		seen[instrument] = struct{}{}
		t.act(rec.Signal)
	}
}

func (t *Trader) act(sig signal.Signal) {
	if t.engine.Busy(sig.Instrument) {
		t.recorder.Incr("trader.decide.busy", 1)
		return
	}
	snap := t.ledger.Snapshot()
	var same, opposite int
	for _, p := range snap.Held(sig.Instrument) {
		if p.Direction == sig.Direction {
			same++
		} else {
			opposite++
		}
	}

	switch {
	case opposite > 0:
		if !t.settings.GetBool(settings.ReverseEnabled) {
			t.cancel(sig, "opposite position open and reversal disabled")
			return
		}
		if snap.Orphaned(sig.Instrument) {
			// an orphan cannot be closed until the broker reports it again
			t.recorder.Incr("trader.decide.orphan_wait", 1)
			return
		}
		intent, err := t.intent(sig, true)
		if err != nil {
			t.hold(sig, err)
			return
		}
		policy := execution.ReverseInstrument
		if int(t.settings.GetNumber(settings.ConflictPolicy)) == settings.PolicyAccount {
			policy = execution.ReverseAccount
		}
		id, err := t.engine.CloseAndReverse(intent, policy)
		if err != nil {
			t.submitFailed(sig, err)
			return
		}
		logger.Infof("Trader: signal %s started reversal %s on %s (%s)", sig.ID, id, sig.Instrument, policy)
		// settled by onReversal once the reverse open is sent or abandoned
		if err := t.signals.Reserve(sig.ID); err != nil && !errors.Is(err, signal.ErrTerminal) {
			logger.Warnf("Trader: reserve signal %s: %v", sig.ID, err)
		}
	case same > 0 && !t.settings.GetBool(settings.AllowScaling):
		t.cancel(sig, "position already open and scaling disabled")
	default:
		intent, err := t.intent(sig, false)
		if err != nil {
			t.hold(sig, err)
			return
		}
		ticket, err := t.engine.Open(intent)
		if err != nil {
			t.submitFailed(sig, err)
			return
		}
		logger.Infof("Trader: signal %s submitted %s %s size=%.4f ticket=%s", sig.ID, sig.Direction, sig.Instrument, intent.Size, ticket.ID)
		t.executed(sig.ID, sig.Instrument)
	}
}

// intent sizes sig and checks it against the account caps. Orphans count
// until purged. A reversal does not count the positions it is about to
// close.
func (t *Trader) intent(sig signal.Signal, reversing bool) (ledger.Intent, error) {
	balance := t.engine.Balance()
	if balance <= 0 {
		balance = t.opts.FallbackBalance
	}
	size, err := trading.RiskSize(balance, t.settings.GetNumber(settings.RiskPct), sig.Entry, sig.Stop, t.opts.Sizing)
	if err != nil {
		return ledger.Intent{}, err
	}

	snap := t.ledger.Snapshot()
	held := snap.Held("")
	positions := held
	if reversing {
		positions = positions[:0:0]
		for _, p := range held {
			if p.Instrument != sig.Instrument {
				positions = append(positions, p)
			}
		}
	}
	if maxOpen := int(t.settings.GetNumber(settings.MaxOpenPositions)); maxOpen > 0 && !reversing {
		if n := len(held) + len(snap.Provisional); n >= maxOpen {
			return ledger.Intent{}, fmt.Errorf("%w: %d of %d positions open", errRiskCap, n, maxOpen)
		}
	}
	if maxExposure := t.settings.GetNumber(settings.MaxExposurePct); maxExposure > 0 {
		risk := ledger.ComputeRisk(positions, balance)
		if after := trading.ExposureAfter(balance, risk.Notional, size, sig.Entry); after > maxExposure {
			return ledger.Intent{}, fmt.Errorf("%w: exposure %.1f%% above %.1f%%", errRiskCap, after, maxExposure)
		}
	}
	return ledger.Intent{
		Instrument: sig.Instrument,
		Direction:  sig.Direction,
		Size:       size,
		Stop:       sig.Stop,
		Target:     sig.Target,
		SignalID:   sig.ID,
	}, nil
}

// executed records the decision and retires the other live signals of the
// instrument so they cannot fire into the new position.
func (t *Trader) executed(id, instrument string) {
	if _, err := t.signals.MarkExecuted(id); err != nil {
		logger.Warnf("Trader: mark signal %s executed: %v", id, err)
	}
	t.signals.CancelInstrument(instrument, "superseded by signal "+id, id)
	t.recorder.Incr("trader.decide.executed", 1)
}

func (t *Trader) cancel(sig signal.Signal, reason string) {
	if _, err := t.signals.Cancel(sig.ID, reason); err != nil {
		logger.Warnf("Trader: cancel signal %s: %v", sig.ID, err)
		return
	}
	t.recorder.Incr("trader.decide.cancelled", 1)
	logger.Infof("Trader: signal %s on %s cancelled: %s", sig.ID, sig.Instrument, reason)
}

// hold leaves the signal triggered. Sizing and caps may clear once the
// balance arrives or a position closes.
func (t *Trader) hold(sig signal.Signal, err error) {
	switch {
	case errors.Is(err, errRiskCap):
		t.recorder.Incr("trader.decide.capped", 1)
	case errors.Is(err, trading.ErrNoRiskBudget):
		t.recorder.Incr("trader.decide.no_budget", 1)
	default:
		t.cancel(sig, err.Error())
	}
}

func (t *Trader) submitFailed(sig signal.Signal, err error) {
	switch {
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, execution.ErrReverseInFlight),
		errors.Is(err, execution.ErrNothingToClose),
		errors.Is(err, execution.ErrHalted),
		errors.Is(err, execution.ErrCircuitOpen):
		t.recorder.Incr("trader.decide.deferred", 1)
	default:
		t.cancel(sig, err.Error())
	}
}
