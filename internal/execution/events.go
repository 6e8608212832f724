package execution

import (
	"time"

	"intraday/internal/bridge"
	"intraday/internal/gateway/broker"
	"intraday/internal/ledger"
	"intraday/internal/types"
)

const (
	KindTick         bridge.Kind = "tick"
	KindBroker       bridge.Kind = "broker"
	KindOpenResult   bridge.Kind = "open_result"
	KindCloseResult  bridge.Kind = "close_result"
	KindPositions    bridge.Kind = "positions_result"
	KindReconcileDue bridge.Kind = "reconcile_due"
)

type Outcome string

const (
	OutcomeConfirmed  Outcome = "confirmed"
	OutcomeRejected   Outcome = "rejected"
	OutcomeFatal      Outcome = "fatal"
	OutcomeSendFailed Outcome = "send_failed"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeAborted    Outcome = "aborted"
)

// Tick is the payload of KindTick events.
type Tick struct {
	Price float64
	Bid   float64
	Ask   float64
}

type OpenResult struct {
	Ticket        ledger.Ticket
	CorrelationID string
	Outcome       Outcome
	Response      broker.Response
	Err           error
	Attempts      int
	At            time.Time
}

type CloseResult struct {
	PositionID    string
	Instrument    string
	Reason        string
	ReversalID    string
	CorrelationID string
	Outcome       Outcome
	Response      broker.Response
	Err           error
	Attempts      int
	At            time.Time
}

type PositionsResult struct {
	CorrelationID string
	Reason        string
	Outcome       Outcome
	Positions     []broker.PositionReport
	Balance       float64
	Err           error
	At            time.Time
}

// Pump forwards transport push events into the bridge. Ticks go to the
// market-data queue, everything else to the critical queue.
func Pump(t broker.Transport, b *bridge.Bridge) {
	t.OnEvent(func(evt broker.PushEvent) {
		at := evt.At
		if at.IsZero() {
			at = time.Now()
		}
		evt.Instrument = types.NormalizeInstrument(evt.Instrument)
		if !evt.Critical() {
			b.Publish(bridge.Event{
				Kind:       KindTick,
				Instrument: evt.Instrument,
				At:         at,
				Payload:    Tick{Price: evt.Price, Bid: evt.Bid, Ask: evt.Ask},
			}, bridge.ClassMarketData)
			return
		}
		b.Publish(bridge.Event{Kind: KindBroker, Instrument: evt.Instrument, At: at, Payload: evt}, bridge.ClassCritical)
	})
}

func classify(resp broker.Response, err error) Outcome {
	switch {
	case err != nil && isTimeout(err):
		return OutcomeTimeout
	case err != nil:
		return OutcomeAborted
	case resp.Err != nil && resp.Err.Fatal():
		return OutcomeFatal
	case resp.Err != nil || !resp.OK:
		return OutcomeRejected
	default:
		return OutcomeConfirmed
	}
}
