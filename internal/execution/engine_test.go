package execution

import (
	"context"
	"testing"
	"time"

	"intraday/internal/bridge"
	"intraday/internal/gateway/broker"
	"intraday/internal/ledger"
	"intraday/internal/monitor"
	"intraday/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t          *testing.T
	paper      *broker.Paper
	bridge     *bridge.Bridge
	ledger     *ledger.Ledger
	rec        *monitor.Recorder
	engine     *Engine
	reversals  []ReversalReport
	reconciles []ledger.Report
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.ResponseTimeout == 0 {
		opts.ResponseTimeout = 2 * time.Second
	}
	if opts.RetryMin == 0 {
		opts.RetryMin = time.Millisecond
		opts.RetryMax = 5 * time.Millisecond
	}
	p := broker.NewPaper(10000, 0)
	require.NoError(t, p.Connect(context.Background()))
	p.SetPrice("NAS100", 15000)
	p.SetPrice("GER40", 18000)

	h := &harness{
		t:      t,
		paper:  p,
		bridge: bridge.New(bridge.Options{}),
		ledger: ledger.New(ledger.Options{}),
		rec:    monitor.NewRecorder(monitor.Options{}),
	}
	h.engine = NewEngine(p, h.ledger, h.bridge, h.rec, nil, opts)
	h.engine.SetHooks(Hooks{
		OnReversal:  func(r ReversalReport) { h.reversals = append(h.reversals, r) },
		OnReconcile: func(r ledger.Report) { h.reconciles = append(h.reconciles, r) },
	})
	Pump(p, h.bridge)

	ctx, cancel := context.WithCancel(context.Background())
	h.engine.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.engine.Wait()
		_ = p.Close()
	})
	return h
}

// run drains the bridge into the engine until cond holds or time runs out.
func (h *harness) run(cond func() bool) bool {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, evt := range h.bridge.Drain() {
			h.engine.Handle(evt)
		}
		if cond() {
			return true
		}
		select {
		case <-h.bridge.Wake():
		case <-time.After(10 * time.Millisecond):
		}
	}
	return cond()
}

func (h *harness) settle(d time.Duration) {
	end := time.Now().Add(d)
	h.run(func() bool { return time.Now().After(end) })
}

func (h *harness) openConfirmed(instrument string, dir types.Direction) ledger.Position {
	h.t.Helper()
	before := len(h.ledger.Open(instrument))
	_, err := h.engine.Open(ledger.Intent{Instrument: instrument, Direction: dir, Size: 1})
	require.NoError(h.t, err)
	require.True(h.t, h.run(func() bool {
		return len(h.ledger.Open(instrument)) == before+1 && h.ledger.ProvisionalCount() == 0
	}))
	open := h.ledger.Open(instrument)
	return open[len(open)-1]
}

func countKind(reqs []broker.Request, kind broker.RequestKind) int {
	n := 0
	for _, r := range reqs {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func TestOpenConfirmed(t *testing.T) {
	h := newHarness(t, Options{})
	ticket, err := h.engine.Open(ledger.Intent{Instrument: "nas100", Direction: types.Long, Size: 2, Stop: 14900})
	require.NoError(t, err)
	assert.Equal(t, "NAS100", ticket.Instrument)
	assert.True(t, h.engine.Busy("NAS100"))
	assert.Equal(t, 0, h.ledger.OpenCount())

	require.True(t, h.run(func() bool { return h.ledger.OpenCount() == 1 }))
	pos := h.ledger.Open("NAS100")[0]
	assert.Equal(t, 15000.0, pos.EntryPrice)
	assert.Equal(t, 2.0, pos.Size)
	assert.Equal(t, 14900.0, pos.Stop)
	assert.Equal(t, 0, h.ledger.ProvisionalCount())
	assert.False(t, h.engine.Busy("NAS100"))
	assert.Equal(t, 0, h.engine.PendingOpens())
	id, ok := h.ledger.Resolved(ticket.ID)
	require.True(t, ok)
	assert.Equal(t, pos.PositionID, id)
}

func TestOpenConflictWhileProvisional(t *testing.T) {
	h := newHarness(t, Options{})
	h.paper.Hold()
	_, err := h.engine.Open(ledger.Intent{Instrument: "NAS100", Direction: types.Long, Size: 1})
	require.NoError(t, err)
	_, err = h.engine.Open(ledger.Intent{Instrument: "NAS100", Direction: types.Short, Size: 1})
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.Equal(t, uint64(1), h.rec.Count("fault.conflict.provisional"))

	_, err = h.engine.Open(ledger.Intent{Instrument: "GER40", Direction: types.Short, Size: 1})
	assert.NoError(t, err)
	h.paper.Release(false)
	require.True(t, h.run(func() bool { return h.ledger.OpenCount() == 2 }))
	assert.Equal(t, 2, countKind(h.paper.Sent(), broker.RequestOpen))
}

func TestOpenRejectedRollsBack(t *testing.T) {
	h := newHarness(t, Options{})
	h.paper.RejectOrders("insufficient_margin")
	_, err := h.engine.Open(ledger.Intent{Instrument: "NAS100", Direction: types.Long, Size: 1})
	require.NoError(t, err)
	require.True(t, h.run(func() bool { return h.ledger.ProvisionalCount() == 0 }))
	assert.Equal(t, 0, h.ledger.OpenCount())
	assert.Equal(t, 0, h.engine.PendingOpens())
	assert.Equal(t, uint64(1), h.rec.Count("fault.transient.open_rejected"))
	assert.Equal(t, "CLOSED", h.engine.Breaker().String())
}

func TestSendFailuresRetriedThenRolledBack(t *testing.T) {
	h := newHarness(t, Options{SendAttempts: 3, BreakerThreshold: 1, BreakerCooldown: time.Hour})
	h.paper.FailNextSends(2)
	h.openConfirmed("NAS100", types.Long)

	h.paper.FailNextSends(3)
	_, err := h.engine.Open(ledger.Intent{Instrument: "GER40", Direction: types.Long, Size: 1})
	require.NoError(t, err)
	require.True(t, h.run(func() bool { return h.ledger.ProvisionalCount() == 0 }))
	assert.Empty(t, h.ledger.Open("GER40"))
	assert.Equal(t, uint64(1), h.rec.Count("fault.transient.send_failed"))

	_, err = h.engine.Open(ledger.Intent{Instrument: "GER40", Direction: types.Long, Size: 1})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, h.ledger.ProvisionalCount())
}

func TestOpenTimeoutResolvedByReconcile(t *testing.T) {
	h := newHarness(t, Options{ResponseTimeout: 50 * time.Millisecond})
	h.paper.SuppressResponses(broker.RequestOpen, 1)
	_, err := h.engine.Open(ledger.Intent{Instrument: "NAS100", Direction: types.Long, Size: 1})
	require.NoError(t, err)

	require.True(t, h.run(func() bool {
		return h.ledger.OpenCount() == 1 && h.ledger.ProvisionalCount() == 0
	}))
	assert.Equal(t, uint64(1), h.rec.Count("execution.open.timeout"))
	require.NotEmpty(t, h.reconciles)
	assert.Len(t, h.reconciles[0].Filter(ledger.ActionMatchedProvisional), 1)
	assert.Equal(t, 10000.0, h.engine.Balance())
}

func TestLateOpenResponseIsApplied(t *testing.T) {
	h := newHarness(t, Options{ResponseTimeout: 50 * time.Millisecond})
	h.paper.Hold()
	_, err := h.engine.Open(ledger.Intent{Instrument: "NAS100", Direction: types.Long, Size: 1})
	require.NoError(t, err)
	require.True(t, h.run(func() bool { return h.rec.Count("execution.open.timeout") == 1 }))
	_, stillHeld := h.ledger.Provisional("NAS100")
	assert.True(t, stillHeld)

	h.paper.Release(false)
	require.True(t, h.run(func() bool {
		return h.ledger.OpenCount() == 1 && h.ledger.ProvisionalCount() == 0 &&
			h.rec.Count("execution.late_response") >= 1
	}))
	assert.Len(t, h.paper.Positions(), 1)
	assert.Len(t, h.ledger.Open("NAS100"), 1)
}

func TestCloseConfirmed(t *testing.T) {
	h := newHarness(t, Options{})
	pos := h.openConfirmed("NAS100", types.Long)
	h.paper.SetPrice("NAS100", 15020)

	require.NoError(t, h.engine.Close(pos.PositionID, "manual"))
	assert.True(t, h.ledger.IsPendingClose(pos.PositionID))
	assert.Equal(t, 1, h.ledger.OpenCount())
	assert.ErrorIs(t, h.engine.Close(pos.PositionID, "manual"), ledger.ErrClosePending)

	require.True(t, h.run(func() bool { return h.ledger.OpenCount() == 0 }))
	snap := h.ledger.Snapshot()
	require.Len(t, snap.RecentCloses, 1)
	assert.Equal(t, 20.0, snap.RecentCloses[0].RealizedPnL)
	assert.Equal(t, 20.0, snap.RealizedPnL)
	assert.Empty(t, snap.PendingCloses)
}

func TestCloseRejectedKeepsPosition(t *testing.T) {
	h := newHarness(t, Options{})
	pos := h.openConfirmed("NAS100", types.Long)
	h.paper.RejectOrders("market_closed")
	require.NoError(t, h.engine.Close(pos.PositionID, "manual"))
	require.True(t, h.run(func() bool { return !h.ledger.IsPendingClose(pos.PositionID) }))
	assert.Equal(t, 1, h.ledger.OpenCount())
	assert.Equal(t, uint64(1), h.rec.Count("fault.transient.close_rejected"))
}

func TestUnsolicitedCloseFill(t *testing.T) {
	h := newHarness(t, Options{})
	pos := h.openConfirmed("NAS100", types.Long)
	require.True(t, h.paper.ForceClose(pos.PositionID))
	require.True(t, h.run(func() bool { return h.ledger.OpenCount() == 0 }))
	assert.Equal(t, uint64(1), h.rec.Count("execution.push.close_fill"))
}

// The reverse open must not be sent while any close is unanswered.
func TestCloseBeforeReverse(t *testing.T) {
	h := newHarness(t, Options{})
	h.openConfirmed("NAS100", types.Long)
	h.openConfirmed("NAS100", types.Long)
	require.Len(t, h.ledger.Open("NAS100"), 2)

	h.paper.Hold()
	id, err := h.engine.CloseAndReverse(ledger.Intent{Instrument: "NAS100", Direction: types.Short, Size: 1}, ReverseInstrument)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, h.engine.Busy("NAS100"))

	require.True(t, h.run(func() bool { return countKind(h.paper.Sent(), broker.RequestClose) == 2 }))
	h.settle(100 * time.Millisecond)
	assert.Equal(t, 2, countKind(h.paper.Sent(), broker.RequestOpen))
	assert.Empty(t, h.reversals)

	h.paper.Release(true)
	require.True(t, h.run(func() bool { return len(h.reversals) == 1 && h.ledger.ProvisionalCount() == 0 && h.ledger.OpenCount() == 1 }))
	rep := h.reversals[0]
	assert.True(t, rep.Opened)
	assert.Equal(t, 2, rep.Confirmed)
	assert.Equal(t, 0, rep.Failed)

	sent := h.paper.Sent()
	require.Len(t, sent, 5)
	assert.Equal(t, broker.RequestOpen, sent[4].Kind)
	assert.Equal(t, types.Short, sent[4].Direction)
	assert.Equal(t, types.Short, h.ledger.Open("NAS100")[0].Direction)
	assert.Equal(t, 0, h.engine.Reversals())
}

func TestReverseAbortedWhenNoCloseConfirmed(t *testing.T) {
	h := newHarness(t, Options{})
	pos := h.openConfirmed("NAS100", types.Long)
	h.paper.RejectOrders("market_closed")

	_, err := h.engine.CloseAndReverse(ledger.Intent{Instrument: "NAS100", Direction: types.Short, Size: 1}, ReverseInstrument)
	require.NoError(t, err)
	require.True(t, h.run(func() bool { return len(h.reversals) == 1 }))
	rep := h.reversals[0]
	assert.False(t, rep.Opened)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, "no close was confirmed", rep.Reason)
	assert.Equal(t, uint64(1), h.rec.Count("fault.transient.reverse_aborted"))

	open := h.ledger.Open("NAS100")
	require.Len(t, open, 1)
	assert.Equal(t, pos.PositionID, open[0].PositionID)
	assert.False(t, h.ledger.IsPendingClose(pos.PositionID))
	assert.Equal(t, 1, countKind(h.paper.Sent(), broker.RequestOpen))
}

func TestReverseProceedsOnReconcileAdoption(t *testing.T) {
	h := newHarness(t, Options{})
	pos := h.openConfirmed("NAS100", types.Long)
	// the broker closed it but the confirmation was lost
	h.paper.RemovePosition(pos.PositionID)

	_, err := h.engine.CloseAndReverse(ledger.Intent{Instrument: "NAS100", Direction: types.Short, Size: 1}, ReverseInstrument)
	require.NoError(t, err)
	require.True(t, h.run(func() bool { return len(h.reversals) == 1 && h.ledger.OpenCount() == 1 }))
	rep := h.reversals[0]
	assert.True(t, rep.Opened)
	assert.Equal(t, 1, rep.Adopted)
	require.NotEmpty(t, h.reconciles)
	assert.Len(t, h.reconciles[0].Filter(ledger.ActionClosedByReconcile), 1)
	assert.Equal(t, types.Short, h.ledger.Open("NAS100")[0].Direction)
}

func TestReverseAccountPolicyClosesEverything(t *testing.T) {
	h := newHarness(t, Options{})
	h.openConfirmed("NAS100", types.Long)
	h.openConfirmed("GER40", types.Short)

	_, err := h.engine.CloseAndReverse(ledger.Intent{Instrument: "NAS100", Direction: types.Short, Size: 1}, ReverseAccount)
	require.NoError(t, err)
	require.True(t, h.run(func() bool { return len(h.reversals) == 1 && h.ledger.OpenCount() == 1 }))
	assert.Equal(t, 2, h.reversals[0].Confirmed)
	assert.Empty(t, h.ledger.Open("GER40"))
}

func TestReverseAccountSkipsOrphans(t *testing.T) {
	h := newHarness(t, Options{})
	h.openConfirmed("NAS100", types.Long)
	ger := h.openConfirmed("GER40", types.Short)
	h.paper.RemovePosition(ger.PositionID)
	require.True(t, h.engine.RequestPositions("test"))
	require.True(t, h.run(func() bool { return len(h.ledger.Snapshot().Orphans) == 1 }))

	_, err := h.engine.CloseAndReverse(ledger.Intent{Instrument: "NAS100", Direction: types.Short, Size: 1}, ReverseAccount)
	require.NoError(t, err)
	require.True(t, h.run(func() bool { return len(h.reversals) == 1 }))
	assert.True(t, h.reversals[0].Opened)
	assert.Equal(t, 1, h.reversals[0].Confirmed)
	assert.Equal(t, uint64(1), h.rec.Count("execution.reverse.orphan_skipped"))
	assert.Equal(t, 1, countKind(h.paper.Sent(), broker.RequestClose))
}

func TestCloseAndReverseErrors(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.engine.CloseAndReverse(ledger.Intent{Instrument: "NAS100", Direction: types.Short, Size: 1}, ReverseInstrument)
	assert.ErrorIs(t, err, ErrNothingToClose)

	h.paper.Hold()
	_, err = h.engine.Open(ledger.Intent{Instrument: "NAS100", Direction: types.Long, Size: 1})
	require.NoError(t, err)
	_, err = h.engine.CloseAndReverse(ledger.Intent{Instrument: "NAS100", Direction: types.Short, Size: 1}, ReverseInstrument)
	assert.ErrorIs(t, err, ledger.ErrConflict)
	h.paper.Release(false)

	_, err = ParseReversePolicy("sideways")
	assert.Error(t, err)
	p, err := ParseReversePolicy(" Account ")
	require.NoError(t, err)
	assert.Equal(t, ReverseAccount, p)
}

func TestFatalErrorHaltsSubmissionButNotReconcile(t *testing.T) {
	h := newHarness(t, Options{})
	pos := h.openConfirmed("NAS100", types.Long)

	h.paper.FatalNext()
	_, err := h.engine.Open(ledger.Intent{Instrument: "GER40", Direction: types.Long, Size: 1})
	require.NoError(t, err)
	require.True(t, h.run(func() bool { halted, _ := h.engine.Halted(); return halted }))
	assert.Equal(t, 0, h.ledger.ProvisionalCount())

	_, err = h.engine.Open(ledger.Intent{Instrument: "GER40", Direction: types.Long, Size: 1})
	assert.ErrorIs(t, err, ErrHalted)
	assert.ErrorIs(t, h.engine.Close(pos.PositionID, "manual"), ErrHalted)
	assert.Equal(t, 1, h.ledger.OpenCount())

	require.True(t, h.engine.RequestPositions("check"))
	require.True(t, h.run(func() bool { return len(h.reconciles) == 1 }))

	h.engine.Resume()
	h.openConfirmed("GER40", types.Long)
}

func TestRequestPositionsSingleFlight(t *testing.T) {
	h := newHarness(t, Options{})
	h.paper.InjectPosition(broker.PositionReport{PositionID: "X1", Instrument: "ger40", Direction: types.Short, Size: 3, EntryPrice: 18010})
	assert.True(t, h.engine.RequestPositions("a"))
	assert.False(t, h.engine.RequestPositions("b"))
	assert.True(t, h.engine.ReconcileInFlight())
	require.True(t, h.run(func() bool { return !h.engine.ReconcileInFlight() }))
	require.Len(t, h.reconciles, 1)
	assert.Len(t, h.reconciles[0].Filter(ledger.ActionAdopted), 1)
	assert.Equal(t, uint64(1), h.rec.Count("execution.reconcile.coalesced"))
	got, ok := h.ledger.Get("X1")
	require.True(t, ok)
	assert.Equal(t, "GER40", got.Instrument)
}
