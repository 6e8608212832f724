package trader

import (
	"context"
	"sync"
	"testing"
	"time"

	"intraday/internal/bridge"
	"intraday/internal/execution"
	"intraday/internal/gateway/broker"
	"intraday/internal/ledger"
	"intraday/internal/monitor"
	"intraday/internal/pkg/trading"
	"intraday/internal/settings"
	"intraday/internal/signal"
	"intraday/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCheckpoints struct {
	mu    sync.Mutex
	saved [][]ledger.Record
	load  []ledger.Record
}

func (m *memCheckpoints) SaveCheckpoint(_ context.Context, records []ledger.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, records)
	return nil
}

func (m *memCheckpoints) LoadCheckpoint(context.Context) ([]ledger.Record, error) {
	return m.load, nil
}

func (m *memCheckpoints) last() []ledger.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return nil
	}
	return m.saved[len(m.saved)-1]
}

type fixture struct {
	t        *testing.T
	paper    *broker.Paper
	settings *settings.Store
	manual   *signal.ManualSource
	signals  *signal.Manager
	ledger   *ledger.Ledger
	rec      *monitor.Recorder
	store    *memCheckpoints
	trader   *Trader
}

func newFixture(t *testing.T, seed map[string]any) *fixture {
	t.Helper()
	p := broker.NewPaper(10000, 0)
	require.NoError(t, p.Connect(context.Background()))
	st, err := settings.NewMemory(seed)
	require.NoError(t, err)

	f := &fixture{
		t:        t,
		paper:    p,
		settings: st,
		manual:   signal.NewManualSource(4),
		signals:  signal.NewManager(signal.Options{}),
		ledger:   ledger.New(ledger.Options{}),
		rec:      monitor.NewRecorder(monitor.Options{}),
		store:    &memCheckpoints{},
	}
	b := bridge.New(bridge.Options{})
	engine := execution.NewEngine(p, f.ledger, b, f.rec, nil, execution.Options{
		ResponseTimeout: 2 * time.Second,
		RetryMin:        time.Millisecond,
		RetryMax:        5 * time.Millisecond,
	})
	f.trader = New(Deps{
		Bridge:      b,
		Engine:      engine,
		Ledger:      f.ledger,
		Signals:     f.signals,
		Scorer:      f.manual,
		Settings:    st,
		Recorder:    f.rec,
		Checkpoints: f.store,
	}, Options{
		ReconcileDelay:  5 * time.Millisecond,
		FallbackBalance: 10000,
		Sizing:          trading.SizeLimits{Step: 0.01},
	})
	f.trader.startWorkers()
	execution.Pump(p, b)

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.trader.shutdown()
		_ = p.Close()
	})
	p.SetPrice("NAS100", 15000)
	return f
}

// run iterates the loop until cond holds or time runs out.
func (f *fixture) run(cond func() bool) bool {
	f.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.trader.Iterate()
		if cond() {
			return true
		}
		select {
		case <-f.trader.bridge.Wake():
		case <-time.After(10 * time.Millisecond):
		}
	}
	return false
}

func (f *fixture) state(id string) signal.State {
	rec, ok := f.signals.Get(id)
	if !ok {
		return ""
	}
	return rec.State
}

func (f *fixture) opens() int {
	n := 0
	for _, r := range f.paper.Sent() {
		if r.Kind == broker.RequestOpen {
			n++
		}
	}
	return n
}

func (f *fixture) adoptShort(id string) {
	f.t.Helper()
	f.paper.InjectPosition(broker.PositionReport{
		PositionID: id,
		Instrument: "NAS100",
		Direction:  types.Short,
		Size:       1,
		EntryPrice: 15000,
	})
	f.trader.RequestReconcile("test")
	require.True(f.t, f.run(func() bool { return len(f.ledger.Open("NAS100")) == 1 }))
}

func longNAS(id string) signal.Signal {
	return signal.Signal{
		ID:         id,
		Instrument: "NAS100",
		Direction:  types.Long,
		Entry:      15000,
		Stop:       14900,
		Target:     15200,
		Quality:    0.8,
		Confidence: 0.8,
	}
}

func TestManualSignalOpensSizedPosition(t *testing.T) {
	f := newFixture(t, map[string]any{settings.AutoTrading: true})
	require.NoError(t, f.manual.Push(longNAS("s1")))

	require.True(t, f.run(func() bool { return len(f.trader.OpenPositions()) == 1 }))
	pos := f.trader.OpenPositions()[0]
	assert.Equal(t, types.Long, pos.Direction)
	assert.InDelta(t, 0.5, pos.Size, 1e-9)
	assert.Equal(t, "s1", pos.SignalID)
	assert.Equal(t, signal.StateExecuted, f.state("s1"))
	assert.Equal(t, 1, f.opens())

	require.True(t, f.run(func() bool { return len(f.store.last()) == 1 }))
	assert.Equal(t, pos.PositionID, f.store.last()[0].PositionID)
}

func TestTriggeredSignalWaitsForAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.manual.Push(longNAS("s1")))

	require.True(t, f.run(func() bool { return f.state("s1") == signal.StateTriggered }))
	f.trader.Iterate()
	assert.Equal(t, 0, f.opens())
	assert.False(t, f.trader.Snapshot().AutoTrading)

	require.NoError(t, f.settings.SetBool(settings.AutoTrading, true))
	require.True(t, f.run(func() bool { return f.state("s1") == signal.StateExecuted }))
	// the open is handed to the transport asynchronously
	require.Eventually(t, func() bool { return f.opens() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestDisablingAutoTradingCancelsLiveSignals(t *testing.T) {
	f := newFixture(t, map[string]any{settings.AutoTrading: true})
	far := longNAS("far")
	far.Entry, far.Stop, far.Target = 16000, 15900, 16500
	require.NoError(t, f.manual.Push(far))
	require.True(t, f.run(func() bool { return f.state("far") == signal.StatePending }))

	require.NoError(t, f.settings.SetBool(settings.AutoTrading, false))
	f.trader.Iterate()
	assert.Equal(t, signal.StateCancelled, f.state("far"))
	assert.Empty(t, f.trader.ActiveSignals())
}

func TestOppositePositionWithoutReversalCancelsSignal(t *testing.T) {
	f := newFixture(t, map[string]any{settings.AutoTrading: true})
	f.adoptShort("B1")
	require.NoError(t, f.manual.Push(longNAS("s1")))

	require.True(t, f.run(func() bool { return f.state("s1") == signal.StateCancelled }))
	assert.Equal(t, 0, f.opens())
	assert.Len(t, f.ledger.Open("NAS100"), 1)
}

func TestReversalClosesThenOpens(t *testing.T) {
	f := newFixture(t, map[string]any{
		settings.AutoTrading:    true,
		settings.ReverseEnabled: true,
	})
	f.adoptShort("B1")
	require.NoError(t, f.manual.Push(longNAS("s1")))

	require.True(t, f.run(func() bool {
		open := f.ledger.Open("NAS100")
		return len(open) == 1 && open[0].Direction == types.Long
	}))
	assert.Equal(t, signal.StateExecuted, f.state("s1"))

	var kinds []broker.RequestKind
	for _, r := range f.paper.Sent() {
		if r.Kind != broker.RequestPositions {
			kinds = append(kinds, r.Kind)
		}
	}
	assert.Equal(t, []broker.RequestKind{broker.RequestClose, broker.RequestOpen}, kinds)
}

func TestAbortedReversalCancelsSignal(t *testing.T) {
	f := newFixture(t, map[string]any{
		settings.AutoTrading:    true,
		settings.ReverseEnabled: true,
	})
	f.adoptShort("B1")
	f.paper.RejectOrders("market_closed")
	require.NoError(t, f.manual.Push(longNAS("s1")))

	require.True(t, f.run(func() bool { return f.state("s1") == signal.StateCancelled }))
	rec, ok := f.signals.Get("s1")
	require.True(t, ok)
	assert.Contains(t, rec.Reason, "reversal aborted")
	assert.Equal(t, uint64(1), f.rec.Count("execution.reverse.aborted"))
	assert.Equal(t, 0, f.opens())
	assert.Len(t, f.ledger.Open("NAS100"), 1)
}

func TestReversingSignalStaysTriggeredUntilSettled(t *testing.T) {
	f := newFixture(t, map[string]any{
		settings.AutoTrading:    true,
		settings.ReverseEnabled: true,
	})
	f.adoptShort("B1")
	f.paper.Hold()
	require.NoError(t, f.manual.Push(longNAS("s1")))

	require.True(t, f.run(func() bool { return f.trader.engine.Reversals() == 1 }))
	rec, _ := f.signals.Get("s1")
	assert.Equal(t, signal.StateTriggered, rec.State)
	assert.True(t, rec.Reserved)

	f.paper.Release(false)
	require.True(t, f.run(func() bool { return f.state("s1") == signal.StateExecuted && f.opens() == 1 }))
}

func TestOrphanedPositionBlocksSameDirection(t *testing.T) {
	f := newFixture(t, map[string]any{settings.AutoTrading: true})
	require.NoError(t, f.manual.Push(longNAS("s1")))
	require.True(t, f.run(func() bool { return len(f.ledger.Open("NAS100")) == 1 }))
	live := f.paper.Positions()
	require.Len(t, live, 1)

	// a lagging listing briefly omits the live position
	f.paper.RemovePosition(live[0].PositionID)
	f.trader.RequestReconcile("test")
	require.True(t, f.run(func() bool { return len(f.ledger.Snapshot().Orphans) == 1 }))

	require.NoError(t, f.manual.Push(longNAS("s2")))
	require.True(t, f.run(func() bool { return f.state("s2") == signal.StateCancelled }))
	assert.Equal(t, 1, f.opens())

	f.paper.InjectPosition(live[0])
	f.trader.RequestReconcile("test")
	require.True(t, f.run(func() bool { return len(f.ledger.Open("NAS100")) == 1 }))
	assert.Empty(t, f.ledger.Snapshot().Orphans)
}

func TestOrphanCountsTowardOpenCap(t *testing.T) {
	f := newFixture(t, map[string]any{
		settings.AutoTrading:      true,
		settings.AllowScaling:     true,
		settings.MaxOpenPositions: 1,
	})
	require.NoError(t, f.manual.Push(longNAS("s1")))
	require.True(t, f.run(func() bool { return len(f.ledger.Open("NAS100")) == 1 }))
	f.paper.RemovePosition(f.paper.Positions()[0].PositionID)
	f.trader.RequestReconcile("test")
	require.True(t, f.run(func() bool { return len(f.ledger.Snapshot().Orphans) == 1 }))

	require.NoError(t, f.manual.Push(longNAS("s2")))
	require.True(t, f.run(func() bool { return f.rec.Count("trader.decide.capped") > 0 }))
	assert.Equal(t, signal.StateTriggered, f.state("s2"))
	assert.Equal(t, 1, f.opens())
}

func TestScalingDisabledCancelsSameDirection(t *testing.T) {
	f := newFixture(t, map[string]any{settings.AutoTrading: true})
	require.NoError(t, f.manual.Push(longNAS("s1")))
	require.True(t, f.run(func() bool { return len(f.ledger.Open("NAS100")) == 1 }))

	require.NoError(t, f.manual.Push(longNAS("s2")))
	require.True(t, f.run(func() bool { return f.state("s2") == signal.StateCancelled }))
	assert.Equal(t, 1, f.opens())
}

func TestOpenPositionCapHoldsSignal(t *testing.T) {
	f := newFixture(t, map[string]any{
		settings.AutoTrading:      true,
		settings.AllowScaling:     true,
		settings.MaxOpenPositions: 1,
	})
	require.NoError(t, f.manual.Push(longNAS("s1")))
	require.True(t, f.run(func() bool { return len(f.ledger.Open("NAS100")) == 1 }))

	require.NoError(t, f.manual.Push(longNAS("s2")))
	require.True(t, f.run(func() bool { return f.rec.Count("trader.decide.capped") > 0 }))
	assert.Equal(t, signal.StateTriggered, f.state("s2"))
	assert.Equal(t, 1, f.opens())
}

func TestRestoreLoadsCheckpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.store.load = []ledger.Record{{
		PositionID: "R1",
		Instrument: "NAS100",
		Direction:  types.Long,
		Size:       2,
		EntryPrice: 14950,
	}}
	require.NoError(t, f.trader.Restore(context.Background()))
	pos, ok := f.ledger.Get("R1")
	require.True(t, ok)
	assert.True(t, pos.Restored)

	// the broker does not know R1, so reconciliation quarantines it
	f.trader.RequestReconcile("test")
	require.True(t, f.run(func() bool { _, ok := f.ledger.Get("R1"); return !ok }))
	orphans := f.trader.Snapshot().Ledger.Orphans
	require.Len(t, orphans, 1)
	assert.Equal(t, "R1", orphans[0].PositionID)
}

type panicHandler struct{}

func (panicHandler) Kind() bridge.Kind { return "boom" }

func (panicHandler) Handle(*HandlerContext, bridge.Event) error { panic("boom") }

func TestHandlerPanicDoesNotStopLoop(t *testing.T) {
	f := newFixture(t, nil)
	f.trader.registry.Register(panicHandler{})
	f.trader.bridge.Publish(bridge.Event{Kind: "boom"}, bridge.ClassCritical)
	f.trader.bridge.Publish(bridge.Event{Kind: KindResume}, bridge.ClassCritical)

	f.trader.Iterate()
	st := f.trader.Stats()
	assert.Equal(t, uint64(1), st.Panics)
	assert.Equal(t, uint64(1), st.Iterations)
}

func TestOperatorCloseGoesThroughLoop(t *testing.T) {
	f := newFixture(t, nil)
	f.adoptShort("B1")

	f.trader.RequestClose("B1", "")
	require.True(t, f.run(func() bool { return len(f.trader.OpenPositions()) == 0 }))
	snap := f.trader.Snapshot()
	require.Len(t, snap.Ledger.RecentCloses, 1)
	assert.Equal(t, "operator", snap.Ledger.RecentCloses[0].Reason)
}
