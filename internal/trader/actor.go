package trader

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"intraday/internal/analysis/volatility"
	"intraday/internal/bridge"
	"intraday/internal/execution"
	"intraday/internal/ledger"
	"intraday/internal/logger"
	"intraday/internal/monitor"
	"intraday/internal/scheduler"
	"intraday/internal/settings"
	"intraday/internal/signal"
	"intraday/internal/types"
)

// Deps are the collaborators of the control loop. Engine, Ledger, Bridge,
// Signals and Settings are required.
type Deps struct {
	Bridge      *bridge.Bridge
	Engine      *execution.Engine
	Ledger      *ledger.Ledger
	Signals     *signal.Manager
	Volatility  *volatility.Tracker
	Scorer      signal.ScoringEngine
	Settings    Settings
	Recorder    *monitor.Recorder
	Checkpoints CheckpointStore
	Audit       AuditSink
}

// Trader is the control loop. A single goroutine drains the bridge, feeds
// ticks to the signal manager, turns triggered signals into execution
// requests and publishes a read-only snapshot. Everything else reads the
// snapshot or publishes events.
type Trader struct {
	opts     Options
	bridge   *bridge.Bridge
	engine   *execution.Engine
	ledger   *ledger.Ledger
	signals  *signal.Manager
	vol      *volatility.Tracker
	scorer   signal.ScoringEngine
	settings Settings
	recorder *monitor.Recorder
	store    CheckpointStore
	audit    AuditSink

	registry  *HandlerRegistry
	hctx      *HandlerContext
	reconcile *scheduler.Rearm

	// loop-owned
	known       map[string]struct{}
	lastVersion uint64
	autoTrading bool
	now         time.Time

	snapshot   atomic.Value
	iterations atomic.Uint64
	slow       atomic.Uint64
	panics     atomic.Uint64
	lastIter   atomic.Int64

	persistCh chan []ledger.Record
	auditCh   chan ledger.Report
	wg        sync.WaitGroup
}

func New(d Deps, opts Options) *Trader {
	opts.applyDefaults()
	if d.Volatility == nil {
		d.Volatility = volatility.NewTracker(volatility.Options{})
	}
	t := &Trader{
		opts:      opts,
		bridge:    d.Bridge,
		engine:    d.Engine,
		ledger:    d.Ledger,
		signals:   d.Signals,
		vol:       d.Volatility,
		scorer:    d.Scorer,
		settings:  d.Settings,
		recorder:  d.Recorder,
		store:     d.Checkpoints,
		audit:     d.Audit,
		registry:  NewHandlerRegistry(),
		known:     make(map[string]struct{}),
		persistCh: make(chan []ledger.Record, 1),
		auditCh:   make(chan ledger.Report, 64),
	}
	t.hctx = NewHandlerContext(t)
	t.registry.RegisterDefaultHandlers()
	for _, instrument := range opts.Instruments {
		if n := types.NormalizeInstrument(instrument); n != "" {
			t.known[n] = struct{}{}
		}
	}
	t.autoTrading = t.settings.GetBool(settings.AutoTrading)
	t.reconcile = scheduler.NewRearm("reconcile", func() {
		t.bridge.Publish(bridge.Event{Kind: execution.KindReconcileDue, Payload: "scheduled"}, bridge.ClassCritical)
	})
	t.engine.SetHooks(execution.Hooks{
		OnReconcile:      t.onReconcile,
		OnReversal:       t.onReversal,
		RequestReconcile: t.requestReconcile,
	})
	t.now = opts.Now()
	t.publishSnapshot()
	return t
}

// Run blocks until ctx is cancelled. Startup restores the checkpoint and
// asks the broker for positions before any signal is acted on.
func (t *Trader) Run(ctx context.Context) error {
	t.engine.Start(ctx)
	if err := t.Restore(ctx); err != nil {
		logger.Warnf("Trader: checkpoint restore failed: %v", err)
	}
	t.startWorkers()
	t.reconcile.Every(t.opts.ReconcileEvery)
	t.engine.RequestPositions("startup")

	ticker := time.NewTicker(t.opts.TickInterval)
	defer ticker.Stop()
	logger.Infof("Trader loop started (instruments=%d tick=%s)", len(t.known), t.opts.TickInterval)
	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			return nil
		case <-t.bridge.Wake():
		case <-ticker.C:
		}
		t.Iterate()
	}
}

func (t *Trader) shutdown() {
	logger.Infof("Trader loop stopping")
	t.reconcile.Stop()
	t.engine.Wait()
	if t.store != nil && t.ledger.Version() != t.lastVersion {
		t.queueCheckpoint(t.ledger.Checkpoint())
	}
	close(t.persistCh)
	close(t.auditCh)
	t.wg.Wait()
}

// Iterate runs one pass of the loop. Exported for tests, which drive the
// loop without the ticker.
func (t *Trader) Iterate() {
	start := time.Now()
	t.now = t.opts.Now()

	for _, evt := range t.bridge.Drain() {
		t.dispatch(evt)
	}
	t.engine.Sweep()
	t.signals.Expire(t.now)
	t.syncAuthorization()
	t.pullSignals()
	t.decide()
	t.checkpointIfChanged()
	t.publishSnapshot()

	dur := time.Since(start)
	t.iterations.Add(1)
	t.lastIter.Store(int64(dur))
	if dur > t.opts.MaxIterationDuration {
		t.slow.Add(1)
		t.recorder.Record(monitor.Fault{
			Kind:    monitor.KindLatency,
			Key:     "iteration",
			Message: fmt.Sprintf("iteration took %s", dur),
			Fields:  map[string]any{"duration_ms": dur.Milliseconds()},
		})
	}
}

// dispatch never lets a panicking handler take the loop down.
func (t *Trader) dispatch(evt bridge.Event) {
	defer func() {
		if r := recover(); r != nil {
			t.panics.Add(1)
			logger.Errorf("Trader panic handling event %s: %v\n%s", evt.Kind, r, debug.Stack())
		}
	}()
	handler, ok := t.registry.Get(evt.Kind)
	if !ok {
		logger.Warnf("No handler registered for event kind: %s", evt.Kind)
		return
	}
	if err := handler.Handle(t.hctx, evt); err != nil {
		logger.Warnf("Trader: event %s failed: %v", evt.Kind, err)
	}
}

func (t *Trader) onTick(instrument string, tick execution.Tick, at time.Time) {
	instrument = types.NormalizeInstrument(instrument)
	price := tick.Price
	if price <= 0 && tick.Bid > 0 && tick.Ask > 0 {
		price = (tick.Bid + tick.Ask) / 2
	}
	if instrument == "" || price <= 0 {
		return
	}
	if at.IsZero() {
		at = t.now
	}
	t.known[instrument] = struct{}{}
	t.vol.Observe(instrument, price, at)
	atr, _ := t.vol.Estimate(instrument)
	t.signals.Evaluate(instrument, price, atr, t.now)
}

// pullSignals asks the scoring engine once per instrument.
func (t *Trader) pullSignals() {
	if t.scorer == nil {
		return
	}
	for _, instrument := range t.instruments() {
		price, _, _ := t.vol.LastPrice(instrument)
		atr, _ := t.vol.Estimate(instrument)
		sig, ok := t.scorer.GenerateSignal(signal.MarketContext{
			Instrument: instrument,
			Price:      price,
			ATR:        atr,
			Now:        t.now,
		})
		if !ok {
			continue
		}
		rec, err := t.signals.Submit(sig)
		if err != nil {
			t.recorder.Incr("trader.signal.rejected", 1)
			logger.Warnf("Trader: signal for %s rejected: %v", instrument, err)
			continue
		}
		if price > 0 {
			t.signals.Evaluate(rec.Signal.Instrument, price, atr, t.now)
		}
	}
}

func (t *Trader) instruments() []string {
	set := make(map[string]struct{}, len(t.known))
	for instrument := range t.known {
		set[instrument] = struct{}{}
	}
	if l, ok := t.scorer.(signal.InstrumentLister); ok {
		for _, instrument := range l.Instruments() {
			set[instrument] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for instrument := range set {
		out = append(out, instrument)
	}
	sort.Strings(out)
	return out
}

// syncAuthorization cancels every live signal when auto trading is switched
// off so nothing queued fires after it is turned back on.
func (t *Trader) syncAuthorization() {
	on := t.settings.GetBool(settings.AutoTrading)
	if on == t.autoTrading {
		return
	}
	if !on {
		trs := t.signals.CancelAll("auto trading disabled")
		logger.Infof("Trader: auto trading disabled, cancelled %d signals", len(trs))
	} else {
		logger.Infof("Trader: auto trading enabled")
	}
	t.autoTrading = on
}

func (t *Trader) requestReconcile(reason string) {
	if t.reconcile.Expedite(t.opts.ReconcileDelay) {
		logger.Debugf("Trader: reconcile expedited (%s)", reason)
	}
}

func (t *Trader) onReconcile(rep ledger.Report) {
	if t.audit == nil || !rep.Changed() {
		return
	}
	select {
	case t.auditCh <- rep:
	default:
		t.recorder.Incr("trader.audit.dropped", 1)
	}
}

// onReversal settles the signal that started the reversal. It counts as
// executed only when the reverse open was actually sent.
func (t *Trader) onReversal(rep execution.ReversalReport) {
	if rep.Opened {
		logger.Infof("Trader: reversal %s on %s opened %s after %d/%d closes", rep.ID, rep.Instrument, rep.Direction, rep.Confirmed+rep.Adopted, rep.Legs)
		if rep.SignalID != "" {
			t.executed(rep.SignalID, rep.Instrument)
		}
		return
	}
	logger.Warnf("Trader: reversal %s on %s aborted: %s", rep.ID, rep.Instrument, rep.Reason)
	if rep.SignalID == "" {
		return
	}
	if _, err := t.signals.Cancel(rep.SignalID, "reversal aborted: "+rep.Reason); err != nil {
		logger.Warnf("Trader: cancel signal %s: %v", rep.SignalID, err)
		return
	}
	t.recorder.Incr("trader.decide.cancelled", 1)
}

func (t *Trader) publishSnapshot() {
	ls := t.ledger.Snapshot()
	balance := t.engine.Balance()
	halted, reason := t.engine.Halted()
	t.snapshot.Store(Snapshot{
		TakenAt:     t.now,
		Ledger:      ls,
		Risk:        ls.Risk(balance),
		Balance:     balance,
		Halted:      halted,
		HaltReason:  reason,
		AutoTrading: t.autoTrading,
	})
}

// Snapshot returns the view published by the last iteration.
func (t *Trader) Snapshot() Snapshot {
	s, _ := t.snapshot.Load().(Snapshot)
	return s
}

func (t *Trader) OpenPositions() []ledger.Position {
	return t.Snapshot().Ledger.Positions
}

func (t *Trader) SignalHistory(limit int) []signal.Record {
	return t.signals.History(limit)
}

func (t *Trader) ActiveSignals() []signal.Record {
	return t.signals.Active()
}

func (t *Trader) Faults(limit int) []monitor.Fault {
	return t.recorder.Recent(limit)
}

func (t *Trader) Stats() Stats {
	snap := t.Snapshot()
	return Stats{
		Iterations:     t.iterations.Load(),
		SlowIterations: t.slow.Load(),
		LastIteration:  time.Duration(t.lastIter.Load()),
		Panics:         t.panics.Load(),
		Bridge:         t.bridge.Stats(),
		Signals:        t.signals.Counts(),
		OpenPositions:  len(snap.Ledger.Positions),
		Provisional:    len(snap.Ledger.Provisional),
		PendingCloses:  len(snap.Ledger.PendingCloses),
		ReconcileFired: t.reconcile.Fired(),
		Halted:         snap.Halted,
		Counters:       t.recorder.Counters(),
	}
}

// RequestClose queues an operator close. The loop performs it.
func (t *Trader) RequestClose(positionID, reason string) {
	t.bridge.Publish(bridge.Event{
		Kind:    KindClosePosition,
		Payload: ClosePayload{PositionID: positionID, Reason: reason},
	}, bridge.ClassCritical)
}

// RequestResume queues clearing of a fatal halt.
func (t *Trader) RequestResume() {
	t.bridge.Publish(bridge.Event{Kind: KindResume}, bridge.ClassCritical)
}

// RequestReconcile queues an immediate reconciliation.
func (t *Trader) RequestReconcile(reason string) {
	t.bridge.Publish(bridge.Event{Kind: execution.KindReconcileDue, Payload: reason}, bridge.ClassCritical)
}
