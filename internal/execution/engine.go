// Package execution turns open, close and close-and-reverse decisions into
// broker requests and folds the answers back into the ledger.
//
// Every public method except the accessors must be called from the control
// loop goroutine. Network waits happen on short-lived goroutines that only
// publish their outcome to the bridge; the loop applies it on a later
// iteration.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"intraday/internal/bridge"
	"intraday/internal/gateway/broker"
	"intraday/internal/gateway/notifier"
	"intraday/internal/ledger"
	"intraday/internal/logger"
	"intraday/internal/monitor"
	"intraday/internal/pkg/circuit"

	"github.com/jpillora/backoff"
)

var (
	ErrHalted          = errors.New("execution: halted after fatal broker error")
	ErrCircuitOpen     = errors.New("execution: circuit open after repeated send failures")
	ErrNothingToClose  = errors.New("execution: no conflicting positions")
	ErrReverseInFlight = errors.New("execution: reversal already in progress")
)

type Options struct {
	ResponseTimeout time.Duration
	SendAttempts    int
	RetryMin        time.Duration
	RetryMax        time.Duration
	// ReverseTimeout bounds how long a reversal may wait for its closes.
	ReverseTimeout   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Now              func() time.Time
}

func (o *Options) applyDefaults() {
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 5 * time.Second
	}
	if o.SendAttempts <= 0 {
		o.SendAttempts = 3
	}
	if o.RetryMin <= 0 {
		o.RetryMin = 200 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 2 * time.Second
	}
	if o.ReverseTimeout <= 0 {
		o.ReverseTimeout = 4 * o.ResponseTimeout
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// MessageSink receives trade notifications. It must not block.
type MessageSink interface {
	NotifyMessage(msg notifier.StructuredMessage)
}

// Hooks observe outcomes; all are called on the control loop goroutine.
type Hooks struct {
	OnReconcile func(ledger.Report)
	OnReversal  func(ReversalReport)
	OnTrade     func(notifier.TradeEvent)
	// RequestReconcile replaces the default immediate positions request, so
	// the caller can route it through its own single-flight timer.
	RequestReconcile func(reason string)
}

type corrRef struct {
	kind       broker.RequestKind
	ticket     ledger.Ticket
	positionID string
	reversalID string
}

type openOp struct {
	ticket  ledger.Ticket
	started time.Time
}

type Engine struct {
	transport broker.Transport
	ledger    *ledger.Ledger
	bridge    *bridge.Bridge
	recorder  *monitor.Recorder
	sink      MessageSink
	breaker   *circuit.CircuitBreaker
	opts      Options
	hooks     Hooks

	baseCtx context.Context
	wg      sync.WaitGroup

	// correlation ids are written by send goroutines and read by the loop
	corrMu sync.Mutex
	corr   map[string]corrRef

	// loop-owned
	opens             map[string]*openOp
	reversals         map[string]*reversal
	reconcileInFlight bool

	halted     atomic.Bool
	haltReason atomic.Value
	balance    atomic.Value
}

func NewEngine(t broker.Transport, l *ledger.Ledger, b *bridge.Bridge, rec *monitor.Recorder, sink MessageSink, opts Options) *Engine {
	opts.applyDefaults()
	e := &Engine{
		transport: t,
		ledger:    l,
		bridge:    b,
		recorder:  rec,
		sink:      sink,
		opts:      opts,
		baseCtx:   context.Background(),
		corr:      make(map[string]corrRef),
		opens:     make(map[string]*openOp),
		reversals: make(map[string]*reversal),
	}
	e.breaker = circuit.NewCircuitBreaker("broker-send", opts.BreakerThreshold, opts.BreakerCooldown)
	e.breaker.SetClock(opts.Now)
	e.balance.Store(float64(0))
	e.haltReason.Store("")
	return e
}

// SetHooks must be called before the loop starts.
func (e *Engine) SetHooks(h Hooks) { e.hooks = h }

// Start sets the context inherited by send goroutines.
func (e *Engine) Start(ctx context.Context) {
	if ctx != nil {
		e.baseCtx = ctx
	}
}

// Wait blocks until every send goroutine has returned.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) Halted() (bool, string) {
	return e.halted.Load(), e.haltReason.Load().(string)
}

// Halt stops new submissions. Reconciliation keeps running.
func (e *Engine) Halt(reason string) {
	if e.halted.CompareAndSwap(false, true) {
		e.haltReason.Store(reason)
		e.fault(monitor.KindFatal, "halted", "", "new order submission halted", map[string]any{"reason": reason})
	}
}

// Resume clears a halt; an operator action.
func (e *Engine) Resume() {
	if e.halted.CompareAndSwap(true, false) {
		e.haltReason.Store("")
		logger.Warn("execution resumed by operator")
	}
}

// Balance is the account balance from the last positions response.
func (e *Engine) Balance() float64 { return e.balance.Load().(float64) }

func (e *Engine) Breaker() circuit.State { return e.breaker.State() }

// PendingOpens is the number of opens awaiting a final answer.
func (e *Engine) PendingOpens() int { return len(e.opens) }

// Busy reports whether instrument has an open or a reversal in flight.
func (e *Engine) Busy(instrument string) bool {
	if _, ok := e.ledger.Provisional(instrument); ok {
		return true
	}
	for _, r := range e.reversals {
		if r.intent.Instrument == instrument {
			return true
		}
	}
	return false
}

func (e *Engine) spawn(fn func(ctx context.Context)) {
	ctx := e.baseCtx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

func (e *Engine) publish(kind bridge.Kind, instrument string, payload any) {
	e.bridge.Publish(bridge.Event{Kind: kind, Instrument: instrument, At: e.opts.Now(), Payload: payload}, bridge.ClassCritical)
}

// send retries transport send failures with backoff. Only failures to hand
// the request to the transport are retried; once sent, a request is never
// repeated. A failed websocket write may still have reached the broker, so
// a retried open relies on the broker de-duplicating by Request.Tag.
func (e *Engine) send(ctx context.Context, req broker.Request) (string, int, error) {
	b := &backoff.Backoff{Min: e.opts.RetryMin, Max: e.opts.RetryMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= e.opts.SendAttempts; attempt++ {
		id, err := e.transport.SendRequest(ctx, req)
		if err == nil {
			return id, attempt, nil
		}
		lastErr = err
		logger.Debugf("execution: send %s attempt %d/%d failed: %v", req.Kind, attempt, e.opts.SendAttempts, err)
		if errors.Is(err, broker.ErrClosed) || ctx.Err() != nil || attempt == e.opts.SendAttempts {
			return "", attempt, lastErr
		}
		select {
		case <-ctx.Done():
			return "", attempt, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return "", e.opts.SendAttempts, lastErr
}

func (e *Engine) remember(id string, ref corrRef) {
	e.corrMu.Lock()
	e.corr[id] = ref
	e.corrMu.Unlock()
}

func (e *Engine) lookup(id string) (corrRef, bool) {
	e.corrMu.Lock()
	defer e.corrMu.Unlock()
	ref, ok := e.corr[id]
	return ref, ok
}

func (e *Engine) forget(id string) {
	e.corrMu.Lock()
	delete(e.corr, id)
	e.corrMu.Unlock()
}

func (e *Engine) fault(kind monitor.Kind, key, instrument, msg string, fields map[string]any) {
	e.recorder.Record(monitor.Fault{Kind: kind, Key: key, Instrument: instrument, Message: msg, At: e.opts.Now(), Fields: fields})
}

func (e *Engine) count(name string) { e.recorder.Incr(name, 1) }

func (e *Engine) trade(ev notifier.TradeEvent) {
	if ev.At.IsZero() {
		ev.At = e.opts.Now()
	}
	if e.hooks.OnTrade != nil {
		e.hooks.OnTrade(ev)
	}
	if e.sink != nil {
		e.sink.NotifyMessage(ev.Message())
	}
}

func (e *Engine) requestReconcile(reason string) {
	if e.hooks.RequestReconcile != nil {
		e.hooks.RequestReconcile(reason)
		return
	}
	e.RequestPositions(reason)
}

// Handle applies one bridged event. It reports false for kinds it does not
// own.
func (e *Engine) Handle(evt bridge.Event) bool {
	switch p := evt.Payload.(type) {
	case OpenResult:
		e.ApplyOpenResult(p)
	case CloseResult:
		e.ApplyCloseResult(p)
	case PositionsResult:
		e.ApplyPositions(p)
	case broker.PushEvent:
		e.ApplyPush(p)
	default:
		if evt.Kind == KindReconcileDue {
			e.RequestPositions("scheduled")
			return true
		}
		return false
	}
	return true
}

func isTimeout(err error) bool {
	return errors.Is(err, broker.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func errText(resp broker.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	if resp.Err != nil {
		return fmt.Sprintf("%s: %s", resp.Err.Code, resp.Err.Message)
	}
	return ""
}
