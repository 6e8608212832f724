// Package bridge moves events from the transport goroutines to the control
// loop goroutine.
//
// Two queues are kept. The critical queue holds fills, rejections, errors and
// timer events and is never shed. The market-data queue is small, bounded and
// coalescing: a newer undelivered tick for the same instrument replaces the
// older one, and when the queue is full the oldest entry is evicted and
// counted. Publish never blocks and never fails.
package bridge

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Class decides which queue an event goes to.
type Class int

const (
	ClassCritical Class = iota
	ClassMarketData
)

func (c Class) String() string {
	switch c {
	case ClassCritical:
		return "critical"
	case ClassMarketData:
		return "market_data"
	default:
		return "unknown"
	}
}

// Kind names an event type. Producers own the set of kinds.
type Kind string

// Event is the unit crossing the bridge.
type Event struct {
	ID         string
	Kind       Kind
	Class      Class
	Instrument string
	At         time.Time
	Payload    any

	seq uint64
}

// Seq is the publish order assigned by the bridge.
func (e Event) Seq() uint64 { return e.seq }

func (e Event) coalesceKey() string {
	return string(e.Kind) + "|" + e.Instrument
}

const (
	DefaultCapacity    = 500
	DefaultDrainBudget = 256
)

// Options tunes the market-data queue.
type Options struct {
	Capacity    int
	DrainBudget int
	// OnDrop is called outside of any lock for every evicted market-data event.
	OnDrop func(evt Event)
}

// Bridge is safe for one or more publishers and one drainer.
type Bridge struct {
	seq atomic.Uint64

	critMu   sync.Mutex
	critical []Event

	mdMu     sync.Mutex
	mdOrder  *list.List
	mdIndex  map[string]*list.Element
	capacity int
	budget   int
	dropsBy  map[string]uint64

	onDrop func(evt Event)
	wake   chan struct{}

	criticalIn   atomic.Uint64
	criticalOut  atomic.Uint64
	marketIn     atomic.Uint64
	marketOut    atomic.Uint64
	superseded   atomic.Uint64
	dropped      atomic.Uint64
	criticalPeak atomic.Uint64
}

func New(opts Options) *Bridge {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.DrainBudget <= 0 {
		opts.DrainBudget = DefaultDrainBudget
	}
	return &Bridge{
		mdOrder:  list.New(),
		mdIndex:  make(map[string]*list.Element),
		capacity: opts.Capacity,
		budget:   opts.DrainBudget,
		dropsBy:  make(map[string]uint64),
		onDrop:   opts.OnDrop,
		wake:     make(chan struct{}, 1),
	}
}

// Publish enqueues evt under class and rings the doorbell.
func (b *Bridge) Publish(evt Event, class Class) {
	if b == nil {
		return
	}
	evt.Class = class
	evt.seq = b.seq.Add(1)
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	switch class {
	case ClassMarketData:
		b.publishMarket(evt)
	default:
		evt.Class = ClassCritical
		b.critMu.Lock()
		b.critical = append(b.critical, evt)
		depth := uint64(len(b.critical))
		b.critMu.Unlock()
		b.criticalIn.Add(1)
		for {
			peak := b.criticalPeak.Load()
			if depth <= peak || b.criticalPeak.CompareAndSwap(peak, depth) {
				break
			}
		}
	}
	b.ring()
}

func (b *Bridge) publishMarket(evt Event) {
	var evicted []Event
	key := evt.coalesceKey()

	b.mdMu.Lock()
	if el, ok := b.mdIndex[key]; ok {
		el.Value = evt
		b.mdMu.Unlock()
		b.marketIn.Add(1)
		b.superseded.Add(1)
		return
	}
	for b.mdOrder.Len() >= b.capacity {
		front := b.mdOrder.Front()
		old := b.mdOrder.Remove(front).(Event)
		delete(b.mdIndex, old.coalesceKey())
		b.dropsBy[old.Instrument]++
		evicted = append(evicted, old)
	}
	b.mdIndex[key] = b.mdOrder.PushBack(evt)
	b.mdMu.Unlock()

	b.marketIn.Add(1)
	if n := len(evicted); n > 0 {
		b.dropped.Add(uint64(n))
		if b.onDrop != nil {
			for _, old := range evicted {
				b.onDrop(old)
			}
		}
	}
}

func (b *Bridge) ring() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Wake fires at least once after any Publish since the previous receive.
func (b *Bridge) Wake() <-chan struct{} {
	return b.wake
}

// Drain returns every critical event oldest-first followed by at most the
// drain budget of market-data events oldest-first.
func (b *Bridge) Drain() []Event {
	if b == nil {
		return nil
	}
	b.critMu.Lock()
	crit := b.critical
	b.critical = nil
	b.critMu.Unlock()

	out := make([]Event, 0, len(crit)+b.budget)
	out = append(out, crit...)
	b.criticalOut.Add(uint64(len(crit)))

	b.mdMu.Lock()
	n := 0
	for n < b.budget {
		front := b.mdOrder.Front()
		if front == nil {
			break
		}
		evt := b.mdOrder.Remove(front).(Event)
		delete(b.mdIndex, evt.coalesceKey())
		out = append(out, evt)
		n++
	}
	remaining := b.mdOrder.Len()
	b.mdMu.Unlock()
	b.marketOut.Add(uint64(n))

	if remaining > 0 {
		b.ring()
	}
	return out
}

// Pending reports queue depths.
func (b *Bridge) Pending() (critical, market int) {
	b.critMu.Lock()
	critical = len(b.critical)
	b.critMu.Unlock()
	b.mdMu.Lock()
	market = b.mdOrder.Len()
	b.mdMu.Unlock()
	return critical, market
}

// Stats is a point-in-time copy of the bridge counters.
type Stats struct {
	CriticalPublished   uint64            `json:"critical_published"`
	CriticalDelivered   uint64            `json:"critical_delivered"`
	CriticalPending     int               `json:"critical_pending"`
	CriticalPeak        uint64            `json:"critical_peak"`
	MarketPublished     uint64            `json:"market_published"`
	MarketDelivered     uint64            `json:"market_delivered"`
	MarketPending       int               `json:"market_pending"`
	MarketSuperseded    uint64            `json:"market_superseded"`
	MarketDropped       uint64            `json:"market_dropped"`
	DroppedByInstrument map[string]uint64 `json:"dropped_by_instrument,omitempty"`
}

func (b *Bridge) Stats() Stats {
	crit, md := b.Pending()
	s := Stats{
		CriticalPublished: b.criticalIn.Load(),
		CriticalDelivered: b.criticalOut.Load(),
		CriticalPending:   crit,
		CriticalPeak:      b.criticalPeak.Load(),
		MarketPublished:   b.marketIn.Load(),
		MarketDelivered:   b.marketOut.Load(),
		MarketPending:     md,
		MarketSuperseded:  b.superseded.Load(),
		MarketDropped:     b.dropped.Load(),
	}
	b.mdMu.Lock()
	if len(b.dropsBy) > 0 {
		s.DroppedByInstrument = make(map[string]uint64, len(b.dropsBy))
		for k, v := range b.dropsBy {
			s.DroppedByInstrument[k] = v
		}
	}
	b.mdMu.Unlock()
	return s
}
