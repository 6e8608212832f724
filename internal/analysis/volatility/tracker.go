// Package volatility keeps per-instrument bars and an ATR estimate used to
// size trigger zones.
package volatility

import (
	"sort"
	"sync"
	"time"

	"intraday/internal/analysis/indicator"
	"intraday/internal/market"
	"intraday/internal/types"
)

type Options struct {
	Interval time.Duration
	Period   int
	MaxBars  int
	// FallbackPct of the last price is reported until enough bars exist.
	FallbackPct float64
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Period <= 0 {
		o.Period = 14
	}
	if o.MaxBars <= o.Period+1 {
		o.MaxBars = (o.Period + 1) * 4
	}
	if o.FallbackPct <= 0 {
		o.FallbackPct = 0.002
	}
}

type series struct {
	bars      *market.BarBuilder
	atr       float64
	lastPrice float64
	lastAt    time.Time
}

// Tracker is fed by the control loop; readers may call Estimate concurrently.
type Tracker struct {
	mu   sync.RWMutex
	opts Options
	data map[string]*series
}

func NewTracker(opts Options) *Tracker {
	opts.applyDefaults()
	return &Tracker{opts: opts, data: make(map[string]*series)}
}

// Observe folds one price. The ATR is recomputed only when a bar closes.
func (t *Tracker) Observe(instrument string, price float64, at time.Time) {
	instrument = types.NormalizeInstrument(instrument)
	if instrument == "" || !(price > 0) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.data[instrument]
	if !ok {
		s = &series{bars: market.NewBarBuilder(t.opts.Interval, t.opts.MaxBars)}
		t.data[instrument] = s
	}
	s.lastPrice = price
	s.lastAt = at
	if s.bars.Add(price, at) {
		if v, err := indicator.ATR(s.bars.Closed(), t.opts.Period); err == nil {
			s.atr = v
		}
	}
}

// Estimate is the ATR for instrument. When not enough bars exist yet it
// falls back to a fixed fraction of the last price and reports false.
func (t *Tracker) Estimate(instrument string) (float64, bool) {
	instrument = types.NormalizeInstrument(instrument)
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.data[instrument]
	if !ok {
		return 0, false
	}
	if s.atr > 0 {
		return s.atr, true
	}
	return s.lastPrice * t.opts.FallbackPct, false
}

func (t *Tracker) LastPrice(instrument string) (float64, time.Time, bool) {
	instrument = types.NormalizeInstrument(instrument)
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.data[instrument]
	if !ok {
		return 0, time.Time{}, false
	}
	return s.lastPrice, s.lastAt, true
}

func (t *Tracker) Instruments() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.data))
	for k := range t.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
