package market

import "time"

// BarBuilder folds ticks into fixed-interval candles aligned to the interval
// boundary. It keeps at most Max closed candles.
type BarBuilder struct {
	Interval time.Duration
	Max      int

	current *Candle
	closed  Candles
}

func NewBarBuilder(interval time.Duration, max int) *BarBuilder {
	if interval <= 0 {
		interval = time.Minute
	}
	if max <= 0 {
		max = 200
	}
	return &BarBuilder{Interval: interval, Max: max}
}

// Add folds one tick. It reports true when the tick closed at least one bar.
func (b *BarBuilder) Add(price float64, at time.Time) bool {
	if !(price > 0) {
		return false
	}
	start := at.Truncate(b.Interval)
	closedAny := false
	if b.current != nil && start.UnixMilli() > b.current.OpenTime {
		b.closed = append(b.closed, *b.current)
		if over := len(b.closed) - b.Max; over > 0 {
			b.closed = append(Candles(nil), b.closed[over:]...)
		}
		b.current = nil
		closedAny = true
	}
	if b.current == nil {
		b.current = &Candle{
			OpenTime:  start.UnixMilli(),
			CloseTime: start.Add(b.Interval).UnixMilli() - 1,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
		}
	}
	c := b.current
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Ticks++
	return closedAny
}

// Closed returns a copy of the completed candles, oldest first.
func (b *BarBuilder) Closed() Candles {
	return append(Candles(nil), b.closed...)
}

// Current returns the bar still being built.
func (b *BarBuilder) Current() (Candle, bool) {
	if b.current == nil {
		return Candle{}, false
	}
	return *b.current, true
}
