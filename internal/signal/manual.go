package signal

import (
	"sort"
	"sync"

	"intraday/internal/types"
)

// ManualSource queues operator-submitted signals and hands them out one at a
// time through the ScoringEngine interface.
type ManualSource struct {
	mu    sync.Mutex
	queue map[string][]Signal
	limit int
}

func NewManualSource(limitPerInstrument int) *ManualSource {
	if limitPerInstrument <= 0 {
		limitPerInstrument = 8
	}
	return &ManualSource{queue: make(map[string][]Signal), limit: limitPerInstrument}
}

// Push validates and enqueues sig. When the per-instrument queue is full the
// oldest queued signal is discarded.
func (s *ManualSource) Push(sig Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	sig.Instrument = types.NormalizeInstrument(sig.Instrument)
	if sig.Source == "" {
		sig.Source = "manual"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := append(s.queue[sig.Instrument], sig)
	if len(q) > s.limit {
		q = q[len(q)-s.limit:]
	}
	s.queue[sig.Instrument] = q
	return nil
}

func (s *ManualSource) GenerateSignal(mc MarketContext) (Signal, bool) {
	instrument := types.NormalizeInstrument(mc.Instrument)
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue[instrument]
	if len(q) == 0 {
		return Signal{}, false
	}
	sig := q[0]
	if len(q) == 1 {
		delete(s.queue, instrument)
	} else {
		s.queue[instrument] = q[1:]
	}
	return sig, true
}

// Queued is the number of signals waiting across all instruments.
func (s *ManualSource) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queue {
		n += len(q)
	}
	return n
}

// Instruments lists instruments with queued signals.
func (s *ManualSource) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.queue))
	for instrument := range s.queue {
		out = append(out, instrument)
	}
	sort.Strings(out)
	return out
}

// Chain asks each engine in order and returns the first signal produced.
type Chain []ScoringEngine

func (c Chain) GenerateSignal(mc MarketContext) (Signal, bool) {
	for _, e := range c {
		if e == nil {
			continue
		}
		if sig, ok := e.GenerateSignal(mc); ok {
			return sig, true
		}
	}
	return Signal{}, false
}

// Instruments merges the instruments reported by engines that know which
// instruments they have work for.
func (c Chain) Instruments() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range c {
		l, ok := e.(InstrumentLister)
		if !ok {
			continue
		}
		for _, instrument := range l.Instruments() {
			if _, dup := seen[instrument]; dup {
				continue
			}
			seen[instrument] = struct{}{}
			out = append(out, instrument)
		}
	}
	sort.Strings(out)
	return out
}
