package signal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"intraday/internal/logger"
	"intraday/internal/types"

	"github.com/google/uuid"
)

const (
	defaultTolerance    = 0.5
	defaultFallbackPct  = 0.001
	defaultHistoryLimit = 500
)

type Options struct {
	// Tolerance is the half-width of the trigger zone in ATR units.
	Tolerance float64
	// FallbackZonePct is used as the half-width, relative to entry, while no
	// ATR is available yet.
	FallbackZonePct float64
	Validity        Validity
	Thresholds      Thresholds
	HistoryLimit    int
	Now             func() time.Time
	OnTransition    func(Transition)
}

func (o *Options) applyDefaults() {
	if o.Tolerance <= 0 {
		o.Tolerance = defaultTolerance
	}
	if o.FallbackZonePct <= 0 {
		o.FallbackZonePct = defaultFallbackPct
	}
	def := DefaultValidity()
	if o.Validity.Short <= 0 {
		o.Validity.Short = def.Short
	}
	if o.Validity.Standard <= 0 {
		o.Validity.Standard = def.Standard
	}
	if o.Validity.Extended <= 0 {
		o.Validity.Extended = def.Extended
	}
	if o.Thresholds == (Thresholds{}) {
		o.Thresholds = DefaultThresholds()
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = defaultHistoryLimit
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager owns every signal record. Mutations come from the control loop;
// History and Active may be read from other goroutines.
type Manager struct {
	mu     sync.RWMutex
	opts   Options
	active map[string]*Record
	all    []*Record
	byID   map[string]*Record
}

func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:   opts,
		active: make(map[string]*Record),
		byID:   make(map[string]*Record),
	}
}

// Submit registers sig as PENDING. Missing id, creation time and validity
// mode are filled in; the validity mode is never changed afterwards.
func (m *Manager) Submit(sig Signal) (Record, error) {
	if err := sig.Validate(); err != nil {
		return Record{}, err
	}
	sig.Instrument = types.NormalizeInstrument(sig.Instrument)
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Validity == "" {
		sig.Validity = SelectValidity(sig.Quality, sig.Confidence, m.opts.Thresholds)
	}

	m.mu.Lock()
	if _, ok := m.byID[sig.ID]; ok {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicate, sig.ID)
	}
	now := m.opts.Now()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}
	rec := &Record{
		Signal:           sig,
		State:            StatePending,
		ExpiresAt:        sig.CreatedAt.Add(m.opts.Validity.TTL(sig.Validity)),
		LastTransitionAt: now,
	}
	m.active[sig.ID] = rec
	m.byID[sig.ID] = rec
	m.all = append(m.all, rec)
	m.trimLocked()
	out := *rec
	m.mu.Unlock()

	logger.Info("signal submitted", "signal_id", sig.ID, "instrument", sig.Instrument,
		"direction", sig.Direction.String(), "entry", sig.Entry, "validity", string(sig.Validity),
		"expires_at", rec.ExpiresAt.Format(time.RFC3339))
	return out, nil
}

// Evaluate applies price and clock to every live signal on instrument and
// returns the transitions that happened.
func (m *Manager) Evaluate(instrument string, price, atr float64, now time.Time) []Transition {
	instrument = types.NormalizeInstrument(instrument)
	m.mu.Lock()
	var out []Transition
	for _, rec := range m.sortedActiveLocked() {
		if rec.Signal.Instrument != instrument {
			continue
		}
		if rec.Reserved {
			if price > 0 {
				rec.lastPrice = price
			}
			continue
		}
		if tr, ok := m.evaluateLocked(rec, price, atr, now); ok {
			out = append(out, tr)
		}
		if price > 0 {
			rec.lastPrice = price
		}
	}
	m.mu.Unlock()
	m.publish(out)
	return out
}

// Expire checks only the clock for every live signal. The loop calls it on
// idle ticks so signals on quiet instruments still expire on time.
func (m *Manager) Expire(now time.Time) []Transition {
	m.mu.Lock()
	var out []Transition
	for _, rec := range m.sortedActiveLocked() {
		if rec.Reserved || now.Before(rec.ExpiresAt) {
			continue
		}
		if tr, err := m.transitionLocked(rec, StateExpired, "validity window elapsed", rec.lastPrice, now); err == nil {
			out = append(out, tr)
		}
	}
	m.mu.Unlock()
	m.publish(out)
	return out
}

func (m *Manager) evaluateLocked(rec *Record, price, atr float64, now time.Time) (Transition, bool) {
	if !now.Before(rec.ExpiresAt) {
		tr, err := m.transitionLocked(rec, StateExpired, "validity window elapsed", price, now)
		return tr, err == nil
	}
	if !(price > 0) {
		return Transition{}, false
	}
	sig := rec.Signal
	lo, hi := m.zone(sig, atr)
	beyondTarget := (sig.Direction == types.Long && price >= sig.Target) ||
		(sig.Direction == types.Short && price <= sig.Target)

	switch rec.State {
	case StatePending:
		if price >= lo && price <= hi {
			tr, err := m.transitionLocked(rec, StateTriggered, "price entered trigger zone", price, now)
			if err == nil {
				rec.TriggeredAt = now
				rec.TriggerPrice = price
			}
			return tr, err == nil
		}
		if beyondTarget {
			tr, err := m.transitionLocked(rec, StateMissed, "target reached before entry", price, now)
			return tr, err == nil
		}
		if prev := rec.lastPrice; prev > 0 && ((prev < lo && price > hi) || (prev > hi && price < lo)) {
			tr, err := m.transitionLocked(rec, StateMissed, "price gapped through trigger zone", price, now)
			return tr, err == nil
		}
	case StateTriggered:
		stopHit := (sig.Direction == types.Long && price <= sig.Stop) ||
			(sig.Direction == types.Short && price >= sig.Stop)
		switch {
		case stopHit:
			tr, err := m.transitionLocked(rec, StateMissed, "stop breached before execution", price, now)
			return tr, err == nil
		case beyondTarget:
			tr, err := m.transitionLocked(rec, StateMissed, "target reached before execution", price, now)
			return tr, err == nil
		}
	}
	return Transition{}, false
}

// zone returns the trigger band around the entry.
func (m *Manager) zone(sig Signal, atr float64) (float64, float64) {
	half := m.opts.Tolerance * atr
	if !(half > 0) {
		half = sig.Entry * m.opts.FallbackZonePct
	}
	return sig.Entry - half, sig.Entry + half
}

func (m *Manager) transitionLocked(rec *Record, to State, reason string, price float64, now time.Time) (Transition, error) {
	from := rec.State
	if from.Terminal() {
		return Transition{}, fmt.Errorf("%w: %s is %s", ErrTerminal, rec.Signal.ID, from)
	}
	if !canTransition(from, to) {
		if to == StateExecuted {
			return Transition{}, fmt.Errorf("%w: %s is %s", ErrNotTriggered, rec.Signal.ID, from)
		}
		return Transition{}, fmt.Errorf("signal: %s cannot move %s -> %s", rec.Signal.ID, from, to)
	}
	rec.State = to
	rec.LastTransitionAt = now
	if to.Terminal() {
		rec.Reason = reason
		rec.Reserved = false
		delete(m.active, rec.Signal.ID)
	}
	return Transition{
		SignalID:   rec.Signal.ID,
		Instrument: rec.Signal.Instrument,
		From:       from,
		To:         to,
		Reason:     reason,
		Price:      price,
		At:         now,
	}, nil
}

// MarkExecuted records that an order was initiated for a TRIGGERED signal.
func (m *Manager) MarkExecuted(id string) (Transition, error) {
	return m.apply(id, StateExecuted, "order initiated")
}

// Reserve pins a TRIGGERED signal while an order for it is being arranged.
// A reserved signal is left alone by evaluation, expiry and bulk cancels
// until MarkExecuted or Cancel settles it.
func (m *Manager) Reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSignal, id)
	}
	switch {
	case rec.State.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, rec.State)
	case rec.State != StateTriggered:
		return fmt.Errorf("%w: %s is %s", ErrNotTriggered, id, rec.State)
	}
	rec.Reserved = true
	return nil
}

func (m *Manager) Cancel(id, reason string) (Transition, error) {
	return m.apply(id, StateCancelled, reason)
}

func (m *Manager) apply(id string, to State, reason string) (Transition, error) {
	m.mu.Lock()
	rec, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return Transition{}, fmt.Errorf("%w: %s", ErrUnknownSignal, id)
	}
	tr, err := m.transitionLocked(rec, to, reason, rec.lastPrice, m.opts.Now())
	m.mu.Unlock()
	if err != nil {
		return Transition{}, err
	}
	m.publish([]Transition{tr})
	return tr, nil
}

// CancelInstrument cancels every live signal on instrument except keepID.
func (m *Manager) CancelInstrument(instrument, reason, keepID string) []Transition {
	instrument = types.NormalizeInstrument(instrument)
	return m.cancelWhere(reason, func(r *Record) bool {
		return r.Signal.Instrument == instrument && r.Signal.ID != keepID
	})
}

func (m *Manager) CancelAll(reason string) []Transition {
	return m.cancelWhere(reason, func(*Record) bool { return true })
}

func (m *Manager) cancelWhere(reason string, match func(*Record) bool) []Transition {
	m.mu.Lock()
	now := m.opts.Now()
	var out []Transition
	for _, rec := range m.sortedActiveLocked() {
		if rec.Reserved || !match(rec) {
			continue
		}
		if tr, err := m.transitionLocked(rec, StateCancelled, reason, rec.lastPrice, now); err == nil {
			out = append(out, tr)
		}
	}
	m.mu.Unlock()
	m.publish(out)
	return out
}

// Triggered lists TRIGGERED signals, best first. An empty instrument means
// all instruments.
func (m *Manager) Triggered(instrument string) []Record {
	instrument = types.NormalizeInstrument(instrument)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.active {
		if rec.State != StateTriggered || rec.Reserved {
			continue
		}
		if instrument != "" && rec.Signal.Instrument != instrument {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Signal, out[j].Signal
		if a.Quality != b.Quality {
			return a.Quality > b.Quality
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

// Active lists non-terminal signals in submission order.
func (m *Manager) Active() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.sortedActiveLocked()
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, *r)
	}
	return out
}

func (m *Manager) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// History returns up to limit signals, newest first.
func (m *Manager) History(limit int) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.all) {
		limit = len(m.all)
	}
	out := make([]Record, 0, limit)
	for i := len(m.all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.all[i])
	}
	return out
}

// Counts returns the number of known signals per state.
func (m *Manager) Counts() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[State]int)
	for _, r := range m.all {
		out[r.State]++
	}
	return out
}

func (m *Manager) sortedActiveLocked() []*Record {
	out := make([]*Record, 0, len(m.active))
	for _, r := range m.all {
		if _, ok := m.active[r.Signal.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// trimLocked drops the oldest terminal records beyond the history limit.
func (m *Manager) trimLocked() {
	over := len(m.all) - m.opts.HistoryLimit
	if over <= 0 {
		return
	}
	kept := m.all[:0]
	for _, r := range m.all {
		if over > 0 && r.State.Terminal() {
			delete(m.byID, r.Signal.ID)
			over--
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(m.all); i++ {
		m.all[i] = nil
	}
	m.all = kept
}

func (m *Manager) publish(trs []Transition) {
	for _, tr := range trs {
		logger.Info("signal transition", "signal_id", tr.SignalID, "instrument", tr.Instrument,
			"from", string(tr.From), "to", string(tr.To), "reason", tr.Reason, "price", tr.Price)
		if m.opts.OnTransition != nil {
			m.opts.OnTransition(tr)
		}
	}
}
