// Package ledger is the local record of open, provisional and closing
// positions. The broker's position list is authoritative; Reconcile repairs
// any drift.
package ledger

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"intraday/internal/logger"
	"intraday/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultOrphanGrace    = 30 * time.Second
	defaultProvisionalTTL = 2 * time.Minute
	defaultCloseHistory   = 50
	resolvedRetention     = time.Hour
	sizeEpsilon           = 1e-9
)

type Options struct {
	// OrphanGrace is how long a position missing from the broker is kept in
	// quarantine before it is purged.
	OrphanGrace time.Duration
	// ProvisionalTTL bounds how long an unconfirmed open may hold its
	// instrument before reconciliation drops it.
	ProvisionalTTL time.Duration
	CloseHistory   int
	Now            func() time.Time
}

func (o *Options) applyDefaults() {
	if o.OrphanGrace <= 0 {
		o.OrphanGrace = defaultOrphanGrace
	}
	if o.ProvisionalTTL <= 0 {
		o.ProvisionalTTL = defaultProvisionalTTL
	}
	if o.CloseHistory <= 0 {
		o.CloseHistory = defaultCloseHistory
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type resolution struct {
	positionID string
	at         time.Time
}

// Ledger is mutated by the control loop only; the lock exists for the
// concurrent Snapshot readers.
type Ledger struct {
	mu   sync.RWMutex
	opts Options

	positions   map[string]*Position
	provisional map[string]*Position
	pending     map[string]PendingClose
	orphans     map[string]*Orphan
	resolved    map[string]resolution
	closed      map[string]time.Time
	recent      []ClosedPosition

	realized      decimal.Decimal
	version       uint64
	lastReconcile time.Time
}

func New(opts Options) *Ledger {
	opts.applyDefaults()
	return &Ledger{
		opts:        opts,
		positions:   make(map[string]*Position),
		provisional: make(map[string]*Position),
		pending:     make(map[string]PendingClose),
		orphans:     make(map[string]*Orphan),
		resolved:    make(map[string]resolution),
		closed:      make(map[string]time.Time),
	}
}

// MarkProvisional reserves instrument for one in-flight open.
func (l *Ledger) MarkProvisional(in Intent) (Ticket, error) {
	in.Instrument = types.NormalizeInstrument(in.Instrument)
	if in.Instrument == "" || !in.Direction.Valid() || !(in.Size > 0) {
		return Ticket{}, fmt.Errorf("%w: instrument=%q direction=%q size=%v",
			ErrInvalidPosition, in.Instrument, in.Direction, in.Size)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.provisional[in.Instrument]; ok {
		return Ticket{}, &ConflictError{Instrument: in.Instrument, Holder: held.Ticket, Since: held.OpenedAt}
	}
	now := l.opts.Now()
	t := Ticket{
		ID:         uuid.NewString(),
		Instrument: in.Instrument,
		Direction:  in.Direction,
		Size:       in.Size,
		Stop:       in.Stop,
		Target:     in.Target,
		SignalID:   in.SignalID,
		IssuedAt:   now,
	}
	l.provisional[in.Instrument] = &Position{
		Ticket:      t.ID,
		SignalID:    t.SignalID,
		Instrument:  t.Instrument,
		Direction:   t.Direction,
		Size:        t.Size,
		Stop:        t.Stop,
		Target:      t.Target,
		OpenedAt:    now,
		Provisional: true,
	}
	l.version++
	return t, nil
}

// RollbackProvisional releases the reservation held by t. It reports false
// when the entry was already resolved or dropped.
func (l *Ledger) RollbackProvisional(t Ticket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	instrument := types.NormalizeInstrument(t.Instrument)
	held, ok := l.provisional[instrument]
	if !ok || held.Ticket != t.ID {
		return false
	}
	delete(l.provisional, instrument)
	l.version++
	return true
}

// ConfirmOpen turns the provisional entry of t into a confirmed position.
// Repeating the call with the same broker id changes nothing. A confirmation
// for a ticket whose provisional entry was already dropped still records the
// position since the broker says it exists.
func (l *Ledger) ConfirmOpen(t Ticket, positionID string, fillPrice float64) (Position, error) {
	if positionID == "" {
		return Position{}, ErrEmptyPositionID
	}
	if t.ID == "" {
		return Position{}, ErrInvalidTicket
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opts.Now()
	instrument := types.NormalizeInstrument(t.Instrument)

	if held, ok := l.provisional[instrument]; ok && held.Ticket == t.ID {
		delete(l.provisional, instrument)
		l.version++
	}
	if existing, ok := l.positions[positionID]; ok {
		l.resolved[t.ID] = resolution{positionID: positionID, at: now}
		return *existing, nil
	}
	if _, ok := l.closed[positionID]; ok {
		// confirmation of an open that has since been closed
		for _, c := range l.recent {
			if c.PositionID == positionID {
				return c.Position, nil
			}
		}
		return Position{PositionID: positionID, Instrument: instrument, Direction: t.Direction}, nil
	}

	pos := &Position{
		PositionID: positionID,
		Ticket:     t.ID,
		SignalID:   t.SignalID,
		Instrument: instrument,
		Direction:  t.Direction,
		Size:       t.Size,
		EntryPrice: fillPrice,
		Stop:       t.Stop,
		Target:     t.Target,
		OpenedAt:   now,
	}
	if o, ok := l.orphans[positionID]; ok {
		pos.OpenedAt = o.OpenedAt
		delete(l.orphans, positionID)
	}
	l.positions[positionID] = pos
	l.resolved[t.ID] = resolution{positionID: positionID, at: now}
	l.version++
	return *pos, nil
}

// Resolved reports the broker id a ticket was confirmed or matched to.
func (l *Ledger) Resolved(ticketID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.resolved[ticketID]
	return r.positionID, ok
}

// ConfirmClose removes positionID. It reports false when the position was
// already absent, which makes duplicate confirmations harmless.
func (l *Ledger) ConfirmClose(positionID string, out CloseOutcome) (ClosedPosition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(positionID, out)
}

func (l *Ledger) removeLocked(positionID string, out CloseOutcome) (ClosedPosition, bool) {
	var pos Position
	if p, ok := l.positions[positionID]; ok {
		pos = *p
		delete(l.positions, positionID)
	} else if o, ok := l.orphans[positionID]; ok {
		pos = o.Position
		delete(l.orphans, positionID)
	} else {
		delete(l.pending, positionID)
		return ClosedPosition{}, false
	}
	delete(l.pending, positionID)
	at := out.At
	if at.IsZero() {
		at = l.opts.Now()
	}
	closed := ClosedPosition{
		Position:    pos,
		ClosedAt:    at,
		ExitPrice:   out.FillPrice,
		RealizedPnL: out.RealizedPnL,
		Reason:      out.Reason,
	}
	l.realized = l.realized.Add(decimal.NewFromFloat(out.RealizedPnL))
	l.closed[positionID] = at
	l.recent = append(l.recent, closed)
	if over := len(l.recent) - l.opts.CloseHistory; over > 0 {
		l.recent = append([]ClosedPosition(nil), l.recent[over:]...)
	}
	l.version++
	return closed, true
}

// MarkPendingClose records that a close request is in flight. The position
// stays open until a confirmation or reconciliation removes it.
func (l *Ledger) MarkPendingClose(positionID, reason string) (PendingClose, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[positionID]
	if !ok {
		return PendingClose{}, fmt.Errorf("%w: %s", ErrUnknownPosition, positionID)
	}
	if pc, ok := l.pending[positionID]; ok {
		return pc, ErrClosePending
	}
	pc := PendingClose{PositionID: positionID, Instrument: pos.Instrument, RequestedAt: l.opts.Now(), Reason: reason}
	l.pending[positionID] = pc
	l.version++
	return pc, nil
}

// ClearPendingClose is used when the broker rejected the close and the
// position is still open.
func (l *Ledger) ClearPendingClose(positionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[positionID]; !ok {
		return false
	}
	delete(l.pending, positionID)
	l.version++
	return true
}

func (l *Ledger) IsPendingClose(positionID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.pending[positionID]
	return ok
}

func (l *Ledger) PendingCloses() []PendingClose {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pendingLocked()
}

func (l *Ledger) pendingLocked() []PendingClose {
	out := make([]PendingClose, 0, len(l.pending))
	for _, pc := range l.pending {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].PositionID < out[j].PositionID
	})
	return out
}

func (l *Ledger) Get(positionID string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[positionID]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Open returns confirmed positions on instrument, oldest first.
func (l *Ledger) Open(instrument string) []Position {
	instrument = types.NormalizeInstrument(instrument)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Position
	for _, p := range l.positions {
		if p.Instrument == instrument {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out
}

func (l *Ledger) Provisional(instrument string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.provisional[types.NormalizeInstrument(instrument)]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

func (l *Ledger) ProvisionalCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.provisional)
}

func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Version increases on every mutation.
func (l *Ledger) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Snapshot copies the ledger under the read lock.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Snapshot{
		Version:       l.version,
		TakenAt:       l.opts.Now(),
		Positions:     make([]Position, 0, len(l.positions)),
		Provisional:   make([]Position, 0, len(l.provisional)),
		PendingCloses: l.pendingLocked(),
		Orphans:       make([]Orphan, 0, len(l.orphans)),
		RecentCloses:  append([]ClosedPosition(nil), l.recent...),
		RealizedPnL:   l.realized.InexactFloat64(),
		LastReconcile: l.lastReconcile,
	}
	for _, p := range l.positions {
		s.Positions = append(s.Positions, *p)
	}
	for _, p := range l.provisional {
		s.Provisional = append(s.Provisional, *p)
	}
	for _, o := range l.orphans {
		s.Orphans = append(s.Orphans, *o)
	}
	sortPositions(s.Positions)
	sortPositions(s.Provisional)
	sort.Slice(s.Orphans, func(i, j int) bool { return s.Orphans[i].PositionID < s.Orphans[j].PositionID })
	return s
}

// Risk is a convenience for Snapshot().Risk(balance).
func (l *Ledger) Risk(balance float64) RiskSnapshot {
	return l.Snapshot().Risk(balance)
}

// Checkpoint lists confirmed positions for restart recovery.
func (l *Ledger) Checkpoint() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, Record{
			PositionID: p.PositionID,
			Instrument: p.Instrument,
			Direction:  p.Direction,
			Size:       p.Size,
			EntryPrice: p.EntryPrice,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// Restore loads checkpoint records. Restored positions are superseded by the
// first Reconcile. Invalid records are skipped.
func (l *Ledger) Restore(records []Record) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opts.Now()
	n := 0
	for _, r := range records {
		instrument := types.NormalizeInstrument(r.Instrument)
		if r.PositionID == "" || instrument == "" || !r.Direction.Valid() || !(r.Size > 0) {
			logger.Warn("ledger: skip invalid checkpoint record", "position_id", r.PositionID, "instrument", r.Instrument)
			continue
		}
		if _, ok := l.positions[r.PositionID]; ok {
			continue
		}
		l.positions[r.PositionID] = &Position{
			PositionID: r.PositionID,
			Instrument: instrument,
			Direction:  r.Direction,
			Size:       r.Size,
			EntryPrice: r.EntryPrice,
			OpenedAt:   now,
			Restored:   true,
		}
		n++
	}
	if n > 0 {
		l.version++
	}
	return n
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Instrument != ps[j].Instrument {
			return ps[i].Instrument < ps[j].Instrument
		}
		if !ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].OpenedAt.Before(ps[j].OpenedAt)
		}
		return ps[i].PositionID < ps[j].PositionID
	})
}

func sizeDiffers(a, b float64) bool {
	return math.Abs(a-b) > sizeEpsilon
}
