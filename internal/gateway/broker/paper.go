package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"intraday/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Paper is an in-process broker used for dry-run mode and tests. Requests
// are applied immediately and answered asynchronously after Latency.
type Paper struct {
	mu        sync.Mutex
	pairer    *Pairer
	handlers  []func(PushEvent)
	positions map[string]*PositionReport
	byTag     map[string]string
	prices    map[string]float64
	balance   decimal.Decimal
	nextID    int
	latency   time.Duration
	closed    bool
	connected bool

	failSends int
	fatalNext bool
	rejectAll string
	suppress  map[RequestKind]int
	hold      bool
	held      []Response
	sent      []Request
}

func NewPaper(balance float64, latency time.Duration) *Paper {
	p := &Paper{
		positions: make(map[string]*PositionReport),
		byTag:     make(map[string]string),
		prices:    make(map[string]float64),
		balance:   decimal.NewFromFloat(balance),
		latency:   latency,
		suppress:  make(map[RequestKind]int),
	}
	p.pairer = NewPairer(func(resp Response) {
		r := resp
		p.emit(PushEvent{Kind: PushLateResponse, Response: &r, Instrument: resp.Instrument})
	})
	return p
}

func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.connected = true
	return nil
}

func (p *Paper) OnEvent(handler func(PushEvent)) {
	if handler == nil {
		return
	}
	p.mu.Lock()
	p.handlers = append(p.handlers, handler)
	p.mu.Unlock()
}

func (p *Paper) emit(evt PushEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	p.mu.Lock()
	hs := append([]func(PushEvent){}, p.handlers...)
	p.mu.Unlock()
	for _, h := range hs {
		h(evt)
	}
}

func (p *Paper) SendRequest(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	if p.failSends > 0 {
		p.failSends--
		p.mu.Unlock()
		return "", fmt.Errorf("%w: paper: injected failure", ErrSendFailed)
	}
	id := uuid.NewString()
	p.pairer.Register(id, req.Kind)
	p.sent = append(p.sent, req)
	resp := p.applyLocked(id, req)
	if n := p.suppress[req.Kind]; n > 0 {
		p.suppress[req.Kind] = n - 1
		p.mu.Unlock()
		return id, nil
	}
	if p.hold {
		p.held = append(p.held, resp)
		p.mu.Unlock()
		return id, nil
	}
	latency := p.latency
	p.mu.Unlock()

	p.deliverAfter(resp, latency)
	return id, nil
}

func (p *Paper) deliverAfter(resp Response, latency time.Duration) {
	if latency <= 0 {
		go p.pairer.Deliver(resp)
		return
	}
	time.AfterFunc(latency, func() { p.pairer.Deliver(resp) })
}

func (p *Paper) applyLocked(id string, req Request) Response {
	now := time.Now()
	resp := Response{CorrelationID: id, Kind: req.Kind, Instrument: req.Instrument, Direction: req.Direction, At: now}
	if p.fatalNext && req.Kind != RequestPositions {
		p.fatalNext = false
		resp.Err = &Error{Code: "account_disabled", Class: ErrorFatal, Message: "paper: account disabled"}
		return resp
	}
	if p.rejectAll != "" && req.Kind != RequestPositions {
		resp.Err = &Error{Code: p.rejectAll, Class: ClassifyCode(p.rejectAll)}
		return resp
	}
	switch req.Kind {
	case RequestOpen:
		if req.Size <= 0 || !req.Direction.Valid() {
			resp.Err = &Error{Code: "invalid_order", Class: ErrorRejected}
			return resp
		}
		if pid, ok := p.byTag[req.Tag]; ok && req.Tag != "" {
			if pos, live := p.positions[pid]; live {
				// repeated open of a ticket already filled
				resp.OK = true
				resp.PositionID = pos.PositionID
				resp.Size = pos.Size
				resp.FillPrice = pos.EntryPrice
				return resp
			}
		}
		price := p.prices[req.Instrument]
		if price <= 0 {
			resp.Err = &Error{Code: "no_price", Class: ErrorRejected, Message: req.Instrument}
			return resp
		}
		p.nextID++
		pos := &PositionReport{
			PositionID: fmt.Sprintf("P%d", p.nextID),
			Instrument: req.Instrument,
			Direction:  req.Direction,
			Size:       req.Size,
			EntryPrice: price,
			Stop:       req.Stop,
			Target:     req.Target,
			OpenedAt:   now,
		}
		p.positions[pos.PositionID] = pos
		if req.Tag != "" {
			p.byTag[req.Tag] = pos.PositionID
		}
		resp.OK = true
		resp.PositionID = pos.PositionID
		resp.Size = pos.Size
		resp.FillPrice = price
	case RequestClose:
		pos, ok := p.positions[req.PositionID]
		if !ok {
			resp.Err = &Error{Code: "position_not_found", Class: ErrorRejected, Message: req.PositionID}
			resp.PositionID = req.PositionID
			return resp
		}
		price := p.prices[pos.Instrument]
		pnl := p.settleLocked(pos, price)
		delete(p.positions, pos.PositionID)
		resp.OK = true
		resp.PositionID = pos.PositionID
		resp.Instrument = pos.Instrument
		resp.Direction = pos.Direction
		resp.Size = pos.Size
		resp.FillPrice = price
		resp.RealizedPnL = pnl
	case RequestPositions:
		resp.OK = true
		resp.Positions = p.positionsLocked()
		resp.Balance = p.balance.InexactFloat64()
	default:
		resp.Err = &Error{Code: "unsupported", Class: ErrorRejected, Message: string(req.Kind)}
	}
	return resp
}

func (p *Paper) settleLocked(pos *PositionReport, price float64) float64 {
	if price <= 0 {
		return 0
	}
	pnl := decimal.NewFromFloat(price).
		Sub(decimal.NewFromFloat(pos.EntryPrice)).
		Mul(decimal.NewFromFloat(pos.Direction.Sign())).
		Mul(decimal.NewFromFloat(pos.Size))
	p.balance = p.balance.Add(pnl)
	return pnl.InexactFloat64()
}

func (p *Paper) positionsLocked() []PositionReport {
	out := make([]PositionReport, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

func (p *Paper) AwaitResponse(ctx context.Context, correlationID string, timeout time.Duration) (Response, error) {
	return p.pairer.Await(ctx, correlationID, timeout)
}

func (p *Paper) Close() error {
	p.mu.Lock()
	p.closed = true
	p.connected = false
	p.mu.Unlock()
	return nil
}

// SetPrice updates the mark price and pushes a tick.
func (p *Paper) SetPrice(instrument string, price float64) {
	instrument = types.NormalizeInstrument(instrument)
	p.mu.Lock()
	p.prices[instrument] = price
	p.mu.Unlock()
	p.emit(PushEvent{Kind: PushTick, Instrument: instrument, Price: price})
}

// ForceClose closes a position broker-side (stop hit, margin call) and pushes
// an unsolicited close fill.
func (p *Paper) ForceClose(positionID string) bool {
	p.mu.Lock()
	pos, ok := p.positions[positionID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	price := p.prices[pos.Instrument]
	pnl := p.settleLocked(pos, price)
	delete(p.positions, positionID)
	cp := *pos
	p.mu.Unlock()
	p.emit(PushEvent{
		Kind:        PushCloseFill,
		Instrument:  cp.Instrument,
		PositionID:  cp.PositionID,
		Direction:   cp.Direction,
		Size:        cp.Size,
		FillPrice:   price,
		RealizedPnL: pnl,
	})
	return true
}

// InjectPosition adds a position the local side never asked for.
func (p *Paper) InjectPosition(pos PositionReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}
	p.positions[pos.PositionID] = &pos
}

// RemovePosition deletes a position silently, as if a close confirmation was lost.
func (p *Paper) RemovePosition(positionID string) {
	p.mu.Lock()
	delete(p.positions, positionID)
	p.mu.Unlock()
}

func (p *Paper) Positions() []PositionReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionsLocked()
}

func (p *Paper) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance.InexactFloat64()
}

// Sent returns every request accepted so far.
func (p *Paper) Sent() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.sent...)
}

// FailNextSends makes the next n SendRequest calls fail before registering.
func (p *Paper) FailNextSends(n int) {
	p.mu.Lock()
	p.failSends = n
	p.mu.Unlock()
}

// FatalNext answers the next order request with an account error.
func (p *Paper) FatalNext() {
	p.mu.Lock()
	p.fatalNext = true
	p.mu.Unlock()
}

// RejectOrders answers every order request with code until cleared with "".
func (p *Paper) RejectOrders(code string) {
	p.mu.Lock()
	p.rejectAll = code
	p.mu.Unlock()
}

// SuppressResponses applies the next n requests of kind but never answers them.
func (p *Paper) SuppressResponses(kind RequestKind, n int) {
	p.mu.Lock()
	p.suppress[kind] = n
	p.mu.Unlock()
}

// Hold queues responses until Release.
func (p *Paper) Hold() {
	p.mu.Lock()
	p.hold = true
	p.mu.Unlock()
}

// Release delivers held responses synchronously, newest first when reverse is set.
func (p *Paper) Release(reverse bool) int {
	p.mu.Lock()
	held := p.held
	p.held = nil
	p.hold = false
	p.mu.Unlock()
	if reverse {
		for i, j := 0, len(held)-1; i < j; i, j = i+1, j-1 {
			held[i], held[j] = held[j], held[i]
		}
	}
	for _, resp := range held {
		p.pairer.Deliver(resp)
	}
	return len(held)
}

var _ Transport = (*Paper)(nil)
