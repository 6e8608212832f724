package broker

import (
	"context"
	"sync"
	"time"

	"intraday/internal/logger"
)

const defaultPairRetention = 10 * time.Minute

// Pairer matches responses to requests by correlation id.
//
// A response that arrives after its waiter gave up, for an id that was never
// awaited, or a second time for the same id, is handed to the late handler
// instead of being discarded.
type Pairer struct {
	mu        sync.Mutex
	waiting   map[string]*waiter
	retention time.Duration
	late      func(Response)
	nowFn     func() time.Time
}

type waiter struct {
	kind      RequestKind
	ch        chan Response
	sentAt    time.Time
	abandoned bool
	delivered bool
}

func NewPairer(late func(Response)) *Pairer {
	return &Pairer{
		waiting:   make(map[string]*waiter),
		retention: defaultPairRetention,
		late:      late,
		nowFn:     time.Now,
	}
}

// Register must be called before the request is written so a fast response
// always finds its waiter.
func (p *Pairer) Register(id string, kind RequestKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked()
	p.waiting[id] = &waiter{kind: kind, ch: make(chan Response, 1), sentAt: p.nowFn()}
}

// Forget drops a registration whose request never left the process.
func (p *Pairer) Forget(id string) {
	p.mu.Lock()
	delete(p.waiting, id)
	p.mu.Unlock()
}

// Await blocks until the response for id arrives, the timeout fires or ctx
// ends. On timeout the id stays registered so a later arrival is routed to
// the late handler.
func (p *Pairer) Await(ctx context.Context, id string, timeout time.Duration) (Response, error) {
	p.mu.Lock()
	w, ok := p.waiting[id]
	p.mu.Unlock()
	if !ok {
		return Response{}, ErrUnknownCorrelation
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case resp := <-w.ch:
		p.Forget(id)
		return resp, nil
	case <-timer:
		return p.abandon(id, w, ErrTimeout)
	case <-ctx.Done():
		return p.abandon(id, w, ctx.Err())
	}
}

func (p *Pairer) abandon(id string, w *waiter, cause error) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case resp := <-w.ch:
		delete(p.waiting, id)
		return resp, nil
	default:
	}
	w.abandoned = true
	return Response{}, cause
}

// Deliver routes resp to its waiter. It reports false when the response went
// to the late handler.
func (p *Pairer) Deliver(resp Response) bool {
	p.mu.Lock()
	w, ok := p.waiting[resp.CorrelationID]
	if ok && !w.abandoned && !w.delivered {
		w.delivered = true
		w.ch <- resp
		p.mu.Unlock()
		return true
	}
	if ok && w.abandoned {
		delete(p.waiting, resp.CorrelationID)
	}
	late := p.late
	p.mu.Unlock()

	if !ok {
		logger.Debugf("broker: response for unknown correlation %s routed as late", resp.CorrelationID)
	}
	if late != nil {
		late(resp)
	}
	return false
}

// Outstanding is the number of registered ids, including abandoned ones kept
// for late routing.
func (p *Pairer) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}

func (p *Pairer) sweepLocked() {
	if p.retention <= 0 {
		return
	}
	cutoff := p.nowFn().Add(-p.retention)
	for id, w := range p.waiting {
		if w.sentAt.Before(cutoff) {
			delete(p.waiting, id)
		}
	}
}
