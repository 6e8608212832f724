package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"intraday/internal/logger"
)

// Rearm is a single-flight timer. At most one firing is ever pending: the
// scheduled flag is checked and set under the same lock that arms the timer,
// and cleared when the callback starts, so a callback may re-arm itself
// without ever stacking a second timer.
type Rearm struct {
	Name string

	mu        sync.Mutex
	fn        func()
	scheduled bool
	stopped   bool
	timer     *time.Timer
	due       time.Time
	period    time.Duration

	nowFn   func() time.Time
	fired   atomic.Uint64
	skipped atomic.Uint64
}

func NewRearm(name string, fn func()) *Rearm {
	return &Rearm{Name: name, fn: fn, nowFn: time.Now}
}

// Every makes the callback re-arm itself with period after each firing and
// arms the first firing.
func (r *Rearm) Every(period time.Duration) bool {
	if period <= 0 {
		logger.Warnf("Rearm[%s]: invalid period=%s", r.Name, period)
		return false
	}
	r.mu.Lock()
	r.period = period
	r.mu.Unlock()
	return r.Schedule(period)
}

// Schedule arms the timer to fire after d unless a firing is already
// pending. It reports whether it armed.
func (r *Rearm) Schedule(d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.fn == nil {
		return false
	}
	if r.scheduled {
		r.skipped.Add(1)
		return false
	}
	r.armLocked(d)
	return true
}

// Expedite pulls a pending firing forward to d from now, or arms one if
// none is pending. A later due time is never pushed back.
func (r *Rearm) Expedite(d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.fn == nil {
		return false
	}
	if !r.scheduled {
		r.armLocked(d)
		return true
	}
	if !r.nowFn().Add(d).Before(r.due) {
		return false
	}
	if r.timer != nil && !r.timer.Stop() {
		// already firing
		return false
	}
	r.armLocked(d)
	return true
}

func (r *Rearm) armLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.scheduled = true
	r.due = r.nowFn().Add(d)
	r.timer = time.AfterFunc(d, r.fire)
}

func (r *Rearm) fire() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.scheduled = false
	r.timer = nil
	period := r.period
	fn := r.fn
	r.mu.Unlock()

	r.fired.Add(1)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorf("Rearm[%s]: callback panic: %v", r.Name, rec)
			}
		}()
		fn()
	}()
	if period > 0 {
		r.Schedule(period)
	}
}

// Scheduled reports whether a firing is pending.
func (r *Rearm) Scheduled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduled
}

// Stop cancels any pending firing; later Schedule calls are ignored.
func (r *Rearm) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.scheduled = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Fired is the number of callbacks started.
func (r *Rearm) Fired() uint64 { return r.fired.Load() }

// Skipped counts Schedule calls refused because a firing was pending.
func (r *Rearm) Skipped() uint64 { return r.skipped.Load() }
