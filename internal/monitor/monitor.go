// Package monitor counts faults and operational events, logs one line per
// fault and rate-limits the user-facing notification of repeated faults.
package monitor

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"intraday/internal/logger"

	"golang.org/x/time/rate"
)

type Kind string

const (
	KindTransient  Kind = "transient"
	KindConflict   Kind = "conflict"
	KindDivergence Kind = "divergence"
	KindFatal      Kind = "fatal"
	KindOverload   Kind = "overload"
	KindLatency    Kind = "latency"
)

type Fault struct {
	Kind       Kind           `json:"kind"`
	Key        string         `json:"key"`
	Instrument string         `json:"instrument,omitempty"`
	Message    string         `json:"message"`
	At         time.Time      `json:"at"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Name is the counter name of the fault.
func (f Fault) Name() string {
	return "fault." + string(f.Kind) + "." + f.Key
}

// Sink receives user-facing notifications. It must not block.
type Sink interface {
	Notify(msg string)
}

type Options struct {
	// NotifyEvery is the minimum spacing of notifications for one fault key.
	NotifyEvery time.Duration
	NotifyBurst int
	Recent      int
	Sink        Sink
	Now         func() time.Time
}

func (o *Options) applyDefaults() {
	if o.NotifyEvery <= 0 {
		o.NotifyEvery = time.Minute
	}
	if o.NotifyBurst <= 0 {
		o.NotifyBurst = 1
	}
	if o.Recent <= 0 {
		o.Recent = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Recorder struct {
	opts Options

	mu       sync.RWMutex
	counters map[string]*atomic.Uint64
	limiters map[string]*rate.Limiter

	recentMu sync.Mutex
	recent   []Fault

	suppressed atomic.Uint64
}

func NewRecorder(opts Options) *Recorder {
	opts.applyDefaults()
	return &Recorder{
		opts:     opts,
		counters: make(map[string]*atomic.Uint64),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Record counts f, logs it once and notifies unless the same fault key was
// notified too recently. Counters are never rate limited.
func (r *Recorder) Record(f Fault) {
	if r == nil {
		return
	}
	if f.At.IsZero() {
		f.At = r.opts.Now()
	}
	r.Incr(f.Name(), 1)

	kv := []any{"kind", string(f.Kind), "key", f.Key}
	if f.Instrument != "" {
		kv = append(kv, "instrument", f.Instrument)
	}
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, f.Fields[k])
	}
	switch f.Kind {
	case KindFatal:
		logger.Error(f.Message, kv...)
	case KindTransient, KindConflict:
		logger.Info(f.Message, kv...)
	default:
		logger.Warn(f.Message, kv...)
	}

	r.recentMu.Lock()
	r.recent = append(r.recent, f)
	if over := len(r.recent) - r.opts.Recent; over > 0 {
		r.recent = append([]Fault(nil), r.recent[over:]...)
	}
	r.recentMu.Unlock()

	if r.opts.Sink == nil || f.Kind == KindConflict {
		return
	}
	if !r.limiter(f.Name() + "|" + f.Instrument).AllowN(f.At, 1) {
		r.suppressed.Add(1)
		return
	}
	msg := fmt.Sprintf("[%s] %s", f.Kind, f.Message)
	if f.Instrument != "" {
		msg += " (" + f.Instrument + ")"
	}
	r.opts.Sink.Notify(msg)
}

func (r *Recorder) limiter(key string) *rate.Limiter {
	r.mu.RLock()
	l, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok {
		return l
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok = r.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Every(r.opts.NotifyEvery), r.opts.NotifyBurst)
	r.limiters[key] = l
	return l
}

// Incr adds delta to a named counter.
func (r *Recorder) Incr(name string, delta uint64) {
	if r == nil {
		return
	}
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if c, ok = r.counters[name]; !ok {
			c = new(atomic.Uint64)
			r.counters[name] = c
		}
		r.mu.Unlock()
	}
	c.Add(delta)
}

func (r *Recorder) Count(name string) uint64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[name]; ok {
		return c.Load()
	}
	return 0
}

func (r *Recorder) Counters() map[string]uint64 {
	out := make(map[string]uint64)
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, c := range r.counters {
		out[k] = c.Load()
	}
	out["notify.suppressed"] = r.suppressed.Load()
	return out
}

// Recent returns up to limit faults, newest first.
func (r *Recorder) Recent(limit int) []Fault {
	if r == nil {
		return nil
	}
	r.recentMu.Lock()
	defer r.recentMu.Unlock()
	if limit <= 0 || limit > len(r.recent) {
		limit = len(r.recent)
	}
	out := make([]Fault, 0, limit)
	for i := len(r.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.recent[i])
	}
	return out
}

func (r *Recorder) Suppressed() uint64 {
	if r == nil {
		return 0
	}
	return r.suppressed.Load()
}
