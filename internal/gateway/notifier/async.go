package notifier

import (
	"context"
	"sync"
	"sync/atomic"

	"intraday/internal/logger"
)

// Async 把通知放进有界队列，由单独的 worker 发送。Notify 永不阻塞、永不 panic，
// 队列满时丢弃并计数。
type Async struct {
	target TextNotifier
	queue  chan string

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func NewAsync(target TextNotifier, capacity int) *Async {
	if capacity <= 0 {
		capacity = 64
	}
	if target == nil {
		target = LogNotifier{}
	}
	return &Async{target: target, queue: make(chan string, capacity), done: make(chan struct{})}
}

func (a *Async) Notify(msg string) {
	if a == nil || msg == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			// send on closed queue after Run returned
			a.dropped.Add(1)
		}
	}()
	select {
	case a.queue <- msg:
	default:
		a.dropped.Add(1)
	}
}

// NotifyMessage renders msg as Markdown and enqueues it.
func (a *Async) NotifyMessage(msg StructuredMessage) {
	a.Notify(msg.RenderMarkdown())
}

// Run delivers queued messages until ctx ends, then drains what is left.
func (a *Async) Run(ctx context.Context) error {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			a.closeOnce.Do(func() { close(a.queue) })
			for msg := range a.queue {
				a.deliver(msg)
			}
			return nil
		case msg := <-a.queue:
			a.deliver(msg)
		}
	}
}

func (a *Async) deliver(msg string) {
	defer func() {
		if r := recover(); r != nil {
			a.failed.Add(1)
			logger.Errorf("notifier: panic while sending: %v", r)
		}
	}()
	if err := a.target.SendText(msg); err != nil {
		a.failed.Add(1)
		logger.Warn("notifier: send failed", "err", err)
		return
	}
	a.sent.Add(1)
}

// Done is closed when Run has returned.
func (a *Async) Done() <-chan struct{} { return a.done }

type AsyncStats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

func (a *Async) Stats() AsyncStats {
	return AsyncStats{Sent: a.sent.Load(), Failed: a.failed.Load(), Dropped: a.dropped.Load(), Queued: len(a.queue)}
}
