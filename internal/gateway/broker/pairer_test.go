package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lateSink struct {
	mu   sync.Mutex
	resp []Response
}

func (s *lateSink) add(r Response) {
	s.mu.Lock()
	s.resp = append(s.resp, r)
	s.mu.Unlock()
}

func (s *lateSink) all() []Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Response(nil), s.resp...)
}

func TestPairerMatchesByCorrelationNotOrder(t *testing.T) {
	p := NewPairer(nil)
	p.Register("a", RequestOpen)
	p.Register("b", RequestOpen)

	assert.True(t, p.Deliver(Response{CorrelationID: "b", PositionID: "PB"}))
	assert.True(t, p.Deliver(Response{CorrelationID: "a", PositionID: "PA"}))

	ra, err := p.Await(context.Background(), "a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "PA", ra.PositionID)
	rb, err := p.Await(context.Background(), "b", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "PB", rb.PositionID)
	assert.Zero(t, p.Outstanding())
}

func TestPairerRoutesPostTimeoutArrivalAsLate(t *testing.T) {
	sink := &lateSink{}
	p := NewPairer(sink.add)
	p.Register("x", RequestClose)

	_, err := p.Await(context.Background(), "x", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, p.Outstanding(), "timed-out id stays registered for late routing")

	assert.False(t, p.Deliver(Response{CorrelationID: "x", OK: true, PositionID: "P123"}))
	late := sink.all()
	require.Len(t, late, 1)
	assert.Equal(t, "P123", late[0].PositionID)
	assert.Zero(t, p.Outstanding())
}

func TestPairerDuplicateAndUnknownGoToLateHandler(t *testing.T) {
	sink := &lateSink{}
	p := NewPairer(sink.add)
	p.Register("x", RequestOpen)
	assert.True(t, p.Deliver(Response{CorrelationID: "x"}))
	assert.False(t, p.Deliver(Response{CorrelationID: "x"}))
	assert.False(t, p.Deliver(Response{CorrelationID: "nobody"}))
	assert.Len(t, sink.all(), 2)
}

func TestPairerAwaitUnknownID(t *testing.T) {
	p := NewPairer(nil)
	_, err := p.Await(context.Background(), "missing", time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownCorrelation)
}

func TestPairerContextCancel(t *testing.T) {
	p := NewPairer(nil)
	p.Register("x", RequestOpen)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Await(ctx, "x", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPairerSweepsStaleRegistrations(t *testing.T) {
	p := NewPairer(nil)
	now := time.Now()
	p.nowFn = func() time.Time { return now }
	p.Register("old", RequestOpen)
	now = now.Add(defaultPairRetention + time.Second)
	p.Register("new", RequestOpen)
	assert.Equal(t, 1, p.Outstanding())
}
