package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarBuilderClosesOnBoundary(t *testing.T) {
	b := NewBarBuilder(time.Minute, 2)
	base := time.Date(2026, 4, 1, 14, 30, 0, 0, time.UTC)

	assert.False(t, b.Add(100, base.Add(5*time.Second)))
	assert.False(t, b.Add(103, base.Add(20*time.Second)))
	assert.False(t, b.Add(99, base.Add(50*time.Second)))
	assert.False(t, b.Add(0, base.Add(55*time.Second)))
	assert.Empty(t, b.Closed())

	assert.True(t, b.Add(101, base.Add(61*time.Second)))
	closed := b.Closed()
	require.Len(t, closed, 1)
	assert.Equal(t, 100.0, closed[0].Open)
	assert.Equal(t, 103.0, closed[0].High)
	assert.Equal(t, 99.0, closed[0].Low)
	assert.Equal(t, 99.0, closed[0].Close)
	assert.Equal(t, int64(3), closed[0].Ticks)
	assert.Equal(t, 4.0, closed[0].Range())

	cur, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, 101.0, cur.Open)

	b.Add(102, base.Add(2*time.Minute))
	b.Add(104, base.Add(3*time.Minute))
	assert.Len(t, b.Closed(), 2)
	assert.Equal(t, 102.0, b.Closed()[1].Open)
}
