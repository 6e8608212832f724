package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"intraday/internal/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRecordsTransitions(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	at := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	j.Record(signal.Transition{SignalID: "s1", Instrument: "NAS100", From: signal.StatePending, To: signal.StateTriggered, Price: 15000, At: at})
	j.Record(signal.Transition{SignalID: "s1", Instrument: "NAS100", From: signal.StateTriggered, To: signal.StateExecuted, At: at.Add(time.Second)})
	j.Record(signal.Transition{SignalID: "s2", Instrument: "GER40", From: signal.StatePending, To: signal.StateExpired, Reason: "validity window elapsed", At: at})

	require.Eventually(t, func() bool { return j.Written() == 3 }, 3*time.Second, 10*time.Millisecond)

	got, err := j.List(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, signal.StateExecuted, got[0].To)
	assert.Equal(t, signal.StateTriggered, got[1].To)
	assert.Equal(t, 15000.0, got[1].Price)
	assert.True(t, got[1].At.Equal(at))

	all, err := j.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "validity window elapsed", all[0].Reason)
}

func TestJournalCloseFlushesQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, 64)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		j.Record(signal.Transition{SignalID: "s", Instrument: "NAS100", From: signal.StatePending, To: signal.StateCancelled})
	}
	require.NoError(t, j.Close())
	assert.Equal(t, uint64(20), j.Written())
	assert.Zero(t, j.Dropped())

	reopened, err := Open(path, 4)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.List(context.Background(), "s", 100)
	require.NoError(t, err)
	assert.Len(t, got, 20)
}
