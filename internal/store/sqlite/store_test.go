package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"intraday/internal/ledger"
	"intraday/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "db", "intraday.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCheckpointReplacesPreviousSave(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, []ledger.Record{
		{PositionID: "B", Instrument: "NAS100", Direction: types.Long, Size: 1, EntryPrice: 15000},
		{PositionID: "A", Instrument: "GER40", Direction: types.Short, Size: 2, EntryPrice: 18000},
	}))
	got, err := s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].PositionID)
	assert.Equal(t, types.Short, got[0].Direction)

	require.NoError(t, s.SaveCheckpoint(ctx, []ledger.Record{
		{PositionID: "C", Instrument: "NAS100", Direction: types.Long, Size: 0.5, EntryPrice: 15010},
	}))
	got, err = s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "C", got[0].PositionID)

	require.NoError(t, s.SaveCheckpoint(ctx, nil))
	got, err = s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReconcileAuditKeepsPriorAndCurrent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	prior := ledger.Position{PositionID: "P1", Instrument: "NAS100", Direction: types.Long, Size: 1, EntryPrice: 15000}
	current := prior
	current.Size = 0.5
	require.NoError(t, s.RecordReconcile(ctx, ledger.Report{At: at}))
	require.NoError(t, s.RecordReconcile(ctx, ledger.Report{
		At: at,
		Corrections: []ledger.Correction{
			{Action: ledger.ActionAdopted, PositionID: "P2", Instrument: "GER40", Current: &ledger.Position{PositionID: "P2", Instrument: "GER40", Size: 1}},
			{Action: ledger.ActionCorrected, PositionID: "P1", Instrument: "NAS100", Prior: &prior, Current: &current, Reason: "size differs"},
		},
	}))

	entries, err := s.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, string(ledger.ActionCorrected), entries[0].Action)
	require.NotNil(t, entries[0].Prior)
	require.NotNil(t, entries[0].Current)
	assert.Equal(t, 1.0, entries[0].Prior.Size)
	assert.Equal(t, 0.5, entries[0].Current.Size)
	assert.Equal(t, at.UnixMilli(), entries[0].RunAt)
	assert.Nil(t, entries[1].Prior)

	entries, err = s.ListAudit(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
