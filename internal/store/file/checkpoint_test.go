package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"intraday/internal/ledger"
	"intraday/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "checkpoint.yaml")
	f, err := NewCheckpointFile(path)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := f.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	records := []ledger.Record{
		{PositionID: "P1", Instrument: "NAS100", Direction: types.Long, Size: 1.5, EntryPrice: 15000.25},
	}
	require.NoError(t, f.SaveCheckpoint(ctx, records))
	got, err = f.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, records, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "position_id: P1")
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestCheckpointFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.yaml")
	require.NoError(t, os.WriteFile(path, []byte("positions: [unterminated"), 0o644))
	f, err := NewCheckpointFile(path)
	require.NoError(t, err)
	_, err = f.LoadCheckpoint(context.Background())
	assert.Error(t, err)
}
