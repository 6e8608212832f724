package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFile replaces path atomically so the watcher never sees a partial file.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestMemoryDefaultsAndSeed(t *testing.T) {
	s, err := NewMemory(map[string]any{RiskPct: 1, AutoTrading: true})
	require.NoError(t, err)
	assert.True(t, s.GetBool(AutoTrading))
	assert.False(t, s.GetBool(ReverseEnabled))
	assert.Equal(t, 1.0, s.GetNumber(RiskPct))
	assert.Equal(t, 3.0, s.GetNumber(MaxOpenPositions))
	assert.Equal(t, 0.0, s.GetNumber("unknown"))
	assert.Contains(t, s.Names(), ConflictPolicy)

	_, err = NewMemory(map[string]any{RiskPct: -1})
	assert.Error(t, err)
}

func TestSetValidatesAgainstSchema(t *testing.T) {
	s, err := NewMemory(nil)
	require.NoError(t, err)
	var seen []map[string]any
	s.Subscribe(func(v map[string]any) { seen = append(seen, v) })

	require.NoError(t, s.SetBool(ReverseEnabled, true))
	require.NoError(t, s.SetNumber(ConflictPolicy, PolicyAccount))
	assert.True(t, s.GetBool(ReverseEnabled))
	assert.Equal(t, float64(PolicyAccount), s.GetNumber(ConflictPolicy))
	assert.Len(t, seen, 2)

	assert.Error(t, s.SetNumber(ConflictPolicy, 2))
	assert.Error(t, s.SetNumber(RiskPct, 0))
	assert.Error(t, s.SetNumber(AutoTrading, 1))
	assert.Error(t, s.SetBool("no_such_setting", true))
	assert.Equal(t, uint64(4), s.Rejected())
	assert.Equal(t, float64(PolicyAccount), s.GetNumber(ConflictPolicy))
	assert.Len(t, seen, 2)
}

func TestFileSeedPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := Open(path, map[string]any{RiskPct: 0.75})
	require.NoError(t, err)
	assert.Equal(t, 0.75, s.GetNumber(RiskPct))
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.SetBool(AutoTrading, true))
	reopened, err := Open(path, nil)
	require.NoError(t, err)
	assert.True(t, reopened.GetBool(AutoTrading))
	assert.Equal(t, 0.75, reopened.GetNumber(RiskPct))

	writeFile(t, path, "auto_trading_enabled: false\nrisk_pct: 2\n")
	require.NoError(t, reopened.Reload())
	assert.False(t, reopened.GetBool(AutoTrading))
	assert.Equal(t, 2.0, reopened.GetNumber(RiskPct))

	before := reopened.Version()
	writeFile(t, path, "risk_pct: 50\n")
	assert.Error(t, reopened.Reload())
	assert.Equal(t, 2.0, reopened.GetNumber(RiskPct))
	assert.Equal(t, before, reopened.Version())
}
