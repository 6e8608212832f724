package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"intraday/internal/config"
	"intraday/internal/gateway/broker"
	"intraday/internal/signal"
	"intraday/internal/store/journal"
	"intraday/internal/store/sqlite"
	"intraday/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureText struct {
	texts chan string
}

func (c *captureText) SendText(text string) error {
	select {
	case c.texts <- text:
	default:
	}
	return nil
}

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestBuildStores(t *testing.T) {
	dir := t.TempDir()

	s, err := buildStores(config.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "a.db")})
	require.NoError(t, err)
	assert.NotNil(t, s.checkpoints)
	assert.NotNil(t, s.audit)
	assert.Nil(t, s.journal)
	s.close()

	s, err = buildStores(config.StoreConfig{
		Driver:         "file",
		Path:           filepath.Join(dir, "cp.yaml"),
		JournalEnabled: true,
		JournalPath:    filepath.Join(dir, "journal.db"),
	})
	require.NoError(t, err)
	assert.NotNil(t, s.checkpoints)
	assert.Nil(t, s.audit)
	require.NotNil(t, s.journal)
	s.recordTransition(signal.Transition{SignalID: "x", Instrument: "NAS100", From: signal.StatePending, To: signal.StateExpired})
	s.close()

	s, err = buildStores(config.StoreConfig{Driver: "none"})
	require.NoError(t, err)
	assert.Nil(t, s.checkpoints)
	s.recordTransition(signal.Transition{SignalID: "x"})

	_, err = buildStores(config.StoreConfig{Driver: "redis"})
	assert.Error(t, err)
}

func TestBuildTransportRequiresURL(t *testing.T) {
	_, _, err := buildTransport(config.BrokerConfig{Mode: "ws"})
	assert.Error(t, err)

	tr, paper, err := buildTransport(config.BrokerConfig{Mode: "paper", PaperBalance: 500})
	require.NoError(t, err)
	require.NotNil(t, paper)
	assert.Same(t, tr, broker.Transport(paper))
}

func TestAppRunsPaperSession(t *testing.T) {
	dir := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`
loop:
  instruments: [NAS100]
  tick_interval_ms: 20
store:
  driver: sqlite
  path: %s
  journal_enabled: true
  journal_path: %s
http:
  enabled: false
settings:
  path: %s
  seed:
    auto_trading_enabled: true
    risk_pct: 1
`, filepath.Join(dir, "intraday.db"), filepath.Join(dir, "journal.db"), filepath.Join(dir, "settings.yaml")))

	paper := broker.NewPaper(10000, 0)
	text := &captureText{texts: make(chan string, 16)}
	a, err := NewAppBuilder(cfg, WithTransport(paper), WithTextNotifier(text)).Build(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a.Summary)
	assert.Equal(t, []string{"NAS100"}, a.Summary.Instruments)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	paper.SetPrice("NAS100", 15000)
	require.NoError(t, a.Signals().Push(signal.Signal{
		Instrument: "NAS100",
		Direction:  types.Long,
		Entry:      15000,
		Stop:       14900,
		Target:     15200,
	}))
	require.Eventually(t, func() bool {
		paper.SetPrice("NAS100", 15000)
		return len(a.Trader().OpenPositions()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}

	cp, err := sqlite.NewSqliteStore(filepath.Join(dir, "intraday.db"))
	require.NoError(t, err)
	defer cp.Close()
	records, err := cp.LoadCheckpoint(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "NAS100", records[0].Instrument)

	j, err := journal.Open(filepath.Join(dir, "journal.db"), 0)
	require.NoError(t, err)
	defer j.Close()
	transitions, err := j.List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, transitions)
}
