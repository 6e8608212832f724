package ledger

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"intraday/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger() (*Ledger, *fakeClock) {
	clk := newFakeClock()
	return New(Options{Now: clk.Now, OrphanGrace: 30 * time.Second, ProvisionalTTL: time.Minute}), clk
}

func longIntent(instrument string) Intent {
	return Intent{Instrument: instrument, Direction: types.Long, Size: 1, Stop: 90, Target: 120}
}

func TestOpenConfirmation(t *testing.T) {
	l, _ := newTestLedger()
	ticket, err := l.MarkProvisional(longIntent("nas100"))
	require.NoError(t, err)
	assert.Equal(t, "NAS100", ticket.Instrument)

	prov, ok := l.Provisional("NAS100")
	require.True(t, ok)
	assert.True(t, prov.Provisional)
	assert.Empty(t, prov.PositionID)

	pos, err := l.ConfirmOpen(ticket, "P123", 100.5)
	require.NoError(t, err)
	assert.Equal(t, "P123", pos.PositionID)
	assert.False(t, pos.Provisional)

	snap := l.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, "P123", snap.Positions[0].PositionID)
	assert.Equal(t, types.Long, snap.Positions[0].Direction)
	assert.Equal(t, 100.5, snap.Positions[0].EntryPrice)
	assert.Empty(t, snap.Provisional)
}

func TestSecondOpenRejectedUntilFirstResolves(t *testing.T) {
	l, _ := newTestLedger()
	first, err := l.MarkProvisional(longIntent("NAS100"))
	require.NoError(t, err)

	_, err = l.MarkProvisional(Intent{Instrument: "NAS100", Direction: types.Short, Size: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, first.ID, ce.Holder)

	_, err = l.MarkProvisional(longIntent("GER40"))
	assert.NoError(t, err, "other instruments are independent")

	_, err = l.ConfirmOpen(first, "P1", 100)
	require.NoError(t, err)
	_, err = l.MarkProvisional(Intent{Instrument: "NAS100", Direction: types.Short, Size: 1})
	assert.NoError(t, err)
}

func TestRollbackProvisional(t *testing.T) {
	l, _ := newTestLedger()
	ticket, err := l.MarkProvisional(longIntent("NAS100"))
	require.NoError(t, err)
	assert.True(t, l.RollbackProvisional(ticket))
	assert.False(t, l.RollbackProvisional(ticket))
	_, ok := l.Provisional("NAS100")
	assert.False(t, ok)

	stale := ticket
	next, err := l.MarkProvisional(longIntent("NAS100"))
	require.NoError(t, err)
	assert.False(t, l.RollbackProvisional(stale), "old ticket must not release a newer reservation")
	_, ok = l.Provisional("NAS100")
	assert.True(t, ok)
	assert.True(t, l.RollbackProvisional(next))
}

func TestMarkProvisionalValidates(t *testing.T) {
	l, _ := newTestLedger()
	for _, in := range []Intent{
		{Instrument: "", Direction: types.Long, Size: 1},
		{Instrument: "NAS100", Direction: "up", Size: 1},
		{Instrument: "NAS100", Direction: types.Long, Size: 0},
	} {
		_, err := l.MarkProvisional(in)
		assert.ErrorIs(t, err, ErrInvalidPosition)
	}
}

func TestConfirmationsAreIdempotent(t *testing.T) {
	l, _ := newTestLedger()
	ticket, err := l.MarkProvisional(longIntent("NAS100"))
	require.NoError(t, err)

	_, err = l.ConfirmOpen(ticket, "P1", 100)
	require.NoError(t, err)
	once := l.Snapshot()
	_, err = l.ConfirmOpen(ticket, "P1", 100)
	require.NoError(t, err)
	twice := l.Snapshot()
	assert.Equal(t, once.Positions, twice.Positions)
	assert.Equal(t, once.Provisional, twice.Provisional)

	_, removed := l.ConfirmClose("P1", CloseOutcome{FillPrice: 110, RealizedPnL: 10})
	assert.True(t, removed)
	afterOnce := l.Snapshot()
	_, removed = l.ConfirmClose("P1", CloseOutcome{FillPrice: 110, RealizedPnL: 10})
	assert.False(t, removed)
	afterTwice := l.Snapshot()
	assert.Equal(t, afterOnce.Positions, afterTwice.Positions)
	assert.Equal(t, 10.0, afterTwice.RealizedPnL)

	_, err = l.ConfirmOpen(ticket, "P1", 100)
	require.NoError(t, err)
	assert.Empty(t, l.Snapshot().Positions, "a stale open confirmation must not resurrect a closed position")
}

func TestLateConfirmationAfterProvisionalDropped(t *testing.T) {
	l, clk := newTestLedger()
	ticket, err := l.MarkProvisional(longIntent("NAS100"))
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	rep := l.Reconcile(nil)
	assert.Len(t, rep.Filter(ActionProvisionalDropped), 1)

	pos, err := l.ConfirmOpen(ticket, "P7", 101)
	require.NoError(t, err)
	assert.Equal(t, "P7", pos.PositionID)
	assert.Equal(t, 1, l.OpenCount())
}

func TestPendingCloseKeepsPositionUntilConfirmed(t *testing.T) {
	l, _ := newTestLedger()
	ticket, _ := l.MarkProvisional(longIntent("NAS100"))
	_, _ = l.ConfirmOpen(ticket, "P123", 100)

	pc, err := l.MarkPendingClose("P123", "manual")
	require.NoError(t, err)
	assert.Equal(t, "NAS100", pc.Instrument)
	_, err = l.MarkPendingClose("P123", "manual")
	assert.ErrorIs(t, err, ErrClosePending)
	_, err = l.MarkPendingClose("P404", "manual")
	assert.ErrorIs(t, err, ErrUnknownPosition)

	_, ok := l.Get("P123")
	assert.True(t, ok, "close request alone never removes the position")
	assert.True(t, l.ClearPendingClose("P123"))
	assert.Empty(t, l.PendingCloses())
}

func TestCloseTimeoutResolvedByReconciliation(t *testing.T) {
	l, _ := newTestLedger()
	ticket, _ := l.MarkProvisional(longIntent("NAS100"))
	_, _ = l.ConfirmOpen(ticket, "P123", 100)
	_, err := l.MarkPendingClose("P123", "signal reversal")
	require.NoError(t, err)

	rep := l.Reconcile(nil)
	closed := rep.Filter(ActionClosedByReconcile)
	require.Len(t, closed, 1)
	assert.Equal(t, "P123", closed[0].PositionID)
	assert.Equal(t, "adopted via reconciliation", closed[0].Reason)

	snap := l.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.Empty(t, snap.PendingCloses)
	assert.Empty(t, snap.Orphans)
	require.Len(t, snap.RecentCloses, 1)
	assert.Equal(t, 0.0, snap.RealizedPnL)

	_, removed := l.ConfirmClose("P123", CloseOutcome{RealizedPnL: 5})
	assert.False(t, removed, "late close confirmation after reconciliation is a no-op")
}

func TestReconcileAdoptsCorrectsAndQuarantines(t *testing.T) {
	l, clk := newTestLedger()
	t1, _ := l.MarkProvisional(longIntent("NAS100"))
	_, _ = l.ConfirmOpen(t1, "P1", 100)
	t2, _ := l.MarkProvisional(longIntent("GER40"))
	_, _ = l.ConfirmOpen(t2, "P2", 200)

	rep := l.Reconcile([]Position{
		{PositionID: "P1", Instrument: "NAS100", Direction: types.Long, Size: 2, EntryPrice: 100},
		{PositionID: "P9", Instrument: "us30", Direction: types.Short, Size: 1, EntryPrice: 300},
	})
	assert.Len(t, rep.Filter(ActionCorrected), 1)
	assert.Len(t, rep.Filter(ActionAdopted), 1)
	orphaned := rep.Filter(ActionOrphaned)
	require.Len(t, orphaned, 1)
	assert.Equal(t, "P2", orphaned[0].PositionID)
	assert.True(t, rep.Divergent())

	corr := rep.Filter(ActionCorrected)[0]
	assert.Equal(t, 1.0, corr.Prior.Size)
	assert.Equal(t, 2.0, corr.Current.Size)

	snap := l.Snapshot()
	assert.Equal(t, []string{"P1", "P9"}, ids(snap.Positions))
	require.Len(t, snap.Orphans, 1)
	assert.Equal(t, "US30", snap.Positions[1].Instrument)

	clk.Advance(10 * time.Second)
	rep = l.Reconcile([]Position{
		{PositionID: "P1", Instrument: "NAS100", Direction: types.Long, Size: 2, EntryPrice: 100},
		{PositionID: "P9", Instrument: "US30", Direction: types.Short, Size: 1, EntryPrice: 300},
	})
	assert.False(t, rep.Changed())
	assert.Len(t, l.Snapshot().Orphans, 1, "orphan kept during grace period")

	clk.Advance(30 * time.Second)
	rep = l.Reconcile([]Position{
		{PositionID: "P1", Instrument: "NAS100", Direction: types.Long, Size: 2, EntryPrice: 100},
		{PositionID: "P9", Instrument: "US30", Direction: types.Short, Size: 1, EntryPrice: 300},
	})
	assert.Len(t, rep.Filter(ActionPurged), 1)
	assert.Empty(t, l.Snapshot().Orphans)
}

func TestReconcileReinstatesReappearingOrphan(t *testing.T) {
	l, _ := newTestLedger()
	tk, _ := l.MarkProvisional(longIntent("NAS100"))
	_, _ = l.ConfirmOpen(tk, "P1", 100)
	l.Reconcile(nil)
	assert.Zero(t, l.OpenCount())

	rep := l.Reconcile([]Position{{PositionID: "P1", Instrument: "NAS100", Direction: types.Long, Size: 1, EntryPrice: 100}})
	assert.Len(t, rep.Filter(ActionReinstated), 1)
	pos, ok := l.Get("P1")
	require.True(t, ok)
	assert.Equal(t, tk.ID, pos.Ticket)
}

func TestHeldCountsOrphansUntilPurged(t *testing.T) {
	l, clk := newTestLedger()
	tk, _ := l.MarkProvisional(longIntent("NAS100"))
	_, _ = l.ConfirmOpen(tk, "P1", 100)
	tk, _ = l.MarkProvisional(longIntent("GER40"))
	_, _ = l.ConfirmOpen(tk, "P2", 200)

	l.Reconcile([]Position{{PositionID: "P2", Instrument: "GER40", Direction: types.Long, Size: 1, EntryPrice: 200}})
	snap := l.Snapshot()
	assert.Empty(t, snap.Open("NAS100"))
	require.Len(t, snap.Held("nas100"), 1)
	assert.Equal(t, "P1", snap.Held("NAS100")[0].PositionID)
	assert.Len(t, snap.Held(""), 2)
	assert.True(t, snap.Orphaned("NAS100"))
	assert.False(t, snap.Orphaned("GER40"))

	clk.Advance(31 * time.Second)
	l.Reconcile([]Position{{PositionID: "P2", Instrument: "GER40", Direction: types.Long, Size: 1, EntryPrice: 200}})
	snap = l.Snapshot()
	assert.Empty(t, snap.Held("NAS100"))
	assert.False(t, snap.Orphaned("NAS100"))
}

func TestReconcileMatchesProvisional(t *testing.T) {
	l, _ := newTestLedger()
	tk, _ := l.MarkProvisional(longIntent("NAS100"))
	rep := l.Reconcile([]Position{{PositionID: "P5", Instrument: "NAS100", Direction: types.Long, Size: 1, EntryPrice: 101}})
	require.Len(t, rep.Filter(ActionMatchedProvisional), 1)
	assert.Zero(t, l.ProvisionalCount())

	id, ok := l.Resolved(tk.ID)
	require.True(t, ok)
	assert.Equal(t, "P5", id)

	pos, err := l.ConfirmOpen(tk, "P5", 101)
	require.NoError(t, err)
	assert.Equal(t, 90.0, pos.Stop, "stop carried over from the provisional entry")
	assert.Equal(t, 1, l.OpenCount())
}

func TestReconcileConvergesForRandomDivergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		l, _ := newTestLedger()
		local := rng.Intn(6)
		for i := 0; i < local; i++ {
			tk, err := l.MarkProvisional(Intent{Instrument: fmt.Sprintf("I%d", i), Direction: types.Long, Size: 1})
			require.NoError(t, err)
			_, err = l.ConfirmOpen(tk, fmt.Sprintf("P%d", rng.Intn(10)), 100)
			require.NoError(t, err)
			if rng.Intn(3) == 0 {
				_, _ = l.MarkPendingClose(fmt.Sprintf("P%d", i), "test")
			}
		}
		var broker []Position
		for i := 0; i < 10; i++ {
			if rng.Intn(2) == 0 {
				dir := types.Long
				if rng.Intn(2) == 0 {
					dir = types.Short
				}
				broker = append(broker, Position{
					PositionID: fmt.Sprintf("P%d", i),
					Instrument: fmt.Sprintf("I%d", rng.Intn(4)),
					Direction:  dir,
					Size:       float64(1 + rng.Intn(3)),
					EntryPrice: 100,
				})
			}
		}
		l.Reconcile(broker)
		assert.Equal(t, ids(broker), ids(l.Snapshot().Positions), "round %d", round)
	}
}

func TestConcurrentOpensNeverDuplicateProvisional(t *testing.T) {
	l, _ := newTestLedger()
	instruments := []string{"NAS100", "GER40", "US30"}
	var (
		wg        sync.WaitGroup
		violation atomic.Bool
		holders   sync.Map
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 300; i++ {
				inst := instruments[rng.Intn(len(instruments))]
				dir := types.Long
				if rng.Intn(2) == 0 {
					dir = types.Short
				}
				tk, err := l.MarkProvisional(Intent{Instrument: inst, Direction: dir, Size: 1})
				if err != nil {
					if !errors.Is(err, ErrConflict) {
						violation.Store(true)
					}
					continue
				}
				if _, loaded := holders.LoadOrStore(inst, tk.ID); loaded {
					violation.Store(true)
				}
				if l.ProvisionalCount() > len(instruments) {
					violation.Store(true)
				}
				holders.Delete(inst)
				if rng.Intn(2) == 0 {
					l.RollbackProvisional(tk)
				} else {
					_, _ = l.ConfirmOpen(tk, fmt.Sprintf("%s-%d-%d", inst, seed, i), 100)
				}
			}
		}(int64(w))
	}
	wg.Wait()
	assert.False(t, violation.Load())
	assert.Zero(t, l.ProvisionalCount())
}

func TestSnapshotIsACopy(t *testing.T) {
	l, _ := newTestLedger()
	tk, _ := l.MarkProvisional(longIntent("NAS100"))
	_, _ = l.ConfirmOpen(tk, "P1", 100)
	snap := l.Snapshot()
	snap.Positions[0].Size = 99
	pos, _ := l.Get("P1")
	assert.Equal(t, 1.0, pos.Size)
}

func TestCheckpointRestore(t *testing.T) {
	l, _ := newTestLedger()
	tk, _ := l.MarkProvisional(longIntent("NAS100"))
	_, _ = l.ConfirmOpen(tk, "P1", 100)
	records := l.Checkpoint()
	require.Len(t, records, 1)

	fresh, _ := newTestLedger()
	assert.Equal(t, 1, fresh.Restore(append(records, Record{PositionID: "", Instrument: "X"})))
	pos, ok := fresh.Get("P1")
	require.True(t, ok)
	assert.True(t, pos.Restored)

	rep := fresh.Reconcile([]Position{{PositionID: "P1", Instrument: "NAS100", Direction: types.Long, Size: 3, EntryPrice: 100}})
	assert.Empty(t, rep.Filter(ActionCorrected), "restored records are superseded silently")
	pos, _ = fresh.Get("P1")
	assert.False(t, pos.Restored)
	assert.Equal(t, 3.0, pos.Size)
}

func TestComputeRisk(t *testing.T) {
	r := ComputeRisk([]Position{
		{PositionID: "A", Instrument: "NAS100", Direction: types.Long, Size: 2, EntryPrice: 100, Stop: 95},
		{PositionID: "B", Instrument: "NAS100", Direction: types.Short, Size: 1, EntryPrice: 100, Stop: 104},
		{PositionID: "C", Instrument: "GER40", Direction: types.Long, Size: 1, EntryPrice: 50},
	}, 1000)
	assert.Equal(t, 3, r.OpenPositions)
	assert.InDelta(t, 350.0, r.Notional, 1e-9)
	assert.InDelta(t, 14.0, r.RiskAtStop, 1e-9)
	assert.InDelta(t, 35.0, r.ExposurePct, 1e-9)
	assert.InDelta(t, 1.4, r.RiskPct, 1e-9)
	assert.Equal(t, 1, r.Unprotected)
	assert.InDelta(t, 1.0, r.ByInstrument["NAS100"].NetSize, 1e-9)
	assert.Equal(t, []string{"GER40", "NAS100"}, r.Instruments())
}

func ids(ps []Position) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.PositionID)
	}
	sort.Strings(out)
	return out
}
