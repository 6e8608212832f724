package trader

import (
	"context"

	"intraday/internal/ledger"
	"intraday/internal/logger"
	"intraday/internal/monitor"
)

// Restore loads the last checkpoint into the ledger. Restored positions are
// replaced by the broker's view at the first reconciliation.
func (t *Trader) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.PersistTimeout)
	defer cancel()
	records, err := t.store.LoadCheckpoint(ctx)
	if err != nil {
		return err
	}
	n := t.ledger.Restore(records)
	t.lastVersion = t.ledger.Version()
	logger.Infof("Trader: restored %d of %d checkpointed positions", n, len(records))
	return nil
}

func (t *Trader) checkpointIfChanged() {
	if t.store == nil {
		return
	}
	v := t.ledger.Version()
	if v == t.lastVersion {
		return
	}
	t.lastVersion = v
	t.queueCheckpoint(t.ledger.Checkpoint())
}

// queueCheckpoint keeps only the latest pending checkpoint. Older ones are
// superseded and never written.
func (t *Trader) queueCheckpoint(records []ledger.Record) {
	select {
	case t.persistCh <- records:
		return
	default:
	}
	select {
	case <-t.persistCh:
		t.recorder.Incr("trader.checkpoint.superseded", 1)
	default:
	}
	select {
	case t.persistCh <- records:
	default:
	}
}

func (t *Trader) startWorkers() {
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		for records := range t.persistCh {
			t.saveCheckpoint(records)
		}
	}()
	go func() {
		defer t.wg.Done()
		for rep := range t.auditCh {
			t.writeAudit(rep)
		}
	}()
}

func (t *Trader) saveCheckpoint(records []ledger.Record) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.PersistTimeout)
	defer cancel()
	if err := t.store.SaveCheckpoint(ctx, records); err != nil {
		t.recorder.Record(monitor.Fault{
			Kind:    monitor.KindTransient,
			Key:     "checkpoint",
			Message: err.Error(),
		})
		return
	}
	t.recorder.Incr("trader.checkpoint.saved", 1)
}

func (t *Trader) writeAudit(rep ledger.Report) {
	if t.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.PersistTimeout)
	defer cancel()
	if err := t.audit.RecordReconcile(ctx, rep); err != nil {
		t.recorder.Record(monitor.Fault{
			Kind:    monitor.KindTransient,
			Key:     "reconcile_audit",
			Message: err.Error(),
		})
	}
}
