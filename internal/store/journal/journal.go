// Package journal appends signal lifecycle transitions to a SQLite table
// for later diagnosis. Writes are asynchronous; a full queue drops entries
// rather than stalling the caller.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"intraday/internal/logger"
	"intraday/internal/signal"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS signal_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_id TEXT NOT NULL,
		instrument TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT,
		price REAL,
		ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_transitions_signal ON signal_transitions(signal_id)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_transitions_ts ON signal_transitions(ts)`,
}

// Journal 记录信号状态迁移，供排查使用。
type Journal struct {
	db      *sql.DB
	queue   chan signal.Transition
	dropped atomic.Uint64
	written atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
}

func Open(path string, queueSize int) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	j := &Journal{db: db, queue: make(chan signal.Transition, queueSize)}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

// Record queues tr. It never blocks.
func (j *Journal) Record(tr signal.Transition) {
	select {
	case j.queue <- tr:
	default:
		if j.dropped.Add(1)%100 == 1 {
			logger.Warnf("signal journal queue full, dropped=%d", j.dropped.Load())
		}
	}
}

func (j *Journal) run() {
	defer j.wg.Done()
	for tr := range j.queue {
		if err := j.insert(tr); err != nil {
			logger.Warnf("signal journal write failed: %v", err)
			continue
		}
		j.written.Add(1)
	}
}

func (j *Journal) insert(tr signal.Transition) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO signal_transitions (signal_id, instrument, from_state, to_state, reason, price, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.SignalID, tr.Instrument, string(tr.From), string(tr.To), tr.Reason, tr.Price, at.UnixMilli())
	return err
}

// List returns transitions newest first. An empty signalID lists all.
func (j *Journal) List(ctx context.Context, signalID string, limit int) ([]signal.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT signal_id, instrument, from_state, to_state, reason, price, ts FROM signal_transitions`
	args := []any{}
	if signalID != "" {
		query += ` WHERE signal_id = ?`
		args = append(args, signalID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []signal.Transition
	for rows.Next() {
		var (
			tr       signal.Transition
			from, to string
			reason   sql.NullString
			price    sql.NullFloat64
			ts       int64
		)
		if err := rows.Scan(&tr.SignalID, &tr.Instrument, &from, &to, &reason, &price, &ts); err != nil {
			return nil, err
		}
		tr.From = signal.State(from)
		tr.To = signal.State(to)
		tr.Reason = reason.String
		tr.Price = price.Float64
		tr.At = time.UnixMilli(ts)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) Written() uint64 { return j.written.Load() }

// Close flushes queued transitions and closes the database. Record must
// not be called after Close.
func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		close(j.queue)
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}
