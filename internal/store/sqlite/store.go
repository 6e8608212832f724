package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"intraday/internal/ledger"
	"intraday/internal/store"
	"intraday/internal/store/model"
	"intraday/internal/types"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// SqliteStore keeps the position checkpoint and the reconciliation audit
// trail in one SQLite file.
type SqliteStore struct {
	db *gorm.DB
}

var (
	_ store.CheckpointStore = (*SqliteStore)(nil)
	_ store.AuditStore      = (*SqliteStore)(nil)
)

func NewSqliteStore(path string) (*SqliteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	// modernc 驱动无需 cgo，DSN 的 _pragma 参数也按它的格式书写。
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return newSqliteStore(db)
}

func NewSqliteStoreFromDB(db *gorm.DB) (*SqliteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	return newSqliteStore(db)
}

func newSqliteStore(db *gorm.DB) (*SqliteStore, error) {
	models := []interface{}{
		&model.CheckpointPositionModel{},
		&model.ReconcileAuditModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &SqliteStore{db: db}, nil
}

// SaveCheckpoint replaces the stored checkpoint in one transaction.
func (s *SqliteStore) SaveCheckpoint(ctx context.Context, records []ledger.Record) error {
	now := time.Now().UTC()
	rows := make([]model.CheckpointPositionModel, 0, len(records))
	for _, r := range records {
		rows = append(rows, model.CheckpointPositionModel{
			PositionID: r.PositionID,
			Instrument: r.Instrument,
			Direction:  string(r.Direction),
			Size:       r.Size,
			EntryPrice: r.EntryPrice,
			SavedAt:    now,
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.CheckpointPositionModel{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 100).Error
	})
}

func (s *SqliteStore) LoadCheckpoint(ctx context.Context) ([]ledger.Record, error) {
	var rows []model.CheckpointPositionModel
	if err := s.db.WithContext(ctx).Order("position_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, ledger.Record{
			PositionID: r.PositionID,
			Instrument: r.Instrument,
			Direction:  types.Direction(r.Direction),
			Size:       r.Size,
			EntryPrice: r.EntryPrice,
		})
	}
	return out, nil
}

// RecordReconcile appends one row per correction. Runs without corrections
// are not stored.
func (s *SqliteStore) RecordReconcile(ctx context.Context, rep ledger.Report) error {
	if !rep.Changed() {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]model.ReconcileAuditModel, 0, len(rep.Corrections))
	for _, c := range rep.Corrections {
		prior, err := positionJSON(c.Prior)
		if err != nil {
			return err
		}
		current, err := positionJSON(c.Current)
		if err != nil {
			return err
		}
		rows = append(rows, model.ReconcileAuditModel{
			RunAt:      rep.At.UTC(),
			Action:     string(c.Action),
			PositionID: c.PositionID,
			Instrument: c.Instrument,
			Reason:     c.Reason,
			Prior:      prior,
			Current:    current,
			CreatedAt:  now,
		})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

// ListAudit returns the newest corrections first.
func (s *SqliteStore) ListAudit(ctx context.Context, limit int) ([]store.AuditEntry, error) {
	var rows []model.ReconcileAuditModel
	q := s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.AuditEntry, 0, len(rows))
	for _, r := range rows {
		entry := store.AuditEntry{
			ID:         r.ID,
			RunAt:      r.RunAt.UnixMilli(),
			Action:     r.Action,
			PositionID: r.PositionID,
			Instrument: r.Instrument,
			Reason:     r.Reason,
		}
		entry.Prior = decodePosition(r.Prior)
		entry.Current = decodePosition(r.Current)
		out = append(out, entry)
	}
	return out, nil
}

func (s *SqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func positionJSON(p *ledger.Position) (datatypes.JSON, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func decodePosition(raw datatypes.JSON) *ledger.Position {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var p ledger.Position
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return &p
}
