// Package recoverylog keeps an audit trail of transactions completed outside
// their owning connection: in-limbo commits and rollbacks, heuristic outcomes
// and forgotten branches.
package recoverylog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Actions recorded in the log.
const (
	ActionCommit   = "commit"
	ActionRollback = "rollback"
	ActionForget   = "forget"
)

// Outcomes recorded in the log.
const (
	OutcomeCompleted = "completed"
	OutcomeNotFound  = "not_found"
	OutcomeHeuristic = "heuristic"
	OutcomeFailed    = "failed"
)

// Event is one audited recovery action.
type Event struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Xid       string    `gorm:"index" json:"xid"`
	FormatID  int32     `json:"format_id"`
	GlobalID  string    `gorm:"index" json:"global_id"` // hex
	BranchID  string    `json:"branch_id"`              // hex
	NativeID  int64     `gorm:"index" json:"native_id"`
	Action    string    `gorm:"index" json:"action"`
	Outcome   string    `json:"outcome"`
	XACode    int       `json:"xa_code"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (Event) TableName() string { return "xa_recovery_events" }

// Store persists Events.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the audit database. driver is "sqlite" or "postgres".
func Open(driver, dsn string, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported recovery log driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open recovery log: %w", err)
	}
	return New(db, logger)
}

// New wraps an existing gorm handle, migrating the event table.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migrate recovery log: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Record stores ev.
func (s *Store) Record(ctx context.Context, ev Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		s.logger.Error("Failed to record recovery event",
			zap.String("xid", ev.Xid),
			zap.String("action", ev.Action),
			zap.Error(err))
		return err
	}
	s.logger.Debug("Recorded recovery event",
		zap.String("xid", ev.Xid),
		zap.String("action", ev.Action),
		zap.String("outcome", ev.Outcome))
	return nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	GlobalID string
	Action   string
	Since    time.Time
	Limit    int
}

// List returns matching events, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Event, error) {
	q := s.db.WithContext(ctx).Model(&Event{})
	if f.GlobalID != "" {
		q = q.Where("global_id = ?", f.GlobalID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var events []Event
	if err := q.Order("created_at DESC, id DESC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
