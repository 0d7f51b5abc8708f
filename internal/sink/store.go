// Package sink durably records normalized trades. Writes happen on the
// sink's own goroutine behind a bounded buffer so storage latency never
// stalls the rest of the pipeline.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/traderelay/internal/relay"
)

// TradeRow is the persisted form of a TradeEvent.
type TradeRow struct {
	ID         uint            `gorm:"primaryKey"`
	Symbol     string          `gorm:"size:32;index:idx_trades_symbol_ts,priority:1"`
	Price      decimal.Decimal `gorm:"type:numeric"`
	Quantity   decimal.Decimal `gorm:"type:numeric"`
	Notional   decimal.Decimal `gorm:"type:numeric"`
	ExchangeTS int64           `gorm:"column:exchange_ts;index:idx_trades_symbol_ts,priority:2"`
	ReceivedAt time.Time
}

// TableName sets the table name for TradeRow.
func (TradeRow) TableName() string { return "trades" }

func rowFromEvent(ev relay.TradeEvent) *TradeRow {
	return &TradeRow{
		Symbol:     ev.Symbol,
		Price:      ev.Price,
		Quantity:   ev.Quantity,
		Notional:   ev.Notional,
		ExchangeTS: ev.ExchangeTimestamp,
		ReceivedAt: ev.ReceivedAt,
	}
}

// Store abstracts the persistent trade store. The production
// implementation is GormStore; tests substitute failure-injecting fakes.
type Store interface {
	SaveTrade(ctx context.Context, row *TradeRow) error
	Trades(ctx context.Context, symbol string, from, to int64, limit int) ([]TradeRow, error)
}

// GormStore persists trades through a gorm handle.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the trades table and returns the store. A failure
// here is fatal to startup: the relay must not run without its store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&TradeRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate trades table: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveTrade appends one trade row.
func (s *GormStore) SaveTrade(ctx context.Context, row *TradeRow) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// Trades returns stored trades for a symbol within [from, to] exchange
// timestamps, oldest first. A non-positive to means no upper bound.
func (s *GormStore) Trades(ctx context.Context, symbol string, from, to int64, limit int) ([]TradeRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	q := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Where("exchange_ts >= ?", from)
	if to > 0 {
		q = q.Where("exchange_ts <= ?", to)
	}
	var rows []TradeRow
	if err := q.Order("exchange_ts asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// OpenPostgres creates the PostgreSQL connection backing the store, with
// pool settings tuned the same way as the rest of our services.
func OpenPostgres(dsn string, maxOpen, maxIdle int, connMaxLife time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      gormlogger.Default.LogMode(gormlogger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if maxOpen == 0 {
		maxOpen = 25
	}
	if maxIdle == 0 {
		maxIdle = 5
	}
	if connMaxLife == 0 {
		connMaxLife = time.Hour
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMaxLife)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}
