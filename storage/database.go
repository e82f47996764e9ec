package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/rangebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Position store
// ═══════════════════════════════════════════════════════════════════════════════
//
// Source of truth for what this bot holds. Positions are never deleted,
// only closed, so the table doubles as the audit trail. The decision log
// backs the re-entry cooldown.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrPositionNotFound is returned when closing a position the store has no record of
	ErrPositionNotFound = errors.New("storage: position not found")
	// ErrPositionClosed is returned when closing a position that is already closed
	ErrPositionClosed = errors.New("storage: position already closed")
)

type Database struct {
	db *gorm.DB
}

// Models

type PositionRecord struct {
	ID              uint            `gorm:"primaryKey;autoIncrement"`
	Ticker          string          `gorm:"index"`
	Side            string          // "YES" or "NO"
	EntryPrice      decimal.Decimal `gorm:"type:decimal(10,6)"`
	Quantity        int
	EntryTime       time.Time
	Rationale       string
	Confidence      float64
	Live            bool
	Status          string `gorm:"index"` // "open", "closed"
	Strategy        string
	StopLossPrice   decimal.NullDecimal `gorm:"type:decimal(10,6)"`
	TakeProfitPrice decimal.NullDecimal `gorm:"type:decimal(10,6)"`
	MaxHoldSeconds  int64
	ExitValue       decimal.NullDecimal `gorm:"type:decimal(10,6)"`
	RealizedPnL     decimal.NullDecimal `gorm:"column:realized_pnl;type:decimal(20,6)"`
	ExitReason      string
	ClosedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Decision is one entry/exit/rejection the bot made on a contract
type Decision struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Ticker     string `gorm:"index"`
	Action     string // "YES", "NO", "REJECTED", "EXIT_STOP_LOSS", ...
	Confidence float64
	CostUSD    decimal.Decimal `gorm:"type:decimal(20,6)"`
	CreatedAt  time.Time       `gorm:"index"`
}

// New opens the store. A postgres:// URL selects PostgreSQL, anything else
// is treated as a SQLite file path.
func New(dbPath string) (*Database, error) {
	cfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), cfg)
		if err != nil {
			return nil, fmt.Errorf("storage: open postgres: %w", err)
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dbPath); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("storage: create dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), cfg)
		if err != nil {
			return nil, fmt.Errorf("storage: open sqlite: %w", err)
		}
		log.Info().Str("path", dbPath).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&PositionRecord{}, &Decision{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the underlying connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Position operations

// GetOpenPositions returns every open position, oldest first
func (d *Database) GetOpenPositions(ctx context.Context) ([]*types.Position, error) {
	var recs []PositionRecord
	err := d.db.WithContext(ctx).
		Where("status = ?", string(types.StatusOpen)).
		Order("entry_time ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: open positions: %w", err)
	}
	return toPositions(recs), nil
}

// AddPosition persists a new open position and sets its ID
func (d *Database) AddPosition(ctx context.Context, pos *types.Position) error {
	if pos.Quantity < 1 {
		return fmt.Errorf("storage: add %s: quantity %d < 1", pos.Ticker, pos.Quantity)
	}
	if !pos.EntryPrice.IsPositive() || pos.EntryPrice.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("storage: add %s: entry price %s outside (0,1)", pos.Ticker, pos.EntryPrice)
	}

	rec := fromPosition(pos)
	rec.Status = string(types.StatusOpen)
	if err := d.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("storage: add %s: %w", pos.Ticker, err)
	}
	pos.ID = rec.ID
	pos.Status = types.StatusOpen
	return nil
}

// ClosePosition marks an open position closed at exitValue and records
// realized P&L. Closing twice returns ErrPositionClosed; an unknown ID
// returns ErrPositionNotFound.
func (d *Database) ClosePosition(ctx context.Context, pos *types.Position, exitValue decimal.Decimal, reason string) error {
	now := time.Now().UTC()
	pnl := pos.PnLAt(exitValue)

	res := d.db.WithContext(ctx).
		Model(&PositionRecord{}).
		Where("id = ? AND status = ?", pos.ID, string(types.StatusOpen)).
		Updates(map[string]any{
			"status":       string(types.StatusClosed),
			"exit_value":   decimal.NewNullDecimal(exitValue),
			"realized_pnl": decimal.NewNullDecimal(pnl),
			"exit_reason":  reason,
			"closed_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("storage: close %s: %w", pos.Ticker, res.Error)
	}

	if res.RowsAffected == 0 {
		var rec PositionRecord
		err := d.db.WithContext(ctx).First(&rec, pos.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id=%d ticker=%s", ErrPositionNotFound, pos.ID, pos.Ticker)
		}
		if err != nil {
			return fmt.Errorf("storage: close %s: %w", pos.Ticker, err)
		}
		return fmt.Errorf("%w: id=%d ticker=%s", ErrPositionClosed, pos.ID, pos.Ticker)
	}

	pos.Status = types.StatusClosed
	pos.ExitValue = decimal.NewNullDecimal(exitValue)
	pos.RealizedPnL = decimal.NewNullDecimal(pnl)
	pos.ExitReason = reason
	pos.ClosedAt = &now
	return nil
}

// RecentPositions returns the newest positions, open or closed
func (d *Database) RecentPositions(ctx context.Context, limit int) ([]*types.Position, error) {
	var recs []PositionRecord
	err := d.db.WithContext(ctx).Order("entry_time DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: recent positions: %w", err)
	}
	return toPositions(recs), nil
}

// Decision operations

// RecordDecision appends to the decision log
func (d *Database) RecordDecision(ctx context.Context, ticker, action string, confidence float64, cost decimal.Decimal) error {
	dec := &Decision{
		Ticker:     ticker,
		Action:     action,
		Confidence: confidence,
		CostUSD:    cost,
	}
	if err := d.db.WithContext(ctx).Create(dec).Error; err != nil {
		return fmt.Errorf("storage: record decision %s: %w", ticker, err)
	}
	return nil
}

// WasRecentlySeen reports whether any decision was logged for ticker within the window
func (d *Database) WasRecentlySeen(ctx context.Context, ticker string, within time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-within)
	var n int64
	err := d.db.WithContext(ctx).
		Model(&Decision{}).
		Where("ticker = ? AND created_at >= ?", ticker, cutoff).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("storage: recently seen %s: %w", ticker, err)
	}
	return n > 0, nil
}

// Stats operations

// Stats summarizes closed positions
type Stats struct {
	Open     int64
	Closed   int64
	Wins     int64
	Losses   int64
	TotalPnL decimal.Decimal
}

// GetStats aggregates win/loss and realized P&L
func (d *Database) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	db := d.db.WithContext(ctx).Model(&PositionRecord{})

	if err := db.Where("status = ?", string(types.StatusOpen)).Count(&s.Open).Error; err != nil {
		return s, err
	}

	var closed []PositionRecord
	if err := d.db.WithContext(ctx).Where("status = ?", string(types.StatusClosed)).Find(&closed).Error; err != nil {
		return s, err
	}

	s.TotalPnL = decimal.Zero
	for _, r := range closed {
		s.Closed++
		if !r.RealizedPnL.Valid {
			continue
		}
		s.TotalPnL = s.TotalPnL.Add(r.RealizedPnL.Decimal)
		switch {
		case r.RealizedPnL.Decimal.IsPositive():
			s.Wins++
		case r.RealizedPnL.Decimal.IsNegative():
			s.Losses++
		}
	}
	return s, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONVERSION
// ═══════════════════════════════════════════════════════════════════════════════

func fromPosition(p *types.Position) *PositionRecord {
	return &PositionRecord{
		ID:              p.ID,
		Ticker:          p.Ticker,
		Side:            string(p.Side),
		EntryPrice:      p.EntryPrice,
		Quantity:        p.Quantity,
		EntryTime:       p.EntryTime.UTC(),
		Rationale:       p.Rationale,
		Confidence:      p.Confidence,
		Live:            p.Live,
		Status:          string(p.Status),
		Strategy:        p.Strategy,
		StopLossPrice:   p.StopLossPrice,
		TakeProfitPrice: p.TakeProfitPrice,
		MaxHoldSeconds:  int64(p.MaxHold / time.Second),
		ExitValue:       p.ExitValue,
		RealizedPnL:     p.RealizedPnL,
		ExitReason:      p.ExitReason,
		ClosedAt:        p.ClosedAt,
	}
}

func toPositions(recs []PositionRecord) []*types.Position {
	out := make([]*types.Position, 0, len(recs))
	for _, r := range recs {
		out = append(out, &types.Position{
			ID:              r.ID,
			Ticker:          r.Ticker,
			Side:            types.Side(r.Side),
			EntryPrice:      r.EntryPrice,
			Quantity:        r.Quantity,
			EntryTime:       r.EntryTime,
			Rationale:       r.Rationale,
			Confidence:      r.Confidence,
			Live:            r.Live,
			Status:          types.PositionStatus(r.Status),
			Strategy:        r.Strategy,
			StopLossPrice:   r.StopLossPrice,
			TakeProfitPrice: r.TakeProfitPrice,
			MaxHold:         time.Duration(r.MaxHoldSeconds) * time.Second,
			ExitValue:       r.ExitValue,
			RealizedPnL:     r.RealizedPnL,
			ExitReason:      r.ExitReason,
			ClosedAt:        r.ClosedAt,
		})
	}
	return out
}
