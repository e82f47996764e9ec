package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE LOG - Human-readable audit trail
// ═══════════════════════════════════════════════════════════════════════════════
//
//   [2026-02-14 10:02] ENTER YES  KXBTC-26FEB14-B97250   entry=0.42  $2.00
//     value inside range | model=61.0% exec=42.0% ...
//
//   [2026-02-14 12:40] EXIT  YES  KXBTC-26FEB14-B97250   exit=1.00  PnL=+$2.76  SETTLED yes
//
// Append-only, never read back by the bot.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TradeLog appends ENTER/EXIT lines to a plain-text file.
// A nil *TradeLog is a no-op.
type TradeLog struct {
	mu   sync.Mutex
	path string
	file *os.File
	now  func() time.Time
}

// NewTradeLog returns a log appending to path, or nil if path is blank
func NewTradeLog(path string) *TradeLog {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &TradeLog{path: path, now: time.Now}
}

// Enter records a new position
func (t *TradeLog) Enter(ticker, side string, price, budget decimal.Decimal, reason string) error {
	if t == nil {
		return nil
	}
	line := fmt.Sprintf("[%s] ENTER %-3s  %-35s  entry=%s  $%s\n  %s\n\n",
		t.now().Format("2006-01-02 15:04"), side, ticker,
		price.StringFixed(2), budget.StringFixed(2), reason)
	return t.append(line)
}

// Exit records a closed position
func (t *TradeLog) Exit(ticker, side string, exitValue, pnl decimal.Decimal, reason string) error {
	if t == nil {
		return nil
	}
	line := fmt.Sprintf("[%s] EXIT  %-3s  %-35s  exit=%s  PnL=%s  %s\n\n",
		t.now().Format("2006-01-02 15:04"), side, ticker,
		exitValue.StringFixed(2), FormatPnL(pnl), reason)
	return t.append(line)
}

// Close closes the underlying file
func (t *TradeLog) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

func (t *TradeLog) append(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
			return fmt.Errorf("tradelog: mkdir: %w", err)
		}
		f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("tradelog: open: %w", err)
		}
		t.file = f
	}

	if _, err := t.file.WriteString(line); err != nil {
		return fmt.Errorf("tradelog: write: %w", err)
	}
	return nil
}

// FormatPnL renders +$1.23 / -$0.45
func FormatPnL(pnl decimal.Decimal) string {
	if pnl.IsNegative() {
		return "-$" + pnl.Abs().StringFixed(2)
	}
	return "+$" + pnl.StringFixed(2)
}
