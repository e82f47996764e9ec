package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/rangebot/storage"
	"github.com/web3guy0/rangebot/types"
)

func main() {
	_ = godotenv.Load()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "data/rangebot.db"
	}
	limit := flag.Int("n", 25, "number of recent positions to show")
	flag.StringVar(&dbPath, "db", dbPath, "database path or postgres URL")
	flag.Parse()

	db, err := storage.New(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	open, err := db.GetOpenPositions(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load open positions")
	}

	fmt.Printf("\n📂 ACTIVE TRADES (%d)\n", len(open))
	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	for _, p := range open {
		fmt.Printf("ID: %-5d │ %-32s │ %-3s │ Price: $%s │ Qty: %-4d │ %s\n",
			p.ID, p.Ticker, p.Side, p.EntryPrice.StringFixed(2), p.Quantity,
			p.EntryTime.Local().Format("Jan 02 15:04:05"))
	}

	recent, err := db.RecentPositions(ctx, *limit)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load recent positions")
	}

	fmt.Printf("\n📜 RECENT POSITIONS (%d)\n", len(recent))
	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	fmt.Println("│ STATUS │ TICKER                           │ SIDE │ ENTRY │ EXIT  │ P&L      │ REASON")
	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	for _, p := range recent {
		exit, pnl := "  -  ", "   -    "
		if p.Status == types.StatusClosed {
			if p.ExitValue.Valid {
				exit = p.ExitValue.Decimal.StringFixed(2)
			}
			if p.RealizedPnL.Valid {
				pnl = storage.FormatPnL(p.RealizedPnL.Decimal)
			}
		}
		fmt.Printf("│ %-6s │ %-32s │ %-4s │ %s  │ %-5s │ %-8s │ %s\n",
			p.Status, p.Ticker, p.Side, p.EntryPrice.StringFixed(2), exit, pnl, p.ExitReason)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compute stats")
	}

	winRate := 0.0
	if decided := stats.Wins + stats.Losses; decided > 0 {
		winRate = float64(stats.Wins) / float64(decided) * 100
	}

	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	fmt.Printf("Open: %d │ Closed: %d │ Wins: %d │ Losses: %d │ Win rate: %.1f%% │ P&L: %s\n\n",
		stats.Open, stats.Closed, stats.Wins, stats.Losses, winRate, storage.FormatPnL(stats.TotalPnL))
}
