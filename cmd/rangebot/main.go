// Rangebot - Volatility-edge trader for Kalshi range contracts
//
// Prices every open contract in a series with a no-drift GBM model fed by
// a rolling volatility estimate of the underlying, buys the side whose ask
// sits furthest below the model, and manages each position through
// settlement, take-profit, stop-loss or model reversal.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/rangebot/bot"
	"github.com/web3guy0/rangebot/core"
	"github.com/web3guy0/rangebot/exec"
	"github.com/web3guy0/rangebot/execution"
	"github.com/web3guy0/rangebot/feeds"
	"github.com/web3guy0/rangebot/internal/config"
	"github.com/web3guy0/rangebot/risk"
	"github.com/web3guy0/rangebot/storage"
	"github.com/web3guy0/rangebot/strategy"
)

const version = "1.0.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	mode := "PAPER"
	if cfg.Live {
		mode = "LIVE"
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("          RANGEBOT - VOLATILITY EDGE (GBM vs MARKET)")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().
		Str("version", version).
		Str("mode", mode).
		Str("series", cfg.SeriesTicker).
		Float64("min_edge", cfg.MinEdge).
		Dur("interval", cfg.ScanInterval).
		Msg("⚡ Starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	tradeLog := storage.NewTradeLog(cfg.TradeLogPath)
	defer tradeLog.Close()

	// 2. Venue + value feed
	client, err := exec.NewClient(cfg.KalshiAPIURL, cfg.KalshiAPIKey, cfg.KalshiPrivateKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Kalshi client")
	}
	feed := feeds.NewCoinbaseFeed(cfg.CoinbaseAPIURL, cfg.SpotProduct)

	// 3. Notifications (optional)
	var notifier execution.Notifier
	var tg *bot.TelegramBot
	if cfg.TelegramEnabled() {
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, db, nil)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
		} else {
			notifier = tg
		}
	}

	// 4. Strategy, risk, execution
	exits := risk.NewTPSLManager(risk.ExitConfig{
		StopLossPct:           cfg.StopLossPct,
		SoftStopLossPct:       cfg.SoftStopLossPct,
		TakeProfitNoAskCents:  cfg.TPNoYesAskCents,
		TakeProfitYesBidCents: cfg.TPYesBidCents,
	})
	sizer := risk.NewSizer(cfg.MaxTradeUSD, cfg.StopLossPct)

	monitor := execution.NewMonitor(client, db, exits, tradeLog, notifier, cfg.CallTimeout)
	reconciler := execution.NewReconciler(client, db, tradeLog, notifier, cfg.CallTimeout)
	executor := execution.NewExecutor(client, db, sizer, tradeLog, notifier, execution.ExecutorConfig{
		Live:        cfg.Live,
		Strategy:    "vol_edge",
		MaxHold:     cfg.MaxHold,
		CallTimeout: cfg.CallTimeout,
	})

	engine := core.NewEngine(core.Config{
		Live:              cfg.Live,
		Series:            cfg.SeriesTicker,
		ScanInterval:      cfg.ScanInterval,
		ErrorBackoff:      cfg.ErrorBackoff,
		CallTimeout:       cfg.CallTimeout,
		MaxTradesPerCycle: cfg.MaxTradesPerCycle,
		Cooldown:          cfg.Cooldown,
		PaperBankroll:     cfg.PaperBankroll,
		VolLookback:       cfg.VolLookback,
	}, core.Deps{
		Feed:       feed,
		Venue:      client,
		Store:      db,
		Monitor:    monitor,
		Reconciler: reconciler,
		Executor:   executor,
		Scanner: strategy.NewScanner(strategy.ScanConfig{
			MinMinutes: cfg.TimeMinMins,
			MaxMinutes: cfg.TimeMaxMins,
			MinEdge:    cfg.MinEdge,
		}),
		Breaker:    risk.NewExposureBreaker(cfg.MaxExposurePct),
		Volatility: feeds.NewVolatilityEstimator(cfg.SampleInterval, cfg.DefaultAnnVol, cfg.MinAnnVol),
	})

	// ═══════════════════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════════════════

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	if tg != nil {
		tg.SetEngine(engine)
		tg.NotifyStartup(mode, cfg.SeriesTicker)
		g.Go(func() error {
			return tg.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Engine exited with error")
	}

	log.Info().Msg("👋 Shutdown complete")
}
