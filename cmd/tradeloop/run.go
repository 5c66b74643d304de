package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/moltapp/tradeloop/internal/config"
	"github.com/moltapp/tradeloop/internal/confirm"
	"github.com/moltapp/tradeloop/internal/httpapi"
	"github.com/moltapp/tradeloop/internal/ledger"
	"github.com/moltapp/tradeloop/internal/metrics"
	"github.com/moltapp/tradeloop/internal/policy"
	"github.com/moltapp/tradeloop/internal/risk"
	"github.com/moltapp/tradeloop/internal/runner"
	"github.com/moltapp/tradeloop/internal/safety"
	"github.com/moltapp/tradeloop/internal/trading"
)

func runLoop(cmd *cobra.Command, args []string) error {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Info().Str("version", version).
		Strs("agents", cfg.Agents).
		Bool("paper_trading", cfg.PaperTrading).
		Msg("tradeloop starting")

	gate := safety.NewGate(cfg.Safety)
	policyEngine := policy.NewEngine(cfg.Policy)
	slippage := confirm.NewSlippageValidator(cfg.MaxSlippageBps)
	anomalyLog := risk.NewAnomalyLog()
	riskMonitor := risk.NewMonitor(anomalyLog)
	registry := metrics.NewMetricsRegistry()

	rpcClient := ledger.NewClient(cfg.RPC.Endpoint, cfg.RPC.Timeout)
	commitment, _ := confirm.ParseCommitment(cfg.Confirmation.Commitment)
	confirmer := confirm.NewEngine(rpcClient, rpcClient,
		confirm.WithRateLimit(cfg.Confirmation.RateRPS, cfg.Confirmation.RateBurst))

	var executor trading.TradeExecutor
	if cfg.PaperTrading {
		executor = trading.NewPaperExecutor()
	} else {
		// Live execution needs a venue integration supplying signed swaps;
		// until one is wired in, refuse rather than silently paper-trade.
		log.Fatal().Msg("Live trading requires an executor integration; set paper_trading: true")
	}

	orchestrator := trading.NewOrchestrator(
		trading.Config{Agents: cfg.Agents, Commitment: commitment},
		gate, policyEngine, confirmer, slippage, riskMonitor,
		trading.HoldProvider{}, executor,
		trading.StaticPortfolio{CashUSD: 1000},
	)

	sched := runner.New(cfg.Scheduler, gate, orchestrator)
	bridge := newMetricsBridge(registry, sched, gate, policyEngine, confirmer, slippage, riskMonitor)
	sched.AddAnalyticsHook(bridge.afterRound)
	registry.ObserveInFlight(func() float64 {
		if sched.Status().CurrentRoundID != "" {
			return 1
		}
		return 0
	})

	server, err := httpapi.NewServer(cfg.HTTP, gate, sched, riskMonitor, registry)
	if err != nil {
		return err
	}
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Operator HTTP server exited")
		}
	}()

	if err := sched.Start(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	log.Info().Msg("tradeloop stopped")
	return nil
}
