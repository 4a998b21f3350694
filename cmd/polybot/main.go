// Polybot - binary-outcome arbitrage and copy-trading bot for Polymarket.
//
// Architecture: Universe -> Detector -> SignalExecutor (two-leg arb) and
// Registry -> PolicyGate -> Mirror (copy-trading), both sitting on one
// order Executor and position store, tuned at runtime by the dynamic
// tuner and orchestrated by the supervisor.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/adapters"
	"github.com/web3guy0/polybot/arbitrage"
	"github.com/web3guy0/polybot/copytrade"
	"github.com/web3guy0/polybot/exec"
	"github.com/web3guy0/polybot/execution"
	"github.com/web3guy0/polybot/notify"
	"github.com/web3guy0/polybot/signalbus"
	"github.com/web3guy0/polybot/storage"
	"github.com/web3guy0/polybot/supervisor"
	"github.com/web3guy0/polybot/tuner"
)

const version = "4.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	env := loadRuntimeEnv()
	log.Info().Str("version", version).Bool("dry_run", env.DryRun).Msg("🚀 polybot starting")

	matcher, err := exec.NewClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize execution client")
	}
	if bal, err := matcher.GetBalance(); err != nil {
		log.Warn().Err(err).Msg("failed to fetch starting balance")
	} else {
		log.Info().Str("balance", bal.StringFixed(2)).Msg("💰 collateral balance")
	}

	positions, err := storage.NewPositionRepository(env.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize position repository")
	}

	tunerStore, err := tuner.NewStore(env.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize dynamic param store")
	}
	if err := tunerStore.SeedIfEmpty(); err != nil {
		log.Fatal().Err(err).Msg("failed to seed dynamic params")
	}
	params, err := tunerStore.LoadAll()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load dynamic params")
	}

	execCfg := execution.DefaultConfig()
	execCfg.PaperMode = env.DryRun
	orders := execution.NewExecutor(matcher, execCfg)

	pubsub := adapters.NewRedisPubSub(env.RedisAddr)
	signals := signalbus.New()

	detectorCfg := arbitrage.DefaultDetectorConfig()
	detector := arbitrage.NewDetector(detectorCfg)

	arbCfg := arbitrage.LoadExecutorConfigFromEnv()
	applyDynamicArbParams(&arbCfg, params)
	cache := arbitrage.NewTokenCache(matcher)
	universe := arbitrage.NewUniverse(matcher, arbCfg)

	var breakerTripped bool
	cbTripped := func() bool { return breakerTripped }

	arbExecutor := arbitrage.NewSignalExecutor(arbCfg, detector, cache, orders, positions, signals, cbTripped)

	policyCfg := copytrade.LoadPolicyConfigFromEnv()
	applyDynamicCopyParams(&policyCfg, params)
	registry := copytrade.NewRegistry()
	deployed := copytrade.NewDailyDeployed(nowUTC())
	openCount := func(wallet string) int { return 0 } // copy positions aren't tracked per-wallet yet; see DESIGN.md
	gate := copytrade.NewPolicyGate(policyCfg, deployed, cbTripped, openCount)
	mirror := copytrade.NewMirror(registry, gate, deployed, orders, signals, matcher.GetOrderBook, policyCfg)

	history, err := storage.NewCopyTradeHistory(env.MetricsDatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize copy-trade history log")
	}
	mirror = mirror.WithHistory(history)

	exitCfg := arbitrage.DefaultExitConfig()
	applyDynamicExitParams(&exitCfg, params)
	exitEvaluator := arbitrage.NewExitEvaluator(exitCfg, positions, orders, matcher.GetOrderBook, signals)

	metrics, err := tuner.NewMetricsCollector(env.MetricsDatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tuner metrics collector")
	}
	tunerCfg := tuner.LoadConfigFromEnv()
	dynamicTuner := tuner.NewTuner(tunerCfg, tunerStore, metrics, pubsub, signals, cbTripped)

	configSubscriber := newDynamicConfigSubscriber(tunerCfg, params, dynamicConfigTargets{
		arbExecutor:   arbExecutor,
		policyGate:    gate,
		mirror:        mirror,
		exitEvaluator: exitEvaluator,
	})

	sup := supervisor.New(supervisor.Config{
		Matcher:           matcher,
		PubSub:            pubsub,
		Positions:         positions,
		Orders:            orders,
		Signals:           signals,
		Detector:          detector,
		ArbExecutor:       arbExecutor,
		Universe:          universe,
		Cache:             cache,
		Mirror:            mirror,
		Registry:          registry,
		DynamicTuner:      dynamicTuner,
		ExitEvaluator:     exitEvaluator,
		HeartbeatInterval: env.HeartbeatInterval,
	})

	notifier, err := notify.NewTelegramNotifier(env.TelegramToken, env.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("telegram notifier disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if notifier != nil {
		envelopes, unsubscribe := signals.Subscribe()
		defer unsubscribe()
		go notifier.Run(envelopes, ctx.Done())
	}

	go func() {
		if err := configSubscriber.Run(ctx, pubsub, dynamicConfigSnapshot(params)); err != nil {
			log.Error().Err(err).Msg("dynamic config subscriber stopped with error")
		}
	}()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sup.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 shutdown signal received")
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			log.Error().Err(err).Msg("supervisor exited with error")
			os.Exit(2)
		}
	}

	if err := matcher.CancelAllOrders(); err != nil {
		log.Warn().Err(err).Msg("failed to cancel resting orders on shutdown")
	}

	log.Info().Msg("👋 goodbye")
}
