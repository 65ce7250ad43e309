package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nixikanius/trading-bot/internal/alert"
	"github.com/nixikanius/trading-bot/internal/bootstrap"
	"github.com/nixikanius/trading-bot/internal/config"
	"github.com/nixikanius/trading-bot/internal/core"
	"github.com/nixikanius/trading-bot/internal/engine"
	"github.com/nixikanius/trading-bot/internal/feed"
	"github.com/nixikanius/trading-bot/internal/infrastructure/health"
	"github.com/nixikanius/trading-bot/internal/infrastructure/metrics"
	"github.com/nixikanius/trading-bot/internal/infrastructure/server"
	"github.com/nixikanius/trading-bot/internal/ledger"
	"github.com/nixikanius/trading-bot/internal/lifecycle"
	"github.com/nixikanius/trading-bot/internal/mock"
	"github.com/nixikanius/trading-bot/internal/risk"
	"github.com/nixikanius/trading-bot/internal/store"
	"github.com/nixikanius/trading-bot/internal/strategy"
	"github.com/nixikanius/trading-bot/pkg/telemetry"

	"github.com/shopspring/decimal"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/tradebot.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tradebot version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Cfg
	logger := app.Logger

	logger.Info("Starting tradebot",
		"version", version,
		"broker", cfg.Broker.Adapter,
		"strategy", cfg.Strategy.Name,
		"instruments", len(cfg.Instruments),
	)

	var tel *telemetry.Telemetry
	if cfg.Telemetry.EnableMetrics {
		tel, err = telemetry.Setup("trading-bot")
		if err != nil {
			logger.Warn("Telemetry setup failed, continuing without it", "error", err.Error())
		}
	}

	broker, err := buildBroker(cfg, logger)
	if err != nil {
		logger.Error("Failed to create broker", "error", err.Error())
		os.Exit(1)
	}

	ldg := ledger.New(logger)
	breaker := risk.NewBreaker(logger)
	admission := ledger.NewAdmissionController(riskLimits(cfg.RiskLimits), breaker, logger)
	alerts := buildAlerts(cfg, logger)

	snapStore, err := store.Open(cfg.Store)
	if err != nil {
		logger.Error("Failed to open snapshot store", "error", err.Error())
		os.Exit(1)
	}

	orders := lifecycle.NewManager(broker, ldg, alerts, lifecycle.Config{
		SubmitTimeout: time.Duration(cfg.Broker.CallTimeoutMS) * time.Millisecond,
		CancelTimeout: time.Duration(cfg.Broker.CallTimeoutMS) * time.Millisecond,
		TimeInForce:   time.Duration(cfg.Engine.TimeInForceS) * time.Second,
		MaxAttempts:   cfg.Engine.RetryMaxAttempts,
		BaseDelay:     time.Duration(cfg.Engine.RetryBaseDelayMS) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.Engine.RetryMaxDelayMS) * time.Millisecond,
		CancelOnExit:  cfg.Engine.CancelOnExit,
	}, logger)

	if snapStore != nil {
		restoreSnapshot(snapStore, ldg, orders, logger)
	}

	instruments := make([]string, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		instruments = append(instruments, inst.ID)
	}

	var source feed.QuoteSource
	if cfg.Feed.Source == "websocket" {
		source = feed.NewWSSource(cfg.Feed.URL,
			time.Duration(cfg.Feed.ReconnectSec)*time.Second, logger)
	} else {
		source = &feed.BrokerSource{Broker: broker}
	}
	feedAdapter := feed.NewAdapter(source, instruments,
		time.Duration(cfg.Feed.StaleAfterS)*time.Second, logger)

	strat, err := strategy.New(cfg.Strategy, logger)
	if err != nil {
		logger.Error("Failed to create strategy", "error", err.Error())
		os.Exit(1)
	}
	signalStrat, _ := strat.(*strategy.Signal)

	eng := engine.New(broker, feedAdapter, strat, ldg, admission, orders, snapStore, engine.Config{
		CycleInterval: time.Duration(cfg.Engine.CycleIntervalMS) * time.Millisecond,
	}, logger)

	reconciler := engine.NewReconciler(broker, ldg, orders, breaker, alerts,
		time.Duration(cfg.Engine.ReconcileIntervalS)*time.Second,
		cfg.RiskLimits.MaxDriftPercent, logger)

	hm := health.NewHealthManager(logger)
	hm.Register("engine", func() error {
		if !eng.Status(reconciler.LastCompleted()).Running {
			return fmt.Errorf("engine not running")
		}
		return nil
	})
	hm.Register("feed", func() error {
		for _, inst := range instruments {
			if !feedAdapter.IsStale(inst) {
				return nil
			}
		}
		return fmt.Errorf("all instruments stale")
	})

	statusSrv := server.NewStatusServer(cfg.Server.Port, hm, eng, reconciler,
		orders, ldg, breaker, signalStrat, logger)

	// A dedicated scrape endpoint when metrics should not share the
	// operator port
	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics && cfg.Telemetry.MetricsPort > 0 {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}

	runErr := app.Run(bootstrap.RunnerFunc(func(ctx context.Context) error {
		// The first reconciliation pass settles restored state against the
		// broker before any trading decision is made
		if err := reconciler.Reconcile(ctx); err != nil {
			logger.Warn("Initial reconciliation failed", "error", err.Error())
		}

		if err := feedAdapter.Start(); err != nil {
			return fmt.Errorf("feed: %w", err)
		}
		if err := eng.Start(); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		if err := reconciler.Start(); err != nil {
			return fmt.Errorf("reconciler: %w", err)
		}
		statusSrv.Start()
		if metricsSrv != nil {
			metricsSrv.Start()
		}

		<-ctx.Done()

		logger.Info("Shutting down...")
		eng.Stop()
		reconciler.Stop()
		feedAdapter.Stop()

		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orders.Shutdown(drainCtx); err != nil {
			logger.Error("Order drain incomplete", "error", err.Error())
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := statusSrv.Stop(stopCtx); err != nil {
			logger.Error("Status server shutdown failed", "error", err.Error())
		}
		if metricsSrv != nil {
			if err := metricsSrv.Stop(stopCtx); err != nil {
				logger.Error("Metrics server shutdown failed", "error", err.Error())
			}
		}
		if snapStore != nil {
			if err := snapStore.Close(); err != nil {
				logger.Error("Snapshot store close failed", "error", err.Error())
			}
		}
		if tel != nil {
			if err := tel.Shutdown(stopCtx); err != nil {
				logger.Error("Telemetry shutdown failed", "error", err.Error())
			}
		}
		return nil
	}))

	if runErr != nil {
		os.Exit(1)
	}
}

// buildBroker selects the broker adapter. Only the in-memory mock ships
// with this binary; live adapters register here.
func buildBroker(cfg *bootstrap.Config, logger core.ILogger) (core.Broker, error) {
	switch cfg.Broker.Adapter {
	case "mock":
		b := mock.NewBroker()
		b.FillMarketOrders(true)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown broker adapter: %q", cfg.Broker.Adapter)
	}
}

func buildAlerts(cfg *bootstrap.Config, logger core.ILogger) *alert.AlertManager {
	alerts := alert.NewAlertManager(logger)
	if cfg.Alerts.Telegram.BotToken.Reveal() != "" {
		alerts.AddChannel(alert.NewTelegramChannel(
			cfg.Alerts.Telegram.BotToken.Reveal(),
			cfg.Alerts.Telegram.ChatID,
		))
	}
	if cfg.Alerts.Slack.WebhookURL.Reveal() != "" {
		alerts.AddChannel(alert.NewSlackChannel(cfg.Alerts.Slack.WebhookURL.Reveal()))
	}
	return alerts
}

func riskLimits(cfg config.RiskLimitsConfig) core.RiskLimits {
	maxPos := make(map[string]decimal.Decimal, len(cfg.MaxPosition))
	for inst, v := range cfg.MaxPosition {
		maxPos[inst] = decimal.NewFromFloat(v)
	}
	return core.RiskLimits{
		MaxPosition:        maxPos,
		DefaultMaxPosition: decimal.NewFromFloat(cfg.DefaultMaxPosition),
		MaxNotional:        decimal.NewFromFloat(cfg.MaxNotional),
		MaxOrderRate:       cfg.MaxOrderRate,
		OrderBurst:         cfg.OrderBurst,
	}
}

// restoreSnapshot loads persisted state. Failures are survivable: the
// first reconciliation pass rebuilds positions from the broker anyway.
func restoreSnapshot(s store.Store, ldg *ledger.Ledger, orders *lifecycle.Manager, logger core.ILogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := s.Load(ctx)
	if err != nil {
		logger.Error("Snapshot restore failed, starting empty", "error", err.Error())
		return
	}
	if snap == nil {
		logger.Info("No snapshot found, starting empty")
		return
	}

	ldg.RestorePositions(snap.Positions)
	orders.RestoreOrders(snap.Orders)
	logger.Info("Snapshot restored",
		"positions", len(snap.Positions),
		"orders", len(snap.Orders),
		"saved_at", snap.SavedAt)
}
