package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"signal-core/internal/api"
	"signal-core/internal/engine"
	"signal-core/internal/events"
	"signal-core/internal/martingale"
	"signal-core/internal/monitor"
	"signal-core/internal/notify"
	"signal-core/internal/persistence"
	"signal-core/internal/reconciliation"
	"signal-core/internal/risk"
	"signal-core/pkg/broker"
	"signal-core/pkg/broker/bridge"
	"signal-core/pkg/broker/sim"
	"signal-core/pkg/config"
	"signal-core/pkg/db"
	"signal-core/pkg/logger"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New("signal-core", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode(log, run(cfg, log)))
}

// exitCode logs a fatal run error and flushes the logger before the process
// exits, since os.Exit skips deferred calls.
func exitCode(log *zap.Logger, err error) int {
	code := 0
	if err != nil {
		log.Error("signal-core stopped", zap.Error(err))
		code = 1
	}
	_ = log.Sync()
	return code
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	// Database
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Risk
	seed := risk.DefaultConfig()
	if cfg.RiskConfigFile != "" {
		if seed, err = risk.LoadFile(cfg.RiskConfigFile); err != nil {
			return err
		}
	}
	riskMgr, err := risk.NewManager(database.DB, seed, logger.Component(log, "risk"))
	if err != nil {
		return err
	}

	// Broker session
	gw, err := newGateway(ctx, cfg, clock, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Disconnect(); err != nil {
			log.Warn("broker disconnect failed", zap.Error(err))
		}
	}()

	pnlWriter := persistence.NewPnLWriter(database, clock, 50, cfg.PnLFlushInterval, logger.Component(log, "pnl_writer"))

	bus := events.NewBus()
	eng := engine.NewImpl(engine.Config{
		Gateway:   gw,
		RiskMgr:   riskMgr,
		DB:        database,
		Audit:     pnlWriter,
		Bus:       bus,
		Clock:     clock,
		Log:       log,
		Mode:      cfg.BrokerMode,
		QueueSize: cfg.IntakeQueueSize,
	})

	bal, err := eng.CheckBalance(ctx, cfg.StartupRetries)
	if err != nil {
		return fmt.Errorf("startup balance check: %w", err)
	}
	log.Info("broker session ready", zap.String("mode", cfg.BrokerMode), zap.Float64("balance", bal))

	// Alerts
	var sink monitor.AlertSink = monitor.LogSink{Log: logger.Component(log, "alerts")}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, statusText(eng), logger.Component(log, "telegram"))
		if err != nil {
			log.Warn("telegram disabled", zap.Error(err))
		} else {
			sink = tg
			tg.Start(ctx)
		}
	}
	mon := &monitor.Monitor{
		Bus:       bus,
		Sink:      sink,
		Log:       logger.Component(log, "monitor"),
		IsFailure: martingale.IsFailure,
	}
	mon.Start(ctx)

	eng.Start(cfg.BalanceSyncInterval)
	reconciliation.NewService(gw, eng.Book(), bus, clock, cfg.ReconcileInterval, logger.Component(log, "reconciliation")).Start(ctx)

	// API
	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(eng, logger.Component(log, "api"), api.Options{JWTSecret: cfg.AdminJWTSecret})
	server.StartLimiterCleanup(ctx, 5*time.Minute)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		log.Error("api server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warn("engine shutdown", zap.Error(err))
	}
	if err := pnlWriter.Close(shutdownCtx); err != nil {
		log.Warn("pnl writer close", zap.Error(err))
	}
	s := eng.Status()
	log.Info("stopped", zap.Int("pending_signals", s.PendingSignals), zap.Int("live_trades", s.LiveTrades))
	return nil
}

func newGateway(ctx context.Context, cfg *config.Config, clock clockwork.Clock, log *zap.Logger) (broker.Gateway, error) {
	switch cfg.BrokerMode {
	case config.BrokerBridge:
		client, err := bridge.Dial(ctx, bridge.Config{
			URL:            cfg.BridgeURL,
			SSID:           cfg.BrokerSSID,
			AssetSuffix:    cfg.AssetSuffix,
			RateLimit:      cfg.BrokerRateLimit,
			Burst:          cfg.BrokerBurst,
			RequestTimeout: cfg.BrokerRequestTimeout,
		}, logger.Component(log, "bridge"))
		if err != nil {
			return nil, fmt.Errorf("connect broker bridge: %w", err)
		}
		return client, nil
	default:
		return sim.New(sim.Config{
			InitialBalance: cfg.SimInitialBalance,
			WinRate:        cfg.SimWinRate,
			Payout:         cfg.SimPayout,
			Latency:        cfg.SimLatency,
			TimeScale:      cfg.SimTimeScale,
		}, clock, logger.Component(log, "sim")), nil
	}
}

func statusText(eng *engine.Impl) notify.StatusFunc {
	return func(ctx context.Context) string {
		acct, _ := eng.AccountDetails(ctx)
		st := eng.Status()
		return fmt.Sprintf("balance %.2f | daily %.2f | lifetime %.2f\npending signals %d | live trades %d",
			acct.Balance, acct.DailyPnL, acct.LifetimePnL, st.PendingSignals, st.LiveTrades)
	}
}
