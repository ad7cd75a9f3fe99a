// Command daytrader runs the autonomous intraday trading loop: one cycle per
// trading day, scheduled scans, continuous risk and position monitoring, and
// a periodic reconciliation watchdog.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"daytrader/internal/alerts"
	"daytrader/internal/broker"
	"daytrader/internal/clock"
	"daytrader/internal/config"
	"daytrader/internal/engine"
	"daytrader/internal/models"
	"daytrader/internal/monitor"
	"daytrader/internal/orchestrator"
	"daytrader/internal/risk"
	"daytrader/internal/scanner"
	"daytrader/internal/server"
	"daytrader/internal/storage"
	"daytrader/internal/watchdog"
)

const watchdogInterval = 5 * time.Minute

type app struct {
	cfg      *config.Config
	loader   *config.Loader
	store    *storage.Store
	broker   broker.Broker
	clock    clock.Clock
	notifier *alerts.Notifier
	engine   *engine.Engine
	orch     *orchestrator.Orchestrator
	riskMon  *risk.Monitor
	posMon   *monitor.Monitor
	watchdog *watchdog.Watchdog
	logger   *logrus.Logger

	mu         sync.Mutex
	cycleID    string
	stopRiskFn context.CancelFunc
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Local .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	loader, err := config.NewLoader(configPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("configuration load failed")
	}
	cfg := loader.Snapshot()
	if level, err := logrus.ParseLevel(cfg.Session.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	a, err := build(cfg, loader, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	defer a.store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := a.run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Fatal("daytrader exited with error")
	}
	logger.Info("daytrader stopped")
}

func build(cfg *config.Config, loader *config.Loader, logger *logrus.Logger) (*app, error) {
	store, err := storage.Open(cfg.Storage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	alpaca := broker.NewAlpacaBroker(broker.AlpacaConfig{
		APIKey:    cfg.Broker.APIKey,
		APISecret: cfg.Broker.APISecret,
		BaseURL:   cfg.Broker.BaseURL,
		Timeout:   cfg.Broker.Timeout,
		TickSize:  cfg.Exchange.TickSize,
	})
	b := broker.NewCircuitBreakerBroker(alpaca, logger)

	mktClock := clock.NewMarketClock(clock.SessionConfig{
		Timezone:   cfg.Exchange.Timezone,
		Open:       cfg.Exchange.Open,
		Close:      cfg.Exchange.Close,
		LunchStart: cfg.Exchange.LunchStart,
		LunchEnd:   cfg.Exchange.LunchEnd,
	})

	notifier := alerts.NewNotifier(&alerts.LogSink{Logger: logger}, logger, cfg.Alerts.MailboxSize)
	eng := engine.New(store, b, notifier, logger)
	sc := scanner.New(b, store, cfg.Workflow, logger)
	validator := risk.NewValidator(store, cfg.Risk, logger)

	// No external catalyst or pattern feed is wired by default; the stage
	// policy in config decides whether candidates pass on fallback scores.
	orch := orchestrator.New(store, b, sc, validator, eng, notifier, nil, nil, cfg, logger)

	a := &app{
		cfg:      cfg,
		loader:   loader,
		store:    store,
		broker:   b,
		clock:    mktClock,
		notifier: notifier,
		engine:   eng,
		orch:     orch,
		riskMon:  risk.NewMonitor(store, eng, notifier, cfg.Risk, logger),
		posMon:   monitor.New(store, b, eng, mktClock, notifier, nil, cfg.Monitor, logger),
		watchdog: watchdog.New(store, b, eng, notifier, logger),
		logger:   logger,
	}
	return a, nil
}

func (a *app) run(ctx context.Context) error {
	if err := a.broker.Connect(ctx); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	if err := a.watchdog.SeedRules(ctx); err != nil {
		return fmt.Errorf("seed watchdog rules: %w", err)
	}

	mode := a.tradingMode()
	a.logger.WithField("mode", mode).Info("daytrader starting")
	if mode != models.ModePaper {
		a.logger.Warn("LIVE trading mode: real money at risk")
	}

	// Resume monitoring for any cycle left active by a restart, and let the
	// reconciler square the local book with the broker before trading.
	if err := a.resumeActiveCycle(ctx); err != nil {
		a.logger.WithError(err).Warn("cycle resume failed")
	}
	if _, err := a.engine.Reconcile(ctx); err != nil {
		a.logger.WithError(err).Error("startup reconciliation failed")
	}

	sched, err := a.schedule(ctx)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.notifier.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.loader.Watch(ctx)
		return nil
	})
	g.Go(func() error {
		a.posMon.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.watchdog.Run(ctx, watchdogInterval)
		return nil
	})
	if a.cfg.Server.Enabled {
		srv := server.New(a.cfg.Server, a.store, a.broker, a.clock, a.logger)
		g.Go(func() error {
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err == http.ErrServerClosed {
					return nil
				}
				return err
			}
		})
	}
	return g.Wait()
}

// schedule wires the trading day: the morning pipeline, repeated intraday
// scans, the end-of-day flatten, and cycle close.
func (a *app) schedule(ctx context.Context) (*cron.Cron, error) {
	loc, err := time.LoadLocation(a.cfg.Exchange.Timezone)
	if err != nil {
		loc = time.Local
	}
	sched := cron.New(cron.WithLocation(loc))

	// Opening run shortly after the bell.
	if _, err := sched.AddFunc("35 9 * * 1-5", func() { a.runCycle(ctx) }); err != nil {
		return nil, err
	}
	// Repeat scans during the session for cycles that have not started yet
	// (holiday-shortened days, late process starts).
	every := a.cfg.Workflow.ScanFrequencyMinutes
	if every <= 0 {
		every = 30
	}
	if _, err := sched.AddFunc(fmt.Sprintf("*/%d 10-15 * * 1-5", every), func() { a.runCycle(ctx) }); err != nil {
		return nil, err
	}
	// Flatten before the close when configured.
	if _, err := sched.AddFunc("45 15 * * 1-5", func() { a.marketCloseHook(ctx) }); err != nil {
		return nil, err
	}
	// Close out the cycle after the session ends.
	if _, err := sched.AddFunc("10 16 * * 1-5", func() { a.closeCycle(ctx) }); err != nil {
		return nil, err
	}
	return sched, nil
}

// runCycle starts (or resumes) today's cycle and drives the pipeline. A
// cycle that already progressed past created is left to its monitors.
func (a *app) runCycle(ctx context.Context) {
	if !a.clock.InMarketHours() {
		return
	}
	date := a.clock.Now().Format("2006-01-02")
	cycle, err := a.orch.StartCycle(ctx, date, "")
	if err != nil {
		a.logger.WithError(err).Error("cycle start failed")
		return
	}
	a.attachRiskMonitor(ctx, cycle.ID)

	if cycle.State != models.CycleCreated {
		return
	}
	if err := a.orch.RunPipeline(ctx, cycle); err != nil {
		a.logger.WithError(err).Error("pipeline run failed")
	}
}

// attachRiskMonitor runs the continuous loss monitor for the given cycle,
// replacing any monitor attached to a previous cycle.
func (a *app) attachRiskMonitor(ctx context.Context, cycleID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cycleID == cycleID {
		return
	}
	if a.stopRiskFn != nil {
		a.stopRiskFn()
	}
	riskCtx, cancel := context.WithCancel(ctx)
	a.cycleID = cycleID
	a.stopRiskFn = cancel

	interval := time.Duration(a.cfg.Risk.MonitorIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	go a.riskMon.Run(riskCtx, cycleID, interval)
}

// resumeActiveCycle re-attaches monitors after a restart.
func (a *app) resumeActiveCycle(ctx context.Context) error {
	cycles, err := a.store.ListActiveCycles(ctx)
	if err != nil {
		return err
	}
	for _, c := range cycles {
		a.logger.WithFields(logrus.Fields{"cycle": c.ID, "state": c.State}).Info("resuming active cycle")
		a.attachRiskMonitor(ctx, c.ID)
	}
	return nil
}

func (a *app) marketCloseHook(ctx context.Context) {
	if !a.cfg.Positions.CloseAllAtMarketClose {
		return
	}
	a.mu.Lock()
	cycleID := a.cycleID
	a.mu.Unlock()
	if cycleID == "" {
		return
	}
	a.logger.Info("market close approaching, flattening positions")
	report := a.engine.CloseAll(ctx, cycleID, "market_close")
	for _, err := range report.Errors {
		a.logger.WithError(err).Error("close-all failure at market close")
	}
}

// closeCycle moves finished cycles to their terminal state after the session.
func (a *app) closeCycle(ctx context.Context) {
	cycles, err := a.store.ListActiveCycles(ctx)
	if err != nil {
		a.logger.WithError(err).Error("cycle close: list failed")
		return
	}
	for _, c := range cycles {
		switch c.State {
		case models.CycleMonitoring, models.CycleStopped:
			if err := a.store.TransitionCycleState(ctx, c.ID, c.State, models.CycleClosed); err != nil {
				a.logger.WithError(err).WithField("cycle", c.ID).Error("cycle close failed")
				continue
			}
			a.logger.WithField("cycle", c.ID).Info("cycle closed")
		}
	}
	a.mu.Lock()
	if a.stopRiskFn != nil {
		a.stopRiskFn()
		a.stopRiskFn = nil
	}
	a.cycleID = ""
	a.mu.Unlock()
}

func (a *app) tradingMode() models.CycleMode {
	switch a.cfg.Session.Mode {
	case "supervised":
		return models.ModeSupervised
	case "autonomous":
		return models.ModeAutonomous
	default:
		return models.ModePaper
	}
}
