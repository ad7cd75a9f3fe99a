// Command liquidate is the operator escape hatch: it flattens every open
// position in the active cycles through the order engine, so cancellations,
// exit orders, and P&L bookkeeping follow the same path as automated exits.
//
// Usage:
//
//	liquidate -config config.yaml            # prompt before closing
//	liquidate -config config.yaml -yes       # close without prompting
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"daytrader/internal/alerts"
	"daytrader/internal/broker"
	"daytrader/internal/config"
	"daytrader/internal/engine"
	"daytrader/internal/models"
	"daytrader/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	yes := flag.Bool("yes", false, "skip the confirmation prompt")
	flag.Parse()

	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("configuration load failed")
	}

	store, err := storage.Open(cfg.Storage.Path, logger)
	if err != nil {
		logger.WithError(err).Fatal("storage open failed")
	}
	defer store.Close()

	b := broker.NewCircuitBreakerBroker(broker.NewAlpacaBroker(broker.AlpacaConfig{
		APIKey:    cfg.Broker.APIKey,
		APISecret: cfg.Broker.APISecret,
		BaseURL:   cfg.Broker.BaseURL,
		Timeout:   cfg.Broker.Timeout,
		TickSize:  cfg.Exchange.TickSize,
	}), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := b.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("broker connect failed")
	}

	notifier := alerts.NewNotifier(&alerts.LogSink{Logger: logger}, logger, cfg.Alerts.MailboxSize)
	go notifier.Run(ctx)
	eng := engine.New(store, b, notifier, logger)

	cycles, err := store.ListActiveCycles(ctx)
	if err != nil {
		logger.WithError(err).Fatal("listing active cycles failed")
	}
	if len(cycles) == 0 {
		fmt.Println("no active cycles; nothing to liquidate")
		return
	}

	var total int
	for _, c := range cycles {
		open, err := store.ListPositionsByStatus(ctx, c.ID,
			models.PositionPending, models.PositionOpen)
		if err != nil {
			logger.WithError(err).Fatal("listing positions failed")
		}
		for _, p := range open {
			fmt.Printf("  %-6s %-5s qty=%.0f entry=%.2f status=%s\n",
				p.Symbol, p.Side, p.Qty, p.EntryPrice, p.Status)
			total++
		}
	}
	if total == 0 {
		fmt.Println("no open positions; nothing to liquidate")
		return
	}

	if !*yes && !confirm(total) {
		fmt.Println("aborted")
		return
	}

	var failures int
	for _, c := range cycles {
		report := eng.CloseAll(ctx, c.ID, "manual_liquidation")
		for _, err := range report.Errors {
			logger.WithError(err).Error("liquidation failure")
			failures++
		}
	}
	if failures > 0 {
		logger.Fatalf("liquidation finished with %d failure(s)", failures)
	}
	fmt.Printf("submitted close orders for %d position(s)\n", total)
}

func confirm(n int) bool {
	fmt.Printf("close %d position(s) at market? [y/N] ", n)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
