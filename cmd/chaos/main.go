// cmd/chaos/main.go
package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"toolledger/chaos"
	"toolledger/internal/catalog"
	"toolledger/internal/config"
	"toolledger/internal/lending"
	"toolledger/internal/logging"
	"toolledger/internal/notify"
	"toolledger/internal/storage/memory"
	"toolledger/internal/telemetry"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New("chaos", cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	shutdown, err := telemetry.Setup(ctx, "toolledger-chaos", cfg.OTLPEndpoint)
	if err != nil {
		log.WithError(err).Fatal("failed to set up tracing")
	}
	defer shutdown(ctx)

	store := memory.New()
	tools := catalog.NewMemoryService()
	gateway := chaos.NewFaultySink(notify.LogSink{Log: log})
	dispatcher := notify.NewDispatcher(gateway, cfg.NotifyBuffer, log)
	defer dispatcher.Close(ctx)

	ledger := lending.NewService(store, catalog.LedgerView{Service: tools},
		lending.WithPublisher(dispatcher),
		lending.WithLogger(log),
		lending.WithRetry(cfg.RetryAttempts, cfg.RetryInitial),
	)

	engine := chaos.NewChaosEngine(ledger, tools, store,
		chaos.WithGateway(gateway),
		chaos.WithTiming(time.Second, 5*time.Second),
		chaos.WithLogger(log),
	)
	engine.RegisterExperiments()

	gameDay := chaos.GameDay{
		Name:      "Weekly Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.GetExperiments(),
	}

	if err := engine.ExecuteGameDay(ctx, gameDay); err != nil {
		log.WithError(err).Fatal("Chaos Game Day failed")
	}
}
