// cmd/catalog/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"toolledger/internal/catalog"
	"toolledger/internal/config"
	"toolledger/internal/logging"
	"toolledger/internal/metrics"
	"toolledger/pkg/eventstore"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New("catalog", cfg.LogLevel, cfg.LogFormat)

	var svc catalog.Service
	if cfg.StoreDriver == "postgres" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		defer db.Close()
		if err := catalog.Migrate(db); err != nil {
			log.WithError(err).Fatal("failed to migrate catalog schema")
		}
		svc = catalog.NewService(eventstore.NewEventStore(db), db)
	} else {
		svc = catalog.NewMemoryService()
	}

	router := http.NewServeMux()
	catalog.NewHandler(svc).Register(router)
	router.Handle("/metrics", metrics.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           logging.Requests(log)(metrics.InstrumentHandler(router)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logrus.Fields{"port": cfg.Port, "store": cfg.StoreDriver}).Info("🚀 Starting Catalog Service")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("catalog service stopped")
	}
}
