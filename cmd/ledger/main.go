// cmd/ledger/main.go
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"toolledger/internal/auth"
	"toolledger/internal/catalog"
	"toolledger/internal/clients"
	"toolledger/internal/config"
	"toolledger/internal/lending"
	"toolledger/internal/logging"
	"toolledger/internal/metrics"
	"toolledger/internal/notify"
	"toolledger/internal/storage/memory"
	"toolledger/internal/storage/postgres"
	"toolledger/internal/telemetry"
	"toolledger/pkg/eventstore"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("ledger service stopped")
	}
}

func run(cfg config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	var (
		store lending.Store
		db    *sql.DB
	)
	switch cfg.StoreDriver {
	case "postgres":
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		if err := postgres.Migrate(db); err != nil {
			return err
		}
		store = postgres.New(db)
	default:
		store = memory.New()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Requests(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	var tools lending.Catalog
	if cfg.CatalogServiceURL != "" {
		tools = clients.NewCatalogClient(cfg.CatalogServiceURL, nil, log)
		log.WithField("url", cfg.CatalogServiceURL).Info("using remote catalog")
	} else {
		local, err := localCatalog(db)
		if err != nil {
			return err
		}
		tools = catalog.LedgerView{Service: local}

		mux := http.NewServeMux()
		catalog.NewHandler(local).Register(mux)
		r.Mount("/catalog", http.StripPrefix("/catalog", mux))
	}

	sink, err := newSink(cfg, log)
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(sink, cfg.NotifyBuffer, log)

	opts := []lending.Option{
		lending.WithPublisher(dispatcher),
		lending.WithLogger(log),
		lending.WithRetry(cfg.RetryAttempts, cfg.RetryInitial),
	}
	if cfg.DirectoryServiceURL != "" {
		opts = append(opts, lending.WithDirectory(clients.NewDirectoryClient(cfg.DirectoryServiceURL, nil, log)))
	}
	svc := lending.NewService(store, tools, opts...)

	var adminOnly func(http.Handler) http.Handler
	if cfg.AdminKeyHash != "" {
		adminOnly = auth.RequireAdmin(cfg.AdminKeyHash, cfg.AdminKeySalt, log)
	} else {
		log.Warn("ADMIN_KEY_HASH not set, administrative routes are disabled")
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	lending.NewHandler(svc, adminOnly, cfg.OverdueAfter).Routes(r)

	if cfg.OverdueSchedule != "" {
		scheduler := cron.New()
		_, err := scheduler.AddFunc(cfg.OverdueSchedule, func() {
			n, err := svc.NotifyOverdue(ctx, cfg.OverdueAfter)
			if err != nil {
				log.WithError(err).Error("overdue scan failed")
				return
			}
			log.WithField("queued", n).Info("overdue scan finished")
		})
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "store": cfg.StoreDriver, "sink": sink.Name()}).Info("starting ledger service")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	log.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("notification drain")
	}
	return nil
}

func localCatalog(db *sql.DB) (catalog.Service, error) {
	if db == nil {
		return catalog.NewMemoryService(), nil
	}
	if err := catalog.Migrate(db); err != nil {
		return nil, err
	}
	return catalog.NewService(eventstore.NewEventStore(db), db), nil
}

func newSink(cfg config.Config, log logrus.FieldLogger) (notify.Sink, error) {
	switch cfg.NotifySink {
	case "webhook":
		return clients.NewGatewayClient(cfg.GatewayURL, cfg.GatewayRateLimit, nil, log), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, err
		}
		return notify.NewRedisSink(client, cfg.RedisChannel), nil
	default:
		return notify.LogSink{Log: log}, nil
	}
}
