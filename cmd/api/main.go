// cmd/api/main.go
package main

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"toolledger/internal/config"
	"toolledger/internal/logging"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New("api-gateway", cfg.LogLevel, cfg.LogFormat)

	ledgerURL, err := url.Parse(cfg.LedgerServiceURL)
	if err != nil {
		log.WithError(err).Fatal("invalid LEDGER_SERVICE_URL")
	}
	catalogURL, err := url.Parse(getEnv("CATALOG_SERVICE_URL", "http://localhost:8081"))
	if err != nil {
		log.WithError(err).Fatal("invalid CATALOG_SERVICE_URL")
	}

	ledgerProxy := httputil.NewSingleHostReverseProxy(ledgerURL)
	catalogProxy := httputil.NewSingleHostReverseProxy(catalogURL)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.Requests(log))
	r.Handle("/api/v1/ledger/*", http.StripPrefix("/api/v1/ledger", ledgerProxy))
	r.Handle("/api/v1/catalog/*", http.StripPrefix("/api/v1/catalog", catalogProxy))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithField("port", cfg.Port).Info("API Gateway listening")
	log.Fatal(srv.ListenAndServe())
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
