// Package main runs the spend ledger daemon: the HTTP API over the
// spend-authorization and accounting engine.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/custodia-network/spendledger/internal/app"
	"github.com/custodia-network/spendledger/internal/app/httpapi"
	"github.com/custodia-network/spendledger/internal/app/services/safes"
	"github.com/custodia-network/spendledger/internal/app/storage/postgres"
	"github.com/custodia-network/spendledger/internal/config"
	"github.com/custodia-network/spendledger/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fatalf("init logger: %v", err)
	}
	log = log.WithField("component", "spendledgerd")

	stores, closer, err := buildStores(cfg, log)
	if err != nil {
		log.WithError(err).Error("initialize storage")
		os.Exit(1)
	}
	if closer != nil {
		defer closer()
	}

	collab := app.Collaborators{}
	if cfg.Auth.JWTSecret != "" {
		verifier := safes.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		for _, admin := range cfg.Auth.Admins {
			verifier.GrantAdmin("*", admin)
		}
		collab.Verifier = verifier
	}

	application, err := app.New(stores, collab, app.Config{
		ModeDelay:             cfg.Ledger.ModeDelay.Std(),
		WithdrawalDelay:       cfg.Ledger.WithdrawalDelay.Std(),
		LimitUpdateDelay:      cfg.Ledger.LimitUpdateDelay.Std(),
		ReferrerRateBps:       cfg.Ledger.ReferrerRateBps,
		CreditEnginePrincipal: cfg.Ledger.CreditEnginePrincipal,
		CashbackRetryInterval: cfg.Ledger.CashbackRetryInterval.Std(),
	}, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      httpapi.NewHandler(application),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	go func() {
		log.WithField("addr", cfg.Server.Address).Info("listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("server error")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}

	log.Info("stopped")
}

// buildStores opens the postgres store when a DSN is configured and falls
// back to the in-memory store otherwise.
func buildStores(cfg *config.Config, log *logger.Logger) (app.Stores, func(), error) {
	if cfg.Database.DSN == "" {
		log.Info("no database configured, using in-memory store")
		return app.Stores{}, nil, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}

	store := postgres.New(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}

	return app.Stores{Safes: store, Journal: store, Cashback: store}, func() { db.Close() }, nil
}

func fatalf(format string, args ...any) {
	logger.NewDefault("spendledgerd").Errorf(format, args...)
	os.Exit(1)
}
