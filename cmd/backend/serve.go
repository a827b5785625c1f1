package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alvn-cpu/mikrotikv2/internal/access"
	"github.com/alvn-cpu/mikrotikv2/internal/api"
	"github.com/alvn-cpu/mikrotikv2/internal/auth"
	"github.com/alvn-cpu/mikrotikv2/internal/authenticator"
	"github.com/alvn-cpu/mikrotikv2/internal/config"
	"github.com/alvn-cpu/mikrotikv2/internal/db"
	"github.com/alvn-cpu/mikrotikv2/internal/gateway"
	"github.com/alvn-cpu/mikrotikv2/internal/payment"
	"github.com/alvn-cpu/mikrotikv2/internal/plan"
	"github.com/alvn-cpu/mikrotikv2/internal/session"
	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backend server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}

	var logger *zap.Logger
	if cfg.Server.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()
	logger.Info("database opened", zap.String("path", cfg.Database.Path))

	// Stations, with persisted state replayed.
	stations := station.NewRegistry(cfg.StationPool(), database, logger.Named("stations"))
	persisted, err := database.LoadStations()
	if err != nil {
		return fmt.Errorf("failed to load stations: %w", err)
	}
	quarantine, err := database.LoadQuarantine()
	if err != nil {
		return fmt.Errorf("failed to load quarantine: %w", err)
	}
	stations.Restore(persisted, quarantine)
	logger.Info("stations restored", zap.Int("count", len(persisted)))

	plans := plan.NewStaticCatalog(cfg.CatalogPlans())

	// Payment gateway. The mock keeps development usable without credentials.
	var gw gateway.Gateway
	if cfg.Gateway.Mock {
		gw = gateway.NewMock()
		logger.Warn("using mock payment gateway")
	} else {
		gw = gateway.NewBuniClient(cfg.BuniConfig(), logger.Named("gateway"))
	}

	// Network authenticator over SSH, or a no-op when unconfigured.
	var netAuth authenticator.Authenticator = &authenticator.Noop{}
	if addr := os.Getenv("ROUTER_ADDRESS"); addr != "" {
		client, err := authenticator.NewNdsctlClient(authenticator.NdsctlConfig{
			Address:  addr,
			Username: os.Getenv("ROUTER_USERNAME"),
			Password: os.Getenv("ROUTER_PASSWORD"),
		}, logger.Named("ndsctl"))
		if err != nil {
			return fmt.Errorf("failed to create router client: %w", err)
		}
		netAuth = client
		logger.Info("router authenticator configured", zap.String("address", addr))
	} else {
		logger.Warn("no router configured, access grants are record-only")
	}

	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		secret, err = auth.LoadOrGenerateSecret(filepath.Join(filepath.Dir(cfg.Database.Path), "jwt.secret"))
		if err != nil {
			return err
		}
	}
	tokens := auth.NewService(secret, cfg.Auth.Issuer)

	accounts := access.NewStore(database)
	restoredAccounts, applied, err := database.LoadAccounts()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	accounts.Restore(restoredAccounts, applied)

	provisioner := access.NewProvisioner(accounts, plans, stations, netAuth, tokens, logger.Named("access"))

	txStore := payment.NewStore(database)
	txs, err := database.LoadTransactions()
	if err != nil {
		return fmt.Errorf("failed to load transactions: %w", err)
	}
	txStore.Restore(txs)

	orch := payment.NewOrchestrator(txStore, gw, stations, plans, provisioner, cfg.PaymentPolicy(), logger.Named("payment"))
	sessions := session.NewManager(accounts, netAuth, tokens, cfg.Sweep.Interval, logger.Named("session"))

	handler := api.NewHandler(plans, stations, orch, sessions, cfg.PortalContext(), database, logger.Named("api"))
	router := api.NewRouter(handler, cfg.Auth.AdminKey, cfg.Server.Debug)

	// Background loops.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go orch.ReconcileLoop(bgCtx)
	go sessions.SweepLoop(bgCtx)

	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
