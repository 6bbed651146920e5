package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tfgems/crumbz/internal/app"
	"github.com/tfgems/crumbz/internal/config"
	"github.com/tfgems/crumbz/internal/logger"
	"github.com/tfgems/crumbz/internal/reconcile"
	"github.com/tfgems/crumbz/internal/units"
	"github.com/tfgems/crumbz/internal/watcher"
)

func main() {
	log.SetFlags(0)

	var configPath string
	flag.StringVar(&configPath, "config", "", "Optional config file (yaml/json/toml); env vars override it")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if !cfg.Ledger.SubscriptionsSupported() {
		log.Fatalf("[fatal] ledger.rpc_url must be a ws:// or wss:// endpoint to watch deposits (got %q)", cfg.Ledger.RPCURL)
	}
	lg, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatalf("[fatal] logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, lg)
	stop()
	_ = lg.Sync()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.AppConfig, lg *logger.Logger) int {
	deps, err := app.Open(ctx, cfg, lg)
	if err != nil {
		lg.Error("startup failed", err)
		return 1
	}
	defer func() {
		if err := deps.Close(); err != nil {
			lg.Error("shutdown", err)
		}
	}()

	custodial := deps.Ledger.CustodialAddress()
	if bal, err := deps.Ledger.TokenBalance(ctx, custodial); err == nil {
		lg.Info("burn tracker started",
			zap.String("account", custodial.Hex()),
			zap.String("balance", units.Format(bal, cfg.Ledger.Decimals)+" "+cfg.Ledger.Symbol),
		)
	} else {
		lg.Warn("initial balance unavailable", zap.Error(err))
	}

	rec := reconcile.New(deps.Ledger, deps.Store, deps.Audit, lg,
		reconcile.WithSettleTimeout(cfg.Ledger.ConfirmTimeout+30*time.Second))
	w := watcher.New(deps.Ledger, rec, custodial, watcher.Options{
		MaxRetries: cfg.Watcher.MaxRetries,
		RetryDelay: cfg.Watcher.RetryDelay,
	}, deps.Audit, lg)

	if err := w.Run(ctx); err != nil {
		lg.Error("burn tracker stopped", err)
		return 1
	}
	lg.Info("burn tracker stopped")
	return 0
}
