package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tfgems/crumbz/internal/api"
	"github.com/tfgems/crumbz/internal/app"
	"github.com/tfgems/crumbz/internal/config"
	"github.com/tfgems/crumbz/internal/credit"
	"github.com/tfgems/crumbz/internal/ledger"
	"github.com/tfgems/crumbz/internal/reconcile"
	"github.com/tfgems/crumbz/internal/relay"
	"github.com/tfgems/crumbz/internal/watcher"
)

func main() {
	log.SetFlags(0)

	var (
		configPath string
		noWatcher  bool
	)
	flag.StringVar(&configPath, "config", "", "Optional config file (yaml/json/toml); env vars override it")
	flag.BoolVar(&noWatcher, "no-watcher", false, "Serve the API without watching the custodial account for deposits")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	lg, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatalf("[fatal] logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, lg)
	if err != nil {
		lg.Error("startup failed", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			lg.Error("shutdown", err)
		}
	}()

	rec := reconcile.New(deps.Ledger, deps.Store, deps.Audit, lg,
		reconcile.WithSettleTimeout(cfg.Ledger.ConfirmTimeout+30*time.Second))
	rel := relay.New(deps.Ledger, lg)
	defer rel.Close()

	var (
		w           *watcher.Watcher
		watcherDone = make(chan struct{})
	)
	if !noWatcher && cfg.Ledger.SubscriptionsSupported() {
		w = watcher.New(deps.Ledger, rec, deps.Ledger.CustodialAddress(), watcher.Options{
			MaxRetries: cfg.Watcher.MaxRetries,
			RetryDelay: cfg.Watcher.RetryDelay,
		}, deps.Audit, lg)
		go func() {
			defer close(watcherDone)
			if err := w.Run(ctx); err != nil {
				// Deposits are no longer credited; /healthz reports it.
				lg.Error("deposit watcher stopped", err)
			}
		}()
	} else {
		close(watcherDone)
		if !noWatcher {
			lg.Warn("rpc url is not a websocket endpoint; deposit watcher disabled", zap.String("rpc_url", cfg.Ledger.RPCURL))
		}
	}

	apiCfg := api.Config{
		Ledger:               deps.Ledger,
		Burner:               rec,
		Claims:               credit.NewClaimQueue(deps.Store, ledger.ValidateAddress, deps.Audit),
		Records:              deps.Store,
		WS:                   http.HandlerFunc(rel.ServeWS),
		Decimals:             cfg.Ledger.Decimals,
		Symbol:               cfg.Ledger.Symbol,
		StaticDir:            cfg.HTTP.StaticDir,
		AirdropRatePerMinute: cfg.HTTP.AirdropRatePerMinute,
		AirdropBurst:         cfg.HTTP.AirdropBurst,
		RequestTimeout:       cfg.Ledger.ConfirmTimeout + 30*time.Second,
		Log:                  lg,
	}
	if w != nil {
		apiCfg.WatcherState = func() string { return string(w.State()) }
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.New(apiCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		lg.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			lg.Error("http server failed", err)
		}
	}

	rel.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("http shutdown", err)
	}

	// An in-flight burn settles before the store and ledger close.
	stop()
	<-watcherDone
}
