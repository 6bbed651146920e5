package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tfgems/crumbz/internal/config"
	"github.com/tfgems/crumbz/internal/ledger"
	"github.com/tfgems/crumbz/internal/logger"
	"github.com/tfgems/crumbz/internal/units"
)

const defaultMintAmount = "1000000"

func main() {
	log.SetFlags(0)

	var (
		configPath string
		amountFlag string
		toFlag     string
	)
	flag.StringVar(&configPath, "config", "", "Optional config file (yaml/json/toml); env vars override it")
	flag.StringVar(&amountFlag, "amount", defaultMintAmount, "Whole-token amount to mint (decimals allowed)")
	flag.StringVar(&toFlag, "to", "", "Recipient address (default: the custodial address)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	amount, err := units.Parse(amountFlag, cfg.Ledger.Decimals)
	if err != nil {
		log.Fatalf("[fatal] invalid --amount: %v", err)
	}
	if amount.Sign() <= 0 {
		log.Fatalf("[fatal] --amount must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ledger.Dial(ctx, cfg.Ledger, logger.NewNop())
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer client.Close()

	to := client.CustodialAddress()
	if toFlag != "" {
		to, err = ledger.ParseAddress(toFlag)
		if err != nil {
			log.Fatalf("[fatal] invalid --to: %v", err)
		}
	}

	fmt.Printf("token: %s\n", client.TokenAddress().Hex())
	fmt.Printf("recipient: %s\n", to.Hex())
	fmt.Printf("amount: %s %s (raw=%s)\n", units.Format(amount, cfg.Ledger.Decimals), cfg.Ledger.Symbol, amount.String())

	sig, err := client.Mint(ctx, to, amount)
	if err != nil {
		log.Fatalf("[fatal] mint: %v", err)
	}
	fmt.Printf("submitted: %s\n", sig.Hex())

	conf, err := client.WaitConfirmed(ctx, sig)
	if err != nil {
		log.Fatalf("[fatal] mint %s: %v", sig.Hex(), err)
	}
	fmt.Printf("confirmed: block=%d\n", conf.Slot)

	bal, err := client.TokenBalance(ctx, to)
	if err != nil {
		log.Fatalf("[fatal] balance: %v", err)
	}
	fmt.Printf("new_balance: %s %s\n", units.Format(bal, cfg.Ledger.Decimals), cfg.Ledger.Symbol)
}
