package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tfgems/crumbz/internal/api"
	"github.com/tfgems/crumbz/internal/app"
	"github.com/tfgems/crumbz/internal/config"
	"github.com/tfgems/crumbz/internal/ledger"
	"github.com/tfgems/crumbz/internal/logger"
	"github.com/tfgems/crumbz/internal/units"
)

func main() {
	log.SetFlags(0)

	var (
		configPath string
		addrFlag   string
		usersFlag  string
	)
	flag.StringVar(&configPath, "config", "", "Optional config file (yaml/json/toml); env vars override it")
	flag.StringVar(&addrFlag, "address", "", "Wallet address to check (default: custodial address from LEDGER_CUSTODIAL_KEY/PRIVATE_KEY)")
	flag.StringVar(&usersFlag, "users", "", "Also print the in-game credit records of these user addresses (comma separated)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	owner, ownerSrc, err := resolveOwnerAddress(addrFlag, cfg.Ledger.CustodialKey)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	client, err := ledger.Dial(ctx, cfg.Ledger, logger.NewNop())
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer client.Close()

	tokenBal, err := client.TokenBalance(ctx, owner)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	nativeBal, err := client.NativeBalance(ctx, owner)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	fmt.Printf("owner: %s (%s)\n", owner.Hex(), ownerSrc)
	fmt.Printf("token: %s\n", client.TokenAddress().Hex())
	fmt.Printf("token_balance: %s %s (raw=%s)\n", units.Format(tokenBal, cfg.Ledger.Decimals), cfg.Ledger.Symbol, tokenBal.String())
	fmt.Printf("native_balance: %s\n", units.Format(nativeBal, api.NativeDecimals))

	users, err := ledger.ParseAddressList(usersFlag)
	if err != nil {
		log.Fatalf("[fatal] invalid --users: %v", err)
	}
	if len(users) == 0 {
		return
	}
	store, closeStore, err := app.OpenStore(ctx, cfg, logger.NewNop())
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer closeStore()

	for _, user := range users {
		rec, err := store.Load(ctx, user.Hex())
		if err != nil {
			log.Printf("[warn] %s: %v", user.Hex(), err)
			continue
		}
		fmt.Printf("user: %s\n", user.Hex())
		fmt.Printf("  in_game_tokens: %s %s (raw=%s)\n", units.Format(rec.InGameTokens, cfg.Ledger.Decimals), cfg.Ledger.Symbol, rec.InGameTokens.String())
		fmt.Printf("  pending_claims: %d\n", len(rec.PendingClaims))
		for i, c := range rec.PendingClaims {
			fmt.Printf("    [%d] %s %s\n", i, c.Address, units.Format(c.Amount, cfg.Ledger.Decimals))
		}
	}
}

func resolveOwnerAddress(addrFlag, custodialKey string) (common.Address, string, error) {
	if raw := strings.TrimSpace(addrFlag); raw != "" {
		addr, err := ledger.ParseAddress(raw)
		if err != nil {
			return common.Address{}, "", fmt.Errorf("invalid --address %q: %w", raw, err)
		}
		return addr, "--address", nil
	}
	addr, err := ledger.AddressFromKey(custodialKey)
	if err != nil {
		return common.Address{}, "", fmt.Errorf("invalid custodial key: %w", err)
	}
	return addr, "custodial key", nil
}
