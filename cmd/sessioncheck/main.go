// sessioncheck connects to the configured exchange environment, performs the
// authentication handshake, and prints the account snapshot. Run it against
// the sandbox before pointing a new deployment at production.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"cryptotrader/internal/config"
	"cryptotrader/internal/exchange/cryptocom"
	"cryptotrader/internal/util"
)

func main() {
	var configPath string
	var timeout time.Duration
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "overall check timeout")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	log := util.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	session, err := cryptocom.NewSession(cryptocom.Options{
		URL:       cfg.WSURL(),
		APIKey:    cfg.Exchange.APIKey,
		APISecret: cfg.Exchange.APISecret,
	}, log)
	if err != nil {
		fatal(err.Error())
	}
	defer session.Close()

	if err := session.Connect(ctx); err != nil {
		fatal(fmt.Sprintf("connect: %v", err))
	}
	if err := session.Authenticate(ctx); err != nil {
		fatal(fmt.Sprintf("authenticate: %v", err))
	}
	fmt.Printf("authenticated against %s (%s)\n", cfg.WSURL(), cfg.Environment)

	bal, err := session.AccountSummary(ctx)
	if err != nil {
		fatal(fmt.Sprintf("account summary: %v", err))
	}
	currencies := make([]string, 0, len(bal.Accounts))
	for currency := range bal.Accounts {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)
	for _, currency := range currencies {
		fmt.Printf("%-8s %s\n", currency, bal.Accounts[currency])
	}
	if len(currencies) == 0 {
		fmt.Println("no balances on account")
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
