package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"cryptotrader/internal/alert"
	"cryptotrader/internal/balance"
	"cryptotrader/internal/config"
	"cryptotrader/internal/core"
	"cryptotrader/internal/exchange/cryptocom"
	"cryptotrader/internal/metrics"
	"cryptotrader/internal/pipeline"
	"cryptotrader/internal/retry"
	signalsrc "cryptotrader/internal/signal"
	"cryptotrader/internal/store"
	"cryptotrader/internal/util"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	log := util.NewLogger(cfg.LogLevel)
	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("ws_url", cfg.WSURL()).
		Str("api_key", util.RedactKey(cfg.Exchange.APIKey)).
		Msg("trader starting")

	alerts := buildAlertManager(cfg, log)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rs := store.NewRedisStore(store.RedisOptions{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rs.Close()
	if err := rs.Ping(ctx); err != nil {
		fatal(fmt.Sprintf("redis at %s unreachable: %v", cfg.Redis.Addr(), err))
	}

	session, err := cryptocom.NewSession(cryptocom.Options{
		URL:               cfg.WSURL(),
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		CallTimeout:       time.Duration(cfg.Exchange.CallTimeoutSec) * time.Second,
		ReadTimeout:       time.Duration(cfg.Exchange.ReadTimeoutSec) * time.Second,
		AuthAttempts:      cfg.Exchange.AuthAttempts,
		ReconnectAttempts: cfg.Exchange.ReconnectAttempts,
		ReconnectMaxDelay: time.Duration(cfg.Exchange.ReconnectMaxSec) * time.Second,
	}, log)
	if err != nil {
		fatal(err.Error())
	}
	if alerts != nil {
		session.SetAlerter(alerts)
	}

	fetcher := balance.NewFetcher(session, rs, log)
	pipe := pipeline.New(session, fetcher, rs, pipeline.Options{
		RiskPercent:      cfg.Trading.TradePercentage.Decimal,
		QuoteCurrency:    cfg.Trading.QuoteCurrency,
		DefaultOrderType: core.OrderType(cfg.Trading.DefaultOrderType),
		TimeInForce:      cfg.Trading.TimeInForce,
		BalanceStaleness: time.Duration(cfg.Trading.BalanceStalenessSec) * time.Second,
		SubmitRetry:      retry.Policy{Attempts: cfg.Trading.SubmitAttempts, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
	}, log)

	go serveMetrics(cfg.Observability.MetricsAddr, log)

	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- session.Run(ctx)
	}()
	if err := session.WaitReady(ctx); err != nil {
		select {
		case err := <-sessionErr:
			fatal(err.Error())
		default:
		}
		fatal(err.Error())
	}
	log.Info().Msg("session ready")

	// Seed the snapshot so the first signal does not wait on a fetch.
	if _, err := fetcher.Fetch(ctx); err != nil {
		log.Warn().Err(err).Msg("initial balance fetch failed")
	}
	go fetcher.Run(ctx, time.Duration(cfg.Trading.BalanceRefreshSec)*time.Second)

	signals := make(chan core.Signal, 16)
	source := signalsrc.NewRedisSource(rs.Client(), log)
	go func() {
		if err := source.Run(ctx, signals); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("signal source stopped")
		}
	}()

	pipeErr := make(chan error, 1)
	go func() {
		pipeErr <- pipe.Run(ctx, signals)
	}()

	select {
	case err := <-sessionErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			fatal(err.Error())
		}
	case err := <-pipeErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			fatal(err.Error())
		}
	case <-ctx.Done():
	}
	log.Info().Msg("trader stopped")
}

func buildAlertManager(cfg config.Config, log zerolog.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(true, tg.BotToken, tg.ChatID, tg.APIBaseURL, time.Duration(tg.TimeoutSec)*time.Second)
	return alert.NewManager(string(cfg.Environment), notifier, log)
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
