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

	"cryptotrader/internal/config"
	"cryptotrader/internal/store"
	"cryptotrader/internal/util"
	"cryptotrader/internal/webhook"
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
		Str("listen_addr", cfg.Webhook.ListenAddr).
		Int("allowed_ips", len(cfg.Webhook.AllowedIPs)).
		Msg("webhook starting")

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

	srv := webhook.NewServer(rs, cfg.Webhook.AllowedIPs, log)
	if err := srv.Serve(ctx, cfg.Webhook.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(err.Error())
	}
	log.Info().Msg("webhook stopped")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
