// Package balance keeps the persisted account snapshot fresh.
package balance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"cryptotrader/internal/core"
	"cryptotrader/internal/metrics"
	"cryptotrader/internal/store"
)

// AccountReader is the slice of the exchange session the fetcher needs.
type AccountReader interface {
	AccountSummary(ctx context.Context) (core.Balance, error)
}

type Fetcher struct {
	reader AccountReader
	store  store.BalanceStore
	log    zerolog.Logger
}

func NewFetcher(reader AccountReader, st store.BalanceStore, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		reader: reader,
		store:  st,
		log:    log.With().Str("component", "balance").Logger(),
	}
}

// Fetch pulls a fresh snapshot and overwrites the stored one. On failure the
// previous snapshot stays untouched so readers keep a consistent, if stale,
// view.
func (f *Fetcher) Fetch(ctx context.Context) (core.Balance, error) {
	bal, err := f.reader.AccountSummary(ctx)
	if err != nil {
		metrics.BalanceFetches.WithLabelValues("error").Inc()
		f.log.Warn().Err(err).Msg("balance fetch failed")
		return core.Balance{}, err
	}
	metrics.BalanceFetches.WithLabelValues("ok").Inc()
	if err := f.store.SaveBalance(ctx, bal); err != nil {
		f.log.Warn().Err(err).Msg("balance snapshot not persisted")
	}
	f.log.Debug().Int("currencies", len(bal.Accounts)).Msg("balance refreshed")
	return bal, nil
}

// Cached returns the stored snapshot without touching the exchange.
func (f *Fetcher) Cached(ctx context.Context) (core.Balance, error) {
	return f.store.LoadBalance(ctx)
}

// Run refreshes the snapshot on a fixed interval until ctx is done, for the
// status surfaces that read balances out of band of order flow.
func (f *Fetcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = f.Fetch(ctx)
		case <-ctx.Done():
			return
		}
	}
}
