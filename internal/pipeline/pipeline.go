// Package pipeline carries a signal from ingress to a terminal order result:
// dedupe, balance staleness check, sizing, submission with bounded retries,
// and persistence of the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cryptotrader/internal/balance"
	"cryptotrader/internal/core"
	"cryptotrader/internal/exchange/cryptocom"
	"cryptotrader/internal/metrics"
	"cryptotrader/internal/retry"
	"cryptotrader/internal/sizer"
	"cryptotrader/internal/store"
)

// Trader is the slice of the exchange session the pipeline needs; balance
// reads go through the fetcher instead.
type Trader interface {
	CreateOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error)
}

type Options struct {
	// RiskPercent is the share of the available quote balance spent per order.
	RiskPercent   decimal.Decimal
	QuoteCurrency string
	// DefaultOrderType applies when a signal does not carry one.
	DefaultOrderType core.OrderType
	TimeInForce      string
	// BalanceStaleness is how old a snapshot may be before a fresh fetch is
	// required ahead of sizing.
	BalanceStaleness time.Duration

	SubmitRetry  retry.Policy
	BalanceRetry retry.Policy
}

func (o *Options) applyDefaults() {
	if o.QuoteCurrency == "" {
		o.QuoteCurrency = "USD"
	}
	if o.DefaultOrderType == "" {
		o.DefaultOrderType = core.Limit
	}
	if o.BalanceStaleness <= 0 {
		o.BalanceStaleness = 30 * time.Second
	}
	if o.SubmitRetry.Attempts < 1 {
		o.SubmitRetry = retry.Policy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	}
	if o.BalanceRetry.Attempts < 1 {
		o.BalanceRetry = retry.Policy{Attempts: 3, BaseDelay: time.Second}
	}
}

type Pipeline struct {
	trader  Trader
	fetcher *balance.Fetcher
	results store.OrderResultStore
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
}

func New(trader Trader, fetcher *balance.Fetcher, results store.OrderResultStore, opts Options, log zerolog.Logger) *Pipeline {
	opts.applyDefaults()
	return &Pipeline{
		trader:  trader,
		fetcher: fetcher,
		results: results,
		opts:    opts,
		log:     log.With().Str("component", "pipeline").Logger(),
		now:     time.Now,
	}
}

// Run consumes signals until the channel closes or ctx is done. A failed
// signal never stops the loop; its outcome is logged and recorded.
func (p *Pipeline) Run(ctx context.Context, signals <-chan core.Signal) error {
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if _, err := p.Handle(ctx, sig); err != nil {
				p.log.Error().Err(err).Str("ticker", sig.Ticker).Msg("signal not converted to order")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handle converts one signal into at most one exchange order. Redelivered
// signals collapse onto the stored result for their client order id; a
// rejection is terminal and is never retried for the same signal.
func (p *Pipeline) Handle(ctx context.Context, sig core.Signal) (core.OrderResult, error) {
	if err := validate(sig); err != nil {
		return core.OrderResult{}, err
	}
	clientOID := sig.ClientOrderID()
	log := p.log.With().Str("ticker", sig.Ticker).Str("side", string(sig.Side)).Str("client_oid", clientOID).Logger()

	if prev, err := p.results.LoadOrderResult(ctx, clientOID); err == nil {
		metrics.OrdersDeduplicated.Inc()
		log.Info().Bool("success", prev.Success).Msg("signal already resolved, skipping")
		return prev, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return core.OrderResult{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	bal, err := p.currentBalance(ctx)
	if err != nil {
		return core.OrderResult{}, err
	}
	qty, err := sizer.Size(sig, bal, p.opts.RiskPercent, p.opts.QuoteCurrency)
	if err != nil {
		return core.OrderResult{}, err
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		log.Warn().Str("available_quote", availableString(bal, p.opts.QuoteCurrency)).Msg("sized to zero, not submitting")
		return core.OrderResult{}, nil
	}

	req := p.buildRequest(sig, qty, clientOID)
	res := p.submit(ctx, req, log)
	if res.Success || res.Code != 0 {
		if err := p.results.SaveOrderResult(ctx, clientOID, res); err != nil {
			log.Error().Err(err).Msg("order result not persisted")
		}
	}
	if !res.Success {
		if res.Code != 0 {
			return res, fmt.Errorf("%w: code=%d %s", core.ErrOrderRejected, res.Code, res.Reason)
		}
		return res, fmt.Errorf("submission failed: %s", res.Reason)
	}
	return res, nil
}

// currentBalance reuses the cached snapshot when fresh and otherwise fetches
// with a bounded retry. No usable snapshot at the end means the signal is
// dropped rather than sized against stale or absent data.
func (p *Pipeline) currentBalance(ctx context.Context) (core.Balance, error) {
	bal, err := p.fetcher.Cached(ctx)
	if err == nil && !bal.StaleAt(p.opts.BalanceStaleness, p.now()) {
		return bal, nil
	}
	var fresh core.Balance
	fetchErr := retry.Do(ctx, p.opts.BalanceRetry, core.IsTransient, func(ctx context.Context) error {
		var err error
		fresh, err = p.fetcher.Fetch(ctx)
		return err
	})
	if fetchErr != nil {
		return core.Balance{}, fmt.Errorf("%w: refresh failed: %v", core.ErrInsufficientBalanceData, fetchErr)
	}
	return fresh, nil
}

func (p *Pipeline) buildRequest(sig core.Signal, qty decimal.Decimal, clientOID string) core.OrderRequest {
	orderType := sig.OrderType
	if orderType == "" {
		orderType = p.opts.DefaultOrderType
	}
	req := core.OrderRequest{
		InstrumentName: instrumentName(sig.Ticker),
		Side:           sig.Side,
		Type:           orderType,
		Quantity:       qty,
		ClientOID:      clientOID,
	}
	if orderType == core.Limit {
		req.Price = sig.ReferencePrice
		req.TimeInForce = p.opts.TimeInForce
	}
	return req
}

// submit drives the exchange call with retries on transport failures only,
// always under the same client_oid so a retried request that already landed
// comes back as a duplicate, which counts as success.
func (p *Pipeline) submit(ctx context.Context, req core.OrderRequest, log zerolog.Logger) core.OrderResult {
	started := p.now()
	res := core.OrderResult{Request: req, SubmittedAt: started}

	var ack core.OrderAck
	err := retry.Do(ctx, p.opts.SubmitRetry, core.IsTransient, func(ctx context.Context) error {
		var err error
		ack, err = p.trader.CreateOrder(ctx, req)
		return err
	})
	res.Latency = p.now().Sub(started)

	switch {
	case err == nil:
		res.Success = true
		res.OrderID = ack.OrderID
		metrics.OrdersSubmitted.WithLabelValues(string(req.Side)).Inc()
		log.Info().Str("order_id", ack.OrderID).Str("quantity", req.Quantity.String()).Msg("order accepted")
	case errors.Is(err, core.ErrDuplicateOrder):
		// The order landed on an earlier attempt whose response was lost.
		res.Success = true
		res.Reason = "accepted as duplicate of earlier attempt"
		metrics.OrdersSubmitted.WithLabelValues(string(req.Side)).Inc()
		log.Info().Msg("order already accepted by exchange")
	default:
		res.Reason = err.Error()
		if code, ok := rejectionCode(err); ok {
			res.Code = code
			metrics.OrdersRejected.Inc()
		}
		log.Error().Err(err).Msg("order not accepted")
	}
	return res
}

func validate(sig core.Signal) error {
	if sig.Ticker == "" {
		return fmt.Errorf("%w: empty ticker", core.ErrInvalidSignal)
	}
	if sig.Side != core.Buy && sig.Side != core.Sell {
		return fmt.Errorf("%w: side %q", core.ErrInvalidSignal, sig.Side)
	}
	return nil
}

// instrumentName maps TradingView-style tickers (SOLUSDT) to the exchange's
// underscore form (SOL_USDT). Already-delimited names pass through.
func instrumentName(ticker string) string {
	if strings.Contains(ticker, "_") {
		return ticker
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH", "EUR"} {
		if base, found := strings.CutSuffix(ticker, quote); found && base != "" {
			return base + "_" + quote
		}
	}
	return ticker
}

func availableString(bal core.Balance, currency string) string {
	if amount, ok := bal.Available(currency); ok {
		return amount.String()
	}
	return "0"
}

func rejectionCode(err error) (int64, bool) {
	apiErr, ok := cryptocom.AsAPIError(err)
	if !ok {
		return 0, false
	}
	return apiErr.Code, true
}
