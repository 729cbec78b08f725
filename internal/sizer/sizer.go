// Package sizer turns a balance snapshot and a risk fraction into an order
// quantity. It is pure: no I/O, no clock, fully decided by its inputs.
package sizer

import (
	"fmt"

	"github.com/shopspring/decimal"

	"cryptotrader/internal/core"
)

var oneHundred = decimal.NewFromInt(100)

// Size computes risk_pct/100 of the available quote balance divided by the
// signal's reference price. A non-positive price is invalid before the
// balance is even consulted; a missing quote currency means the snapshot
// cannot answer the question. A zero risk fraction legitimately sizes to
// zero and is the caller's signal to skip submission.
func Size(sig core.Signal, bal core.Balance, riskPct decimal.Decimal, quoteCurrency string) (decimal.Decimal, error) {
	if sig.ReferencePrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s for %s", core.ErrInvalidPrice, sig.ReferencePrice, sig.Ticker)
	}
	available, ok := bal.Available(quoteCurrency)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: no %s account in snapshot", core.ErrInsufficientBalanceData, quoteCurrency)
	}
	spend := riskPct.Div(oneHundred).Mul(available)
	return spend.Div(sig.ReferencePrice), nil
}
