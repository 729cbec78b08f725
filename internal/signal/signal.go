// Package signal converts TradingView alert payloads into validated signals
// and delivers live signals over Redis pub/sub.
package signal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptotrader/internal/core"
)

// alertPayload mirrors the webhook JSON TradingView strategies emit. All the
// leaf values arrive as strings; everything is optional at the wire level and
// validated after parsing.
type alertPayload struct {
	Signal struct {
		AlertInfo struct {
			Exchange string `json:"exchange"`
			Ticker   string `json:"ticker"`
			Price    string `json:"price"`
			Volume   string `json:"volume"`
			Interval string `json:"interval"`
		} `json:"alert_info"`
		BarInfo struct {
			Open   string `json:"open"`
			High   string `json:"high"`
			Low    string `json:"low"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
			Time   string `json:"time"`
		} `json:"bar_info"`
		CurrentInfo struct {
			FireTime string `json:"fire_time"`
		} `json:"current_info"`
		StrategyInfo struct {
			Order struct {
				Action    string `json:"action"`
				Contracts string `json:"contracts"`
				Price     string `json:"price"`
			} `json:"order"`
		} `json:"strategy_info"`
	} `json:"signal"`
}

// ParseAlert decodes and validates one webhook body. The reference price
// prefers the bar close over the alert price; the signal timestamp prefers
// the strategy fire time over the bar time, so a redelivered alert hashes to
// the same client order id no matter when it arrives.
func ParseAlert(body []byte, now time.Time) (core.Signal, error) {
	var payload alertPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return core.Signal{}, fmt.Errorf("%w: %v", core.ErrInvalidSignal, err)
	}
	sig := payload.Signal

	ticker := strings.TrimSpace(sig.AlertInfo.Ticker)
	if ticker == "" {
		return core.Signal{}, fmt.Errorf("%w: missing ticker", core.ErrInvalidSignal)
	}

	side, orderType, err := parseAction(sig.StrategyInfo.Order.Action)
	if err != nil {
		return core.Signal{}, err
	}

	price, err := parsePrice(sig.BarInfo.Close, sig.AlertInfo.Price)
	if err != nil {
		return core.Signal{}, err
	}

	out := core.Signal{
		Ticker:         ticker,
		Side:           side,
		OrderType:      orderType,
		ReferencePrice: price,
		Interval:       sig.AlertInfo.Interval,
		ReceivedAt:     parseTimestamp(sig.CurrentInfo.FireTime, sig.BarInfo.Time, now),
	}
	if volume, err := decimal.NewFromString(sig.AlertInfo.Volume); err == nil {
		out.Volume = volume
	}
	return out, nil
}

// parseAction splits strategy actions of the form BUY, SELL, BUY_LIMIT,
// SELL_MARKET into a side and an optional order type.
func parseAction(action string) (core.Side, core.OrderType, error) {
	action = strings.ToUpper(strings.TrimSpace(action))
	if action == "" {
		return "", "", fmt.Errorf("%w: missing action", core.ErrInvalidSignal)
	}
	sidePart, typePart, _ := strings.Cut(action, "_")
	var side core.Side
	switch sidePart {
	case string(core.Buy):
		side = core.Buy
	case string(core.Sell):
		side = core.Sell
	default:
		return "", "", fmt.Errorf("%w: action %q", core.ErrInvalidSignal, action)
	}
	switch typePart {
	case "":
		return side, "", nil
	case string(core.Limit):
		return side, core.Limit, nil
	case string(core.Market):
		return side, core.Market, nil
	default:
		return "", "", fmt.Errorf("%w: order type %q", core.ErrInvalidSignal, typePart)
	}
}

func parsePrice(barClose, alertPrice string) (decimal.Decimal, error) {
	for _, raw := range []string{barClose, alertPrice} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: price %q", core.ErrInvalidSignal, raw)
		}
		return price, nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: no price", core.ErrInvalidSignal)
}

// parseTimestamp takes the first of fireTime and barTime that parses, and
// falls back to the arrival clock only when the payload carries no usable
// timestamp at all.
func parseTimestamp(fireTime, barTime string, now time.Time) time.Time {
	for _, raw := range []string{fireTime, barTime} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
		if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil && epoch > 0 {
			// Millisecond epochs are thirteen digits for current dates.
			if epoch >= 1e12 {
				return time.UnixMilli(epoch)
			}
			return time.Unix(epoch, 0)
		}
	}
	return now
}
