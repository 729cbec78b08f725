package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cryptotrader/internal/core"
)

const fullAlert = `{
	"signal": {
		"alert_info": {
			"exchange": "BINANCE",
			"ticker": "SOLUSDT",
			"price": "21.30",
			"volume": "260.54",
			"interval": "1"
		},
		"bar_info": {
			"open": "21.20",
			"high": "21.40",
			"low": "21.10",
			"close": "21.26",
			"volume": "1200",
			"time": "1700000000000"
		},
		"current_info": {
			"fire_time": "2023-11-14T22:13:20Z"
		},
		"strategy_info": {
			"order": {
				"action": "BUY_LIMIT",
				"contracts": "1",
				"price": "21.26"
			}
		}
	}
}`

func TestParseAlertFullPayload(t *testing.T) {
	now := time.Unix(1800000000, 0)
	sig, err := ParseAlert([]byte(fullAlert), now)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Ticker != "SOLUSDT" {
		t.Fatalf("ticker = %q", sig.Ticker)
	}
	if sig.Side != core.Buy || sig.OrderType != core.Limit {
		t.Fatalf("side/type = %s/%s", sig.Side, sig.OrderType)
	}
	if sig.ReferencePrice.String() != "21.26" {
		t.Fatalf("reference price = %s, want bar close 21.26", sig.ReferencePrice)
	}
	want := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	if !sig.ReceivedAt.Equal(want) {
		t.Fatalf("received at = %s, want fire time %s", sig.ReceivedAt, want)
	}
	if sig.Interval != "1" {
		t.Fatalf("interval = %q", sig.Interval)
	}
}

func TestParseAlertRedeliverySameClientOrderID(t *testing.T) {
	first, err := ParseAlert([]byte(fullAlert), time.Unix(1800000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	// Same alert arriving an hour later must hash to the same order id.
	second, err := ParseAlert([]byte(fullAlert), time.Unix(1800003600, 0))
	if err != nil {
		t.Fatal(err)
	}
	if first.ClientOrderID() != second.ClientOrderID() {
		t.Fatalf("redelivered alert changed client_oid: %s vs %s",
			first.ClientOrderID(), second.ClientOrderID())
	}
}

func TestParseAlertActions(t *testing.T) {
	cases := []struct {
		action   string
		wantSide core.Side
		wantType core.OrderType
		wantErr  bool
	}{
		{action: "BUY", wantSide: core.Buy},
		{action: "SELL", wantSide: core.Sell},
		{action: "BUY_LIMIT", wantSide: core.Buy, wantType: core.Limit},
		{action: "SELL_MARKET", wantSide: core.Sell, wantType: core.Market},
		{action: "buy_limit", wantSide: core.Buy, wantType: core.Limit},
		{action: "HOLD", wantErr: true},
		{action: "BUY_STOP", wantErr: true},
		{action: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			side, orderType, err := parseAction(tc.action)
			if tc.wantErr {
				if !errors.Is(err, core.ErrInvalidSignal) {
					t.Fatalf("err = %v, want ErrInvalidSignal", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if side != tc.wantSide || orderType != tc.wantType {
				t.Fatalf("parseAction(%q) = %s/%s", tc.action, side, orderType)
			}
		})
	}
}

func TestParseAlertInvalidPayloads(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: "buy SOL now!!"},
		{name: "missing ticker", body: `{"signal":{"strategy_info":{"order":{"action":"BUY"}},"bar_info":{"close":"1"}}}`},
		{name: "missing action", body: `{"signal":{"alert_info":{"ticker":"SOLUSDT"},"bar_info":{"close":"1"}}}`},
		{name: "no price anywhere", body: `{"signal":{"alert_info":{"ticker":"SOLUSDT"},"strategy_info":{"order":{"action":"BUY"}}}}`},
		{name: "garbage price", body: `{"signal":{"alert_info":{"ticker":"SOLUSDT","price":"cheap"},"strategy_info":{"order":{"action":"BUY"}}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseAlert([]byte(tc.body), time.Now())
			if !errors.Is(err, core.ErrInvalidSignal) {
				t.Fatalf("err = %v, want ErrInvalidSignal", err)
			}
		})
	}
}

func TestParseAlertFallsBackToAlertPrice(t *testing.T) {
	body := `{"signal":{"alert_info":{"ticker":"SOLUSDT","price":"21.30"},"strategy_info":{"order":{"action":"BUY"}}}}`
	sig, err := ParseAlert([]byte(body), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !sig.ReferencePrice.Equal(decimal.RequireFromString("21.30")) {
		t.Fatalf("reference price = %s, want alert price", sig.ReferencePrice)
	}
}

func TestParseTimestamp(t *testing.T) {
	now := time.Unix(1800000000, 0)
	cases := []struct {
		name     string
		fireTime string
		barTime  string
		want     time.Time
	}{
		{name: "rfc3339 fire time wins", fireTime: "2023-11-14T22:13:20Z", barTime: "1700000001", want: time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)},
		{name: "millisecond epoch bar time", barTime: "1700000000000", want: time.UnixMilli(1700000000000)},
		{name: "second epoch bar time", barTime: "1700000000", want: time.Unix(1700000000, 0)},
		{name: "nothing usable falls back to now", fireTime: "soon", want: now},
		{name: "empty falls back to now", want: now},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseTimestamp(tc.fireTime, tc.barTime, now)
			if !got.Equal(tc.want) {
				t.Fatalf("parseTimestamp = %s, want %s", got, tc.want)
			}
		})
	}
}
