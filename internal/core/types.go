package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// Signal is one trading alert as handed to the pipeline. It carries no
// identity of its own; ClientOrderID derives one deterministically so that
// redelivered copies of the same alert collapse onto a single order.
type Signal struct {
	Ticker         string          `json:"ticker"`
	Side           Side            `json:"side"`
	OrderType      OrderType       `json:"order_type,omitempty"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Volume         decimal.Decimal `json:"volume,omitempty"`
	Interval       string          `json:"interval,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// ClientOrderID hashes ticker, side and the signal timestamp. The exchange
// treats client_oid as a duplicate key, so identical signals delivered more
// than once resolve to one submission.
func (s Signal) ClientOrderID() string {
	h := sha256.New()
	h.Write([]byte(s.Ticker))
	h.Write([]byte{'|'})
	h.Write([]byte(s.Side))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(s.ReceivedAt.UTC().UnixMilli(), 10)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Balance is a whole-account snapshot of available funds per currency.
// It is replaced atomically on every successful fetch, never merged.
type Balance struct {
	Accounts  map[string]decimal.Decimal `json:"accounts"`
	FetchedAt time.Time                  `json:"fetched_at"`
}

func (b Balance) Available(currency string) (decimal.Decimal, bool) {
	amount, ok := b.Accounts[currency]
	return amount, ok
}

func (b Balance) StaleAt(threshold time.Duration, now time.Time) bool {
	if b.FetchedAt.IsZero() {
		return true
	}
	return now.Sub(b.FetchedAt) > threshold
}

type OrderRequest struct {
	InstrumentName string          `json:"instrument_name"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	ClientOID      string          `json:"client_oid"`
	ExecInst       []string        `json:"exec_inst,omitempty"`
	TimeInForce    string          `json:"time_in_force,omitempty"`
}

// OrderAck is the exchange acknowledgement for an accepted order.
type OrderAck struct {
	OrderID   string `json:"order_id"`
	ClientOID string `json:"client_oid"`
}

// OrderResult records the terminal outcome of one submission attempt chain.
// Results are write-once; a later signal with a new client_oid produces a
// new record rather than mutating an old one.
type OrderResult struct {
	Request     OrderRequest    `json:"request"`
	Success     bool            `json:"success"`
	OrderID     string          `json:"order_id,omitempty"`
	Code        int64           `json:"code,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Latency     time.Duration   `json:"latency_ns"`
}
