package cryptocom

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptotrader/internal/core"
)

type accountSummaryResult struct {
	Accounts []struct {
		Currency  string          `json:"currency"`
		Available decimal.Decimal `json:"available"`
	} `json:"accounts"`
}

// AccountSummary fetches the available funds for every currency on the
// account as one snapshot.
func (s *Session) AccountSummary(ctx context.Context) (core.Balance, error) {
	resp, err := s.Call(ctx, methodAccountSummary, nil)
	if err != nil {
		return core.Balance{}, err
	}
	if resp.Code != 0 {
		return core.Balance{}, wrapAPIError(methodAccountSummary, resp.Code, resp.Message)
	}
	var result accountSummaryResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return core.Balance{}, fmt.Errorf("decode %s result: %w", methodAccountSummary, err)
	}
	bal := core.Balance{
		Accounts:  make(map[string]decimal.Decimal, len(result.Accounts)),
		FetchedAt: time.Now(),
	}
	for _, acct := range result.Accounts {
		if acct.Currency == "" {
			continue
		}
		bal.Accounts[acct.Currency] = acct.Available
	}
	return bal, nil
}

// CreateOrder submits one order. The caller owns the client_oid; resubmitting
// the same client_oid after a transport failure is safe because the exchange
// rejects the duplicate with code 20001, which surfaces as ErrDuplicateOrder.
func (s *Session) CreateOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	resp, err := s.Call(ctx, methodCreateOrder, orderParams(req))
	if err != nil {
		return core.OrderAck{}, err
	}
	if resp.Code != 0 {
		return core.OrderAck{}, wrapAPIError(methodCreateOrder, resp.Code, resp.Message)
	}
	var ack struct {
		OrderID   json.Number `json:"order_id"`
		ClientOID string      `json:"client_oid"`
	}
	if err := json.Unmarshal(resp.Result, &ack); err != nil {
		return core.OrderAck{}, fmt.Errorf("decode %s result: %w", methodCreateOrder, err)
	}
	out := core.OrderAck{OrderID: ack.OrderID.String(), ClientOID: ack.ClientOID}
	if out.ClientOID == "" {
		out.ClientOID = req.ClientOID
	}
	return out, nil
}

func orderParams(req core.OrderRequest) map[string]any {
	params := map[string]any{
		"instrument_name": req.InstrumentName,
		"side":            string(req.Side),
		"type":            string(req.Type),
		"quantity":        req.Quantity.String(),
		"client_oid":      req.ClientOID,
	}
	// Market orders carry no price; the exchange rejects one if present.
	if req.Type == core.Limit {
		params["price"] = req.Price.String()
	}
	if len(req.ExecInst) > 0 {
		params["exec_inst"] = req.ExecInst
	}
	if req.TimeInForce != "" {
		params["time_in_force"] = req.TimeInForce
	}
	return params
}
