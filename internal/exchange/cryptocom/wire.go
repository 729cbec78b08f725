package cryptocom

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

const (
	methodAuth             = "public/auth"
	methodHeartbeat        = "public/heartbeat"
	methodRespondHeartbeat = "public/respond-heartbeat"
	methodAccountSummary   = "private/get-account-summary"
	methodCreateOrder      = "private/create-order"
)

// request is the outbound frame. Authentication carries api_key/sig at the
// top level; everything else carries params. Correlation is strictly by the
// integer id.
type request struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
	Nonce  int64          `json:"nonce,omitempty"`
	APIKey string         `json:"api_key,omitempty"`
	Sig    string         `json:"sig,omitempty"`
}

// Response is an inbound frame. Heartbeats reuse the same shape with the
// method field set and no code/result.
type Response struct {
	ID      int64           `json:"id"`
	Method  string          `json:"method,omitempty"`
	Code    int64           `json:"code"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (r Response) isHeartbeat() bool {
	return r.Method == methodHeartbeat
}

// sign computes the hex HMAC-SHA256 over the canonical auth string
// method + id + api_key + nonce, per the exchange v2 websocket spec.
func sign(secret, method string, id int64, apiKey string, nonce int64) string {
	payload := method + strconv.FormatInt(id, 10) + apiKey + strconv.FormatInt(nonce, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
