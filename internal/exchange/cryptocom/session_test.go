package cryptocom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cryptotrader/internal/core"
)

const (
	testAPIKey    = "test_api_key"
	testAPISecret = "test_secret"
)

// fakeExchange is a scripted websocket peer. It verifies auth signatures the
// way the real venue does and hands every other request to handle.
type fakeExchange struct {
	t        *testing.T
	authCode int64
	// handle answers one non-auth request; nil responds code 0 with an
	// empty result.
	handle func(f *fakeExchange, conn *websocket.Conn, req request)

	mu       sync.Mutex
	conns    []*websocket.Conn
	authed   chan struct{}
	inbound  chan request
	upgrader websocket.Upgrader
}

func newFakeExchange(t *testing.T) *fakeExchange {
	return &fakeExchange{
		t:       t,
		authed:  make(chan struct{}, 16),
		inbound: make(chan request, 64),
	}
}

func (f *fakeExchange) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		select {
		case f.inbound <- req:
		default:
		}
		switch req.Method {
		case methodAuth:
			want := sign(testAPISecret, methodAuth, req.ID, testAPIKey, req.Nonce)
			if req.APIKey != testAPIKey || req.Sig != want {
				f.writeJSON(conn, Response{ID: req.ID, Code: apiCodeUnauthorized, Message: "bad signature"})
				continue
			}
			f.writeJSON(conn, Response{ID: req.ID, Code: f.authCode})
			if f.authCode == 0 {
				f.authed <- struct{}{}
			}
		case methodRespondHeartbeat:
			// Recorded via inbound only.
		default:
			if f.handle != nil {
				f.handle(f, conn, req)
				continue
			}
			f.writeJSON(conn, Response{ID: req.ID, Code: 0, Result: json.RawMessage(`{}`)})
		}
	}
}

func (f *fakeExchange) writeJSON(conn *websocket.Conn, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = conn.WriteJSON(v)
}

func (f *fakeExchange) latestConn() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeExchange) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		_ = conn.Close()
	}
	f.conns = nil
}

func startFake(t *testing.T, fake *fakeExchange) (*httptest.Server, string) {
	srv := httptest.NewServer(http.HandlerFunc(fake.serveHTTP))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestSession(t *testing.T, url string, mutate func(*Options)) *Session {
	opts := Options{
		URL:            url,
		APIKey:         testAPIKey,
		APISecret:      testAPISecret,
		CallTimeout:    2 * time.Second,
		AuthAttempts:   2,
		AuthRetryDelay: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewSession(opts, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		st, changed := s.StateChanged()
		if st == want {
			return
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatalf("state = %s, want %s", st, want)
		}
	}
}

func TestAuthenticateReachesReady(t *testing.T) {
	fake := newFakeExchange(t)
	_, url := startFake(t, fake)
	s := newTestSession(t, url, nil)

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if st := s.State(); st != StateConnecting {
		t.Fatalf("state after connect = %s, want %s", st, StateConnecting)
	}
	if err := s.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}
	if st := s.State(); st != StateReady {
		t.Fatalf("state after auth = %s, want %s", st, StateReady)
	}
}

func TestAuthenticateRejectionIsFatalAfterRetries(t *testing.T) {
	fake := newFakeExchange(t)
	fake.authCode = apiCodeInvalidNonce
	_, url := startFake(t, fake)
	s := newTestSession(t, url, nil)

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	err := s.Authenticate(ctx)
	if !errors.Is(err, core.ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Code != apiCodeInvalidNonce {
		t.Fatalf("chain should carry the exchange code, got %v", err)
	}
	if st := s.State(); st != StateDisconnected {
		t.Fatalf("state = %s, want %s", st, StateDisconnected)
	}
}

func TestCallBeforeReadyFails(t *testing.T) {
	fake := newFakeExchange(t)
	_, url := startFake(t, fake)
	s := newTestSession(t, url, nil)

	_, err := s.Call(context.Background(), "private/anything", nil)
	if !errors.Is(err, core.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestConcurrentCallsCorrelateOutOfOrderResponses(t *testing.T) {
	var pending []request
	var pendingMu sync.Mutex
	fake := newFakeExchange(t)
	fake.handle = func(f *fakeExchange, conn *websocket.Conn, req request) {
		pendingMu.Lock()
		pending = append(pending, req)
		ready := len(pending) == 2
		batch := pending
		pendingMu.Unlock()
		if !ready {
			return
		}
		// Answer in reverse arrival order.
		for i := len(batch) - 1; i >= 0; i-- {
			f.writeJSON(conn, Response{
				ID:     batch[i].ID,
				Code:   0,
				Result: json.RawMessage(fmt.Sprintf(`{"echo":%q}`, batch[i].Method)),
			})
		}
	}
	_, url := startFake(t, fake)
	s := newTestSession(t, url, nil)

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}

	methods := []string{"private/first", "private/second"}
	results := make(chan error, len(methods))
	for _, method := range methods {
		method := method
		go func() {
			resp, err := s.Call(ctx, method, nil)
			if err != nil {
				results <- err
				return
			}
			var body struct {
				Echo string `json:"echo"`
			}
			if err := json.Unmarshal(resp.Result, &body); err != nil {
				results <- err
				return
			}
			if body.Echo != method {
				results <- fmt.Errorf("call %s got response for %s", method, body.Echo)
				return
			}
			results <- nil
		}()
	}
	for range methods {
		if err := <-results; err != nil {
			t.Fatal(err)
		}
	}
}

func TestHeartbeatAnsweredWithSameID(t *testing.T) {
	fake := newFakeExchange(t)
	_, url := startFake(t, fake)
	s := newTestSession(t, url, nil)

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}

	const heartbeatID = int64(1656007223)
	fake.writeJSON(fake.latestConn(), Response{ID: heartbeatID, Method: methodHeartbeat})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case req := <-fake.inbound:
			if req.Method != methodRespondHeartbeat {
				continue
			}
			if req.ID != heartbeatID {
				t.Fatalf("heartbeat ack id = %d, want %d", req.ID, heartbeatID)
			}
			return
		case <-deadline:
			t.Fatal("no heartbeat ack observed")
		}
	}
}

func TestConnectionLossFailsPendingAndTriggersReconnecting(t *testing.T) {
	fake := newFakeExchange(t)
	fake.handle = func(f *fakeExchange, conn *websocket.Conn, req request) {
		// Drop the connection with the request still pending.
		_ = conn.Close()
	}
	_, url := startFake(t, fake)
	s := newTestSession(t, url, nil)

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := s.Call(ctx, "private/doomed", nil)
	if !errors.Is(err, core.ErrConnectionLost) {
		t.Fatalf("err = %v, want ErrConnectionLost", err)
	}
	waitForState(t, s, StateReconnecting)
}

func TestCallTimeoutRemovesPending(t *testing.T) {
	fake := newFakeExchange(t)
	fake.handle = func(f *fakeExchange, conn *websocket.Conn, req request) {
		// Never respond.
	}
	_, url := startFake(t, fake)
	s := newTestSession(t, url, func(o *Options) {
		o.CallTimeout = 100 * time.Millisecond
	})

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := s.Call(ctx, "private/silent", nil)
	if !errors.Is(err, core.ErrResponseTimeout) {
		t.Fatalf("err = %v, want ErrResponseTimeout", err)
	}
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending map holds %d entries after timeout", n)
	}
}

func TestRunRedialsAfterLoss(t *testing.T) {
	fake := newFakeExchange(t)
	_, url := startFake(t, fake)
	s := newTestSession(t, url, func(o *Options) {
		o.ReconnectBaseDelay = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-fake.authed:
	case <-time.After(3 * time.Second):
		t.Fatal("first session never authenticated")
	}
	waitForState(t, s, StateReady)

	fake.dropConnections()

	select {
	case <-fake.authed:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not re-authenticate after loss")
	}
	waitForState(t, s, StateReady)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAccountSummaryParsesSnapshot(t *testing.T) {
	fake := newFakeExchange(t)
	fake.handle = func(f *fakeExchange, conn *websocket.Conn, req request) {
		if req.Method != methodAccountSummary {
			f.writeJSON(conn, Response{ID: req.ID, Code: apiCodeBadRequest})
			return
		}
		f.writeJSON(conn, Response{
			ID:   req.ID,
			Code: 0,
			Result: json.RawMessage(`{"accounts":[
				{"currency":"USD","available":"1000"},
				{"currency":"SOL","available":"2.5"}
			]}`),
		})
	}
	_, url := startFake(t, fake)
	s := newTestSession(t, url, nil)

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}
	bal, err := s.AccountSummary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	usd, ok := bal.Available("USD")
	if !ok || usd.String() != "1000" {
		t.Fatalf("USD available = %v (%v)", usd, ok)
	}
	if _, ok := bal.Available("SOL"); !ok {
		t.Fatal("SOL missing from snapshot")
	}
	if bal.FetchedAt.IsZero() {
		t.Fatal("FetchedAt not set")
	}
}

func TestCreateOrderSendsClientOID(t *testing.T) {
	fake := newFakeExchange(t)
	fake.handle = func(f *fakeExchange, conn *websocket.Conn, req request) {
		oid, _ := req.Params["client_oid"].(string)
		if oid == "" {
			f.writeJSON(conn, Response{ID: req.ID, Code: apiCodeBadRequest, Message: "missing client_oid"})
			return
		}
		f.writeJSON(conn, Response{
			ID:     req.ID,
			Code:   0,
			Result: json.RawMessage(fmt.Sprintf(`{"order_id":12345,"client_oid":%q}`, oid)),
		})
	}
	_, url := startFake(t, fake)
	s := newTestSession(t, url, nil)

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}
	ack, err := s.CreateOrder(ctx, testOrderRequest("oid-1"))
	if err != nil {
		t.Fatal(err)
	}
	if ack.OrderID != "12345" || ack.ClientOID != "oid-1" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestCreateOrderDuplicateIsClassified(t *testing.T) {
	fake := newFakeExchange(t)
	fake.handle = func(f *fakeExchange, conn *websocket.Conn, req request) {
		f.writeJSON(conn, Response{ID: req.ID, Code: apiCodeDuplicateRecord, Message: "duplicate record"})
	}
	_, url := startFake(t, fake)
	s := newTestSession(t, url, nil)

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := s.CreateOrder(ctx, testOrderRequest("oid-dup"))
	if !errors.Is(err, core.ErrDuplicateOrder) {
		t.Fatalf("err = %v, want ErrDuplicateOrder", err)
	}
}

func testOrderRequest(clientOID string) core.OrderRequest {
	return core.OrderRequest{
		InstrumentName: "SOL_USDT",
		Side:           core.Buy,
		Type:           core.Limit,
		Price:          decimal.NewFromInt(20),
		Quantity:       decimal.RequireFromString("2.5"),
		ClientOID:      clientOID,
	}
}
