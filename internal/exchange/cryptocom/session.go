// Package cryptocom maintains the authenticated websocket RPC session with
// the exchange: one writer, one reader loop, response correlation by request
// id, heartbeat acknowledgement, and a supervised reconnect lifecycle.
package cryptocom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cryptotrader/internal/alert"
	"cryptotrader/internal/core"
	"cryptotrader/internal/metrics"
	"cryptotrader/internal/retry"
)

type State string

const (
	StateDisconnected   State = "DISCONNECTED"
	StateConnecting     State = "CONNECTING"
	StateAuthenticating State = "AUTHENTICATING"
	StateReady          State = "READY"
	StateReconnecting   State = "RECONNECTING"
	StateClosed         State = "CLOSED"
)

var errSessionClosed = errors.New("session closed")

type Options struct {
	URL       string
	APIKey    string
	APISecret string

	// CallTimeout bounds every request/response round trip, auth included.
	CallTimeout time.Duration
	// HeartbeatWindow is the write deadline for heartbeat acknowledgements;
	// the exchange drops the connection when an ack misses its window.
	HeartbeatWindow time.Duration
	// ReadTimeout is the silence watchdog on the reader loop. The exchange
	// heartbeats roughly every 30s, so three missed beats means a dead peer.
	ReadTimeout time.Duration

	AuthAttempts   int
	AuthRetryDelay time.Duration

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ReconnectAttempts  int
}

func (o *Options) applyDefaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.HeartbeatWindow <= 0 {
		o.HeartbeatWindow = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.AuthAttempts < 1 {
		o.AuthAttempts = 3
	}
	if o.AuthRetryDelay <= 0 {
		o.AuthRetryDelay = time.Second
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.ReconnectAttempts < 1 {
		o.ReconnectAttempts = 10
	}
}

type callOutcome struct {
	resp Response
	err  error
}

// pendingRequest exists from send until a matching response, a timeout, or a
// connection loss resolves it. The channel is buffered so the reader loop
// never blocks on a waiter that already gave up.
type pendingRequest struct {
	method string
	sentAt time.Time
	ch     chan callOutcome
}

type Session struct {
	opts   Options
	log    zerolog.Logger
	dialer *websocket.Dialer

	lastID int64

	mu      sync.Mutex
	state   State
	stateCh chan struct{}
	conn    *websocket.Conn
	epoch   uint64
	pending map[int64]*pendingRequest

	writeMu sync.Mutex

	alertMu sync.Mutex
	alerter alert.Alerter
}

func NewSession(opts Options, log zerolog.Logger) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("websocket url required")
	}
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	opts.applyDefaults()
	return &Session{
		opts:    opts,
		log:     log.With().Str("component", "session").Logger(),
		dialer:  websocket.DefaultDialer,
		lastID:  time.Now().UnixMilli(),
		state:   StateDisconnected,
		stateCh: make(chan struct{}),
		pending: make(map[int64]*pendingRequest),
	}, nil
}

func (s *Session) SetAlerter(a alert.Alerter) {
	s.alertMu.Lock()
	s.alerter = a
	s.alertMu.Unlock()
}

func (s *Session) alertImportant(event string, fields map[string]string) {
	s.alertMu.Lock()
	a := s.alerter
	s.alertMu.Unlock()
	if a == nil {
		return
	}
	a.Important(event, fields)
}

// nextID returns a fresh request id: a monotonic counter seeded from the
// millisecond epoch at construction, so ids never repeat across restarts
// while a request is plausibly pending.
func (s *Session) nextID() int64 {
	return atomic.AddInt64(&s.lastID, 1)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateChanged returns the current state and a channel that is closed on the
// next transition, so callers wait event-driven instead of polling.
func (s *Session) StateChanged() (State, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.stateCh
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.log.Info().Str("from", string(s.state)).Str("to", string(next)).Msg("session state")
	s.state = next
	close(s.stateCh)
	s.stateCh = make(chan struct{})
}

// WaitReady blocks until the session reaches Ready, the session is closed,
// or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		st, changed := s.StateChanged()
		switch st {
		case StateReady:
			return nil
		case StateClosed:
			return errSessionClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connect opens the transport and starts the reader loop. It leaves the
// session in Connecting; Authenticate finishes the handshake. There are no
// implicit retries here, callers own the retry decision.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return errSessionClosed
	case StateDisconnected, StateReconnecting:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect in state %s", st)
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.setStateLocked(StateDisconnected)
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: dial %s: %v", core.ErrTransport, s.opts.URL, err)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		_ = conn.Close()
		return errSessionClosed
	}
	s.conn = conn
	s.epoch++
	go s.readLoop(conn, s.epoch)
	s.mu.Unlock()
	s.log.Debug().Str("url", s.opts.URL).Msg("transport open")
	return nil
}

// Authenticate performs the signed handshake. Up to AuthAttempts tries with a
// fixed delay; every failed attempt tears the transport down to Disconnected
// and the next attempt redials. After the budget is spent the joined error
// carries core.ErrAuthenticationFailed.
func (s *Session) Authenticate(ctx context.Context) error {
	var attemptErrs []error
	for attempt := 1; attempt <= s.opts.AuthAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(s.opts.AuthRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			if s.State() == StateDisconnected {
				if err := s.Connect(ctx); err != nil {
					attemptErrs = append(attemptErrs, err)
					continue
				}
			}
		}
		err := s.authenticateOnce(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", s.opts.AuthAttempts).Msg("authentication attempt failed")
		attemptErrs = append(attemptErrs, err)
	}
	chain := append([]error{core.ErrAuthenticationFailed}, attemptErrs...)
	return errors.Join(chain...)
}

func (s *Session) authenticateOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("authenticate in state %s", st)
	}
	s.setStateLocked(StateAuthenticating)
	id := s.nextID()
	pr := s.registerLocked(id, methodAuth)
	s.mu.Unlock()

	nonce := time.Now().UnixMilli()
	req := request{
		ID:     id,
		Method: methodAuth,
		Nonce:  nonce,
		APIKey: s.opts.APIKey,
		Sig:    sign(s.opts.APISecret, methodAuth, id, s.opts.APIKey, nonce),
	}
	if err := s.send(req); err != nil {
		s.unregister(id)
		s.teardown(fmt.Errorf("send auth request: %w", err))
		return err
	}

	select {
	case out := <-pr.ch:
		if out.err != nil {
			return out.err
		}
		if out.resp.Code != 0 {
			s.teardown(nil)
			return wrapAPIError(methodAuth, out.resp.Code, out.resp.Message)
		}
		s.mu.Lock()
		if s.state == StateAuthenticating {
			s.setStateLocked(StateReady)
		}
		st := s.state
		s.mu.Unlock()
		if st != StateReady {
			return errSessionClosed
		}
		return nil
	case <-time.After(s.opts.CallTimeout):
		s.unregister(id)
		s.teardown(core.ErrResponseTimeout)
		return fmt.Errorf("%w: %s id=%d", core.ErrResponseTimeout, methodAuth, id)
	case <-ctx.Done():
		s.unregister(id)
		return ctx.Err()
	}
}

// teardown closes the current transport and drops to Disconnected, used by
// the auth path where a failed handshake must not linger half-open.
func (s *Session) teardown(cause error) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.epoch++
	failed := s.takePendingLocked()
	if s.state != StateClosed {
		s.setStateLocked(StateDisconnected)
	}
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	s.failPending(failed, cause)
}

// Call sends an RPC in the Ready state and blocks until the response with the
// matching id arrives, the timeout elapses, ctx is done, or the connection is
// lost. Heartbeats arriving in the interim are answered by the reader loop
// and never surface here.
func (s *Session) Call(ctx context.Context, method string, params map[string]any) (Response, error) {
	s.mu.Lock()
	if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		return Response{}, fmt.Errorf("%w: state %s", core.ErrNotReady, st)
	}
	id := s.nextID()
	pr := s.registerLocked(id, method)
	s.mu.Unlock()

	req := request{
		ID:     id,
		Method: method,
		Params: params,
		Nonce:  time.Now().UnixMilli(),
	}
	if err := s.send(req); err != nil {
		s.unregister(id)
		return Response{}, fmt.Errorf("%w: send %s: %v", core.ErrConnectionLost, method, err)
	}

	select {
	case out := <-pr.ch:
		if out.err != nil {
			return Response{}, out.err
		}
		metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(pr.sentAt).Seconds())
		return out.resp, nil
	case <-time.After(s.opts.CallTimeout):
		s.unregister(id)
		return Response{}, fmt.Errorf("%w: %s id=%d after %s", core.ErrResponseTimeout, method, id, s.opts.CallTimeout)
	case <-ctx.Done():
		s.unregister(id)
		return Response{}, ctx.Err()
	}
}

func (s *Session) registerLocked(id int64, method string) *pendingRequest {
	pr := &pendingRequest{
		method: method,
		sentAt: time.Now(),
		ch:     make(chan callOutcome, 1),
	}
	s.pending[id] = pr
	return pr
}

// unregister removes an abandoned pending request so a late response cannot
// leak it; the reader loop treats the missing entry as discard-with-log.
func (s *Session) unregister(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) takePendingLocked() map[int64]*pendingRequest {
	failed := s.pending
	s.pending = make(map[int64]*pendingRequest)
	return failed
}

func (s *Session) failPending(failed map[int64]*pendingRequest, cause error) {
	if len(failed) == 0 {
		return
	}
	err := core.ErrConnectionLost
	if cause != nil {
		err = fmt.Errorf("%w: %v", core.ErrConnectionLost, cause)
	}
	for id, pr := range failed {
		pr.ch <- callOutcome{err: err}
		s.log.Debug().Int64("id", id).Str("method", pr.method).Msg("pending request failed by disconnect")
	}
}

// send is the single writer; all outbound frames funnel through here.
func (s *Session) send(req request) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: no transport", core.ErrConnectionLost)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.HeartbeatWindow))
	return conn.WriteJSON(req)
}

// readLoop is the only reader on the connection. It dispatches responses to
// pending waiters by id, acknowledges heartbeats, and discards everything
// unsolicited. The epoch guards against a stale loop of a replaced
// connection invalidating the current one.
func (s *Session) readLoop(conn *websocket.Conn, epoch uint64) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(epoch, err)
			return
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			s.log.Debug().Err(err).Msg("discarding unparseable frame")
			continue
		}
		if resp.isHeartbeat() {
			// Answered off the reader loop so a slow pending call can
			// never push the ack past the exchange's window.
			go s.respondHeartbeat(resp.ID)
			continue
		}
		s.dispatch(resp)
	}
}

func (s *Session) dispatch(resp Response) {
	s.mu.Lock()
	pr, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()
	if !ok {
		s.log.Warn().Int64("id", resp.ID).Str("method", resp.Method).Int64("code", resp.Code).Msg("discarding response with no pending request")
		return
	}
	pr.ch <- callOutcome{resp: resp}
}

func (s *Session) respondHeartbeat(id int64) {
	err := s.send(request{ID: id, Method: methodRespondHeartbeat})
	if err != nil {
		s.log.Warn().Err(err).Int64("id", id).Msg("heartbeat ack failed")
		return
	}
	metrics.HeartbeatsAnswered.Inc()
	s.log.Debug().Int64("id", id).Msg("heartbeat answered")
}

// handleDisconnect runs once per lost connection: it fails every pending
// request exactly once and moves Ready sessions to Reconnecting so the Run
// supervisor redials. Losses before Ready drop to Disconnected, the auth
// retry loop owns those.
func (s *Session) handleDisconnect(epoch uint64, cause error) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	failed := s.takePendingLocked()
	next := StateDisconnected
	switch s.state {
	case StateClosed:
		next = StateClosed
	case StateReady:
		next = StateReconnecting
	}
	s.setStateLocked(next)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.failPending(failed, cause)
	s.log.Warn().Err(cause).Int("failed_pending", len(failed)).Str("state", string(next)).Msg("connection lost")
}

// Run supervises the session lifecycle: connect + authenticate, then wait for
// a loss and redial with exponential backoff capped at ReconnectMaxDelay.
// Authentication failure after its bounded retries is fatal and returns;
// exhausting reconnect attempts drops to Disconnected and returns. Requests
// are never replayed on reconnect, callers resubmit their own.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	backoff := retry.Policy{BaseDelay: s.opts.ReconnectBaseDelay, MaxDelay: s.opts.ReconnectMaxDelay}
	attempt := 0
	for {
		if err := s.connectAndAuthenticate(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, core.ErrAuthenticationFailed) {
				s.alertImportant("authentication_failed", map[string]string{
					"detail": err.Error(),
				})
				return err
			}
			attempt++
			if attempt >= s.opts.ReconnectAttempts {
				s.mu.Lock()
				if s.state != StateClosed {
					s.setStateLocked(StateDisconnected)
				}
				s.mu.Unlock()
				s.alertImportant("reconnect_attempts_exhausted", map[string]string{
					"attempts": strconv.Itoa(attempt),
					"detail":   err.Error(),
				})
				return fmt.Errorf("reconnect attempts exhausted after %d: %w", attempt, err)
			}
			wait := backoff.Delay(attempt - 1)
			s.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("connect failed, backing off")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		attempt = 0

		lost, err := s.awaitLoss(ctx)
		if err != nil {
			return err
		}
		if !lost {
			return nil
		}
		metrics.SessionReconnects.Inc()
		s.alertImportant("session_reconnecting", nil)
	}
}

func (s *Session) connectAndAuthenticate(ctx context.Context) error {
	if st := s.State(); st != StateDisconnected && st != StateReconnecting {
		return fmt.Errorf("connect in state %s", st)
	}
	s.mu.Lock()
	if s.state == StateReconnecting {
		s.setStateLocked(StateDisconnected)
	}
	s.mu.Unlock()
	if err := s.Connect(ctx); err != nil {
		return err
	}
	return s.Authenticate(ctx)
}

// awaitLoss blocks while the session is Ready. It reports lost=true when the
// session needs a redial and lost=false when it was closed cleanly.
func (s *Session) awaitLoss(ctx context.Context) (bool, error) {
	for {
		st, changed := s.StateChanged()
		switch st {
		case StateReconnecting, StateDisconnected:
			return true, nil
		case StateClosed:
			return false, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Close ends the session permanently; outstanding calls fail with
// ConnectionLost.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.epoch++
	failed := s.takePendingLocked()
	s.setStateLocked(StateClosed)
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	s.failPending(failed, errSessionClosed)
	return nil
}
