// Package webhook is the HTTP ingress for TradingView alerts and the small
// read-only status surface next to it.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cryptotrader/internal/metrics"
	"cryptotrader/internal/signal"
	"cryptotrader/internal/store"
)

const maxBodyBytes = 64 << 10

type Server struct {
	store   store.Store
	log     zerolog.Logger
	allowed map[string]struct{}
	now     func() time.Time
}

// NewServer builds the handler set. allowedIPs is the TradingView source
// allow-list; empty means any caller is accepted, which is only sane behind
// a private ingress.
func NewServer(st store.Store, allowedIPs []string, log zerolog.Logger) *Server {
	allowed := make(map[string]struct{}, len(allowedIPs))
	for _, ip := range allowedIPs {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			allowed[ip] = struct{}{}
		}
	}
	return &Server{
		store:   st,
		log:     log.With().Str("component", "webhook").Logger(),
		allowed: allowed,
		now:     time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/signal", s.handleSignal)
	mux.HandleFunc("/order", s.handleOrder)
	mux.HandleFunc("/balance", s.handleBalance)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// handleWebhook accepts one TradingView alert, persists it as the latest
// signal, and publishes it for the trader process. TradingView posts JSON
// with a text/plain content type, so the body is decoded regardless of the
// declared type.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.sourceAllowed(r) {
		metrics.SignalsRejected.WithLabelValues("webhook", "source_ip").Inc()
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("webhook from disallowed source")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	sig, err := signal.ParseAlert(body, s.now())
	if err != nil {
		metrics.SignalsRejected.WithLabelValues("webhook", "parse").Inc()
		s.log.Warn().Err(err).Msg("rejecting alert payload")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if err := s.store.SaveSignal(ctx, sig); err != nil {
		s.log.Error().Err(err).Msg("signal not persisted")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.store.PublishSignal(ctx, sig); err != nil {
		s.log.Error().Err(err).Msg("signal not published")
		http.Error(w, "publish failed", http.StatusServiceUnavailable)
		return
	}
	metrics.SignalsReceived.WithLabelValues("webhook").Inc()
	s.log.Info().
		Str("ticker", sig.Ticker).
		Str("side", string(sig.Side)).
		Str("client_oid", sig.ClientOrderID()).
		Msg("signal accepted")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "accepted",
		"client_oid": sig.ClientOrderID(),
	})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	sig, err := s.store.LoadSignal(r.Context())
	s.writeLookup(w, sig, err)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.LoadLastOrder(r.Context())
	s.writeLookup(w, res, err)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.store.LoadBalance(r.Context())
	s.writeLookup(w, bal, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeLookup(w http.ResponseWriter, v any, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, v)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "no data yet", http.StatusNotFound)
	default:
		s.log.Error().Err(err).Msg("status lookup failed")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
	}
}

func (s *Server) sourceAllowed(r *http.Request) bool {
	if len(s.allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	_, ok := s.allowed[host]
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the HTTP server until ctx is done, then drains with a short
// shutdown grace.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", addr).Msg("webhook listening")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
