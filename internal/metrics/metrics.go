// Package metrics exposes the Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptotrader",
		Name:      "signals_received_total",
		Help:      "Signals accepted at an ingress boundary.",
	}, []string{"source"})

	SignalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptotrader",
		Name:      "signals_rejected_total",
		Help:      "Signals rejected at an ingress boundary.",
	}, []string{"source", "reason"})

	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptotrader",
		Name:      "orders_submitted_total",
		Help:      "Orders acknowledged by the exchange.",
	}, []string{"side"})

	OrdersRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptotrader",
		Name:      "orders_rejected_total",
		Help:      "Orders rejected by the exchange with a non-zero code.",
	})

	OrdersDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptotrader",
		Name:      "orders_deduplicated_total",
		Help:      "Signals skipped because their client order id already has a result.",
	})

	BalanceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptotrader",
		Name:      "balance_fetches_total",
		Help:      "Account balance fetch outcomes.",
	}, []string{"status"})

	SessionReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptotrader",
		Name:      "session_reconnects_total",
		Help:      "Websocket sessions lost after reaching ready.",
	})

	HeartbeatsAnswered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptotrader",
		Name:      "heartbeats_answered_total",
		Help:      "Exchange heartbeats acknowledged.",
	})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cryptotrader",
		Name:      "rpc_latency_seconds",
		Help:      "Round-trip latency of exchange RPC calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
