package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ntuber"

var (
	MirrorRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "mirror_refresh_total", Help: "Ledger window refetches by result"},
		[]string{"result"},
	)
	MirrorRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "mirror_refresh_duration_seconds", Help: "Ledger window refetch latency", Buckets: prometheus.DefBuckets})
	MirrorRides           = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "mirror_rides", Help: "Rides in the mirrored window"})

	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "session_transitions_total", Help: "Session mode transitions"},
		[]string{"from", "to"},
	)

	LedgerTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ledger_tx_total", Help: "Ledger transactions by operation and result"},
		[]string{"op", "result"},
	)
	LedgerTxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_tx_duration_seconds",
			Help:      "Time from submission to confirmation or failure",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"op"},
	)

	RelayPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "relay_published_total", Help: "Position samples published by result"},
		[]string{"result"},
	)
	RelayPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "relay_polls_total", Help: "Position channel polls by result"},
		[]string{"result"},
	)
	RelayForeignPublishTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "relay_foreign_publish_total", Help: "Samples published by someone other than the recorded writer"})
	RelayActive              = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "relay_active", Help: "1 while a position relay task runs"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_clients", Help: "Connected session view websockets"})
)
