// Package metrics instruments the sync core and its transport.
//
// A nil *Metrics is valid and records nothing, so packages can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Push routing labels.
const (
	RoutedOpen       = "open"
	RoutedBackground = "background"
	RoutedUnknown    = "unknown"
)

// Result labels.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
)

type Metrics struct {
	ConnectionState  prometheus.Gauge
	Reconnects       prometheus.Counter
	Pushes           *prometheus.CounterVec
	Sends            *prometheus.CounterVec
	HistoryFetches   *prometheus.CounterVec
	HistoryDuration  prometheus.Histogram
	StaleHistory     prometheus.Counter
	EchoesReconciled prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "Transport state: 0 disconnected, 1 connecting, 2 connected",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnects_total",
			Help: "Reconnect attempts after a dropped or failed connection",
		}),
		Pushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_pushes_total",
			Help: "Inbound message pushes by routing outcome",
		}, []string{"routed"}),
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Outbound sends by result",
		}, []string{"result"}),
		HistoryFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_history_fetch_total",
			Help: "History page fetches by result",
		}, []string{"result"}),
		HistoryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatsync_history_fetch_duration_seconds",
			Help:    "History page fetch latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		StaleHistory: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_stale_history_total",
			Help: "History responses discarded because another room was opened meanwhile",
		}),
		EchoesReconciled: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_echoes_reconciled_total",
			Help: "Self-sent echoes matched to an optimistic message",
		}),
	}
}

func (m *Metrics) SetConnectionState(s models.ConnectionState) {
	if m == nil {
		return
	}

	m.ConnectionState.Set(float64(s))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}

	m.Reconnects.Inc()
}

func (m *Metrics) Push(routed string) {
	if m == nil {
		return
	}

	m.Pushes.WithLabelValues(routed).Inc()
}

func (m *Metrics) Send(result string) {
	if m == nil {
		return
	}

	m.Sends.WithLabelValues(result).Inc()
}

func (m *Metrics) HistoryFetch(result string, took time.Duration) {
	if m == nil {
		return
	}

	m.HistoryFetches.WithLabelValues(result).Inc()
	m.HistoryDuration.Observe(took.Seconds())
}

func (m *Metrics) StaleHistoryDiscarded() {
	if m == nil {
		return
	}

	m.StaleHistory.Inc()
}

func (m *Metrics) EchoReconciled() {
	if m == nil {
		return
	}

	m.EchoesReconciled.Inc()
}
