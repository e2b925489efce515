// Package metrics defines the gateway's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gateway's Prometheus collectors, grouped the way a
// single worker process exercises them.
type Metrics struct {
	PDUsReceived  *prometheus.CounterVec
	PDUsSent      *prometheus.CounterVec
	SubmitOutcome *prometheus.CounterVec
	MalformedPDUs prometheus.Counter

	ActiveSessions    prometheus.Gauge
	ActiveConnections prometheus.Gauge

	ProviderLatency *prometheus.HistogramVec

	ReceiptsPublished prometheus.Counter
	ReceiptsDelivered prometheus.Counter
}

// New creates an unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		PDUsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smppgw_pdus_received_total",
			Help: "Total PDUs received by command name",
		}, []string{"command"}),
		PDUsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smppgw_pdus_sent_total",
			Help: "Total PDUs sent by command name",
		}, []string{"command"}),
		SubmitOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smppgw_submit_outcome_total",
			Help: "submit_sm delivery outcomes by provider status",
		}, []string{"status"}),
		MalformedPDUs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smppgw_malformed_pdus_total",
			Help: "Frames rejected as malformed before a command could be dispatched",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smppgw_active_sessions",
			Help: "Bound sessions currently registered on this worker",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smppgw_active_connections",
			Help: "Open TCP connections currently served by this worker",
		}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smppgw_provider_delivery_seconds",
			Help:    "Latency of a single provider Deliver call",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"status"}),
		ReceiptsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smppgw_receipts_published_total",
			Help: "Delivery receipts published to the cross-worker bus",
		}),
		ReceiptsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smppgw_receipts_delivered_total",
			Help: "Delivery receipts handed to a receiver connection",
		}),
	}
}

// Register registers every collector with registry.
func (m *Metrics) Register(registry prometheus.Registerer) {
	registry.MustRegister(
		m.PDUsReceived,
		m.PDUsSent,
		m.SubmitOutcome,
		m.MalformedPDUs,
		m.ActiveSessions,
		m.ActiveConnections,
		m.ProviderLatency,
		m.ReceiptsPublished,
		m.ReceiptsDelivered,
	)
}
