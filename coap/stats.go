package coap

import "github.com/prometheus/client_golang/prometheus"

// Stats holds the engine's metrics. The collectors are functional
// whether or not they are registered; call Register to expose them.
type Stats struct {
	received        prometheus.Counter
	sent            prometheus.Counter
	parseErrors     prometheus.Counter
	duplicates      prometheus.Counter
	retransmissions prometheus.Counter
	timeouts        prometheus.Counter
	notifications   prometheus.Counter
	observers       prometheus.Gauge
}

func newStats() *Stats {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap", Name: name, Help: help,
		})
	}
	return &Stats{
		received:        counter("messages_received_total", "Datagrams handed to the engine."),
		sent:            counter("messages_sent_total", "Datagrams handed to the transport."),
		parseErrors:     counter("parse_errors_total", "Datagrams rejected by the codec."),
		duplicates:      counter("duplicates_total", "Requests answered from the dedup cache."),
		retransmissions: counter("retransmissions_total", "Confirmable retransmissions."),
		timeouts:        counter("transaction_timeouts_total", "Transactions that gave up."),
		notifications:   counter("notifications_total", "Observe notifications sent."),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coap", Name: "observers", Help: "Live observe subscriptions.",
		}),
	}
}

// Register registers all collectors with reg.
func (s *Stats) Register(reg prometheus.Registerer) {
	reg.MustRegister(s.received, s.sent, s.parseErrors, s.duplicates,
		s.retransmissions, s.timeouts, s.notifications, s.observers)
}
