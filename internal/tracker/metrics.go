package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors recorded by the controller.
type Metrics struct {
	feedMessages   *prometheus.CounterVec
	protocolErrors prometheus.Counter
	viewState      *prometheus.GaugeVec
	ledgerSize     prometheus.Gauge
	price          prometheus.Gauge
}

// NewMetrics registers the collectors with registry, or with
// prometheus.DefaultRegisterer when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		feedMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_feed_messages_total",
				Help: "Feed transactions by outcome (accepted, rejected, dropped)",
			},
			[]string{"result"},
		),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracker_protocol_errors_total",
			Help: "Feed messages that could not be decoded",
		}),
		viewState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tracker_view_state",
				Help: "1 for the current view state, 0 otherwise",
			},
			[]string{"state"},
		),
		ledgerSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_ledger_size",
			Help: "Number of transactions currently held in the ledger",
		}),
		price: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_btc_price_usd",
			Help: "BTC price in USD used for the current session",
		}),
	}
}

const (
	resultAccepted = "accepted"
	resultRejected = "rejected"
	resultDropped  = "dropped"
)

func (m *Metrics) recordMessage(result string) {
	m.feedMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) setView(k ViewKind) {
	for kind, name := range viewKindNames {
		v := 0.0
		if ViewKind(kind) == k {
			v = 1
		}
		m.viewState.WithLabelValues(name).Set(v)
	}
}
