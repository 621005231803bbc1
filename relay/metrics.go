package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	appended    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	subscribers prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "messages_appended_total",
			Help:      "Messages stored by the relay, by kind.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "appends_rejected_total",
			Help:      "Append requests refused, by reason.",
		}, []string{"reason"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomchat",
			Name:      "subscribers",
			Help:      "Open websocket subscriptions.",
		}),
	}
	reg.MustRegister(m.appended, m.rejected, m.subscribers)
	return m
}
