package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce      sync.Once
	eventsTotal      *prometheus.CounterVec
	connectedClients prometheus.Gauge
)

func initMetrics() {
	metricsOnce.Do(func() {
		eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smokefield",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Count of processed relay events by type and outcome",
		}, []string{"type", "outcome"})

		connectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "smokefield",
			Subsystem: "relay",
			Name:      "connected_clients",
			Help:      "Number of identities with a live connection binding",
		})

		if err := prometheus.Register(eventsTotal); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if v, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					eventsTotal = v
				}
			}
		}
		if err := prometheus.Register(connectedClients); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if v, ok := are.ExistingCollector.(prometheus.Gauge); ok {
					connectedClients = v
				}
			}
		}
	})
}

func recordEvent(eventType, outcome string) {
	if eventsTotal == nil {
		return
	}
	eventsTotal.With(prometheus.Labels{"type": eventType, "outcome": outcome}).Inc()
}

func setConnectedClients(n int) {
	if connectedClients == nil {
		return
	}
	connectedClients.Set(float64(n))
}
