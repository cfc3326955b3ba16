package pubsub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of every endpoint sharing it.
type Metrics struct {
	Loans        *prometheus.CounterVec
	LoanFailures *prometheus.CounterVec
	Sends        *prometheus.CounterVec
	Deliveries   *prometheus.CounterVec
	Drops        *prometheus.CounterVec
	Receives     *prometheus.CounterVec
	FreeSlots    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Loans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmpubsub",
			Name:      "loans_total",
			Help:      "Samples loaned by publishers.",
		}, []string{"service"}),
		LoanFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmpubsub",
			Name:      "loan_failures_total",
			Help:      "Loans refused, by reason.",
		}, []string{"service", "reason"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmpubsub",
			Name:      "sends_total",
			Help:      "Samples sent by publishers.",
		}, []string{"service"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmpubsub",
			Name:      "deliveries_total",
			Help:      "Sample references enqueued to subscribers.",
		}, []string{"service"}),
		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmpubsub",
			Name:      "drops_total",
			Help:      "Sample references lost to full or stalled subscriber queues, by policy or \"stalled\".",
		}, []string{"service", "policy"}),
		Receives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmpubsub",
			Name:      "receives_total",
			Help:      "Samples received by subscribers.",
		}, []string{"service"}),
		FreeSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shmpubsub",
			Name:      "free_slots",
			Help:      "Free slots in a publisher's pool.",
		}, []string{"service", "publisher"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Loans, m.LoanFailures, m.Sends, m.Deliveries, m.Drops, m.Receives, m.FreeSlots} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
