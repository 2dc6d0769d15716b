package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/loadguard/core/allocation"
	coremetrics "github.com/kilianp07/loadguard/core/metrics"
)

// PromSink records committed cycles and setpoint delivery in Prometheus metrics.
type PromSink struct {
	allocations *prometheus.CounterVec
	headroom    *prometheus.GaugeVec
	setpoints   *prometheus.CounterVec
	latency     prometheus.Histogram
	failures    *prometheus.CounterVec
}

// NewPromSink registers the sink metrics on the default Prometheus registerer.
// The /metrics endpoint is started separately with StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chargepoint_allocations_total",
		Help: "Allocation decisions by status",
	}, []string{"status"})
	headroom := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metering_node_headroom_amperes",
		Help: "Capacity of a metering node not reserved above the floors in the last cycle",
	}, []string{"node", "phase"})
	setpoints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "setpoint_publish_total",
		Help: "Setpoints sent to chargepoints by outcome",
	}, []string{"result"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "setpoint_publish_latency_seconds",
		Help:    "Time to hand a setpoint to the broker",
		Buckets: prometheus.DefBuckets,
	})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_discarded_cycles_total",
		Help: "Cycles discarded before commit by reason",
	}, []string{"reason"})

	var err error
	if allocations, err = register(reg, allocations); err != nil {
		return nil, err
	}
	if headroom, err = register(reg, headroom); err != nil {
		return nil, err
	}
	if setpoints, err = register(reg, setpoints); err != nil {
		return nil, err
	}
	if latency, err = register(reg, latency); err != nil {
		return nil, err
	}
	if failures, err = register(reg, failures); err != nil {
		return nil, err
	}
	return &PromSink{allocations: allocations, headroom: headroom, setpoints: setpoints, latency: latency, failures: failures}, nil
}

// register returns the already registered collector when c was registered
// before, so several sinks can share the default registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordCycle counts the decisions of a cycle and exports node headroom.
func (s *PromSink) RecordCycle(res allocation.CycleResult) error {
	for _, a := range res.Allocations {
		s.allocations.WithLabelValues(string(a.Status)).Inc()
	}
	for _, n := range res.Reservations {
		for i := range n.Capacity {
			free := n.Capacity[i]
			if i < len(n.Reserved) {
				free -= n.Reserved[i]
			}
			s.headroom.WithLabelValues(n.ID, strconv.Itoa(i+1)).Set(free)
		}
	}
	return nil
}

// RecordSetpoint counts a setpoint and observes its publish latency.
func (s *PromSink) RecordSetpoint(ev coremetrics.SetpointEvent) error {
	result := "ok"
	if !ev.Published {
		result = "error"
	}
	s.setpoints.WithLabelValues(result).Inc()
	s.latency.Observe(ev.Latency.Seconds())
	return nil
}

// RecordCycleFailure counts a discarded cycle.
func (s *PromSink) RecordCycleFailure(ev coremetrics.CycleFailure) error {
	s.failures.WithLabelValues(ev.Reason).Inc()
	return nil
}
