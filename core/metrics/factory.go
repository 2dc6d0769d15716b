package metrics

import (
	"fmt"

	"github.com/kilianp07/loadguard/core/factory"
)

var sinkRegistry = factory.NewRegistry[MetricsSink]()

// RegisterMetricsSink adds a metrics sink factory identified by name.
func RegisterMetricsSink(name string, f factory.Factory[MetricsSink]) error {
	return sinkRegistry.Register(name, f)
}

// SinkTypes lists the registered sink types.
func SinkTypes() []string { return sinkRegistry.Types() }

// NewMetricsSink creates the sink receiving cycle and setpoint metrics. No
// configuration yields a NopSink, several sinks are fanned out through a
// MultiSink. A type may appear only once since every sink of a type exports
// the same series.
func NewMetricsSink(cfgs []factory.ModuleConfig) (MetricsSink, error) {
	if len(cfgs) == 0 {
		return NopSink{}, nil
	}
	seen := make(map[string]bool, len(cfgs))
	sinks := make([]MetricsSink, 0, len(cfgs))
	for i, c := range cfgs {
		if seen[c.Type] {
			return nil, fmt.Errorf("metrics sink %d: duplicate type %s", i, c.Type)
		}
		seen[c.Type] = true
		s, err := sinkRegistry.Create(c)
		if err != nil {
			return nil, fmt.Errorf("metrics sink %d: %w", i, err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return NewMultiSink(sinks...), nil
}
