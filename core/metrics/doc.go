// Package metrics defines the sinks committed cycles and published setpoints
// are recorded to. Sinks like PromSink and InfluxSink live in infra/metrics
// and register themselves in the factory registry; NewMetricsSink returns a
// MultiSink automatically when several sinks are configured.
package metrics
