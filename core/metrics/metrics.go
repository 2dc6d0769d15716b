package metrics

import (
	"time"

	"github.com/kilianp07/loadguard/core/allocation"
)

// MetricsSink records committed cycles for observability purposes.
type MetricsSink interface {
	RecordCycle(res allocation.CycleResult) error
}

// SetpointEvent is the outcome of sending one setpoint to a chargepoint.
type SetpointEvent struct {
	CycleID       string
	ChargepointID int
	Current       float64
	Published     bool
	Latency       time.Duration
	Error         string
	Time          time.Time
}

// SetpointRecorder is implemented by sinks able to record setpoint delivery.
type SetpointRecorder interface {
	RecordSetpoint(ev SetpointEvent) error
}

// CycleFailure describes a discarded cycle.
type CycleFailure struct {
	Reason string
	Time   time.Time
}

// FailureRecorder is implemented by sinks able to record discarded cycles.
type FailureRecorder interface {
	RecordCycleFailure(ev CycleFailure) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordCycle(allocation.CycleResult) error { return nil }
func (NopSink) RecordSetpoint(SetpointEvent) error       { return nil }
func (NopSink) RecordCycleFailure(CycleFailure) error    { return nil }

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordCycle forwards the record to all sinks, returning the first error encountered.
func (m *MultiSink) RecordCycle(res allocation.CycleResult) error {
	for _, s := range m.Sinks {
		if err := s.RecordCycle(res); err != nil {
			return err
		}
	}
	return nil
}

// RecordSetpoint forwards setpoint events to sinks supporting them.
func (m *MultiSink) RecordSetpoint(ev SetpointEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(SetpointRecorder); ok {
			if err := rec.RecordSetpoint(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordCycleFailure forwards failures to sinks supporting them.
func (m *MultiSink) RecordCycleFailure(ev CycleFailure) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(FailureRecorder); ok {
			if err := rec.RecordCycleFailure(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
