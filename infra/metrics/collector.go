package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/loadguard/core/allocation"
	"github.com/kilianp07/loadguard/core/events"
	coremetrics "github.com/kilianp07/loadguard/core/metrics"
	"github.com/kilianp07/loadguard/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and records metrics for events.
// It stops when the context is canceled or the bus is closed.
func StartEventCollector(ctx context.Context, bus *eventbus.TypedBus[events.Event], sink coremetrics.MetricsSink) {
	if bus == nil || sink == nil {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				record(sink, ev)
			}
		}
	}()
}

func record(sink coremetrics.MetricsSink, ev events.Event) {
	switch e := ev.(type) {
	case events.CycleEvent:
		_ = sink.RecordCycle(e.Result)
	case events.SetpointEvent:
		if r, ok := sink.(coremetrics.SetpointRecorder); ok {
			errStr := ""
			if e.Err != nil {
				errStr = e.Err.Error()
			}
			_ = r.RecordSetpoint(coremetrics.SetpointEvent{
				CycleID:       e.CycleID,
				ChargepointID: e.ChargepointID,
				Current:       e.Current,
				Published:     e.Err == nil,
				Latency:       e.Latency,
				Error:         errStr,
				Time:          time.Now(),
			})
		}
	case events.CycleFailedEvent:
		if r, ok := sink.(coremetrics.FailureRecorder); ok {
			_ = r.RecordCycleFailure(coremetrics.CycleFailure{Reason: failureReason(e.Err), Time: e.Time})
		}
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, allocation.ErrInconsistentHierarchy):
		return "inconsistent_hierarchy"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
