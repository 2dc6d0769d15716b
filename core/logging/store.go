// Package logging persists one record per committed allocation cycle and
// answers time and chargepoint filtered queries over them.
package logging

import (
	"context"
	"time"

	"github.com/kilianp07/loadguard/core/allocation"
	"github.com/kilianp07/loadguard/core/topology"
)

// LogRecord captures one committed cycle and the outcome of its setpoints.
type LogRecord struct {
	Timestamp       time.Time               `json:"timestamp"`
	CycleID         string                  `json:"cycle_id"`
	DurationMS      float64                 `json:"duration_ms"`
	Allocations     []allocation.Allocation `json:"allocations"`
	Reservations    []topology.NodeView     `json:"reservations"`
	Infeasible      []int                   `json:"infeasible,omitempty"`
	MissingReadings []int                   `json:"missing_readings,omitempty"`
	SetpointErrors  map[int]string          `json:"setpoint_errors,omitempty"`
}

// NewRecord builds the log record of a cycle. errs holds the setpoints that
// could not be delivered.
func NewRecord(res allocation.CycleResult, errs map[int]error) LogRecord {
	rec := LogRecord{
		Timestamp:       res.Start,
		CycleID:         res.ID,
		DurationMS:      float64(res.Duration) / float64(time.Millisecond),
		Allocations:     res.Sorted(),
		Reservations:    res.Reservations,
		Infeasible:      res.Infeasible,
		MissingReadings: res.MissingReadings,
	}
	for id, err := range errs {
		if err == nil {
			continue
		}
		if rec.SetpointErrors == nil {
			rec.SetpointErrors = map[int]string{}
		}
		rec.SetpointErrors[id] = err.Error()
	}
	return rec
}

// Allocation returns the decision for one chargepoint within the record.
func (r LogRecord) Allocation(id int) (allocation.Allocation, bool) {
	for _, a := range r.Allocations {
		if a.ChargepointID == id {
			return a, true
		}
	}
	return allocation.Allocation{}, false
}

// LogQuery defines filters for retrieving records. Zero values match all.
type LogQuery struct {
	Start         time.Time
	End           time.Time
	ChargepointID *int
	Limit         int
}

func (q LogQuery) matchesTime(ts time.Time) bool {
	if !q.Start.IsZero() && ts.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && ts.After(q.End) {
		return false
	}
	return true
}

func (q LogQuery) matches(r LogRecord) bool {
	if !q.matchesTime(r.Timestamp) {
		return false
	}
	if q.ChargepointID != nil {
		if _, ok := r.Allocation(*q.ChargepointID); !ok {
			return false
		}
	}
	return true
}

// limit truncates res to the newest q.Limit records.
func (q LogQuery) limit(res []LogRecord) []LogRecord {
	if q.Limit > 0 && len(res) > q.Limit {
		return res[len(res)-q.Limit:]
	}
	return res
}

// LogStore persists LogRecords and supports querying.
type LogStore interface {
	Append(ctx context.Context, rec LogRecord) error
	Query(ctx context.Context, q LogQuery) ([]LogRecord, error)
	Close() error
}
