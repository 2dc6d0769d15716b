package events

import (
	"time"

	"github.com/kilianp07/loadguard/core/allocation"
)

// CycleEvent is published once the result of a cycle has been committed.
type CycleEvent struct {
	Result allocation.CycleResult
}

// CycleFailedEvent is published when a cycle was discarded and the previous
// setpoints stay in force.
type CycleFailedEvent struct {
	Err  error
	Time time.Time
}
