package events

import "time"

// SetpointEvent is published for each setpoint sent to a chargepoint.
type SetpointEvent struct {
	CycleID       string
	ChargepointID int
	Current       float64
	Err           error
	Latency       time.Duration
}
