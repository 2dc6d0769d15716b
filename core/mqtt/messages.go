package mqtt

import (
	"time"

	"github.com/kilianp07/loadguard/core/model"
)

// CurrentsMessage is a per-phase current reading of a chargepoint or meter.
// Timestamp is in Unix milliseconds; zero means the time of receipt.
type CurrentsMessage struct {
	Currents  []float64 `json:"currents"`
	Timestamp int64     `json:"timestamp"`
}

// At returns the reading time, falling back to now.
func (m CurrentsMessage) At(now time.Time) time.Time {
	if m.Timestamp == 0 {
		return now
	}
	return time.UnixMilli(m.Timestamp)
}

// VehicleMessage announces the vehicle plugged into a chargepoint. A message
// with Connected false ends the session.
type VehicleMessage struct {
	Connected        bool      `json:"connected"`
	VehicleID        string    `json:"vehicle_id"`
	RequiredCurrents []float64 `json:"required_currents"`
	RequiredCurrent  float64   `json:"required_current"`
	Since            int64     `json:"since"`
}

// Demand converts the message into a vehicle demand.
func (m VehicleMessage) Demand() model.VehicleDemand {
	d := model.VehicleDemand{
		VehicleID:        m.VehicleID,
		RequiredCurrents: model.Phases(m.RequiredCurrents).Clone(),
		RequiredCurrent:  m.RequiredCurrent,
	}
	if m.Since > 0 {
		d.Since = time.UnixMilli(m.Since)
	}
	return d
}

// ChargepointConfigMessage declares or removes a chargepoint at runtime.
type ChargepointConfigMessage struct {
	Parent     string  `json:"parent"`
	MaxCurrent float64 `json:"max_current"`
	Removed    bool    `json:"removed"`
}
