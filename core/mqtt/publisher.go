// Package mqtt defines the messages exchanged with chargepoints and meters
// and the interfaces the transport implements.
package mqtt

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/loadguard/core/model"
	"github.com/kilianp07/loadguard/core/topology"
)

// ErrPublishFailed is returned when a setpoint could not be handed to the
// broker after all retries.
var ErrPublishFailed = errors.New("setpoint publish failed")

// Setpoint is the current limit sent to a chargepoint after a committed cycle.
type Setpoint struct {
	ChargepointID int       `json:"chargepoint_id"`
	Current       float64   `json:"current"`
	Currents      []float64 `json:"currents"`
	CycleID       string    `json:"cycle_id"`
	Timestamp     int64     `json:"timestamp"`
}

// Publisher sends setpoints to chargepoints.
type Publisher interface {
	PublishSetpoint(ctx context.Context, sp Setpoint) error
}

// StateUpdater receives decoded readings and vehicle demands.
type StateUpdater interface {
	UpdateMeasurement(id int, currents model.Phases, at time.Time) error
	UpdateNodeMeasurement(node string, currents model.Phases, at time.Time) error
	AttachVehicle(id int, d model.VehicleDemand) error
	DetachVehicle(id int) error
}

// Configurer adds and removes chargepoints while the service runs.
type Configurer interface {
	ConfigureChargepoint(cfg topology.ChargepointConfig) error
	RemoveChargepoint(id int) error
}
