package model

import (
	"fmt"
	"time"
)

// VehicleDemand is the current requirement of the vehicle plugged into a
// chargepoint, derived from its charging profile.
type VehicleDemand struct {
	VehicleID        string
	RequiredCurrents Phases  // per-phase requirement, 0 on unused phases
	RequiredCurrent  float64 // overall requirement in A
	Since            time.Time
}

// Validate checks that the demand carries a sane per-phase requirement.
func (d VehicleDemand) Validate() error {
	if len(d.RequiredCurrents) == 0 {
		return fmt.Errorf("required currents missing for vehicle %q", d.VehicleID)
	}
	for i, c := range d.RequiredCurrents {
		if c < 0 {
			return fmt.Errorf("negative required current %.2f on phase %d", c, i+1)
		}
	}
	if d.RequiredCurrent < 0 {
		return fmt.Errorf("negative required current %.2f", d.RequiredCurrent)
	}
	return nil
}

// AttachedDemand is the optional demand of a chargepoint. The zero value
// means no vehicle is attached.
type AttachedDemand struct {
	demand  VehicleDemand
	present bool
}

// Attached wraps d as a present demand.
func Attached(d VehicleDemand) AttachedDemand {
	return AttachedDemand{demand: d, present: true}
}

// Get returns the attached demand and whether a vehicle is attached.
func (a AttachedDemand) Get() (VehicleDemand, bool) {
	return a.demand, a.present
}

// Present reports whether a vehicle is attached.
func (a AttachedDemand) Present() bool { return a.present }

// Clone returns a deep copy.
func (a AttachedDemand) Clone() AttachedDemand {
	if !a.present {
		return AttachedDemand{}
	}
	d := a.demand
	d.RequiredCurrents = d.RequiredCurrents.Clone()
	return Attached(d)
}
