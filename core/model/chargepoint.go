package model

import "time"

// Chargepoint is the per-station record the allocation engine reads. The
// current decided during a cycle is not part of the record; it lives in the
// cycle's allocation session.
type Chargepoint struct {
	ID     int
	Parent string // metering node the chargepoint is wired below
	Phases int

	Measured   Phases
	MeasuredAt time.Time

	Demand AttachedDemand

	// TargetCurrent is the final decision of the previous cycle.
	TargetCurrent float64
	// ChargeStart is when the present session began. Zero when idle.
	ChargeStart time.Time
}

// RequiredCurrents returns the per-phase requirement of the attached vehicle,
// or zero on every phase when no vehicle is attached.
func (c Chargepoint) RequiredCurrents() Phases {
	if d, ok := c.Demand.Get(); ok && len(d.RequiredCurrents) == c.phaseCount() {
		return d.RequiredCurrents.Clone()
	}
	return NewPhases(c.phaseCount())
}

// RequiredCurrent returns the overall requirement of the attached vehicle.
func (c Chargepoint) RequiredCurrent() float64 {
	if d, ok := c.Demand.Get(); ok {
		return d.RequiredCurrent
	}
	return 0
}

// Active reports whether a vehicle is attached and requires current on at
// least one phase.
func (c Chargepoint) Active() bool {
	return !c.RequiredCurrents().IsZero()
}

// MeasuredCurrents returns the last reading, or zeros when the reading is
// missing or older than maxAge. A non-positive maxAge disables the age check.
func (c Chargepoint) MeasuredCurrents(now time.Time, maxAge time.Duration) (Phases, bool) {
	n := c.phaseCount()
	if len(c.Measured) != n || c.MeasuredAt.IsZero() {
		return NewPhases(n), false
	}
	if maxAge > 0 && now.Sub(c.MeasuredAt) > maxAge {
		return NewPhases(n), false
	}
	return c.Measured.Clone(), true
}

// Clone returns a deep copy of the record.
func (c Chargepoint) Clone() Chargepoint {
	cp := c
	cp.Measured = c.Measured.Clone()
	cp.Demand = c.Demand.Clone()
	return cp
}

func (c Chargepoint) phaseCount() int {
	if c.Phases > 0 {
		return c.Phases
	}
	return DefaultPhaseCount
}
