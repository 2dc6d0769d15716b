package allocation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kilianp07/loadguard/core/model"
	"github.com/kilianp07/loadguard/core/topology"
)

// ErrInconsistentHierarchy reports that a reservation could not be applied
// to every node above a chargepoint. The cycle result must be discarded.
var ErrInconsistentHierarchy = errors.New("inconsistent metering hierarchy")

// MinCurrent returns the guaranteed floor and the active count per phase of
// a chargepoint. Phases the vehicle does not use get 0 for both.
func MinCurrent(cp model.Chargepoint, floor float64) (model.Phases, []int) {
	required := cp.RequiredCurrents()
	mins := model.NewPhases(len(required))
	counts := make([]int, len(required))
	for i, r := range required {
		if r > 0 {
			mins[i] = floor
			counts[i] = 1
		}
	}
	return mins, counts
}

// MissingCurrentsLeft sums, per phase, the demand above the guaranteed floor
// and the number of active chargepoints. A chargepoint requiring less than
// the floor contributes no negative demand.
func MissingCurrentsLeft(cps []model.Chargepoint, floor float64) (model.Phases, []int) {
	n := model.DefaultPhaseCount
	if len(cps) > 0 {
		n = len(cps[0].RequiredCurrents())
	}
	missing := model.NewPhases(n)
	counts := make([]int, n)
	for _, cp := range cps {
		required := cp.RequiredCurrents()
		mins, c := MinCurrent(cp, floor)
		for i := 0; i < n && i < len(required); i++ {
			missing[i] += math.Max(0, required[i]-mins[i])
			counts[i] += c[i]
		}
	}
	return missing, counts
}

// SetCurrentCounterDiff assigns min(budget, max required) to the chargepoint
// and books the part above the floor on every node from the chargepoint up to
// the root. Nothing is assigned when the hierarchy rejects the reservation.
func (s *Session) SetCurrentCounterDiff(h *topology.Hierarchy, floor, budget float64, cp model.Chargepoint) (model.Phases, error) {
	required := cp.RequiredCurrents()
	current := math.Max(0, math.Min(budget, required.Max()))
	delta := model.NewPhases(len(required))
	for i, r := range required {
		if r > 0 {
			delta[i] = math.Max(0, current-floor)
		}
	}
	path, err := h.NodesToCheck(cp.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInconsistentHierarchy, err)
	}
	if err := h.UpdateReservation(path, delta); err != nil {
		return nil, fmt.Errorf("%w: chargepoint %d: %w", ErrInconsistentHierarchy, cp.ID, err)
	}
	s.assign(cp.ID, current)
	return delta, nil
}

// CurrentToSet returns floor+diff for a chargepoint without a decision in this
// cycle. Otherwise the lower of the previous decision and floor+diff wins, so
// repeated evaluation only ever tightens a decision.
func CurrentToSet(prev float64, prevSet bool, diff, floor float64) float64 {
	if !prevSet {
		return floor + diff
	}
	return math.Min(prev, floor+diff)
}

// AvailableCurrentForCP returns the current above the floor a chargepoint may
// take from a node: the equal share of the node's headroom on the worst used
// phase. The missing demand of all contenders and the chargepoint's own need
// only cap the share.
func AvailableCurrentForCP(cp model.Chargepoint, floor float64, counts []int, available, missing model.Phases) float64 {
	required := cp.RequiredCurrents()
	need := math.Max(0, required.Max()-floor)
	eligible := math.Inf(1)
	for i, r := range required {
		if r <= 0 || i >= len(counts) || counts[i] == 0 || i >= len(available) {
			continue
		}
		share := available[i] / float64(counts[i])
		if i < len(missing) {
			share = math.Min(share, missing[i])
		}
		eligible = math.Min(eligible, share)
	}
	if math.IsInf(eligible, 1) {
		return 0
	}
	return math.Max(0, math.Min(eligible, need))
}

// ConsideredCurrent returns the current a chargepoint is counted with for
// planning. With ConsiderLessCharging set it is always defaultCurrent.
// Otherwise a vehicle drawing less than setCurrent is counted with its lowest
// measured phase, except within the start grace window or when no fresh
// reading exists.
func ConsideredCurrent(cp model.Chargepoint, setCurrent, defaultCurrent float64, cfg Config, now time.Time) float64 {
	if cfg.ConsiderLessCharging {
		return defaultCurrent
	}
	if !cp.ChargeStart.IsZero() && now.Sub(cp.ChargeStart) < cfg.ChargeStartGrace() {
		return setCurrent
	}
	measured, ok := cp.MeasuredCurrents(now, cfg.MaxReadingAge())
	if !ok {
		return setCurrent
	}
	if m := usedPhaseMin(measured, cp.RequiredCurrents()); m < setCurrent {
		return m
	}
	return setCurrent
}

// usedPhaseMin is the lowest measured value over the phases the vehicle
// uses, or over all phases when none is known.
func usedPhaseMin(measured, required model.Phases) float64 {
	m := math.Inf(1)
	for i, r := range required {
		if r > 0 && i < len(measured) {
			m = math.Min(m, measured[i])
		}
	}
	if math.IsInf(m, 1) {
		return measured.Min()
	}
	return m
}
