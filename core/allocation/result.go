package allocation

import (
	"sort"
	"time"

	"github.com/kilianp07/loadguard/core/model"
	"github.com/kilianp07/loadguard/core/topology"
)

// Status explains how a chargepoint's current was decided.
type Status string

const (
	// StatusIdle means no vehicle demand was present.
	StatusIdle Status = "idle"
	// StatusAllocated means the floor plus a share of the headroom was granted.
	StatusAllocated Status = "allocated"
	// StatusReduced means the allocation was limited to the measured draw.
	StatusReduced Status = "reduced"
	// StatusInfeasible means even the floor did not fit below some node.
	StatusInfeasible Status = "infeasible"
)

// Allocation is the decision for one chargepoint.
type Allocation struct {
	ChargepointID int          `json:"chargepoint_id"`
	Current       float64      `json:"current"`
	Currents      model.Phases `json:"currents"`
	Reserved      model.Phases `json:"reserved"`
	Status        Status       `json:"status"`
}

// CycleResult is the committed outcome of one cycle.
type CycleResult struct {
	ID              string              `json:"id"`
	Start           time.Time           `json:"start"`
	Duration        time.Duration       `json:"duration"`
	Allocations     map[int]Allocation  `json:"allocations"`
	Reservations    []topology.NodeView `json:"reservations"`
	Infeasible      []int               `json:"infeasible,omitempty"`
	MissingReadings []int               `json:"missing_readings,omitempty"`
}

// Sorted returns the allocations ordered by chargepoint id.
func (r CycleResult) Sorted() []Allocation {
	res := make([]Allocation, 0, len(r.Allocations))
	for _, a := range r.Allocations {
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ChargepointID < res[j].ChargepointID })
	return res
}

// Targets returns the decided current per chargepoint.
func (r CycleResult) Targets() map[int]float64 {
	res := make(map[int]float64, len(r.Allocations))
	for id, a := range r.Allocations {
		res[id] = a.Current
	}
	return res
}
