package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/loadguard/core/model"
)

// ErrUnknownChargepoint is returned for updates addressed to a chargepoint
// that has not been configured.
var ErrUnknownChargepoint = errors.New("unknown chargepoint")

// NodeReading is the latest measurement of a physical metering node.
type NodeReading struct {
	Currents model.Phases `json:"currents"`
	At       time.Time    `json:"at"`
}

// Snapshot is a consistent copy of every input of one allocation cycle.
// Nothing in a snapshot is shared with the store.
type Snapshot struct {
	Taken        time.Time
	Chargepoints map[int]model.Chargepoint
	Nodes        map[string]NodeReading
}

// MemoryStore keeps the latest readings and demands. Device drivers update it
// concurrently; the control loop reads it through Snapshot.
type MemoryStore struct {
	mu     sync.RWMutex
	phases int
	cps    map[int]model.Chargepoint
	nodes  map[string]NodeReading
	now    func() time.Time
}

// NewMemoryStore returns an empty store for the given phase count.
func NewMemoryStore(phases int) *MemoryStore {
	if phases <= 0 {
		phases = model.DefaultPhaseCount
	}
	return &MemoryStore{
		phases: phases,
		cps:    map[int]model.Chargepoint{},
		nodes:  map[string]NodeReading{},
		now:    time.Now,
	}
}

// SetClock replaces the time source used for snapshots and session starts.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Configure creates the record of a chargepoint. Reconfiguring an existing
// chargepoint only moves it below another parent.
func (s *MemoryStore) Configure(id int, parent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[id]
	if !ok {
		cp = model.Chargepoint{ID: id, Phases: s.phases}
	}
	cp.Parent = parent
	s.cps[id] = cp
}

// Remove drops the record of an unconfigured chargepoint.
func (s *MemoryStore) Remove(id int) {
	s.mu.Lock()
	delete(s.cps, id)
	s.mu.Unlock()
}

// UpdateMeasurement stores the currents measured at a chargepoint.
func (s *MemoryStore) UpdateMeasurement(id int, currents model.Phases, at time.Time) error {
	if len(currents) != s.phases {
		return fmt.Errorf("chargepoint %d: expected %d phases, got %d", id, s.phases, len(currents))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[id]
	if !ok {
		return fmt.Errorf("chargepoint %d: %w", id, ErrUnknownChargepoint)
	}
	cp.Measured = currents.Clone()
	cp.MeasuredAt = at
	s.cps[id] = cp
	return nil
}

// UpdateNodeMeasurement stores the currents measured at a metering node.
func (s *MemoryStore) UpdateNodeMeasurement(node string, currents model.Phases, at time.Time) error {
	if len(currents) != s.phases {
		return fmt.Errorf("node %s: expected %d phases, got %d", node, s.phases, len(currents))
	}
	s.mu.Lock()
	s.nodes[node] = NodeReading{Currents: currents.Clone(), At: at}
	s.mu.Unlock()
	return nil
}

// AttachVehicle attaches a demand to a chargepoint. Attaching to an idle
// chargepoint starts a new charge session; updating the demand of a running
// session keeps its start time.
func (s *MemoryStore) AttachVehicle(id int, d model.VehicleDemand) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("chargepoint %d: %w", id, err)
	}
	if len(d.RequiredCurrents) != s.phases {
		return fmt.Errorf("chargepoint %d: expected %d phases, got %d", id, s.phases, len(d.RequiredCurrents))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[id]
	if !ok {
		return fmt.Errorf("chargepoint %d: %w", id, ErrUnknownChargepoint)
	}
	prev, attached := cp.Demand.Get()
	if !attached || prev.VehicleID != d.VehicleID {
		start := d.Since
		if start.IsZero() {
			start = s.now()
		}
		cp.ChargeStart = start
	}
	d.RequiredCurrents = d.RequiredCurrents.Clone()
	cp.Demand = model.Attached(d)
	s.cps[id] = cp
	return nil
}

// DetachVehicle ends the session of a chargepoint.
func (s *MemoryStore) DetachVehicle(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[id]
	if !ok {
		return fmt.Errorf("chargepoint %d: %w", id, ErrUnknownChargepoint)
	}
	cp.Demand = model.AttachedDemand{}
	cp.ChargeStart = time.Time{}
	cp.TargetCurrent = 0
	s.cps[id] = cp
	return nil
}

// CommitTargets records the final decision of a cycle so the next cycle can
// compare it against measured draw.
func (s *MemoryStore) CommitTargets(targets map[int]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range targets {
		if cp, ok := s.cps[id]; ok {
			cp.TargetCurrent = t
			s.cps[id] = cp
		}
	}
}

// Get returns a copy of one chargepoint record.
func (s *MemoryStore) Get(id int) (model.Chargepoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[id]
	if !ok {
		return model.Chargepoint{}, false
	}
	return cp.Clone(), true
}

// IDs returns the configured chargepoint ids in ascending order.
func (s *MemoryStore) IDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.cps))
	for id := range s.cps {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Snapshot returns a deep copy of all records taken under one read lock.
func (s *MemoryStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Taken:        s.now(),
		Chargepoints: make(map[int]model.Chargepoint, len(s.cps)),
		Nodes:        make(map[string]NodeReading, len(s.nodes)),
	}
	for id, cp := range s.cps {
		snap.Chargepoints[id] = cp.Clone()
	}
	for id, n := range s.nodes {
		snap.Nodes[id] = NodeReading{Currents: n.Currents.Clone(), At: n.At}
	}
	return snap
}
