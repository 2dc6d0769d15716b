package allocation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kilianp07/loadguard/core/logger"
	"github.com/kilianp07/loadguard/core/model"
	"github.com/kilianp07/loadguard/core/state"
	"github.com/kilianp07/loadguard/core/topology"
)

// cycle is the working state of one Engine.Run. It owns a private copy of
// the hierarchy; nothing is visible outside until the engine commits it.
type cycle struct {
	cfg     Config
	h       *topology.Hierarchy
	snap    state.Snapshot
	now     time.Time
	session *Session
	log     logger.Logger

	cps       map[int]model.Chargepoint
	measured  map[int]model.Phases
	paths     map[int][]string
	floors    map[string]model.Phases
	unmanaged map[string]model.Phases
	deltas    map[int]model.Phases
	status    map[int]Status
	result    CycleResult
}

func newCycle(cfg Config, h *topology.Hierarchy, snap state.Snapshot, now time.Time, log logger.Logger) *cycle {
	c := &cycle{
		cfg:       cfg,
		h:         h,
		snap:      snap,
		now:       now,
		session:   NewSession(now),
		log:       log,
		cps:       map[int]model.Chargepoint{},
		measured:  map[int]model.Phases{},
		paths:     map[int][]string{},
		floors:    map[string]model.Phases{},
		unmanaged: map[string]model.Phases{},
		deltas:    map[int]model.Phases{},
		status:    map[int]Status{},
	}
	for _, n := range h.Nodes() {
		c.floors[n.ID] = model.NewPhases(h.Phases())
	}
	return c
}

func (c *cycle) run() (CycleResult, error) {
	c.session.ResetCurrent()
	c.h.ResetReservations()
	active, err := c.collect()
	if err != nil {
		return CycleResult{}, err
	}
	c.computeUnmanaged()
	if err := c.distribute(c.admit(active)); err != nil {
		return CycleResult{}, err
	}
	return c.build(), nil
}

// collect reads every configured chargepoint from the snapshot. Missing
// records count as idle chargepoints without draw.
func (c *cycle) collect() ([]model.Chargepoint, error) {
	var active []model.Chargepoint
	for _, id := range c.h.Chargepoints() {
		cp, ok := c.snap.Chargepoints[id]
		if !ok {
			cp = model.Chargepoint{ID: id}
		}
		cp.Phases = c.h.Phases()
		path, err := c.h.NodesToCheck(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInconsistentHierarchy, err)
		}
		c.paths[id] = path
		m, fresh := cp.MeasuredCurrents(c.now, c.cfg.MaxReadingAge())
		c.measured[id] = m
		if !fresh && cp.Demand.Present() {
			c.result.MissingReadings = append(c.result.MissingReadings, id)
		}
		if !cp.Active() {
			c.session.assign(id, 0)
			c.status[id] = StatusIdle
			continue
		}
		cp = c.limitToDraw(cp)
		c.cps[id] = cp
		active = append(active, cp)
	}
	return active, nil
}

// limitToDraw caps the requirement of a chargepoint whose vehicle draws less
// than it was given last cycle, keeping a margin to ramp back up.
func (c *cycle) limitToDraw(cp model.Chargepoint) model.Chargepoint {
	if cp.TargetCurrent <= 0 {
		return cp
	}
	considered := ConsideredCurrent(cp, cp.TargetCurrent, cp.TargetCurrent, c.cfg, c.now)
	if considered >= cp.TargetCurrent {
		return cp
	}
	limit := math.Max(c.cfg.MinCurrent, considered+c.cfg.NominalDifference)
	req := cp.RequiredCurrents()
	if req.Max() <= limit {
		return cp
	}
	for i, r := range req {
		if r > limit {
			req[i] = limit
		}
	}
	d, _ := cp.Demand.Get()
	d.RequiredCurrents = req
	cp.Demand = model.Attached(d)
	c.status[cp.ID] = StatusReduced
	reducedChargepoints.Inc()
	c.log.Debugf("chargepoint %d draws %.1fA of %.1fA, limited to %.1fA", cp.ID, considered, cp.TargetCurrent, limit)
	return cp
}

// computeUnmanaged derives the load not caused by chargepoints from every
// fresh node reading.
func (c *cycle) computeUnmanaged() {
	for id, reading := range c.snap.Nodes {
		if _, ok := c.h.Node(id); !ok || len(reading.Currents) != c.h.Phases() {
			continue
		}
		if age := c.cfg.MaxReadingAge(); age > 0 && c.now.Sub(reading.At) > age {
			c.log.Warnf("reading of node %s is stale, ignoring", id)
			continue
		}
		managed := model.NewPhases(c.h.Phases())
		for cpID, path := range c.paths {
			if contains(path, id) {
				managed = managed.Add(c.measured[cpID])
			}
		}
		c.unmanaged[id] = reading.Currents.Sub(managed).ClampZero()
	}
}

// headroom is what a node can still carry above the floors admitted and the
// reservations made so far.
func (c *cycle) headroom(id string) model.Phases {
	n, _ := c.h.Node(id)
	free := n.Capacity.Sub(n.Reserved).Sub(c.floors[id])
	if u, ok := c.unmanaged[id]; ok {
		free = free.Sub(u)
	}
	return free
}

// admit grants the floor in order of session start. A chargepoint whose floor
// does not fit below every ancestor gets nothing this cycle.
func (c *cycle) admit(active []model.Chargepoint) []model.Chargepoint {
	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if !a.ChargeStart.Equal(b.ChargeStart) {
			if a.ChargeStart.IsZero() || b.ChargeStart.IsZero() {
				return b.ChargeStart.IsZero()
			}
			return a.ChargeStart.Before(b.ChargeStart)
		}
		return a.ID < b.ID
	})
	var admitted []model.Chargepoint
	for _, cp := range active {
		mins, _ := MinCurrent(cp, c.cfg.MinCurrent)
		blocked := ""
		for _, id := range c.paths[cp.ID] {
			if !mins.LessOrEqual(c.headroom(id)) {
				blocked = id
				break
			}
		}
		if blocked != "" {
			c.session.assign(cp.ID, 0)
			c.status[cp.ID] = StatusInfeasible
			c.result.Infeasible = append(c.result.Infeasible, cp.ID)
			infeasibleTotal.Inc()
			c.log.Warnf("chargepoint %d: floor of %.1fA does not fit below %s", cp.ID, c.cfg.MinCurrent, blocked)
			continue
		}
		for _, id := range c.paths[cp.ID] {
			c.floors[id] = c.floors[id].Add(mins)
		}
		admitted = append(admitted, cp)
	}
	return admitted
}

// distribute hands out the headroom above the floors. The most constrained
// node is served first; its chargepoints are filled from the smallest demand
// up, and every grant is tightened against the other nodes of its path.
func (c *cycle) distribute(admitted []model.Chargepoint) error {
	floor := c.cfg.MinCurrent
	pending := make(map[int]model.Chargepoint, len(admitted))
	for _, cp := range admitted {
		pending[cp.ID] = cp
	}
	for len(pending) > 0 {
		node := c.bottleneck(pending)
		group := c.below(node, pending)
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].RequiredCurrents().Max() < group[j].RequiredCurrents().Max()
		})
		for _, cp := range group {
			missing, counts := MissingCurrentsLeft(c.below(node, pending), floor)
			diff := AvailableCurrentForCP(cp, floor, counts, c.headroom(node), missing)
			prev, ok := c.session.SetCurrent(cp.ID)
			current := CurrentToSet(prev, ok, diff, floor)
			for _, id := range c.paths[cp.ID] {
				if id == node {
					continue
				}
				extra := math.Max(0, usedPhaseMin(c.headroom(id), cp.RequiredCurrents()))
				current = CurrentToSet(current, true, extra, floor)
			}
			delta, err := c.session.SetCurrentCounterDiff(c.h, floor, current, cp)
			if err != nil {
				return err
			}
			c.deltas[cp.ID] = delta
			if _, ok := c.status[cp.ID]; !ok {
				c.status[cp.ID] = StatusAllocated
			}
			delete(pending, cp.ID)
		}
	}
	return nil
}

// bottleneck returns the node with the smallest equal share per contender.
func (c *cycle) bottleneck(pending map[int]model.Chargepoint) string {
	seen := map[string]struct{}{}
	var ids []string
	for cpID := range pending {
		for _, id := range c.paths[cpID] {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	best, bestShare := "", math.Inf(1)
	for _, id := range ids {
		_, counts := MissingCurrentsLeft(c.below(id, pending), c.cfg.MinCurrent)
		avail := c.headroom(id)
		share := math.Inf(1)
		for i, n := range counts {
			if n > 0 {
				share = math.Min(share, avail[i]/float64(n))
			}
		}
		if best == "" || share < bestShare {
			best, bestShare = id, share
		}
	}
	return best
}

// below returns the pending chargepoints wired below node, ordered by id.
func (c *cycle) below(node string, pending map[int]model.Chargepoint) []model.Chargepoint {
	var res []model.Chargepoint
	for id, cp := range pending {
		if contains(c.paths[id], node) {
			res = append(res, cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (c *cycle) build() CycleResult {
	res := c.result
	res.ID = c.session.ID
	res.Start = c.now
	res.Allocations = make(map[int]Allocation, len(c.paths))
	for _, id := range c.h.Chargepoints() {
		current, _ := c.session.SetCurrent(id)
		currents := model.NewPhases(c.h.Phases())
		if cp, ok := c.cps[id]; ok {
			for i, r := range cp.RequiredCurrents() {
				if r > 0 {
					currents[i] = current
				}
			}
		}
		reserved, ok := c.deltas[id]
		if !ok {
			reserved = model.NewPhases(c.h.Phases())
		}
		res.Allocations[id] = Allocation{
			ChargepointID: id,
			Current:       current,
			Currents:      currents,
			Reserved:      reserved,
			Status:        c.status[id],
		}
	}
	res.Reservations = c.h.Nodes()
	return res
}

func contains(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}
