package topology

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kilianp07/loadguard/core/model"
)

var (
	// ErrUnknownNode is returned when a node id is not part of the hierarchy.
	ErrUnknownNode = errors.New("unknown metering node")
	// ErrUnknownChargepoint is returned for chargepoints without a virtual node.
	ErrUnknownChargepoint = errors.New("unknown chargepoint")
	// ErrPhaseMismatch is returned when a quantity has the wrong number of phases.
	ErrPhaseMismatch = errors.New("phase count mismatch")
	// ErrDuplicateNode is returned when a node id is registered twice.
	ErrDuplicateNode = errors.New("duplicate metering node")
)

// ChargepointNodeID returns the id of the virtual node of a chargepoint.
func ChargepointNodeID(cpID int) string {
	return fmt.Sprintf("cp%d", cpID)
}

// Hierarchy is the metering tree from the main supply down to the virtual
// node of every chargepoint. Nodes live in a registry keyed by id; edges are
// parent ids. A Hierarchy is not safe for concurrent use; the allocation
// engine is its only writer.
type Hierarchy struct {
	phases int
	root   string
	nodes  map[string]*Node
	cps    map[int]string
}

// New returns an empty hierarchy for the given number of phases.
func New(phases int) *Hierarchy {
	if phases <= 0 {
		phases = model.DefaultPhaseCount
	}
	return &Hierarchy{phases: phases, nodes: make(map[string]*Node), cps: make(map[int]string)}
}

// Phases returns the phase count all quantities of the hierarchy use.
func (h *Hierarchy) Phases() int { return h.phases }

// Root returns the id of the root node, or "" for an empty hierarchy.
func (h *Hierarchy) Root() string { return h.root }

// AddNode registers a metering node below parent. An empty parent declares the
// root; only one root is allowed and parents must exist before children.
func (h *Hierarchy) AddNode(id, parent string, capacity model.Phases) error {
	return h.add(&Node{ID: id, Parent: parent, Capacity: capacity.Clone()})
}

// AddChargepoint registers the virtual node of a chargepoint below parent.
func (h *Hierarchy) AddChargepoint(cpID int, parent string, capacity model.Phases) error {
	if parent == "" {
		return fmt.Errorf("chargepoint %d: parent node required", cpID)
	}
	if _, ok := h.cps[cpID]; ok {
		return fmt.Errorf("chargepoint %d: %w", cpID, ErrDuplicateNode)
	}
	id := cpID
	n := &Node{ID: ChargepointNodeID(cpID), Parent: parent, Capacity: capacity.Clone(), chargepoint: &id}
	if err := h.add(n); err != nil {
		return err
	}
	h.cps[cpID] = n.ID
	return nil
}

func (h *Hierarchy) add(n *Node) error {
	if n.ID == "" {
		return errors.New("node id required")
	}
	if _, ok := h.nodes[n.ID]; ok {
		return fmt.Errorf("%s: %w", n.ID, ErrDuplicateNode)
	}
	if len(n.Capacity) != h.phases {
		return fmt.Errorf("node %s capacity: %w", n.ID, ErrPhaseMismatch)
	}
	if n.Parent == "" {
		if h.root != "" {
			return fmt.Errorf("node %s: root already set to %s", n.ID, h.root)
		}
		h.root = n.ID
	} else if _, ok := h.nodes[n.Parent]; !ok {
		return fmt.Errorf("parent %s of %s: %w", n.Parent, n.ID, ErrUnknownNode)
	}
	n.reserved = model.NewPhases(h.phases)
	h.nodes[n.ID] = n
	return nil
}

// RemoveChargepoint drops the virtual node of an unconfigured chargepoint.
func (h *Hierarchy) RemoveChargepoint(cpID int) error {
	id, ok := h.cps[cpID]
	if !ok {
		return fmt.Errorf("chargepoint %d: %w", cpID, ErrUnknownChargepoint)
	}
	delete(h.nodes, id)
	delete(h.cps, cpID)
	return nil
}

// NodesToCheck returns the ids of every node whose budget a chargepoint
// draws from, ordered from its own virtual node up to the root.
func (h *Hierarchy) NodesToCheck(cpID int) ([]string, error) {
	id, ok := h.cps[cpID]
	if !ok {
		return nil, fmt.Errorf("chargepoint %d: %w", cpID, ErrUnknownChargepoint)
	}
	var path []string
	for id != "" {
		n, ok := h.nodes[id]
		if !ok {
			return nil, fmt.Errorf("%s: %w", id, ErrUnknownNode)
		}
		path = append(path, id)
		if len(path) > len(h.nodes) {
			return nil, fmt.Errorf("cycle above chargepoint %d", cpID)
		}
		id = n.Parent
	}
	return path, nil
}

// UpdateReservation adds delta to the reservation of every node in path.
// All ids and the phase count are checked before any node is touched, so the
// update applies to the whole path or not at all.
func (h *Hierarchy) UpdateReservation(path []string, delta model.Phases) error {
	if len(delta) != h.phases {
		return fmt.Errorf("reservation delta: %w", ErrPhaseMismatch)
	}
	nodes := make([]*Node, 0, len(path))
	for _, id := range path {
		n, ok := h.nodes[id]
		if !ok {
			return fmt.Errorf("reservation on %s: %w", id, ErrUnknownNode)
		}
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		n.reserved = n.reserved.Add(delta)
	}
	return nil
}

// ResetReservations clears the reservation of every node.
func (h *Hierarchy) ResetReservations() {
	for _, n := range h.nodes {
		n.reserved = model.NewPhases(h.phases)
	}
}

// Node returns a copy of the node with the given id.
func (h *Hierarchy) Node(id string) (NodeView, bool) {
	n, ok := h.nodes[id]
	if !ok {
		return NodeView{}, false
	}
	return view(n), true
}

// Nodes returns a copy of every node sorted by id.
func (h *Hierarchy) Nodes() []NodeView {
	res := make([]NodeView, 0, len(h.nodes))
	for _, n := range h.nodes {
		res = append(res, view(n))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Chargepoints returns the ids of all configured chargepoints in ascending order.
func (h *Hierarchy) Chargepoints() []int {
	ids := make([]int, 0, len(h.cps))
	for id := range h.cps {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// HasChargepoint reports whether the chargepoint has a virtual node.
func (h *Hierarchy) HasChargepoint(cpID int) bool {
	_, ok := h.cps[cpID]
	return ok
}

// Clone returns a deep copy, reservations included.
func (h *Hierarchy) Clone() *Hierarchy {
	c := &Hierarchy{
		phases: h.phases,
		root:   h.root,
		nodes:  make(map[string]*Node, len(h.nodes)),
		cps:    make(map[int]string, len(h.cps)),
	}
	for id, n := range h.nodes {
		c.nodes[id] = n.clone()
	}
	for id, n := range h.cps {
		c.cps[id] = n
	}
	return c
}

func view(n *Node) NodeView {
	return NodeView{ID: n.ID, Parent: n.Parent, Capacity: n.Capacity.Clone(), Reserved: n.reserved.Clone()}
}
