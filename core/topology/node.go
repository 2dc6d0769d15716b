package topology

import "github.com/kilianp07/loadguard/core/model"

// Node is one metering point of the installation: the main supply, a
// sub-distribution or the virtual meter of a single chargepoint.
type Node struct {
	ID       string
	Parent   string // empty for the root
	Capacity model.Phases

	// chargepoint is set for virtual chargepoint nodes.
	chargepoint *int
	reserved    model.Phases
}

// Reserved returns the current accounted above-minimum allocation of all
// chargepoints below the node.
func (n *Node) Reserved() model.Phases {
	return n.reserved.Clone()
}

// Chargepoint returns the chargepoint id of a virtual node.
func (n *Node) Chargepoint() (int, bool) {
	if n.chargepoint == nil {
		return 0, false
	}
	return *n.chargepoint, true
}

func (n *Node) clone() *Node {
	c := *n
	c.Capacity = n.Capacity.Clone()
	c.reserved = n.reserved.Clone()
	if n.chargepoint != nil {
		id := *n.chargepoint
		c.chargepoint = &id
	}
	return &c
}

// NodeView is a read-only copy of a node's committed values.
type NodeView struct {
	ID       string       `json:"id"`
	Parent   string       `json:"parent,omitempty"`
	Capacity model.Phases `json:"capacity"`
	Reserved model.Phases `json:"reserved"`
}
