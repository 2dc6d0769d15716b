package topology

import (
	"fmt"

	"github.com/kilianp07/loadguard/core/model"
)

// DefaultMaxCurrent is the connection rating assumed when none is configured.
const DefaultMaxCurrent = 32.0

// Config describes the metering tree as wired on site.
type Config struct {
	Phases       int                 `json:"phases"`
	Nodes        []NodeConfig        `json:"nodes"`
	Chargepoints []ChargepointConfig `json:"chargepoints"`
}

// NodeConfig declares a metering node. Capacity is given per phase in A.
type NodeConfig struct {
	ID       string    `json:"id"`
	Parent   string    `json:"parent"`
	Capacity []float64 `json:"capacity"`
}

// ChargepointConfig declares a chargepoint and the node it is wired below.
// MaxCurrent is the rating of the connection, applied to every phase.
type ChargepointConfig struct {
	ID         int     `json:"id"`
	Parent     string  `json:"parent"`
	MaxCurrent float64 `json:"max_current"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Phases <= 0 {
		c.Phases = model.DefaultPhaseCount
	}
	for i := range c.Chargepoints {
		if c.Chargepoints[i].MaxCurrent <= 0 {
			c.Chargepoints[i].MaxCurrent = DefaultMaxCurrent
		}
	}
}

// Validate checks that the tree can be built.
func (c Config) Validate() error {
	_, err := Build(c)
	return err
}

// Build constructs a Hierarchy from cfg. Nodes may be listed in any order.
func Build(cfg Config) (*Hierarchy, error) {
	h := New(cfg.Phases)
	pending := append([]NodeConfig(nil), cfg.Nodes...)
	for len(pending) > 0 {
		var next []NodeConfig
		for _, n := range pending {
			if n.Parent != "" {
				if _, ok := h.nodes[n.Parent]; !ok {
					next = append(next, n)
					continue
				}
			}
			if err := h.AddNode(n.ID, n.Parent, model.Phases(n.Capacity)); err != nil {
				return nil, err
			}
		}
		if len(next) == len(pending) {
			return nil, fmt.Errorf("node %s: parent %s: %w", next[0].ID, next[0].Parent, ErrUnknownNode)
		}
		pending = next
	}
	for _, cp := range cfg.Chargepoints {
		if err := h.AddChargepoint(cp.ID, cp.Parent, model.Uniform(h.phases, cp.MaxCurrent)); err != nil {
			return nil, err
		}
	}
	return h, nil
}
