// Package scenario replays scripted sequences of vehicle demands and meter
// readings through the allocation engine on a virtual clock.
package scenario

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/loadguard/core/allocation"
	"github.com/kilianp07/loadguard/core/model"
	"github.com/kilianp07/loadguard/core/topology"
)

type NodeDef struct {
	ID       string    `yaml:"id"`
	Parent   string    `yaml:"parent,omitempty"`
	Capacity []float64 `yaml:"capacity"`
}

type ChargepointDef struct {
	ID         int     `yaml:"id"`
	Parent     string  `yaml:"parent"`
	MaxCurrent float64 `yaml:"max_current,omitempty"`
}

type AllocationDef struct {
	MinCurrent              float64 `yaml:"min_current,omitempty"`
	ConsiderLessCharging    bool    `yaml:"consider_less_charging,omitempty"`
	ChargeStartGraceSeconds int     `yaml:"charge_start_grace_seconds,omitempty"`
	NominalDifference       float64 `yaml:"nominal_difference,omitempty"`
	MaxReadingAgeSeconds    int     `yaml:"max_reading_age_seconds,omitempty"`
}

// ToConfig returns the engine configuration with defaults applied.
func (a AllocationDef) ToConfig() allocation.Config {
	cfg := allocation.Config{
		MinCurrent:              a.MinCurrent,
		ConsiderLessCharging:    a.ConsiderLessCharging,
		ChargeStartGraceSeconds: a.ChargeStartGraceSeconds,
		NominalDifference:       a.NominalDifference,
		MaxReadingAgeSeconds:    a.MaxReadingAgeSeconds,
	}
	cfg.SetDefaults()
	return cfg
}

// VehicleDef plugs a vehicle into a chargepoint.
type VehicleDef struct {
	Chargepoint int       `yaml:"chargepoint"`
	ID          string    `yaml:"id"`
	Required    []float64 `yaml:"required"`
}

func (v VehicleDef) ToModel(at time.Time) model.VehicleDemand {
	return model.VehicleDemand{
		VehicleID:        v.ID,
		RequiredCurrents: model.Phases(v.Required).Clone(),
		Since:            at,
	}
}

// Step is applied at AtSeconds after the scenario start and followed by one
// allocation cycle.
type Step struct {
	AtSeconds     int                   `yaml:"at_seconds"`
	Vehicles      []VehicleDef          `yaml:"vehicles,omitempty"`
	Detach        []int                 `yaml:"detach,omitempty"`
	Measurements  map[int][]float64     `yaml:"measurements,omitempty"`
	Meters        map[string][]float64  `yaml:"meters,omitempty"`
	FailSetpoints []int                 `yaml:"fail_setpoints,omitempty"`
	Expect        map[int]float64       `yaml:"expect,omitempty"`
	ExpectStatus  map[int]string        `yaml:"expect_status,omitempty"`
}

type Scenario struct {
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description,omitempty"`
	Phases       int              `yaml:"phases,omitempty"`
	Allocation   AllocationDef    `yaml:"allocation,omitempty"`
	Nodes        []NodeDef        `yaml:"nodes"`
	Chargepoints []ChargepointDef `yaml:"chargepoints"`
	Steps        []Step           `yaml:"steps"`
}

// Topology returns the metering tree of the scenario with defaults applied.
func (s Scenario) Topology() topology.Config {
	cfg := topology.Config{Phases: s.Phases}
	for _, n := range s.Nodes {
		cfg.Nodes = append(cfg.Nodes, topology.NodeConfig{ID: n.ID, Parent: n.Parent, Capacity: n.Capacity})
	}
	for _, cp := range s.Chargepoints {
		cfg.Chargepoints = append(cfg.Chargepoints, topology.ChargepointConfig{ID: cp.ID, Parent: cp.Parent, MaxCurrent: cp.MaxCurrent})
	}
	cfg.SetDefaults()
	return cfg
}

// Validate checks that the scenario can be replayed.
func (s Scenario) Validate() error {
	if err := s.Topology().Validate(); err != nil {
		return fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	if err := s.Allocation.ToConfig().Validate(); err != nil {
		return fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	last := -1
	for i, st := range s.Steps {
		if st.AtSeconds < last {
			return fmt.Errorf("scenario %s: step %d goes back in time", s.Name, i)
		}
		last = st.AtSeconds
	}
	return nil
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}
