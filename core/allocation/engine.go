package allocation

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/kilianp07/loadguard/core/logger"
	"github.com/kilianp07/loadguard/core/model"
	"github.com/kilianp07/loadguard/core/state"
	"github.com/kilianp07/loadguard/core/topology"
)

// Engine runs allocation cycles against the committed metering hierarchy.
// A cycle works on a copy and only replaces the committed hierarchy when it
// finished without error.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	hierarchy *topology.Hierarchy
	log       logger.Logger
	last      *CycleResult
	now       func() time.Time
}

// NewEngine validates the configuration and returns a ready engine.
func NewEngine(cfg Config, h *topology.Hierarchy, log logger.Logger) (*Engine, error) {
	if h == nil {
		return nil, errors.New("allocation: hierarchy required")
	}
	if log == nil {
		return nil, errors.New("allocation: logger required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, hierarchy: h.Clone(), log: log.Named("allocation"), now: time.Now}, nil
}

// Run executes one cycle on the given snapshot and commits its outcome.
// On error the previously committed state stays untouched.
func (e *Engine) Run(ctx context.Context, snap state.Snapshot) (CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return CycleResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	at := snap.Taken
	if at.IsZero() {
		at = start
	}
	c := newCycle(e.cfg, e.hierarchy.Clone(), snap, at, e.log)
	res, err := c.run()
	elapsed := e.now().Sub(start)
	cycleDuration.Observe(elapsed.Seconds())
	if err != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		e.log.Errorf("cycle %s discarded: %v", c.session.ID, err)
		return CycleResult{}, err
	}
	res.Duration = elapsed
	e.hierarchy = c.h
	e.last = &res
	cyclesTotal.WithLabelValues("ok").Inc()
	e.export(res)
	e.log.Debugw("cycle committed", map[string]any{
		"cycle":      res.ID,
		"infeasible": len(res.Infeasible),
		"missing":    len(res.MissingReadings),
		"duration":   elapsed.String(),
	})
	return res.clone(), nil
}

func (e *Engine) export(res CycleResult) {
	for id, a := range res.Allocations {
		setCurrentGauge.WithLabelValues(strconv.Itoa(id)).Set(a.Current)
	}
	for _, n := range res.Reservations {
		for i, v := range n.Reserved {
			reservedGauge.WithLabelValues(n.ID, strconv.Itoa(i+1)).Set(v)
		}
	}
}

// SetConsiderLessCharging switches reduction to measured draw off (true) or
// on (false) from the next cycle.
func (e *Engine) SetConsiderLessCharging(v bool) {
	e.mu.Lock()
	e.cfg.ConsiderLessCharging = v
	e.mu.Unlock()
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Phases returns the phase count of the hierarchy.
func (e *Engine) Phases() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hierarchy.Phases()
}

// Reservations returns the committed reservation of every node.
func (e *Engine) Reservations() []topology.NodeView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hierarchy.Nodes()
}

// LastResult returns the last committed cycle.
func (e *Engine) LastResult() (CycleResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return CycleResult{}, false
	}
	return e.last.clone(), true
}

// ConfigureChargepoint wires a chargepoint into the hierarchy. A chargepoint
// that is already wired is moved to the new parent and rating; on error the
// hierarchy is left unchanged.
func (e *Engine) ConfigureChargepoint(cfg topology.ChargepointConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.MaxCurrent <= 0 {
		cfg.MaxCurrent = topology.DefaultMaxCurrent
	}
	h := e.hierarchy.Clone()
	if h.HasChargepoint(cfg.ID) {
		if err := h.RemoveChargepoint(cfg.ID); err != nil {
			return err
		}
	}
	if err := h.AddChargepoint(cfg.ID, cfg.Parent, model.Uniform(h.Phases(), cfg.MaxCurrent)); err != nil {
		return err
	}
	e.hierarchy = h
	return nil
}

// RemoveChargepoint unwires a chargepoint. Its reservation disappears with
// its virtual node and is dropped from ancestors on the next cycle.
func (e *Engine) RemoveChargepoint(id int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hierarchy.RemoveChargepoint(id)
}

func (r CycleResult) clone() CycleResult {
	c := r
	c.Allocations = make(map[int]Allocation, len(r.Allocations))
	for id, a := range r.Allocations {
		a.Currents = a.Currents.Clone()
		a.Reserved = a.Reserved.Clone()
		c.Allocations[id] = a
	}
	c.Reservations = make([]topology.NodeView, len(r.Reservations))
	for i, n := range r.Reservations {
		n.Capacity = n.Capacity.Clone()
		n.Reserved = n.Reserved.Clone()
		c.Reservations[i] = n
	}
	c.Infeasible = append([]int(nil), r.Infeasible...)
	c.MissingReadings = append([]int(nil), r.MissingReadings...)
	return c
}
