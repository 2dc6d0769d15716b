package scenario

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/kilianp07/loadguard/core/allocation"
	"github.com/kilianp07/loadguard/core/logger"
	coremqtt "github.com/kilianp07/loadguard/core/mqtt"
	"github.com/kilianp07/loadguard/core/state"
	"github.com/kilianp07/loadguard/core/topology"
)

// Start is the virtual time of the first step.
var Start = time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)

// FailingPublisher is a Publisher whose failures can be scripted per
// chargepoint.
type FailingPublisher interface {
	coremqtt.Publisher
	Fail(id int, fail bool)
}

// StepResult is the outcome of the cycle following one step.
type StepResult struct {
	Step       int
	At         time.Time
	Result     allocation.CycleResult
	Failed     map[int]error
	Mismatches []string
}

// Run replays the scenario and returns one result per step. Expectation
// mismatches are reported in the results, not as errors.
func Run(ctx context.Context, sc *Scenario, pub FailingPublisher, log logger.Logger) ([]StepResult, error) {
	topo := sc.Topology()
	h, err := topology.Build(topo)
	if err != nil {
		return nil, err
	}
	engine, err := allocation.NewEngine(sc.Allocation.ToConfig(), h, log)
	if err != nil {
		return nil, err
	}
	now := Start
	store := state.NewMemoryStore(topo.Phases)
	store.SetClock(func() time.Time { return now })
	for _, cp := range topo.Chargepoints {
		store.Configure(cp.ID, cp.Parent)
	}

	results := make([]StepResult, 0, len(sc.Steps))
	var failing []int
	for i, st := range sc.Steps {
		now = Start.Add(time.Duration(st.AtSeconds) * time.Second)
		if err := apply(store, st, now); err != nil {
			return results, fmt.Errorf("step %d: %w", i, err)
		}
		for _, id := range failing {
			pub.Fail(id, false)
		}
		failing = st.FailSetpoints
		for _, id := range failing {
			pub.Fail(id, true)
		}

		res, err := engine.Run(ctx, store.Snapshot())
		if err != nil {
			return results, fmt.Errorf("step %d: %w", i, err)
		}
		sr := StepResult{Step: i, At: now, Result: res, Failed: map[int]error{}}
		for _, a := range res.Sorted() {
			err := pub.PublishSetpoint(ctx, coremqtt.Setpoint{
				ChargepointID: a.ChargepointID,
				Current:       a.Current,
				Currents:      a.Currents.Clone(),
				CycleID:       res.ID,
				Timestamp:     now.UnixMilli(),
			})
			if err != nil {
				sr.Failed[a.ChargepointID] = err
			}
		}
		store.CommitTargets(res.Targets())
		sr.Mismatches = check(st, res)
		results = append(results, sr)
	}
	return results, nil
}

func apply(store *state.MemoryStore, st Step, now time.Time) error {
	for _, id := range st.Detach {
		if err := store.DetachVehicle(id); err != nil {
			return err
		}
	}
	for _, v := range st.Vehicles {
		if err := store.AttachVehicle(v.Chargepoint, v.ToModel(now)); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(st.Measurements) {
		if err := store.UpdateMeasurement(id, st.Measurements[id], now); err != nil {
			return err
		}
	}
	for node, currents := range st.Meters {
		if err := store.UpdateNodeMeasurement(node, currents, now); err != nil {
			return err
		}
	}
	return nil
}

func check(st Step, res allocation.CycleResult) []string {
	var out []string
	for _, id := range sortedKeys(st.Expect) {
		want := st.Expect[id]
		a, ok := res.Allocations[id]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("chargepoint %d: no allocation", id))
		case !scalar.EqualWithinAbs(a.Current, want, 1e-6):
			out = append(out, fmt.Sprintf("chargepoint %d: got %.2fA, want %.2fA", id, a.Current, want))
		}
	}
	for _, id := range sortedKeys(st.ExpectStatus) {
		want := allocation.Status(st.ExpectStatus[id])
		if got := res.Allocations[id].Status; got != want {
			out = append(out, fmt.Sprintf("chargepoint %d: status %s, want %s", id, got, want))
		}
	}
	return out
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
