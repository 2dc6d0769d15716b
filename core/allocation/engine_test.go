package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/loadguard/core/model"
	"github.com/kilianp07/loadguard/core/state"
	"github.com/kilianp07/loadguard/core/topology"
	"github.com/kilianp07/loadguard/infra/logger"
)

var cycleTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, topo topology.Config) *Engine {
	t.Helper()
	ResetMetrics(prometheus.NewRegistry())
	topo.SetDefaults()
	h, err := topology.Build(topo)
	require.NoError(t, err)
	e, err := NewEngine(testConfig(), h, logger.NopLogger{})
	require.NoError(t, err)
	return e
}

func snapshot(cps ...model.Chargepoint) state.Snapshot {
	snap := state.Snapshot{
		Taken:        cycleTime,
		Chargepoints: map[int]model.Chargepoint{},
		Nodes:        map[string]state.NodeReading{},
	}
	for _, cp := range cps {
		snap.Chargepoints[cp.ID] = cp
	}
	return snap
}

func charging(id int, since time.Duration, required ...float64) model.Chargepoint {
	cp := chargepoint(id, required...)
	cp.ChargeStart = cycleTime.Add(-since)
	return cp
}

func garageTopology() topology.Config {
	return topology.Config{
		Nodes: []topology.NodeConfig{
			{ID: "main", Capacity: []float64{32, 32, 32}},
			{ID: "garage", Parent: "main", Capacity: []float64{20, 20, 20}},
		},
		Chargepoints: []topology.ChargepointConfig{
			{ID: 1, Parent: "garage"},
			{ID: 2, Parent: "garage"},
			{ID: 3, Parent: "main"},
		},
	}
}

func reservedOf(t *testing.T, views []topology.NodeView, id string) model.Phases {
	t.Helper()
	for _, v := range views {
		if v.ID == id {
			return v.Reserved
		}
	}
	t.Fatalf("node %s not found", id)
	return nil
}

func TestEngineRespectsEveryNode(t *testing.T) {
	e := newTestEngine(t, garageTopology())
	res, err := e.Run(context.Background(), snapshot(
		charging(1, time.Hour, 16, 16, 16),
		charging(2, time.Hour, 16, 16, 16),
		charging(3, time.Hour, 16, 16, 16),
	))
	require.NoError(t, err)

	assert.Equal(t, 10.0, res.Allocations[1].Current)
	assert.Equal(t, 10.0, res.Allocations[2].Current)
	assert.Equal(t, 12.0, res.Allocations[3].Current)
	for _, id := range []int{1, 2, 3} {
		assert.Equal(t, StatusAllocated, res.Allocations[id].Status)
	}

	assert.Equal(t, model.Phases{8, 8, 8}, reservedOf(t, res.Reservations, "garage"))
	assert.Equal(t, model.Phases{14, 14, 14}, reservedOf(t, res.Reservations, "main"))
	assert.Equal(t, model.Phases{4, 4, 4}, reservedOf(t, res.Reservations, "cp1"))
	assert.Equal(t, res.Reservations, e.Reservations())

	garage := res.Allocations[1].Currents.Add(res.Allocations[2].Currents)
	assert.True(t, garage.LessOrEqual(model.Uniform(3, 20)))
	total := garage.Add(res.Allocations[3].Currents)
	assert.True(t, total.LessOrEqual(model.Uniform(3, 32)))
}

func TestEngineReservationsDoNotAccumulate(t *testing.T) {
	e := newTestEngine(t, garageTopology())
	snap := snapshot(charging(1, time.Hour, 16, 16, 16), charging(3, time.Hour, 16, 16, 16))

	first, err := e.Run(context.Background(), snap)
	require.NoError(t, err)
	second, err := e.Run(context.Background(), snap)
	require.NoError(t, err)

	assert.Equal(t, first.Reservations, second.Reservations)
	assert.Equal(t, first.Targets(), second.Targets())
	assert.NotEqual(t, first.ID, second.ID)
}

func TestEngineInfeasibleFloor(t *testing.T) {
	e := newTestEngine(t, topology.Config{
		Nodes: []topology.NodeConfig{{ID: "main", Capacity: []float64{10, 10, 10}}},
		Chargepoints: []topology.ChargepointConfig{
			{ID: 1, Parent: "main"},
			{ID: 2, Parent: "main"},
		},
	})
	res, err := e.Run(context.Background(), snapshot(
		charging(1, time.Minute*5, 16, 16, 16),
		charging(2, time.Hour, 16, 16, 16),
	))
	require.NoError(t, err)

	assert.Equal(t, []int{1}, res.Infeasible)
	assert.Equal(t, StatusInfeasible, res.Allocations[1].Status)
	assert.Equal(t, 0.0, res.Allocations[1].Current)
	assert.Equal(t, 10.0, res.Allocations[2].Current)
	assert.Equal(t, 1.0, testutil.ToFloat64(infeasibleTotal))
}

func TestEngineSubtractsUnmanagedLoad(t *testing.T) {
	e := newTestEngine(t, topology.Config{
		Nodes:        []topology.NodeConfig{{ID: "main", Capacity: []float64{32, 32, 32}}},
		Chargepoints: []topology.ChargepointConfig{{ID: 1, Parent: "main"}},
	})
	cp := charging(1, time.Hour, 16, 16, 16)
	cp.Measured = model.Phases{8, 8, 8}
	cp.MeasuredAt = cycleTime
	cp.TargetCurrent = 8
	snap := snapshot(cp)
	snap.Nodes["main"] = state.NodeReading{Currents: model.Phases{26, 26, 26}, At: cycleTime}

	e.SetConsiderLessCharging(true)
	res, err := e.Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 14.0, res.Allocations[1].Current)

	snap.Nodes["main"] = state.NodeReading{Currents: model.Phases{26, 26, 26}, At: cycleTime.Add(-time.Hour)}
	res, err = e.Run(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 16.0, res.Allocations[1].Current)
}

func TestEngineLimitsToMeasuredDraw(t *testing.T) {
	e := newTestEngine(t, topology.Config{
		Nodes:        []topology.NodeConfig{{ID: "main", Capacity: []float64{63, 63, 63}}},
		Chargepoints: []topology.ChargepointConfig{{ID: 1, Parent: "main"}},
	})
	cp := charging(1, time.Hour, 16, 16, 16)
	cp.TargetCurrent = 16
	cp.Measured = model.Phases{8, 8, 8}
	cp.MeasuredAt = cycleTime

	res, err := e.Run(context.Background(), snapshot(cp))
	require.NoError(t, err)
	assert.Equal(t, 9.0, res.Allocations[1].Current)
	assert.Equal(t, StatusReduced, res.Allocations[1].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(reducedChargepoints))

	e.SetConsiderLessCharging(true)
	res, err = e.Run(context.Background(), snapshot(cp))
	require.NoError(t, err)
	assert.Equal(t, 16.0, res.Allocations[1].Current)
	assert.Equal(t, StatusAllocated, res.Allocations[1].Status)
}

func TestEngineRampUpGrace(t *testing.T) {
	e := newTestEngine(t, topology.Config{
		Nodes:        []topology.NodeConfig{{ID: "main", Capacity: []float64{63, 63, 63}}},
		Chargepoints: []topology.ChargepointConfig{{ID: 1, Parent: "main"}},
	})
	cp := charging(1, 10*time.Second, 16, 16, 16)
	cp.TargetCurrent = 16
	cp.Measured = model.Phases{0, 0, 0}
	cp.MeasuredAt = cycleTime

	res, err := e.Run(context.Background(), snapshot(cp))
	require.NoError(t, err)
	assert.Equal(t, 16.0, res.Allocations[1].Current)
}

func TestEngineMissingInputs(t *testing.T) {
	e := newTestEngine(t, garageTopology())
	res, err := e.Run(context.Background(), snapshot(charging(2, time.Hour, 16, 0, 0)))
	require.NoError(t, err)

	assert.Equal(t, StatusIdle, res.Allocations[1].Status)
	assert.Equal(t, 0.0, res.Allocations[1].Current)
	assert.Equal(t, StatusIdle, res.Allocations[3].Status)
	assert.Equal(t, []int{2}, res.MissingReadings)

	assert.Equal(t, 16.0, res.Allocations[2].Current)
	assert.Equal(t, model.Phases{16, 0, 0}, res.Allocations[2].Currents)
	assert.Equal(t, model.Phases{10, 0, 0}, res.Allocations[2].Reserved)
}

func TestEngineCanceledContextKeepsState(t *testing.T) {
	e := newTestEngine(t, garageTopology())
	first, err := e.Run(context.Background(), snapshot(charging(1, time.Hour, 16, 16, 16)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Run(ctx, snapshot())
	require.ErrorIs(t, err, context.Canceled)

	last, ok := e.LastResult()
	require.True(t, ok)
	assert.Equal(t, first.ID, last.ID)
	assert.Equal(t, first.Reservations, e.Reservations())
}

func TestEngineChargepointLifecycle(t *testing.T) {
	e := newTestEngine(t, garageTopology())
	require.NoError(t, e.ConfigureChargepoint(topology.ChargepointConfig{ID: 4, Parent: "garage", MaxCurrent: 16}))
	require.NoError(t, e.ConfigureChargepoint(topology.ChargepointConfig{ID: 4, Parent: "main", MaxCurrent: 16}))
	require.ErrorIs(t, e.ConfigureChargepoint(topology.ChargepointConfig{ID: 5, Parent: "attic"}), topology.ErrUnknownNode)
	assert.False(t, e.hierarchy.HasChargepoint(5))
	path, err := e.hierarchy.NodesToCheck(4)
	require.NoError(t, err)
	assert.Equal(t, []string{topology.ChargepointNodeID(4), "main"}, path)

	res, err := e.Run(context.Background(), snapshot(charging(4, time.Hour, 16, 16, 16)))
	require.NoError(t, err)
	assert.Equal(t, 16.0, res.Allocations[4].Current)

	require.NoError(t, e.RemoveChargepoint(4))
	res, err = e.Run(context.Background(), snapshot(charging(4, time.Hour, 16, 16, 16)))
	require.NoError(t, err)
	assert.NotContains(t, res.Allocations, 4)
	assert.ErrorIs(t, e.RemoveChargepoint(4), topology.ErrUnknownChargepoint)
}

func TestEngineMetrics(t *testing.T) {
	e := newTestEngine(t, garageTopology())
	_, err := e.Run(context.Background(), snapshot(charging(3, time.Hour, 16, 16, 16)))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(cyclesTotal.WithLabelValues("ok")))
	assert.Equal(t, 16.0, testutil.ToFloat64(setCurrentGauge.WithLabelValues("3")))
	assert.Equal(t, 10.0, testutil.ToFloat64(reservedGauge.WithLabelValues("main", "1")))
	assert.Equal(t, 1, testutil.CollectAndCount(cycleDuration))
}

func TestNewEngineValidates(t *testing.T) {
	h := topology.New(3)
	_, err := NewEngine(Config{}, h, logger.NopLogger{})
	require.Error(t, err)
	_, err = NewEngine(testConfig(), nil, logger.NopLogger{})
	require.Error(t, err)
}
