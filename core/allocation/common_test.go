package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/loadguard/core/model"
	"github.com/kilianp07/loadguard/core/topology"
)

func chargepoint(id int, required ...float64) model.Chargepoint {
	return model.Chargepoint{
		ID:     id,
		Phases: len(required),
		Demand: model.Attached(model.VehicleDemand{VehicleID: "ev", RequiredCurrents: model.Phases(required)}),
	}
}

func testConfig() Config {
	var cfg Config
	cfg.SetDefaults()
	return cfg
}

func TestResetCurrentIdempotent(t *testing.T) {
	s := NewSession(time.Now())
	s.assign(1, 10)
	s.assign(2, 6)

	s.ResetCurrent()
	s.ResetCurrent()

	_, ok := s.SetCurrent(1)
	assert.False(t, ok)
	_, ok = s.SetCurrent(2)
	assert.False(t, ok)
	assert.Empty(t, s.Currents())
}

func TestMinCurrent(t *testing.T) {
	mins, counts := MinCurrent(chargepoint(1, 10, 0, 0), 6)
	assert.Equal(t, model.Phases{6, 0, 0}, mins)
	assert.Equal(t, []int{1, 0, 0}, counts)

	mins, counts = MinCurrent(chargepoint(1, 16, 16, 16), 6)
	assert.Equal(t, model.Phases{6, 6, 6}, mins)
	assert.Equal(t, []int{1, 1, 1}, counts)

	mins, counts = MinCurrent(model.Chargepoint{ID: 2}, 6)
	assert.Equal(t, model.Phases{0, 0, 0}, mins)
	assert.Equal(t, []int{0, 0, 0}, counts)
}

func TestMissingCurrentsLeft(t *testing.T) {
	tests := []struct {
		name    string
		cps     []model.Chargepoint
		missing model.Phases
		counts  []int
	}{
		{
			name:    "three phase and staggered",
			cps:     []model.Chargepoint{chargepoint(1, 6, 10, 15), chargepoint(2, 20, 20, 20)},
			missing: model.Phases{14, 18, 23},
			counts:  []int{2, 2, 2},
		},
		{
			name:    "single phase vehicle",
			cps:     []model.Chargepoint{chargepoint(1, 6, 10, 15), chargepoint(2, 6, 0, 0)},
			missing: model.Phases{0, 4, 9},
			counts:  []int{2, 1, 1},
		},
		{
			name:    "requirement below floor",
			cps:     []model.Chargepoint{chargepoint(1, 4, 4, 4), chargepoint(2, 10, 10, 10)},
			missing: model.Phases{4, 4, 4},
			counts:  []int{2, 2, 2},
		},
		{
			name:    "only requirement below floor",
			cps:     []model.Chargepoint{chargepoint(1, 4, 4, 4)},
			missing: model.Phases{0, 0, 0},
			counts:  []int{1, 1, 1},
		},
		{
			name:    "empty",
			missing: model.Phases{0, 0, 0},
			counts:  []int{0, 0, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			missing, counts := MissingCurrentsLeft(tt.cps, 6)
			assert.Equal(t, tt.missing, missing)
			assert.Equal(t, tt.counts, counts)
		})
	}
}

func TestMissingCurrentsLeftOrderIndependent(t *testing.T) {
	a := []model.Chargepoint{chargepoint(1, 6, 10, 15), chargepoint(2, 20, 0, 20), chargepoint(3, 7, 7, 0)}
	b := []model.Chargepoint{a[2], a[0], a[1]}

	ma, ca := MissingCurrentsLeft(a, 6)
	mb, cb := MissingCurrentsLeft(b, 6)
	assert.True(t, ma.Equal(mb))
	assert.Equal(t, ca, cb)
}

func TestCurrentToSet(t *testing.T) {
	assert.Equal(t, 8.0, CurrentToSet(0, false, 2, 6))
	assert.Equal(t, 6.0, CurrentToSet(6, true, 2, 6))
	assert.Equal(t, 7.0, CurrentToSet(7, true, 2, 6))
	assert.Equal(t, 8.0, CurrentToSet(9, true, 2, 6))
	assert.Equal(t, 6.0, CurrentToSet(0, false, 0, 6))
}

func TestCurrentToSetNeverIncreases(t *testing.T) {
	current, set := 0.0, false
	for _, diff := range []float64{10, 4, 12, 3, 9, 0, 5} {
		next := CurrentToSet(current, set, diff, 6)
		if set {
			assert.LessOrEqual(t, next, current)
		}
		current, set = next, true
	}
	assert.Equal(t, 6.0, current)
}

func TestSetCurrentCounterDiff(t *testing.T) {
	tests := []struct {
		name     string
		budget   float64
		required []float64
		current  float64
		delta    model.Phases
	}{
		{"single phase", 10, []float64{10, 0, 0}, 10, model.Phases{2, 0, 0}},
		{"budget below requirement", 10, []float64{12, 12, 12}, 10, model.Phases{2, 2, 2}},
		{"floor only", 8, []float64{8, 8, 8}, 8, model.Phases{0, 0, 0}},
		{"requirement below budget", 20, []float64{11, 11, 0}, 11, model.Phases{3, 3, 0}},
		{"budget below floor", 5, []float64{16, 16, 16}, 5, model.Phases{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := topology.New(3)
			require.NoError(t, h.AddNode("main", "", model.Uniform(3, 63)))
			require.NoError(t, h.AddNode("sub", "main", model.Uniform(3, 32)))
			require.NoError(t, h.AddChargepoint(0, "sub", model.Uniform(3, 32)))
			require.NoError(t, h.AddChargepoint(6, "main", model.Uniform(3, 32)))

			s := NewSession(time.Now())
			cp := chargepoint(6, tt.required...)
			delta, err := s.SetCurrentCounterDiff(h, 8, tt.budget, cp)
			require.NoError(t, err)
			assert.Equal(t, tt.delta, delta)

			current, ok := s.SetCurrent(6)
			require.True(t, ok)
			assert.Equal(t, tt.current, current)
			assert.LessOrEqual(t, current, tt.budget)
			assert.LessOrEqual(t, current, cp.RequiredCurrents().Max())

			for _, id := range []string{"cp6", "main"} {
				n, _ := h.Node(id)
				assert.Equal(t, tt.delta, n.Reserved, id)
			}
			untouched, _ := h.Node("cp0")
			assert.True(t, untouched.Reserved.IsZero())
			untouched, _ = h.Node("sub")
			assert.True(t, untouched.Reserved.IsZero())
		})
	}
}

func TestSetCurrentCounterDiffUnknownChargepoint(t *testing.T) {
	h := topology.New(3)
	require.NoError(t, h.AddNode("main", "", model.Uniform(3, 63)))
	s := NewSession(time.Now())

	_, err := s.SetCurrentCounterDiff(h, 6, 10, chargepoint(4, 16, 16, 16))
	require.ErrorIs(t, err, ErrInconsistentHierarchy)
	require.ErrorIs(t, err, topology.ErrUnknownChargepoint)

	_, ok := s.SetCurrent(4)
	assert.False(t, ok)
	n, _ := h.Node("main")
	assert.True(t, n.Reserved.IsZero())
}

func TestAvailableCurrentForCP(t *testing.T) {
	tests := []struct {
		name      string
		cp        model.Chargepoint
		floor     float64
		counts    []int
		available model.Phases
		missing   model.Phases
		want      float64
	}{
		{
			name:      "equal share on worst phase",
			cp:        chargepoint(1, 16, 16, 16),
			floor:     6,
			counts:    []int{2, 2, 2},
			available: model.Phases{12, 15, 16},
			missing:   model.Phases{20, 20, 20},
			want:      6,
		},
		{
			name:      "missing demand caps the share",
			cp:        chargepoint(1, 16, 16, 16),
			floor:     6,
			counts:    []int{2, 2, 2},
			available: model.Phases{12, 15, 16},
			missing:   model.Phases{5, 5, 5},
			want:      5,
		},
		{
			name:      "plentiful headroom keeps the equal share",
			cp:        chargepoint(1, 16, 16, 16),
			floor:     6,
			counts:    []int{2, 2, 2},
			available: model.Phases{40, 40, 40},
			missing:   model.Phases{20, 20, 20},
			want:      10,
		},
		{
			name:      "capped at own need",
			cp:        chargepoint(1, 8, 8, 8),
			floor:     6,
			counts:    []int{2, 2, 2},
			available: model.Phases{12, 15, 16},
			missing:   model.Phases{12, 12, 12},
			want:      2,
		},
		{
			name:      "scarce headroom",
			cp:        chargepoint(1, 16, 16, 16),
			floor:     10,
			counts:    []int{2, 2, 2},
			available: model.Phases{1, 1, 1},
			missing:   model.Phases{2, 2, 2},
			want:      0.5,
		},
		{
			name:      "no headroom",
			cp:        chargepoint(1, 16, 16, 16),
			floor:     10,
			counts:    []int{2, 2, 2},
			available: model.Phases{0, 0, 0},
			missing:   model.Phases{2, 2, 2},
			want:      0,
		},
		{
			name:      "unused phase ignored",
			cp:        chargepoint(1, 16, 0, 0),
			floor:     6,
			counts:    []int{1, 0, 0},
			available: model.Phases{20, 0, 0},
			missing:   model.Phases{10, 0, 0},
			want:      10,
		},
		{
			name:      "negative headroom",
			cp:        chargepoint(1, 16, 16, 16),
			floor:     6,
			counts:    []int{1, 1, 1},
			available: model.Phases{-3, 4, 4},
			missing:   model.Phases{10, 10, 10},
			want:      0,
		},
		{
			name:      "idle chargepoint",
			cp:        model.Chargepoint{ID: 1},
			floor:     6,
			counts:    []int{1, 1, 1},
			available: model.Phases{20, 20, 20},
			missing:   model.Phases{0, 0, 0},
			want:      0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AvailableCurrentForCP(tt.cp, tt.floor, tt.counts, tt.available, tt.missing)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestAvailableCurrentForCPBounded(t *testing.T) {
	cp := chargepoint(1, 16, 16, 16)
	for _, available := range []float64{0, 3, 12, 40} {
		for _, missing := range []float64{0, 5, 10, 30} {
			got := AvailableCurrentForCP(cp, 6, []int{2, 2, 2}, model.Phases{available, available, available}, model.Phases{missing, missing, missing})
			assert.LessOrEqual(t, got, available/2+1e-9)
			assert.LessOrEqual(t, got, missing+1e-9)
			assert.LessOrEqual(t, got, 10.0)
		}
	}
}

func TestConsideredCurrent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	withMeasurement := func(measured ...float64) model.Chargepoint {
		cp := chargepoint(1, 16, 16, 16)
		cp.ChargeStart = now.Add(-time.Hour)
		cp.Measured = model.Phases(measured)
		cp.MeasuredAt = now
		return cp
	}
	cfg := testConfig()
	lenient := cfg
	lenient.ConsiderLessCharging = true

	assert.Equal(t, 6.0, ConsideredCurrent(withMeasurement(6, 6, 6), 10, 10, cfg, now))
	assert.Equal(t, 10.0, ConsideredCurrent(withMeasurement(10, 10, 10), 10, 10, cfg, now))
	assert.Equal(t, 10.0, ConsideredCurrent(withMeasurement(0, 0, 0), 10, 10, lenient, now))
	assert.Equal(t, 7.0, ConsideredCurrent(withMeasurement(9, 7, 8), 10, 10, cfg, now))

	t.Run("within grace window", func(t *testing.T) {
		cp := withMeasurement(0, 0, 0)
		cp.ChargeStart = now.Add(-10 * time.Second)
		assert.Equal(t, 10.0, ConsideredCurrent(cp, 10, 10, cfg, now))
	})
	t.Run("stale reading", func(t *testing.T) {
		cp := withMeasurement(2, 2, 2)
		cp.MeasuredAt = now.Add(-time.Hour)
		assert.Equal(t, 10.0, ConsideredCurrent(cp, 10, 10, cfg, now))
	})
	t.Run("unused phase not considered", func(t *testing.T) {
		cp := withMeasurement(8, 0, 0)
		cp.Demand = model.Attached(model.VehicleDemand{RequiredCurrents: model.Phases{16, 0, 0}})
		assert.Equal(t, 8.0, ConsideredCurrent(cp, 10, 10, cfg, now))
	})
}
