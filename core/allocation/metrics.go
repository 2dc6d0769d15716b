package allocation

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cycleDuration       prometheus.Histogram
	cyclesTotal         *prometheus.CounterVec
	infeasibleTotal     prometheus.Counter
	setCurrentGauge     *prometheus.GaugeVec
	reservedGauge       *prometheus.GaugeVec
	reducedChargepoints prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (prometheus.Histogram, *prometheus.CounterVec, prometheus.Counter, *prometheus.GaugeVec, *prometheus.GaugeVec, prometheus.Counter) {
	dur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "allocation_cycle_duration_seconds",
		Help:    "Duration of one allocation cycle",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
	})
	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_cycles_total",
		Help: "Number of allocation cycles by outcome",
	}, []string{"result"})
	infeasible := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "allocation_infeasible_chargepoints_total",
		Help: "Chargepoints left without their guaranteed floor for lack of capacity",
	})
	set := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chargepoint_set_current_amperes",
		Help: "Current assigned to a chargepoint in the last committed cycle",
	}, []string{"chargepoint"})
	reserved := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metering_node_reserved_amperes",
		Help: "Current reserved above the guaranteed floor below a metering node",
	}, []string{"node", "phase"})
	reduced := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "allocation_reduced_chargepoints_total",
		Help: "Chargepoints limited to their measured draw",
	})
	return dur, cycles, infeasible, set, reserved, reduced
}

func init() {
	cycleDuration, cyclesTotal, infeasibleTotal, setCurrentGauge, reservedGauge, reducedChargepoints = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers allocation metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(cycleDuration, cyclesTotal, infeasibleTotal, setCurrentGauge, reservedGauge, reducedChargepoints)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	cycleDuration, cyclesTotal, infeasibleTotal, setCurrentGauge, reservedGauge, reducedChargepoints = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
