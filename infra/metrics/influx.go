package metrics

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kilianp07/loadguard/core/allocation"
	coremetrics "github.com/kilianp07/loadguard/core/metrics"
	"github.com/kilianp07/loadguard/core/model"
	"github.com/kilianp07/loadguard/infra/logger"
)

// InfluxSink writes committed cycles to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordCycle writes one point per chargepoint, one per metering node and a
// cycle summary.
func (s *InfluxSink) RecordCycle(res allocation.CycleResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, a := range res.Sorted() {
		p := write.NewPointWithMeasurement("chargepoint_allocation").
			AddTag("chargepoint_id", strconv.Itoa(a.ChargepointID)).
			AddTag("status", string(a.Status)).
			AddTag("cycle_id", res.ID).
			AddField("current", round3(a.Current))
		addPhases(p, "reserved", a.Reserved)
		p.SetTime(res.Start)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	for _, n := range res.Reservations {
		p := write.NewPointWithMeasurement("node_reservation").
			AddTag("node", n.ID).
			AddTag("cycle_id", res.ID)
		addPhases(p, "capacity", n.Capacity)
		addPhases(p, "reserved", n.Reserved)
		p.SetTime(res.Start)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	p := write.NewPointWithMeasurement("allocation_cycle").
		AddTag("cycle_id", res.ID).
		AddField("duration_ms", round3(float64(res.Duration)/float64(time.Millisecond))).
		AddField("infeasible", len(res.Infeasible)).
		AddField("missing_readings", len(res.MissingReadings)).
		SetTime(res.Start)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordSetpoint writes the delivery result of one setpoint.
func (s *InfluxSink) RecordSetpoint(ev coremetrics.SetpointEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("setpoint_sent").
		AddTag("chargepoint_id", strconv.Itoa(ev.ChargepointID)).
		AddTag("published", strconv.FormatBool(ev.Published)).
		AddTag("cycle_id", ev.CycleID).
		AddField("current", round3(ev.Current)).
		AddField("latency_ms", round3(ev.Latency.Seconds()*1000)).
		AddField("errors", ev.Error).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordCycleFailure writes a discarded cycle.
func (s *InfluxSink) RecordCycleFailure(ev coremetrics.CycleFailure) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("allocation_cycle_discarded").
		AddField("reason", ev.Reason).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the client.
func (s *InfluxSink) Close() { s.client.Close() }

func addPhases(p *write.Point, prefix string, v model.Phases) {
	for i, x := range v {
		p.AddField(fmt.Sprintf("%s_l%d", prefix, i+1), round3(x))
	}
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
