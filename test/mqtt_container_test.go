//go:build !no_containers

package test

import (
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/loadguard/app"
	"github.com/kilianp07/loadguard/config"
	"github.com/kilianp07/loadguard/core/allocation"
	"github.com/kilianp07/loadguard/core/logging"
	coremqtt "github.com/kilianp07/loadguard/core/mqtt"
	"github.com/kilianp07/loadguard/core/topology"
	"github.com/kilianp07/loadguard/infra/logger"
	"github.com/kilianp07/loadguard/infra/mqtt"
	"github.com/kilianp07/loadguard/test/util"
)

func containerConfig(broker string) *config.Config {
	cfg := &config.Config{
		Topology: topology.Config{
			Nodes: []topology.NodeConfig{
				{ID: "main", Capacity: []float64{25, 25, 25}},
			},
			Chargepoints: []topology.ChargepointConfig{
				{ID: 1, Parent: "main"},
				{ID: 2, Parent: "main"},
			},
		},
		MQTT:    mqtt.Config{Broker: broker, ClientID: "loadguard-it", TopicPrefix: "it"},
		Logging: config.LoggingConfig{Backend: "none"},
	}
	cfg.SetDefaults()
	return cfg
}

func publishJSON(t *testing.T, cli paho.Client, topic string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	tok := cli.Publish(topic, 1, false, b)
	tok.Wait()
	require.NoError(t, tok.Error())
}

func TestMQTTCycleRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	ctx := context.Background()
	broker, cleanup, err := util.StartMosquitto(ctx)
	if err != nil {
		t.Skipf("mosquitto: %v", err)
	}
	defer cleanup()

	allocation.ResetMetrics(prometheus.NewRegistry())
	cfg := containerConfig(broker)
	store := app.NewStore(cfg.Topology)
	client, err := mqtt.NewPahoClient(cfg.MQTT, store, logger.NopLogger{})
	require.NoError(t, err)
	defer client.Disconnect()

	logs, err := logging.NewJSONLStore(filepath.Join(t.TempDir(), "cycles.jsonl"))
	require.NoError(t, err)
	svc, err := app.NewWithDeps(cfg, store, app.Deps{Publisher: client, Logs: logs, Logger: logger.NopLogger{}})
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()

	setpoints := make(chan coremqtt.Setpoint, 8)
	device := paho.NewClient(paho.NewClientOptions().AddBroker(broker).SetClientID("device"))
	tok := device.Connect()
	tok.Wait()
	require.NoError(t, tok.Error())
	defer device.Disconnect(100)
	tok = device.Subscribe("it/chargepoint/+/set", 1, func(_ paho.Client, m paho.Message) {
		var sp coremqtt.Setpoint
		if json.Unmarshal(m.Payload(), &sp) == nil {
			setpoints <- sp
		}
	})
	tok.Wait()
	require.NoError(t, tok.Error())

	// Subscriptions are made in OnConnect; wait until inbound updates land.
	publishJSON(t, device, "it/chargepoint/1/vehicle", coremqtt.VehicleMessage{
		Connected: true, VehicleID: "ev-1", RequiredCurrents: []float64{16, 16, 16},
	})
	publishJSON(t, device, "it/chargepoint/2/vehicle", coremqtt.VehicleMessage{
		Connected: true, VehicleID: "ev-2", RequiredCurrents: []float64{16, 16, 16},
	})
	waitCtx, cancel := context.WithTimeout(ctx, util.MessageTimeout)
	defer cancel()
	require.NoError(t, util.Eventually(waitCtx, func() bool {
		a, _ := store.Get(1)
		b, _ := store.Get(2)
		return a.Demand.Present() && b.Demand.Present()
	}))

	res, err := svc.RunCycle(ctx)
	require.NoError(t, err)
	total := res.Allocations[1].Current + res.Allocations[2].Current
	assert.InDelta(t, 25.0, total, 0.01)

	got := map[int]float64{}
	timeout := time.After(util.MessageTimeout)
	for len(got) < 2 {
		select {
		case sp := <-setpoints:
			assert.Equal(t, res.ID, sp.CycleID)
			got[sp.ChargepointID] = sp.Current
		case <-timeout:
			t.Fatalf("setpoints not received: %v", got)
		}
	}
	assert.Equal(t, res.Allocations[1].Current, got[1])
	assert.Equal(t, res.Allocations[2].Current, got[2])

	publishJSON(t, device, "it/chargepoint/2/vehicle", coremqtt.VehicleMessage{Connected: false})
	require.NoError(t, util.Eventually(waitCtx, func() bool {
		b, _ := store.Get(2)
		return !b.Demand.Present()
	}))

	client.SetConfigurer(svc)
	publishJSON(t, device, "it/chargepoint/3/config", coremqtt.ChargepointConfigMessage{Parent: "main", MaxCurrent: 16})
	require.NoError(t, util.Eventually(waitCtx, func() bool {
		_, ok := store.Get(3)
		return ok
	}))
	publishJSON(t, device, "it/chargepoint/3/vehicle", coremqtt.VehicleMessage{
		Connected: true, VehicleID: "ev-3", RequiredCurrents: []float64{16, 16, 16},
	})
	require.NoError(t, util.Eventually(waitCtx, func() bool {
		c, _ := store.Get(3)
		return c.Demand.Present()
	}))
	res, err = svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Contains(t, res.Allocations, 3)
	assert.Greater(t, res.Allocations[3].Current, 0.0)
}
