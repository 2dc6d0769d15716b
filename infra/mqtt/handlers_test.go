package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/loadguard/core/model"
	coremqtt "github.com/kilianp07/loadguard/core/mqtt"
	"github.com/kilianp07/loadguard/core/state"
	"github.com/kilianp07/loadguard/core/topology"
	"github.com/kilianp07/loadguard/infra/logger"
)

type recordState struct {
	measurements map[int]model.Phases
	nodes        map[string]model.Phases
	attached     map[int]model.VehicleDemand
	detached     []int
}

func (r *recordState) UpdateMeasurement(id int, c model.Phases, _ time.Time) error {
	if r.measurements == nil {
		r.measurements = map[int]model.Phases{}
	}
	r.measurements[id] = c
	return nil
}

func (r *recordState) UpdateNodeMeasurement(node string, c model.Phases, _ time.Time) error {
	if r.nodes == nil {
		r.nodes = map[string]model.Phases{}
	}
	r.nodes[node] = c
	return nil
}

func (r *recordState) AttachVehicle(id int, d model.VehicleDemand) error {
	if r.attached == nil {
		r.attached = map[int]model.VehicleDemand{}
	}
	r.attached[id] = d
	return nil
}

func (r *recordState) DetachVehicle(id int) error {
	r.detached = append(r.detached, id)
	return nil
}

func newHandlerClient(t *testing.T, st coremqtt.StateUpdater) *PahoClient {
	t.Helper()
	withMockClient(t, &mockClient{})
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", TopicPrefix: "site/"}, st, logger.NopLogger{})
	require.NoError(t, err)
	return cli
}

func TestInboundMessagesUpdateStore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := state.NewMemoryStore(3)
	st.Configure(1, "main")
	cli := newHandlerClient(t, st)
	cli.now = func() time.Time { return now }

	cli.onVehicle(nil, mockMessage{"site/chargepoint/1/vehicle", []byte(`{"connected":true,"vehicle_id":"ev1","required_currents":[16,16,16]}`)})
	cli.onChargepointCurrents(nil, mockMessage{"site/chargepoint/1/currents", []byte(`{"currents":[8,8,7.5]}`)})
	cli.onMeterCurrents(nil, mockMessage{"site/meter/main/currents", []byte(`{"currents":[20,21,22],"timestamp":1772366400000}`)})

	cp, ok := st.Get(1)
	require.True(t, ok)
	d, attached := cp.Demand.Get()
	require.True(t, attached)
	assert.Equal(t, "ev1", d.VehicleID)
	assert.Equal(t, model.Phases{16, 16, 16}, d.RequiredCurrents)
	assert.Equal(t, model.Phases{8, 8, 7.5}, cp.Measured)
	assert.Equal(t, now, cp.MeasuredAt)

	snap := st.Snapshot()
	assert.Equal(t, model.Phases{20, 21, 22}, snap.Nodes["main"].Currents)
	assert.Equal(t, time.UnixMilli(1772366400000), snap.Nodes["main"].At)

	cli.onVehicle(nil, mockMessage{"site/chargepoint/1/vehicle", []byte(`{"connected":false}`)})
	cp, _ = st.Get(1)
	_, attached = cp.Demand.Get()
	assert.False(t, attached)
}

func TestInboundMessagesIgnored(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"foreign prefix", "other/chargepoint/1/currents", `{"currents":[1,1,1]}`},
		{"non numeric id", "site/chargepoint/abc/currents", `{"currents":[1,1,1]}`},
		{"wrong leaf", "site/chargepoint/1/set", `{"currents":[1,1,1]}`},
		{"extra segment", "site/chargepoint/1/x/currents", `{"currents":[1,1,1]}`},
		{"bad json", "site/chargepoint/1/currents", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &recordState{}
			cli := newHandlerClient(t, st)
			cli.onChargepointCurrents(nil, mockMessage{tt.topic, []byte(tt.payload)})
			assert.Empty(t, st.measurements)
		})
	}
}

func TestInboundRejectedUpdateIsLogged(t *testing.T) {
	st := state.NewMemoryStore(3)
	cli := newHandlerClient(t, st)
	assert.NotPanics(t, func() {
		cli.onChargepointCurrents(nil, mockMessage{"site/chargepoint/9/currents", []byte(`{"currents":[1,1,1]}`)})
		cli.onMeterCurrents(nil, mockMessage{"site/meter/main/currents", []byte(`{"currents":[1]}`)})
	})
	_, ok := st.Get(9)
	assert.False(t, ok)
	assert.Empty(t, st.Snapshot().Nodes)
}

type recordConfigurer struct {
	configured []topology.ChargepointConfig
	removed    []int
}

func (r *recordConfigurer) ConfigureChargepoint(cfg topology.ChargepointConfig) error {
	r.configured = append(r.configured, cfg)
	return nil
}

func (r *recordConfigurer) RemoveChargepoint(id int) error {
	r.removed = append(r.removed, id)
	return nil
}

func TestConfigTopicSubscribedWithConfigurer(t *testing.T) {
	mc := &mockClient{}
	withMockClient(t, mc)
	cli, err := NewPahoClient(Config{Broker: "tcp://localhost:1883", TopicPrefix: "site", QoS: map[string]byte{"config": 1}}, &recordState{}, logger.NopLogger{})
	require.NoError(t, err)
	require.Len(t, mc.subscribed, 3)

	cli.SetConfigurer(&recordConfigurer{})
	require.Len(t, mc.subscribed, 4)
	assert.Equal(t, "site/chargepoint/+/config", mc.subscribed[3].topic)
	assert.Equal(t, byte(1), mc.subscribed[3].qos)

	// reconnects resubscribe the config topic with the others
	mc.subscribed = nil
	mc.opts.OnConnect(mc)
	assert.Len(t, mc.subscribed, 4)
}

func TestChargepointConfigMessages(t *testing.T) {
	cfgr := &recordConfigurer{}
	cli := newHandlerClient(t, &recordState{})

	cli.onChargepointConfig(nil, mockMessage{"site/chargepoint/4/config", []byte(`{"parent":"garage","max_current":16}`)})
	assert.Empty(t, cfgr.configured)

	cli.SetConfigurer(cfgr)
	cli.onChargepointConfig(nil, mockMessage{"site/chargepoint/4/config", []byte(`{"parent":"garage","max_current":16}`)})
	cli.onChargepointConfig(nil, mockMessage{"site/chargepoint/5/config", []byte(`{"removed":true}`)})
	cli.onChargepointConfig(nil, mockMessage{"site/chargepoint/6/config", nil})
	cli.onChargepointConfig(nil, mockMessage{"site/chargepoint/7/config", []byte(`{`)})
	cli.onChargepointConfig(nil, mockMessage{"site/chargepoint/x/config", []byte(`{"parent":"main"}`)})

	assert.Equal(t, []topology.ChargepointConfig{{ID: 4, Parent: "garage", MaxCurrent: 16}}, cfgr.configured)
	assert.Equal(t, []int{5, 6}, cfgr.removed)
}

func TestSegment(t *testing.T) {
	cli := &PahoClient{prefix: "lg"}
	seg, ok := cli.segment("lg/meter/garage/currents", "meter", "currents")
	assert.True(t, ok)
	assert.Equal(t, "garage", seg)
	_, ok = cli.segment("lg/meter//currents", "meter", "currents")
	assert.False(t, ok)
}

func TestMockPublisher(t *testing.T) {
	m := NewMockPublisher()
	m.Fail(2, true)
	ctx := context.Background()
	require.NoError(t, m.PublishSetpoint(ctx, coremqtt.Setpoint{ChargepointID: 1, Current: 10}))
	require.ErrorIs(t, m.PublishSetpoint(ctx, coremqtt.Setpoint{ChargepointID: 2, Current: 10}), coremqtt.ErrPublishFailed)
	sp, ok := m.Last(1)
	require.True(t, ok)
	assert.Equal(t, 10.0, sp.Current)
	assert.Equal(t, 1, m.Sent)
}
