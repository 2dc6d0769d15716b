package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	coremon "github.com/kilianp07/loadguard/core/monitoring"
	coremqtt "github.com/kilianp07/loadguard/core/mqtt"
	"github.com/kilianp07/loadguard/core/topology"
	"github.com/kilianp07/loadguard/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker      string          `json:"broker"`
	ClientID    string          `json:"client_id"`
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	TopicPrefix string          `json:"topic_prefix"`
	UseTLS      bool            `json:"use_tls"`
	ClientCert  string          `json:"client_cert"`
	ClientKey   string          `json:"client_key"`
	CABundle    string          `json:"ca_bundle"`
	AuthMethod  string          `json:"auth_method"`
	QoS         map[string]byte `json:"qos"`
	LWTTopic    string          `json:"lwt_topic"`
	LWTPayload  string          `json:"lwt_payload"`
	LWTQoS      byte            `json:"lwt_qos"`
	LWTRetain   bool            `json:"lwt_retain"`
	MaxRetries  int             `json:"max_retries"`
	BackoffMS   int             `json:"backoff_ms"`
	TLSConfig   *tls.Config     `json:"-"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "loadguard"
	}
	if c.ClientID == "" {
		c.ClientID = "loadguard"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}
	switch c.AuthMethod {
	case "", "username_password", "certificate", "both":
	default:
		return fmt.Errorf("unknown auth_method %s", c.AuthMethod)
	}
	return nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// PahoClient publishes setpoints and feeds readings and vehicle demands
// received from the broker into a StateUpdater.
type PahoClient struct {
	cli        pahoClient
	prefix     string
	qos        map[string]byte
	state      coremqtt.StateUpdater
	logger     logger.Logger
	maxRetries int
	backoff    time.Duration
	now        func() time.Time

	mu         sync.RWMutex
	configurer coremqtt.Configurer
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPahoClient connects to the MQTT broker. Every (re)connection subscribes
// to chargepoint readings, vehicle announcements and meter readings.
func NewPahoClient(cfg Config, state coremqtt.StateUpdater, log logger.Logger) (*PahoClient, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New("mqtt_client")
	}
	pc := &PahoClient{
		prefix:     strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:        cfg.QoS,
		state:      state,
		logger:     log,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		now:        time.Now,
	}

	opts.OnConnect = func(c paho.Client) {
		pc.logger.Infof("MQTT connected")
		pc.subscribe(c)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		pc.logger.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		pc.logger.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	pc.cli = c
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return pc, nil
}

type subscriber interface {
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

func (p *PahoClient) subscribe(c subscriber) {
	if p.state == nil {
		return
	}
	subs := []struct {
		topic   string
		qosKey  string
		handler paho.MessageHandler
	}{
		{p.topic("chargepoint", "+", "currents"), "currents", p.onChargepointCurrents},
		{p.topic("chargepoint", "+", "vehicle"), "vehicle", p.onVehicle},
		{p.topic("meter", "+", "currents"), "meter", p.onMeterCurrents},
	}
	for _, s := range subs {
		if token := c.Subscribe(s.topic, p.qosFor(s.qosKey), s.handler); token.Wait() && token.Error() != nil {
			p.logger.Errorf("subscribe %s: %v", s.topic, token.Error())
		}
	}
	if p.getConfigurer() != nil {
		p.subscribeConfig(c)
	}
}

func (p *PahoClient) subscribeConfig(c subscriber) {
	topic := p.topic("chargepoint", "+", "config")
	if token := c.Subscribe(topic, p.qosFor("config"), p.onChargepointConfig); token.Wait() && token.Error() != nil {
		p.logger.Errorf("subscribe %s: %v", topic, token.Error())
	}
}

// SetConfigurer routes retained chargepoint configuration messages to c. The
// config topic is only subscribed once a configurer is set, so retained
// messages are never delivered before anything can apply them.
func (p *PahoClient) SetConfigurer(c coremqtt.Configurer) {
	p.mu.Lock()
	p.configurer = c
	p.mu.Unlock()
	if c != nil && p.cli != nil && p.cli.IsConnected() {
		p.subscribeConfig(p.cli)
	}
}

func (p *PahoClient) getConfigurer() coremqtt.Configurer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.configurer
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// PublishSetpoint sends a retained setpoint to the chargepoint's set topic,
// retrying with exponential backoff until the broker accepts it.
func (p *PahoClient) PublishSetpoint(ctx context.Context, sp coremqtt.Setpoint) error {
	if sp.Timestamp == 0 {
		sp.Timestamp = p.now().UnixMilli()
	}
	payload, err := json.Marshal(sp)
	if err != nil {
		return err
	}
	topic := p.topic("chargepoint", strconv.Itoa(sp.ChargepointID), "set")
	qos := p.qosFor("setpoint")

	var publishErr error
retry:
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		token := p.cli.Publish(topic, qos, true, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			p.logger.Debugf("sent %.1fA to %s", sp.Current, topic)
			return nil
		}
		p.logger.Errorf("publish attempt %d to %s failed: %v", attempt+1, topic, publishErr)
		if attempt == p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			publishErr = ctx.Err()
			break retry
		case <-time.After(p.backoff * time.Duration(1<<attempt)):
		}
	}
	err = fmt.Errorf("%w: chargepoint %d: %w", coremqtt.ErrPublishFailed, sp.ChargepointID, publishErr)
	coremon.CaptureException(err, map[string]string{
		"module":         "mqtt",
		"chargepoint_id": strconv.Itoa(sp.ChargepointID),
	})
	return err
}

func (p *PahoClient) onChargepointCurrents(_ paho.Client, msg paho.Message) {
	id, ok := p.chargepointID(msg.Topic(), "currents")
	if !ok {
		return
	}
	var m coremqtt.CurrentsMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		p.logger.Warnf("decode %s: %v", msg.Topic(), err)
		return
	}
	if err := p.state.UpdateMeasurement(id, m.Currents, m.At(p.now())); err != nil {
		p.logger.Warnf("reading of chargepoint %d rejected: %v", id, err)
	}
}

func (p *PahoClient) onVehicle(_ paho.Client, msg paho.Message) {
	id, ok := p.chargepointID(msg.Topic(), "vehicle")
	if !ok {
		return
	}
	var m coremqtt.VehicleMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		p.logger.Warnf("decode %s: %v", msg.Topic(), err)
		return
	}
	var err error
	if m.Connected {
		err = p.state.AttachVehicle(id, m.Demand())
	} else {
		err = p.state.DetachVehicle(id)
	}
	if err != nil {
		p.logger.Warnf("vehicle update of chargepoint %d rejected: %v", id, err)
	}
}

func (p *PahoClient) onMeterCurrents(_ paho.Client, msg paho.Message) {
	node, ok := p.segment(msg.Topic(), "meter", "currents")
	if !ok {
		return
	}
	var m coremqtt.CurrentsMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		p.logger.Warnf("decode %s: %v", msg.Topic(), err)
		return
	}
	if err := p.state.UpdateNodeMeasurement(node, m.Currents, m.At(p.now())); err != nil {
		p.logger.Warnf("reading of node %s rejected: %v", node, err)
	}
}

func (p *PahoClient) onChargepointConfig(_ paho.Client, msg paho.Message) {
	cfgr := p.getConfigurer()
	if cfgr == nil {
		return
	}
	id, ok := p.chargepointID(msg.Topic(), "config")
	if !ok {
		return
	}
	var err error
	if len(msg.Payload()) == 0 {
		err = cfgr.RemoveChargepoint(id)
	} else {
		var m coremqtt.ChargepointConfigMessage
		if err := json.Unmarshal(msg.Payload(), &m); err != nil {
			p.logger.Warnf("decode %s: %v", msg.Topic(), err)
			return
		}
		if m.Removed {
			err = cfgr.RemoveChargepoint(id)
		} else {
			err = cfgr.ConfigureChargepoint(topology.ChargepointConfig{ID: id, Parent: m.Parent, MaxCurrent: m.MaxCurrent})
		}
	}
	if err != nil {
		p.logger.Warnf("configuration of chargepoint %d rejected: %v", id, err)
	}
}

func (p *PahoClient) chargepointID(topic, leaf string) (int, bool) {
	seg, ok := p.segment(topic, "chargepoint", leaf)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(seg)
	if err != nil {
		p.logger.Warnf("invalid chargepoint id in %s", topic)
		return 0, false
	}
	return id, true
}

// segment extracts <id> from <prefix>/<kind>/<id>/<leaf>.
func (p *PahoClient) segment(topic, kind, leaf string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.prefix+"/")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] != kind || parts[2] != leaf || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (p *PahoClient) topic(kind, id, leaf string) string {
	return p.prefix + "/" + kind + "/" + id + "/" + leaf
}

func (p *PahoClient) qosFor(key string) byte {
	if q, ok := p.qos[key]; ok {
		return q
	}
	return 0
}

// Disconnect gracefully closes the MQTT connection.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
