// Package redisstate mirrors committed allocation cycles into Redis so that
// external readers only ever observe end-of-cycle values.
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilianp07/loadguard/core/allocation"
	"github.com/kilianp07/loadguard/core/topology"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// ErrNoState is returned by Latest when no cycle has been published yet.
var ErrNoState = errors.New("redisstate: no committed cycle")

// Config defines the Redis connection and key layout.
type Config struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	KeyPrefix  string `json:"key_prefix"`
	Channel    string `json:"channel"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "loadguard"
	}
	if c.Channel == "" {
		c.Channel = c.KeyPrefix + ":cycles"
	}
	if c.TTLSeconds == 0 {
		c.TTLSeconds = 60
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("redis: addr is empty")
	}
	if c.TTLSeconds < 0 {
		return errors.New("redis: ttl_seconds must not be negative")
	}
	return nil
}

// State is the value stored under the state key.
type State struct {
	CycleID      string                  `json:"cycle_id"`
	Time         time.Time               `json:"time"`
	Allocations  []allocation.Allocation `json:"allocations"`
	Reservations []topology.NodeView     `json:"reservations"`
}

// Announcement is published on the channel after a cycle was written.
type Announcement struct {
	CycleID string    `json:"cycle_id"`
	Time    time.Time `json:"time"`
}

type client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Publisher writes committed cycles to Redis.
type Publisher struct {
	client  client
	closer  func() error
	prefix  string
	channel string
	ttl     time.Duration
}

// NewClient returns a configured go-redis client and validates the
// connection with PING.
func NewClient(cfg Config) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis: addr is empty")
	}
	c := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// New connects to Redis and returns a Publisher.
func New(cfg Config) (*Publisher, error) {
	cfg.SetDefaults()
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	p := newPublisher(c, cfg)
	p.closer = c.Close
	return p, nil
}

func newPublisher(c client, cfg Config) *Publisher {
	return &Publisher{
		client:  c,
		prefix:  cfg.KeyPrefix,
		channel: cfg.Channel,
		ttl:     time.Duration(cfg.TTLSeconds) * time.Second,
	}
}

func (p *Publisher) stateKey() string { return p.prefix + ":state" }

func (p *Publisher) chargepointKey(id int) string {
	return p.prefix + ":chargepoint:" + strconv.Itoa(id)
}

// PublishCycle stores the whole cycle under one key, one key per
// chargepoint, and then announces the cycle id.
func (p *Publisher) PublishCycle(ctx context.Context, res allocation.CycleResult) error {
	st := State{
		CycleID:      res.ID,
		Time:         res.Start,
		Allocations:  res.Sorted(),
		Reservations: res.Reservations,
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := p.client.Set(ctx, p.stateKey(), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set state: %w", err)
	}
	for _, a := range st.Allocations {
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := p.client.Set(ctx, p.chargepointKey(a.ChargepointID), b, p.ttl).Err(); err != nil {
			return fmt.Errorf("redis: set chargepoint %d: %w", a.ChargepointID, err)
		}
	}
	msg, err := json.Marshal(Announcement{CycleID: res.ID, Time: res.Start})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, msg).Err()
}

// Latest reads the last committed cycle.
func (p *Publisher) Latest(ctx context.Context) (State, error) {
	raw, err := p.client.Get(ctx, p.stateKey()).Result()
	if errors.Is(err, redis.Nil) {
		return State{}, ErrNoState
	}
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, err
	}
	return st, nil
}

// Close releases the connection.
func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
