package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kilianp07/loadguard/api"
	"github.com/kilianp07/loadguard/config"
	"github.com/kilianp07/loadguard/core/allocation"
	"github.com/kilianp07/loadguard/core/events"
	"github.com/kilianp07/loadguard/core/logging"
	coremetrics "github.com/kilianp07/loadguard/core/metrics"
	coremon "github.com/kilianp07/loadguard/core/monitoring"
	coremqtt "github.com/kilianp07/loadguard/core/mqtt"
	"github.com/kilianp07/loadguard/core/state"
	"github.com/kilianp07/loadguard/core/topology"
	"github.com/kilianp07/loadguard/infra/logger"
	"github.com/kilianp07/loadguard/infra/metrics"
	"github.com/kilianp07/loadguard/infra/monitoring"
	"github.com/kilianp07/loadguard/infra/mqtt"
	"github.com/kilianp07/loadguard/infra/redisstate"
	"github.com/kilianp07/loadguard/internal/eventbus"
)

// CyclePublisher mirrors committed cycles to an external store.
type CyclePublisher interface {
	PublishCycle(ctx context.Context, res allocation.CycleResult) error
}

// Deps are the collaborators of a Service. Nil Logs and Redis disable the
// corresponding output.
type Deps struct {
	Publisher coremqtt.Publisher
	Sink      coremetrics.MetricsSink
	Logs      logging.LogStore
	Redis     CyclePublisher
	Logger    logger.Logger
}

// Service runs the allocation loop: every period it snapshots the store, runs
// a cycle and hands the committed result to the outputs.
type Service struct {
	Engine *allocation.Engine
	Store  *state.MemoryStore

	cfg     *config.Config
	deps    Deps
	bus     *eventbus.TypedBus[events.Event]
	log     logger.Logger
	period  time.Duration
	closers []func() error
}

// New creates a Service from the configuration, connecting to the broker,
// the log store and Redis as configured.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	if err := cfg.MQTT.Validate(); err != nil {
		return nil, fmt.Errorf("mqtt: %w", err)
	}
	store := NewStore(cfg.Topology)
	client, err := mqtt.NewPahoClient(cfg.MQTT, store, logger.New("mqtt_client"))
	if err != nil {
		return nil, fmt.Errorf("mqtt client: %w", err)
	}
	closers := []func() error{func() error { client.Disconnect(); return nil }}

	sink, err := coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	deps := Deps{Publisher: client, Sink: sink, Logger: logg}

	if deps.Logs, err = OpenLogStore(cfg.Logging); err != nil {
		return nil, fmt.Errorf("log store: %w", err)
	}
	if deps.Logs != nil {
		closers = append(closers, deps.Logs.Close)
	}
	if cfg.Redis.Enabled {
		rp, err := redisstate.New(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		deps.Redis = rp
		closers = append(closers, rp.Close)
	}

	svc, err := NewWithDeps(cfg, store, deps)
	if err != nil {
		return nil, err
	}
	svc.closers = closers
	client.SetConfigurer(svc)
	return svc, nil
}

// NewWithDeps creates a Service around an existing store and collaborators.
func NewWithDeps(cfg *config.Config, store *state.MemoryStore, deps Deps) (*Service, error) {
	if deps.Publisher == nil {
		return nil, errors.New("app: setpoint publisher required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.New("service")
	}
	if deps.Sink == nil {
		deps.Sink = coremetrics.NopSink{}
	}
	h, err := topology.Build(cfg.Topology)
	if err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	engine, err := allocation.NewEngine(cfg.Allocation, h, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("allocation engine: %w", err)
	}
	return &Service{
		Engine: engine,
		Store:  store,
		cfg:    cfg,
		deps:   deps,
		bus:    eventbus.NewTyped[events.Event](),
		log:    deps.Logger,
		period: time.Duration(cfg.Allocation.CyclePeriodMS) * time.Millisecond,
	}, nil
}

// NewStore returns a state store with a record for every configured
// chargepoint.
func NewStore(topo topology.Config) *state.MemoryStore {
	store := state.NewMemoryStore(topo.Phases)
	for _, cp := range topo.Chargepoints {
		store.Configure(cp.ID, cp.Parent)
	}
	return store
}

// OpenLogStore opens the configured cycle log store. The "none" backend
// returns a nil store.
func OpenLogStore(cfg config.LoggingConfig) (logging.LogStore, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "jsonl":
		if cfg.MaxSizeMB > 0 {
			return logging.NewRotatingJSONLStore(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		}
		return logging.NewJSONLStore(cfg.Path)
	case "sqlite":
		return logging.NewSQLiteStore(cfg.Path)
	case "postgres":
		return logging.NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown backend %s", cfg.Backend)
	}
}

// ConfigureChargepoint adds a chargepoint to the engine and the store, or
// moves an existing one. It takes part in allocation from the next cycle.
func (s *Service) ConfigureChargepoint(cfg topology.ChargepointConfig) error {
	if err := s.Engine.ConfigureChargepoint(cfg); err != nil {
		return fmt.Errorf("configure chargepoint %d: %w", cfg.ID, err)
	}
	s.Store.Configure(cfg.ID, cfg.Parent)
	s.log.Infof("chargepoint %d configured below %s", cfg.ID, cfg.Parent)
	return nil
}

// RemoveChargepoint unconfigures a chargepoint. Its session and readings are
// dropped and it no longer appears in cycle results.
func (s *Service) RemoveChargepoint(id int) error {
	if err := s.Engine.RemoveChargepoint(id); err != nil {
		return fmt.Errorf("remove chargepoint %d: %w", id, err)
	}
	s.Store.Remove(id)
	s.log.Infof("chargepoint %d removed", id)
	return nil
}

// Bus returns the event bus the service publishes on.
func (s *Service) Bus() *eventbus.TypedBus[events.Event] { return s.bus }

// Run starts the control loop and the HTTP endpoints and blocks until the
// context is cancelled. Cycles never overlap.
func (s *Service) Run(ctx context.Context) error {
	metrics.StartEventCollector(ctx, s.bus, s.deps.Sink)
	if addr := s.cfg.Metrics.PrometheusAddr; addr != "" {
		go func() {
			if err := metrics.StartPromServer(ctx, addr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	if addr := s.cfg.API.Addr; addr != "" {
		mux := api.NewMux(s.deps.Logs, s.Engine, s.cfg.API.Token)
		go func() {
			if err := api.Serve(ctx, addr, mux); err != nil {
				s.log.Errorf("api server: %v", err)
			}
		}()
	}

	defer coremon.Recover()
	s.log.Infof("allocation loop started, period %s", s.period)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = s.RunCycle(ctx)
		}
	}
}

// RunCycle executes one cycle and distributes its result. A failed cycle
// leaves the previous setpoints in force and publishes nothing.
func (s *Service) RunCycle(ctx context.Context) (allocation.CycleResult, error) {
	res, err := s.Engine.Run(ctx, s.Store.Snapshot())
	if err != nil {
		s.log.Errorf("cycle discarded: %v", err)
		if !errors.Is(err, context.Canceled) {
			coremon.CaptureException(err, map[string]string{"module": "allocation"})
		}
		s.bus.Publish(events.CycleFailedEvent{Err: err, Time: time.Now()})
		return allocation.CycleResult{}, err
	}

	failed := s.publishSetpoints(ctx, res)
	s.Store.CommitTargets(res.Targets())
	s.bus.Publish(events.CycleEvent{Result: res})

	if s.deps.Logs != nil {
		if err := s.deps.Logs.Append(ctx, logging.NewRecord(res, failed)); err != nil {
			s.log.Errorf("log store: %v", err)
		}
	}
	if s.deps.Redis != nil {
		if err := s.deps.Redis.PublishCycle(ctx, res); err != nil {
			s.log.Errorf("redis: %v", err)
		}
	}
	return res, nil
}

// publishSetpoints sends the setpoints in chargepoint order and returns the
// ones that failed.
func (s *Service) publishSetpoints(ctx context.Context, res allocation.CycleResult) map[int]error {
	ids := make([]int, 0, len(res.Allocations))
	for id := range res.Allocations {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	failed := map[int]error{}
	for _, id := range ids {
		a := res.Allocations[id]
		sp := coremqtt.Setpoint{
			ChargepointID: id,
			Current:       a.Current,
			Currents:      a.Currents.Clone(),
			CycleID:       res.ID,
			Timestamp:     res.Start.UnixMilli(),
		}
		pctx, cancel := context.WithTimeout(ctx, s.period)
		start := time.Now()
		err := s.deps.Publisher.PublishSetpoint(pctx, sp)
		cancel()
		s.bus.Publish(events.SetpointEvent{
			CycleID:       res.ID,
			ChargepointID: id,
			Current:       a.Current,
			Err:           err,
			Latency:       time.Since(start),
		})
		if err != nil {
			s.log.Warnf("setpoint for chargepoint %d: %v", id, err)
			failed[id] = err
		}
	}
	return failed
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.bus.Close()
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	coremon.Flush(2 * time.Second)
	return errors.Join(errs...)
}
