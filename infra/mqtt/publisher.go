package mqtt

import (
	"context"
	"fmt"
	"sync"

	coremqtt "github.com/kilianp07/loadguard/core/mqtt"
)

// Publisher mirrors the core mqtt.Publisher interface.
type Publisher = coremqtt.Publisher

// MockPublisher is a simple publisher used in tests and simulations.
type MockPublisher struct {
	Setpoints map[int]coremqtt.Setpoint
	FailIDs   map[int]bool
	Sent      int
	mu        sync.Mutex
}

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		Setpoints: make(map[int]coremqtt.Setpoint),
		FailIDs:   make(map[int]bool),
	}
}

// PublishSetpoint records the setpoint or fails if the chargepoint is marked
// in FailIDs.
func (m *MockPublisher) PublishSetpoint(ctx context.Context, sp coremqtt.Setpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailIDs[sp.ChargepointID] {
		return fmt.Errorf("%w: chargepoint %d", coremqtt.ErrPublishFailed, sp.ChargepointID)
	}
	m.Setpoints[sp.ChargepointID] = sp
	m.Sent++
	return nil
}

// Last returns the last setpoint sent to a chargepoint.
func (m *MockPublisher) Last(id int) (coremqtt.Setpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.Setpoints[id]
	return sp, ok
}

// Fail marks a chargepoint whose setpoints are rejected.
func (m *MockPublisher) Fail(id int, fail bool) {
	m.mu.Lock()
	m.FailIDs[id] = fail
	m.mu.Unlock()
}
