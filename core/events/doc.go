// Package events defines the events emitted on the event bus by the control
// loop.
//
// Available event types:
//   - CycleEvent: an allocation cycle was committed
//   - CycleFailedEvent: a cycle was discarded
//   - SetpointEvent: result of publishing one chargepoint setpoint
package events

// Event is any of the event types of this package.
type Event = any
