package allocation

import (
	"time"

	"github.com/google/uuid"
)

// Session holds the decisions of a single allocation cycle. A new session is
// created for every cycle and discarded afterwards, so no decision can leak
// into the next cycle.
type Session struct {
	ID      string
	Started time.Time
	set     map[int]float64
}

// NewSession starts an empty session.
func NewSession(now time.Time) *Session {
	return &Session{ID: uuid.NewString(), Started: now, set: make(map[int]float64)}
}

// ResetCurrent clears the current of every chargepoint. Calling it again has
// no further effect.
func (s *Session) ResetCurrent() {
	for id := range s.set {
		delete(s.set, id)
	}
}

// SetCurrent returns the current decided for a chargepoint in this cycle and
// whether one has been decided yet.
func (s *Session) SetCurrent(cpID int) (float64, bool) {
	v, ok := s.set[cpID]
	return v, ok
}

// Currents returns a copy of every decision made so far.
func (s *Session) Currents() map[int]float64 {
	res := make(map[int]float64, len(s.set))
	for id, v := range s.set {
		res[id] = v
	}
	return res
}

func (s *Session) assign(cpID int, current float64) {
	s.set[cpID] = current
}
