package model

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// DefaultPhaseCount is the number of phases of a standard three-phase supply.
const DefaultPhaseCount = 3

// Phases holds one value per electrical phase. Every Phases handled together
// must share the same phase ordering and length.
type Phases []float64

// NewPhases returns n zero-valued phases.
func NewPhases(n int) Phases {
	return make(Phases, n)
}

// Uniform returns n phases all set to v.
func Uniform(n int, v float64) Phases {
	p := make(Phases, n)
	for i := range p {
		p[i] = v
	}
	return p
}

// Clone returns a copy of p. A nil receiver yields nil.
func (p Phases) Clone() Phases {
	if p == nil {
		return nil
	}
	c := make(Phases, len(p))
	copy(c, p)
	return c
}

// Max returns the largest phase value, or 0 for an empty set.
func (p Phases) Max() float64 {
	if len(p) == 0 {
		return 0
	}
	return floats.Max(p)
}

// Min returns the smallest phase value, or 0 for an empty set.
func (p Phases) Min() float64 {
	if len(p) == 0 {
		return 0
	}
	return floats.Min(p)
}

// Sum returns the sum over all phases.
func (p Phases) Sum() float64 {
	return floats.Sum(p)
}

// Add returns p + o element-wise.
func (p Phases) Add(o Phases) Phases {
	mustMatch(p, o)
	return floats.AddTo(make(Phases, len(p)), p, o)
}

// Sub returns p - o element-wise.
func (p Phases) Sub(o Phases) Phases {
	mustMatch(p, o)
	return floats.SubTo(make(Phases, len(p)), p, o)
}

// ClampZero returns p with negative entries replaced by zero.
func (p Phases) ClampZero() Phases {
	c := p.Clone()
	for i, v := range c {
		if v < 0 {
			c[i] = 0
		}
	}
	return c
}

// LessOrEqual reports whether every phase of p is <= the same phase of o.
func (p Phases) LessOrEqual(o Phases) bool {
	mustMatch(p, o)
	for i := range p {
		if p[i] > o[i] {
			return false
		}
	}
	return true
}

// Equal reports whether p and o hold the same values.
func (p Phases) Equal(o Phases) bool {
	return len(p) == len(o) && floats.Equal(p, o)
}

// IsZero reports whether every phase is zero.
func (p Phases) IsZero() bool {
	for _, v := range p {
		if v != 0 {
			return false
		}
	}
	return true
}

func mustMatch(a, b Phases) {
	if len(a) != len(b) {
		panic(fmt.Sprintf("phase length mismatch: %d != %d", len(a), len(b)))
	}
}
