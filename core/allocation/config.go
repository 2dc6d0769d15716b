package allocation

import (
	"fmt"
	"time"
)

// Config defines the load management settings.
type Config struct {
	// MinCurrent is the guaranteed per-phase floor of an active session in A.
	MinCurrent float64 `json:"min_current"`
	// ConsiderLessCharging keeps counting a chargepoint at its previous target
	// even when its vehicle draws less.
	ConsiderLessCharging bool `json:"consider_less_charging"`
	// ChargeStartGraceSeconds is the time after session start during which
	// low draw is treated as ramp-up.
	ChargeStartGraceSeconds int `json:"charge_start_grace_seconds"`
	// NominalDifference is the margin above measured draw a reduced
	// chargepoint keeps so it can ramp back up.
	NominalDifference float64 `json:"nominal_difference"`
	// MaxReadingAgeSeconds marks readings older than this as missing.
	MaxReadingAgeSeconds int `json:"max_reading_age_seconds"`
	// CyclePeriodMS is the control loop period.
	CyclePeriodMS int `json:"cycle_period_ms"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.MinCurrent == 0 {
		c.MinCurrent = 6
	}
	if c.ChargeStartGraceSeconds == 0 {
		c.ChargeStartGraceSeconds = 60
	}
	if c.NominalDifference == 0 {
		c.NominalDifference = 1
	}
	if c.MaxReadingAgeSeconds == 0 {
		c.MaxReadingAgeSeconds = 30
	}
	if c.CyclePeriodMS == 0 {
		c.CyclePeriodMS = 1000
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.MinCurrent <= 0 {
		return fmt.Errorf("min_current must be positive")
	}
	if c.ChargeStartGraceSeconds < 0 {
		return fmt.Errorf("charge_start_grace_seconds must not be negative")
	}
	if c.NominalDifference < 0 {
		return fmt.Errorf("nominal_difference must not be negative")
	}
	if c.CyclePeriodMS < 100 {
		return fmt.Errorf("cycle_period_ms must be at least 100")
	}
	return nil
}

// ChargeStartGrace returns the ramp-up window as a duration.
func (c Config) ChargeStartGrace() time.Duration {
	return time.Duration(c.ChargeStartGraceSeconds) * time.Second
}

// MaxReadingAge returns the reading expiry as a duration. Zero or negative
// disables the check.
func (c Config) MaxReadingAge() time.Duration {
	return time.Duration(c.MaxReadingAgeSeconds) * time.Second
}

// CyclePeriod returns the control loop period.
func (c Config) CyclePeriod() time.Duration {
	return time.Duration(c.CyclePeriodMS) * time.Millisecond
}
