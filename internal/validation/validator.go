// Package validation provides plausibility checks for decoded inverter
// data. Values are judged against the declared system capacity; implausible
// reads usually mean a register read landed mid-update or on a day
// boundary, so rejection means "retry", never "fatal".
package validation

import (
	"fmt"

	"github.com/M-Klemm/sofar2PVO/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Capacity-relative bounds.
const (
	// MaxDailyYieldFactor caps today's cumulative energy at 10 kWh per kW
	// of rated capacity.
	MaxDailyYieldFactor = 10

	// MaxPowerFactor caps instantaneous power at 1200 W per kW of rated
	// capacity, leaving generous headroom for transient overproduction on
	// cold, windy, sunny days.
	MaxPowerFactor = 1200
)

// Rejection describes why a poll result was deemed implausible.
type Rejection struct {
	Field   string
	Value   float64
	Limit   float64
	Message string
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	return fmt.Sprintf("implausible %s: %g exceeds limit %g (%s)", r.Field, r.Value, r.Limit, r.Message)
}

// PlausibilityChecker validates poll results against a rated system
// capacity. A capacity of zero disables all checks.
type PlausibilityChecker struct {
	capacityKW float64
	logger     zerolog.Logger
}

// NewPlausibilityChecker creates a checker for the given rated capacity in kW.
func NewPlausibilityChecker(capacityKW float64) *PlausibilityChecker {
	return &PlausibilityChecker{
		capacityKW: capacityKW,
		logger:     log.With().Str("component", "validation").Logger(),
	}
}

// Enabled reports whether plausibility checking is active.
func (c *PlausibilityChecker) Enabled() bool {
	return c.capacityKW > 0
}

// Check validates a poll result. It returns nil when the result is
// acceptable and a *Rejection when it should be discarded and re-read.
// Fields absent from the result are not judged; completeness is the
// orchestrator's concern.
func (c *PlausibilityChecker) Check(result domain.PollResult) *Rejection {
	if !c.Enabled() {
		return nil
	}

	if energy, ok := result.EnergyTodayKWh(); ok {
		limit := MaxDailyYieldFactor * c.capacityKW
		if energy > limit {
			rej := &Rejection{
				Field:   domain.FieldEnergyToday,
				Value:   energy,
				Limit:   limit,
				Message: fmt.Sprintf("energy yield today too large for system size %gkW", c.capacityKW),
			}
			c.logger.Debug().
				Float64("value", energy).
				Float64("limit", limit).
				Msg("Value for 'energy today' too large - retrying")
			return rej
		}
	}

	if power, ok := result.TotalPVPower(); ok {
		limit := MaxPowerFactor * c.capacityKW
		if power > limit {
			rej := &Rejection{
				Field:   "power_total",
				Value:   power,
				Limit:   limit,
				Message: fmt.Sprintf("total power much larger than system size %gkW", c.capacityKW),
			}
			c.logger.Debug().
				Float64("value", power).
				Float64("limit", limit).
				Msg("Value for 'power' too large - retrying")
			return rej
		}
	}

	return nil
}
