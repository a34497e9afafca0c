// Package domain provides core domain models and interfaces for sofar2PVO.
package domain

import (
	"context"
	"time"
)

// Well-known register range names. The first two are always polled because
// the plausibility checks need them.
const (
	RangeEnergyTodayTotals = "EnergyTodayTotals"
	RangePVOutput          = "PVOutput"
	RangeGridOutput        = "GridOutput"
	RangeSystemInfo        = "SystemInfo"
)

// Well-known field names inside those ranges.
const (
	FieldEnergyToday = "PV_Generation_Today"
	FieldPowerPV1    = "Power_PV1"
	FieldPowerPV2    = "Power_PV2"
	FieldTemperature = "Temperature_Env1"
	FieldGridVoltage = "Voltage_Phase_R"
)

// RequiredRanges returns the range names every poll must include.
func RequiredRanges() []string {
	return []string{RangeEnergyTodayTotals, RangePVOutput}
}

// PollResult maps register range name to decoded field values. A PollResult
// handed to callers is always complete: every required range present and
// plausibility checks passed. Absent fields mean "not available", never
// zero.
type PollResult map[string]map[string]float64

// Value returns a single field value, reporting whether it is present.
func (r PollResult) Value(rangeName, field string) (float64, bool) {
	fields, ok := r[rangeName]
	if !ok {
		return 0, false
	}
	v, ok := fields[field]
	return v, ok
}

// Has reports whether a range is present in the result.
func (r PollResult) Has(rangeName string) bool {
	_, ok := r[rangeName]
	return ok
}

// EnergyTodayKWh returns today's cumulative PV generation.
func (r PollResult) EnergyTodayKWh() (float64, bool) {
	return r.Value(RangeEnergyTodayTotals, FieldEnergyToday)
}

// TotalPVPower returns the summed instantaneous power of the PV strings.
// It is absent only when neither string field was decoded.
func (r PollResult) TotalPVPower() (float64, bool) {
	p1, ok1 := r.Value(RangePVOutput, FieldPowerPV1)
	p2, ok2 := r.Value(RangePVOutput, FieldPowerPV2)
	if !ok1 && !ok2 {
		return 0, false
	}
	return p1 + p2, true
}

// Reading is one accepted poll outcome as seen by downstream consumers.
type Reading struct {
	Timestamp time.Time  `json:"timestamp"`
	Serial    uint32     `json:"serial"`
	Values    PollResult `json:"values"`
}

// NewReading wraps an accepted PollResult with its capture time.
func NewReading(serial uint32, values PollResult) *Reading {
	return &Reading{
		Timestamp: time.Now(),
		Serial:    serial,
		Values:    values,
	}
}

// EnergyTodayKWh returns today's cumulative PV generation.
func (r *Reading) EnergyTodayKWh() (float64, bool) {
	return r.Values.EnergyTodayKWh()
}

// TotalPVPowerW returns the summed PV string power in watts.
func (r *Reading) TotalPVPowerW() (float64, bool) {
	return r.Values.TotalPVPower()
}

// TemperatureC returns the ambient temperature if it was decoded.
func (r *Reading) TemperatureC() (float64, bool) {
	return r.Values.Value(RangeSystemInfo, FieldTemperature)
}

// GridVoltageV returns the phase R grid voltage if it was decoded.
func (r *Reading) GridVoltageV() (float64, bool) {
	return r.Values.Value(RangeGridOutput, FieldGridVoltage)
}

// RegisterPoller reads register ranges from an inverter. It returns either
// a complete PollResult or an error; never partial data.
type RegisterPoller interface {
	Poll(ctx context.Context, rangeNames []string) (PollResult, error)
}

// MessagePublisher defines the interface for publishing accepted readings.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// MonitoringService defines the interface for external monitoring services.
type MonitoringService interface {
	// Send publishes a reading to the monitoring service
	Send(ctx context.Context, reading *Reading) error

	// Connect establishes a connection to the service
	Connect() error

	// Close terminates the connection to the service
	Close() error
}
