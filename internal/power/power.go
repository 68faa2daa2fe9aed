// Package power converts the battery divider sample into a capacity estimate.
package power

import (
	"fmt"
	"math"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/log2"
)

// ADC returns divided pin voltage. Implementation owns divider enable/settle.
type ADC interface {
	ReadVolts() (float64, error)
}

type Params struct {
	EmptyVolts  float64
	FullVolts   float64
	Divider     float64
	LowCapacity float64
}

func (p Params) Validate() error {
	if p.Divider <= 0 {
		return errors.NotValidf("battery divider=%v", p.Divider)
	}
	if p.EmptyVolts >= p.FullVolts {
		return errors.NotValidf("battery empty_volts=%v >= full_volts=%v", p.EmptyVolts, p.FullVolts)
	}
	return nil
}

type BatteryState struct {
	RawVoltage      float64
	AdjustedVoltage float64
	CapacityPercent float64
	Low             bool
}

func (b BatteryState) String() string {
	return fmt.Sprintf("raw=%.3fV adjusted=%.3fV capacity=%.1f%% low=%t",
		b.RawVoltage, b.AdjustedVoltage, b.CapacityPercent, b.Low)
}

// FromRaw is pure, monotonic non-decreasing in raw and clamped to [0,100].
func FromRaw(raw float64, p Params) BatteryState {
	adjusted := raw * p.Divider
	capacity := (adjusted - p.EmptyVolts) / (p.FullVolts - p.EmptyVolts) * 100
	switch {
	case math.IsNaN(capacity) || capacity < 0:
		capacity = 0
	case capacity > 100:
		capacity = 100
	}
	return BatteryState{
		RawVoltage:      raw,
		AdjustedVoltage: adjusted,
		CapacityPercent: capacity,
		Low:             capacity < p.LowCapacity,
	}
}

type Monitor struct {
	adc    ADC
	log    *log2.Log
	params Params
}

func NewMonitor(log *log2.Log, adc ADC, p Params) (*Monitor, error) {
	if adc == nil {
		return nil, errors.NotValidf("code error power.NewMonitor adc=nil")
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Monitor{adc: adc, log: log, params: p}, nil
}

// Read takes one sample, no retry. On ADC error the state reads as empty and low.
func (self *Monitor) Read() (BatteryState, error) {
	raw, err := self.adc.ReadVolts()
	if err != nil {
		return BatteryState{Low: true}, errors.Annotate(err, "battery read")
	}
	bs := FromRaw(raw, self.params)
	self.log.Debugf("battery %s", bs.String())
	return bs, nil
}
