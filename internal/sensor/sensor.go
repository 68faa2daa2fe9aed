// Package sensor reads the fixed set of 1-Wire temperature probes, one per zone.
package sensor

import (
	"fmt"
	"math"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/greenbox/helpers"
	"github.com/temoto/greenbox/log2"
)

// Invalid marks a zone without a measurement this cycle. Distinct from zero.
const Invalid = -100.0

// DS18B20 datasheet range
const (
	MinPlausible = -55.0
	MaxPlausible = 125.0

	// Scratchpad content after power-up, before any conversion.
	PowerOnReset = 85.0
)

// Probe is the 1-Wire side: conversion request, scratchpad read.
// Read returns an error on no presence pulse, CRC mismatch or timeout.
type Probe interface {
	Power(on bool) error
	RequestConversion(addr uint64) error
	Read(addr uint64) (float64, error)
}

type Zone struct {
	Index   int
	Name    string
	Address uint64
}

type ZoneReading struct {
	Zone        int
	Name        string
	Address     uint64
	Temperature float64
	Latency     time.Duration
}

func (r *ZoneReading) Valid() bool { return r.Temperature != Invalid }

func (r *ZoneReading) String() string {
	if !r.Valid() {
		return fmt.Sprintf("zone=%d(%s) addr=%016x invalid latency=%v", r.Zone, r.Name, r.Address, r.Latency)
	}
	return fmt.Sprintf("zone=%d(%s) addr=%016x t=%.2f latency=%v", r.Zone, r.Name, r.Address, r.Temperature, r.Latency)
}

type Readings []ZoneReading

// Aggregate is the mean of valid temperatures, ok=false when none is valid.
func (rs Readings) Aggregate() (float64, bool) {
	sum, n := 0.0, 0
	for i := range rs {
		if rs[i].Valid() {
			sum += rs[i].Temperature
			n++
		}
	}
	if n == 0 {
		return Invalid, false
	}
	return sum / float64(n), true
}

func (rs Readings) ValidCount() int {
	n := 0
	for i := range rs {
		if rs[i].Valid() {
			n++
		}
	}
	return n
}

// Bank owns the probe bus for the duration of ReadAll. No state between calls.
type Bank struct {
	delay  helpers.Delayer
	log    *log2.Log
	probe  Probe
	settle time.Duration
	zones  []Zone
}

// NewBank checks that zone table is dense 0..N-1 with unique non-zero addresses.
func NewBank(log *log2.Log, probe Probe, zones []Zone, settle time.Duration, delay helpers.Delayer) (*Bank, error) {
	if probe == nil {
		return nil, errors.NotValidf("code error sensor.NewBank probe=nil")
	}
	if delay == nil {
		delay = helpers.RealDelay{}
	}
	sorted := make([]Zone, len(zones))
	seenAddr := make(map[uint64]int, len(zones))
	for _, z := range zones {
		if z.Index < 0 || z.Index >= len(zones) {
			return nil, errors.NotValidf("zone=%s index=%d out of range 0..%d", z.Name, z.Index, len(zones)-1)
		}
		if sorted[z.Index].Address != 0 {
			return nil, errors.NotValidf("zone=%s index=%d duplicate", z.Name, z.Index)
		}
		if z.Address == 0 {
			return nil, errors.NotValidf("zone=%s address=0", z.Name)
		}
		if other, ok := seenAddr[z.Address]; ok {
			return nil, errors.NotValidf("zone=%s address=%016x duplicate of zone index=%d", z.Name, z.Address, other)
		}
		seenAddr[z.Address] = z.Index
		sorted[z.Index] = z
	}
	return &Bank{
		delay:  delay,
		log:    log,
		probe:  probe,
		settle: settle,
		zones:  sorted,
	}, nil
}

func (self *Bank) Zones() []Zone { return append([]Zone(nil), self.zones...) }

// ReadAll never fails as a whole: absent or faulty probe yields Invalid for its zone.
func (self *Bank) ReadAll() Readings {
	if err := self.probe.Power(true); err != nil {
		self.log.Errorf("sensor bus power on err=%v", err)
	}
	defer func() {
		if err := self.probe.Power(false); err != nil {
			self.log.Errorf("sensor bus power off err=%v", err)
		}
	}()

	rs := make(Readings, len(self.zones))
	for i, z := range self.zones {
		rs[i] = self.readZone(z)
		self.log.Debugf("sensor %s", rs[i].String())
	}
	return rs
}

func (self *Bank) readZone(z Zone) ZoneReading {
	r := ZoneReading{Zone: z.Index, Name: z.Name, Address: z.Address, Temperature: Invalid}
	begin := atomic_clock.Now()

	if err := self.probe.RequestConversion(z.Address); err != nil {
		self.log.Errorf("sensor zone=%d convert err=%v", z.Index, err)
		r.Latency = atomic_clock.Since(begin)
		return r
	}
	self.delay.Delay(self.settle)
	t, err := self.probe.Read(z.Address)
	if err != nil {
		self.log.Errorf("sensor zone=%d read err=%v", z.Index, err)
		r.Latency = atomic_clock.Since(begin)
		return r
	}
	if math.IsNaN(t) || t < MinPlausible || t > MaxPlausible {
		self.log.Errorf("sensor zone=%d implausible t=%v", z.Index, t)
		r.Latency = atomic_clock.Since(begin)
		return r
	}
	if t == PowerOnReset {
		self.log.Errorf("sensor zone=%d power-on reset value, conversion did not run", z.Index)
		r.Latency = atomic_clock.Since(begin)
		return r
	}
	r.Temperature = t
	r.Latency = atomic_clock.Since(begin)
	return r
}
