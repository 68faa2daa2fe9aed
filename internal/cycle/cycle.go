// Package cycle runs wake cycles: acquire, transmit, pick sleep, suspend.
package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/greenbox/internal/modem"
	"github.com/temoto/greenbox/internal/power"
	"github.com/temoto/greenbox/internal/sensor"
	"github.com/temoto/greenbox/internal/telemetry"
	"github.com/temoto/greenbox/log2"
)

type Sensors interface {
	ReadAll() sensor.Readings
}

type Battery interface {
	Read() (power.BatteryState, error)
}

type Modem interface {
	Run(ctx context.Context, fn func(context.Context) bool) modem.Result
}

type Publisher interface {
	Publish(ctx context.Context, r telemetry.Report) bool
}

// Suspender returns after duration elapsed.
type Suspender interface {
	SleepFor(d time.Duration) error
}

type Config struct {
	SleepSuccess time.Duration
	SleepFailed  time.Duration
}

type Outcome struct {
	SensorsOK  bool
	Readings   sensor.Readings
	Battery    power.BatteryState
	BatteryErr error
	TransmitOK bool
	Modem      modem.Result
	Sleep      time.Duration
	Awake      time.Duration
}

func (o *Outcome) String() string {
	return fmt.Sprintf("sensors_ok=%t valid=%d/%d battery=(%s) transmit_ok=%t modem=(%s) awake=%v sleep=%v",
		o.SensorsOK, o.Readings.ValidCount(), len(o.Readings), o.Battery.String(), o.TransmitOK, o.Modem.String(), o.Awake, o.Sleep)
}

type Controller struct {
	config    Config
	log       *log2.Log
	sensors   Sensors
	battery   Battery
	modem     Modem
	publisher Publisher
	suspender Suspender
	// used when primary suspender fails, so the node never skips sleep
	fallback Suspender
	// called after each cycle, before suspend
	AfterCycle func(Outcome)
}

func New(log *log2.Log, c Config, sensors Sensors, battery Battery, m Modem, p Publisher, s Suspender, fallback Suspender) (*Controller, error) {
	if sensors == nil || battery == nil || m == nil || p == nil || s == nil {
		return nil, errors.NotValidf("code error cycle.New nil component")
	}
	if c.SleepSuccess <= 0 || c.SleepFailed <= 0 {
		return nil, errors.NotValidf("sleep success=%v failed=%v", c.SleepSuccess, c.SleepFailed)
	}
	return &Controller{
		config:    c,
		log:       log,
		sensors:   sensors,
		battery:   battery,
		modem:     m,
		publisher: p,
		suspender: s,
		fallback:  fallback,
	}, nil
}

// Cycle acquires and transmits, never suspends.
func (self *Controller) Cycle(ctx context.Context) Outcome {
	begin := atomic_clock.Now()
	o := Outcome{}

	o.Readings = self.sensors.ReadAll()
	o.SensorsOK = o.Readings.ValidCount() >= 1
	o.Battery, o.BatteryErr = self.battery.Read()
	if o.BatteryErr != nil {
		self.log.Errorf("cycle battery %v", o.BatteryErr)
	}

	report := telemetry.NewReport(o.Readings, o.Battery)
	o.Modem = self.modem.Run(ctx, func(ctx context.Context) bool {
		return self.publisher.Publish(ctx, report)
	})
	o.TransmitOK = o.Modem.OK

	if o.SensorsOK && o.TransmitOK {
		o.Sleep = self.config.SleepSuccess
	} else {
		o.Sleep = self.config.SleepFailed
	}
	o.Awake = atomic_clock.Since(begin)
	self.log.Infof("cycle %s", o.String())
	return o
}

func (self *Controller) Suspend(o Outcome) error {
	err := self.suspender.SleepFor(o.Sleep)
	if err == nil {
		return nil
	}
	self.log.Errorf("cycle suspend %v", err)
	if self.fallback == nil {
		return errors.Annotate(err, "suspend")
	}
	return errors.Annotate(self.fallback.SleepFor(o.Sleep), "suspend fallback")
}

// RunOnce is one complete wake cycle. Suspend happens exactly once.
func (self *Controller) RunOnce(ctx context.Context) Outcome {
	o := self.Cycle(ctx)
	if self.AfterCycle != nil {
		self.AfterCycle(o)
	}
	if err := self.Suspend(o); err != nil {
		self.log.Errorf("%v", err)
	}
	return o
}

// Loop repeats cycles until a is stopped. Stop takes effect between cycles,
// a.Wait() returns after current cycle finished. Returns number of cycles.
func (self *Controller) Loop(ctx context.Context, a *alive.Alive) int {
	if !a.Add(1) {
		return 0
	}
	defer a.Done()
	n := 0
	for a.IsRunning() {
		self.RunOnce(ctx)
		n++
	}
	self.log.Infof("cycle loop stopped after %d cycles", n)
	return n
}
