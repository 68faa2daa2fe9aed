package state

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/hardware/adc"
	"github.com/temoto/greenbox/hardware/atport"
	"github.com/temoto/greenbox/hardware/pin"
	"github.com/temoto/greenbox/hardware/probe"
	"github.com/temoto/greenbox/hardware/suspend"
	"github.com/temoto/greenbox/hardware/uart"
	"github.com/temoto/greenbox/helpers"
	"github.com/temoto/greenbox/internal/broker"
	"github.com/temoto/greenbox/internal/config"
	"github.com/temoto/greenbox/internal/cycle"
	"github.com/temoto/greenbox/internal/modem"
	"github.com/temoto/greenbox/internal/power"
	"github.com/temoto/greenbox/internal/recorder"
	"github.com/temoto/greenbox/internal/sensor"
	"github.com/temoto/greenbox/internal/store"
)

// Exported fields set before Init are used as is (state-new testing mode).
type hardware struct {
	Modem struct {
		once
		Key    modem.PowerKey
		AT     modem.AT
		Packet modem.PacketSession
		pin    *pin.Output
		port   *uart.Port
	}
	Probe struct {
		once
		Probe  sensor.Probe
		bus    *probe.Bus
		supply *pin.Output
	}
	Battery struct {
		once
		ADC    power.ADC
		enable *pin.Output
	}
	Broker struct {
		once
		Client broker.Client
	}
	Suspend struct {
		once
		Suspender cycle.Suspender
		Fallback  cycle.Suspender
	}
	Recorder struct {
		once
		Client broker.Subscriber
		Sink   recorder.Sink
		db     *store.Store
	}
}

const (
	labelPowerKey = "greenbox-pwrkey"
	labelOneWire  = "greenbox-onewire"
	labelBattery  = "greenbox-battery"
)

func (g *Global) ModemDevices() (modem.PowerKey, modem.AT, modem.PacketSession, error) {
	x := &g.Hardware.Modem // short alias
	_ = x.do(func() error {
		hw := &g.Config.Hardware.Modem
		log := g.componentLog(g.Config.Modem.LogDebug || hw.LogDebug)
		if x.Key == nil {
			key, err := pin.Open(hw.PinChip, hw.PinPowerKey, labelPowerKey, hw.PowerKeyInverse)
			if err != nil {
				return errors.Annotatef(err, "config: hardware.modem.pin_pwrkey=%s", hw.PinPowerKey)
			}
			x.pin, x.Key = key, key
		}
		if x.AT == nil {
			port, err := uart.Open(hw.UartDevice, hw.UartBaud)
			if err != nil {
				return errors.Annotatef(err, "config: hardware.modem.uart_device=%s", hw.UartDevice)
			}
			x.port = port
			x.AT = atport.New(log, port)
		}
		if x.Packet == nil {
			m := &g.Config.Modem
			x.Packet = atport.NewPacketSession(log, x.AT, atport.PacketConfig{
				Apn:            m.Apn,
				User:           m.User,
				Password:       m.Password,
				CommandTimeout: helpers.IntMillisDefault(m.AtTimeoutMs, time.Second),
			})
		}
		return nil
	})
	return x.Key, x.AT, x.Packet, x.err
}

func (g *Global) SensorProbe() (sensor.Probe, error) {
	x := &g.Hardware.Probe
	_ = x.do(func() error {
		if x.Probe != nil {
			return nil
		}
		hw := &g.Config.Hardware.OneWire
		supply, err := pin.Open(hw.PinChip, hw.PinPower, labelOneWire, false)
		if err != nil {
			return errors.Annotatef(err, "config: hardware.onewire.pin_power=%s", hw.PinPower)
		}
		bus, err := probe.Open(hw.Bus, hw.Resolution, supply)
		if err != nil {
			_ = supply.Close()
			return errors.Annotatef(err, "config: hardware.onewire.bus=%s", hw.Bus)
		}
		x.supply, x.bus, x.Probe = supply, bus, bus
		return nil
	})
	return x.Probe, x.err
}

func (g *Global) BatteryADC() (power.ADC, error) {
	x := &g.Hardware.Battery
	_ = x.do(func() error {
		if x.ADC != nil {
			return nil
		}
		hw := &g.Config.Hardware.Battery
		enable, err := pin.Open(hw.PinChip, hw.PinEnable, labelBattery, false)
		if err != nil {
			return errors.Annotatef(err, "config: hardware.battery.pin_enable=%s", hw.PinEnable)
		}
		x.enable = enable
		x.ADC = &adc.IIO{
			Root:    filepath.Dir(hw.IioDevice),
			Device:  filepath.Base(hw.IioDevice),
			Channel: hw.Channel,
			Enable:  enable,
			Settle:  helpers.IntMillisDefault(hw.SettleMs, 10*time.Millisecond),
			Delay:   g.delay(),
		}
		return nil
	})
	return x.ADC, x.err
}

func (g *Global) Broker() (broker.Client, error) {
	x := &g.Hardware.Broker
	_ = x.do(func() error {
		if x.Client != nil {
			return nil
		}
		q := &g.Config.Mqtt
		c, err := broker.New(q.Driver, broker.Options{
			Log:    g.componentLog(q.LogDebug),
			Qos:    byte(q.Qos),
			Retain: q.Retain,
		})
		if err != nil {
			return errors.Annotatef(err, "config: mqtt")
		}
		x.Client = c
		return nil
	})
	return x.Client, x.err
}

// RecorderDevices is own broker connection (logger client id and qos)
// and the database.
func (g *Global) RecorderDevices(ctx context.Context) (broker.Subscriber, recorder.Sink, error) {
	x := &g.Hardware.Recorder
	_ = x.do(func() error {
		l := &g.Config.Logger
		if x.Client == nil {
			qos := 1
			if l.Qos != nil {
				qos = *l.Qos
			}
			c, err := broker.New(g.Config.Mqtt.Driver, broker.Options{
				Log: g.componentLog(l.LogDebug),
				Qos: byte(qos),
			})
			if err != nil {
				return errors.Annotatef(err, "config: logger")
			}
			x.Client = c
		}
		if x.Sink == nil {
			db, err := store.Open(ctx, g.Log, l.Database)
			if err != nil {
				return errors.Annotate(err, "config: logger database")
			}
			x.db, x.Sink = db, db
		}
		return nil
	})
	return x.Client, x.Sink, x.err
}

// Suspender returns primary and fallback. RTC mode falls back to in-process
// wait, so a failed RTC write never skips the sleep.
func (g *Global) Suspender() (cycle.Suspender, cycle.Suspender, error) {
	x := &g.Hardware.Suspend
	_ = x.do(func() error {
		if x.Suspender != nil {
			return nil
		}
		hw := &g.Config.Hardware.Suspend
		simulated := &suspend.Simulated{Log: g.Log, Stop: g.Alive.StopChan()}
		switch hw.Mode {
		case config.SuspendModeRTC:
			rtc := suspend.NewRTC(g.Log, hw.RtcWakealarm, hw.PowerState)
			rtc.Delay = g.delay()
			x.Suspender, x.Fallback = rtc, simulated
		case config.SuspendModeSimulate:
			x.Suspender = simulated
		default:
			return errors.NotValidf("config: hardware.suspend.mode=%s", hw.Mode)
		}
		return nil
	})
	return x.Suspender, x.Fallback, x.err
}

// Close releases opened hardware. Safe after partial Init.
func (g *Global) Close() error {
	hw := &g.Hardware
	errs := make([]error, 0)
	if hw.Modem.port != nil {
		errs = append(errs, errors.Annotate(hw.Modem.port.Close(), "modem uart"))
	}
	if hw.Modem.pin != nil {
		errs = append(errs, errors.Annotate(hw.Modem.pin.Close(), "modem pwrkey"))
	}
	if hw.Probe.bus != nil {
		errs = append(errs, errors.Annotate(hw.Probe.bus.Close(), "onewire"))
	}
	if hw.Probe.supply != nil {
		errs = append(errs, errors.Annotate(hw.Probe.supply.Close(), "onewire supply"))
	}
	if hw.Battery.enable != nil {
		errs = append(errs, errors.Annotate(hw.Battery.enable.Close(), "battery enable"))
	}
	if hw.Recorder.db != nil {
		errs = append(errs, errors.Trace(hw.Recorder.db.Close()))
	}
	return helpers.FoldErrors(errs)
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}
