package state

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/crc"
	"github.com/temoto/greenbox/helpers"
	"github.com/temoto/greenbox/internal/broker"
	"github.com/temoto/greenbox/internal/config"
	"github.com/temoto/greenbox/internal/cycle"
	"github.com/temoto/greenbox/internal/modem"
	"github.com/temoto/greenbox/internal/power"
	"github.com/temoto/greenbox/internal/recorder"
	"github.com/temoto/greenbox/internal/sensor"
	"github.com/temoto/greenbox/internal/telemetry"
)

func ms(x int) time.Duration { return time.Duration(x) * time.Millisecond }

func ModemConfig(c *config.Config) modem.Config {
	m := &c.Modem
	return modem.Config{
		PowerOnPulse:  ms(m.PowerOnPulseMs),
		PowerOnDelay:  ms(m.PowerOnDelayMs),
		WakeupDelay:   ms(m.WakeupDelayMs),
		PowerOffPulse: ms(m.PowerOffPulseMs),
		PowerOffDelay: ms(m.PowerOffDelayMs),
		Handshake:     modem.Policy{Attempts: m.InitRetry, Interval: ms(m.TestDelayMs), Timeout: ms(m.AtTimeoutMs)},
		IMEIReadDelay: ms(m.ImeiReadDelayMs),
		SIM:           modem.Policy{Attempts: 1, Settle: ms(m.SimInitDelayMs), Interval: ms(m.SimReadDelayMs)},
		SimPin:        m.SimPin,
		Attach:        modem.Policy{Attempts: m.NetworkCheckRetry, Interval: ms(m.NetworkCheckIntervalMs)},
		Packet:        modem.Policy{Attempts: m.GprsConnectRetry, Interval: ms(m.GprsConnectDelayMs), Settle: ms(m.GprsInitDelayMs)},
		PacketTest:    modem.Policy{Attempts: m.GprsTestRetry, Interval: ms(m.GprsTestDelayMs)},
	}
}

func TelemetryConfig(c *config.Config) telemetry.Config {
	q := &c.Mqtt
	return telemetry.Config{
		Credentials: broker.Credentials{
			BrokerURL: q.BrokerURL(),
			ClientID:  q.ClientID,
			Username:  q.Username,
			Password:  q.Password,
		},
		Timeout:      helpers.IntSecondDefault(q.TimeoutSec, 20*time.Second),
		ConnectDelay: ms(q.ConnectDelayMs),
		ConnectRetry: q.ConnectRetry,
		Topics: telemetry.Topics{
			TemperatureAvg:         q.Topic.TemperatureAvg,
			TemperatureSensor:      q.Topic.TemperatureSensor,
			BatteryCapacity:        q.Topic.BatteryCapacity,
			BatteryLow:             q.Topic.BatteryLow,
			BatteryVoltage:         q.Topic.BatteryVoltage,
			BatteryAdjustedVoltage: q.Topic.BatteryAdjustedVoltage,
		},
	}
}

func BatteryParams(c *config.Config) power.Params {
	b := &c.Battery
	return power.Params{
		EmptyVolts:  b.EmptyVolts,
		FullVolts:   b.FullVolts,
		Divider:     b.Divider,
		LowCapacity: *b.LowCapacity,
	}
}

func SensorZones(c *config.Config) ([]sensor.Zone, error) {
	zcs := c.SortedZones()
	zs := make([]sensor.Zone, len(zcs))
	for i := range zcs {
		addr, err := zcs[i].Addr()
		if err != nil {
			return nil, errors.Trace(err)
		}
		zs[i] = sensor.Zone{Index: zcs[i].Index, Name: zcs[i].Name, Address: addr}
	}
	return zs, nil
}

// RecorderConfig shares broker address and credentials with the node,
// client id is its own so both may be connected at once.
func RecorderConfig(c *config.Config) recorder.Config {
	t := TelemetryConfig(c)
	cred := t.Credentials
	cred.ClientID = c.Logger.ClientID
	return recorder.Config{
		Credentials:    cred,
		Timeout:        t.Timeout,
		ReconnectDelay: helpers.IntMillisDefault(c.Logger.ReconnectDelayMs, 5*time.Second),
	}
}

func RecorderMapping(c *config.Config) recorder.Mapping {
	return recorder.NewMapping(TelemetryConfig(c).Topics, len(c.Sensor.Zones))
}

func CycleConfig(c *config.Config) cycle.Config {
	return cycle.Config{
		SleepSuccess: helpers.IntSecondDefault(c.Sleep.SuccessSec, 15*time.Minute),
		SleepFailed:  helpers.IntSecondDefault(c.Sleep.FailedSec, 2*time.Minute),
	}
}

// Controller assembles the wake cycle from initialized hardware.
func (g *Global) Controller() (*cycle.Controller, error) {
	c := g.Config
	delay := g.delay()

	probe, err := g.SensorProbe()
	if err != nil {
		return nil, errors.Annotate(err, "sensor probe")
	}
	zones, err := SensorZones(c)
	if err != nil {
		return nil, errors.Annotate(err, "config: sensor")
	}
	for _, z := range zones {
		if !crc.ValidROM(z.Address) {
			g.Log.Errorf("config: sensor zone=%s address=%016x rom crc mismatch, zone will read invalid", z.Name, z.Address)
		}
	}
	bank, err := sensor.NewBank(g.Log, probe, zones, ms(c.Sensor.ReadingDelayMs), delay)
	if err != nil {
		return nil, errors.Annotate(err, "config: sensor")
	}

	adc, err := g.BatteryADC()
	if err != nil {
		return nil, errors.Annotate(err, "battery adc")
	}
	battery, err := power.NewMonitor(g.Log, adc, BatteryParams(c))
	if err != nil {
		return nil, errors.Annotate(err, "config: battery")
	}

	key, at, packet, err := g.ModemDevices()
	if err != nil {
		return nil, errors.Annotate(err, "modem devices")
	}
	lifecycle, err := modem.New(g.componentLog(c.Modem.LogDebug), ModemConfig(c), key, at, packet, delay)
	if err != nil {
		return nil, errors.Annotate(err, "config: modem")
	}

	client, err := g.Broker()
	if err != nil {
		return nil, errors.Annotate(err, "mqtt")
	}
	publisher, err := telemetry.NewPublisher(g.componentLog(c.Mqtt.LogDebug), client, TelemetryConfig(c), delay)
	if err != nil {
		return nil, errors.Annotate(err, "config: mqtt")
	}

	suspender, fallback, err := g.Suspender()
	if err != nil {
		return nil, errors.Annotate(err, "suspend")
	}
	return cycle.New(g.Log, CycleConfig(c), bank, battery, lifecycle, publisher, suspender, fallback)
}

// Recorder assembles `logger` mode after InitRecorder.
func (g *Global) Recorder(ctx context.Context) (*recorder.Recorder, broker.Subscriber, error) {
	c := g.Config
	client, sink, err := g.RecorderDevices(ctx)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	r, err := recorder.New(g.componentLog(c.Logger.LogDebug), RecorderConfig(c), RecorderMapping(c), sink, g.delay())
	if err != nil {
		return nil, nil, errors.Annotate(err, "config: logger")
	}
	return r, client, nil
}
