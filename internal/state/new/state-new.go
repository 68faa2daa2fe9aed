// Sorry, workaround to import cycles.
package state_new

import (
	"context"
	"os"
	"testing"

	"github.com/temoto/alive/v2"
	"github.com/temoto/greenbox/helpers"
	"github.com/temoto/greenbox/internal/config"
	"github.com/temoto/greenbox/internal/cycle"
	"github.com/temoto/greenbox/internal/modem"
	"github.com/temoto/greenbox/internal/power"
	"github.com/temoto/greenbox/internal/recorder"
	"github.com/temoto/greenbox/internal/sensor"
	"github.com/temoto/greenbox/internal/state"
	"github.com/temoto/greenbox/internal/telemetry"
	"github.com/temoto/greenbox/log2"
)

func NewContext(log *log2.Log) (context.Context, *state.Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &state.Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, state.ContextKey, g)

	return ctx, g
}

// Mocks are preset into Global.Hardware by NewTestContext.
type Mocks struct {
	Key       *modem.MockKey
	AT        *modem.MockAT
	Packet    *modem.MockPacket
	Probe     *sensor.MockProbe
	ADC       *power.MockADC
	Client    *telemetry.MockClient
	Suspender *cycle.MockSuspender
	Delay     *helpers.FakeDelay
	// logger mode, database opens at logger.database
	Subscriber *recorder.MockBroker
}

// NewTestContext is healthy node: modem answers, every probe reads 20°C,
// battery full (2.2V on divider).
func NewTestContext(t testing.TB, buildVersion string, confString string) (context.Context, *state.Global, *Mocks) {
	fs := config.NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	var log *log2.Log
	if os.Getenv("greenbox_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.BuildVersion = buildVersion
	cfg := config.MustReadConfig(log, fs, "test-inline")

	m := &Mocks{
		Key:       &modem.MockKey{},
		AT:        modem.NewHealthyMockAT(),
		Packet:    &modem.MockPacket{},
		Probe:     &sensor.MockProbe{Temps: make(map[uint64]float64)},
		ADC:       &power.MockADC{Volts: 2.2},
		Client:    &telemetry.MockClient{},
		Suspender: &cycle.MockSuspender{},
		Delay:     &helpers.FakeDelay{},

		Subscriber: &recorder.MockBroker{},
	}
	for i := range cfg.Sensor.Zones {
		if addr, err := cfg.Sensor.Zones[i].Addr(); err == nil {
			m.Probe.Temps[addr] = 20
		}
	}
	hw := &g.Hardware
	hw.Modem.Key, hw.Modem.AT, hw.Modem.Packet = m.Key, m.AT, m.Packet
	hw.Probe.Probe = m.Probe
	hw.Battery.ADC = m.ADC
	hw.Broker.Client = m.Client
	hw.Suspend.Suspender = m.Suspender
	hw.Recorder.Client = m.Subscriber
	g.Delay = m.Delay
	g.MustInit(ctx, cfg)

	return ctx, g, m
}
