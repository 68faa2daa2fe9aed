package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/greenbox/helpers"
	"github.com/temoto/greenbox/internal/broker"
	"github.com/temoto/greenbox/internal/power"
	"github.com/temoto/greenbox/internal/sensor"
	"github.com/temoto/greenbox/log2"
)

var testTopics = Topics{
	TemperatureAvg:         "greenhouse/temperature",
	TemperatureSensor:      "greenhouse/sensors/%d",
	BatteryCapacity:        "greenhouse/battery",
	BatteryLow:             "greenhouse/battery/low",
	BatteryVoltage:         "greenhouse/voltage/voltage",
	BatteryAdjustedVoltage: "greenhouse/voltage/adjusted",
}

func testConfig() Config {
	return Config{
		Credentials:  broker.Credentials{BrokerURL: "tcp://broker.lan:1883", ClientID: "GREEN_HOUSE"},
		Timeout:      20 * time.Second,
		ConnectDelay: 5 * time.Second,
		ConnectRetry: 23,
		Topics:       testTopics,
	}
}

func readings(ts ...float64) sensor.Readings {
	rs := make(sensor.Readings, len(ts))
	for i, t := range ts {
		rs[i] = sensor.ZoneReading{Zone: i, Temperature: t}
	}
	return rs
}

func TestMessages(t *testing.T) {
	t.Parallel()
	params := power.Params{EmptyVolts: 3.4, FullVolts: 4.2, Divider: 1.95, LowCapacity: 10}
	type Case struct {
		name   string
		report Report
		expect map[string]string
	}
	cases := []Case{
		{"all-valid", NewReport(readings(22.5, 22.5, 22.5, 22.5), power.FromRaw(2.0, params)), map[string]string{
			"greenhouse/temperature":      "22.50",
			"greenhouse/sensors/0":        "22.50",
			"greenhouse/sensors/1":        "22.50",
			"greenhouse/sensors/2":        "22.50",
			"greenhouse/sensors/3":        "22.50",
			"greenhouse/battery":          "62",
			"greenhouse/battery/low":      "false",
			"greenhouse/voltage/voltage":  "3.90",
			"greenhouse/voltage/adjusted": "2.00",
		}},
		{"half-invalid-low", NewReport(readings(20, sensor.Invalid, 21.5, sensor.Invalid), power.FromRaw(3.3/1.95, params)), map[string]string{
			"greenhouse/temperature":      "20.75",
			"greenhouse/sensors/0":        "20.00",
			"greenhouse/sensors/1":        "-100.00",
			"greenhouse/sensors/2":        "21.50",
			"greenhouse/sensors/3":        "-100.00",
			"greenhouse/battery":          "0",
			"greenhouse/battery/low":      "true",
			"greenhouse/voltage/voltage":  "3.30",
			"greenhouse/voltage/adjusted": "1.69",
		}},
		{"none-valid", NewReport(readings(sensor.Invalid), power.BatteryState{Low: true}), map[string]string{
			"greenhouse/temperature":      "-100.00",
			"greenhouse/sensors/0":        "-100.00",
			"greenhouse/battery":          "0",
			"greenhouse/battery/low":      "true",
			"greenhouse/voltage/voltage":  "0.00",
			"greenhouse/voltage/adjusted": "0.00",
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ms := c.report.Messages(&testTopics)
			got := make(map[string]string, len(ms))
			for _, m := range ms {
				got[m.Topic] = string(m.Payload)
			}
			assert.Equal(t, len(got), len(ms), "unique topics")
			assert.Equal(t, c.expect, got)
		})
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()
	report := NewReport(readings(22.5, 23.5), power.BatteryState{RawVoltage: 2, AdjustedVoltage: 3.9, CapacityPercent: 62.5})
	type Case struct {
		name              string
		client            *MockClient
		expectOK          bool
		expectConnects    int
		expectSent        int
		expectDisconnects int
		expectDelays      int
	}
	cases := []Case{
		{"ok", &MockClient{}, true, 1, 7, 1, 0},
		{"connect-retry", &MockClient{ConnectErr: []error{ErrMockRefused, errors.Timeoutf("x")}}, true, 3, 7, 1, 2},
		{"connect-exhausted", &MockClient{ConnectErr: func() []error {
			errs := make([]error, 23)
			for i := range errs {
				errs[i] = ErrMockRefused
			}
			return errs
		}()}, false, 23, 0, 0, 22},
		{"one-topic-fails", &MockClient{FailTopics: map[string]error{"greenhouse/sensors/0": errors.New("broken pipe")}}, false, 1, 6, 1, 0},
		{"last-topic-fails", &MockClient{FailTopics: map[string]error{"greenhouse/voltage/adjusted": errors.New("broken pipe")}}, false, 1, 6, 1, 0},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			delay := &helpers.FakeDelay{}
			p, err := NewPublisher(log2.NewTest(t, log2.LDebug), c.client, testConfig(), delay)
			require.NoError(t, err)
			ok := p.Publish(context.Background(), report)
			assert.Equal(t, c.expectOK, ok)
			assert.Equal(t, c.expectConnects, c.client.Connects)
			assert.Len(t, c.client.Sent, c.expectSent, "no rollback, other topics still sent")
			assert.Equal(t, c.expectDisconnects, c.client.Disconnects)
			assert.Equal(t, c.expectDelays, delay.Count(5*time.Second))
		})
	}
}

func TestNewPublisherValidate(t *testing.T) {
	t.Parallel()
	c := testConfig()
	c.ConnectRetry = 0
	_, err := NewPublisher(nil, &MockClient{}, c, nil)
	assert.True(t, errors.IsNotValid(err))
	_, err = NewPublisher(nil, nil, testConfig(), nil)
	assert.True(t, errors.IsNotValid(err))
}
