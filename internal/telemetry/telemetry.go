// Package telemetry publishes one cycle of readings to the MQTT broker.
package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/helpers"
	"github.com/temoto/greenbox/internal/broker"
	"github.com/temoto/greenbox/internal/power"
	"github.com/temoto/greenbox/internal/sensor"
	"github.com/temoto/greenbox/log2"
)

type Topics struct {
	TemperatureAvg         string
	TemperatureSensor      string // template with single %d for zone index
	BatteryCapacity        string
	BatteryLow             string
	BatteryVoltage         string
	BatteryAdjustedVoltage string
}

type Config struct {
	Credentials  broker.Credentials
	Timeout      time.Duration
	ConnectDelay time.Duration
	ConnectRetry int
	Topics       Topics
}

type Report struct {
	Aggregate   float64
	AggregateOK bool
	Readings    sensor.Readings
	Battery     power.BatteryState
}

func NewReport(rs sensor.Readings, bs power.BatteryState) Report {
	avg, ok := rs.Aggregate()
	return Report{Aggregate: avg, AggregateOK: ok, Readings: rs, Battery: bs}
}

type Message struct {
	Topic   string
	Payload []byte
}

func (m Message) String() string { return m.Topic + "=" + string(m.Payload) }

// Messages renders report to topics. Absent aggregate and invalid zones
// carry the invalid sentinel so subscribers see a value every cycle.
func (r *Report) Messages(t *Topics) []Message {
	ms := make([]Message, 0, 5+len(r.Readings))
	avg := r.Aggregate
	if !r.AggregateOK {
		avg = sensor.Invalid
	}
	ms = append(ms, Message{t.TemperatureAvg, formatFloat(avg)})
	for _, zr := range r.Readings {
		ms = append(ms, Message{fmt.Sprintf(t.TemperatureSensor, zr.Zone), formatFloat(zr.Temperature)})
	}
	ms = append(ms,
		Message{t.BatteryCapacity, []byte(strconv.Itoa(int(r.Battery.CapacityPercent)))},
		Message{t.BatteryLow, []byte(strconv.FormatBool(r.Battery.Low))},
		Message{t.BatteryVoltage, formatFloat(r.Battery.AdjustedVoltage)},
		Message{t.BatteryAdjustedVoltage, formatFloat(r.Battery.RawVoltage)},
	)
	return ms
}

func formatFloat(f float64) []byte { return []byte(strconv.FormatFloat(f, 'f', 2, 64)) }

type Publisher struct {
	client broker.Client
	config Config
	delay  helpers.Delayer
	log    *log2.Log
}

func NewPublisher(log *log2.Log, client broker.Client, c Config, delay helpers.Delayer) (*Publisher, error) {
	if client == nil {
		return nil, errors.NotValidf("code error telemetry.NewPublisher client=nil")
	}
	if c.ConnectRetry < 1 {
		return nil, errors.NotValidf("mqtt connect_retry=%d", c.ConnectRetry)
	}
	if c.Timeout <= 0 {
		return nil, errors.NotValidf("mqtt timeout=%v", c.Timeout)
	}
	if delay == nil {
		delay = helpers.RealDelay{}
	}
	return &Publisher{client: client, config: c, delay: delay, log: log}, nil
}

// Publish returns true only when every message went through. Already sent
// topics stay sent after a later failure.
func (self *Publisher) Publish(ctx context.Context, r Report) bool {
	if err := self.connect(ctx); err != nil {
		self.log.Errorf("telemetry %v", err)
		return false
	}
	defer self.client.Disconnect()

	ms := r.Messages(&self.config.Topics)
	errs := make([]error, 0)
	for _, m := range ms {
		if err := self.client.Publish(m.Topic, m.Payload); err != nil {
			errs = append(errs, errors.Annotatef(err, "topic=%s", m.Topic))
			continue
		}
		self.log.Debugf("telemetry sent %s", m.String())
	}
	if len(errs) != 0 {
		self.log.Errorf("telemetry published %d/%d, errors:\n%v", len(ms)-len(errs), len(ms), helpers.FoldErrors(errs))
		return false
	}
	self.log.Infof("telemetry published %d messages", len(ms))
	return true
}

func (self *Publisher) connect(ctx context.Context) error {
	c := &self.config
	var err error
	for i := 1; i <= c.ConnectRetry; i++ {
		if err = self.client.Connect(ctx, c.Credentials, c.Timeout); err == nil {
			return nil
		}
		self.log.Debugf("telemetry connect attempt=%d/%d err=%v", i, c.ConnectRetry, err)
		if i < c.ConnectRetry {
			self.delay.Delay(c.ConnectDelay)
		}
	}
	return errors.Annotatef(err, "connect attempts=%d exhausted", c.ConnectRetry)
}
