// Package recorder is the receiving end of node telemetry: it subscribes
// to the broker and stores numeric samples. Battery low flag is derived
// data and not recorded.
package recorder

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/helpers"
	"github.com/temoto/greenbox/internal/broker"
	"github.com/temoto/greenbox/internal/store"
	"github.com/temoto/greenbox/internal/telemetry"
	"github.com/temoto/greenbox/log2"
)

// Mapping is topic to stored data type.
type Mapping map[string]store.DataType

func NewMapping(t telemetry.Topics, zones int) Mapping {
	m := Mapping{
		t.TemperatureAvg:         store.TypeAvgTemperature,
		t.BatteryCapacity:        store.TypeBatteryCapacity,
		t.BatteryVoltage:         store.TypeBatteryVoltage,
		t.BatteryAdjustedVoltage: store.TypeAdjustedVoltage,
	}
	for i := 0; i < zones; i++ {
		m[fmt.Sprintf(t.TemperatureSensor, i)] = store.ZoneType(i)
	}
	return m
}

func (m Mapping) Type(topic string) store.DataType { return m[topic] }

// Topics sorted for stable SUBSCRIBE.
func (m Mapping) Topics() []string {
	ts := make([]string, 0, len(m))
	for t := range m {
		ts = append(ts, t)
	}
	sort.Strings(ts)
	return ts
}

type Sink interface {
	Insert(context.Context, store.Sample) error
}

type Config struct {
	Credentials    broker.Credentials
	Timeout        time.Duration
	ReconnectDelay time.Duration
}

type Recorder struct {
	config  Config
	delay   helpers.Delayer
	log     *log2.Log
	mapping Mapping
	sink    Sink

	Now func() time.Time
}

func New(log *log2.Log, c Config, mapping Mapping, sink Sink, delay helpers.Delayer) (*Recorder, error) {
	if sink == nil {
		return nil, errors.NotValidf("code error recorder.New sink=nil")
	}
	if len(mapping) == 0 {
		return nil, errors.NotValidf("recorder topics=empty")
	}
	if c.Timeout <= 0 {
		return nil, errors.NotValidf("recorder timeout=%v", c.Timeout)
	}
	if delay == nil {
		delay = helpers.RealDelay{}
	}
	return &Recorder{config: c, delay: delay, log: log, mapping: mapping, sink: sink, Now: time.Now}, nil
}

// Handle stores one message. Unknown topic is NotFound,
// payload other than finite decimal number is NotValid.
func (self *Recorder) Handle(ctx context.Context, topic string, payload []byte) error {
	typ := self.mapping.Type(topic)
	if typ == store.TypeUndefined {
		return errors.NotFoundf("recorder topic=%s", topic)
	}
	s := strings.TrimSpace(string(payload))
	value, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return errors.NotValidf("recorder topic=%s payload=%q", topic, s)
	}
	sample := store.Sample{Time: self.Now(), Type: typ, Value: value}
	self.log.Debugf("recorder %s", sample.String())
	return errors.Trace(self.sink.Insert(ctx, sample))
}

// Run keeps a subscription until ctx is done, reconnecting after
// ReconnectDelay on any broker error.
func (self *Recorder) Run(ctx context.Context, client broker.Subscriber) error {
	topics := self.mapping.Topics()
	cred := self.config.Credentials
	h := func(topic string, payload []byte) {
		err := self.Handle(ctx, topic, payload)
		switch {
		case err == nil:
		case errors.IsNotFound(err):
			self.log.Debug(err)
		default:
			self.log.Error(err)
		}
	}
	for {
		err := client.Connect(ctx, cred, self.config.Timeout)
		if err == nil {
			self.log.Infof("recorder connected broker=%s topics=%d", cred.BrokerURL, len(topics))
			err = client.Subscribe(ctx, topics, h)
			client.Disconnect()
		}
		if ctx.Err() != nil {
			return nil
		}
		self.log.Errorf("recorder broker=%s err=%v reconnect in %v", cred.BrokerURL, err, self.config.ReconnectDelay)
		self.delay.Delay(self.config.ReconnectDelay)
	}
}
