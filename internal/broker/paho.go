package broker

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

var pahoLogOnce sync.Once

type Paho struct {
	opt     Options
	c       mqtt.Client
	url     string
	timeout time.Duration
	lost    chan error
}

func NewPaho(opt Options) *Paho {
	pahoLogOnce.Do(func() {
		// paho loggers are process global
		if opt.Log != nil {
			mqtt.ERROR = opt.Log
			mqtt.CRITICAL = opt.Log
			mqtt.WARN = opt.Log
		}
	})
	return &Paho{opt: opt}
}

func (self *Paho) Connect(ctx context.Context, cred Credentials, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	timeout = effectiveTimeout(ctx, timeout)
	mopt := mqtt.NewClientOptions().
		AddBroker(cred.BrokerURL).
		SetClientID(cred.ClientID).
		SetUsername(cred.Username).
		SetPassword(cred.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetProtocolVersion(4).
		SetConnectTimeout(timeout).
		SetWriteTimeout(timeout)
	lost := make(chan error, 1)
	mopt.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})
	if cred.TLS != nil {
		mopt.SetTLSConfig(cred.TLS)
	}
	c := mqtt.NewClient(mopt)
	tok := c.Connect()
	if !tok.WaitTimeout(timeout) {
		c.Disconnect(0)
		return errors.Timeoutf("mqtt connect broker=%s after %v", cred.BrokerURL, timeout)
	}
	if err := tok.Error(); err != nil {
		return errors.Annotatef(err, "mqtt connect broker=%s", cred.BrokerURL)
	}
	self.opt.Log.Debugf("mqtt connected broker=%s client_id=%s", cred.BrokerURL, cred.ClientID)
	self.c = c
	self.url = cred.BrokerURL
	self.timeout = timeout
	self.lost = lost
	return nil
}

func (self *Paho) Publish(topic string, payload []byte) error {
	if self.c == nil {
		return ErrNotConnected
	}
	tok := self.c.Publish(topic, self.opt.Qos, self.opt.Retain, payload)
	if !tok.WaitTimeout(self.timeout) {
		return errors.Timeoutf("mqtt publish topic=%s after %v", topic, self.timeout)
	}
	return errors.Annotatef(tok.Error(), "mqtt publish topic=%s", topic)
}

func (self *Paho) Disconnect() {
	if self.c == nil {
		return
	}
	self.c.Disconnect(250)
	self.c = nil
	self.opt.Log.Debugf("mqtt disconnected broker=%s", self.url)
}

func (self *Paho) Subscribe(ctx context.Context, topics []string, h Handler) error {
	if self.c == nil {
		return ErrNotConnected
	}
	type message struct {
		topic   string
		payload []byte
	}
	done := make(chan struct{})
	defer close(done)
	ch := make(chan message)
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = self.opt.Qos
	}
	tok := self.c.SubscribeMultiple(filters, func(_ mqtt.Client, m mqtt.Message) {
		select {
		case ch <- message{m.Topic(), m.Payload()}:
		case <-done:
		}
	})
	if !tok.WaitTimeout(self.timeout) {
		return errors.Timeoutf("mqtt subscribe after %v", self.timeout)
	}
	if err := tok.Error(); err != nil {
		return errors.Annotate(err, "mqtt subscribe")
	}
	if st, ok := tok.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == 0x80 {
				return errors.Errorf("mqtt subscribe topic=%s rejected by broker", topic)
			}
		}
	}
	self.opt.Log.Debugf("mqtt subscribed topics=%v", topics)

	for {
		select {
		case m := <-ch:
			h(m.topic, m.payload)
		case err := <-self.lost:
			return errors.Annotatef(err, "mqtt connection lost broker=%s", self.url)
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}
}
