package broker

import (
	"context"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
)

const gomqttKeepalive = 60 // seconds

// Gomqtt speaks directly over gomqtt transport: one connection, publish
// without goroutines. Subscribe runs one reader until it returns.
type Gomqtt struct {
	opt     Options
	conn    transport.Conn
	url     string
	timeout time.Duration
	lastID  packet.ID
}

func NewGomqtt(opt Options) *Gomqtt { return &Gomqtt{opt: opt} }

func (self *Gomqtt) Connect(ctx context.Context, cred Credentials, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	timeout = effectiveTimeout(ctx, timeout)
	dialer := transport.NewDialer(transport.DialConfig{
		TLSConfig: cred.TLS,
		Timeout:   timeout,
	})
	conn, err := dialer.Dial(cred.BrokerURL)
	if err != nil {
		return errors.Annotatef(err, "mqtt connect: dial broker=%s", cred.BrokerURL)
	}

	conpkt := packet.NewConnect()
	conpkt.ClientID = cred.ClientID
	conpkt.Username = cred.Username
	conpkt.Password = cred.Password
	conpkt.CleanSession = true
	conpkt.KeepAlive = gomqttKeepalive
	if err = conn.Send(conpkt, false); err != nil {
		_ = conn.Close()
		return errors.Annotate(err, "mqtt connect: send CONNECT")
	}

	conn.SetReadTimeout(timeout)
	pkt, err := conn.Receive()
	if err != nil {
		_ = conn.Close()
		return errors.Annotate(err, "mqtt connect: expect CONNACK")
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		_ = conn.Close()
		return errors.Annotatef(client.ErrClientExpectedConnack, "mqtt connect: server error pkt=%s", pkt.String())
	}
	if connack.ReturnCode != packet.ConnectionAccepted {
		_ = conn.Close()
		return errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
	}
	self.opt.Log.Debugf("mqtt CONNACK=%s", connack.String())
	self.conn = conn
	self.url = cred.BrokerURL
	self.timeout = timeout
	return nil
}

// Publish with QoS 1 waits PUBACK for this message ID, other packets are dropped.
func (self *Gomqtt) Publish(topic string, payload []byte) error {
	if self.conn == nil {
		return ErrNotConnected
	}
	publish := packet.NewPublish()
	publish.Message = packet.Message{
		Topic:   topic,
		Payload: payload,
		QOS:     packet.QOS(self.opt.Qos),
		Retain:  self.opt.Retain,
	}
	if publish.Message.QOS >= packet.QOSAtLeastOnce {
		publish.ID = self.nextID()
	}
	if err := self.conn.Send(publish, false); err != nil {
		return errors.Annotatef(err, "mqtt send PUBLISH topic=%s", topic)
	}
	if publish.Message.QOS == packet.QOSAtMostOnce {
		return nil
	}

	self.conn.SetReadTimeout(self.timeout)
	for {
		pkt, err := self.conn.Receive()
		if err != nil {
			return errors.Annotatef(err, "mqtt expect PUBACK topic=%s", topic)
		}
		if puback, ok := pkt.(*packet.Puback); ok && puback.ID == publish.ID {
			return nil
		}
		self.opt.Log.Debugf("mqtt unexpected pkt=%s", pkt.String())
	}
}

func (self *Gomqtt) nextID() packet.ID {
	self.lastID++
	if self.lastID == 0 {
		self.lastID = 1
	}
	return self.lastID
}

func (self *Gomqtt) Subscribe(ctx context.Context, topics []string, h Handler) error {
	if self.conn == nil {
		return ErrNotConnected
	}
	subscribe := packet.NewSubscribe()
	subscribe.ID = self.nextID()
	for _, t := range topics {
		subscribe.Subscriptions = append(subscribe.Subscriptions, packet.Subscription{Topic: t, QOS: packet.QOS(self.opt.Qos)})
	}
	if err := self.conn.Send(subscribe, false); err != nil {
		return errors.Annotate(err, "mqtt send SUBSCRIBE")
	}
	self.conn.SetReadTimeout(self.timeout)
	for {
		pkt, err := self.conn.Receive()
		if err != nil {
			return errors.Annotate(err, "mqtt expect SUBACK")
		}
		suback, ok := pkt.(*packet.Suback)
		if !ok || suback.ID != subscribe.ID {
			self.opt.Log.Debugf("mqtt unexpected pkt=%s", pkt.String())
			continue
		}
		for i, code := range suback.ReturnCodes {
			if code == packet.QOSFailure && i < len(topics) {
				return errors.Errorf("mqtt subscribe topic=%s rejected by broker", topics[i])
			}
		}
		break
	}
	self.opt.Log.Debugf("mqtt subscribed topics=%v", topics)

	// Broker drops the client after 1.5 keepalive without packets.
	self.conn.SetReadTimeout(0)
	done := make(chan struct{})
	defer close(done)
	pkts := make(chan packet.Generic)
	errch := make(chan error, 1)
	conn := self.conn
	go func() {
		for {
			pkt, err := conn.Receive()
			if err != nil {
				errch <- err
				return
			}
			select {
			case pkts <- pkt:
			case <-done:
				return
			}
		}
	}()
	ping := time.NewTicker(gomqttKeepalive * time.Second / 2)
	defer ping.Stop()
	for {
		select {
		case pkt := <-pkts:
			publish, ok := pkt.(*packet.Publish)
			if !ok {
				continue
			}
			h(publish.Message.Topic, publish.Message.Payload)
			if publish.Message.QOS == packet.QOSAtLeastOnce {
				puback := packet.NewPuback()
				puback.ID = publish.ID
				if err := self.conn.Send(puback, false); err != nil {
					return errors.Annotate(err, "mqtt send PUBACK")
				}
			}
		case <-ping.C:
			if err := self.conn.Send(packet.NewPingreq(), false); err != nil {
				return errors.Annotate(err, "mqtt send PINGREQ")
			}
		case err := <-errch:
			return errors.Annotatef(err, "mqtt connection lost broker=%s", self.url)
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}
}

func (self *Gomqtt) Disconnect() {
	if self.conn == nil {
		return
	}
	if err := self.conn.Send(packet.NewDisconnect(), false); err != nil {
		self.opt.Log.Debugf("mqtt send DISCONNECT err=%v", err)
	}
	_ = self.conn.Close()
	self.conn = nil
	self.opt.Log.Debugf("mqtt disconnected broker=%s", self.url)
}
