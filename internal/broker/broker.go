// Package broker is the MQTT client primitive with two drivers:
// paho (default) and gomqtt. Both connect with clean session, publish
// synchronously and never reconnect on their own.
// Subscribe blocks and calls the handler on the caller goroutine.
package broker

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/log2"
)

const (
	DriverPaho   = "paho"
	DriverGomqtt = "gomqtt"
)

type Credentials struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLS       *tls.Config
}

type Client interface {
	// Connect bounded by timeout. Each later Publish is bounded by it too.
	Connect(ctx context.Context, cred Credentials, timeout time.Duration) error
	Publish(topic string, payload []byte) error
	Disconnect()
}

type Handler func(topic string, payload []byte)

type Subscriber interface {
	Client
	// Subscribe returns on ctx done or lost connection, never nil.
	Subscribe(ctx context.Context, topics []string, h Handler) error
}

type Options struct {
	Log    *log2.Log
	Qos    byte
	Retain bool
}

func New(driver string, opt Options) (Subscriber, error) {
	if opt.Qos > 1 {
		return nil, errors.NotSupportedf("mqtt qos=%d", opt.Qos)
	}
	switch driver {
	case DriverPaho, "":
		return NewPaho(opt), nil
	case DriverGomqtt:
		return NewGomqtt(opt), nil
	}
	return nil, errors.NotValidf("mqtt driver=%s", driver)
}

var ErrNotConnected = errors.New("mqtt not connected")

// deadline is min of timeout and ctx deadline
func effectiveTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left < timeout {
			return left
		}
	}
	return timeout
}
