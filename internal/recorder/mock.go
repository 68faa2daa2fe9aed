package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/internal/broker"
	"github.com/temoto/greenbox/internal/telemetry"
)

// MockBroker is broker.Subscriber. Each successful Subscribe delivers the
// next Sessions entry then reports lost connection. With no sessions left
// Subscribe calls OnIdle and waits for ctx.
type MockBroker struct {
	mu          sync.Mutex
	ConnectErr  []error // consumed in order, then success
	Sessions    [][]telemetry.Message
	Connects    int
	Disconnects int
	Topics      []string
	OnIdle      func()
}

var _ broker.Subscriber = &MockBroker{}

var ErrMockLost = errors.New("mock connection lost")

func (self *MockBroker) Connect(ctx context.Context, cred broker.Credentials, timeout time.Duration) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.Connects++
	if len(self.ConnectErr) != 0 {
		err := self.ConnectErr[0]
		self.ConnectErr = self.ConnectErr[1:]
		return err
	}
	return nil
}

func (self *MockBroker) Publish(topic string, payload []byte) error {
	return errors.NotSupportedf("mock broker publish")
}

func (self *MockBroker) Subscribe(ctx context.Context, topics []string, h broker.Handler) error {
	self.mu.Lock()
	self.Topics = append([]string(nil), topics...)
	var session []telemetry.Message
	more := len(self.Sessions) != 0
	if more {
		session, self.Sessions = self.Sessions[0], self.Sessions[1:]
	}
	self.mu.Unlock()

	if !more {
		if self.OnIdle != nil {
			self.OnIdle()
		}
		<-ctx.Done()
		return errors.Trace(ctx.Err())
	}
	for _, m := range session {
		h(m.Topic, m.Payload)
	}
	return ErrMockLost
}

func (self *MockBroker) Disconnect() {
	self.mu.Lock()
	self.Disconnects++
	self.mu.Unlock()
}
