package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/internal/broker"
)

// MockClient is broker.Client recording published messages.
type MockClient struct {
	mu          sync.Mutex
	ConnectErr  []error // consumed in order, then success
	FailTopics  map[string]error
	Connects    int
	Disconnects int
	Sent        []Message
	connected   bool
}

var _ broker.Client = &MockClient{}

func (self *MockClient) Connect(ctx context.Context, cred broker.Credentials, timeout time.Duration) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.Connects++
	if len(self.ConnectErr) != 0 {
		err := self.ConnectErr[0]
		self.ConnectErr = self.ConnectErr[1:]
		if err != nil {
			return err
		}
	}
	self.connected = true
	return nil
}

func (self *MockClient) Publish(topic string, payload []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.connected {
		return broker.ErrNotConnected
	}
	if err := self.FailTopics[topic]; err != nil {
		return err
	}
	self.Sent = append(self.Sent, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (self *MockClient) Disconnect() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.Disconnects++
	self.connected = false
}

// Payloads maps topic to last payload.
func (self *MockClient) Payloads() map[string]string {
	self.mu.Lock()
	defer self.mu.Unlock()
	m := make(map[string]string, len(self.Sent))
	for _, msg := range self.Sent {
		m[msg.Topic] = string(msg.Payload)
	}
	return m
}

var ErrMockRefused = errors.New("mock broker refused")
