package modem

// Public stubs to test code driving the modem without hardware.
import (
	"sync"
	"time"

	"github.com/juju/errors"
)

type Reply struct {
	Lines []string
	Err   error
}

// MockAT answers commands from a script. Each command consumes its replies
// in order, the last one repeats. Unscripted command times out.
type MockAT struct {
	mu     sync.Mutex
	script map[string][]Reply
	sent   []string
}

func NewMockAT() *MockAT { return &MockAT{script: make(map[string][]Reply)} }

// NewHealthyMockAT answers like a registered modem with SIM ready.
func NewHealthyMockAT() *MockAT {
	m := NewMockAT()
	m.Expect("AT", Reply{})
	m.Expect("ATE0", Reply{})
	m.Expect("AT+CGSN", Reply{Lines: []string{"861234567890123"}})
	m.Expect("AT+CPIN?", Reply{Lines: []string{"+CPIN: READY"}})
	m.Expect("AT+CREG?", Reply{Lines: []string{"+CREG: 0,1"}})
	m.Expect("AT+CEREG?", Reply{Lines: []string{"+CEREG: 0,1"}})
	return m
}

// Expect replaces script for cmd.
func (self *MockAT) Expect(cmd string, replies ...Reply) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if len(replies) == 0 {
		delete(self.script, cmd)
		return
	}
	self.script[cmd] = replies
}

func (self *MockAT) Command(cmd string, timeout time.Duration) ([]string, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.sent = append(self.sent, cmd)
	rs := self.script[cmd]
	if len(rs) == 0 {
		return nil, errors.Timeoutf("mock at cmd=%s after %v", cmd, timeout)
	}
	r := rs[0]
	if len(rs) > 1 {
		self.script[cmd] = rs[1:]
	}
	return r.Lines, r.Err
}

func (self *MockAT) Sent() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]string(nil), self.sent...)
}

func (self *MockAT) Count(cmd string) int {
	self.mu.Lock()
	defer self.mu.Unlock()
	n := 0
	for _, s := range self.sent {
		if s == cmd {
			n++
		}
	}
	return n
}

// MockKey records PWRKEY levels.
type MockKey struct {
	mu     sync.Mutex
	Levels []bool
	Err    error
}

func (self *MockKey) Set(high bool) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.Err != nil {
		return self.Err
	}
	self.Levels = append(self.Levels, high)
	return nil
}

// Pulses counts completed assert+release pairs.
func (self *MockKey) Pulses() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	n := 0
	for i := 1; i < len(self.Levels); i++ {
		if self.Levels[i-1] && !self.Levels[i] {
			n++
		}
	}
	return n
}

type MockPacket struct {
	mu      sync.Mutex
	OpenErr []error // consumed in order, nil when drained
	TestErr []error
	Opens   int
	Tests   int
	Closes  int
}

func (self *MockPacket) Open() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.Opens++
	return pop(&self.OpenErr)
}

func (self *MockPacket) TestConnectivity() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.Tests++
	return pop(&self.TestErr)
}

func (self *MockPacket) Close() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.Closes++
	return nil
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}
