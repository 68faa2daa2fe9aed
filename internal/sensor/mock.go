package sensor

import (
	"sync"

	"github.com/juju/errors"
)

// MockProbe answers with Temps by address, absent address reads as no presence.
type MockProbe struct {
	mu       sync.Mutex
	Temps    map[uint64]float64
	Powered  bool
	Requests int
}

func (self *MockProbe) Power(on bool) error {
	self.mu.Lock()
	self.Powered = on
	self.mu.Unlock()
	return nil
}

func (self *MockProbe) RequestConversion(addr uint64) error {
	self.mu.Lock()
	self.Requests++
	self.mu.Unlock()
	return nil
}

func (self *MockProbe) Read(addr uint64) (float64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if t, ok := self.Temps[addr]; ok {
		return t, nil
	}
	return 0, errors.Timeoutf("presence addr=%016x", addr)
}
