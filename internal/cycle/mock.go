package cycle

import (
	"sync"
	"time"
)

// MockSuspender records durations and returns immediately.
type MockSuspender struct {
	mu     sync.Mutex
	sleeps []time.Duration
	Err    error
	// After is called with count of sleeps so far, tests stop loops here
	After func(n int)
}

func (self *MockSuspender) SleepFor(d time.Duration) error {
	self.mu.Lock()
	self.sleeps = append(self.sleeps, d)
	n := len(self.sleeps)
	self.mu.Unlock()
	if self.After != nil {
		self.After(n)
	}
	return self.Err
}

func (self *MockSuspender) Sleeps() []time.Duration {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]time.Duration(nil), self.sleeps...)
}
