package helpers

import (
	"sync"
	"time"
)

type Fataler interface {
	Fatal(...interface{})
}

// FakeDelay records requested delays and returns immediately.
type FakeDelay struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (f *FakeDelay) Delay(d time.Duration) {
	f.mu.Lock()
	f.calls = append(f.calls, d)
	f.mu.Unlock()
}

func (f *FakeDelay) Calls() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.calls...)
}

func (f *FakeDelay) Total() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum time.Duration
	for _, d := range f.calls {
		sum += d
	}
	return sum
}

// Count returns how many times exactly d was requested.
func (f *FakeDelay) Count(d time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, x := range f.calls {
		if x == d {
			n++
		}
	}
	return n
}

func (f *FakeDelay) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}
