package helpers

import "time"

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func IntMillisDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Millisecond
}

// Delayer is the only way protocol code waits. Production uses RealDelay,
// tests inject FakeDelay and assert the exact delay sequence.
type Delayer interface {
	Delay(d time.Duration)
}

type RealDelay struct{}

func (RealDelay) Delay(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
