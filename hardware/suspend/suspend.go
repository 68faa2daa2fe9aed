// Package suspend puts the board to sleep for a fixed duration.
package suspend

import (
	"io/ioutil"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/helpers"
	"github.com/temoto/greenbox/log2"
	"golang.org/x/sys/unix"
)

const (
	DefaultWakealarm  = "/sys/class/rtc/rtc0/wakealarm"
	DefaultPowerState = "/sys/power/state"
	DefaultMode       = "mem"
)

// RTC arms the RTC wake alarm then suspends to RAM. Write to power state
// blocks until resume.
type RTC struct {
	Wakealarm  string
	PowerState string
	Mode       string
	Log        *log2.Log
	Now        func() time.Time
	Delay      helpers.Delayer
	Sync       func()
}

func NewRTC(log *log2.Log, wakealarm, powerState string) *RTC {
	if wakealarm == "" {
		wakealarm = DefaultWakealarm
	}
	if powerState == "" {
		powerState = DefaultPowerState
	}
	return &RTC{
		Wakealarm:  wakealarm,
		PowerState: powerState,
		Mode:       DefaultMode,
		Log:        log,
		Now:        time.Now,
		Delay:      helpers.RealDelay{},
		Sync:       unix.Sync,
	}
}

// SleepFor returns after d elapsed. Early wakeup by another source
// is covered by sleeping the rest in userspace.
func (self *RTC) SleepFor(d time.Duration) error {
	begin := self.Now()
	wakeAt := begin.Add(d)
	// kernel refuses new alarm while previous one is armed
	if err := ioutil.WriteFile(self.Wakealarm, []byte("0"), 0644); err != nil {
		return errors.Annotatef(err, "suspend clear wakealarm=%s", self.Wakealarm)
	}
	alarm := strconv.FormatInt(wakeAt.Unix(), 10)
	if err := ioutil.WriteFile(self.Wakealarm, []byte(alarm), 0644); err != nil {
		return errors.Annotatef(err, "suspend set wakealarm=%s", self.Wakealarm)
	}
	self.Log.Infof("suspend for=%v wake=%s", d, wakeAt.Format(time.RFC3339))
	if self.Sync != nil {
		self.Sync()
	}
	if err := ioutil.WriteFile(self.PowerState, []byte(self.Mode), 0644); err != nil {
		return errors.Annotatef(err, "suspend write %s=%s", self.PowerState, self.Mode)
	}
	if left := wakeAt.Sub(self.Now()); left > 0 {
		self.Log.Debugf("suspend resumed early, left=%v", left)
		self.Delay.Delay(left)
	}
	return nil
}

// Simulated waits in process. Used in daemon mode on boards without
// RTC wakeup and in development. Stop channel interrupts the wait.
type Simulated struct {
	Log  *log2.Log
	Stop <-chan struct{}
}

func (self *Simulated) SleepFor(d time.Duration) error {
	self.Log.Infof("suspend (simulated) for=%v", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-self.Stop:
		return errors.Errorf("suspend interrupted")
	}
}
