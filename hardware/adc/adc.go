// Package adc samples a Linux IIO voltage channel behind a switched divider.
package adc

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/helpers"
)

const DefaultRoot = "/sys/bus/iio/devices"

type Enabler interface {
	Set(high bool) error
}

type IIO struct {
	Root    string // sysfs devices dir, tests point it to temp dir
	Device  string // iio:device0
	Channel string // in_voltage7
	Enable  Enabler
	Settle  time.Duration
	Delay   helpers.Delayer
}

// ReadVolts returns voltage on ADC pin: raw × scale, scale in millivolts.
// Divider is powered only for the duration of sample.
func (self *IIO) ReadVolts() (float64, error) {
	if self.Enable != nil {
		if err := self.Enable.Set(true); err != nil {
			return 0, errors.Annotate(err, "adc divider enable")
		}
		defer func() { _ = self.Enable.Set(false) }()
		self.delay(self.Settle)
	}
	raw, err := self.readFloat(self.Channel + "_raw")
	if err != nil {
		return 0, errors.Trace(err)
	}
	scale, err := self.readFloat(self.Channel + "_scale")
	if os.IsNotExist(errors.Cause(err)) {
		// shared scale: in_voltage7 -> in_voltage_scale
		scale, err = self.readFloat(strings.TrimRight(self.Channel, "0123456789") + "_scale")
	}
	if err != nil {
		return 0, errors.Trace(err)
	}
	return raw * scale / 1000, nil
}

func (self *IIO) delay(d time.Duration) {
	if self.Delay != nil {
		self.Delay.Delay(d)
	} else {
		helpers.RealDelay{}.Delay(d)
	}
}

func (self *IIO) readFloat(name string) (float64, error) {
	root := self.Root
	if root == "" {
		root = DefaultRoot
	}
	path := filepath.Join(root, self.Device, name)
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, errors.Annotatef(err, "adc read %s", path)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, errors.Annotatef(err, "adc parse %s", path)
	}
	return f, nil
}
