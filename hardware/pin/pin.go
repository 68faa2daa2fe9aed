// Package pin drives single GPIO output lines: modem PWRKEY, 1-Wire supply,
// battery divider enable.
package pin

import (
	"strconv"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/gpio-cdev-go"
	"github.com/temoto/greenbox/helpers"
)

type Output struct {
	mu      sync.Mutex
	chip    gpio.Chiper
	lines   gpio.Lineser
	set     gpio.LineSetFunc
	line    uint32
	inverse bool
	high    bool
}

// Open requests one output line. Chip stays owned by Output and is closed with it.
func Open(chipPath string, line string, label string, inverse bool) (*Output, error) {
	chip, err := gpio.Open(chipPath, label)
	if err != nil {
		return nil, errors.Annotatef(err, "gpio open chip=%s", chipPath)
	}
	o, err := New(chip, line, label, inverse)
	if err != nil {
		chip.Close()
		return nil, errors.Trace(err)
	}
	return o, nil
}

func New(chip gpio.Chiper, line string, label string, inverse bool) (*Output, error) {
	n, err := strconv.ParseUint(line, 10, 32)
	if err != nil {
		return nil, errors.Annotatef(err, "gpio line=%s", line)
	}
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, label, uint32(n))
	if err != nil {
		return nil, errors.Annotatef(err, "gpio open line=%d label=%s", n, label)
	}
	return &Output{
		chip:    chip,
		lines:   lines,
		set:     lines.SetFunc(uint32(n)),
		line:    uint32(n),
		inverse: inverse,
	}, nil
}

// Set drives logical level, inverted on boards with an open-collector transistor.
func (self *Output) Set(high bool) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	v := byte(0)
	if high != self.inverse {
		v = 1
	}
	self.set(v)
	if err := self.lines.Flush(); err != nil {
		return errors.Annotatef(err, "gpio line=%d set=%t", self.line, high)
	}
	self.high = high
	return nil
}

func (self *Output) High() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.high
}

func (self *Output) Close() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	// chip is closed even when lines fail
	return errors.Trace(helpers.FirstError(self.lines.Close(), self.chip.Close()))
}
