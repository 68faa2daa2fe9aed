package pin

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/temoto/gpio-cdev-go"
	gpio_mock "github.com/temoto/gpio-cdev-go/mock"
)

func TestOutputSet(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		inverse bool
		high    bool
		expect  byte
	}{
		{"plain-high", false, true, 1},
		{"plain-low", false, false, 0},
		{"inverse-high", true, true, 0},
		{"inverse-low", true, false, 1},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			var written []byte
			lines := &gpio_mock.MockLines{}
			lines.On("SetFunc", uint32(4)).Return(gpio.LineSetFunc(func(v byte) { written = append(written, v) }))
			lines.On("Flush").Return(nil)
			chip := &gpio_mock.MockChip{}
			chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT, "pwrkey", uint32(4)).Return(lines, nil)

			o, err := New(chip, "4", "pwrkey", c.inverse)
			require.NoError(t, err)
			require.NoError(t, o.Set(c.high))
			assert.Equal(t, []byte{c.expect}, written)
			assert.Equal(t, c.high, o.High())
			lines.AssertNumberOfCalls(t, "Flush", 1)
			chip.AssertExpectations(t)
		})
	}
}

func TestOutputFlushError(t *testing.T) {
	t.Parallel()
	lines := &gpio_mock.MockLines{}
	lines.On("SetFunc", uint32(23)).Return(gpio.LineSetFunc(func(byte) {}))
	lines.On("Flush").Return(errors.New("EBUSY"))
	lines.On("Close").Return(nil)
	chip := &gpio_mock.MockChip{}
	chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT, "onewire", uint32(23)).Return(lines, nil)
	chip.On("Close").Return(nil)

	o, err := New(chip, "23", "onewire", false)
	require.NoError(t, err)
	err = o.Set(true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EBUSY")
	assert.False(t, o.High())
	require.NoError(t, o.Close())
	lines.AssertCalled(t, "Close")
	chip.AssertCalled(t, "Close")
}

func TestOutputCloseErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		linesErr error
		chipErr  error
		expect   string
	}{
		{"ok", nil, nil, ""},
		{"lines", errors.New("lines EBADF"), nil, "lines EBADF"},
		{"chip", nil, errors.New("chip EBADF"), "chip EBADF"},
		{"both-first-wins", errors.New("lines EBADF"), errors.New("chip EBADF"), "lines EBADF"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			lines := &gpio_mock.MockLines{}
			lines.On("SetFunc", uint32(12)).Return(gpio.LineSetFunc(func(byte) {}))
			lines.On("Close").Return(c.linesErr)
			chip := &gpio_mock.MockChip{}
			chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT, "battery", uint32(12)).Return(lines, nil)
			chip.On("Close").Return(c.chipErr)

			o, err := New(chip, "12", "battery", false)
			require.NoError(t, err)
			err = o.Close()
			if c.expect == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, c.expect, errors.Cause(err).Error())
			}
			chip.AssertCalled(t, "Close")
		})
	}
}

func TestNewBadLine(t *testing.T) {
	t.Parallel()
	chip := &gpio_mock.MockChip{}
	_, err := New(chip, "PA4", "pwrkey", false)
	require.Error(t, err)
	chip.AssertNotCalled(t, "OpenLines", mock.Anything, mock.Anything, mock.Anything)
}
