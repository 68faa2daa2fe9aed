package power

import (
	"fmt"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/greenbox/log2"
)

var testParams = Params{EmptyVolts: 3.4, FullVolts: 4.2, Divider: 1.95, LowCapacity: 10}

type fakeADC struct {
	v   float64
	err error
	n   int
}

func (f *fakeADC) ReadVolts() (float64, error) {
	f.n++
	return f.v, f.err
}

func TestFromRaw(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw       float64
		adjusted  float64
		capacity  float64
		expectLow bool
	}{
		{2.0, 3.9, 62.5, false},
		{3.3 / 1.95, 3.3, 0, true},
		{0, 0, 0, true},
		{3.4 / 1.95, 3.4, 0, true},
		{4.2 / 1.95, 4.2, 100, false},
		{3, 5.85, 100, false},
		{3.5 / 1.95, 3.5, 12.5, false},
		{3.45 / 1.95, 3.45, 6.25, true},
	}
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprintf("raw=%.3f", c.raw), func(t *testing.T) {
			t.Parallel()
			bs := FromRaw(c.raw, testParams)
			assert.InDelta(t, c.adjusted, bs.AdjustedVoltage, 1e-9)
			assert.InDelta(t, c.capacity, bs.CapacityPercent, 1e-6)
			assert.Equal(t, c.expectLow, bs.Low)
			assert.Equal(t, bs.CapacityPercent < testParams.LowCapacity, bs.Low)
		})
	}
}

func TestFromRawLowDisabled(t *testing.T) {
	t.Parallel()
	p := testParams
	p.LowCapacity = 0
	for _, raw := range []float64{0, 3.3 / 1.95, 3.4 / 1.95, 2.0} {
		assert.False(t, FromRaw(raw, p).Low, "raw=%v", raw)
	}
}

func TestFromRawMonotonic(t *testing.T) {
	t.Parallel()
	prev := FromRaw(0, testParams)
	for raw := 0.0; raw <= 3.0; raw += 0.001 {
		bs := FromRaw(raw, testParams)
		require.GreaterOrEqual(t, bs.CapacityPercent, prev.CapacityPercent, "raw=%v", raw)
		require.GreaterOrEqual(t, bs.CapacityPercent, 0.0)
		require.LessOrEqual(t, bs.CapacityPercent, 100.0)
		prev = bs
	}
}

func TestMonitorRead(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)

	adc := &fakeADC{v: 2.0}
	m, err := NewMonitor(log, adc, testParams)
	require.NoError(t, err)
	bs, err := m.Read()
	require.NoError(t, err)
	assert.InDelta(t, 3.9, bs.AdjustedVoltage, 1e-9)
	assert.False(t, bs.Low)
	assert.Equal(t, 1, adc.n, "single sample")

	adc.err = errors.Timeoutf("iio")
	bs, err = m.Read()
	require.Error(t, err)
	assert.Equal(t, BatteryState{Low: true}, bs)
	assert.Equal(t, 2, adc.n)
}

func TestNewMonitorValidate(t *testing.T) {
	t.Parallel()
	_, err := NewMonitor(nil, &fakeADC{}, Params{EmptyVolts: 4, FullVolts: 3, Divider: 1})
	assert.True(t, errors.IsNotValid(err))
	_, err = NewMonitor(nil, &fakeADC{}, Params{EmptyVolts: 3, FullVolts: 4, Divider: 0})
	assert.True(t, errors.IsNotValid(err))
}
