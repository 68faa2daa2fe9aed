package sensor

import (
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/greenbox/helpers"
	"github.com/temoto/greenbox/log2"
)

type fakeProbe struct {
	temps    map[uint64]float64
	errs     map[uint64]error
	convErrs map[uint64]error
	power    []bool
	requests []uint64
	reads    []uint64
}

func (f *fakeProbe) Power(on bool) error {
	f.power = append(f.power, on)
	return nil
}

func (f *fakeProbe) RequestConversion(addr uint64) error {
	f.requests = append(f.requests, addr)
	return f.convErrs[addr]
}

func (f *fakeProbe) Read(addr uint64) (float64, error) {
	f.reads = append(f.reads, addr)
	if err := f.errs[addr]; err != nil {
		return 0, err
	}
	t, ok := f.temps[addr]
	if !ok {
		return 0, errors.Timeoutf("presence addr=%x", addr)
	}
	return t, nil
}

func testZones() []Zone {
	return []Zone{
		{Index: 0, Name: "green", Address: 0x10},
		{Index: 1, Name: "yellow", Address: 0x20},
		{Index: 2, Name: "black", Address: 0x30},
		{Index: 3, Name: "red", Address: 0x40},
	}
}

func TestReadAll(t *testing.T) {
	t.Parallel()

	type Case struct {
		name       string
		probe      *fakeProbe
		expect     []float64
		expectAvg  float64
		expectAvOK bool
	}
	cases := []Case{
		{"all-ok", &fakeProbe{temps: map[uint64]float64{0x10: 22.5, 0x20: 22.5, 0x30: 22.5, 0x40: 22.5}},
			[]float64{22.5, 22.5, 22.5, 22.5}, 22.5, true},
		{"two-absent", &fakeProbe{temps: map[uint64]float64{0x10: 20, 0x30: 25}},
			[]float64{20, Invalid, 25, Invalid}, 22.5, true},
		{"none", &fakeProbe{},
			[]float64{Invalid, Invalid, Invalid, Invalid}, Invalid, false},
		{"crc-and-convert-errors", &fakeProbe{
			temps:    map[uint64]float64{0x10: 1, 0x20: 2, 0x30: 3, 0x40: 4},
			errs:     map[uint64]error{0x20: errors.New("crc mismatch")},
			convErrs: map[uint64]error{0x40: errors.New("no presence")},
		}, []float64{1, Invalid, 3, Invalid}, 2, true},
		{"implausible", &fakeProbe{temps: map[uint64]float64{0x10: 200, 0x20: -60, 0x30: 125, 0x40: -55}},
			[]float64{Invalid, Invalid, 125, -55}, 35, true},
		{"power-on-reset", &fakeProbe{temps: map[uint64]float64{0x10: 85, 0x20: 84.9375, 0x30: 85.0625, 0x40: 21}},
			[]float64{Invalid, 84.9375, 85.0625, 21}, (84.9375 + 85.0625 + 21) / 3, true},
		{"zero-is-valid", &fakeProbe{temps: map[uint64]float64{0x10: 0}},
			[]float64{0, Invalid, Invalid, Invalid}, 0, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			delay := &helpers.FakeDelay{}
			b, err := NewBank(log, c.probe, testZones(), 750*time.Millisecond, delay)
			require.NoError(t, err)

			rs := b.ReadAll()
			require.Len(t, rs, 4)
			got := make([]float64, len(rs))
			for i, r := range rs {
				assert.Equal(t, i, r.Zone)
				got[i] = r.Temperature
			}
			assert.Equal(t, c.expect, got)
			avg, ok := rs.Aggregate()
			assert.Equal(t, c.expectAvOK, ok)
			assert.InDelta(t, c.expectAvg, avg, 1e-9)

			assert.Equal(t, []bool{true, false}, c.probe.power, "bus powered for the call only")
			assert.Equal(t, []uint64{0x10, 0x20, 0x30, 0x40}, c.probe.requests, "one conversion per zone, no retries")
			assert.LessOrEqual(t, len(c.probe.reads), 4)
			assert.Equal(t, len(c.probe.reads), delay.Count(750*time.Millisecond))
		})
	}
}

func TestValidCount(t *testing.T) {
	t.Parallel()
	rs := Readings{{Temperature: 1}, {Temperature: Invalid}, {Temperature: 0}}
	assert.Equal(t, 2, rs.ValidCount())
	assert.Equal(t, 0, Readings{}.ValidCount())
	_, ok := Readings{}.Aggregate()
	assert.False(t, ok)
}

func TestNewBankValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		zones     []Zone
		expectErr string
	}{
		{[]Zone{{Index: 0, Address: 1}, {Index: 1, Address: 1}}, "duplicate of zone index=0"},
		{[]Zone{{Index: 0, Address: 1}, {Index: 0, Address: 2}}, "index=0 duplicate"},
		{[]Zone{{Index: 0, Address: 1}, {Index: 2, Address: 2}}, "out of range"},
		{[]Zone{{Index: 0, Address: 0}}, "address=0"},
	}
	for i, c := range cases {
		c := c
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			t.Parallel()
			_, err := NewBank(nil, &fakeProbe{}, c.zones, 0, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.expectErr)
			assert.True(t, errors.IsNotValid(err))
		})
	}
}

func TestZonesSorted(t *testing.T) {
	t.Parallel()
	b, err := NewBank(nil, &fakeProbe{}, []Zone{{Index: 1, Name: "b", Address: 2}, {Index: 0, Name: "a", Address: 1}}, 0, nil)
	require.NoError(t, err)
	zs := b.Zones()
	assert.Equal(t, "a", zs[0].Name)
	assert.Equal(t, "b", zs[1].Name)
}
