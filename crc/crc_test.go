package crc

import (
	"strings"
	"testing"
)

func makeCheck2(fun func(byte, byte) byte, tag string) func(t *testing.T, v1, v2, expect byte) {
	return func(t *testing.T, v1, v2, expect byte) {
		if fun(v1, v2) != expect {
			t.Errorf("%s(%02x, %02x) != %02x", tag, v1, v2, expect)
		}
	}
}

func makeCheckN(fun func(byte, []byte) byte, tag string) func(t *testing.T, v1 byte, vs []byte, expect byte) {
	return func(t *testing.T, v1 byte, vs []byte, expect byte) {
		if fun(v1, vs) != expect {
			t.Errorf("%s(%02x, "+strings.Repeat("%02x", len(vs))+") != %02x", tag, v1, vs, expect)
		}
	}
}

func TestByte(t *testing.T) {
	t.Parallel()
	check := makeCheck2(CRC8_p8c, "CRC8_p8c")
	check(t, 0, 0x00, 0x00)
	check(t, 0, 0x55, 0xe4)
	check(t, 0, 0xaa, 0xd1)
	check(t, 0, 0xff, 0x35)
}

func TestN(t *testing.T) {
	t.Parallel()
	checkN := makeCheckN(CRC8_p8c_n, "CRC8_p8c_n")
	checkN(t, 0, nil, 0x00)
	checkN(t, 0, []byte{0x01, 0x02}, 0x78)
	// Maxim application note 27 example ROM
	checkN(t, 0, []byte{0x02, 0x1c, 0xb8, 0x01, 0x00, 0x00, 0x00}, 0xa2)
	// DS18B20 power-on scratchpad, 85°C
	checkN(t, 0, []byte{0x50, 0x05, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10}, 0x1c)
}

func TestValidROM(t *testing.T) {
	t.Parallel()
	cases := []struct {
		rom    uint64
		expect bool
	}{
		{9666714504207294760, true},
		{0x862711a008646128, true},
		{0xffde13a008646128, true},
		{0x872711a008646128, false},
		{0x28ff000000000001, false},
		{0, false},
	}
	for _, c := range cases {
		if got := ValidROM(c.rom); got != c.expect {
			t.Errorf("ValidROM(%016x)=%t expected=%t", c.rom, got, c.expect)
		}
	}
}
