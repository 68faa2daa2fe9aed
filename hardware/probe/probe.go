// Package probe reads DS18B20 thermometers on a Linux 1-Wire bus via periph.
package probe

import (
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/crc"
	"periph.io/x/periph/conn/onewire"
	"periph.io/x/periph/conn/onewire/onewirereg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/devices/ds18b20"
	_ "periph.io/x/periph/experimental/host/netlink" // w1 bus driver
	"periph.io/x/periph/host"
)

const cmdConvertT = 0x44

// Supply switches probe bus power, see hardware/pin.Output.
type Supply interface {
	Set(high bool) error
}

type Bus struct {
	mu         sync.Mutex
	bus        onewire.Bus
	closer     func() error
	supply     Supply
	resolution int
	devs       map[uint64]*ds18b20.Dev
}

// Open initializes periph host drivers and opens named bus, "" for first one.
func Open(name string, resolution int, supply Supply) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	bc, err := onewirereg.Open(name)
	if err != nil {
		return nil, errors.Annotatef(err, "onewire open bus=%s", name)
	}
	b := New(bc, resolution, supply)
	b.closer = bc.Close
	return b, nil
}

func New(bus onewire.Bus, resolution int, supply Supply) *Bus {
	if resolution < 9 || resolution > 12 {
		resolution = 12
	}
	return &Bus{
		bus:        bus,
		supply:     supply,
		resolution: resolution,
		devs:       make(map[uint64]*ds18b20.Dev),
	}
}

func (self *Bus) Power(on bool) error {
	if self.supply == nil {
		return nil
	}
	return errors.Annotatef(self.supply.Set(on), "onewire supply=%t", on)
}

// RequestConversion starts Convert T on one device with strong pullup.
// Caller waits conversion time before Read.
func (self *Bus) RequestConversion(addr uint64) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if _, err := self.dev(addr); err != nil {
		return errors.Trace(err)
	}
	d := onewire.Dev{Bus: self.bus, Addr: onewire.Address(addr)}
	if err := d.TxPower([]byte{cmdConvertT}, nil); err != nil {
		return errors.Annotatef(err, "onewire convert addr=%016x", addr)
	}
	return nil
}

// Read fetches scratchpad. periph checks CRC and rejects power-on 85°C.
func (self *Bus) Read(addr uint64) (float64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	dev, err := self.dev(addr)
	if err != nil {
		return 0, errors.Trace(err)
	}
	t, err := dev.LastTemp()
	if err != nil {
		return 0, errors.Annotatef(err, "onewire read addr=%016x", addr)
	}
	return Celsius(t), nil
}

func (self *Bus) Close() error {
	if self.closer == nil {
		return nil
	}
	return self.closer()
}

func (self *Bus) dev(addr uint64) (*ds18b20.Dev, error) {
	if d, ok := self.devs[addr]; ok {
		return d, nil
	}
	if !crc.ValidROM(addr) {
		return nil, errors.NotValidf("ds18b20 addr=%016x rom crc", addr)
	}
	d, err := ds18b20.New(self.bus, onewire.Address(addr), self.resolution)
	if err != nil {
		return nil, errors.Annotatef(err, "ds18b20 addr=%016x", addr)
	}
	self.devs[addr] = d
	return d, nil
}

func Celsius(t physic.Temperature) float64 {
	return float64(t-physic.ZeroCelsius) / float64(physic.Celsius)
}
