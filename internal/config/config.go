// Package config reads node configuration from HCL files.
// Zero numeric values mean "use default", defaults are the values the
// greenhouse firmware shipped with. Pointer fields are those where zero
// is a meaningful setting, nil means default.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/greenbox/helpers"
	"github.com/temoto/greenbox/log2"
)

const (
	MqttDriverPaho   = "paho"
	MqttDriverGomqtt = "gomqtt"

	SuspendModeRTC      = "rtc"
	SuspendModeSimulate = "simulate"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Hardware struct {
		Modem struct {
			UartDevice      string `hcl:"uart_device"`
			UartBaud        int    `hcl:"uart_baud"`
			PinChip         string `hcl:"pin_chip"`
			PinPowerKey     string `hcl:"pin_pwrkey"`
			PowerKeyInverse bool   `hcl:"pwrkey_inverse"`
			LogDebug        bool   `hcl:"log_debug"`
		} `hcl:"modem"`
		OneWire struct {
			Bus        string `hcl:"bus"`
			Resolution int    `hcl:"resolution"`
			PinChip    string `hcl:"pin_chip"`
			PinPower   string `hcl:"pin_power"`
		} `hcl:"onewire"`
		Battery struct {
			IioDevice string `hcl:"iio_device"`
			Channel   string `hcl:"channel"`
			PinChip   string `hcl:"pin_chip"`
			PinEnable string `hcl:"pin_enable"`
			SettleMs  int    `hcl:"settle_ms"`
		} `hcl:"battery"`
		Suspend struct {
			Mode         string `hcl:"mode"`
			RtcWakealarm string `hcl:"rtc_wakealarm"`
			PowerState   string `hcl:"power_state"`
		} `hcl:"suspend"`
	} `hcl:"hardware"`

	Sensor struct {
		ReadingDelayMs int          `hcl:"reading_delay_ms"`
		Zones          []ZoneConfig `hcl:"zone"`
	} `hcl:"sensor"`

	Battery struct {
		EmptyVolts  float64 `hcl:"empty_volts"`
		FullVolts   float64 `hcl:"full_volts"`
		Divider     float64 `hcl:"divider"`
		LowCapacity *float64 `hcl:"low_capacity"` // 0 disables low flag
	} `hcl:"battery"`

	Sleep struct {
		SuccessSec int `hcl:"success_sec"`
		FailedSec  int `hcl:"failed_sec"`
	} `hcl:"sleep"`

	Modem  ModemConfig  `hcl:"modem"`
	Mqtt   MqttConfig   `hcl:"mqtt"`
	Logger LoggerConfig `hcl:"logger"`

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type ZoneConfig struct {
	Name    string `hcl:"name,key"`
	Index   int    `hcl:"index"`
	Address string `hcl:"address"`
}

// Addr parses decimal or 0x-prefixed hex 1-Wire ROM code.
func (z *ZoneConfig) Addr() (uint64, error) {
	a, err := strconv.ParseUint(strings.TrimSpace(z.Address), 0, 64)
	return a, errors.Annotatef(err, "zone=%s address=%s", z.Name, z.Address)
}

type ModemConfig struct {
	LogDebug bool `hcl:"log_debug"`

	WakeupDelayMs   int `hcl:"wakeup_delay_ms"`
	PowerOnPulseMs  int `hcl:"power_on_pulse_ms"`
	PowerOnDelayMs  int `hcl:"power_on_delay_ms"`
	PowerOffPulseMs int `hcl:"power_off_pulse_ms"`
	PowerOffDelayMs int `hcl:"power_off_delay_ms"`

	InitRetry       int `hcl:"init_retry"`
	TestDelayMs     int `hcl:"test_delay_ms"`
	AtTimeoutMs     int `hcl:"at_timeout_ms"`
	ImeiReadDelayMs int `hcl:"imei_read_delay_ms"`

	SimPin         string `hcl:"sim_pin"` // secret
	SimInitDelayMs int    `hcl:"sim_init_delay_ms"`
	SimReadDelayMs int    `hcl:"sim_read_delay_ms"`

	NetworkCheckIntervalMs int `hcl:"network_check_interval_ms"`
	NetworkCheckRetry      int `hcl:"network_check_retry"`

	Apn      string `hcl:"apn"`
	User     string `hcl:"user"`
	Password string `hcl:"password"` // secret

	GprsInitDelayMs    int `hcl:"gprs_init_delay_ms"`
	GprsConnectRetry   int `hcl:"gprs_connect_retry"`
	GprsConnectDelayMs int `hcl:"gprs_connect_delay_ms"`
	GprsTestRetry      int `hcl:"gprs_test_retry"`
	GprsTestDelayMs    int `hcl:"gprs_test_delay_ms"`
}

type MqttConfig struct {
	Driver         string `hcl:"driver"`
	LogDebug       bool   `hcl:"log_debug"`
	Server         string `hcl:"server"`
	Port           int    `hcl:"port"`
	Username       string `hcl:"username"`
	Password       string `hcl:"password"` // secret
	ClientID       string `hcl:"client_id"`
	TimeoutSec     int    `hcl:"timeout_sec"`
	ConnectDelayMs int    `hcl:"connect_delay_ms"`
	ConnectRetry   int    `hcl:"connect_retry"`
	Qos            int    `hcl:"qos"`
	Retain         bool   `hcl:"retain"`

	Topic struct {
		TemperatureAvg         string `hcl:"temperature_avg"`
		TemperatureSensor      string `hcl:"temperature_sensor"`
		BatteryCapacity        string `hcl:"battery_capacity"`
		BatteryLow             string `hcl:"battery_low"`
		BatteryVoltage         string `hcl:"battery_voltage"`
		BatteryAdjustedVoltage string `hcl:"battery_adjusted_voltage"`
	} `hcl:"topic"`
}

// LoggerConfig is the receiving side: `greenbox logger` stores node
// telemetry into SQLite. Broker address and topics come from MqttConfig.
type LoggerConfig struct {
	Database         string `hcl:"database"`
	ClientID         string `hcl:"client_id"`
	Qos              *int   `hcl:"qos"`
	ReconnectDelayMs int    `hcl:"reconnect_delay_ms"`
	LogDebug         bool   `hcl:"log_debug"`
}

// BrokerURL accepts either bare host (with port from config) or full URL.
func (m *MqttConfig) BrokerURL() string {
	if strings.Contains(m.Server, "://") {
		return m.Server
	}
	return fmt.Sprintf("tcp://%s:%d", m.Server, m.Port)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		// content is not logged, it contains secrets
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, errors.Trace(err)
		}
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) != 0 {
		return c, helpers.FoldErrors(errs)
	}
	c.applyDefaults()
	return c, errors.Annotate(c.Validate(), "config")
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// Default is the firmware configuration without any file.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

var defaultZones = []ZoneConfig{
	{Name: "green", Index: 0, Address: "9666714504207294760"},
	{Name: "yellow", Index: 1, Address: "18437195502557880616"},
	{Name: "black", Index: 2, Address: "290801794589212200"},
	{Name: "red", Index: 3, Address: "16791709353807948072"},
}

func defaultInt(p *int, def int) {
	if *p <= 0 {
		*p = def
	}
}

func defaultFloat(p *float64, def float64) {
	if *p <= 0 {
		*p = def
	}
}

func defaultFloatPtr(p **float64, def float64) {
	if *p == nil {
		*p = &def
	}
}

func defaultIntPtr(p **int, def int) {
	if *p == nil {
		*p = &def
	}
}

func defaultString(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func (c *Config) applyDefaults() {
	hw := &c.Hardware
	defaultString(&hw.Modem.UartDevice, "/dev/ttyS1")
	defaultInt(&hw.Modem.UartBaud, 115200)
	defaultString(&hw.Modem.PinChip, "/dev/gpiochip0")
	defaultString(&hw.Modem.PinPowerKey, "4")
	defaultInt(&hw.OneWire.Resolution, 12)
	defaultString(&hw.OneWire.PinChip, "/dev/gpiochip0")
	defaultString(&hw.OneWire.PinPower, "23")
	defaultString(&hw.Battery.IioDevice, "/sys/bus/iio/devices/iio:device0")
	defaultString(&hw.Battery.Channel, "in_voltage7")
	defaultString(&hw.Battery.PinChip, "/dev/gpiochip0")
	defaultString(&hw.Battery.PinEnable, "12")
	defaultInt(&hw.Battery.SettleMs, 10)
	defaultString(&hw.Suspend.Mode, SuspendModeRTC)
	defaultString(&hw.Suspend.RtcWakealarm, "/sys/class/rtc/rtc0/wakealarm")
	defaultString(&hw.Suspend.PowerState, "/sys/power/state")

	defaultInt(&c.Sensor.ReadingDelayMs, 750)
	if len(c.Sensor.Zones) == 0 {
		c.Sensor.Zones = append([]ZoneConfig(nil), defaultZones...)
	}

	defaultFloat(&c.Battery.EmptyVolts, 3.4)
	defaultFloat(&c.Battery.FullVolts, 4.2)
	defaultFloat(&c.Battery.Divider, 1.95)
	defaultFloatPtr(&c.Battery.LowCapacity, 10)

	defaultInt(&c.Sleep.SuccessSec, 15*60)
	defaultInt(&c.Sleep.FailedSec, 2*60)

	m := &c.Modem
	defaultInt(&m.WakeupDelayMs, 10000)
	defaultInt(&m.PowerOnPulseMs, 1000)
	defaultInt(&m.PowerOnDelayMs, 5000)
	defaultInt(&m.PowerOffPulseMs, 5000)
	defaultInt(&m.PowerOffDelayMs, 7000)
	defaultInt(&m.InitRetry, 10)
	defaultInt(&m.TestDelayMs, 100)
	defaultInt(&m.AtTimeoutMs, 1000)
	defaultInt(&m.ImeiReadDelayMs, 100)
	defaultInt(&m.SimInitDelayMs, 5000)
	defaultInt(&m.SimReadDelayMs, 200)
	defaultInt(&m.NetworkCheckIntervalMs, 1000)
	defaultInt(&m.NetworkCheckRetry, 60)
	defaultInt(&m.GprsInitDelayMs, 5000)
	defaultInt(&m.GprsConnectRetry, 3)
	defaultInt(&m.GprsConnectDelayMs, 5000)
	defaultInt(&m.GprsTestRetry, 3)
	defaultInt(&m.GprsTestDelayMs, 5000)

	q := &c.Mqtt
	defaultString(&q.Driver, MqttDriverPaho)
	defaultInt(&q.Port, 1883)
	defaultString(&q.ClientID, "GREEN_HOUSE")
	defaultInt(&q.TimeoutSec, 20)
	defaultInt(&q.ConnectDelayMs, 5000)
	defaultInt(&q.ConnectRetry, 23)
	defaultString(&q.Topic.TemperatureAvg, "greenhouse/temperature")
	defaultString(&q.Topic.TemperatureSensor, "greenhouse/sensors/%d")
	defaultString(&q.Topic.BatteryCapacity, "greenhouse/battery")
	defaultString(&q.Topic.BatteryLow, "greenhouse/battery/low")
	defaultString(&q.Topic.BatteryVoltage, "greenhouse/voltage/voltage")
	defaultString(&q.Topic.BatteryAdjustedVoltage, "greenhouse/voltage/adjusted")
	// firmware printf style
	q.Topic.TemperatureSensor = strings.Replace(q.Topic.TemperatureSensor, "%u", "%d", -1)

	l := &c.Logger
	defaultString(&l.Database, "greenhouse.db")
	defaultString(&l.ClientID, "greenhouse-web")
	defaultIntPtr(&l.Qos, 1)
	defaultInt(&l.ReconnectDelayMs, 5000)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	errs := make([]error, 0)
	errs = append(errs, c.validateZones()...)

	b := &c.Battery
	if b.EmptyVolts >= b.FullVolts {
		errs = append(errs, errors.NotValidf("battery empty_volts=%v >= full_volts=%v", b.EmptyVolts, b.FullVolts))
	}
	if b.LowCapacity != nil && (*b.LowCapacity < 0 || *b.LowCapacity > 100) {
		errs = append(errs, errors.NotValidf("battery low_capacity=%v valid: 0..100", *b.LowCapacity))
	}
	if c.Mqtt.Server == "" {
		errs = append(errs, errors.NotValidf("mqtt server=empty"))
	}
	switch c.Mqtt.Driver {
	case MqttDriverPaho, MqttDriverGomqtt:
	default:
		errs = append(errs, errors.NotValidf("mqtt driver=%s valid: %s, %s", c.Mqtt.Driver, MqttDriverPaho, MqttDriverGomqtt))
	}
	if c.Mqtt.Qos < 0 || c.Mqtt.Qos > 1 {
		errs = append(errs, errors.NotValidf("mqtt qos=%d valid: 0, 1", c.Mqtt.Qos))
	}
	if q := c.Logger.Qos; q != nil && (*q < 0 || *q > 1) {
		errs = append(errs, errors.NotValidf("logger qos=%d valid: 0, 1", *q))
	}
	if t := c.Mqtt.Topic.TemperatureSensor; strings.Count(t, "%") != 1 || strings.Count(t, "%d") != 1 {
		errs = append(errs, errors.NotValidf("mqtt topic temperature_sensor=%s must contain single %%d", t))
	}
	switch c.Hardware.Suspend.Mode {
	case SuspendModeRTC, SuspendModeSimulate:
	default:
		errs = append(errs, errors.NotValidf("hardware suspend mode=%s valid: %s, %s", c.Hardware.Suspend.Mode, SuspendModeRTC, SuspendModeSimulate))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) validateZones() []error {
	errs := make([]error, 0)
	zones := c.Sensor.Zones
	byIndex := make(map[int]string, len(zones))
	byAddr := make(map[uint64]string, len(zones))
	for i := range zones {
		z := &zones[i]
		if other, ok := byIndex[z.Index]; ok {
			errs = append(errs, errors.NotValidf("zone=%s index=%d duplicate of zone=%s", z.Name, z.Index, other))
		}
		byIndex[z.Index] = z.Name
		addr, err := z.Addr()
		if err != nil {
			errs = append(errs, errors.NotValidf("%v", err))
			continue
		}
		if addr == 0 {
			errs = append(errs, errors.NotValidf("zone=%s address=0", z.Name))
			continue
		}
		if other, ok := byAddr[addr]; ok {
			errs = append(errs, errors.NotValidf("zone=%s address=%d duplicate of zone=%s", z.Name, addr, other))
		}
		byAddr[addr] = z.Name
	}
	for i := 0; i < len(zones); i++ {
		if _, ok := byIndex[i]; !ok {
			errs = append(errs, errors.NotValidf("zone index=%d missing, indexes must be 0..%d", i, len(zones)-1))
		}
	}
	return errs
}

// SortedZones returns zones ordered by index.
func (c *Config) SortedZones() []ZoneConfig {
	zs := append([]ZoneConfig(nil), c.Sensor.Zones...)
	sort.Slice(zs, func(i, j int) bool { return zs[i].Index < zs[j].Index })
	return zs
}
