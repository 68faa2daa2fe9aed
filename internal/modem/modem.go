// Package modem brings the cellular modem from power off to a usable packet
// session and back, within one wake cycle. Every stage has its own bounded
// retry policy and may be run alone.
package modem

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/helpers"
	"github.com/temoto/greenbox/log2"
)

type PowerKey interface {
	Set(high bool) error
}

type AT interface {
	Command(cmd string, timeout time.Duration) ([]string, error)
}

type PacketSession interface {
	Open() error
	TestConnectivity() error
	Close() error
}

// Policy bounds one stage. Attempts counts tries of the stage operation,
// Interval separates tries, Timeout bounds single AT exchange, Settle is
// waited once before the first try.
type Policy struct {
	Attempts int
	Interval time.Duration
	Timeout  time.Duration
	Settle   time.Duration
}

func (p Policy) String() string {
	return fmt.Sprintf("attempts=%d interval=%v timeout=%v settle=%v", p.Attempts, p.Interval, p.Timeout, p.Settle)
}

type Config struct {
	PowerOnPulse  time.Duration
	PowerOnDelay  time.Duration
	WakeupDelay   time.Duration
	PowerOffPulse time.Duration
	PowerOffDelay time.Duration

	Handshake     Policy
	IMEIReadDelay time.Duration
	// Settle=SIM init delay, Interval=settle after PIN submit
	SIM    Policy
	SimPin string
	Attach Policy
	// Attempts of packet context, each checked by PacketTest attempts.
	Packet     Policy
	PacketTest Policy
}

func (c *Config) Validate() error {
	for name, p := range map[string]Policy{
		"handshake":   c.Handshake,
		"attach":      c.Attach,
		"packet":      c.Packet,
		"packet_test": c.PacketTest,
	} {
		if p.Attempts < 1 {
			return errors.NotValidf("modem %s attempts=%d", name, p.Attempts)
		}
	}
	if c.Handshake.Timeout <= 0 {
		return errors.NotValidf("modem AT timeout=%v", c.Handshake.Timeout)
	}
	return nil
}

// Result of one Run. OK only when packet session came up and fn succeeded.
type Result struct {
	OK       bool
	Furthest Stage
	Err      error
	Attempts map[Stage]int
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("ok=%t furthest=%s err=%v", r.OK, r.Furthest, r.Err)
	}
	return fmt.Sprintf("ok=%t furthest=%s", r.OK, r.Furthest)
}

type Lifecycle struct {
	config   Config
	log      *log2.Log
	key      PowerKey
	at       AT
	packet   PacketSession
	delay    helpers.Delayer
	state    SessionState
	furthest Stage
	attempts map[Stage]int
	imei     string
}

func New(log *log2.Log, c Config, key PowerKey, at AT, packet PacketSession, delay helpers.Delayer) (*Lifecycle, error) {
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if key == nil || at == nil || packet == nil {
		return nil, errors.NotValidf("code error modem.New key=%v at=%v packet=%v", key, at, packet)
	}
	if delay == nil {
		delay = helpers.RealDelay{}
	}
	return &Lifecycle{
		config:   c,
		log:      log,
		key:      key,
		at:       at,
		packet:   packet,
		delay:    delay,
		attempts: make(map[Stage]int),
	}, nil
}

func (self *Lifecycle) State() SessionState { return self.state }
func (self *Lifecycle) Furthest() Stage     { return self.furthest }
func (self *Lifecycle) IMEI() string        { return self.imei }

// Run brings modem up, calls fn inside usable packet session, tears down on
// every path including panic in fn.
func (self *Lifecycle) Run(ctx context.Context, fn func(context.Context) bool) (result Result) {
	self.furthest = StageOff
	self.attempts = make(map[Stage]int)
	defer func() {
		self.Teardown()
		result.Furthest = self.furthest
		result.Attempts = make(map[Stage]int, len(self.attempts))
		for k, v := range self.attempts {
			result.Attempts[k] = v
		}
		self.log.Infof("modem run %s", result.String())
	}()

	steps := []struct {
		stage Stage
		f     func() error
	}{
		{StagePoweringOn, self.PowerOn},
		{StageATResponsive, self.Handshake},
		{StageSIMReady, self.UnlockSIM},
		{StageNetworkAttached, self.Attach},
		{StagePacketSession, self.OpenPacketSession},
	}
	for _, step := range steps {
		if err := step.f(); err != nil {
			result.Err = errors.Annotatef(err, "modem stage=%s", step.stage)
			self.log.Errorf("%v", result.Err)
			return result
		}
	}
	result.OK = fn(ctx)
	return result
}

func (self *Lifecycle) reach(s Stage) {
	if s > self.furthest {
		self.furthest = s
	}
	self.log.Debugf("modem reached stage=%s %s", s, self.state.String())
}

func (self *Lifecycle) pulse(width time.Duration) error {
	if err := self.key.Set(true); err != nil {
		return errors.Annotate(err, "pwrkey assert")
	}
	self.delay.Delay(width)
	return errors.Annotate(self.key.Set(false), "pwrkey release")
}

// PowerOn is single attempt, no AT liveness check here.
func (self *Lifecycle) PowerOn() error {
	c := &self.config
	self.attempts[StagePoweringOn]++
	self.state.Power = PowerPoweringOn
	if err := self.pulse(c.PowerOnPulse); err != nil {
		return errors.Annotate(err, "power on")
	}
	self.delay.Delay(c.PowerOnDelay)
	self.delay.Delay(c.WakeupDelay)
	self.reach(StagePoweringOn)
	return nil
}

// Handshake sends AT until answered, exactly Handshake.Attempts tries at most.
// Echo off and IMEI query follow, their failures are logged only.
func (self *Lifecycle) Handshake() error {
	p := &self.config.Handshake
	var err error
	for i := 1; i <= p.Attempts; i++ {
		self.attempts[StageATResponsive]++
		if _, err = self.at.Command("AT", p.Timeout); err == nil {
			break
		}
		self.log.Debugf("modem handshake attempt=%d/%d err=%v", i, p.Attempts, err)
		if i < p.Attempts {
			self.delay.Delay(p.Interval)
		}
	}
	if err != nil {
		return exhausted(StageATResponsive, p.Attempts, err)
	}
	self.state.Power = PowerReady
	self.reach(StageATResponsive)

	if _, err = self.at.Command("ATE0", p.Timeout); err != nil {
		self.log.Errorf("modem echo off err=%v", err)
	}
	self.delay.Delay(self.config.IMEIReadDelay)
	lines, err := self.at.Command("AT+CGSN", p.Timeout)
	if err != nil {
		self.log.Errorf("modem read IMEI err=%v", err)
	} else if imei := parseIMEI(lines); imei != "" {
		self.imei = imei
		self.log.Infof("modem imei=%s", imei)
	}
	return nil
}

// UnlockSIM submits configured PIN at most once.
func (self *Lifecycle) UnlockSIM() error {
	c := &self.config
	self.delay.Delay(c.SIM.Settle)
	self.attempts[StageSIMReady]++
	status, err := self.simStatus()
	if err != nil {
		return errors.Trace(err)
	}
	switch status {
	case "READY":
	case "SIM PIN":
		if c.SimPin == "" {
			return rejectedf("SIM requires PIN, none configured")
		}
		if _, err = self.at.Command(fmt.Sprintf(`AT+CPIN="%s"`, c.SimPin), self.simTimeout()); err != nil {
			if errors.IsTimeout(err) {
				return errors.Annotate(err, "SIM PIN submit")
			}
			// content of err has no PIN, only the response code
			return rejectedf("SIM PIN submit: %s", lastLine(err))
		}
		self.delay.Delay(c.SIM.Interval)
		if status, err = self.simStatus(); err != nil {
			return errors.Trace(err)
		}
		if status != "READY" {
			return rejectedf("SIM after PIN status=%s", status)
		}
	default:
		return rejectedf("SIM status=%s", status)
	}
	self.state.SIMUnlocked = true
	self.reach(StageSIMReady)
	return nil
}

func (self *Lifecycle) simTimeout() time.Duration {
	if self.config.SIM.Timeout > 0 {
		return self.config.SIM.Timeout
	}
	return self.config.Handshake.Timeout
}

// SIM busy replies are re-queried at most this many times.
const simBusyRetries = 5

func isSIMBusy(err error) bool {
	l := lastLine(err)
	return strings.Contains(l, "SIM busy") || strings.HasSuffix(l, "CME ERROR: 14")
}

// simStatus treats SIM busy as not ready yet, other error codes as rejection.
func (self *Lifecycle) simStatus() (string, error) {
	lines, err := self.at.Command("AT+CPIN?", self.simTimeout())
	for i := 0; err != nil && isSIMBusy(err) && i < simBusyRetries; i++ {
		self.log.Debugf("modem SIM busy retry=%d", i+1)
		self.delay.Delay(self.config.SIM.Interval)
		lines, err = self.at.Command("AT+CPIN?", self.simTimeout())
	}
	if err != nil {
		if errors.IsTimeout(err) {
			return "", errors.Annotate(err, "SIM status")
		}
		if isSIMBusy(err) {
			return "", errors.Timeoutf("SIM busy after %d retries", simBusyRetries)
		}
		// +CME ERROR: SIM not inserted, SIM failure
		return "", rejectedf("SIM status: %v", err)
	}
	for _, l := range lines {
		if strings.HasPrefix(l, "+CPIN:") {
			return strings.TrimSpace(strings.TrimPrefix(l, "+CPIN:")), nil
		}
	}
	return "", errors.NotFoundf("SIM status in response %q", lines)
}

// Registration status <stat> of +CREG/+CEREG.
const (
	regNotSearching = 0
	regHome         = 1
	regSearching    = 2
	regDenied       = 3
	regUnknown      = 4
	regRoaming      = 5
)

// Attach polls circuit and EPS registration. Attached when either is home
// or roaming, denied when either is denied, no service when both answer
// not searching. Errors and timeouts keep polling.
func (self *Lifecycle) Attach() error {
	p := &self.config.Attach
	var last error
	for i := 1; i <= p.Attempts; i++ {
		self.attempts[StageNetworkAttached]++
		creg, err1 := self.regStatus("AT+CREG?", "+CREG:")
		cereg, err2 := self.regStatus("AT+CEREG?", "+CEREG:")
		if err1 != nil && err2 != nil {
			last = err1
			self.log.Debugf("modem attach poll=%d/%d err=%v", i, p.Attempts, err1)
		} else {
			switch {
			case isRegistered(creg) || isRegistered(cereg):
				self.state.NetworkAttached = true
				self.reach(StageNetworkAttached)
				return nil
			case creg == regDenied || cereg == regDenied:
				return rejectedf("network registration denied")
			case notSearching(creg, err1) && notSearching(cereg, err2):
				return rejectedf("network no service")
			}
			last = errors.Errorf("registration creg=%d cereg=%d", creg, cereg)
			self.log.Debugf("modem attach poll=%d/%d searching creg=%d cereg=%d", i, p.Attempts, creg, cereg)
		}
		if i < p.Attempts {
			self.delay.Delay(p.Interval)
		}
	}
	return exhausted(StageNetworkAttached, p.Attempts, last)
}

func isRegistered(stat int) bool { return stat == regHome || stat == regRoaming }

// failed query is not a report of no service
func notSearching(stat int, err error) bool { return err == nil && stat == regNotSearching }

var reRegStat = regexp.MustCompile(`^\s*\d+\s*,\s*(\d+)`)

func (self *Lifecycle) regStatus(cmd, prefix string) (int, error) {
	lines, err := self.at.Command(cmd, self.config.Attach.timeout(self.config.Handshake.Timeout))
	if err != nil {
		return -1, errors.Trace(err)
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, prefix) {
			continue
		}
		m := reRegStat.FindStringSubmatch(strings.TrimPrefix(l, prefix))
		if m == nil {
			return -1, errors.NotValidf("registration response %q", l)
		}
		stat, err := strconv.Atoi(m[1])
		return stat, errors.Trace(err)
	}
	return -1, errors.NotFoundf("registration status in response %q", lines)
}

func (p *Policy) timeout(def time.Duration) time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return def
}

// OpenPacketSession tries context up to Packet.Attempts times, each one
// verified by up to PacketTest.Attempts connectivity tests.
func (self *Lifecycle) OpenPacketSession() error {
	c := &self.config
	self.delay.Delay(c.Packet.Settle)
	var last error
	for i := 1; i <= c.Packet.Attempts; i++ {
		self.attempts[StagePacketSession]++
		if last = self.packetAttempt(); last == nil {
			self.state.PacketSessionActive = true
			self.reach(StagePacketSession)
			return nil
		}
		self.log.Debugf("modem packet attempt=%d/%d err=%v", i, c.Packet.Attempts, last)
		if i < c.Packet.Attempts {
			self.delay.Delay(c.Packet.Interval)
		}
	}
	return exhausted(StagePacketSession, c.Packet.Attempts, last)
}

func (self *Lifecycle) packetAttempt() error {
	p := &self.config.PacketTest
	if err := self.packet.Open(); err != nil {
		return errors.Annotate(err, "open")
	}
	var err error
	for j := 1; j <= p.Attempts; j++ {
		if err = self.packet.TestConnectivity(); err == nil {
			return nil
		}
		self.log.Debugf("modem packet test=%d/%d err=%v", j, p.Attempts, err)
		if j < p.Attempts {
			self.delay.Delay(p.Interval)
		}
	}
	// context may be half-open, next attempt starts clean
	if errClose := self.packet.Close(); errClose != nil {
		self.log.Debugf("modem packet close after failed test err=%v", errClose)
	}
	return errors.Annotate(err, "connectivity test")
}

// Teardown closes packet session if active and cuts modem power if it was
// powered in this cycle. State is reset to Off. Safe to call repeatedly.
func (self *Lifecycle) Teardown() {
	c := &self.config
	if self.state.PacketSessionActive {
		if err := self.packet.Close(); err != nil {
			self.log.Errorf("modem packet close err=%v", err)
		}
	}
	if self.state.Power != PowerOff {
		self.state.Power = PowerPoweringOff
		if err := self.pulse(c.PowerOffPulse); err != nil {
			self.log.Errorf("modem power off err=%v", err)
		}
		self.delay.Delay(c.PowerOffDelay)
	}
	self.state = SessionState{}
}

func parseIMEI(lines []string) string {
	for _, l := range lines {
		l = strings.TrimSpace(strings.TrimPrefix(l, "+CGSN:"))
		if len(l) >= 14 && strings.Trim(l, "0123456789") == "" {
			return l
		}
	}
	return ""
}

// final response code from atport error text "... response=+CME ERROR: 16"
func lastLine(err error) string {
	s := err.Error()
	if i := strings.LastIndex(s, "response="); i >= 0 {
		return s[i+len("response="):]
	}
	return "error"
}
