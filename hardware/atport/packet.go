package atport

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/log2"
)

const defaultContextID = 1

// Commander is satisfied by *Port.
type Commander interface {
	Command(cmd string, timeout time.Duration) ([]string, error)
}

type PacketConfig struct {
	Apn      string
	User     string
	Password string
	// Bounds single AT+CGACT, network may take long to grant context.
	ActivateTimeout time.Duration
	CommandTimeout  time.Duration
}

// PacketSession is the PDP context on SIMCom A76xx. IP traffic then flows
// through modem network interface (USB ECM/RNDIS) managed by the OS.
type PacketSession struct {
	at     Commander
	config PacketConfig
	cid    int
	log    *log2.Log
	addr   string
}

func NewPacketSession(log *log2.Log, at Commander, c PacketConfig) *PacketSession {
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.ActivateTimeout == 0 {
		c.ActivateTimeout = 30 * time.Second
	}
	return &PacketSession{at: at, config: c, cid: defaultContextID, log: log}
}

func (self *PacketSession) Open() error {
	c := &self.config
	if _, err := self.at.Command(fmt.Sprintf(`AT+CGDCONT=%d,"IP","%s"`, self.cid, c.Apn), c.CommandTimeout); err != nil {
		return errors.Annotate(err, "packet define context")
	}
	if c.User != "" || c.Password != "" {
		// auth type 1 = PAP; A76xx argument order is password then user
		cmd := fmt.Sprintf(`AT+CGAUTH=%d,1,"%s","%s"`, self.cid, c.Password, c.User)
		if _, err := self.at.Command(cmd, c.CommandTimeout); err != nil {
			return errors.Annotate(err, "packet auth")
		}
	}
	if _, err := self.at.Command(fmt.Sprintf("AT+CGACT=1,%d", self.cid), c.ActivateTimeout); err != nil {
		return errors.Annotate(err, "packet activate")
	}
	return nil
}

// TestConnectivity requires context active and an IP address assigned.
func (self *PacketSession) TestConnectivity() error {
	c := &self.config
	lines, err := self.at.Command("AT+CGACT?", c.CommandTimeout)
	if err != nil {
		return errors.Annotate(err, "packet query state")
	}
	if !contextActive(lines, self.cid) {
		return errors.NotFoundf("packet context=%d active", self.cid)
	}
	lines, err = self.at.Command(fmt.Sprintf("AT+CGPADDR=%d", self.cid), c.CommandTimeout)
	if err != nil {
		return errors.Annotate(err, "packet query address")
	}
	addr := contextAddr(lines, self.cid)
	if addr == "" || addr == "0.0.0.0" {
		return errors.NotFoundf("packet context=%d address", self.cid)
	}
	if addr != self.addr {
		self.log.Infof("packet context=%d address=%s", self.cid, addr)
		self.addr = addr
	}
	return nil
}

func (self *PacketSession) Close() error {
	self.addr = ""
	if _, err := self.at.Command(fmt.Sprintf("AT+CGACT=0,%d", self.cid), self.config.ActivateTimeout); err != nil {
		return errors.Annotate(err, "packet deactivate")
	}
	return nil
}

// +CGACT: <cid>,<state>
func contextActive(lines []string, cid int) bool {
	want := fmt.Sprintf("%d,1", cid)
	for _, l := range lines {
		if v, ok := field(l, "+CGACT:"); ok && strings.ReplaceAll(v, " ", "") == want {
			return true
		}
	}
	return false
}

// +CGPADDR: <cid>,<addr>
func contextAddr(lines []string, cid int) string {
	prefix := fmt.Sprintf("%d,", cid)
	for _, l := range lines {
		if v, ok := field(l, "+CGPADDR:"); ok && strings.HasPrefix(v, prefix) {
			return strings.Trim(v[len(prefix):], `" `)
		}
	}
	return ""
}

// text after prefix of information response line
func field(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return strings.TrimSpace(line[len(prefix):]), true
}
