// Package atport speaks line-oriented AT commands to the cellular modem.
package atport

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/greenbox/log2"
)

// Conn is a serial link with bounded reads, see hardware/uart.Port.
type Conn interface {
	io.ReadWriter
	SetReadTimeout(time.Duration)
}

type Port struct {
	mu      sync.Mutex
	conn    Conn
	log     *log2.Log
	r       *bufio.Reader
	partial strings.Builder
}

func New(log *log2.Log, conn Conn) *Port {
	return &Port{
		conn: conn,
		log:  log,
		r:    bufio.NewReader(conn),
	}
}

// Command sends cmd and collects response lines until final result code.
// Returns juju Timeout error when final result did not arrive within timeout,
// annotated error with response text on ERROR, +CME ERROR, +CMS ERROR.
// Echo and unsolicited lines are dropped from result.
func (self *Port) Command(cmd string, timeout time.Duration) ([]string, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.r.Reset(self.conn)
	self.partial.Reset()
	self.log.Debugf("at > %s", redact(cmd))
	if _, err := self.conn.Write([]byte(cmd + "\r")); err != nil {
		return nil, errors.Annotatef(err, "at send cmd=%s", redact(cmd))
	}

	deadline := time.Now().Add(timeout)
	lines := make([]string, 0, 4)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return lines, errors.Timeoutf("at cmd=%s after %v", redact(cmd), timeout)
		}
		self.conn.SetReadTimeout(left)
		line, err := self.readLine()
		if err != nil {
			if errors.IsTimeout(err) {
				return lines, errors.Timeoutf("at cmd=%s after %v", redact(cmd), timeout)
			}
			return lines, errors.Annotatef(err, "at recv cmd=%s", redact(cmd))
		}
		if line == "" || line == cmd {
			continue
		}
		self.log.Debugf("at < %s", line)
		switch {
		case line == "OK":
			return lines, nil
		case line == "ERROR", line == "NO CARRIER",
			strings.HasPrefix(line, "+CME ERROR"), strings.HasPrefix(line, "+CMS ERROR"):
			return lines, errors.Errorf("at cmd=%s response=%s", redact(cmd), line)
		}
		if isUnsolicited(line) {
			continue
		}
		lines = append(lines, line)
	}
}

// partial line survives read timeout until next readLine
func (self *Port) readLine() (string, error) {
	chunk, err := self.r.ReadString('\n')
	self.partial.WriteString(chunk)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(self.partial.String())
	self.partial.Reset()
	return line, nil
}

// Boot and status indications which may interleave with command responses.
var unsolicited = []string{"RDY", "SMS DONE", "PB DONE", "*ATREADY"}

func isUnsolicited(line string) bool {
	for _, u := range unsolicited {
		if line == u {
			return true
		}
	}
	return false
}

// PIN and APN password stay out of logs
func redact(cmd string) string {
	for _, prefix := range []string{"AT+CPIN=", "AT+CGAUTH="} {
		if strings.HasPrefix(cmd, prefix) {
			return prefix + "***"
		}
	}
	return cmd
}
