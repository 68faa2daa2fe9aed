package atport

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/greenbox/log2"
)

// scriptConn answers each written command with canned bytes.
type scriptConn struct {
	replies map[string]string
	written []string
	in      bytes.Buffer
	timeout time.Duration
}

func (self *scriptConn) Write(p []byte) (int, error) {
	cmd := strings.TrimSuffix(string(p), "\r")
	self.written = append(self.written, cmd)
	if r, ok := self.replies[cmd]; ok {
		self.in.WriteString(r)
	}
	return len(p), nil
}

func (self *scriptConn) Read(p []byte) (int, error) {
	if self.in.Len() == 0 {
		return 0, errors.Timeoutf("test read")
	}
	return self.in.Read(p)
}

func (self *scriptConn) SetReadTimeout(d time.Duration) { self.timeout = d }

func TestCommand(t *testing.T) {
	t.Parallel()
	type Case struct {
		name      string
		cmd       string
		reply     string
		expect    []string
		expectErr string
		timeout   bool
	}
	cases := []Case{
		{"ok", "AT", "\r\nOK\r\n", []string{}, "", false},
		{"echo", "AT", "AT\r\r\nOK\r\n", []string{}, "", false},
		{"info", "AT+CREG?", "\r\n+CREG: 0,1\r\n\r\nOK\r\n", []string{"+CREG: 0,1"}, "", false},
		{"urc-skipped", "AT+CGSN", "\r\nRDY\r\n\r\n861234567890123\r\n\r\nOK\r\n", []string{"861234567890123"}, "", false},
		{"error", "AT+CPIN?", "\r\n+CME ERROR: SIM not inserted\r\n", []string{}, "response=+CME ERROR: SIM not inserted", false},
		{"plain-error", "AT+X", "\r\nERROR\r\n", []string{}, "response=ERROR", false},
		{"silent", "AT", "", []string{}, "", true},
		{"no-final", "AT+CSQ", "\r\n+CSQ: 20,99\r\n", []string{"+CSQ: 20,99"}, "", true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			conn := &scriptConn{replies: map[string]string{c.cmd: c.reply}}
			p := New(log2.NewTest(t, log2.LDebug), conn)
			lines, err := p.Command(c.cmd, time.Second)
			assert.Equal(t, []string{c.cmd}, conn.written)
			assert.Equal(t, c.expect, lines)
			switch {
			case c.timeout:
				require.Error(t, err)
				assert.True(t, errors.IsTimeout(err), errors.ErrorStack(err))
			case c.expectErr != "":
				require.Error(t, err)
				assert.False(t, errors.IsTimeout(err))
				assert.Contains(t, err.Error(), c.expectErr)
			default:
				require.NoError(t, err, errors.ErrorStack(err))
			}
		})
	}
}

func TestCommandDropsStale(t *testing.T) {
	t.Parallel()
	conn := &scriptConn{replies: map[string]string{"AT": "\r\nOK\r\n"}}
	p := New(nil, conn)
	conn.in.WriteString("garbage without newline")
	_, err := p.Command("AT", time.Second)
	// stale bytes glue to first response line, command still finds final OK
	require.NoError(t, err)
}

func TestRedact(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "AT+CPIN=***", redact(`AT+CPIN="1234"`))
	assert.Equal(t, "AT+CGAUTH=***", redact(`AT+CGAUTH=1,1,"secret","user"`))
	assert.Equal(t, "AT+CPIN?", redact("AT+CPIN?"))
}
