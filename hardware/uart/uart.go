// Package uart is a raw 8N1 serial port with poll(2) read timeouts.
package uart

import (
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

const DefaultReadTimeout = 100 * time.Millisecond

var bauds = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

type Port struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	timeout time.Duration
}

func Open(path string, baud int) (*Port, error) {
	speed, ok := bauds[baud]
	if !ok {
		return nil, errors.NotSupportedf("uart baud=%d", baud)
	}
	f, err := os.OpenFile(path, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0600)
	if err != nil {
		return nil, errors.Annotatef(err, "uart open path=%s", path)
	}
	if err = setRaw(int(f.Fd()), speed); err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "uart termios path=%s", path)
	}
	return &Port{f: f, path: path, timeout: DefaultReadTimeout}, nil
}

func setRaw(fd int, speed uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD | speed
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	if err = unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return err
	}
	// discard whatever modem printed while nobody listened
	return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)
}

// SetReadTimeout bounds every following Read.
func (self *Port) SetReadTimeout(d time.Duration) {
	self.mu.Lock()
	self.timeout = d
	self.mu.Unlock()
}

// Read returns juju Timeout error when no byte arrived within read timeout.
func (self *Port) Read(p []byte) (int, error) {
	self.mu.Lock()
	timeout := self.timeout
	self.mu.Unlock()
	if err := waitRead(int(self.f.Fd()), timeout); err != nil {
		return 0, err
	}
	n, err := syscall.Read(int(self.f.Fd()), p)
	if err == syscall.EAGAIN {
		return 0, errors.Timeoutf("uart read path=%s", self.path)
	}
	if err != nil {
		return 0, errors.Annotatef(err, "uart read path=%s", self.path)
	}
	return n, nil
}

func (self *Port) Write(p []byte) (int, error) {
	n, err := self.f.Write(p)
	if err != nil {
		return n, errors.Annotatef(err, "uart write path=%s", self.path)
	}
	return n, nil
}

func (self *Port) Close() error { return self.f.Close() }

func waitRead(fd int, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Annotate(err, "uart poll")
		}
		if n == 0 {
			return errors.Timeoutf("uart read after %v", timeout)
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return errors.Errorf("uart poll revents=%x", fds[0].Revents)
		}
		return nil
	}
}
