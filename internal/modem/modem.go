// Package modem sends AT commands over the cellular modem's control TTY
// to enable/disable its PCM endpoint (spec §4.8), the way
// serial_port.go opens a raw TTY with github.com/pkg/term elsewhere in
// this codebase.
package modem

import (
	"errors"
	"io"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/pkg/term"
)

// DefaultTTYPath is the modem control device on the reference platform.
const DefaultTTYPath = "/dev/ttyUSB3"

// OpenFunc opens the control TTY for AT-command delivery. Production
// callers get a *term.Term via openTTY; tests inject a fake writer (e.g.
// a github.com/creack/pty slave) via NewControlWithOpener.
type OpenFunc func(path string) (io.WriteCloser, error)

// openTTY opens path write-only in raw mode, the same way
// serial_port.go opens its device handle.
func openTTY(path string) (io.WriteCloser, error) {
	t, err := term.Open(path, term.RawMode)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Control sends AT commands and tracks the last CPCMREG state sent, so
// set_pcm_register doesn't redundantly re-send the same value (spec
// §4.8).
type Control struct {
	path string
	open OpenFunc
	log  *log.Logger

	mu         sync.Mutex
	lastPCMReg int // -1: unknown/never sent, 0 or 1: last sent value
}

// NewControl builds a Control for the TTY at path. logger may be nil.
func NewControl(path string, logger *log.Logger) *Control {
	return NewControlWithOpener(path, openTTY, logger)
}

// NewControlWithOpener builds a Control using a custom OpenFunc, letting
// other packages' tests substitute a fake TTY without a real modem
// attached.
func NewControlWithOpener(path string, open OpenFunc, logger *log.Logger) *Control {
	if path == "" {
		path = DefaultTTYPath
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Control{path: path, open: open, log: logger, lastPCMReg: -1}
}

// SendAT writes cmd+"\r" to the control TTY, retrying on EINTR.
func (c *Control) SendAT(cmd string) error {
	tty, err := c.open(c.path)
	if err != nil {
		c.log.Error("modem: failed to open control tty", "path", c.path, "err", err)
		return err
	}
	defer tty.Close()

	payload := []byte(cmd + "\r")
	total := 0
	for total < len(payload) {
		n, err := tty.Write(payload[total:])
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			c.log.Error("modem: write failed", "cmd", cmd, "err", err)
			return err
		}
		total += n
	}
	c.log.Debug("modem: at command sent", "cmd", cmd)
	return nil
}

// SetPCMRegister sends AT+CPCMREG=1 or AT+CPCMREG=0, skipping the send
// entirely if the cached last-sent state already matches (spec §4.8).
func (c *Control) SetPCMRegister(enabled bool) error {
	c.mu.Lock()
	want := 0
	if enabled {
		want = 1
	}
	if c.lastPCMReg == want {
		c.mu.Unlock()
		c.log.Debug("modem: cpcmreg already set, skipping", "value", want)
		return nil
	}
	c.mu.Unlock()

	cmd := "AT+CPCMREG=0"
	if enabled {
		cmd = "AT+CPCMREG=1"
	}
	if err := c.SendAT(cmd); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastPCMReg = want
	c.mu.Unlock()
	return nil
}

// LastPCMRegister reports the last successfully sent CPCMREG value, or -1
// if none has been sent yet.
func (c *Control) LastPCMRegister() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPCMReg
}
