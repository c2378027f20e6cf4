package modem

import (
	"bufio"
	"io"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eintrOnceWriter fails its first Write with a syscall.EINTR wrapped the
// way a real *os.File surfaces it (via os.SyscallError), then succeeds,
// matching how a genuine interrupted TTY write looks to SendAT.
type eintrOnceWriter struct {
	failed bool
	writes [][]byte
}

func (w *eintrOnceWriter) Write(p []byte) (int, error) {
	if !w.failed {
		w.failed = true
		return 0, &os.SyscallError{Syscall: "write", Err: syscall.EINTR}
	}
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (w *eintrOnceWriter) Close() error { return nil }

// newPTYControl adapts a *os.File pty master/slave pair into the writer
// interface Control expects, matching the teacher's own use of
// github.com/creack/pty to fabricate a loopback TTY for its KISS test
// harness.
func newPTYControl(t *testing.T) (*Control, *bufio.Reader) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })

	c := NewControlWithOpener("", func(string) (io.WriteCloser, error) { return slave, nil }, nil)
	return c, bufio.NewReader(master)
}

func TestControl_SendAT_AppendsCR(t *testing.T) {
	c, r := newPTYControl(t)

	require.NoError(t, c.SendAT("AT+CPCMREG=1"))

	line, err := r.ReadString('\r')
	require.NoError(t, err)
	assert.Equal(t, "AT+CPCMREG=1\r", line)
}

func TestControl_SetPCMRegister_SkipsRedundantSend(t *testing.T) {
	c, r := newPTYControl(t)

	require.NoError(t, c.SetPCMRegister(true))
	_, err := r.ReadString('\r')
	require.NoError(t, err)
	assert.Equal(t, 1, c.LastPCMRegister())

	done := make(chan struct{})
	go func() {
		_ = c.SetPCMRegister(true) // same state: must not write again
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("redundant SetPCMRegister should not block")
	}
}

func TestControl_SetPCMRegister_SendsOnStateChange(t *testing.T) {
	c, r := newPTYControl(t)

	require.NoError(t, c.SetPCMRegister(true))
	_, err := r.ReadString('\r')
	require.NoError(t, err)

	require.NoError(t, c.SetPCMRegister(false))
	line, err := r.ReadString('\r')
	require.NoError(t, err)
	assert.Equal(t, "AT+CPCMREG=0\r", line)
	assert.Equal(t, 0, c.LastPCMRegister())
}

func TestControl_LastPCMRegister_DefaultsToUnknown(t *testing.T) {
	c := NewControl("", nil)
	assert.Equal(t, -1, c.LastPCMRegister())
}

func TestControl_SendAT_RetriesOnEINTR(t *testing.T) {
	w := &eintrOnceWriter{}
	c := NewControlWithOpener("", func(string) (io.WriteCloser, error) { return w, nil }, nil)

	require.NoError(t, c.SendAT("AT+CPCMREG=1"))

	require.Len(t, w.writes, 1)
	assert.Equal(t, "AT+CPCMREG=1\r", string(w.writes[0]))
}
