package voicecall

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simcom-audio/hal/internal/modem"
	"github.com/simcom-audio/hal/internal/ring"
)

// noopWriteCloser discards everything written to it, standing in for the
// modem control TTY: these tests only care about CPCMREG caching and
// state transitions, not AT wire format.
type noopWriteCloser struct{}

func (noopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (noopWriteCloser) Close() error                { return nil }

func newTestCoordinator(t *testing.T, startErr error) (*Coordinator, *int32) {
	t.Helper()
	var stopCalls int32
	start := func() error { return startErr }
	stop := func() { atomic.AddInt32(&stopCalls, 1) }

	m := modem.NewControlWithOpener("", func(string) (io.WriteCloser, error) {
		return noopWriteCloser{}, nil
	}, nil)

	rb := ring.New(ring.DefaultCapacitySamples)
	c := New(m, rb, nil, start, stop, nil)
	c.sleep = func(time.Duration) {} // don't actually sleep in tests
	return c, &stopCalls
}

func TestCoordinator_IdleToActiveOnCallMode(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	require.Equal(t, StateIdle, c.State())

	c.SetMode(ModeInCall, PipelineStatus{})
	assert.Equal(t, StateActive, c.State())
	assert.True(t, c.VoiceCallActive())
}

func TestCoordinator_ActivationFailureReturnsToIdle(t *testing.T) {
	c, _ := newTestCoordinator(t, errors.New("mic open failed"))
	c.SetMode(ModeInCall, PipelineStatus{})
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.VoiceCallActive())
}

func TestCoordinator_ActiveToIdleOnNormalMode(t *testing.T) {
	c, stopCalls := newTestCoordinator(t, nil)
	c.SetMode(ModeInCall, PipelineStatus{})
	require.Equal(t, StateActive, c.State())

	c.SetMode(ModeNormal, PipelineStatus{})
	assert.Equal(t, StateIdle, c.State())
	assert.EqualValues(t, 1, atomic.LoadInt32(stopCalls))
}

func TestCoordinator_IgnoresModeFlapDuringTeardownRace(t *testing.T) {
	c, stopCalls := newTestCoordinator(t, nil)
	c.SetMode(ModeInCall, PipelineStatus{})
	require.Equal(t, StateActive, c.State())

	c.SetMode(ModeNormal, PipelineStatus{CaptureThreadActive: true})
	assert.Equal(t, StateActive, c.State(), "a concurrent-teardown-race signal must keep the call active")
	assert.EqualValues(t, 0, atomic.LoadInt32(stopCalls))
}

func TestCoordinator_CloseForcesDeactivationFromActive(t *testing.T) {
	c, stopCalls := newTestCoordinator(t, nil)
	c.SetMode(ModeInCall, PipelineStatus{})
	require.Equal(t, StateActive, c.State())

	c.Close()
	assert.Equal(t, StateIdle, c.State())
	assert.EqualValues(t, 1, atomic.LoadInt32(stopCalls))
}

func TestCoordinator_CloseFromIdleIsNoOp(t *testing.T) {
	c, stopCalls := newTestCoordinator(t, nil)
	c.Close()
	assert.Equal(t, StateIdle, c.State())
	assert.EqualValues(t, 0, atomic.LoadInt32(stopCalls))
}
