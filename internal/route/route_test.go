package route

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeControl struct {
	min, max int
	values   []int
	setErr   error
}

func (c *fakeControl) Min() int       { return c.min }
func (c *fakeControl) Max() int       { return c.max }
func (c *fakeControl) NumValues() int { return len(c.values) }
func (c *fakeControl) Get(i int) (int, error) {
	return c.values[i], nil
}
func (c *fakeControl) Set(i, v int) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.values[i] = v
	return nil
}

type fakeMixer struct {
	controls map[string]*fakeControl
	closed   bool
}

func (m *fakeMixer) Control(name string) (Control, bool) {
	c, ok := m.controls[name]
	return c, ok
}
func (m *fakeMixer) Close() error { m.closed = true; return nil }

func newFakeMixer() *fakeMixer {
	return &fakeMixer{controls: map[string]*fakeControl{
		"IN Capture Volume":    {min: 0, max: 63, values: []int{0}},
		"ADC Capture Switch":   {min: 0, max: 1, values: []int{0}},
		"RECMIXL BST3 Switch":  {min: 0, max: 1, values: []int{0}},
		"RECMIXR BST3 Switch":  {min: 0, max: 1, values: []int{0}},
		"ADC Capture Volume":   {min: 0, max: 63, values: []int{0}},
		// "Mono ADC Capture Volume" deliberately absent: optional control.
		// "MIC1 Boost Capture Volume" deliberately absent: optional.
		// "IN3 Boost" deliberately absent: optional.
	}}
}

func TestProgramMixer_SetsAllPresentControls(t *testing.T) {
	mixer := newFakeMixer()
	c := NewController(func(int) (Mixer, error) { return mixer, nil }, nil)

	err := c.ProgramMixer(0, MicCaptureSettings)
	require.NoError(t, err)

	assert.Equal(t, 40, mixer.controls["IN Capture Volume"].values[0])
	assert.Equal(t, 55, mixer.controls["ADC Capture Volume"].values[0])
	assert.Equal(t, 1, mixer.controls["ADC Capture Switch"].values[0])
	assert.True(t, mixer.closed)
}

func TestProgramMixer_ClampsOutOfRangeTarget(t *testing.T) {
	mixer := newFakeMixer()
	mixer.controls["IN Capture Volume"].max = 30 // below the 40 target
	c := NewController(func(int) (Mixer, error) { return mixer, nil }, nil)

	require.NoError(t, c.ProgramMixer(0, MicCaptureSettings))
	assert.Equal(t, 30, mixer.controls["IN Capture Volume"].values[0])
}

func TestProgramMixer_SkipsIfAlreadyCached(t *testing.T) {
	mixer := newFakeMixer()
	opens := 0
	c := NewController(func(int) (Mixer, error) {
		opens++
		return mixer, nil
	}, nil)

	require.NoError(t, c.ProgramMixer(0, MicCaptureSettings))
	require.NoError(t, c.ProgramMixer(0, MicCaptureSettings))
	assert.Equal(t, 1, opens, "second ProgramMixer call for the same card must be a no-op")
}

func TestProgramMixer_MissingOptionalControlIsSilent(t *testing.T) {
	mixer := newFakeMixer() // "Mono ADC Capture Volume" absent, optional
	c := NewController(func(int) (Mixer, error) { return mixer, nil }, nil)
	assert.NoError(t, c.ProgramMixer(0, MicCaptureSettings))
}

func TestProgramMixer_OpenMixerFailurePropagates(t *testing.T) {
	c := NewController(func(int) (Mixer, error) { return nil, errors.New("no such device") }, nil)
	err := c.ProgramMixer(0, MicCaptureSettings)
	assert.Error(t, err)
}

func TestVerifyMixer_ReportsMismatch(t *testing.T) {
	mixer := newFakeMixer()
	mixer.controls["IN Capture Volume"].values[0] = 40
	mixer.controls["ADC Capture Switch"].values[0] = 0 // target is 1: mismatch

	c := NewController(func(int) (Mixer, error) { return mixer, nil }, nil)
	results, err := c.VerifyMixer(0, []Setting{
		{Name: "IN Capture Volume", Target: 40},
		{Name: "ADC Capture Switch", Target: 1, IsSwitch: true},
	})
	require.NoError(t, err)
	assert.True(t, results["IN Capture Volume"])
	assert.False(t, results["ADC Capture Switch"])
}

func TestOpenCloseRoute_Idempotent(t *testing.T) {
	c := NewController(func(int) (Mixer, error) { return newFakeMixer(), nil }, nil)
	c.OpenRoute(0, RouteMainMicCapture)
	assert.Equal(t, RouteMainMicCapture, c.ActiveRoute(0))

	c.OpenRoute(0, RouteMainMicCapture) // no-op, same route
	assert.Equal(t, RouteMainMicCapture, c.ActiveRoute(0))

	c.CloseRoute(0, RouteSpeakerNormal) // mismatched route, no-op
	assert.Equal(t, RouteMainMicCapture, c.ActiveRoute(0))

	c.CloseRoute(0, RouteMainMicCapture)
	assert.Equal(t, Route(""), c.ActiveRoute(0))
}

func TestNeedsMicReactivation(t *testing.T) {
	assert.True(t, NeedsMicReactivation(true, false, false, false))
	assert.True(t, NeedsMicReactivation(false, true, false, false))
	assert.True(t, NeedsMicReactivation(false, false, true, false))
	assert.True(t, NeedsMicReactivation(false, false, false, true))
	assert.False(t, NeedsMicReactivation(false, false, false, false))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 10, clamp(5, 10, 20))
	assert.Equal(t, 20, clamp(30, 10, 20))
	assert.Equal(t, 15, clamp(15, 10, 20))
	assert.Equal(t, 5, clamp(5, 10, 0)) // max < min: no declared range
}
