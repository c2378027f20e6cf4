package pcm

import (
	"errors"
	"testing"

	"github.com/gordonklaus/portaudio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	writeErrs []error
	readErrs  []error
	closed    bool
	started   int
}

func (f *fakeDevice) Start() error { f.started++; return nil }
func (f *fakeDevice) Stop() error  { return nil }
func (f *fakeDevice) Close() error { f.closed = true; return nil }

func (f *fakeDevice) Write() error {
	if len(f.writeErrs) == 0 {
		return nil
	}
	err := f.writeErrs[0]
	f.writeErrs = f.writeErrs[1:]
	return err
}

func (f *fakeDevice) Read() error {
	if len(f.readErrs) == 0 {
		return nil
	}
	err := f.readErrs[0]
	f.readErrs = f.readErrs[1:]
	return err
}

var errFakeEIO = errors.New("fake EIO")

func openTestEndpoint(t *testing.T, fd *fakeDevice) *Endpoint {
	t.Helper()
	cfg := Config{RateHz: 8000, Channels: 1, PeriodFrames: 320, Periods: 4}
	ep := NewEndpoint(0, 0, DirectionPlayback, cfg, func(int, int, Direction, Config, *[]int16) (Device, error) {
		return fd, nil
	})
	require.NoError(t, ep.Open())
	return ep
}

func TestEndpoint_OpenPrepareStartWrite(t *testing.T) {
	fd := &fakeDevice{}
	ep := openTestEndpoint(t, fd)
	require.Equal(t, StateOpened, ep.State())

	require.NoError(t, ep.Prepare())
	assert.Equal(t, StatePrepared, ep.State())

	n, res := ep.Write(make([]int16, 320))
	assert.Equal(t, ResultOk, res)
	assert.Equal(t, 320, n)
	assert.Equal(t, StateRunning, ep.State())
}

func TestEndpoint_WriteXRunRetriesOnce(t *testing.T) {
	fd := &fakeDevice{writeErrs: []error{portaudio.InputOverflowed}}
	ep := openTestEndpoint(t, fd)
	_ = ep.Prepare()

	n, res := ep.Write(make([]int16, 320))
	assert.Equal(t, ResultOk, res)
	assert.Equal(t, 320, n)
}

func TestEndpoint_WriteIOErrPreparesAndStarts(t *testing.T) {
	fd := &fakeDevice{writeErrs: []error{errFakeEIO}}
	ep := openTestEndpoint(t, fd)
	_ = ep.Prepare()

	n, res := ep.Write(make([]int16, 320))
	assert.Equal(t, ResultOk, res)
	assert.Equal(t, 320, n)
	assert.GreaterOrEqual(t, fd.started, 1)
}

func TestEndpoint_WriteRepeatedIOErrReturnsIOErr(t *testing.T) {
	fd := &fakeDevice{writeErrs: []error{errFakeEIO, errFakeEIO}}
	ep := openTestEndpoint(t, fd)
	_ = ep.Prepare()

	_, res := ep.Write(make([]int16, 320))
	assert.Equal(t, ResultIOErr, res)
}

func TestEndpoint_ReadXRunPreparesAndReportsXRun(t *testing.T) {
	fd := &fakeDevice{readErrs: []error{portaudio.OutputUnderflowed}}
	ep := openTestEndpoint(t, fd)
	_ = ep.Prepare()

	_, res := ep.Read(make([]int16, 320))
	assert.Equal(t, ResultXRun, res)
	assert.Equal(t, StatePrepared, ep.State())
}

func TestEndpoint_CloseIsIdempotent(t *testing.T) {
	fd := &fakeDevice{}
	ep := openTestEndpoint(t, fd)
	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())
	assert.Equal(t, StateClosed, ep.State())
	assert.True(t, fd.closed)
}
