// Package pcm wraps a sound-card endpoint with the ALSA-flavored
// open/prepare/start/write/read/close lifecycle spec §4.3 requires,
// backed by github.com/gordonklaus/portaudio the way the teacher's
// audio.go wraps a lower-level sound driver.
package pcm

import (
	"errors"

	"github.com/gordonklaus/portaudio"

	"github.com/simcom-audio/hal/internal/halerr"
)

// ErrDeviceBusy is the sentinel a Device implementation returns from
// Write/Read when the underlying stream has already been claimed or torn
// down by a concurrent operation -- this package's analogue of ALSA's
// EBUSY/EAGAIN, since PortAudio itself exposes no such errno-equivalent.
var ErrDeviceBusy = errors.New("pcm: device busy")

// State is the PCM endpoint's lifecycle state (spec §4.3).
type State int

const (
	StateClosed State = iota
	StateOpened
	StatePrepared
	StateRunning
	StateXRun
	StateError
)

// Direction selects capture or playback.
type Direction int

const (
	DirectionCapture Direction = iota
	DirectionPlayback
)

// Config describes the fixed PCM parameters for an endpoint. The modem
// config (spec §6) is RateHz:8000 Channels:1 PeriodFrames:320 Periods:4.
type Config struct {
	RateHz       int
	Channels     int
	PeriodFrames int
	Periods      int
}

// Result is the sum-type every Write/Read call resolves to, letting
// callers switch on outcome instead of inspecting driver errno values
// (spec §9 DESIGN NOTES).
type Result int

const (
	ResultOk Result = iota
	ResultXRun
	ResultIOErr
	ResultBusy
)

// Device abstracts the portaudio surface the Endpoint drives, so tests can
// substitute a fake without a real sound card attached.
type Device interface {
	Start() error
	Stop() error
	Close() error
	Write() error
	Read() error
}

// Endpoint is a thin state machine over a single PortAudio stream,
// matching the ALSA open/prepare/start/write/read/close contract of
// spec §4.3.
type Endpoint struct {
	CardIndex   int
	DeviceIndex int
	Direction   Direction
	Config      Config

	state  State
	stream Device
	buf    []int16 // interleaved scratch for the configured period
	open   func(cardIndex, deviceIndex int, dir Direction, cfg Config, buf *[]int16) (Device, error)
}

// NewEndpoint constructs an unopened endpoint. openFn is injected so tests
// run without real hardware; production callers pass OpenPortAudioStream.
func NewEndpoint(card, dev int, dir Direction, cfg Config, openFn func(int, int, Direction, Config, *[]int16) (Device, error)) *Endpoint {
	return &Endpoint{
		CardIndex:   card,
		DeviceIndex: dev,
		Direction:   dir,
		Config:      cfg,
		state:       StateClosed,
		open:        openFn,
	}
}

func (e *Endpoint) State() State { return e.state }

// Open transitions Closed -> Opened. On a handle that never becomes ready
// it closes and returns an IOFatal error per spec §4.3.
func (e *Endpoint) Open() error {
	stream, err := e.open(e.CardIndex, e.DeviceIndex, e.Direction, e.Config, &e.buf)
	if err != nil {
		e.state = StateError
		return halerr.New(halerr.KindIOFatal, "pcm.Open", err)
	}
	e.stream = stream
	e.state = StateOpened
	return nil
}

// Prepare transitions to Prepared from any open state.
func (e *Endpoint) Prepare() error {
	if e.state == StateClosed {
		return halerr.New(halerr.KindMisconfiguration, "pcm.Prepare", nil)
	}
	e.state = StatePrepared
	return nil
}

// Start transitions Prepared -> Running. Many backends auto-start on the
// first Write; callers may skip calling Start explicitly.
func (e *Endpoint) Start() error {
	if e.stream == nil {
		return halerr.New(halerr.KindIOFatal, "pcm.Start", nil)
	}
	if err := e.stream.Start(); err != nil {
		e.state = StateError
		return halerr.New(halerr.KindIOTransient, "pcm.Start", err)
	}
	e.state = StateRunning
	return nil
}

func (e *Endpoint) Stop() error {
	if e.stream == nil {
		return nil
	}
	_ = e.stream.Stop()
	return nil
}

func (e *Endpoint) Close() error {
	if e.stream != nil {
		_ = e.stream.Close()
	}
	e.stream = nil
	e.state = StateClosed
	return nil
}

// Write pushes exactly len(samples) interleaved int16 frames through the
// stream, applying the XRUN/EIO/EBUSY recovery rules of spec §4.3:
// EPIPE (XRUN) -> prepare, retry once. EIO -> prepare, start, retry once.
// EBUSY/EAGAIN -> close and relinquish (caller must treat the endpoint as
// gone).
func (e *Endpoint) Write(samples []int16) (int, Result) {
	copy(e.buf, samples)
	res := e.classify(e.stream.Write())
	switch res {
	case ResultOk:
		e.state = StateRunning
		return len(samples), ResultOk
	case ResultXRun:
		if err := e.Prepare(); err != nil {
			return 0, ResultIOErr
		}
		if e.classify(e.stream.Write()) == ResultOk {
			e.state = StateRunning
			return len(samples), ResultOk
		}
		return 0, ResultXRun
	case ResultIOErr:
		_ = e.Prepare()
		_ = e.Start()
		if e.classify(e.stream.Write()) == ResultOk {
			e.state = StateRunning
			return len(samples), ResultOk
		}
		return 0, ResultIOErr
	case ResultBusy:
		_ = e.Close()
		return 0, ResultBusy
	}
	return 0, ResultIOErr
}

// Read pulls exactly len(dst) interleaved frames. Its recovery is narrower
// than Write's: on XRUN it prepares and returns ResultXRun without
// retrying the read; EIO and EBUSY/EAGAIN are returned as-is, with no
// prepare/start retry and no close.
func (e *Endpoint) Read(dst []int16) (int, Result) {
	res := e.classify(e.stream.Read())
	if res == ResultOk {
		copy(dst, e.buf)
		e.state = StateRunning
		return len(dst), ResultOk
	}
	if res == ResultXRun {
		if err := e.Prepare(); err == nil {
			return 0, ResultXRun
		}
	}
	return 0, res
}

// classify maps an arbitrary backend error to a Result. nil is always Ok.
// ErrDeviceBusy is this package's own EBUSY/EAGAIN equivalent (spec
// §4.3/§4.7: "close and relinquish ownership"), since PortAudio exposes no
// such sentinel itself; every other non-nil error is an unrecoverable IO
// failure.
func (e *Endpoint) classify(err error) Result {
	if err == nil {
		return ResultOk
	}
	switch {
	case err == portaudio.InputOverflowed, err == portaudio.OutputUnderflowed:
		return ResultXRun
	case errors.Is(err, ErrDeviceBusy):
		return ResultBusy
	default:
		return ResultIOErr
	}
}
