package pcm

import (
	"errors"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var errDeviceIndexOutOfRange = errors.New("pcm: card/device index out of range")

// portaudioDevice adapts a *portaudio.Stream to the device interface,
// binding the endpoint's interleaved int16 scratch buffer as the stream's
// I/O buffer the way portaudio.OpenStream expects a bound buffer argument.
//
// closed is tracked independently of the stream itself: Endpoint.Close can
// run concurrently with an in-flight Write/Read from another goroutine
// (e.g. a CloseOutputStream racing the uplink writer's ring drain), and a
// write into an already-closed PortAudio stream is exactly the "device
// already claimed/torn down" condition spec §4.3/§4.7 calls EBUSY/EAGAIN.
type portaudioDevice struct {
	stream *portaudio.Stream

	mu     sync.Mutex
	closed bool
}

func (p *portaudioDevice) Start() error { return p.stream.Start() }
func (p *portaudioDevice) Stop() error  { return p.stream.Stop() }

func (p *portaudioDevice) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.stream.Close()
}

func (p *portaudioDevice) Write() error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrDeviceBusy
	}
	return p.stream.Write()
}

func (p *portaudioDevice) Read() error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrDeviceBusy
	}
	return p.stream.Read()
}

// OpenPortAudioStream is the production device opener: it resolves
// card/device indices to a portaudio.DeviceInfo, builds StreamParameters
// for the requested direction, and binds a fresh interleaved int16 buffer
// sized for one period.
func OpenPortAudioStream(cardIndex, deviceIndex int, dir Direction, cfg Config, buf *[]int16) (Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	idx := cardIndex
	if idx < 0 || idx >= len(devices) {
		idx = deviceIndex
	}
	if idx < 0 || idx >= len(devices) {
		return nil, errDeviceIndexOutOfRange
	}
	info := devices[idx]

	frames := cfg.PeriodFrames
	if frames <= 0 {
		frames = 320
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	*buf = make([]int16, frames*channels)

	var params portaudio.StreamParameters
	if dir == DirectionCapture {
		params = portaudio.LowLatencyParameters(info, nil)
		params.Input.Channels = channels
	} else {
		params = portaudio.LowLatencyParameters(nil, info)
		params.Output.Channels = channels
	}
	params.SampleRate = float64(cfg.RateHz)
	params.FramesPerBuffer = frames

	stream, err := portaudio.OpenStream(params, *buf)
	if err != nil {
		return nil, err
	}
	return &portaudioDevice{stream: stream}, nil
}
