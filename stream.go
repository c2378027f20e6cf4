package hal

import (
	"fmt"
	"strings"
	"sync"

	"github.com/simcom-audio/hal/internal/cardreg"
	"github.com/simcom-audio/hal/internal/dispatch"
	"github.com/simcom-audio/hal/internal/halerr"
	"github.com/simcom-audio/hal/internal/pcm"
	"github.com/simcom-audio/hal/internal/route"
	"github.com/simcom-audio/hal/internal/uplink"
)

// Format is the sample format a stream is opened with. The HAL only
// ever deals in signed 16-bit PCM (spec §6).
type Format int

const FormatPCM16LE Format = 0

// DeviceMask is a bitmask of the physical sinks/sources a stream is
// routed to, matching the AUDIO_DEVICE_* bitfield spec §6's
// open_output_stream/open_input_stream take as "devices".
type DeviceMask uint32

const (
	DeviceSpeaker DeviceMask = 1 << iota
	DeviceHDMI
	DeviceSPDIF
	DeviceModem
	DeviceMic
	DeviceHDMIIn
)

// StreamConfig is the requested PCM shape for a stream open call.
type StreamConfig struct {
	SampleRate   int
	Channels     int
	Format       Format
	PeriodFrames int
	Periods      int
}

// playbackRoleForBit maps each output DeviceMask bit to its card role.
var playbackRoleForBit = map[DeviceMask]cardreg.Role{
	DeviceSpeaker: cardreg.RoleSpeaker,
	DeviceHDMI:    cardreg.RoleHDMIOut,
	DeviceSPDIF:   cardreg.RoleSPDIFOut,
	DeviceModem:   cardreg.RoleModemOut,
}

// captureRoleForBit maps each input DeviceMask bit to its card role.
var captureRoleForBit = map[DeviceMask]cardreg.Role{
	DeviceMic:    cardreg.RoleMic,
	DeviceHDMIIn: cardreg.RoleHDMIIn,
	DeviceModem:  cardreg.RoleModemIn,
}

// isExclusiveRole reports whether a role's sink may be held by only one
// stream at a time (spec §4.10): HDMI/SPDIF/modem are single-consumer
// hardware paths, the speaker is shared/mixed.
func isExclusiveRole(role cardreg.Role) bool {
	switch role {
	case cardreg.RoleHDMIOut, cardreg.RoleSPDIFOut, cardreg.RoleModemOut:
		return true
	default:
		return false
	}
}

// pcmConfigFor resolves the PCM parameters to open role's endpoint with:
// the modem's fixed configuration for modem roles (spec §6's constants
// table: 8kHz mono, 320-frame periods, 4 deep), otherwise the stream's
// own requested shape with sensible defaults filled in.
func pcmConfigFor(role cardreg.Role, cfg StreamConfig) pcm.Config {
	if role == cardreg.RoleModemOut || role == cardreg.RoleModemIn {
		return pcm.Config{RateHz: 8000, Channels: 1, PeriodFrames: uplink.PeriodSamples, Periods: 4}
	}
	frames := cfg.PeriodFrames
	if frames <= 0 {
		frames = 320
	}
	periods := cfg.Periods
	if periods <= 0 {
		periods = 4
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 2
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	return pcm.Config{RateHz: rate, Channels: channels, PeriodFrames: frames, Periods: periods}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// allocStreamID hands out the next stream identifier under the Device
// lock.
func (d *Device) allocStreamID() dispatch.StreamID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextStreamID++
	return d.nextStreamID
}

// PlaybackStream is one open output: its requested format, routing mask,
// per-role PCM endpoints, and (when routed to the modem) the uplink
// writer and downlink accumulator that piggyback on its write cadence
// (spec §3/§4.7).
type PlaybackStream struct {
	id  dispatch.StreamID
	dev *Device
	mu  sync.Mutex

	cfg     StreamConfig
	devices DeviceMask
	standby bool

	endpoints     map[cardreg.Role]*pcm.Endpoint
	uplinkWriter  *uplink.Writer
	downlinkAccum *uplink.Accumulator

	framesWritten uint64
}

// OpenOutputStream opens a new playback stream routed to devices (spec
// §6's open_output_stream).
func (d *Device) OpenOutputStream(devices DeviceMask, cfg StreamConfig) (*PlaybackStream, error) {
	ps := &PlaybackStream{
		id:        d.allocStreamID(),
		dev:       d,
		cfg:       cfg,
		devices:   devices,
		endpoints: make(map[cardreg.Role]*pcm.Endpoint),
	}

	if err := ps.start(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.outputs[ps.id] = ps
	d.mu.Unlock()

	tag := UsecasePrimaryPlayback
	if devices&DeviceModem != 0 {
		tag = UsecaseSimcomVoiceCall
	}
	d.usecases.add(Usecase{Tag: tag, Kind: KindPcmPlayback})

	return ps, nil
}

// CloseOutputStream tears a playback stream down, releasing any
// exclusive sinks it held (spec §6's close_output_stream).
func (d *Device) CloseOutputStream(ps *PlaybackStream) error {
	d.lockOutputs.Lock()
	defer d.lockOutputs.Unlock()

	ps.mu.Lock()
	for role, ep := range ps.endpoints {
		ep.Close()
		if isExclusiveRole(role) {
			d.mu.Lock()
			d.ownership.Release(role, ps.id)
			d.mu.Unlock()
		}
	}
	ps.mu.Unlock()

	d.mu.Lock()
	delete(d.outputs, ps.id)
	d.mu.Unlock()

	if devices := ps.devices; devices&DeviceModem != 0 {
		d.usecases.remove(UsecaseSimcomVoiceCall)
	} else {
		d.usecases.remove(UsecasePrimaryPlayback)
	}
	return nil
}

// start opens (or reopens, from standby) every role an output stream is
// routed to: acquiring exclusive-sink ownership, opening the PCM
// endpoint, and programming/opening the relevant mixer route. It also
// enforces the mic re-activation rule (spec §4.2) so opening an output
// never silently drops an already-active mic route.
func (ps *PlaybackStream) start() error {
	d := ps.dev
	d.lockOutputs.Lock()
	defer d.lockOutputs.Unlock()

	for bit, role := range playbackRoleForBit {
		if ps.devices&bit == 0 {
			continue
		}
		entry, ok := d.registry.Entries[role]
		if !ok || entry.CardIndex == cardreg.Unknown {
			d.log.Warn("hal: output device requested but card unresolved", "role", role.String())
			continue
		}

		if isExclusiveRole(role) {
			d.mu.Lock()
			owner, owned := d.ownership.Owner(role)
			if owned && owner != ps.id {
				d.mu.Unlock()
				return halerr.New(halerr.KindResourceExhausted, "hal.PlaybackStream.start",
					fmt.Errorf("%s already owned by another stream", role.String()))
			}
			d.ownership.Acquire(role, ps.id)
			d.mu.Unlock()
		}

		pcfg := pcmConfigFor(role, ps.cfg)
		ep := pcm.NewEndpoint(entry.CardIndex, entry.DeviceIndex, pcm.DirectionPlayback, pcfg, d.openPCM)
		if err := ep.Open(); err != nil {
			return err
		}
		if err := ep.Prepare(); err != nil {
			ep.Close()
			return err
		}
		ps.endpoints[role] = ep

		switch role {
		case cardreg.RoleModemOut:
			ps.uplinkWriter = uplink.NewWriter(d.ring, ep, d.stats, d.VoiceCallActive, d.log)
			ps.downlinkAccum = uplink.NewAccumulator()
		case cardreg.RoleSpeaker:
			target := dispatch.DefaultInCallRoutes.Resolve(route.RouteSpeakerNormal, d.VoiceCallActive())
			d.routes.OpenRoute(entry.CardIndex, target)
		}
	}

	micEntry := d.registry.Entries[cardreg.RoleMic]
	status := d.pipelineStatus()
	if route.NeedsMicReactivation(status.VoiceActive, status.CaptureThreadActive, status.ModemPCMOpen, status.MicRouteActive) {
		d.routes.OpenRoute(micEntry.CardIndex, route.RouteMainMicCapture)
	}

	ps.standby = false
	return nil
}

// Write fans buf out across every open sink (spec §4.10), then -- when
// this stream carries the modem device -- feeds the same buffer into the
// downlink accumulator and writes any completed periods through the
// modem endpoint (spec §4.7's downlink path). Once the stream's sinks are
// open it returns the full byte count, matching the framework's "never
// block the mixer thread" contract; if reopening from standby fails, it
// returns 0 and that error instead.
func (ps *PlaybackStream) Write(buf []int16) (int, error) {
	// standby is checked and, if needed, cleared by a separate start() call
	// taken without ps.mu held: start() takes dev.lockOutputs internally,
	// and ps.mu must never be held while acquiring it (spec §5 lock order
	// puts lockOutputs above a stream's own mu).
	ps.mu.Lock()
	standby := ps.standby
	ps.mu.Unlock()

	if standby {
		if err := ps.start(); err != nil {
			return 0, err
		}
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	channels := maxInt(ps.cfg.Channels, 1)
	frames := len(buf) / channels
	rate := ps.cfg.SampleRate
	if rate <= 0 {
		rate = 48000
	}

	sinks := ps.buildSinks()
	n := ps.dev.dispatcher.Write(ps.id, sinks, buf, frames, channels, rate)

	if ps.downlinkAccum != nil && ps.uplinkWriter != nil {
		for _, period := range ps.downlinkAccum.Feed(buf, frames, channels, rate) {
			if _, abandoned := ps.uplinkWriter.WriteDownlinkPeriod(period); abandoned {
				// ResultBusy: same recovery as the uplink path (spec
				// §4.3/§4.7) -- the endpoint already closed itself, so
				// release ownership and stop feeding further periods this
				// call.
				ps.dev.mu.Lock()
				ps.dev.ownership.Release(cardreg.RoleModemOut, ps.id)
				ps.dev.mu.Unlock()
				break
			}
		}
	}

	ps.framesWritten += uint64(frames)
	return n, nil
}

func (ps *PlaybackStream) buildSinks() []dispatch.Sink {
	sinks := make([]dispatch.Sink, 0, len(ps.endpoints))
	for role, ep := range ps.endpoints {
		if role == cardreg.RoleModemOut {
			sinks = append(sinks, dispatch.Sink{Role: role, Exclusive: true, Uplink: ps.uplinkWriter})
			continue
		}
		endpoint := ep
		sinks = append(sinks, dispatch.Sink{
			Role:      role,
			Exclusive: isExclusiveRole(role),
			Write: func(b []int16) error {
				if _, res := endpoint.Write(b); res != pcm.ResultOk {
					return halerr.New(halerr.KindIOTransient, "hal.PlaybackStream.Write", fmt.Errorf("pcm result %d", res))
				}
				return nil
			},
		})
	}
	return sinks
}

// Standby releases every sink the stream holds without closing it
// entirely: the next Write reopens from scratch (spec §6's per-stream
// standby entry point).
func (ps *PlaybackStream) Standby() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.standby {
		return nil
	}
	ps.standby = true
	if ps.downlinkAccum != nil {
		ps.downlinkAccum.Reset()
	}
	for role, ep := range ps.endpoints {
		ep.Stop()
		ep.Close()
		if isExclusiveRole(role) {
			ps.dev.mu.Lock()
			ps.dev.ownership.Release(role, ps.id)
			ps.dev.mu.Unlock()
		}
	}
	ps.endpoints = make(map[cardreg.Role]*pcm.Endpoint)
	ps.uplinkWriter = nil
	return nil
}

func (ps *PlaybackStream) GetSampleRate() int {
	if ps.cfg.SampleRate <= 0 {
		return 48000
	}
	return ps.cfg.SampleRate
}

func (ps *PlaybackStream) GetChannels() int { return maxInt(ps.cfg.Channels, 1) }

func (ps *PlaybackStream) GetFormat() Format { return ps.cfg.Format }

func (ps *PlaybackStream) GetBufferSize() int {
	return ps.dev.GetInputBufferSize(ps.cfg)
}

// SetParameters lets a stream retarget its routing mask after open
// (spec §6's per-stream "routing" parameter).
func (ps *PlaybackStream) SetParameters(kv string) error {
	for _, pair := range strings.Split(kv, ";") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) != "routing" {
			continue
		}
		var mask uint32
		fmt.Sscanf(v, "%d", &mask)
		ps.mu.Lock()
		ps.devices = DeviceMask(mask)
		ps.mu.Unlock()
	}
	return nil
}

func (ps *PlaybackStream) GetParameters(keys string) string { return ps.dev.GetParameters(keys) }

// AddAudioEffect and RemoveAudioEffect are accepted but no-ops: this HAL
// has no in-path effects chain to attach to (spec §6 lists the entry
// points; nothing in scope implements an effect).
func (ps *PlaybackStream) AddAudioEffect(effectID string) error    { return nil }
func (ps *PlaybackStream) RemoveAudioEffect(effectID string) error { return nil }

func (ps *PlaybackStream) Dump() string {
	return fmt.Sprintf("playback stream %d: devices=%#x standby=%v frames_written=%d",
		ps.id, ps.devices, ps.standby, ps.framesWritten)
}

// CaptureStream is one open input: its requested format, the single
// physical role it reads from, and its PCM endpoint (opened directly at
// the stream's requested rate/channels -- unlike the voice-call mic
// path in internal/capture, a generic input stream has no fixed native
// rate to convert from, so it needs no resample.Kernel of its own).
type CaptureStream struct {
	id  dispatch.StreamID
	dev *Device
	mu  sync.Mutex

	cfg     StreamConfig
	devices DeviceMask
	standby bool
	role    cardreg.Role

	endpoint *pcm.Endpoint

	framesRead uint64
}

// OpenInputStream opens a new capture stream reading from devices (spec
// §6's open_input_stream). Only mono or stereo input is accepted; any
// other channel count is a Misconfiguration (spec §7).
func (d *Device) OpenInputStream(devices DeviceMask, cfg StreamConfig) (*CaptureStream, error) {
	if cfg.Channels != 0 && cfg.Channels != 1 && cfg.Channels != 2 {
		return nil, halerr.New(halerr.KindMisconfiguration, "hal.OpenInputStream",
			fmt.Errorf("unsupported channel count %d", cfg.Channels))
	}

	role, ok := resolveCaptureRole(devices)
	if !ok {
		return nil, halerr.New(halerr.KindNotFound, "hal.OpenInputStream", fmt.Errorf("no capture role for device mask %#x", devices))
	}
	if role == cardreg.RoleHDMIIn && cfg.SampleRate <= 0 && d.diags.HDMIInRateHint > 0 {
		cfg.SampleRate = d.diags.HDMIInRateHint
	}
	entry, ok := d.registry.Entries[role]
	if !ok || entry.CardIndex == cardreg.Unknown {
		return nil, halerr.New(halerr.KindNotFound, "hal.OpenInputStream", fmt.Errorf("card unresolved for role %s", role.String()))
	}

	pcfg := pcmConfigFor(role, cfg)
	ep := pcm.NewEndpoint(entry.CardIndex, entry.DeviceIndex, pcm.DirectionCapture, pcfg, d.openPCM)
	if err := ep.Open(); err != nil {
		return nil, err
	}
	if err := ep.Prepare(); err != nil {
		ep.Close()
		return nil, err
	}

	cs := &CaptureStream{
		id:       d.allocStreamID(),
		dev:      d,
		cfg:      cfg,
		devices:  devices,
		role:     role,
		endpoint: ep,
	}

	d.mu.Lock()
	d.inputs[cs.id] = cs
	d.mu.Unlock()
	d.usecases.add(Usecase{Tag: UsecasePrimaryCapture, Kind: KindPcmCapture})

	return cs, nil
}

func resolveCaptureRole(devices DeviceMask) (cardreg.Role, bool) {
	for bit, role := range captureRoleForBit {
		if devices&bit != 0 {
			return role, true
		}
	}
	return 0, false
}

// CloseInputStream closes a capture stream (spec §6's
// close_input_stream).
func (d *Device) CloseInputStream(cs *CaptureStream) error {
	cs.mu.Lock()
	cs.endpoint.Close()
	cs.mu.Unlock()

	d.mu.Lock()
	delete(d.inputs, cs.id)
	d.mu.Unlock()
	d.usecases.remove(UsecasePrimaryCapture)
	return nil
}

// Read pulls one period from the stream's PCM endpoint (spec §4.3/§4.6's
// read-side recovery rules apply inside pcm.Endpoint.Read itself).
func (cs *CaptureStream) Read(dst []int16) (int, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	n, res := cs.endpoint.Read(dst)
	if res != pcm.ResultOk {
		return 0, halerr.New(halerr.KindIOTransient, "hal.CaptureStream.Read", fmt.Errorf("pcm result %d", res))
	}
	cs.framesRead += uint64(n) / uint64(maxInt(cs.cfg.Channels, 1))
	return n, nil
}

func (cs *CaptureStream) Standby() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.standby {
		return nil
	}
	cs.standby = true
	return cs.endpoint.Stop()
}

func (cs *CaptureStream) GetSampleRate() int {
	if cs.cfg.SampleRate <= 0 {
		return 48000
	}
	return cs.cfg.SampleRate
}

func (cs *CaptureStream) GetChannels() int { return maxInt(cs.cfg.Channels, 1) }

func (cs *CaptureStream) GetFormat() Format { return cs.cfg.Format }

func (cs *CaptureStream) GetBufferSize() int { return cs.dev.GetInputBufferSize(cs.cfg) }

func (cs *CaptureStream) SetParameters(kv string) error { return nil }

func (cs *CaptureStream) GetParameters(keys string) string { return cs.dev.GetParameters(keys) }

func (cs *CaptureStream) AddAudioEffect(effectID string) error    { return nil }
func (cs *CaptureStream) RemoveAudioEffect(effectID string) error { return nil }

func (cs *CaptureStream) Dump() string {
	return fmt.Sprintf("capture stream %d: role=%s standby=%v frames_read=%d", cs.id, cs.role.String(), cs.standby, cs.framesRead)
}
