// Package hal is the top-level audio hardware abstraction layer: it ties
// together card discovery, mixer routing, the modem's voice-call
// pipeline and per-stream PCM plumbing behind the vtable spec §6
// describes, the way the teacher's main.go and audio.go wire together
// the lower-level packages of this codebase behind a single entry point.
package hal

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/simcom-audio/hal/internal/capture"
	"github.com/simcom-audio/hal/internal/cardreg"
	"github.com/simcom-audio/hal/internal/config"
	"github.com/simcom-audio/hal/internal/diag"
	"github.com/simcom-audio/hal/internal/dispatch"
	"github.com/simcom-audio/hal/internal/halerr"
	"github.com/simcom-audio/hal/internal/modem"
	"github.com/simcom-audio/hal/internal/pcm"
	"github.com/simcom-audio/hal/internal/ring"
	"github.com/simcom-audio/hal/internal/route"
	"github.com/simcom-audio/hal/internal/voicecall"
)

// periodDelay throttles the Dispatcher on a sink write error to roughly
// one modem period's wall-clock time (spec §4.10 step 3): 320 samples at
// 8kHz is 40ms.
const periodDelay = 40 * time.Millisecond

// Device is the HAL singleton. One process opens exactly one Device; the
// vtable methods below are its only external surface.
//
// Lock ordering (spec §5), outermost first:
//  1. lockOutputs  -- held while iterating/mutating the open-output-stream set
//  2. a PlaybackStream/CaptureStream's own mu -- held during write/standby/param calls
//  3. mu           -- the Device's own top-level state (mode, mute, routes)
//  4. the ring's internal mutex (ring.Buffer) -- always a leaf, never held
//     across a call into any of the above
//
// A goroutine holding a lower-numbered lock may acquire a higher-numbered
// one; never the reverse.
type Device struct {
	lockOutputs sync.Mutex
	mu          sync.Mutex

	log *log.Logger
	cfg *config.Config

	registry *cardreg.Registry
	routes   *route.Controller
	modemCtl *modem.Control
	coord    *voicecall.Coordinator

	ring  *ring.Buffer
	stats *diag.CaptureStats
	diags diag.Diagnostics

	ownership  *dispatch.Ownership
	dispatcher *dispatch.Dispatcher
	usecases   usecaseRegistry

	openPCM   pcmOpenFunc
	openMixer route.OpenMixerFunc

	mode     voicecall.Mode
	micMuted bool
	voiceVol float32

	outputs      map[dispatch.StreamID]*PlaybackStream
	inputs       map[dispatch.StreamID]*CaptureStream
	nextStreamID dispatch.StreamID

	captureToken *capture.Token
	captureWG    sync.WaitGroup
}

type pcmOpenFunc = func(cardIndex, deviceIndex int, dir pcm.Direction, cfg pcm.Config, buf *[]int16) (pcm.Device, error)

// Open builds and returns a ready Device: it loads configuration, scans
// the card topology, and wires the mixer/modem/voice-call subsystems
// together (spec §6's "open" entry point). configPath may be empty to
// use config.SearchPaths.
func Open(configPath string, logger *log.Logger) (*Device, error) {
	if logger == nil {
		logger = log.Default()
	}

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return nil, halerr.New(halerr.KindMisconfiguration, "hal.Open", err)
	}

	registry := cardreg.Scan("", cfg.CardTables(logger))

	d := &Device{
		log:       logger,
		cfg:       cfg,
		registry:  registry,
		routes:    route.NewController(route.OpenMixer, logger),
		modemCtl:  modem.NewControl(cfg.ModemTTYPath, logger),
		ring:      ring.New(cfg.RingCapacitySamples),
		stats:     &diag.CaptureStats{},
		diags:     cfg.DiagDefaults(),
		ownership: dispatch.NewOwnership(),
		openPCM:   pcm.OpenPortAudioStream,
		openMixer: route.OpenMixer,
		mode:      voicecall.ModeNormal,
		outputs:   make(map[dispatch.StreamID]*PlaybackStream),
		inputs:    make(map[dispatch.StreamID]*CaptureStream),
	}
	d.dispatcher = dispatch.NewDispatcher(d.ownership, d.VoiceCallActive, periodDelay, logger)
	d.coord = voicecall.New(d.modemCtl, d.ring, d.stats, d.startCapture, d.stopCapture, logger)

	if d.diags.DebugAudio {
		logger.SetLevel(log.DebugLevel)
	}

	return d, nil
}

// InitCheck reports whether the device came up usably: the modem-in card
// must have resolved to a known index, since without it no voice call
// can ever activate.
func (d *Device) InitCheck() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.registry.Entries[cardreg.RoleModemIn]; !ok || entry.CardIndex == cardreg.Unknown {
		return halerr.New(halerr.KindNotFound, "hal.InitCheck", fmt.Errorf("no modem-in card resolved"))
	}
	return nil
}

// Close tears down any live voice call and wakes any goroutine waiting on
// the ring; the ring itself is not released and stays allocated.
func (d *Device) Close() error {
	d.coord.Close()
	d.ring.Broadcast()
	return nil
}

// VoiceCallActive reports whether the voice-call usecase is currently
// registered; it is the Dispatcher's voiceActive callback and the
// Stream Dispatcher's mode-remap gate (spec §4.10).
func (d *Device) VoiceCallActive() bool {
	return d.coord.VoiceCallActive()
}

// SendAT writes a raw AT command to the modem control TTY, bypassing the
// voice-call coordinator. Intended for bench diagnostics
// (cmd/simcom-halctl); normal operation only ever sends AT+CPCMREG
// through the Coordinator.
func (d *Device) SendAT(cmd string) error {
	return d.modemCtl.SendAT(cmd)
}

// SetVoiceVolume records the uplink/downlink voice volume level (spec
// §6). The value is only stored: it does not touch the mixer, and no
// route or PCM code reads it back.
func (d *Device) SetVoiceVolume(vol float32) error {
	d.mu.Lock()
	d.voiceVol = vol
	d.mu.Unlock()
	return nil
}

// SetMode drives the voice-call state machine (spec §4.9). The 200ms
// CPCMREG settle sleep happens inside the Coordinator without the
// Device's lock held, per spec §5.
func (d *Device) SetMode(mode voicecall.Mode) error {
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()

	d.coord.SetMode(mode, d.pipelineStatus())
	return nil
}

// pipelineStatus snapshots the concurrent-teardown-race inputs the
// Active->non-call transition needs (spec §4.9).
func (d *Device) pipelineStatus() voicecall.PipelineStatus {
	micEntry := d.registry.Entries[cardreg.RoleMic]
	return voicecall.PipelineStatus{
		VoiceActive:         d.coord.VoiceCallActive(),
		CaptureThreadActive: d.captureToken != nil && !d.captureToken.Cancelled(),
		MicRouteActive:      d.routes.ActiveRoute(micEntry.CardIndex) == route.RouteMainMicCapture,
		ModemPCMOpen:        d.modemCtl.LastPCMRegister() == 1,
	}
}

// SetMicMute sets the mic mute flag, which GetMicMute reports. Muting does
// not tear down the capture pipeline, and it does not gate captured audio
// either: the capture worker keeps pushing samples to the ring unchanged.
func (d *Device) SetMicMute(muted bool) {
	d.mu.Lock()
	d.micMuted = muted
	d.mu.Unlock()
}

// GetMicMute reports the current mic mute flag.
func (d *Device) GetMicMute() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.micMuted
}

// startCapture opens the mic PCM on a dedicated goroutine and programs
// the mic mixer route (spec §4.6), used as the Coordinator's
// StartCaptureFunc.
func (d *Device) startCapture() error {
	micEntry := d.registry.Entries[cardreg.RoleMic]

	if err := d.routes.ProgramMixer(micEntry.CardIndex, d.cfg.RouteSettings()); err != nil {
		return halerr.New(halerr.KindIOFatal, "hal.startCapture", err)
	}
	d.routes.OpenRoute(micEntry.CardIndex, route.RouteMainMicCapture)

	token := capture.NewToken()
	d.captureToken = token

	worker := capture.NewWorker(d.openCaptureEndpoint, d.ring, d.stats, d.log)
	d.captureWG.Add(1)
	go func() {
		defer d.captureWG.Done()
		if err := worker.Run(token, micEntry.CardIndex, micEntry.DeviceIndex); err != nil {
			d.log.Error("hal: capture worker exited", "err", err)
		}
	}()
	return nil
}

// stopCapture cancels the capture worker, waits for it to exit, and
// closes the mic route, used as the Coordinator's StopCaptureFunc.
func (d *Device) stopCapture() {
	if d.captureToken != nil {
		d.captureToken.Cancel()
	}
	d.captureWG.Wait()
	d.captureToken = nil

	micEntry := d.registry.Entries[cardreg.RoleMic]
	d.routes.CloseRoute(micEntry.CardIndex, route.RouteMainMicCapture)
}

// openCaptureEndpoint opens and prepares the mic PCM endpoint used by
// capture.Worker.
func (d *Device) openCaptureEndpoint(card, device int) (*pcm.Endpoint, error) {
	ep := pcm.NewEndpoint(card, device, pcm.DirectionCapture, capture.NativeConfig, d.openPCM)
	if err := ep.Open(); err != nil {
		return nil, err
	}
	if err := ep.Prepare(); err != nil {
		ep.Close()
		return nil, err
	}
	return ep, nil
}

// SetParameters parses an Android-style "key=value;key=value" parameter
// string (spec §6). screen_state and connect/disconnect device masks are
// recognized but only logged; no key changes device state or routing.
// Unknown keys are logged and ignored rather than erroring, matching the
// original's permissive parameter parsing.
func (d *Device) SetParameters(kv string) error {
	for _, pair := range strings.Split(kv, ";") {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "screen_state":
			d.log.Debug("hal: screen_state parameter", "value", v)
		case "connect", "disconnect":
			d.log.Debug("hal: device mask parameter", "key", k, "value", v)
		default:
			d.log.Debug("hal: unrecognized parameter", "key", k, "value", v)
		}
	}
	return nil
}

// supportedKeys is the fixed set of query keys GetParameters answers
// (spec §6).
var supportedKeys = map[string]string{
	"sup_formats":           "AUDIO_FORMAT_PCM_16_BIT",
	"sup_channels":          "AUDIO_CHANNEL_IN_MONO|AUDIO_CHANNEL_IN_STEREO",
	"sup_sampling_rates":    "8000|16000|48000",
	"sup_bitstream_formats": "",
	"ec_supported":          "false",
}

// GetParameters answers a ";"-separated list of query keys with their
// known values (spec §6).
func (d *Device) GetParameters(keys string) string {
	var out []string
	for _, k := range strings.Split(keys, ";") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v, ok := supportedKeys[k]; ok {
			out = append(out, k+"="+v)
		}
	}
	return strings.Join(out, ";")
}

// GetInputBufferSize returns the byte size of one input period at the
// requested configuration (spec §6).
func (d *Device) GetInputBufferSize(cfg StreamConfig) int {
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	frames := cfg.PeriodFrames
	if frames <= 0 {
		frames = capture.PeriodFrames
	}
	return frames * channels * 2 // int16 samples -> bytes
}

// MicrophoneInfo describes one physical microphone for GetMicrophones.
type MicrophoneInfo struct {
	CardIndex   int
	DeviceIndex int
	IsSimcom    bool
}

// VerifyMicMixer re-reads every control in the mic capture setting table
// and reports which ones currently match their target value, without
// writing anything. Intended for bench diagnostics
// (cmd/simcom-halctl mixer).
func (d *Device) VerifyMicMixer() (map[string]bool, error) {
	micEntry := d.registry.Entries[cardreg.RoleMic]
	if micEntry.CardIndex == cardreg.Unknown {
		return nil, halerr.New(halerr.KindNotFound, "hal.VerifyMicMixer", fmt.Errorf("no mic card resolved"))
	}
	return d.routes.VerifyMixer(micEntry.CardIndex, d.cfg.RouteSettings())
}

// GetMicrophones reports the resolved mic card/device, if any (spec §6).
func (d *Device) GetMicrophones() []MicrophoneInfo {
	entry, ok := d.registry.Entries[cardreg.RoleMic]
	if !ok || entry.CardIndex == cardreg.Unknown {
		return nil
	}
	return []MicrophoneInfo{{CardIndex: entry.CardIndex, DeviceIndex: entry.DeviceIndex, IsSimcom: d.registry.IsSimcom}}
}

// Dump renders a human-readable diagnostics snapshot: the device role
// table, voice-call state, ring occupancy and signal stats (spec §6).
func (d *Device) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode=%d mic_muted=%v voice_call=%s\n", d.mode, d.GetMicMute(), d.coord.State())

	for role, entry := range d.registry.Entries {
		fmt.Fprintf(&b, "  role=%s card=%d device=%d\n", role.String(), entry.CardIndex, entry.DeviceIndex)
	}

	rs := d.ring.Stats()
	fmt.Fprintf(&b, "ring: capacity=%d occupied=%d overwrites=%d recoveries=%d\n", rs.Capacity, rs.Occupied, rs.Overwrites, rs.Recoveries)

	snap := d.stats.Snapshot()
	fmt.Fprintf(&b, "capture: calls=%d zero=%d nonzero=%d peak=%s\n", snap.Calls, snap.ZeroBatches, snap.NonZeroBatches, diag.ClassifySignal(snap.MaxAbs))

	fmt.Fprintf(&b, "diagnostics: debug_audio=%v dump_out=%v dump_in=%v hdmi_in_rate_hint=%d\n",
		d.diags.DebugAudio, d.diags.DumpOutBytes, d.diags.DumpInBytes, d.diags.HDMIInRateHint)

	for _, u := range d.usecases.list() {
		fmt.Fprintf(&b, "  usecase tag=%d kind=%d\n", u.Tag, u.Kind)
	}
	return b.String()
}
