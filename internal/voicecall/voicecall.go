// Package voicecall implements the small state machine gating the
// capture/ring/modem pipeline on audio-mode transitions (spec §4.9).
package voicecall

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/simcom-audio/hal/internal/diag"
	"github.com/simcom-audio/hal/internal/modem"
	"github.com/simcom-audio/hal/internal/ring"
)

// State is one of the coordinator's four states.
type State int

const (
	StateIdle State = iota
	StateActivating
	StateActive
	StateDeactivating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	default:
		return "unknown"
	}
}

// Mode is the framework-level audio session type driving set_mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeInCall
	ModeInCommunication
)

func isCallMode(m Mode) bool {
	return m == ModeInCall || m == ModeInCommunication
}

// cpcmregSettleDelay is the fixed settle time after enabling CPCMREG
// before the pipeline is considered up, matching the original's
// activation sequencing.
const cpcmregSettleDelay = 200 * time.Millisecond

// PipelineStatus snapshots the concurrent-teardown-race inputs the
// Active->non-call transition must check before honoring a mode flap
// (spec §4.9).
type PipelineStatus struct {
	VoiceActive         bool
	CaptureThreadActive bool
	MicRouteActive      bool
	ModemPCMOpen        bool
}

func (p PipelineStatus) anyLive() bool {
	return p.VoiceActive || p.CaptureThreadActive || p.MicRouteActive || p.ModemPCMOpen
}

// StartCaptureFunc starts the capture worker (opening the mic PCM and
// programming the mic mixer), returning an error if it failed to come
// up. StopCaptureFunc tears the worker down: join the thread, close the
// mic PCM, close the capture route.
type StartCaptureFunc func() error
type StopCaptureFunc func()

// Coordinator drives the state machine. It is not safe for concurrent
// use from multiple goroutines calling SetMode/Close simultaneously;
// its callers in Device call it without holding the Device lock, so they
// do not serialize such calls either.
type Coordinator struct {
	mu    sync.Mutex
	state State

	modem        *modem.Control
	ring         *ring.Buffer
	stats        *diag.CaptureStats
	startCapture StartCaptureFunc
	stopCapture  StopCaptureFunc
	sleep        func(time.Duration)
	log          *log.Logger

	usecaseActive bool
}

// New builds a Coordinator in the Idle state. logger may be nil.
func New(m *modem.Control, rb *ring.Buffer, stats *diag.CaptureStats, start StartCaptureFunc, stop StopCaptureFunc, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		state:        StateIdle,
		modem:        m,
		ring:         rb,
		stats:        stats,
		startCapture: start,
		stopCapture:  stop,
		sleep:        time.Sleep,
		log:          logger,
	}
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// VoiceCallActive reports whether a SimcomVoiceCall usecase is currently
// registered.
func (c *Coordinator) VoiceCallActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usecaseActive
}

// SetMode processes a mode transition. status reflects the pipeline's
// concurrent state at the moment of the call, used only for the
// Active->non-call mode-flap check.
func (c *Coordinator) SetMode(mode Mode, status PipelineStatus) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateIdle:
		if isCallMode(mode) {
			c.activate()
		}
	case StateActive:
		if !isCallMode(mode) {
			if status.anyLive() {
				c.log.Debug("voicecall: ignoring transient mode flap during teardown race")
				return
			}
			c.deactivate()
		}
	}
}

// activate runs Idle -> Activating -> Active|Idle. The 200ms settle
// sleep happens without the coordinator's lock held, per spec §5's
// "must not hold any lock across that sleep".
func (c *Coordinator) activate() {
	c.mu.Lock()
	c.state = StateActivating
	c.mu.Unlock()

	if err := c.modem.SetPCMRegister(true); err != nil {
		c.log.Error("voicecall: failed to enable modem pcm", "err", err)
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return
	}

	c.sleep(cpcmregSettleDelay)

	if c.ring != nil {
		c.ring.Reset()
	}
	if c.stats != nil {
		c.stats.Reset()
	}

	if err := c.startCapture(); err != nil {
		c.log.Error("voicecall: capture worker failed to start", "err", err)
		_ = c.modem.SetPCMRegister(false)
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.state = StateActive
	c.usecaseActive = true
	c.mu.Unlock()
}

// deactivate runs Active -> Deactivating -> Idle.
func (c *Coordinator) deactivate() {
	c.mu.Lock()
	c.state = StateDeactivating
	c.mu.Unlock()

	_ = c.modem.SetPCMRegister(false)

	if c.ring != nil {
		c.ring.Broadcast()
		c.ring.Reset()
	}

	c.stopCapture()

	c.mu.Lock()
	c.usecaseActive = false
	c.state = StateIdle
	c.mu.Unlock()
}

// Close runs the deactivation sequence unless the Coordinator is already
// Idle. It does not release the ring allocation; the ring is only reset by
// deactivation.
func (c *Coordinator) Close() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != StateIdle {
		c.deactivate()
	}
}
