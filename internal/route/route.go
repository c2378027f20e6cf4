// Package route programs ALSA-style mixer controls and named routes for
// a card, mirroring the SIMCOM mic capture path's fixed mixer sequence
// (original_source/audio_hw.c's kSimcom_mic_settings) and the teacher's
// raw-ioctl device control idiom (src/cm108.go, src/ptt.go use
// golang.org/x/sys/unix.IoctlGetInt/IoctlSetInt against a character
// device; this package does the analogous thing against an ALSA control
// device).
package route

import "github.com/charmbracelet/log"

// Setting is one row of an ordered mixer programming table: a named
// control, its target integer value, whether it is a boolean switch, and
// whether a missing control is tolerated.
type Setting struct {
	Name     string
	Target   int
	IsSwitch bool
	Optional bool
}

// MicCaptureSettings is the SIMCOM mic capture mixer sequence, carried
// verbatim from kSimcom_mic_settings.
var MicCaptureSettings = []Setting{
	{Name: "IN Capture Volume", Target: 40},
	{Name: "ADC Capture Volume", Target: 55},
	{Name: "Mono ADC Capture Volume", Target: 55, Optional: true},
	{Name: "ADC Capture Switch", Target: 1, IsSwitch: true},
	{Name: "RECMIXL BST3 Switch", Target: 1, IsSwitch: true},
	{Name: "RECMIXR BST3 Switch", Target: 1, IsSwitch: true},
	{Name: "MIC1 Boost Capture Volume", Target: 40, Optional: true},
	{Name: "IN3 Boost", Target: 3, Optional: true},
	{Name: "Stereo1 ADC MIXL ADC1 Switch", Target: 1, IsSwitch: true, Optional: true},
	{Name: "Stereo1 ADC MIXR ADC1 Switch", Target: 1, IsSwitch: true, Optional: true},
	{Name: "Stereo2 ADC MIXL ADC1 Switch", Target: 1, IsSwitch: true, Optional: true},
	{Name: "Stereo2 ADC MIXR ADC1 Switch", Target: 1, IsSwitch: true, Optional: true},
}

// Control is a single mixer element: a current value per channel and a
// declared [min, max] range.
type Control interface {
	Min() int
	Max() int
	NumValues() int
	Get(index int) (int, error)
	Set(index, value int) error
}

// Mixer opens named controls on one card. OpenMixer (alsa_mixer.go) is
// the production implementation; tests substitute a fake.
type Mixer interface {
	Control(name string) (Control, bool)
	Close() error
}

// OpenMixerFunc abstracts how a Controller gets a Mixer for a card index,
// so it can be swapped for a fake in tests.
type OpenMixerFunc func(cardIndex int) (Mixer, error)

// Route names the fixed routes a card supports opening, matching names
// like MAIN_MIC_CAPTURE_ROUTE / SPEAKER_NORMAL_ROUTE.
type Route string

const (
	RouteMainMicCapture Route = "MAIN_MIC_CAPTURE_ROUTE"
	RouteSpeakerNormal  Route = "SPEAKER_NORMAL_ROUTE"
	RouteModemPlayback  Route = "MODEM_PLAYBACK_ROUTE"
	RouteModemCapture   Route = "MODEM_CAPTURE_ROUTE"
)

// Controller programs mixers and tracks which route is active per card so
// repeated opens of the same route are no-ops and the mic re-activation
// rule (spec §4.2) can be enforced by its caller (the Stream Dispatcher).
type Controller struct {
	openMixer OpenMixerFunc
	log       *log.Logger

	// configured tracks, per card, whether ProgramMixer has already run
	// for that card's current setting table -- spec §4.2's "Device caches
	// (configured, card) so the same sequence is not repeated".
	configured map[int]bool
	// activeRoute tracks the last route opened per card.
	activeRoute map[int]Route
}

// NewController builds a Controller. logger may be nil; log.Default() is
// substituted so callers don't need a nil check at every call site.
func NewController(openMixer OpenMixerFunc, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		openMixer:   openMixer,
		log:         logger,
		configured:  make(map[int]bool),
		activeRoute: make(map[int]Route),
	}
}

// OpenRoute marks route as active on card. Idempotent: re-opening the
// currently active route on a card is a no-op.
func (c *Controller) OpenRoute(cardIndex int, r Route) {
	if c.activeRoute[cardIndex] == r {
		return
	}
	c.activeRoute[cardIndex] = r
	c.log.Debug("route opened", "card", cardIndex, "route", string(r))
}

// CloseRoute clears the active route on a card, if it matches r.
// Idempotent per spec §4.2.
func (c *Controller) CloseRoute(cardIndex int, r Route) {
	if c.activeRoute[cardIndex] != r {
		return
	}
	delete(c.activeRoute, cardIndex)
	c.log.Debug("route closed", "card", cardIndex, "route", string(r))
}

// ActiveRoute reports the route currently believed active on a card, or
// "" if none.
func (c *Controller) ActiveRoute(cardIndex int) Route {
	return c.activeRoute[cardIndex]
}

// ProgramMixer applies settings to cardIndex's mixer, clamping each target
// to the control's declared range and writing only where the current
// value differs (spec §4.2). Repeated calls for the same card are
// skipped once the sequence has already been applied, matching the
// original's (configured, card) cache.
func (c *Controller) ProgramMixer(cardIndex int, settings []Setting) error {
	if c.configured[cardIndex] {
		return nil
	}
	mixer, err := c.openMixer(cardIndex)
	if err != nil {
		c.log.Error("mixer open failed", "card", cardIndex, "err", err)
		return err
	}
	defer mixer.Close()

	for _, s := range settings {
		ctl, ok := mixer.Control(s.Name)
		if !ok {
			if !s.Optional {
				c.log.Warn("mixer control not found", "card", cardIndex, "control", s.Name)
			}
			continue
		}

		target := clamp(s.Target, ctl.Min(), ctl.Max())
		changed := false
		for v := 0; v < ctl.NumValues(); v++ {
			current, err := ctl.Get(v)
			if err != nil || current == target {
				continue
			}
			if err := ctl.Set(v, target); err != nil {
				c.log.Warn("mixer set failed", "card", cardIndex, "control", s.Name, "index", v, "err", err)
				continue
			}
			changed = true
		}
		if changed {
			c.log.Debug("mixer control set", "card", cardIndex, "control", s.Name, "value", target)
		}
	}

	c.configured[cardIndex] = true
	return nil
}

// VerifyMixer reads current values back and reports, per setting, whether
// it matches its target. Diagnostics-only; never mutates state.
func (c *Controller) VerifyMixer(cardIndex int, settings []Setting) (map[string]bool, error) {
	mixer, err := c.openMixer(cardIndex)
	if err != nil {
		return nil, err
	}
	defer mixer.Close()

	results := make(map[string]bool, len(settings))
	for _, s := range settings {
		ctl, ok := mixer.Control(s.Name)
		if !ok {
			if !s.Optional {
				c.log.Warn("mixer verify: control missing", "card", cardIndex, "control", s.Name)
			}
			continue
		}
		current, err := ctl.Get(0)
		results[s.Name] = err == nil && current == s.Target
	}
	return results, nil
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return v // no declared range; nothing to clamp against
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NeedsMicReactivation implements spec §4.2's re-activation rule: opening
// or closing an output route must not silently deactivate the mic route
// while a capture pipeline is live.
func NeedsMicReactivation(voicePipelineActive, captureThreadStarted, captureHandleOpen, micRouteActive bool) bool {
	return voicePipelineActive || captureThreadStarted || captureHandleOpen || micRouteActive
}
