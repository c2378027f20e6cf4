// Package capture runs the dedicated microphone-reading goroutine of the
// voice-call pipeline: open the Mic PCM, loop reading periods, resample
// and downmix each period to 8kHz mono, and push the result into the
// uplink ring (spec §4.6).
package capture

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/simcom-audio/hal/internal/diag"
	"github.com/simcom-audio/hal/internal/pcm"
	"github.com/simcom-audio/hal/internal/resample"
	"github.com/simcom-audio/hal/internal/ring"
)

// FallbackCardIndex is the platform-specific default card forced when the
// Mic role is unknown at capture start (spec §4.6).
const FallbackCardIndex = 2

// FallbackDeviceCandidates are tried in order when FallbackCardIndex
// still doesn't open.
var FallbackDeviceCandidates = []int{0, 1}

// PeriodFrames is the mic's native capture period (~5ms at 48kHz).
const PeriodFrames = 240

// NativeConfig is the mic's fixed capture configuration: native rate and
// channel count, typically 48kHz stereo.
var NativeConfig = pcm.Config{RateHz: 48000, Channels: 2, PeriodFrames: PeriodFrames, Periods: 4}

// errorRetryDelay is the brief sleep before retrying a non-XRUN read
// error, matching spec §4.6's "sleep briefly and retry".
const errorRetryDelay = 5 * time.Millisecond

// OpenFunc abstracts PCM endpoint construction so Worker can be tested
// without real hardware.
type OpenFunc func(card, device int) (*pcm.Endpoint, error)

// Token is a typed cancellation token the Worker checks at each loop
// iteration, replacing the original's cooperative boolean stop flag
// (spec §9 DESIGN NOTES).
type Token struct {
	stop chan struct{}
}

// NewToken returns a fresh, not-yet-cancelled Token.
func NewToken() *Token { return &Token{stop: make(chan struct{})} }

// Cancel signals the token. Safe to call more than once.
func (t *Token) Cancel() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Worker owns the microphone PCM, the resample kernel, and the private
// scratch buffers it reads into; it is created fresh per voice-call
// activation.
type Worker struct {
	open  OpenFunc
	ring  *ring.Buffer
	stats *diag.CaptureStats
	log   *log.Logger

	kernel *resample.Kernel
	buf    []int16
}

// NewWorker builds a Worker. logger may be nil.
func NewWorker(open OpenFunc, rb *ring.Buffer, stats *diag.CaptureStats, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		open:   open,
		ring:   rb,
		stats:  stats,
		log:    logger,
		kernel: resample.New(),
		buf:    make([]int16, PeriodFrames*NativeConfig.Channels),
	}
}

// Run opens the Mic PCM (trying micCard/micDevice first, then the
// fallback sequence from spec §4.6) and loops reading periods until
// token is cancelled. Returns the error from the final open attempt if
// no candidate could be opened.
func (w *Worker) Run(token *Token, micCard, micDevice int) error {
	ep, err := w.openWithFallback(micCard, micDevice)
	if err != nil {
		w.log.Error("capture worker: failed to open mic pcm", "err", err)
		return err
	}
	defer ep.Close()

	if err := ep.Prepare(); err != nil {
		w.log.Error("capture worker: prepare failed", "err", err)
		return err
	}
	_ = ep.Start()

	for !token.Cancelled() {
		n, res := ep.Read(w.buf)
		switch res {
		case pcm.ResultOk:
			w.processPeriod(w.buf[:n])
		case pcm.ResultXRun:
			_ = ep.Prepare()
			continue
		default:
			time.Sleep(errorRetryDelay)
		}
	}
	return nil
}

// openWithFallback implements the device-discovery fallback of spec
// §4.6: if the known mic slot opens, use it; otherwise force
// FallbackCardIndex, then try FallbackDeviceCandidates on that card.
func (w *Worker) openWithFallback(micCard, micDevice int) (*pcm.Endpoint, error) {
	if micCard >= 0 {
		if ep, err := w.open(micCard, micDevice); err == nil {
			return ep, nil
		}
	}

	var lastErr error
	if ep, err := w.open(FallbackCardIndex, 0); err == nil {
		return ep, nil
	} else {
		lastErr = err
	}

	candidates := append([]int{micDevice}, FallbackDeviceCandidates...)
	for _, dev := range candidates {
		if ep, err := w.open(FallbackCardIndex, dev); err == nil {
			return ep, nil
		} else {
			lastErr = err
		}
	}
	return nil, lastErr
}

// processPeriod downmixes+resamples one native period and pushes the
// result into the ring, recording its signal level in stats.
func (w *Worker) processPeriod(period []int16) {
	out := w.kernel.Process(period, PeriodFrames, NativeConfig.Channels, NativeConfig.RateHz)
	if len(out) == 0 {
		return
	}

	avg, peak := levelOf(out)
	if w.stats != nil {
		w.stats.Observe(avg, peak)
	}
	w.ring.Push(out)
}

// levelOf computes the mean and peak absolute sample value of a period,
// feeding the capture statistics used by diagnostics.
func levelOf(samples []int16) (avgAbs int32, maxAbs int32) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum int64
	for _, s := range samples {
		a := int32(s)
		if a < 0 {
			a = -a
		}
		sum += int64(a)
		if a > maxAbs {
			maxAbs = a
		}
	}
	avgAbs = int32(sum / int64(len(samples)))
	return avgAbs, maxAbs
}
