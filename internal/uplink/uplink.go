// Package uplink drains the capture ring into exact modem periods on the
// application playback thread, and separately accumulates downlink
// (application -> modem) audio into the same fixed period size (spec
// §4.7).
package uplink

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/simcom-audio/hal/internal/diag"
	"github.com/simcom-audio/hal/internal/pcm"
	"github.com/simcom-audio/hal/internal/resample"
	"github.com/simcom-audio/hal/internal/ring"
)

// PeriodSamples is the modem's fixed PCM period: 320 samples / 640 bytes
// at 8kHz mono 16-bit.
const PeriodSamples = 320

// emitThreshold is the minimum samples available for the writer to emit
// another period once one period has already been emitted this call
// (spec §4.7 step 2).
const emitThreshold = 160

// maxPeriodsPerCall bounds how many periods a single Writer.Drain call
// will emit, so one playback write can't block indefinitely.
const maxPeriodsPerCall = 4

// ringWaitTimeout is the uplink writer's bounded condvar wait when the
// ring is empty and a full period is needed (spec §4.4/§4.7).
const ringWaitTimeout = 10 * time.Millisecond

// Writer drains the capture ring into the modem's playback PCM, handling
// starvation padding and the XRUN/EIO/EBUSY recovery sequence.
type Writer struct {
	ring   *ring.Buffer
	modem  *pcm.Endpoint
	stats  *diag.CaptureStats
	log    *log.Logger
	active func() bool // reports whether the voice call is still active

	started bool // true once the first successful modem write has happened
	buf     [PeriodSamples]int16
}

// NewWriter builds a Writer. active should report the current
// voice-active flag so the ring wait can be cancelled on teardown.
// logger may be nil.
func NewWriter(rb *ring.Buffer, modemPCM *pcm.Endpoint, stats *diag.CaptureStats, active func() bool, logger *log.Logger) *Writer {
	if logger == nil {
		logger = log.Default()
	}
	return &Writer{ring: rb, modem: modemPCM, stats: stats, active: active, log: logger}
}

// Drain implements spec §4.7's uplink loop: up to maxPeriodsPerCall
// periods, each either a real ring period or a zero-padded one, each
// written to the modem PCM with the documented recovery rules. Returns
// true if the modem endpoint had to be abandoned on ResultBusy, in which
// case the caller must release exclusive ownership of the modem sink
// (spec §4.3/§4.7: "on EBUSY/EAGAIN: close and relinquish ownership").
func (w *Writer) Drain() (abandoned bool) {
	for i := 0; i < maxPeriodsPerCall; i++ {
		avail := w.ring.Stats().Occupied
		if avail < emitThreshold && i > 0 {
			return false
		}

		n := w.ring.Pop(w.buf[:])
		if n == 0 {
			if w.ring.Wait(ringWaitTimeout, w.active) {
				n = w.ring.Pop(w.buf[:])
			}
		}
		if n < PeriodSamples {
			for j := n; j < PeriodSamples; j++ {
				w.buf[j] = 0
			}
		}

		if w.stats != nil {
			avg, peak := levelOf(w.buf[:])
			w.stats.Observe(avg, peak)
		}

		ok, abandoned := w.writePeriod(w.buf[:])
		if abandoned {
			return true
		}
		if !ok {
			return false
		}
	}
	return false
}

// writePeriod writes exactly one period to the modem PCM, applying the
// recovery rules of spec §4.3/§4.7. ok is false when the endpoint's retry
// ends in ResultIOErr; after a failed XRUN retry the period is dropped and
// ok stays true. abandoned is true only on ResultBusy, where
// the endpoint has already closed itself and ownership must be released.
func (w *Writer) writePeriod(period []int16) (ok bool, abandoned bool) {
	_, res := w.modem.Write(period)
	switch res {
	case pcm.ResultOk:
		w.started = true
		return true, false
	case pcm.ResultBusy:
		w.log.Error("uplink: modem pcm busy, abandoning endpoint")
		return false, true
	default:
		// pcm.Endpoint.Write already retried once internally per its own
		// XRun/IOErr branches; a second failure here means this period is
		// lost, but the endpoint itself may still be usable next call.
		w.log.Warn("uplink: modem write failed", "result", res)
		return res != pcm.ResultIOErr, false
	}
}

// Started reports whether the modem PCM has completed at least one
// successful write since this Writer was created (spec §4.7 step 6); the
// flag is never cleared.
func (w *Writer) Started() bool { return w.started }

// WriteDownlinkPeriod writes one accumulated downlink period to the same
// modem PCM endpoint, using the identical recovery rules as the uplink
// path (spec §4.7: "same error-handling rules" for both directions),
// including ownership release on ResultBusy.
func (w *Writer) WriteDownlinkPeriod(period []int16) (ok bool, abandoned bool) {
	return w.writePeriod(period)
}

// Accumulator buffers downlink (application -> modem) audio until it
// reaches a full period, per spec §4.7's downlink path. One instance is
// attached to each PlaybackStream carrying the modem device.
type Accumulator struct {
	kernel *resample.Kernel
	buf    []int16
	used   int
}

// NewAccumulator builds an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{kernel: resample.New(), buf: make([]int16, PeriodSamples)}
}

// Feed resamples src (at the stream's configured rate/channels) to 8kHz
// mono and appends it to the accumulator, returning any full periods
// ready to write (each exactly PeriodSamples long; residual samples
// remain buffered for the next call).
func (a *Accumulator) Feed(src []int16, frames, channels, rateHz int) [][]int16 {
	mono := a.kernel.Process(src, frames, channels, rateHz)
	var periods [][]int16

	i := 0
	for i < len(mono) {
		room := PeriodSamples - a.used
		n := room
		if remaining := len(mono) - i; remaining < n {
			n = remaining
		}
		copy(a.buf[a.used:a.used+n], mono[i:i+n])
		a.used += n
		i += n

		if a.used == PeriodSamples {
			out := make([]int16, PeriodSamples)
			copy(out, a.buf[:])
			periods = append(periods, out)
			a.used = 0
		}
	}
	return periods
}

// Reset clears accumulated residual samples and the resampler's phase
// carry together (spec §9 Open Question: both reset together on
// standby, since the residual was produced at a specific phase).
func (a *Accumulator) Reset() {
	a.used = 0
	a.kernel.Reset()
}

func levelOf(samples []int16) (avgAbs int32, maxAbs int32) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum int64
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		sum += int64(v)
		if v > maxAbs {
			maxAbs = v
		}
	}
	return int32(sum / int64(len(samples))), maxAbs
}
