// Package diag holds the HAL's diagnostics-only state: running capture
// statistics and the debug toggles spec §3/§9 describe as "used only by
// diagnostics; resettable".
package diag

import "sync"

// Diagnostics mirrors the original's persist.vendor.simcom.* property
// toggles: debug logging, raw PCM byte dumps, and an HDMI input rate
// hint, all read once and cached.
type Diagnostics struct {
	DebugAudio     bool
	DumpOutBytes   bool
	DumpInBytes    bool
	HDMIInRateHint int
}

// CaptureStats accumulates running signal statistics over the mic
// capture path for diagnostics; no gating decision reads them.
// Safe for concurrent use: the capture worker updates it, diagnostics
// dumps read it.
type CaptureStats struct {
	mu sync.Mutex

	calls           uint64
	zeroBatches     uint64
	nonZeroBatches  uint64
	consecutiveZero uint64
	sumAbs          int64
	maxAbs          int32
}

// Observe records one captured batch's statistics. avgAbs is the mean
// absolute sample value over the batch; maxAbs is its peak absolute
// value.
func (s *CaptureStats) Observe(avgAbs int32, maxAbs int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	s.sumAbs += int64(avgAbs)
	if maxAbs > s.maxAbs {
		s.maxAbs = maxAbs
	}
	if avgAbs == 0 {
		s.zeroBatches++
		s.consecutiveZero++
	} else {
		s.nonZeroBatches++
		s.consecutiveZero = 0
	}
}

// Snapshot is a point-in-time copy of CaptureStats, safe to print or
// serialize without holding the live lock.
type Snapshot struct {
	Calls           uint64
	ZeroBatches     uint64
	NonZeroBatches  uint64
	ConsecutiveZero uint64
	SumAbs          int64
	MaxAbs          int32
}

func (s *CaptureStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Calls:           s.calls,
		ZeroBatches:     s.zeroBatches,
		NonZeroBatches:  s.nonZeroBatches,
		ConsecutiveZero: s.consecutiveZero,
		SumAbs:          s.sumAbs,
		MaxAbs:          s.maxAbs,
	}
}

// Reset clears all counters, matching the original's per-call-start reset
// around voice-call activation.
func (s *CaptureStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = 0
	s.zeroBatches = 0
	s.nonZeroBatches = 0
	s.consecutiveZero = 0
	s.sumAbs = 0
	s.maxAbs = 0
}

// SignalThreshold is the average-absolute-sample floor below which a
// period is treated as "no valid signal" (spec §4.7's signal gating).
const SignalThreshold = 100

// HasSignal reports whether avgAbs clears SignalThreshold.
func HasSignal(avgAbs int32) bool {
	return avgAbs >= SignalThreshold
}

// ClassifySignal mirrors original_source's simcom_classify_signal: a
// short human label for a period's average-absolute level, used by
// simcom-halctl dump and debug logging.
func ClassifySignal(avgAbs int32) string {
	switch {
	case avgAbs == 0:
		return "silence"
	case avgAbs < SignalThreshold:
		return "noise_floor"
	case avgAbs < 2000:
		return "quiet"
	case avgAbs < 12000:
		return "normal"
	default:
		return "loud"
	}
}
