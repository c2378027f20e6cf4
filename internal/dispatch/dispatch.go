// Package dispatch fans a single playback write out across every open
// PCM endpoint on a PlaybackStream, arbitrating exclusive-sink ownership
// and remapping routes when a voice call is active (spec §4.10).
package dispatch

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/simcom-audio/hal/internal/cardreg"
	"github.com/simcom-audio/hal/internal/halerr"
	"github.com/simcom-audio/hal/internal/route"
	"github.com/simcom-audio/hal/internal/uplink"
)

// StreamID identifies one open PlaybackStream for ownership bookkeeping.
type StreamID uintptr

// Sink is one role-slot endpoint a stream can write to.
type Sink struct {
	Role     cardreg.Role
	Write    func(buf []int16) error // raw write for non-modem sinks
	Uplink   *uplink.Writer          // non-nil only for the modem sink
	Exclusive bool
}

// isModem reports whether this sink is the modem/BT-out role.
func (s Sink) isModem() bool {
	return s.Role == cardreg.RoleModemOut
}

// Ownership tracks which stream currently owns each exclusive sink role.
// Acquire/Release happen under the Device lock per spec §5, but Owner is
// read from Dispatcher.Write on the framework's playback thread without
// that lock held, so the table carries its own mutex.
type Ownership struct {
	mu     sync.Mutex
	owners map[cardreg.Role]StreamID
}

// NewOwnership builds an empty ownership table.
func NewOwnership() *Ownership {
	return &Ownership{owners: make(map[cardreg.Role]StreamID)}
}

// Owner returns the current owner of role, and whether any stream owns
// it.
func (o *Ownership) Owner(role cardreg.Role) (StreamID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.owners[role]
	return id, ok
}

// Acquire claims role for stream, overwriting any previous owner.
func (o *Ownership) Acquire(role cardreg.Role, stream StreamID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owners[role] = stream
}

// Release clears ownership of role if currently held by stream.
// Idempotent for a non-owning stream.
func (o *Ownership) Release(role cardreg.Role, stream StreamID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.owners[role] == stream {
		delete(o.owners, role)
	}
}

// RouteTable maps a device's normal-mode route to its in-call
// counterpart (spec §4.10's mode->route mapping).
type RouteTable map[route.Route]route.Route

// DefaultInCallRoutes is the fixed normal->in-call route remap table.
var DefaultInCallRoutes = RouteTable{
	route.RouteSpeakerNormal: "SPEAKER_INCALL_ROUTE",
}

// Resolve returns the route to actually open for normalRoute, given
// whether a call is active.
func (t RouteTable) Resolve(normalRoute route.Route, callActive bool) route.Route {
	if !callActive {
		return normalRoute
	}
	if mapped, ok := t[normalRoute]; ok {
		return mapped
	}
	return normalRoute
}

// Dispatcher fans out one playback write across a stream's open sinks.
type Dispatcher struct {
	ownership   *Ownership
	voiceActive func() bool
	periodDelay time.Duration
	log         *log.Logger
}

// NewDispatcher builds a Dispatcher. voiceActive reports whether the
// voice call is currently active; it is stored but Write does not consult
// it, so no usecase tag or route remap is chosen here. logger may be nil.
func NewDispatcher(ownership *Ownership, voiceActive func() bool, periodDelay time.Duration, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{ownership: ownership, voiceActive: voiceActive, periodDelay: periodDelay, log: logger}
}

// Write implements spec §4.10 step 2-3: iterate sinks, respect exclusive
// ownership, route the modem sink through the Uplink Writer, and always
// report bytes written regardless of internal errors.
func (d *Dispatcher) Write(stream StreamID, sinks []Sink, buf []int16, frames, channels, rateHz int) int {
	bytes := len(buf) * 2 // int16 samples -> bytes, matching the PCM period byte contract

	var internalErr error
	for _, s := range sinks {
		if s.Exclusive {
			owner, owned := d.ownership.Owner(s.Role)
			if !owned || owner != stream {
				continue // not ours: skip silently per spec §4.10
			}
		}

		if s.isModem() {
			if s.Uplink == nil {
				continue
			}
			if s.Uplink.Drain() {
				// ResultBusy: the endpoint already closed itself; release
				// exclusive ownership so the next PlaybackStream.start can
				// reopen it (spec §4.3/§4.7, "close and relinquish
				// ownership").
				d.ownership.Release(s.Role, stream)
				d.log.Warn("dispatch: modem sink abandoned, ownership released", "stream", stream)
			}
			continue
		}

		if s.Write == nil {
			continue
		}
		if err := s.Write(buf); err != nil {
			internalErr = err
			d.log.Warn("dispatch: sink write failed", "role", s.Role.String(), "err", err)
		}
	}

	if internalErr != nil && !halerr.Is(internalErr, halerr.KindIOTransient) {
		// Throttle to one period's worth of wall-clock time so a stuck
		// sink doesn't spin the framework thread (spec §4.10 step 3).
		time.Sleep(d.periodDelay)
	}

	return bytes
}
