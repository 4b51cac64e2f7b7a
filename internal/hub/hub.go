// Package hub is the single serialization point between the autopilot link
// and every attached session. One actor goroutine owns the vehicle state and
// the session set; everyone else talks to it over channels and reads
// snapshots.
package hub

import (
	"context"
	"time"

	"github.com/ironbrain/groundlink/internal/autopilot"
	"github.com/ironbrain/groundlink/internal/mavlink"
	"github.com/ironbrain/groundlink/internal/monitoring"
	"github.com/ironbrain/groundlink/internal/timeutil"
)

// Link is the hub's view of the autopilot connection.
type Link interface {
	Frames() <-chan *mavlink.Frame
	Send(f *mavlink.Frame) error
	Stats() autopilot.Stats
}

const (
	commandQueueLen   = 64
	telemetryQueueLen = 128
)

// TelemetryUpdate is published to the telemetry subscriber after each frame
// that changed the vehicle state.
type TelemetryUpdate struct {
	State       mavlink.VehicleState
	CaptureTime time.Time
}

// Snapshot is a consistent read-only view of the hub.
type Snapshot struct {
	Link      autopilot.Stats      `json:"link"`
	Vehicle   mavlink.VehicleState `json:"vehicle"`
	Sessions  []SessionStats       `json:"sessions"`
	FramesIn  uint64               `json:"frames_in"`
	Commands  uint64               `json:"commands"`
	CmdErrors uint64               `json:"command_errors"`
	Drops     uint64               `json:"drops"`
	TakenAt   time.Time            `json:"taken_at"`
}

type command struct {
	session *Session
	frame   *mavlink.Frame
}

// Hub fans inbound frames out to sessions and drains session commands into
// the link.
type Hub struct {
	link    Link
	clock   timeutil.Clock
	metrics *Metrics

	registerc   chan *Session
	unregisterc chan *Session
	commands    chan command
	snapshots   chan chan Snapshot
	telemetry   chan TelemetryUpdate

	stopped chan struct{}

	// Actor-owned state. Touched only from Run.
	sessions  map[string]*Session
	vehicle   mavlink.VehicleState
	framesIn  uint64
	cmds      uint64
	cmdErrors uint64
	drops     uint64
}

// New creates a Hub. clock and metrics may be nil.
func New(link Link, clock timeutil.Clock, metrics *Metrics) *Hub {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		link:        link,
		clock:       clock,
		metrics:     metrics,
		registerc:   make(chan *Session),
		unregisterc: make(chan *Session),
		commands:    make(chan command, commandQueueLen),
		snapshots:   make(chan chan Snapshot),
		telemetry:   make(chan TelemetryUpdate, telemetryQueueLen),
		stopped:     make(chan struct{}),
		sessions:    make(map[string]*Session),
	}
}

// Telemetry is the projection queue the telemetry store consumes. Updates are
// dropped oldest-first when the store lags.
func (h *Hub) Telemetry() <-chan TelemetryUpdate { return h.telemetry }

// Register attaches a session to the fan-out set.
func (h *Hub) Register(s *Session) {
	select {
	case h.registerc <- s:
	case <-h.stopped:
		s.close()
	}
}

// Unregister detaches a session and closes its queue. Idempotent and safe to
// call from the session's own goroutine.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregisterc <- s:
	case <-h.stopped:
	}
}

// SubmitCommand queues an outbound frame from a session. Commands from one
// session reach the link in submission order; the call blocks while the
// command queue is full.
func (h *Hub) SubmitCommand(s *Session, f *mavlink.Frame) error {
	select {
	case h.commands <- command{session: s, frame: f}:
		return nil
	case <-h.stopped:
		return autopilot.ErrNotReady
	}
}

// Snapshot returns a consistent view of the hub state.
func (h *Hub) Snapshot() Snapshot {
	resp := make(chan Snapshot, 1)
	select {
	case h.snapshots <- resp:
		return <-resp
	case <-h.stopped:
		return Snapshot{Link: h.link.Stats(), TakenAt: h.clock.Now()}
	}
}

// Run is the hub actor. It returns when ctx is canceled, after closing every
// session queue.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.stopped)
	defer func() {
		for id, s := range h.sessions {
			s.close()
			delete(h.sessions, id)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case f := <-h.link.Frames():
			h.handleFrame(f)

		case s := <-h.registerc:
			h.sessions[s.ID()] = s
			h.metrics.Sessions.Inc()
			monitoring.Logf("hub: session %s attached (%s from %s), %d active",
				s.ID(), s.Transport(), s.Remote(), len(h.sessions))

		case s := <-h.unregisterc:
			if _, ok := h.sessions[s.ID()]; ok {
				delete(h.sessions, s.ID())
				s.close()
				h.metrics.Sessions.Dec()
				monitoring.Logf("hub: session %s detached, %d active", s.ID(), len(h.sessions))
			}

		case cmd := <-h.commands:
			h.cmds++
			h.metrics.Commands.Inc()
			if cmd.session != nil {
				cmd.session.Touch(h.clock.Now())
			}
			if err := h.link.Send(cmd.frame); err != nil {
				h.cmdErrors++
				h.metrics.CommandErrors.Inc()
			}

		case resp := <-h.snapshots:
			resp <- h.snapshot()
		}
	}
}

// handleFrame applies the telemetry projection and fans the frame out.
func (h *Hub) handleFrame(f *mavlink.Frame) {
	h.framesIn++
	h.metrics.FramesIn.Inc()

	now := h.clock.Now()
	if f.SystemID != mavlink.GCSSystemID {
		h.vehicle.SystemID = f.SystemID
		h.vehicle.ComponentID = f.ComponentID
	}
	if delta, ok := mavlink.Decode(f); ok {
		h.vehicle.Apply(delta, now)
		h.publishTelemetry(TelemetryUpdate{State: h.vehicle, CaptureTime: now})
	}

	for _, s := range h.sessions {
		if s.push(f) {
			h.drops++
			h.metrics.SessionDrops.Inc()
		}
	}
}

// publishTelemetry offers an update to the store subscriber, dropping the
// oldest pending update when the store lags.
func (h *Hub) publishTelemetry(u TelemetryUpdate) {
	select {
	case h.telemetry <- u:
		return
	default:
	}
	select {
	case <-h.telemetry:
	default:
	}
	select {
	case h.telemetry <- u:
	default:
	}
	h.metrics.TelemetryDrops.Inc()
}

func (h *Hub) snapshot() Snapshot {
	sessions := make([]SessionStats, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s.Stats())
	}
	return Snapshot{
		Link:      h.link.Stats(),
		Vehicle:   h.vehicle,
		Sessions:  sessions,
		FramesIn:  h.framesIn,
		Commands:  h.cmds,
		CmdErrors: h.cmdErrors,
		Drops:     h.drops,
		TakenAt:   h.clock.Now(),
	}
}
