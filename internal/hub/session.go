package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ironbrain/groundlink/internal/mavlink"
)

// Transport identifies the client-facing protocol of a session.
type Transport string

const (
	TransportTCP         Transport = "tcp"
	TransportWebSocket   Transport = "websocket"
	TransportTunnelProxy Transport = "tunnel-proxy"
	TransportDebug       Transport = "debug"
)

// sessionQueueLen bounds each session's outbound frame queue. A full queue
// drops the oldest frame for that session only.
const sessionQueueLen = 256

// Session represents one remote client attached to the hub. The hub actor
// owns the queue's send side; the transport's writer goroutine owns the
// receive side and sees the queue closed when the session is unregistered.
type Session struct {
	id        string
	transport Transport
	remote    string

	queue  chan *mavlink.Frame
	closed sync.Once

	lastActivity atomic.Int64 // unix nanos

	framesIn  atomic.Uint64 // commands from the client
	framesOut atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	drops     atomic.Uint64
}

// NewSession creates a detached session; attach it with Hub.Register.
func NewSession(transport Transport, remote string) *Session {
	return &Session{
		id:        uuid.NewString(),
		transport: transport,
		remote:    remote,
		queue:     make(chan *mavlink.Frame, sessionQueueLen),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Transport() Transport { return s.transport }
func (s *Session) Remote() string       { return s.remote }

// Frames is the outbound queue the transport writer drains. It is closed
// when the session is unregistered.
func (s *Session) Frames() <-chan *mavlink.Frame { return s.queue }

// Touch stamps the last-activity time.
func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// NoteRead records bytes and frames received from the client.
func (s *Session) NoteRead(bytes int, frames int) {
	s.bytesIn.Add(uint64(bytes))
	s.framesIn.Add(uint64(frames))
}

// NoteWrite records bytes and frames delivered to the client.
func (s *Session) NoteWrite(bytes int, frames int) {
	s.bytesOut.Add(uint64(bytes))
	s.framesOut.Add(uint64(frames))
}

// NoteDrop records a frame the transport discarded on its own outbound
// queue, so backpressure past the hub queue still shows in the stats.
func (s *Session) NoteDrop() {
	s.drops.Add(1)
}

// push enqueues an inbound frame, dropping the oldest queued frame rather
// than blocking the hub. Called only from the hub actor.
func (s *Session) push(f *mavlink.Frame) (dropped bool) {
	select {
	case s.queue <- f:
		return false
	default:
	}
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- f:
	default:
	}
	s.drops.Add(1)
	return true
}

// close closes the outbound queue. Called only from the hub actor.
func (s *Session) close() {
	s.closed.Do(func() { close(s.queue) })
}

// SessionStats is a point-in-time view of one session's counters.
type SessionStats struct {
	ID           string    `json:"id"`
	Transport    Transport `json:"transport"`
	Remote       string    `json:"remote"`
	FramesIn     uint64    `json:"frames_in"`
	FramesOut    uint64    `json:"frames_out"`
	BytesIn      uint64    `json:"bytes_in"`
	BytesOut     uint64    `json:"bytes_out"`
	Drops        uint64    `json:"drops"`
	LastActivity time.Time `json:"last_activity"`
}

// Stats snapshots the session counters.
func (s *Session) Stats() SessionStats {
	var last time.Time
	if ns := s.lastActivity.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return SessionStats{
		ID:           s.id,
		Transport:    s.transport,
		Remote:       s.remote,
		FramesIn:     s.framesIn.Load(),
		FramesOut:    s.framesOut.Load(),
		BytesIn:      s.bytesIn.Load(),
		BytesOut:     s.bytesOut.Load(),
		Drops:        s.drops.Load(),
		LastActivity: last,
	}
}
