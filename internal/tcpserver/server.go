// Package tcpserver accepts MAVLink-over-TCP clients. In attached mode each
// connection becomes a hub session; in tunnel-proxy mode raw bytes are
// relayed to a fixed upstream endpoint instead.
package tcpserver

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/ironbrain/groundlink/internal/hub"
	"github.com/ironbrain/groundlink/internal/mavlink"
	"github.com/ironbrain/groundlink/internal/monitoring"
)

// DefaultMaxClients bounds concurrent attached sessions. Excess connections
// are reset immediately.
const DefaultMaxClients = 16

// drainTimeout is how long a session writer gets to flush queued frames
// after shutdown begins before the socket is closed hard.
const drainTimeout = 2 * time.Second

// Broker is the server's view of the hub.
type Broker interface {
	Register(s *hub.Session)
	Unregister(s *hub.Session)
	SubmitCommand(s *hub.Session, f *mavlink.Frame) error
}

// Server runs the attached mode: every accepted client is a hub session with
// a reader feeding the command queue and a writer draining the fan-out queue.
type Server struct {
	broker     Broker
	maxClients int
	metrics    *Metrics

	active   atomic.Int32
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewServer creates an attached-mode server. maxClients <= 0 selects
// DefaultMaxClients; metrics may be nil.
func NewServer(broker Broker, maxClients int, metrics *Metrics) *Server {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Server{broker: broker, maxClients: maxClients, metrics: metrics}
}

// ServerStats is a point-in-time view of the acceptor counters.
type ServerStats struct {
	Active   int32  `json:"active"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

func (s *Server) Stats() ServerStats {
	return ServerStats{
		Active:   s.active.Load(),
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
	}
}

// Serve accepts clients on ln until ctx is canceled. The listener is closed
// on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if int(s.active.Load()) >= s.maxClients {
			s.rejected.Add(1)
			s.metrics.Rejected.Inc()
			reset(conn)
			continue
		}
		s.active.Add(1)
		s.accepted.Add(1)
		s.metrics.Accepted.Inc()
		s.metrics.Active.Inc()
		go func() {
			defer func() {
				s.active.Add(-1)
				s.metrics.Active.Dec()
			}()
			s.handle(ctx, conn)
		}()
	}
}

// reset closes the connection with an RST instead of a graceful FIN so the
// client sees the rejection immediately.
func reset(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	conn.Close()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	session := hub.NewSession(hub.TransportTCP, conn.RemoteAddr().String())
	s.broker.Register(session)
	defer s.broker.Unregister(session)

	done := make(chan struct{})
	defer close(done)

	// After shutdown starts, the writer gets drainTimeout to flush its queue
	// before the socket is closed under it.
	go func() {
		select {
		case <-ctx.Done():
			timer := time.NewTimer(drainTimeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				conn.Close()
			case <-done:
			}
		case <-done:
		}
	}()

	// Writer: fan-out queue to socket.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		for f := range session.Frames() {
			if _, err := conn.Write(f.Raw); err != nil {
				return
			}
			session.NoteWrite(len(f.Raw), 1)
		}
	}()

	// Reader: socket bytes to parsed command frames.
	var dec mavlink.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			frames := 0
			for f := dec.Next(); f != nil; f = dec.Next() {
				frames++
				if err := s.broker.SubmitCommand(session, f); err != nil {
					monitoring.Logf("tcpserver: command from %s rejected: %v", session.Remote(), err)
				}
			}
			session.NoteRead(n, frames)
			session.Touch(time.Now())
		}
		if err != nil {
			break
		}
	}

	// Unregister closes the session queue, which lets the writer drain out.
	s.broker.Unregister(session)
	conn.Close()
	<-writerDone
}
