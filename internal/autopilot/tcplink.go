package autopilot

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/ironbrain/groundlink/internal/mavlink"
	"github.com/ironbrain/groundlink/internal/monitoring"
)

// TCPLink speaks MAVLink to an upstream TCP endpoint instead of a serial
// device. It carries the same channel surface as Link so a hub can sit on
// either. Unlike the serial link there is no heartbeat gate: the link is
// active as soon as the dial succeeds.
type TCPLink struct {
	addr     string
	frames   chan *mavlink.Frame
	outbound chan *mavlink.Frame

	state      atomic.Int32
	framesIn   atomic.Uint64
	framesOut  atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	drops      atomic.Uint64
	reconnects atomic.Uint64
}

// NewTCPLink builds a link that will dial addr when Run starts.
func NewTCPLink(addr string) *TCPLink {
	l := &TCPLink{
		addr:     addr,
		frames:   make(chan *mavlink.Frame, inboundQueueLen),
		outbound: make(chan *mavlink.Frame, outboundQueueLen),
	}
	l.state.Store(int32(StateDisconnected))
	return l
}

// Frames returns the inbound frame stream.
func (l *TCPLink) Frames() <-chan *mavlink.Frame { return l.frames }

// State reports the connection state.
func (l *TCPLink) State() State { return State(l.state.Load()) }

// Send queues a frame for the upstream endpoint.
func (l *TCPLink) Send(f *mavlink.Frame) error {
	if l.State() != StateActive {
		return ErrNotReady
	}
	select {
	case l.outbound <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stats reports link counters in the same shape as the serial link.
func (l *TCPLink) Stats() Stats {
	return Stats{
		State:      l.State().String(),
		Device:     l.addr,
		FramesIn:   l.framesIn.Load(),
		FramesOut:  l.framesOut.Load(),
		BytesIn:    l.bytesIn.Load(),
		BytesOut:   l.bytesOut.Load(),
		Dropped:    l.drops.Load(),
		Reconnects: l.reconnects.Load(),
	}
}

// Run dials and re-dials the upstream until ctx is canceled.
func (l *TCPLink) Run(ctx context.Context) error {
	bo := Backoff{Base: reconnectBase, Cap: reconnectCap}
	for {
		if err := l.session(ctx); err != nil {
			monitoring.Logf("tcplink: session with %s ended: %v", l.addr, err)
		}
		l.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			l.state.Store(int32(StateClosed))
			return nil
		}
		l.reconnects.Add(1)
		select {
		case <-ctx.Done():
			l.state.Store(int32(StateClosed))
			return nil
		case <-time.After(bo.Next()):
		}
	}
}

func (l *TCPLink) session(ctx context.Context) error {
	l.state.Store(int32(StateConnecting))
	var d net.Dialer
	dialCtx, dialDone := context.WithTimeout(ctx, 10*time.Second)
	conn, err := d.DialContext(dialCtx, "tcp", l.addr)
	dialDone()
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	l.state.Store(int32(StateActive))
	monitoring.Logf("tcplink: connected to %s", l.addr)

	writeErr := make(chan error, 1)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-l.outbound:
				if _, err := conn.Write(f.Raw); err != nil {
					writeErr <- err
					return
				}
				l.framesOut.Add(1)
				l.bytesOut.Add(uint64(len(f.Raw)))
			}
		}
	}()
	defer func() {
		conn.Close()
		<-writerDone
	}()

	var dec mavlink.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			l.bytesIn.Add(uint64(n))
			dec.Write(buf[:n])
			for {
				f := dec.Next()
				if f == nil {
					break
				}
				l.framesIn.Add(1)
				l.publish(f)
			}
		}
		if err != nil {
			select {
			case werr := <-writeErr:
				return werr
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (l *TCPLink) publish(f *mavlink.Frame) {
	select {
	case l.frames <- f:
		return
	default:
	}
	select {
	case <-l.frames:
		l.drops.Add(1)
	default:
	}
	select {
	case l.frames <- f:
	default:
		l.drops.Add(1)
	}
}
