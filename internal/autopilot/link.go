package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironbrain/groundlink/internal/mavlink"
	"github.com/ironbrain/groundlink/internal/monitoring"
	"github.com/ironbrain/groundlink/internal/timeutil"
)

var (
	// ErrNotReady is returned for outbound submissions while the link is in
	// any state other than Active.
	ErrNotReady = errors.New("autopilot link not ready")

	// ErrNoHeartbeat means the handshake timed out without seeing a vehicle
	// HEARTBEAT.
	ErrNoHeartbeat = errors.New("no heartbeat from autopilot")

	// ErrQueueFull means the bounded command queue rejected a submission.
	ErrQueueFull = errors.New("autopilot command queue full")
)

// State is the link lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateWaitingHeartbeat
	StateActive
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateWaitingHeartbeat:
		return "waiting_heartbeat"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	heartbeatTimeout     = 10 * time.Second
	readPollWindow       = 100 * time.Millisecond
	gcsHeartbeatInterval = time.Second
	reconnectBase        = time.Second
	reconnectCap         = 30 * time.Second

	inboundQueueLen  = 256
	outboundQueueLen = 64

	// resyncWarnCount resyncs within one second indicate a noisy or
	// misconfigured line and get logged at warn.
	resyncWarnCount = 10
)

// Link owns one serial connection to the flight controller. Run manages the
// connect / handshake / reconnect lifecycle; Frames delivers every parsed
// inbound packet; Send submits outbound packets while the link is Active.
type Link struct {
	factory PortFactory
	device  string
	opts    PortOptions
	clock   timeutil.Clock

	frames   chan *mavlink.Frame
	outbound chan *mavlink.Frame

	state atomic.Int32

	mu     sync.Mutex
	sysID  uint8
	compID uint8
	seen   bool

	framesIn   atomic.Uint64
	framesOut  atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	resyncs    atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
}

// New creates a Link for the given device. The clock may be nil, in which
// case the real clock is used.
func New(factory PortFactory, device string, opts PortOptions, clock timeutil.Clock) *Link {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Link{
		factory:  factory,
		device:   device,
		opts:     opts,
		clock:    clock,
		frames:   make(chan *mavlink.Frame, inboundQueueLen),
		outbound: make(chan *mavlink.Frame, outboundQueueLen),
	}
}

// Frames returns the inbound frame channel. The channel is never closed; it
// simply goes quiet when the link is down.
func (l *Link) Frames() <-chan *mavlink.Frame { return l.frames }

// State returns the current lifecycle state.
func (l *Link) State() State { return State(l.state.Load()) }

func (l *Link) setState(s State) { l.state.Store(int32(s)) }

// Target returns the system and component id observed in the vehicle's
// heartbeat, for command addressing. ok is false until the first handshake
// completes.
func (l *Link) Target() (sysID, compID uint8, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sysID, l.compID, l.seen
}

// Send submits a frame for transmission. Only an Active link accepts frames;
// a full queue is reported rather than blocking the caller.
func (l *Link) Send(f *mavlink.Frame) error {
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

// Stats is a point-in-time snapshot of the link counters.
type Stats struct {
	State       string `json:"state"`
	Device      string `json:"device"`
	SystemID    uint8  `json:"system_id"`
	ComponentID uint8  `json:"component_id"`
	FramesIn    uint64 `json:"frames_in"`
	FramesOut   uint64 `json:"frames_out"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	Resyncs     uint64 `json:"resyncs"`
	Dropped     uint64 `json:"dropped"`
	Reconnects  uint64 `json:"reconnects"`
}

// Stats snapshots the link counters.
func (l *Link) Stats() Stats {
	sys, comp, _ := l.Target()
	return Stats{
		State:       l.State().String(),
		Device:      l.device,
		SystemID:    sys,
		ComponentID: comp,
		FramesIn:    l.framesIn.Load(),
		FramesOut:   l.framesOut.Load(),
		BytesIn:     l.bytesIn.Load(),
		BytesOut:    l.bytesOut.Load(),
		Resyncs:     l.resyncs.Load(),
		Dropped:     l.dropped.Load(),
		Reconnects:  l.reconnects.Load(),
	}
}

// Run drives the link until ctx is canceled: open the port, wait for a
// heartbeat, pump frames, and on any failure reconnect with exponential
// backoff.
func (l *Link) Run(ctx context.Context) error {
	defer l.setState(StateClosed)

	bo := &Backoff{Base: reconnectBase, Cap: reconnectCap}
	for {
		err := l.session(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}
		l.setState(StateDisconnected)
		l.reconnects.Add(1)
		delay := bo.Next()
		monitoring.Logf("autopilot: link to %s down (%v), reconnecting in %v", l.device, err, delay)
		select {
		case <-ctx.Done():
			return nil
		case <-l.clock.After(delay):
		}
	}
}

// session runs one open-to-close lifetime of the port.
func (l *Link) session(ctx context.Context, bo *Backoff) error {
	l.setState(StateConnecting)
	port, err := l.factory.Open(l.device, l.opts)
	if err != nil {
		return err
	}
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(readPollWindow); err != nil {
			port.Close()
			return fmt.Errorf("set read timeout: %w", err)
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		port.Close()
		wg.Wait()
	}()

	hbSeen := make(chan struct{})
	ioErr := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.readLoop(sctx, port, hbSeen, ioErr)
	}()

	hbTimer := l.clock.NewTimer(heartbeatTimeout)
	defer hbTimer.Stop()
	l.setState(StateWaitingHeartbeat)
	select {
	case <-sctx.Done():
		return sctx.Err()
	case err := <-ioErr:
		return err
	case <-hbTimer.C():
		return ErrNoHeartbeat
	case <-hbSeen:
	}

	l.setState(StateActive)
	bo.Reset()
	if sys, comp, ok := l.Target(); ok {
		monitoring.Logf("autopilot: heartbeat from system %d component %d, link active", sys, comp)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		l.writeLoop(sctx, port, ioErr)
	}()
	go func() {
		defer wg.Done()
		l.heartbeatLoop(sctx)
	}()

	select {
	case <-sctx.Done():
		return sctx.Err()
	case err := <-ioErr:
		l.setState(StateDegraded)
		return err
	}
}

// readLoop feeds port bytes through the frame decoder and publishes parsed
// frames. The first vehicle heartbeat closes hbSeen and records the command
// target.
func (l *Link) readLoop(ctx context.Context, port SerialPorter, hbSeen chan struct{}, errc chan<- error) {
	var dec mavlink.Decoder
	buf := make([]byte, 4096)
	hbOnce := false
	var sessionResyncs, warnBase uint64
	windowStart := l.clock.Now()

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := port.Read(buf)
		if n > 0 {
			l.bytesIn.Add(uint64(n))
			dec.Write(buf[:n])
			for f := dec.Next(); f != nil; f = dec.Next() {
				l.framesIn.Add(1)
				if f.MsgID == mavlink.MsgHeartbeat && f.SystemID != mavlink.GCSSystemID {
					l.mu.Lock()
					l.sysID, l.compID, l.seen = f.SystemID, f.ComponentID, true
					l.mu.Unlock()
					if !hbOnce {
						hbOnce = true
						close(hbSeen)
					}
				}
				l.publish(f)
			}
			if r := dec.Resyncs(); r > sessionResyncs {
				l.resyncs.Add(r - sessionResyncs)
				sessionResyncs = r
			}
			if now := l.clock.Now(); now.Sub(windowStart) >= time.Second {
				if burst := sessionResyncs - warnBase; burst >= resyncWarnCount {
					monitoring.Logf("autopilot: %d resyncs in the last second, %d bytes discarded so far", burst, dec.DroppedBytes())
				}
				warnBase = sessionResyncs
				windowStart = now
			}
		}
		if err != nil {
			select {
			case errc <- fmt.Errorf("serial read: %w", err):
			default:
			}
			return
		}
	}
}

// publish enqueues a frame for the consumer, dropping the oldest queued frame
// rather than stalling the read loop.
func (l *Link) publish(f *mavlink.Frame) {
	select {
	case l.frames <- f:
		return
	default:
	}
	select {
	case <-l.frames:
		l.dropped.Add(1)
	default:
	}
	select {
	case l.frames <- f:
	default:
		l.dropped.Add(1)
	}
}

// writeLoop drains the command queue, writing each frame as one contiguous
// block so frames from different sessions never interleave on the wire.
func (l *Link) writeLoop(ctx context.Context, port SerialPorter, errc chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-l.outbound:
			n, err := port.Write(f.Raw)
			if err == nil && n != len(f.Raw) {
				err = fmt.Errorf("short write: %d of %d bytes", n, len(f.Raw))
			}
			if err != nil {
				select {
				case errc <- fmt.Errorf("serial write: %w", err):
				default:
				}
				return
			}
			l.framesOut.Add(1)
			l.bytesOut.Add(uint64(n))
		}
	}
}

// heartbeatLoop publishes the ground station's own 1 Hz HEARTBEAT so the
// autopilot knows a GCS is attached.
func (l *Link) heartbeatLoop(ctx context.Context) {
	ticker := l.clock.NewTicker(gcsHeartbeatInterval)
	defer ticker.Stop()

	var seq uint8
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			select {
			case l.outbound <- mavlink.GCSHeartbeat(seq):
				seq++
			default:
				// A wedged write side will surface its own error.
			}
		}
	}
}
