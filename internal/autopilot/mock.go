package autopilot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/ironbrain/groundlink/internal/mavlink"
)

// TestablePort implements SerialPorter with configurable behaviour for
// testing. It provides fine-grained control over reads, writes, errors, and
// blocking.
type TestablePort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// ReadError is returned by the next Read call if set.
	ReadError error
	// WriteError is returned by the next Write call if set.
	WriteError error
	// CloseError is returned by Close if set.
	CloseError error

	// BlockReads causes Read on an empty buffer to wait for data or Close,
	// matching real serial port behaviour.
	BlockReads bool

	closed      bool
	readTimeout time.Duration
}

var errPortClosed = errors.New("serial port closed")

// NewTestablePort creates a TestablePort with blocking reads enabled.
func NewTestablePort() *TestablePort {
	p := &TestablePort{BlockReads: true}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestablePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errPortClosed
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	if p.BlockReads {
		for !p.closed && p.readBuf.Len() == 0 {
			p.readCond.Wait()
		}
		if p.closed {
			return 0, errPortClosed
		}
	}
	return p.readBuf.Read(buf)
}

func (p *TestablePort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	return p.writeBuf.Write(buf)
}

func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// SetReadTimeout records the requested timeout; the testable port does not
// enforce it.
func (p *TestablePort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = timeout
	return nil
}

// ReadTimeout returns the last timeout passed to SetReadTimeout.
func (p *TestablePort) ReadTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readTimeout
}

// FeedRead appends bytes to be returned by subsequent Read calls and wakes a
// blocked reader.
func (p *TestablePort) FeedRead(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.readCond.Broadcast()
}

// Written returns a copy of everything written to the port.
func (p *TestablePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.writeBuf.Bytes()...)
}

// Closed reports whether Close was called.
func (p *TestablePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// TestableFactory implements PortFactory, returning a queue of ports so
// reconnect paths can be exercised.
type TestableFactory struct {
	mu    sync.Mutex
	ports []SerialPorter

	// Error is returned by Open when the port queue is empty, or always when
	// no ports were ever queued.
	Error error

	opens int
}

// NewTestableFactory creates a factory that hands out the given ports in
// order.
func NewTestableFactory(ports ...SerialPorter) *TestableFactory {
	return &TestableFactory{ports: ports}
}

func (f *TestableFactory) Open(device string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.ports) == 0 {
		err := f.Error
		if err == nil {
			err = errors.New("no port available")
		}
		return nil, err
	}
	port := f.ports[0]
	f.ports = f.ports[1:]
	return port, nil
}

// OpenCalls returns the number of Open invocations.
func (f *TestableFactory) OpenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// SimulatedPort is a self-contained fake autopilot for development without
// hardware. It emits a plausible telemetry cycle at 4 Hz and discards writes.
type SimulatedPort struct {
	mu       sync.Mutex
	readCond *sync.Cond
	pending  bytes.Buffer
	closed   bool
	writes   int

	done chan struct{}
}

// SimulatedFactory implements PortFactory for the -dev mode of the vehicle
// daemon.
type SimulatedFactory struct{}

func (SimulatedFactory) Open(device string, opts PortOptions) (SerialPorter, error) {
	return NewSimulatedPort(), nil
}

// NewSimulatedPort starts the telemetry generator.
func NewSimulatedPort() *SimulatedPort {
	p := &SimulatedPort{done: make(chan struct{})}
	p.readCond = sync.NewCond(&p.mu)
	go p.generate()
	return p
}

func (p *SimulatedPort) generate() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var seq uint8
	var tick int
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		tick++

		frames := []*mavlink.Frame{simHeartbeat(seq)}
		seq++
		switch tick % 4 {
		case 0:
			frames = append(frames, simGPS(seq, tick))
		case 1:
			frames = append(frames, simAttitude(seq, tick))
		case 2:
			frames = append(frames, simSysStatus(seq))
		case 3:
			frames = append(frames, simVFRHUD(seq, tick))
		}
		seq++

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		for _, f := range frames {
			p.pending.Write(f.Raw)
		}
		p.readCond.Broadcast()
		p.mu.Unlock()
	}
}

func (p *SimulatedPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.pending.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, errPortClosed
	}
	return p.pending.Read(buf)
}

func (p *SimulatedPort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	p.writes++
	return len(buf), nil
}

func (p *SimulatedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
		p.readCond.Broadcast()
	}
	return nil
}

const (
	simSystemID    = 1
	simComponentID = 1
)

func mustBuild(seq uint8, msgID uint32, payload []byte) *mavlink.Frame {
	f, err := mavlink.Build(seq, simSystemID, simComponentID, msgID, payload)
	if err != nil {
		panic(err)
	}
	return f
}

func simHeartbeat(seq uint8) *mavlink.Frame {
	payload := make([]byte, 9)
	binary.LittleEndian.PutUint32(payload[0:4], 5) // LOITER
	payload[4] = 2                                 // quadrotor
	payload[5] = 3                                 // ArduPilot
	payload[6] = 0x81                              // armed
	payload[7] = 4                                 // active
	payload[8] = 3
	return mustBuild(seq, mavlink.MsgHeartbeat, payload)
}

func simSysStatus(seq uint8) *mavlink.Frame {
	payload := make([]byte, 31)
	binary.LittleEndian.PutUint16(payload[14:16], 12400)
	binary.LittleEndian.PutUint16(payload[16:18], 1250)
	payload[30] = 78
	return mustBuild(seq, mavlink.MsgSysStatus, payload)
}

func simGPS(seq uint8, tick int) *mavlink.Frame {
	payload := make([]byte, 30)
	lat := int32(557558000 + tick*10)
	lon := int32(376176000 + tick*10)
	binary.LittleEndian.PutUint32(payload[8:12], uint32(lat))
	binary.LittleEndian.PutUint32(payload[12:16], uint32(lon))
	binary.LittleEndian.PutUint32(payload[16:20], uint32(int32(50000+tick*100)))
	payload[28] = 3
	payload[29] = 14
	return mustBuild(seq, mavlink.MsgGPSRawInt, payload)
}

func simAttitude(seq uint8, tick int) *mavlink.Frame {
	payload := make([]byte, 28)
	putF32 := func(off int, v float32) {
		binary.LittleEndian.PutUint32(payload[off:off+4], math.Float32bits(v))
	}
	phase := float64(tick) / 20
	putF32(4, float32(0.05*math.Sin(phase)))
	putF32(8, float32(0.03*math.Cos(phase)))
	putF32(12, float32(math.Mod(phase, 2*math.Pi)))
	return mustBuild(seq, mavlink.MsgAttitude, payload)
}

func simVFRHUD(seq uint8, tick int) *mavlink.Frame {
	payload := make([]byte, 20)
	putF32 := func(off int, v float32) {
		binary.LittleEndian.PutUint32(payload[off:off+4], math.Float32bits(v))
	}
	putF32(0, 12.5)
	putF32(4, 11.8)
	putF32(8, float32(50+tick)/2)
	putF32(12, 0.4)
	binary.LittleEndian.PutUint16(payload[18:20], 55)
	return mustBuild(seq, mavlink.MsgVFRHUD, payload)
}
