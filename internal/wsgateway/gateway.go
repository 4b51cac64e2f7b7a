// Package wsgateway serves browser clients a JSON envelope protocol over
// WebSocket and bridges them to the hub.
package wsgateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ironbrain/groundlink/internal/hub"
	"github.com/ironbrain/groundlink/internal/mavlink"
	"github.com/ironbrain/groundlink/internal/monitoring"
	"github.com/ironbrain/groundlink/internal/telemetry"
	"github.com/ironbrain/groundlink/internal/timeutil"
)

const (
	defaultPingInterval  = 30 * time.Second
	defaultPingTimeout   = 10 * time.Second
	defaultStatsInterval = 30 * time.Second
	handshakeTimeout     = 30 * time.Second

	// outboundQueueLen bounds each client's JSON envelope queue; overflow
	// drops the oldest envelope.
	outboundQueueLen = 64

	writeTimeout = 10 * time.Second
)

// Broker is the gateway's view of the hub.
type Broker interface {
	Register(s *hub.Session)
	Unregister(s *hub.Session)
	SubmitCommand(s *hub.Session, f *mavlink.Frame) error
	Snapshot() hub.Snapshot
}

// BufferStatser exposes the telemetry store's stats for the stats envelopes.
type BufferStatser interface {
	Stats() telemetry.BufferStats
}

// Config wires a Gateway. Buffer and Clock may be nil; zero durations select
// the defaults.
type Config struct {
	Hub           Broker
	Buffer        BufferStatser
	Clock         timeutil.Clock
	PingInterval  time.Duration
	PingTimeout   time.Duration
	StatsInterval time.Duration
}

// Gateway upgrades HTTP requests to WebSocket sessions and pumps envelopes.
type Gateway struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	return &Gateway{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// Browser mission planners are served from other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Run broadcasts stats_update envelopes until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := g.cfg.Clock.NewTicker(g.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.closeAll()
			return nil
		case <-ticker.C():
			update := statsUpdateMsg{
				Type:      typeStatsUpdate,
				Stats:     g.statsPayload(),
				Timestamp: wireTime(g.cfg.Clock.Now()),
			}
			g.mu.Lock()
			for c := range g.clients {
				c.enqueue(update, 0)
			}
			g.mu.Unlock()
		}
	}
}

// ServeHTTP upgrades the request and runs the session until the socket dies.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	session := hub.NewSession(hub.TransportWebSocket, r.RemoteAddr)
	c := &client{
		gw:      g,
		conn:    conn,
		session: session,
		out:     make(chan outbound, outboundQueueLen),
		done:    make(chan struct{}),
	}

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	g.cfg.Hub.Register(session)

	c.enqueue(connectionStatusMsg{
		Type:      typeConnectionStatus,
		Status:    g.cfg.Hub.Snapshot().Link.State,
		Stats:     g.statsPayload(),
		Timestamp: wireTime(g.cfg.Clock.Now()),
	}, 0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.framePump()
	}()
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	c.readPump()
	c.teardown()
	wg.Wait()

	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

// ClientCount returns the number of attached WebSocket clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) statsPayload() statsPayload {
	snap := g.cfg.Hub.Snapshot()
	p := statsPayload{
		Hub:     snap,
		Vehicle: snap.Vehicle.Telemetry(),
	}
	if g.cfg.Buffer != nil {
		stats := g.cfg.Buffer.Stats()
		p.Buffer = &stats
	}
	return p
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()
	for _, c := range clients {
		c.teardown()
	}
}

// outbound pairs an envelope with the wire size of the frame it carries;
// frameBytes is zero for non-frame envelopes.
type outbound struct {
	msg        any
	frameBytes int
}

type client struct {
	gw      *Gateway
	conn    *websocket.Conn
	session *hub.Session
	out     chan outbound

	done     chan struct{}
	doneOnce sync.Once
}

// teardown detaches the session and closes the socket. Idempotent; callable
// from any of the client's goroutines.
func (c *client) teardown() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.gw.cfg.Hub.Unregister(c.session)
		c.conn.Close()
	})
}

// enqueue offers an envelope to the writer, dropping the oldest pending
// envelope when the client cannot keep up. Every discarded envelope counts
// against the session's drop counter.
func (c *client) enqueue(msg any, frameBytes int) {
	e := outbound{msg: msg, frameBytes: frameBytes}
	select {
	case c.out <- e:
		return
	default:
	}
	select {
	case <-c.out:
		c.session.NoteDrop()
	default:
	}
	select {
	case c.out <- e:
	default:
		c.session.NoteDrop()
	}
}

// framePump converts hub frames into mavlink_message envelopes. Exits when
// the hub closes the session queue.
func (c *client) framePump() {
	for f := range c.session.Frames() {
		c.enqueue(mavlinkMessageMsg{
			Type:      typeMavlinkMessage,
			Message:   summarize(f),
			Timestamp: wireTime(c.gw.cfg.Clock.Now()),
		}, len(f.Raw))
	}
	c.teardown()
}

// writePump owns the socket's write side: queued envelopes plus the WS-level
// ping keepalive.
func (c *client) writePump() {
	pinger := c.gw.cfg.Clock.NewTicker(c.gw.cfg.PingInterval)
	defer pinger.Stop()
	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeTimeout))
			return
		case e := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(e.msg); err != nil {
				c.teardown()
				return
			}
			if e.frameBytes > 0 {
				// Frame delivery counts only once the socket write lands.
				c.session.NoteWrite(e.frameBytes, 1)
			}
		case <-pinger.C():
			deadline := time.Now().Add(c.gw.cfg.PingTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.teardown()
				return
			}
		}
	}
}

// readPump owns the socket's read side and dispatches inbound envelopes.
func (c *client) readPump() {
	idle := c.gw.cfg.PingInterval + c.gw.cfg.PingTimeout
	c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	for {
		var env inboundEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(idle))
		c.session.Touch(c.gw.cfg.Clock.Now())

		switch env.Type {
		case typeMavlinkCommand:
			c.handleCommand(env)
		case typeRequestStats:
			c.enqueue(statsUpdateMsg{
				Type:      typeStatsUpdate,
				Stats:     c.gw.statsPayload(),
				Timestamp: wireTime(c.gw.cfg.Clock.Now()),
			}, 0)
		case typePing:
			c.enqueue(pongMsg{
				Type:      typePong,
				Timestamp: wireTime(c.gw.cfg.Clock.Now()),
			}, 0)
		default:
			monitoring.Logf("wsgateway: %s sent unknown envelope type %q",
				c.session.Remote(), env.Type)
		}
	}
}

func (c *client) handleCommand(env inboundEnvelope) {
	var cmd commandPayload
	if len(env.Command) > 0 {
		if err := json.Unmarshal(env.Command, &cmd); err != nil {
			monitoring.Logf("wsgateway: %s sent malformed command: %v", c.session.Remote(), err)
			return
		}
	}
	raw, err := hex.DecodeString(strings.TrimSpace(cmd.Frame))
	if err != nil || len(raw) == 0 {
		monitoring.Logf("wsgateway: %s sent command without a valid frame", c.session.Remote())
		return
	}
	status, f, _, err := mavlink.Parse(raw)
	if status != mavlink.StatusFrame {
		monitoring.Logf("wsgateway: %s sent undecodable frame: %v", c.session.Remote(), err)
		return
	}
	c.session.NoteRead(len(raw), 1)
	if err := c.gw.cfg.Hub.SubmitCommand(c.session, f.Clone()); err != nil {
		monitoring.Logf("wsgateway: command from %s rejected: %v", c.session.Remote(), err)
	}
}
