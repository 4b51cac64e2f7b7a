package telemetry

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ironbrain/groundlink/internal/monitoring"
)

const (
	realtimeTopic     = "realtime:drones"
	realtimeQueueLen  = 64
	realtimeRedial    = 5 * time.Second
	realtimeWriteWait = 5 * time.Second
	realtimeHandshake = 30 * time.Second
)

// channelMessage is the phoenix-channel envelope spoken by the central
// server's realtime socket.
type channelMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// RealtimeClient mirrors fresh telemetry records to the central server over
// WebSocket. Strictly best effort: Offer never blocks, delivery is dropped
// while disconnected, and the dial loop retries forever.
type RealtimeClient struct {
	url string
	out chan Record

	connected atomic.Bool
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// NewRealtimeClient builds a client for the given ws:// or wss:// URL.
func NewRealtimeClient(url string) *RealtimeClient {
	return &RealtimeClient{
		url: url,
		out: make(chan Record, realtimeQueueLen),
	}
}

// Offer queues a record for mirroring, dropping the oldest queued record
// when the writer is behind.
func (c *RealtimeClient) Offer(rec Record) {
	select {
	case c.out <- rec:
		return
	default:
	}
	select {
	case <-c.out:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.out <- rec:
	default:
		c.dropped.Add(1)
	}
}

// Connected reports whether the channel join has completed.
func (c *RealtimeClient) Connected() bool { return c.connected.Load() }

// Sent returns the number of records delivered to the socket.
func (c *RealtimeClient) Sent() uint64 { return c.sent.Load() }

// Dropped returns the number of records discarded before delivery.
func (c *RealtimeClient) Dropped() uint64 { return c.dropped.Load() }

// Run dials, joins the drone topic, and pumps records until ctx is canceled.
func (c *RealtimeClient) Run(ctx context.Context) error {
	for {
		if err := c.session(ctx); err != nil {
			monitoring.Logf("realtime: session ended: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(realtimeRedial):
		}
	}
}

func (c *RealtimeClient) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: realtimeHandshake}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	join := channelMessage{
		Topic:   realtimeTopic,
		Event:   "phx_join",
		Payload: json.RawMessage("{}"),
		Ref:     "1",
	}
	conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
	if err := conn.WriteJSON(join); err != nil {
		return err
	}
	c.connected.Store(true)
	defer c.connected.Store(false)
	monitoring.Logf("realtime: joined %s on %s", realtimeTopic, c.url)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// Reads happen on their own goroutine, but every write goes through the
	// select below so there is a single writer on the socket.
	readErr := make(chan error, 1)
	pings := make(chan string, 4)
	go func() {
		for {
			var msg channelMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			if msg.Topic == "system" && msg.Event == "ping" {
				select {
				case pings <- msg.Ref:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case ref := <-pings:
			pong := channelMessage{Topic: "system", Event: "pong", Ref: ref}
			conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if err := conn.WriteJSON(pong); err != nil {
				return err
			}
		case rec := <-c.out:
			payload, err := json.Marshal(rec)
			if err != nil {
				c.dropped.Add(1)
				continue
			}
			msg := channelMessage{
				Topic:   realtimeTopic,
				Event:   "telemetry",
				Payload: payload,
			}
			conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return err
			}
			c.sent.Add(1)
		}
	}
}
