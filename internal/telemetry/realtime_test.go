package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// startRealtimeServer runs a loopback phoenix-style socket recording every
// channel message it receives.
func startRealtimeServer(t *testing.T) (string, func() []channelMessage) {
	t.Helper()
	var mu sync.Mutex
	var msgs []channelMessage
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg channelMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			mu.Lock()
			msgs = append(msgs, msg)
			mu.Unlock()
			if msg.Topic == realtimeTopic && msg.Event == "phx_join" {
				// Probe the client's liveness reply once joined.
				conn.WriteJSON(channelMessage{Topic: "system", Event: "ping", Ref: "7"})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), func() []channelMessage {
		mu.Lock()
		defer mu.Unlock()
		return append([]channelMessage(nil), msgs...)
	}
}

func waitForMessages(t *testing.T, fetch func() []channelMessage, want int) []channelMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := fetch(); len(msgs) >= want {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server saw %d messages, want %d", len(fetch()), want)
	return nil
}

func TestRealtimeJoinMirrorAndPong(t *testing.T) {
	url, messages := startRealtimeServer(t)
	client := NewRealtimeClient(url)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !client.Connected() {
		time.Sleep(5 * time.Millisecond)
	}
	if !client.Connected() {
		t.Fatal("client never joined")
	}

	rec := makeRecord(testClock(), 1)
	client.Offer(rec)

	// Join, pong, telemetry.
	msgs := waitForMessages(t, messages, 3)
	if msgs[0].Event != "phx_join" || msgs[0].Topic != realtimeTopic {
		t.Errorf("first message = %+v, want phx_join on %s", msgs[0], realtimeTopic)
	}

	var sawPong, sawTelemetry bool
	for _, m := range msgs[1:] {
		switch {
		case m.Topic == "system" && m.Event == "pong":
			if m.Ref != "7" {
				t.Errorf("pong ref = %q, want 7", m.Ref)
			}
			sawPong = true
		case m.Topic == realtimeTopic && m.Event == "telemetry":
			var got Record
			if err := json.Unmarshal(m.Payload, &got); err != nil {
				t.Fatalf("telemetry payload undecodable: %v", err)
			}
			if got.Nonce != rec.Nonce {
				t.Errorf("mirrored nonce = %q, want %q", got.Nonce, rec.Nonce)
			}
			sawTelemetry = true
		}
	}
	if !sawPong {
		t.Error("server never received a pong")
	}
	if !sawTelemetry {
		t.Error("server never received the mirrored record")
	}
	if client.Sent() == 0 {
		t.Error("Sent counter not incremented")
	}
}

func TestRealtimeOfferNeverBlocks(t *testing.T) {
	// No Run loop; the queue just fills and rolls over.
	client := NewRealtimeClient("ws://127.0.0.1:0/never")
	for i := 0; i < realtimeQueueLen*3; i++ {
		client.Offer(makeRecord(testClock(), i))
	}
	if client.Dropped() == 0 {
		t.Error("overflow not counted as drops")
	}
}
