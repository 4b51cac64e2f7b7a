package tcpserver

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// startUpstream runs a loopback upstream that hands each connection to
// handler.
func startUpstream(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("upstream Listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handler(conn)
		}
	}()
	return ln.Addr().String()
}

func startProxy(t *testing.T, upstreamAddr string) (*Proxy, string, context.CancelFunc) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(upstreamAddr)
	if err != nil {
		t.Fatalf("SplitHostPort failed: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	proxy := NewProxy(host, port, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("proxy Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		proxy.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return proxy, ln.Addr().String(), cancel
}

func TestProxyRelayBothDirections(t *testing.T) {
	upstreamAddr := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		// Echo with a prefix so direction is observable.
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(append([]byte("echo:"), buf[:n]...))
			}
			if err != nil {
				return
			}
		}
	})
	proxy, addr, _ := startProxy(t, upstreamAddr)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	msg := []byte("mavlink bytes")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	want := append([]byte("echo:"), msg...)
	got := make([]byte, len(want))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("client got %q, want %q", got, want)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := proxy.Stats()
		if s.BytesToUpstream == uint64(len(msg)) && s.BytesFromUpstream == uint64(len(want)) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s := proxy.Stats()
	if s.BytesToUpstream != uint64(len(msg)) {
		t.Errorf("BytesToUpstream = %d, want %d", s.BytesToUpstream, len(msg))
	}
	if s.BytesFromUpstream != uint64(len(want)) {
		t.Errorf("BytesFromUpstream = %d, want %d", s.BytesFromUpstream, len(want))
	}
	if s.Connections != 1 {
		t.Errorf("Connections = %d, want 1", s.Connections)
	}
}

func TestProxyHalfClose(t *testing.T) {
	sawEOF := make(chan struct{})
	upstreamAddr := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		// Drain until the client's FIN arrives, then keep talking.
		io.Copy(io.Discard, conn)
		close(sawEOF)
		conn.Write([]byte("after-fin"))
	})
	proxy, addr, _ := startProxy(t, upstreamAddr)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	client.Write([]byte("last words"))
	client.(*net.TCPConn).CloseWrite()

	select {
	case <-sawEOF:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never saw the propagated FIN")
	}

	// Data still flows upstream→client after the client's half-close.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if !bytes.Equal(got, []byte("after-fin")) {
		t.Errorf("client got %q after half-close, want %q", got, "after-fin")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && proxy.Stats().CleanCloses == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if s := proxy.Stats(); s.CleanCloses != 1 {
		t.Errorf("CleanCloses = %d, want 1 (stats %+v)", s.CleanCloses, s)
	}
}

func TestProxyUpstreamDown(t *testing.T) {
	// Grab a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	proxy, addr, _ := startProxy(t, deadAddr)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("client connection survived a dead upstream")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && proxy.Stats().Errors == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if proxy.Stats().Errors == 0 {
		t.Error("upstream dial failure not counted")
	}
	if proxy.Stats().Active != 0 {
		t.Errorf("Active = %d after failed pair, want 0", proxy.Stats().Active)
	}
}
