// Command tunnel-proxy relays raw TCP byte streams to an upstream MAVLink
// endpoint, typically across a VPN hop. No frame parsing happens here; half
// closes propagate so either side can finish a transfer cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ironbrain/groundlink/internal/monitoring"
	"github.com/ironbrain/groundlink/internal/tcpserver"
)

var (
	listenPort   = flag.Int("listen-port", 14551, "Local TCP listen port")
	upstreamHost = flag.String("upstream-host", "", "Upstream host (required)")
	upstreamPort = flag.Int("upstream-port", 14550, "Upstream port")
	logLevel     = flag.String("log-level", "info", "Log verbosity (info or debug)")
)

const statsInterval = 30 * time.Second

func main() {
	flag.Parse()
	if err := monitoring.SetLevel(*logLevel); err != nil {
		log.Fatal(err)
	}
	if *upstreamHost == "" {
		log.Fatal("tunnel-proxy: -upstream-host is required")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	var gotInterrupt atomic.Bool
	go func() {
		s := <-sig
		gotInterrupt.Store(s == syscall.SIGINT)
		monitoring.Logf("tunnel-proxy: received %v, shutting down", s)
		cancel()
	}()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *listenPort))
	if err != nil {
		log.Fatalf("tunnel-proxy: cannot listen on port %d: %v", *listenPort, err)
	}

	proxy := tcpserver.NewProxy(*upstreamHost, *upstreamPort, nil)
	monitoring.Logf("tunnel-proxy: relaying :%d -> %s:%d", *listenPort, *upstreamHost, *upstreamPort)

	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := proxy.Stats()
				monitoring.Logf("tunnel-proxy: active=%d connections=%d up=%dB down=%dB errors=%d",
					s.Active, s.Connections, s.BytesToUpstream, s.BytesFromUpstream, s.Errors)
			}
		}
	}()

	if err := proxy.Serve(ctx, ln); err != nil && ctx.Err() == nil {
		log.Fatalf("tunnel-proxy: serve failed: %v", err)
	}
	monitoring.Logf("tunnel-proxy: shutdown complete")
	if gotInterrupt.Load() {
		os.Exit(130)
	}
}
