// Command ws-bridge serves the browser WebSocket protocol against an
// upstream TCP MAVLink endpoint. It is the remote half of the fabric: the
// same gateway as the onboard daemon, fed by a TCP link instead of a serial
// port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ironbrain/groundlink/internal/autopilot"
	"github.com/ironbrain/groundlink/internal/hub"
	"github.com/ironbrain/groundlink/internal/monitoring"
	"github.com/ironbrain/groundlink/internal/wsgateway"
)

var (
	wsPort       = flag.Int("ws-port", 8765, "WebSocket listen port")
	upstreamHost = flag.String("upstream-host", "", "Upstream MAVLink host (required)")
	upstreamPort = flag.Int("upstream-port", 14550, "Upstream MAVLink port")
	logLevel     = flag.String("log-level", "info", "Log verbosity (info or debug)")
)

func main() {
	flag.Parse()
	if err := monitoring.SetLevel(*logLevel); err != nil {
		log.Fatal(err)
	}
	if *upstreamHost == "" {
		log.Fatal("ws-bridge: -upstream-host is required")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	var gotInterrupt atomic.Bool
	go func() {
		s := <-sig
		gotInterrupt.Store(s == syscall.SIGINT)
		monitoring.Logf("ws-bridge: received %v, shutting down", s)
		cancel()
	}()

	link := autopilot.NewTCPLink(fmt.Sprintf("%s:%d", *upstreamHost, *upstreamPort))
	h := hub.New(link, nil, nil)
	gateway := wsgateway.New(wsgateway.Config{Hub: h})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *wsPort),
		Handler: gateway,
	}

	var wg sync.WaitGroup
	run := func(name string, f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("ws-bridge: %s exited: %v", name, err)
			}
		}()
	}
	run("link", link.Run)
	run("hub", h.Run)
	run("gateway", gateway.Run)

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	monitoring.Logf("ws-bridge: serving :%d against %s:%d", *wsPort, *upstreamHost, *upstreamPort)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("ws-bridge: serve failed: %v", err)
	}
	wg.Wait()
	monitoring.Logf("ws-bridge: shutdown complete")
	if gotInterrupt.Load() {
		os.Exit(130)
	}
}
