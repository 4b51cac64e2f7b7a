// Command groundlink runs the onboard ground-to-cloud telemetry daemon: it
// owns the autopilot serial link, fans MAVLink frames out to TCP and
// WebSocket clients, and ships telemetry to the central server with
// store-and-forward buffering.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ironbrain/groundlink/internal/autopilot"
	"github.com/ironbrain/groundlink/internal/flightlog"
	"github.com/ironbrain/groundlink/internal/hub"
	"github.com/ironbrain/groundlink/internal/monitoring"
	"github.com/ironbrain/groundlink/internal/tcpserver"
	"github.com/ironbrain/groundlink/internal/telemetry"
	"github.com/ironbrain/groundlink/internal/version"
	"github.com/ironbrain/groundlink/internal/wsgateway"
)

var (
	device       = flag.String("device", "/dev/ttyACM0", "Autopilot serial device")
	baud         = flag.Int("baud", 921600, "Serial baud rate")
	tcpListen    = flag.String("tcp-listen", ":14550", "MAVLink TCP listen address")
	wsListen     = flag.String("ws-listen", ":8765", "WebSocket gateway listen address")
	listen       = flag.String("listen", ":8080", "Admin HTTP listen address")
	maxClients   = flag.Int("max-clients", tcpserver.DefaultMaxClients, "Maximum concurrent TCP clients")
	bufferFile   = flag.String("buffer-file", "/tmp/telemetry_buffer.json", "Telemetry buffer snapshot path")
	flightlogDB  = flag.String("flightlog", "", "Flight log SQLite path (empty disables)")
	centralURL   = flag.String("central-url", "", "Central server base URL (empty disables sync)")
	centralWSURL = flag.String("central-ws-url", "", "Central server realtime WebSocket URL (empty disables)")
	droneID      = flag.String("drone-id", "drone-1", "Identifier reported to the central server")
	devMode      = flag.Bool("dev", false, "Run against a simulated autopilot")
	logLevel     = flag.String("log-level", "info", "Log verbosity (info or debug)")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

const statsInterval = 30 * time.Second

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("groundlink", version.String())
		return
	}
	if err := monitoring.SetLevel(*logLevel); err != nil {
		log.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	var gotInterrupt atomic.Bool
	go func() {
		s := <-sig
		gotInterrupt.Store(s == syscall.SIGINT)
		monitoring.Logf("groundlink: received %v, shutting down", s)
		cancel()
	}()

	var factory autopilot.PortFactory
	if *devMode {
		monitoring.Logf("groundlink: dev mode, using simulated autopilot")
		factory = autopilot.SimulatedFactory{}
	} else {
		factory = autopilot.RealPortFactory{}
	}
	link := autopilot.New(factory, *device, autopilot.PortOptions{BaudRate: *baud}, nil)

	reg := prometheus.DefaultRegisterer
	h := hub.New(link, nil, hub.NewMetrics(reg))

	buf := telemetry.NewBuffer(*bufferFile, nil)
	storeCfg := telemetry.Config{
		BaseURL: *centralURL,
		APIKey:  os.Getenv("GROUNDLINK_API_KEY"),
		DroneID: *droneID,
		Metrics: telemetry.NewMetrics(reg),
	}
	var flog *flightlog.DB
	if *flightlogDB != "" {
		var err error
		flog, err = flightlog.Open(*flightlogDB)
		if err != nil {
			log.Fatalf("groundlink: cannot open flight log: %v", err)
		}
		defer flog.Close()
		storeCfg.FlightLog = flog
	}
	var realtime *telemetry.RealtimeClient
	if *centralWSURL != "" {
		realtime = telemetry.NewRealtimeClient(*centralWSURL)
		storeCfg.Realtime = realtime
	}
	store := telemetry.NewStore(buf, storeCfg)

	tcpSrv := tcpserver.NewServer(h, *maxClients, tcpserver.NewMetrics(reg))
	tcpLn, err := net.Listen("tcp", *tcpListen)
	if err != nil {
		log.Fatalf("groundlink: cannot listen on %s: %v", *tcpListen, err)
	}

	gateway := wsgateway.New(wsgateway.Config{Hub: h, Buffer: buf})
	wsSrv := &http.Server{Addr: *wsListen, Handler: gateway}

	adminMux := http.NewServeMux()
	h.AttachAdminRoutes(adminMux)
	if flog != nil {
		if err := flog.AttachAdminRoutes(adminMux); err != nil {
			log.Fatalf("groundlink: cannot attach flight log routes: %v", err)
		}
	}
	adminMux.Handle("/metrics", promhttp.Handler())
	adminSrv := &http.Server{Addr: *listen, Handler: adminMux}

	var wg sync.WaitGroup
	run := func(name string, f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("groundlink: %s exited: %v", name, err)
			}
		}()
	}

	run("link", link.Run)
	run("hub", h.Run)
	run("tcp server", func(ctx context.Context) error { return tcpSrv.Serve(ctx, tcpLn) })
	run("gateway", gateway.Run)
	run("telemetry store", func(ctx context.Context) error { return store.Run(ctx, h.Telemetry()) })
	if realtime != nil {
		run("realtime", realtime.Run)
	}
	run("stats reporter", func(ctx context.Context) error {
		reportStats(ctx, h, tcpSrv, gateway, buf)
		return nil
	})

	serveHTTP := func(name string, srv *http.Server) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				monitoring.Logf("groundlink: %s server failed: %v", name, err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}
	serveHTTP("websocket", wsSrv)
	serveHTTP("admin", adminSrv)

	monitoring.Logf("groundlink: %s up (device=%s tcp=%s ws=%s admin=%s)",
		version.String(), *device, *tcpListen, *wsListen, *listen)
	wg.Wait()
	monitoring.Logf("groundlink: shutdown complete")
	if gotInterrupt.Load() {
		os.Exit(130)
	}
}

// reportStats logs a one-line operational summary every 30 seconds.
func reportStats(ctx context.Context, h *hub.Hub, tcpSrv *tcpserver.Server, gw *wsgateway.Gateway, buf *telemetry.Buffer) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := h.Snapshot()
			tcp := tcpSrv.Stats()
			b := buf.Stats()
			monitoring.Logf("groundlink: link=%s frames_in=%d sessions=%d tcp_active=%d ws_clients=%d "+
				"telemetry_pending=%d telemetry_failed=%d",
				snap.Link.State, snap.FramesIn, len(snap.Sessions), tcp.Active,
				gw.ClientCount(), b.PendingSync, b.FailedRecords)
		}
	}
}
