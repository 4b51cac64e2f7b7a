package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ironbrain/groundlink/internal/monitoring"
)

// upstreamConnectTimeout bounds the dial to the tunnel endpoint.
const upstreamConnectTimeout = 10 * time.Second

// copyBufferSize is the per-direction relay buffer. MAVLink frame boundaries
// are preserved by TCP itself; the relay never parses.
const copyBufferSize = 4096

// closeWriter is the half-close side of a TCP connection.
type closeWriter interface {
	CloseWrite() error
}

// Proxy is the tunnel-proxy mode: a raw byte relay between local clients and
// a fixed upstream (host, port), with half-close propagation in both
// directions.
type Proxy struct {
	upstreamHost string
	upstreamPort int
	metrics      *Metrics

	active       atomic.Int32
	conns        atomic.Uint64
	cleanCloses  atomic.Uint64
	errs         atomic.Uint64
	toUpstream   atomic.Uint64
	fromUpstream atomic.Uint64
}

// NewProxy creates a relay toward upstreamHost:upstreamPort. metrics may be
// nil.
func NewProxy(upstreamHost string, upstreamPort int, metrics *Metrics) *Proxy {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Proxy{
		upstreamHost: upstreamHost,
		upstreamPort: upstreamPort,
		metrics:      metrics,
	}
}

// ProxyStats is a point-in-time view of the relay counters.
type ProxyStats struct {
	Active            int32  `json:"active"`
	Connections       uint64 `json:"connections"`
	CleanCloses       uint64 `json:"clean_closes"`
	Errors            uint64 `json:"errors"`
	BytesToUpstream   uint64 `json:"bytes_to_upstream"`
	BytesFromUpstream uint64 `json:"bytes_from_upstream"`
}

func (p *Proxy) Stats() ProxyStats {
	return ProxyStats{
		Active:            p.active.Load(),
		Connections:       p.conns.Load(),
		CleanCloses:       p.cleanCloses.Load(),
		Errors:            p.errs.Load(),
		BytesToUpstream:   p.toUpstream.Load(),
		BytesFromUpstream: p.fromUpstream.Load(),
	}
}

// Serve accepts clients on ln until ctx is canceled, pairing each with its
// own upstream connection. An upstream failure terminates only that pair.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	upstream := net.JoinHostPort(p.upstreamHost, strconv.Itoa(p.upstreamPort))
	monitoring.Logf("proxy: relaying %s to %s", ln.Addr(), upstream)

	for {
		client, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.conns.Add(1)
		p.active.Add(1)
		p.metrics.Accepted.Inc()
		p.metrics.Active.Inc()
		go func() {
			defer func() {
				p.active.Add(-1)
				p.metrics.Active.Dec()
			}()
			p.relay(ctx, client, upstream)
		}()
	}
}

func (p *Proxy) relay(ctx context.Context, client net.Conn, upstreamAddr string) {
	defer client.Close()

	dialer := net.Dialer{Timeout: upstreamConnectTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", upstreamAddr)
	if err != nil {
		p.errs.Add(1)
		p.metrics.Errors.Inc()
		monitoring.Logf("proxy: upstream dial %s failed for %s: %v",
			upstreamAddr, client.RemoteAddr(), err)
		return
	}
	defer upstream.Close()

	// Shutdown tears both sockets down; the copy loops see the errors.
	stop := context.AfterFunc(ctx, func() {
		client.Close()
		upstream.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- p.copyHalf(upstream, client, &p.toUpstream, p.metrics.BytesToUpstream)
	}()
	go func() {
		defer wg.Done()
		errs <- p.copyHalf(client, upstream, &p.fromUpstream, p.metrics.BytesFromUpstream)
	}()
	wg.Wait()
	close(errs)

	clean := true
	for err := range errs {
		if err != nil {
			clean = false
			p.errs.Add(1)
			p.metrics.Errors.Inc()
			monitoring.Logf("proxy: relay for %s ended: %v", client.RemoteAddr(), err)
		}
	}
	if clean {
		p.cleanCloses.Add(1)
	}
}

// copyHalf moves bytes src→dst until EOF, then propagates the half-close so
// the other direction keeps flowing.
func (p *Proxy) copyHalf(dst, src net.Conn, counter *atomic.Uint64, metric prometheus.Counter) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write %s: %w", dst.RemoteAddr(), werr)
			}
			counter.Add(uint64(n))
			metric.Add(float64(n))
		}
		if err != nil {
			if cw, ok := dst.(closeWriter); ok {
				cw.CloseWrite()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read %s: %w", src.RemoteAddr(), err)
		}
	}
}
