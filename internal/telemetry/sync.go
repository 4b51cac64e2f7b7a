package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ironbrain/groundlink/internal/hub"
	"github.com/ironbrain/groundlink/internal/monitoring"
	"github.com/ironbrain/groundlink/internal/timeutil"
)

const (
	defaultSyncInterval = 5 * time.Second
	defaultBatchSize    = 50
	defaultSyncTimeout  = 10 * time.Second

	// readmitEveryCycles spaces out re-admission of failed records so a dead
	// endpoint does not churn the same batch every tick.
	readmitEveryCycles = 10

	ingestPath = "/ingest-telemetry"
)

// Metrics are the telemetry store's Prometheus instruments. A nil registerer
// produces unregistered instruments.
type Metrics struct {
	RecordsIn  prometheus.Counter
	Synced     prometheus.Counter
	SyncErrors prometheus.Counter
	Failed     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "telemetry",
			Name: "records_total", Help: "Telemetry records admitted to the buffer.",
		}),
		Synced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "telemetry",
			Name: "synced_records_total", Help: "Records acknowledged by the central server.",
		}),
		SyncErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "telemetry",
			Name: "sync_errors_total", Help: "Failed sync attempts.",
		}),
		Failed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "groundlink", Subsystem: "telemetry",
			Name: "dead_records_total", Help: "Records moved to the failed ring.",
		}),
	}
}

// FlightLogger persists records and sync outcomes to local storage. May be
// nil when the flight log is disabled.
type FlightLogger interface {
	LogRecord(rec Record) error
	LogSync(batchSize, statusCode int, elapsed time.Duration) error
}

// Config wires a Store. An empty BaseURL disables the sync loop; records
// still accumulate in the buffer.
type Config struct {
	BaseURL   string
	APIKey    string
	DroneID   string
	Interval  time.Duration
	BatchSize int
	Timeout   time.Duration

	HTTPClient *http.Client
	Clock      timeutil.Clock
	Realtime   *RealtimeClient
	FlightLog  FlightLogger
	Metrics    *Metrics
}

// Store ties the buffer to its producers and consumers: hub telemetry
// updates in, REST batches and realtime mirrors out.
type Store struct {
	buf     *Buffer
	cfg     Config
	clock   timeutil.Clock
	client  *http.Client
	metrics *Metrics
}

// NewStore builds a Store around buf.
func NewStore(buf *Buffer, cfg Config) *Store {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSyncInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSyncTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	return &Store{
		buf:     buf,
		cfg:     cfg,
		clock:   cfg.Clock,
		client:  cfg.HTTPClient,
		metrics: cfg.Metrics,
	}
}

// Buffer exposes the underlying buffer, mainly for stats surfaces.
func (s *Store) Buffer() *Buffer { return s.buf }

// Stats reports the buffer's current shape.
func (s *Store) Stats() BufferStats { return s.buf.Stats() }

// Run consumes hub telemetry updates and drives the periodic sync loop until
// ctx is canceled, then writes a final snapshot.
func (s *Store) Run(ctx context.Context, updates <-chan hub.TelemetryUpdate) error {
	var wg sync.WaitGroup
	if s.cfg.BaseURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.syncLoop(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			if err := s.buf.Save(); err != nil {
				monitoring.Logf("telemetry: final snapshot failed: %v", err)
			}
			return nil
		case u, ok := <-updates:
			if !ok {
				wg.Wait()
				if err := s.buf.Save(); err != nil {
					monitoring.Logf("telemetry: final snapshot failed: %v", err)
				}
				return nil
			}
			s.intake(u)
		}
	}
}

func (s *Store) intake(u hub.TelemetryUpdate) {
	rec := NewRecord(s.cfg.DroneID, u.State.Telemetry(), u.CaptureTime)
	s.buf.Add(rec)
	s.metrics.RecordsIn.Inc()
	if s.cfg.FlightLog != nil {
		if err := s.cfg.FlightLog.LogRecord(rec); err != nil {
			monitoring.Logf("telemetry: flight log write failed: %v", err)
		}
	}
	if s.cfg.Realtime != nil {
		s.cfg.Realtime.Offer(rec)
	}
}

func (s *Store) syncLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			cycle++
			s.buf.EvictExpired()
			if cycle%readmitEveryCycles == 0 {
				if n := s.buf.Readmit(); n > 0 {
					monitoring.Logf("telemetry: re-admitted %d failed records", n)
				}
			}
			s.syncOnce(ctx)
		}
	}
}

// ingestBody is the POST payload for {BaseURL}/ingest-telemetry.
type ingestBody struct {
	Records   []Record `json:"records"`
	Timestamp float64  `json:"timestamp"`
	Source    string   `json:"source"`
}

func (s *Store) syncOnce(ctx context.Context) {
	batch := s.buf.PendingBatch(s.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}
	keys := make([]Key, len(batch))
	for i := range batch {
		keys[i] = batch[i].key()
	}

	start := s.clock.Now()
	status, err := s.post(ctx, batch)
	elapsed := s.clock.Now().Sub(start)

	if s.cfg.FlightLog != nil {
		if logErr := s.cfg.FlightLog.LogSync(len(batch), status, elapsed); logErr != nil {
			monitoring.Logf("telemetry: sync log write failed: %v", logErr)
		}
	}

	if err != nil || status < 200 || status >= 300 {
		before := s.buf.Stats().FailedRecords
		s.buf.MarkFailed(keys)
		s.metrics.SyncErrors.Inc()
		if moved := s.buf.Stats().FailedRecords - before; moved > 0 {
			s.metrics.Failed.Add(float64(moved))
		}
		if err != nil {
			monitoring.Logf("telemetry: sync of %d records failed: %v", len(batch), err)
		} else {
			monitoring.Logf("telemetry: sync of %d records rejected with HTTP %d", len(batch), status)
		}
		return
	}

	s.buf.MarkSynced(keys)
	s.metrics.Synced.Add(float64(len(batch)))
}

func (s *Store) post(ctx context.Context, batch []Record) (int, error) {
	body := ingestBody{
		Records:   batch,
		Timestamp: float64(s.clock.Now().UnixNano()) / 1e9,
		Source:    s.cfg.DroneID,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.BaseURL+ingestPath, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
