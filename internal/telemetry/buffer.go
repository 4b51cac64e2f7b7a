package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ironbrain/groundlink/internal/monitoring"
	"github.com/ironbrain/groundlink/internal/timeutil"
)

const (
	// DefaultMaxMemoryRecords bounds the in-memory ring; overflow evicts the
	// oldest record so fresh telemetry always wins.
	DefaultMaxMemoryRecords = 1000

	// failedCapacity bounds the dead-letter ring for records that exhausted
	// their sync retries.
	failedCapacity = 100

	// readmitBatch is how many failed records a re-admission pass moves back
	// into the memory ring.
	readmitBatch = 10

	// retentionWindow is how long synced records linger before eviction.
	retentionWindow = time.Hour

	// checkpointEvery forces a disk snapshot after this many intakes.
	checkpointEvery = 100

	// DefaultMaxRetries is the per-record sync attempt budget before the
	// record moves to the failed ring.
	DefaultMaxRetries = 3
)

// BufferStats is the externally visible shape of the buffer, reported on the
// WebSocket stats surfaces and persisted inside the snapshot file.
type BufferStats struct {
	TotalRecords  uint64  `json:"total_records"`
	PendingSync   int     `json:"pending_sync"`
	FailedRecords int     `json:"failed_records"`
	SizeBytes     int     `json:"size_bytes"`
	LastSyncTime  float64 `json:"last_sync_time"`
	SyncFailures  uint64  `json:"sync_failures"`
}

// snapshotFile is the on-disk checkpoint format.
type snapshotFile struct {
	MemoryBuffer []Record    `json:"memory_buffer"`
	FailedBuffer []Record    `json:"failed_buffer"`
	Stats        BufferStats `json:"stats"`
	SavedAt      float64     `json:"saved_at"`
}

// Buffer is the store-and-forward core: a bounded memory ring of pending and
// recently synced records, a bounded dead-letter ring, and a JSON snapshot
// on disk. Safe for concurrent use.
type Buffer struct {
	path       string
	clock      timeutil.Clock
	maxRecords int
	maxRetries int

	mu              sync.Mutex
	memory          []Record // capture-time order
	failed          []Record
	total           uint64
	syncFailures    uint64
	lastSync        time.Time
	sinceCheckpoint int
}

// NewBuffer opens (or creates) the buffer backed by the snapshot at path.
// An empty path disables persistence. A corrupt snapshot is quarantined to
// path+".bad" and the buffer starts empty.
func NewBuffer(path string, clock timeutil.Clock) *Buffer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	b := &Buffer{
		path:       path,
		clock:      clock,
		maxRecords: DefaultMaxMemoryRecords,
		maxRetries: DefaultMaxRetries,
	}
	if path != "" {
		b.load()
	}
	return b
}

func (b *Buffer) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			monitoring.Logf("telemetry: cannot read buffer file %s: %v", b.path, err)
		}
		return
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		bad := b.path + ".bad"
		if renameErr := os.Rename(b.path, bad); renameErr != nil {
			monitoring.Logf("telemetry: corrupt buffer file %s (%v), quarantine failed: %v",
				b.path, err, renameErr)
		} else {
			monitoring.Logf("telemetry: corrupt buffer file %s (%v), moved to %s",
				b.path, err, bad)
		}
		return
	}
	b.memory = snap.MemoryBuffer
	b.failed = snap.FailedBuffer
	b.total = snap.Stats.TotalRecords
	b.syncFailures = snap.Stats.SyncFailures
	if snap.Stats.LastSyncTime > 0 {
		sec := int64(snap.Stats.LastSyncTime)
		nsec := int64((snap.Stats.LastSyncTime - float64(sec)) * 1e9)
		b.lastSync = time.Unix(sec, nsec)
	}
	monitoring.Logf("telemetry: restored %d pending and %d failed records from %s",
		countPending(b.memory), len(b.failed), b.path)
}

func countPending(recs []Record) int {
	n := 0
	for i := range recs {
		if !recs[i].Synced {
			n++
		}
	}
	return n
}

// Add admits one record, evicting the oldest when the ring is full. A disk
// checkpoint is written every checkpointEvery admissions.
func (b *Buffer) Add(rec Record) {
	b.mu.Lock()
	b.memory = append(b.memory, rec)
	if len(b.memory) > b.maxRecords {
		b.memory = b.memory[1:]
	}
	b.total++
	b.sinceCheckpoint++
	checkpoint := b.sinceCheckpoint >= checkpointEvery
	if checkpoint {
		b.sinceCheckpoint = 0
	}
	var err error
	if checkpoint && b.path != "" {
		err = b.saveLocked()
	}
	b.mu.Unlock()
	if err != nil {
		monitoring.Logf("telemetry: checkpoint failed: %v", err)
	}
}

// PendingBatch returns up to n unsynced records in capture-time order.
func (b *Buffer) PendingBatch(n int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := make([]Record, 0, n)
	for i := range b.memory {
		if b.memory[i].Synced {
			continue
		}
		batch = append(batch, b.memory[i])
		if len(batch) == n {
			break
		}
	}
	return batch
}

// MarkSynced flags the identified records as delivered. Records already
// synced or no longer present are ignored.
func (b *Buffer) MarkSynced(keys []Key) {
	if len(keys) == 0 {
		return
	}
	set := make(map[Key]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.memory {
		if set[b.memory[i].key()] {
			b.memory[i].Synced = true
			b.memory[i].RetryCount = 0
		}
	}
	b.lastSync = b.clock.Now()
}

// MarkFailed bumps retry counters for the identified records; any record
// that exhausts its budget moves to the failed ring.
func (b *Buffer) MarkFailed(keys []Key) {
	if len(keys) == 0 {
		return
	}
	set := make(map[Key]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncFailures++
	kept := b.memory[:0]
	for i := range b.memory {
		rec := b.memory[i]
		if set[rec.key()] && !rec.Synced {
			rec.RetryCount++
			if rec.RetryCount >= b.maxRetries {
				b.failed = append(b.failed, rec)
				if len(b.failed) > failedCapacity {
					b.failed = b.failed[1:]
				}
				continue
			}
		}
		kept = append(kept, rec)
	}
	b.memory = kept
}

// Readmit moves up to readmitBatch failed records back into the memory ring
// with a fresh retry budget.
func (b *Buffer) Readmit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := readmitBatch
	if n > len(b.failed) {
		n = len(b.failed)
	}
	for i := 0; i < n; i++ {
		rec := b.failed[i]
		rec.RetryCount = 0
		b.memory = append(b.memory, rec)
		if len(b.memory) > b.maxRecords {
			b.memory = b.memory[1:]
		}
	}
	b.failed = b.failed[n:]
	return n
}

// EvictExpired drops synced records older than the retention window.
func (b *Buffer) EvictExpired() int {
	cutoff := float64(b.clock.Now().Add(-retentionWindow).UnixNano()) / 1e9
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.memory[:0]
	evicted := 0
	for i := range b.memory {
		rec := b.memory[i]
		if rec.Synced && rec.CaptureTime < cutoff {
			evicted++
			continue
		}
		kept = append(kept, rec)
	}
	b.memory = kept
	return evicted
}

// Stats reports the buffer's current shape.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *Buffer) statsLocked() BufferStats {
	s := BufferStats{
		TotalRecords:  b.total,
		PendingSync:   countPending(b.memory),
		FailedRecords: len(b.failed),
		SyncFailures:  b.syncFailures,
	}
	if !b.lastSync.IsZero() {
		s.LastSyncTime = float64(b.lastSync.UnixNano()) / 1e9
	}
	for i := range b.memory {
		s.SizeBytes += approxSize(&b.memory[i])
	}
	for i := range b.failed {
		s.SizeBytes += approxSize(&b.failed[i])
	}
	return s
}

// approxSize estimates a record's serialized footprint without a marshal per
// stats call.
func approxSize(r *Record) int {
	n := 96 + len(r.VehicleID) + len(r.Nonce)
	for k, v := range r.Payload {
		n += len(k) + 8
		if s, ok := v.(string); ok {
			n += len(s)
		}
	}
	return n
}

// Save writes the snapshot file. Called on clean shutdown and at checkpoint
// boundaries.
func (b *Buffer) Save() error {
	if b.path == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saveLocked()
}

func (b *Buffer) saveLocked() error {
	snap := snapshotFile{
		MemoryBuffer: b.memory,
		FailedBuffer: b.failed,
		Stats:        b.statsLocked(),
		SavedAt:      float64(b.clock.Now().UnixNano()) / 1e9,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
