// Package telemetry is the store-and-forward hop between hub-produced
// vehicle state and the central ingestion endpoint. Records are buffered in
// memory, checkpointed to disk, and drained over REST with retries; a
// realtime WebSocket side-channel mirrors fresh records on a best-effort
// basis.
package telemetry

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Record is one captured telemetry sample. Immutable after construction
// except for RetryCount and Synced; CaptureTime never changes on retry so
// the server can deduplicate on (vehicle_id, capture_time, nonce).
type Record struct {
	VehicleID   string         `json:"vehicle_id"`
	CaptureTime float64        `json:"capture_time"` // seconds since epoch
	Nonce       string         `json:"nonce"`
	Payload     map[string]any `json:"payload"`
	RetryCount  int            `json:"retry_count"`
	Synced      bool           `json:"synced"`
}

// Key identifies a record for idempotent marking.
type Key struct {
	CaptureTime float64
	Nonce       string
}

func (r *Record) key() Key {
	return Key{CaptureTime: r.CaptureTime, Nonce: r.Nonce}
}

// safetySet lists the numeric fields that must never reach the central
// server as null; missing values are normalized to zero.
var safetySet = map[string]bool{
	"battery_level": true,
	"altitude":      true,
	"speed":         true,
}

// NewRecord builds a sanitized record from a flattened state map.
func NewRecord(vehicleID string, state map[string]any, capturedAt time.Time) Record {
	return Record{
		VehicleID:   vehicleID,
		CaptureTime: float64(capturedAt.UnixNano()) / 1e9,
		Nonce:       uuid.NewString(),
		Payload:     Sanitize(state),
	}
}

// Sanitize rounds float values to 6 decimals and replaces nils in the safety
// set with zero. Other values pass through unchanged.
func Sanitize(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch n := v.(type) {
		case float64:
			out[k] = round6(n)
		case float32:
			out[k] = round6(float64(n))
		case nil:
			if safetySet[k] {
				out[k] = 0
			} else {
				out[k] = nil
			}
		default:
			out[k] = v
		}
	}
	return out
}

func round6(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*1e6) / 1e6
}
