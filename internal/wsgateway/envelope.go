package wsgateway

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/ironbrain/groundlink/internal/hub"
	"github.com/ironbrain/groundlink/internal/mavlink"
	"github.com/ironbrain/groundlink/internal/telemetry"
)

// Client→server envelope types.
const (
	typeMavlinkCommand = "mavlink_command"
	typeRequestStats   = "request_stats"
	typePing           = "ping"
)

// Server→client envelope types.
const (
	typeConnectionStatus = "connection_status"
	typeMavlinkMessage   = "mavlink_message"
	typeStatsUpdate      = "stats_update"
	typePong             = "pong"
)

// inboundEnvelope is the shape of every client→server message.
type inboundEnvelope struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command,omitempty"`
}

// commandPayload carries one raw frame, hex-encoded, to forward to the
// autopilot.
type commandPayload struct {
	Frame string `json:"frame"`
}

type connectionStatusMsg struct {
	Type      string       `json:"type"`
	Status    string       `json:"status"`
	Stats     statsPayload `json:"stats"`
	Timestamp float64      `json:"timestamp"`
}

type mavlinkMessageMsg struct {
	Type      string       `json:"type"`
	Message   frameSummary `json:"message"`
	Timestamp float64      `json:"timestamp"`
}

type frameSummary struct {
	MsgType string    `json:"msg_type"`
	Data    frameData `json:"data"`
}

type frameData struct {
	MsgID       uint32 `json:"msg_id"`
	Seq         uint8  `json:"seq"`
	SystemID    uint8  `json:"system_id"`
	ComponentID uint8  `json:"component_id"`
	Version     string `json:"version"`
	Raw         string `json:"raw"`
}

type statsUpdateMsg struct {
	Type      string       `json:"type"`
	Stats     statsPayload `json:"stats"`
	Timestamp float64      `json:"timestamp"`
}

// statsPayload merges the hub snapshot with the telemetry buffer stats, the
// two user-visible stats surfaces.
type statsPayload struct {
	Hub     hub.Snapshot           `json:"hub"`
	Vehicle map[string]any         `json:"vehicle"`
	Buffer  *telemetry.BufferStats `json:"buffer,omitempty"`
}

type pongMsg struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

func summarize(f *mavlink.Frame) frameSummary {
	return frameSummary{
		MsgType: mavlink.MessageName(f.MsgID),
		Data: frameData{
			MsgID:       f.MsgID,
			Seq:         f.Seq,
			SystemID:    f.SystemID,
			ComponentID: f.ComponentID,
			Version:     f.Version.String(),
			Raw:         hex.EncodeToString(f.Raw),
		},
	}
}

// wireTime is the numeric timestamp carried by every envelope: seconds since
// epoch as a double.
func wireTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
