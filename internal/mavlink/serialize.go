package mavlink

import "fmt"

// GCS identity used for locally originated packets, matching the convention
// of ground stations (system 255, component 190).
const (
	GCSSystemID    = 255
	GCSComponentID = 190
)

// HEARTBEAT field values for a ground station.
const (
	mavTypeGCS          = 6 // MAV_TYPE_GCS
	mavAutopilotInvalid = 8 // MAV_AUTOPILOT_INVALID
	mavStateActive      = 4 // MAV_STATE_ACTIVE
	mavlinkVersion      = 3
)

// Build serializes a v2 packet with incompat and compat flags zero. The
// message id must have a known CRC_EXTRA; anything else cannot be checksummed
// locally and is rejected.
func Build(seq, systemID, componentID uint8, msgID uint32, payload []byte) (*Frame, error) {
	if len(payload) > 255 {
		return nil, fmt.Errorf("mavlink: payload length %d exceeds 255", len(payload))
	}
	extra, ok := crcExtra[msgID]
	if !ok {
		return nil, fmt.Errorf("mavlink: no CRC_EXTRA for message id %d", msgID)
	}

	raw := make([]byte, 0, headerLenV2+len(payload)+checksumLen)
	raw = append(raw,
		MagicV2,
		byte(len(payload)),
		0, // incompat_flags
		0, // compat_flags
		seq,
		systemID,
		componentID,
		byte(msgID), byte(msgID>>8), byte(msgID>>16),
	)
	raw = append(raw, payload...)
	sum := frameChecksum(raw[1:], extra)
	raw = append(raw, byte(sum), byte(sum>>8))

	return &Frame{
		Version:     V2,
		Seq:         seq,
		SystemID:    systemID,
		ComponentID: componentID,
		MsgID:       msgID,
		Payload:     raw[headerLenV2 : headerLenV2+len(payload)],
		Checksum:    sum,
		Raw:         raw,
	}, nil
}

// GCSHeartbeat builds the 1 Hz HEARTBEAT a ground station publishes toward
// the autopilot: type GCS, autopilot INVALID, state ACTIVE.
func GCSHeartbeat(seq uint8) *Frame {
	payload := []byte{
		0, 0, 0, 0, // custom_mode
		mavTypeGCS,
		mavAutopilotInvalid,
		0, // base_mode
		mavStateActive,
		mavlinkVersion,
	}
	f, err := Build(seq, GCSSystemID, GCSComponentID, MsgHeartbeat, payload)
	if err != nil {
		// MsgHeartbeat is always in the CRC_EXTRA table.
		panic(err)
	}
	return f
}
