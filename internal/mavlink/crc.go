package mavlink

// CRC-16/MCRF4XX, the accumulator MAVLink uses for frame checksums.

const crcInit = 0xFFFF

func crcAccumulate(crc uint16, b byte) uint16 {
	tmp := b ^ byte(crc&0xFF)
	tmp ^= tmp << 4
	return (crc >> 8) ^ (uint16(tmp) << 8) ^ (uint16(tmp) << 3) ^ (uint16(tmp) >> 4)
}

func crcBytes(crc uint16, p []byte) uint16 {
	for _, b := range p {
		crc = crcAccumulate(crc, b)
	}
	return crc
}

// frameChecksum computes the packet checksum over the header (magic excluded)
// and payload, folding in the per-message CRC_EXTRA byte.
func frameChecksum(headerAndPayload []byte, extra byte) uint16 {
	crc := crcBytes(crcInit, headerAndPayload)
	return crcAccumulate(crc, extra)
}

// crcExtra holds the per-message CRC seed for the projected message set.
// Messages absent from this table are forwarded without checksum
// verification and cannot be serialized locally.
var crcExtra = map[uint32]byte{
	MsgHeartbeat:     50,
	MsgSysStatus:     124,
	MsgGPSRawInt:     24,
	MsgAttitude:      39,
	MsgVFRHUD:        20,
	MsgBatteryStatus: 154,
}

// CRCExtra returns the CRC_EXTRA byte for a message id, if known.
func CRCExtra(msgID uint32) (byte, bool) {
	extra, ok := crcExtra[msgID]
	return extra, ok
}
