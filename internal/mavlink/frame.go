// Package mavlink implements framing, parsing and emission of MAVLink v1/v2
// packets, plus the projection of a small message set onto vehicle state.
//
// The codec is deliberately dialect-light: it understands the wire framing of
// every MAVLink message but only decodes the handful of telemetry messages the
// ground station projects (see decode.go). Everything else is carried through
// byte-for-byte.
package mavlink

import (
	"fmt"
)

// Magic bytes marking the start of a packet.
const (
	MagicV1 = 0xFE
	MagicV2 = 0xFD
)

// Header and trailer sizes.
const (
	headerLenV1  = 6
	headerLenV2  = 10
	checksumLen  = 2
	signatureLen = 13

	// MaxFrameLen is the largest possible v2 packet: header, full payload,
	// checksum and signature.
	MaxFrameLen = headerLenV2 + 255 + checksumLen + signatureLen
)

// IncompatFlagSigned is the v2 incompat_flags bit indicating a trailing
// 13-byte signature block.
const IncompatFlagSigned = 0x01

// Version identifies the wire protocol revision of a frame.
type Version uint8

const (
	V1 Version = 1
	V2 Version = 2
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	}
	return fmt.Sprintf("v%d", uint8(v))
}

// Frame is a parsed MAVLink packet. Raw holds the exact bytes the frame was
// parsed from (or serialized to); forwarding a frame to another transport
// writes Raw unchanged so that signatures and unknown payloads survive intact.
type Frame struct {
	Version       Version
	Seq           uint8
	SystemID      uint8
	ComponentID   uint8
	MsgID         uint32 // 24-bit in v2, 8-bit in v1
	IncompatFlags uint8  // v2 only
	CompatFlags   uint8  // v2 only
	Payload       []byte
	Checksum      uint16
	Signature     []byte // 13 bytes when IncompatFlags&IncompatFlagSigned is set
	Raw           []byte
}

// Signed reports whether the frame carries a v2 signature block. The block is
// passed through unvalidated.
func (f *Frame) Signed() bool {
	return f.Version == V2 && f.IncompatFlags&IncompatFlagSigned != 0
}

// ErrorKind classifies parse failures.
type ErrorKind int

const (
	BadMagic ErrorKind = iota
	ShortHeader
	ShortPayload
	BadChecksum
	Truncated
)

func (k ErrorKind) String() string {
	switch k {
	case BadMagic:
		return "bad magic"
	case ShortHeader:
		return "short header"
	case ShortPayload:
		return "short payload"
	case BadChecksum:
		return "bad checksum"
	case Truncated:
		return "truncated"
	}
	return "unknown"
}

// ParseError describes why a byte range could not be parsed as a frame.
type ParseError struct {
	Kind   ErrorKind
	Offset int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("mavlink: %s at offset %d", e.Kind, e.Offset)
}

// Status is the outcome of a single Parse call.
type Status int

const (
	// StatusFrame: a complete frame was parsed; consumed covers it.
	StatusFrame Status = iota
	// StatusNeedMore: the buffer may hold the start of a frame but not all
	// of it; consumed is zero.
	StatusNeedMore
	// StatusResync: consumed bytes were junk (no magic, or a spurious magic
	// whose checksum failed) and must be discarded before retrying.
	StatusResync
)

// Parse scans buf for one frame starting at offset zero.
//
// The returned frame's Payload, Signature and Raw slices alias buf; callers
// that retain the frame past the next buffer mutation must Clone it first.
//
// Checksum policy: a failed checksum consumes exactly one byte past the
// presumed magic, on the assumption that the magic itself was line noise.
// Messages without a known CRC_EXTRA are forwarded without verification.
func Parse(buf []byte) (Status, *Frame, int, error) {
	if len(buf) == 0 {
		return StatusNeedMore, nil, 0, nil
	}

	// Discard everything before the first magic byte.
	if buf[0] != MagicV1 && buf[0] != MagicV2 {
		off := 1
		for off < len(buf) && buf[off] != MagicV1 && buf[off] != MagicV2 {
			off++
		}
		return StatusResync, nil, off, &ParseError{Kind: BadMagic, Offset: 0}
	}

	switch buf[0] {
	case MagicV2:
		return parseV2(buf)
	default:
		return parseV1(buf)
	}
}

func parseV2(buf []byte) (Status, *Frame, int, error) {
	if len(buf) < headerLenV2 {
		return StatusNeedMore, nil, 0, nil
	}

	payloadLen := int(buf[1])
	incompat := buf[2]
	sigLen := 0
	if incompat&IncompatFlagSigned != 0 {
		sigLen = signatureLen
	}
	total := headerLenV2 + payloadLen + checksumLen + sigLen
	if len(buf) < total {
		return StatusNeedMore, nil, 0, nil
	}

	msgID := uint32(buf[7]) | uint32(buf[8])<<8 | uint32(buf[9])<<16
	got := uint16(buf[headerLenV2+payloadLen]) | uint16(buf[headerLenV2+payloadLen+1])<<8

	if extra, ok := crcExtra[msgID]; ok {
		want := frameChecksum(buf[1:headerLenV2+payloadLen], extra)
		if want != got {
			return StatusResync, nil, 1, &ParseError{Kind: BadChecksum, Offset: 0}
		}
	}

	f := &Frame{
		Version:       V2,
		IncompatFlags: incompat,
		CompatFlags:   buf[3],
		Seq:           buf[4],
		SystemID:      buf[5],
		ComponentID:   buf[6],
		MsgID:         msgID,
		Payload:       buf[headerLenV2 : headerLenV2+payloadLen],
		Checksum:      got,
		Raw:           buf[:total],
	}
	if sigLen > 0 {
		f.Signature = buf[total-signatureLen : total]
	}
	return StatusFrame, f, total, nil
}

func parseV1(buf []byte) (Status, *Frame, int, error) {
	if len(buf) < headerLenV1 {
		return StatusNeedMore, nil, 0, nil
	}

	payloadLen := int(buf[1])
	total := headerLenV1 + payloadLen + checksumLen
	if len(buf) < total {
		return StatusNeedMore, nil, 0, nil
	}

	msgID := uint32(buf[5])
	got := uint16(buf[headerLenV1+payloadLen]) | uint16(buf[headerLenV1+payloadLen+1])<<8

	if extra, ok := crcExtra[msgID]; ok {
		want := frameChecksum(buf[1:headerLenV1+payloadLen], extra)
		if want != got {
			return StatusResync, nil, 1, &ParseError{Kind: BadChecksum, Offset: 0}
		}
	}

	f := &Frame{
		Version:     V1,
		Seq:         buf[2],
		SystemID:    buf[3],
		ComponentID: buf[4],
		MsgID:       msgID,
		Payload:     buf[headerLenV1 : headerLenV1+payloadLen],
		Checksum:    got,
		Raw:         buf[:total],
	}
	return StatusFrame, f, total, nil
}

// Clone returns a deep copy of f whose slices no longer alias the parse
// buffer.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Raw = append([]byte(nil), f.Raw...)
	// Re-derive the views so they alias the cloned raw bytes.
	var hdr int
	if f.Version == V2 {
		hdr = headerLenV2
	} else {
		hdr = headerLenV1
	}
	c.Payload = c.Raw[hdr : hdr+len(f.Payload)]
	if f.Signature != nil {
		c.Signature = c.Raw[len(c.Raw)-signatureLen:]
	}
	return &c
}

// Decoder is an incremental frame parser over a byte stream. It owns an
// internal buffer; Write appends raw bytes and Next drains complete frames.
// Frames returned by Next are cloned and safe to retain.
type Decoder struct {
	buf     []byte
	resyncs uint64
	dropped uint64
}

// Write appends stream bytes to the decode buffer.
func (d *Decoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame, or nil when the buffer holds no
// complete frame. Junk bytes are skipped and counted.
func (d *Decoder) Next() *Frame {
	for {
		status, f, consumed, _ := Parse(d.buf)
		switch status {
		case StatusFrame:
			out := f.Clone()
			d.buf = d.buf[consumed:]
			return out
		case StatusResync:
			d.resyncs++
			d.dropped += uint64(consumed)
			d.buf = d.buf[consumed:]
		case StatusNeedMore:
			// Compact: move the residue to a fresh slice so the backing
			// array of already-returned regions can be collected.
			if len(d.buf) > 0 && cap(d.buf) > 4*MaxFrameLen {
				d.buf = append(make([]byte, 0, len(d.buf)), d.buf...)
			}
			return nil
		}
	}
}

// Resyncs returns the number of resync events observed so far.
func (d *Decoder) Resyncs() uint64 { return d.resyncs }

// DroppedBytes returns the total junk bytes discarded during resyncs.
func (d *Decoder) DroppedBytes() uint64 { return d.dropped }

// Pending returns the number of buffered bytes not yet consumed.
func (d *Decoder) Pending() int { return len(d.buf) }
