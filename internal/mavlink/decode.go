package mavlink

import (
	"encoding/binary"
	"math"
	"time"
)

// Projected message ids.
const (
	MsgHeartbeat     = 0
	MsgSysStatus     = 1
	MsgGPSRawInt     = 24
	MsgAttitude      = 30
	MsgVFRHUD        = 74
	MsgBatteryStatus = 147
)

// MessageName returns the dialect name for projected message ids and a
// numeric placeholder for everything else, matching the envelope format the
// web clients expect.
func MessageName(msgID uint32) string {
	switch msgID {
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgSysStatus:
		return "SYS_STATUS"
	case MsgGPSRawInt:
		return "GPS_RAW_INT"
	case MsgAttitude:
		return "ATTITUDE"
	case MsgVFRHUD:
		return "VFR_HUD"
	case MsgBatteryStatus:
		return "BATTERY_STATUS"
	}
	return "MSG_" + itoa(msgID)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var b [10]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}

// Delta is a partial VehicleState update decoded from one frame.
type Delta interface {
	apply(s *VehicleState, now time.Time)
}

// Decode maps a frame onto a state delta via the static projection table.
// Unknown and short-payload messages yield (nil, false) and must be forwarded
// untouched without mutating state.
func Decode(f *Frame) (Delta, bool) {
	switch f.MsgID {
	case MsgHeartbeat:
		return decodeHeartbeat(f.Payload)
	case MsgSysStatus:
		return decodeSysStatus(f.Payload)
	case MsgGPSRawInt:
		return decodeGPSRawInt(f.Payload)
	case MsgAttitude:
		return decodeAttitude(f.Payload)
	case MsgVFRHUD:
		return decodeVFRHUD(f.Payload)
	case MsgBatteryStatus:
		return decodeBatteryStatus(f.Payload)
	}
	return nil, false
}

// Apply folds a delta into the state, stamping the field group's update time.
func (s *VehicleState) Apply(d Delta, now time.Time) {
	d.apply(s, now)
}

const radToDeg = 180 / math.Pi

type heartbeatDelta struct {
	armed bool
	mode  string
}

func (d heartbeatDelta) apply(s *VehicleState, now time.Time) {
	s.Heartbeat.Armed = d.armed
	s.Heartbeat.FlightMode = d.mode
	s.Heartbeat.UpdatedAt = now
}

func decodeHeartbeat(p []byte) (Delta, bool) {
	if len(p) < 9 {
		return nil, false
	}
	customMode := binary.LittleEndian.Uint32(p[0:4])
	baseMode := p[6]
	return heartbeatDelta{
		armed: baseMode&ModeFlagSafetyArmed != 0,
		mode:  FlightModeName(customMode),
	}, true
}

// batteryDelta carries only the fields the source message actually reported;
// unreported fields keep their previous value rather than being cleared.
type batteryDelta struct {
	voltage      float64
	current      float64
	remaining    int
	hasCurrent   bool
	hasRemaining bool
}

func (d batteryDelta) apply(s *VehicleState, now time.Time) {
	s.Battery.Voltage = d.voltage
	if d.hasCurrent {
		s.Battery.Current = d.current
	}
	if d.hasRemaining {
		s.Battery.Remaining = d.remaining
	}
	s.Battery.UpdatedAt = now
}

func decodeSysStatus(p []byte) (Delta, bool) {
	if len(p) < 31 {
		return nil, false
	}
	voltage := binary.LittleEndian.Uint16(p[14:16])        // mV
	current := int16(binary.LittleEndian.Uint16(p[16:18])) // cA, -1 unknown
	remaining := int8(p[30])                               // %, -1 unknown
	d := batteryDelta{voltage: float64(voltage) / 1000}
	if current >= 0 {
		d.current = float64(current) / 100
		d.hasCurrent = true
	}
	if remaining >= 0 {
		d.remaining = int(remaining)
		d.hasRemaining = true
	}
	return d, true
}

type gpsDelta struct {
	lat, lon, alt float64
	fixType       int
	satellites    int
}

func (d gpsDelta) apply(s *VehicleState, now time.Time) {
	s.GPS.Lat = d.lat
	s.GPS.Lon = d.lon
	s.GPS.Alt = d.alt
	s.GPS.FixType = d.fixType
	s.GPS.Satellites = d.satellites
	s.GPS.UpdatedAt = now
}

func decodeGPSRawInt(p []byte) (Delta, bool) {
	if len(p) < 30 {
		return nil, false
	}
	lat := int32(binary.LittleEndian.Uint32(p[8:12]))  // degE7
	lon := int32(binary.LittleEndian.Uint32(p[12:16])) // degE7
	alt := int32(binary.LittleEndian.Uint32(p[16:20])) // mm
	return gpsDelta{
		lat:        float64(lat) / 1e7,
		lon:        float64(lon) / 1e7,
		alt:        float64(alt) / 1000,
		fixType:    int(p[28]),
		satellites: int(p[29]),
	}, true
}

type attitudeDelta struct {
	roll, pitch, yaw float64 // degrees
}

func (d attitudeDelta) apply(s *VehicleState, now time.Time) {
	s.Attitude.Roll = d.roll
	s.Attitude.Pitch = d.pitch
	s.Attitude.Yaw = d.yaw
	s.Attitude.UpdatedAt = now
}

func decodeAttitude(p []byte) (Delta, bool) {
	if len(p) < 28 {
		return nil, false
	}
	roll := math.Float32frombits(binary.LittleEndian.Uint32(p[4:8]))
	pitch := math.Float32frombits(binary.LittleEndian.Uint32(p[8:12]))
	yaw := math.Float32frombits(binary.LittleEndian.Uint32(p[12:16]))
	yawDeg := math.Mod(float64(yaw)*radToDeg, 360)
	if yawDeg < 0 {
		yawDeg += 360
	}
	return attitudeDelta{
		roll:  float64(roll) * radToDeg,
		pitch: float64(pitch) * radToDeg,
		yaw:   yawDeg,
	}, true
}

type vfrHUDDelta struct {
	airspeed    float64
	groundspeed float64
	alt         float64
	climb       float64
	throttle    int
}

func (d vfrHUDDelta) apply(s *VehicleState, now time.Time) {
	s.Speed.Airspeed = d.airspeed
	s.Speed.Groundspeed = d.groundspeed
	s.Speed.Alt = d.alt
	s.Speed.ClimbRate = d.climb
	s.Speed.Throttle = d.throttle
	s.Speed.UpdatedAt = now
}

func decodeVFRHUD(p []byte) (Delta, bool) {
	if len(p) < 20 {
		return nil, false
	}
	airspeed := math.Float32frombits(binary.LittleEndian.Uint32(p[0:4]))
	groundspeed := math.Float32frombits(binary.LittleEndian.Uint32(p[4:8]))
	alt := math.Float32frombits(binary.LittleEndian.Uint32(p[8:12]))
	climb := math.Float32frombits(binary.LittleEndian.Uint32(p[12:16]))
	throttle := binary.LittleEndian.Uint16(p[18:20])
	return vfrHUDDelta{
		airspeed:    float64(airspeed),
		groundspeed: float64(groundspeed),
		alt:         float64(alt),
		climb:       float64(climb),
		throttle:    int(throttle),
	}, true
}

const cellVoltageInvalid = 0xFFFF

func decodeBatteryStatus(p []byte) (Delta, bool) {
	if len(p) < 36 {
		return nil, false
	}
	// Ten cell voltages in mV, 0xFFFF marking unused cells. Pack voltage is
	// the sum of the valid cells.
	var pack float64
	valid := false
	for i := 0; i < 10; i++ {
		cell := binary.LittleEndian.Uint16(p[10+2*i : 12+2*i])
		if cell != cellVoltageInvalid {
			pack += float64(cell) / 1000
			valid = true
		}
	}
	if !valid {
		return nil, false
	}
	d := batteryDelta{voltage: pack}
	current := int16(binary.LittleEndian.Uint16(p[30:32])) // cA, -1 unknown
	if current >= 0 {
		d.current = float64(current) / 100
		d.hasCurrent = true
	}
	return d, true
}
