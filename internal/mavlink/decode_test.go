package mavlink

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyPayload(t *testing.T, s *VehicleState, msgID uint32, payload []byte, now time.Time) {
	t.Helper()
	d, ok := Decode(&Frame{MsgID: msgID, Payload: payload})
	require.True(t, ok, "Decode(%s) returned no delta", MessageName(msgID))
	s.Apply(d, now)
}

func TestDecodeHeartbeat(t *testing.T) {
	payload := make([]byte, 9)
	binary.LittleEndian.PutUint32(payload[0:4], 4) // GUIDED
	payload[6] = 0x81                              // armed

	var s VehicleState
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	applyPayload(t, &s, MsgHeartbeat, payload, now)

	assert.True(t, s.Heartbeat.Armed)
	assert.Equal(t, "GUIDED", s.Heartbeat.FlightMode)
	assert.Equal(t, now, s.Heartbeat.UpdatedAt)

	// Disarm with an unmapped custom mode.
	binary.LittleEndian.PutUint32(payload[0:4], 9999)
	payload[6] = 0x01
	applyPayload(t, &s, MsgHeartbeat, payload, now.Add(time.Second))
	assert.False(t, s.Heartbeat.Armed)
	assert.Equal(t, "UNKNOWN", s.Heartbeat.FlightMode)
}

func TestDecodeSysStatus(t *testing.T) {
	payload := make([]byte, 31)
	binary.LittleEndian.PutUint16(payload[14:16], 12600) // 12.6 V
	binary.LittleEndian.PutUint16(payload[16:18], 1540)  // 15.4 A
	payload[30] = 87

	var s VehicleState
	applyPayload(t, &s, MsgSysStatus, payload, time.Now())

	assert.InDelta(t, 12.6, s.Battery.Voltage, 1e-9)
	assert.InDelta(t, 15.4, s.Battery.Current, 1e-9)
	assert.Equal(t, 87, s.Battery.Remaining)
}

// TestDecodeSysStatusUnknownFields verifies the -1 sentinels leave previously
// reported values in place instead of clearing them.
func TestDecodeSysStatusUnknownFields(t *testing.T) {
	var s VehicleState
	s.Battery.Current = 3.2
	s.Battery.Remaining = 55

	payload := make([]byte, 31)
	binary.LittleEndian.PutUint16(payload[14:16], 11900)
	binary.LittleEndian.PutUint16(payload[16:18], 0xFFFF) // current unknown
	payload[30] = 0xFF                                    // remaining unknown
	applyPayload(t, &s, MsgSysStatus, payload, time.Now())

	assert.InDelta(t, 11.9, s.Battery.Voltage, 1e-9)
	assert.InDelta(t, 3.2, s.Battery.Current, 1e-9)
	assert.Equal(t, 55, s.Battery.Remaining)
}

func TestDecodeGPSRawInt(t *testing.T) {
	payload := make([]byte, 30)
	binary.LittleEndian.PutUint32(payload[8:12], uint32(int32(557558000)))  // degE7
	binary.LittleEndian.PutUint32(payload[12:16], uint32(int32(375173000))) // degE7
	binary.LittleEndian.PutUint32(payload[16:20], 120500)                   // mm
	payload[28] = 3
	payload[29] = 12

	var s VehicleState
	applyPayload(t, &s, MsgGPSRawInt, payload, time.Now())

	assert.InDelta(t, 55.7558, s.GPS.Lat, 1e-9)
	assert.InDelta(t, 37.5173, s.GPS.Lon, 1e-9)
	assert.InDelta(t, 120.5, s.GPS.Alt, 1e-9)
	assert.Equal(t, 3, s.GPS.FixType)
	assert.Equal(t, 12, s.GPS.Satellites)
}

func TestDecodeAttitude(t *testing.T) {
	payload := make([]byte, 28)
	putF32 := func(off int, v float32) {
		binary.LittleEndian.PutUint32(payload[off:off+4], math.Float32bits(v))
	}
	putF32(4, 0.1)                  // roll rad
	putF32(8, -0.05)                // pitch rad
	putF32(12, float32(-math.Pi/2)) // yaw rad, wraps to 270

	var s VehicleState
	applyPayload(t, &s, MsgAttitude, payload, time.Now())

	assert.InDelta(t, float64(float32(0.1))*radToDeg, s.Attitude.Roll, 1e-9)
	assert.InDelta(t, float64(float32(-0.05))*radToDeg, s.Attitude.Pitch, 1e-9)
	assert.InDelta(t, 270, s.Attitude.Yaw, 1e-4)
	assert.GreaterOrEqual(t, s.Attitude.Yaw, 0.0)
	assert.Less(t, s.Attitude.Yaw, 360.0)
}

func TestDecodeVFRHUD(t *testing.T) {
	payload := make([]byte, 20)
	putF32 := func(off int, v float32) {
		binary.LittleEndian.PutUint32(payload[off:off+4], math.Float32bits(v))
	}
	putF32(0, 14.5)  // airspeed
	putF32(4, 13.2)  // groundspeed
	putF32(8, 101.5) // alt
	putF32(12, -1.2) // climb
	binary.LittleEndian.PutUint16(payload[18:20], 65)

	var s VehicleState
	applyPayload(t, &s, MsgVFRHUD, payload, time.Now())

	assert.InDelta(t, 14.5, s.Speed.Airspeed, 1e-5)
	assert.InDelta(t, 13.2, s.Speed.Groundspeed, 1e-5)
	assert.InDelta(t, 101.5, s.Speed.Alt, 1e-5)
	assert.InDelta(t, -1.2, s.Speed.ClimbRate, 1e-5)
	assert.Equal(t, 65, s.Speed.Throttle)
}

func TestDecodeBatteryStatus(t *testing.T) {
	payload := make([]byte, 36)
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint16(payload[10+2*i:12+2*i], cellVoltageInvalid)
	}
	binary.LittleEndian.PutUint16(payload[10:12], 4200)
	binary.LittleEndian.PutUint16(payload[12:14], 4150)
	binary.LittleEndian.PutUint16(payload[14:16], 4100)
	binary.LittleEndian.PutUint16(payload[30:32], 850) // 8.5 A

	var s VehicleState
	applyPayload(t, &s, MsgBatteryStatus, payload, time.Now())

	assert.InDelta(t, 12.45, s.Battery.Voltage, 1e-9)
	assert.InDelta(t, 8.5, s.Battery.Current, 1e-9)
}

func TestDecodeBatteryStatusNoCells(t *testing.T) {
	payload := make([]byte, 36)
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint16(payload[10+2*i:12+2*i], cellVoltageInvalid)
	}
	_, ok := Decode(&Frame{MsgID: MsgBatteryStatus, Payload: payload})
	assert.False(t, ok, "all-invalid cell set should not produce a delta")
}

func TestDecodeShortAndUnknown(t *testing.T) {
	if _, ok := Decode(&Frame{MsgID: MsgHeartbeat, Payload: []byte{1, 2}}); ok {
		t.Error("short HEARTBEAT payload produced a delta")
	}
	if _, ok := Decode(&Frame{MsgID: 42, Payload: make([]byte, 64)}); ok {
		t.Error("unprojected message produced a delta")
	}
}

func TestAltitudePreference(t *testing.T) {
	var s VehicleState
	s.Speed.Alt = 99.5
	s.Speed.UpdatedAt = time.Now()
	assert.InDelta(t, 99.5, s.Altitude(), 1e-9, "barometric fallback")

	s.GPS.Alt = 120.5
	s.GPS.UpdatedAt = time.Now()
	assert.InDelta(t, 120.5, s.Altitude(), 1e-9, "GPS preferred once seen")
}

func TestTelemetryKeys(t *testing.T) {
	var s VehicleState
	s.Heartbeat.FlightMode = "LOITER"
	s.Battery.Remaining = 80
	m := s.Telemetry()

	for _, key := range []string{
		"armed", "mode", "battery_voltage", "battery_current", "battery_level",
		"gps_lat", "gps_lon", "gps_fix_type", "gps_satellites", "altitude",
		"roll", "pitch", "yaw", "airspeed", "speed", "climb_rate", "throttle",
	} {
		_, ok := m[key]
		assert.True(t, ok, "missing telemetry key %q", key)
	}
	assert.Equal(t, "LOITER", m["mode"])
	assert.Equal(t, 80, m["battery_level"])
}

func TestMessageName(t *testing.T) {
	assert.Equal(t, "HEARTBEAT", MessageName(MsgHeartbeat))
	assert.Equal(t, "BATTERY_STATUS", MessageName(MsgBatteryStatus))
	assert.Equal(t, "MSG_999", MessageName(999))
	assert.Equal(t, "MSG_4194304", MessageName(4194304))
}
