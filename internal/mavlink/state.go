package mavlink

import "time"

// VehicleState is the accumulated projection of the decoded telemetry
// messages. The hub owns the single mutable instance; everyone else works
// on copies.
//
// Each field group carries the timestamp of its last update. A zero
// timestamp means the group was never received; a zero value inside a
// received group means the vehicle reported zero. Updates never clear a
// previously received group.
type VehicleState struct {
	SystemID    uint8 `json:"system_id"`
	ComponentID uint8 `json:"component_id"`

	Heartbeat HeartbeatGroup `json:"heartbeat"`
	Battery   BatteryGroup   `json:"battery"`
	GPS       GPSGroup       `json:"gps"`
	Attitude  AttitudeGroup  `json:"attitude"`
	Speed     SpeedGroup     `json:"speed"`
}

type HeartbeatGroup struct {
	Armed      bool      `json:"armed"`
	FlightMode string    `json:"flight_mode"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type BatteryGroup struct {
	Voltage   float64   `json:"voltage"`   // V
	Current   float64   `json:"current"`   // A
	Remaining int       `json:"remaining"` // %
	UpdatedAt time.Time `json:"updated_at"`
}

type GPSGroup struct {
	Lat        float64   `json:"lat"` // degrees
	Lon        float64   `json:"lon"` // degrees
	Alt        float64   `json:"alt"` // m
	FixType    int       `json:"fix_type"`
	Satellites int       `json:"satellites"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type AttitudeGroup struct {
	Roll      float64   `json:"roll"`  // degrees
	Pitch     float64   `json:"pitch"` // degrees
	Yaw       float64   `json:"yaw"`   // degrees, [0,360)
	UpdatedAt time.Time `json:"updated_at"`
}

type SpeedGroup struct {
	Airspeed    float64   `json:"airspeed"`    // m/s
	Groundspeed float64   `json:"groundspeed"` // m/s
	ClimbRate   float64   `json:"climb_rate"`  // m/s
	Throttle    int       `json:"throttle"`    // %
	Alt         float64   `json:"alt"`         // m, VFR_HUD barometric altitude
	UpdatedAt   time.Time `json:"updated_at"`
}

// Altitude returns the best altitude estimate: GPS when available, barometric
// otherwise.
func (s *VehicleState) Altitude() float64 {
	if !s.GPS.UpdatedAt.IsZero() {
		return s.GPS.Alt
	}
	return s.Speed.Alt
}

// Telemetry flattens the state into the key set shared with the central
// server. Keys match the original ingestion schema.
func (s *VehicleState) Telemetry() map[string]any {
	return map[string]any{
		"armed":           s.Heartbeat.Armed,
		"mode":            s.Heartbeat.FlightMode,
		"battery_voltage": s.Battery.Voltage,
		"battery_current": s.Battery.Current,
		"battery_level":   s.Battery.Remaining,
		"gps_lat":         s.GPS.Lat,
		"gps_lon":         s.GPS.Lon,
		"gps_fix_type":    s.GPS.FixType,
		"gps_satellites":  s.GPS.Satellites,
		"altitude":        s.Altitude(),
		"roll":            s.Attitude.Roll,
		"pitch":           s.Attitude.Pitch,
		"yaw":             s.Attitude.Yaw,
		"airspeed":        s.Speed.Airspeed,
		"speed":           s.Speed.Groundspeed,
		"climb_rate":      s.Speed.ClimbRate,
		"throttle":        s.Speed.Throttle,
	}
}
