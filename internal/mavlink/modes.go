package mavlink

// ArduPilot copter custom_mode values. Modes missing from the table render
// as "UNKNOWN" rather than a bare number so downstream consumers never have
// to distinguish the two cases.
var flightModes = map[uint32]string{
	0:  "STABILIZE",
	1:  "ACRO",
	2:  "ALT_HOLD",
	3:  "AUTO",
	4:  "GUIDED",
	5:  "LOITER",
	6:  "RTL",
	7:  "CIRCLE",
	9:  "LAND",
	11: "DRIFT",
	13: "SPORT",
	14: "FLIP",
	15: "AUTOTUNE",
	16: "POSHOLD",
	17: "BRAKE",
	18: "THROW",
	19: "AVOID_ADSB",
	20: "GUIDED_NOGPS",
	21: "SMART_RTL",
	22: "FLOWHOLD",
	23: "FOLLOW",
	24: "ZIGZAG",
	25: "SYSTEMID",
	26: "AUTOROTATE",
}

// FlightModeName maps a custom_mode value to its ArduPilot name.
func FlightModeName(customMode uint32) string {
	if name, ok := flightModes[customMode]; ok {
		return name
	}
	return "UNKNOWN"
}

// ModeFlagSafetyArmed is the base_mode bit reporting that the vehicle is
// armed (MAV_MODE_FLAG_SAFETY_ARMED).
const ModeFlagSafetyArmed = 0x80
