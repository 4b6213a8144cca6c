package adb

// DeviceState is the state the adb server reports for a device.
type DeviceState int

const (
	StateUnknown DeviceState = iota
	StateBootloader
	StateOffline
	StateOnline
	StateRecovery
	StateSideload
	StateUnauthorized
	StateDisconnected
)

var stateNames = map[DeviceState]string{
	StateUnknown:      "unknown",
	StateBootloader:   "bootloader",
	StateOffline:      "offline",
	StateOnline:       "device",
	StateRecovery:     "recovery",
	StateSideload:     "sideload",
	StateUnauthorized: "unauthorized",
	StateDisconnected: "disconnected",
}

// ParseDeviceState maps the server's state string. Strings this package
// does not know map to StateUnknown.
func ParseDeviceState(s string) DeviceState {
	for state, name := range stateNames {
		if name == s {
			return state
		}
	}
	return StateUnknown
}

// String returns the server's spelling of the state ("device" for online).
func (s DeviceState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}
