package adb

// ConnectionType indicates how a device is connected.
type ConnectionType string

const (
	USB     ConnectionType = "usb"
	WiFi    ConnectionType = "wifi"
	Unknown ConnectionType = "unknown"
)

// DeviceInfo is one row of host:devices-l.
type DeviceInfo struct {
	Serial      string
	State       DeviceState
	ConnType    ConnectionType
	Model       string
	Product     string
	TransportID string
}

// IsOnline returns true if the device is in "device" state (ready).
func (d DeviceInfo) IsOnline() bool {
	return d.State == StateOnline
}
