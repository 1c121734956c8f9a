package model

import "time"

type DeviceState string

const (
	DeviceStateDevice       DeviceState = "device"
	DeviceStateUnauthorized DeviceState = "unauthorized"
	DeviceStateOffline      DeviceState = "offline"
	DeviceStateUnknown      DeviceState = "unknown"
)

// DeviceStates lists every state, used to reset per-state gauges.
var DeviceStates = []DeviceState{DeviceStateDevice, DeviceStateUnauthorized, DeviceStateOffline, DeviceStateUnknown}

// DeviceStatusRowID is the id of the single device status row.
const DeviceStatusRowID = 1

// ParseDeviceState maps a transport-reported state onto the known set.
func ParseDeviceState(s string) DeviceState {
	switch DeviceState(s) {
	case DeviceStateDevice, DeviceStateUnauthorized, DeviceStateOffline:
		return DeviceState(s)
	}
	return DeviceStateUnknown
}

type DeviceStatus struct {
	ID        int64       `json:"id"`
	DeviceID  *string     `json:"device_id"`
	Connected bool        `json:"connected"`
	State     DeviceState `json:"state"`
	LastCheck time.Time   `json:"last_check"`
}

// IsStale reports whether the status is older than ttl at now.
func (d *DeviceStatus) IsStale(now time.Time, ttl time.Duration) bool {
	return d == nil || now.Sub(d.LastCheck) > ttl
}
