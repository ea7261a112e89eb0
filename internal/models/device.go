package models

import "time"

// DeviceInfo tracks a device announced on the registry topics.
type DeviceInfo struct {
	DeviceID     string                 `json:"deviceId"`
	Location     string                 `json:"location"`
	Capabilities map[string]interface{} `json:"capabilities,omitempty"`
	Online       bool                   `json:"online"`
	LastSeen     time.Time              `json:"lastSeen"`
}
