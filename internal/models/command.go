package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultCommandTTL is how long a device may queue a command before
// treating it as stale, in milliseconds.
const DefaultCommandTTL = 30000

// Command ack statuses reported by devices.
const (
	AckExecuted = "executed"
	AckRejected = "rejected"
	AckError    = "error"
	AckExpired  = "expired"
	AckQueued   = "queued"
)

// Command is an instruction to set an actuator on one device.
type Command struct {
	DeviceID      string      `json:"deviceId"`
	Location      string      `json:"location"`
	Target        string      `json:"target"`
	Action        string      `json:"action"`
	Value         interface{} `json:"value"`
	Reason        string      `json:"reason,omitempty"`
	TTL           int         `json:"ttl"`
	CorrelationID string      `json:"correlationId"`
}

// NewCommand builds a command with the default TTL and a fresh
// correlation ID.
func NewCommand(deviceID, location, target, action string, value interface{}, reason string) Command {
	return Command{
		DeviceID:      deviceID,
		Location:      location,
		Target:        target,
		Action:        action,
		Value:         value,
		Reason:        reason,
		TTL:           DefaultCommandTTL,
		CorrelationID: NewCorrelationID(),
	}
}

// NewCorrelationID returns an opaque token unique among outstanding
// commands ("ai-" plus the first 8 hex chars of a UUID).
func NewCorrelationID() string {
	return "ai-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Topic is the MQTT topic this command is published to.
func (c *Command) Topic() string {
	return fmt.Sprintf("home/%s/%s/command", c.Location, c.DeviceID)
}

// CommandAck is a device's confirmation (or rejection) of a command.
type CommandAck struct {
	CorrelationID string      `json:"correlationId"`
	Status        string      `json:"status"`
	Target        string      `json:"target"`
	ActualValue   interface{} `json:"actualValue"`
	Error         string      `json:"error,omitempty"`
}
