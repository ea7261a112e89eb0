package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"home-orchestrator/internal/models"
)

// Envelope message types.
const (
	TypeTelemetry = "telemetry"
	TypeCommand   = "command"
	TypeAck       = "ack"
	TypeBirth     = "birth"
	TypeWill      = "will"
)

// ErrUnknownType marks an envelope whose type the orchestrator does not
// handle. Callers drop such messages silently (forward compatibility).
var ErrUnknownType = errors.New("unknown envelope type")

// Envelope is the wire format shared by all message types.
type Envelope struct {
	V             int             `json:"v"`
	TS            int64           `json:"ts"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Source        string          `json:"source,omitempty"`
	DeviceID      string          `json:"deviceId"`
	Location      string          `json:"location"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

// Message is the decoded, canonical form of one inbound envelope.
// Exactly one of the pointer fields is set, matching Type.
type Message struct {
	Type      string
	Telemetry *models.TelemetryMessage
	Command   *models.Command
	Ack       *models.CommandAck
	Device    *models.DeviceInfo
}

type telemetryPayload struct {
	Readings []models.Reading `json:"readings"`
}

type commandPayload struct {
	Target string      `json:"target"`
	Action string      `json:"action"`
	Value  interface{} `json:"value"`
	Reason string      `json:"reason,omitempty"`
	TTL    int         `json:"ttl"`
}

// legacyTelemetry is the flat schema published by first-generation
// firmware on /device/{id}/telemetry. It carries no envelope.
type legacyTelemetry struct {
	TempC    *float64 `json:"tempC"`
	Temp     *float64 `json:"temp"`
	Humidity *float64 `json:"humidity"`
	TS       int64    `json:"ts"`
}

// Decode parses a raw MQTT message into its canonical form. The topic is
// needed to recognize the legacy flat schema, which is normalized into a
// telemetry message with invented location "unknown".
func Decode(topic string, payload []byte) (*Message, error) {
	if isLegacyTopic(topic) {
		return decodeLegacy(topic, payload)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if env.DeviceID == "" && env.Type != TypeAck {
		return nil, fmt.Errorf("envelope missing deviceId on topic %s", topic)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type on topic %s", topic)
	}

	switch env.Type {
	case TypeTelemetry:
		var p telemetryPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to parse telemetry payload: %w", err)
		}
		return &Message{
			Type: TypeTelemetry,
			Telemetry: &models.TelemetryMessage{
				Version:  env.V,
				TS:       env.TS,
				DeviceID: env.DeviceID,
				Location: env.Location,
				Readings: p.Readings,
			},
		}, nil

	case TypeCommand:
		var p commandPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to parse command payload: %w", err)
		}
		return &Message{
			Type: TypeCommand,
			Command: &models.Command{
				DeviceID:      env.DeviceID,
				Location:      env.Location,
				Target:        p.Target,
				Action:        p.Action,
				Value:         p.Value,
				Reason:        p.Reason,
				TTL:           p.TTL,
				CorrelationID: env.CorrelationID,
			},
		}, nil

	case TypeAck:
		var ack models.CommandAck
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return nil, fmt.Errorf("failed to parse ack payload: %w", err)
		}
		if ack.CorrelationID == "" {
			return nil, fmt.Errorf("ack missing correlationId on topic %s", topic)
		}
		return &Message{Type: TypeAck, Ack: &ack}, nil

	case TypeBirth:
		var caps map[string]interface{}
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &caps); err != nil {
				return nil, fmt.Errorf("failed to parse birth payload: %w", err)
			}
		}
		return &Message{
			Type: TypeBirth,
			Device: &models.DeviceInfo{
				DeviceID:     env.DeviceID,
				Location:     env.Location,
				Capabilities: caps,
				Online:       true,
			},
		}, nil

	case TypeWill:
		return &Message{
			Type: TypeWill,
			Device: &models.DeviceInfo{
				DeviceID: env.DeviceID,
				Location: env.Location,
				Online:   false,
			},
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q on topic %s", ErrUnknownType, env.Type, topic)
	}
}

func isLegacyTopic(topic string) bool {
	return strings.HasPrefix(topic, "/device/") && strings.HasSuffix(topic, "/telemetry")
}

// decodeLegacy synthesizes a canonical telemetry message from the flat
// legacy schema. tempC maps to reading id temp1, humidity to hum1.
func decodeLegacy(topic string, payload []byte) (*Message, error) {
	var legacy legacyTelemetry
	if err := json.Unmarshal(payload, &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse legacy telemetry: %w", err)
	}

	parts := strings.Split(topic, "/")
	deviceID := "unknown"
	if len(parts) >= 3 && parts[2] != "" {
		deviceID = parts[2]
	}

	temp := legacy.TempC
	if temp == nil {
		temp = legacy.Temp
	}
	if temp == nil || legacy.Humidity == nil {
		return nil, fmt.Errorf("legacy telemetry missing temp or humidity on topic %s", topic)
	}

	ts := legacy.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	return &Message{
		Type: TypeTelemetry,
		Telemetry: &models.TelemetryMessage{
			Version:  1,
			TS:       ts,
			DeviceID: deviceID,
			Location: "unknown",
			Readings: []models.Reading{
				{ID: "temp1", Value: *temp},
				{ID: "hum1", Value: *legacy.Humidity},
			},
		},
	}, nil
}

// EncodeCommand serializes a command into its wire envelope.
func EncodeCommand(cmd *models.Command, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(commandPayload{
		Target: cmd.Target,
		Action: cmd.Action,
		Value:  cmd.Value,
		Reason: cmd.Reason,
		TTL:    cmd.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command payload: %w", err)
	}

	env := Envelope{
		V:             1,
		TS:            now.UnixMilli(),
		CorrelationID: cmd.CorrelationID,
		Source:        "ai-orchestrator",
		DeviceID:      cmd.DeviceID,
		Location:      cmd.Location,
		Type:          TypeCommand,
		Payload:       payload,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command envelope: %w", err)
	}
	return data, nil
}

// EncodeTelemetry serializes a telemetry message into its wire envelope.
// Devices normally produce these; the orchestrator uses it in tests and
// for loopback simulation.
func EncodeTelemetry(t *models.TelemetryMessage) ([]byte, error) {
	payload, err := json.Marshal(telemetryPayload{Readings: t.Readings})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal telemetry payload: %w", err)
	}

	env := Envelope{
		V:        t.Version,
		TS:       t.TS,
		DeviceID: t.DeviceID,
		Location: t.Location,
		Type:     TypeTelemetry,
		Payload:  payload,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal telemetry envelope: %w", err)
	}
	return data, nil
}
