package models

// Reading is a single sensor reading inside a telemetry message.
type Reading struct {
	ID    string      `json:"id"`
	Value interface{} `json:"value"`
	Unit  string      `json:"unit,omitempty"`
}

// TelemetryMessage is a timestamped batch of readings from one device.
type TelemetryMessage struct {
	Version  int       `json:"v"`
	TS       int64     `json:"ts"` // ms epoch
	DeviceID string    `json:"deviceId"`
	Location string    `json:"location"`
	Readings []Reading `json:"readings"`
}

// GetReading returns the reading with the given sensor ID, or nil.
func (t *TelemetryMessage) GetReading(sensorID string) *Reading {
	for i := range t.Readings {
		if t.Readings[i].ID == sensorID {
			return &t.Readings[i]
		}
	}
	return nil
}
