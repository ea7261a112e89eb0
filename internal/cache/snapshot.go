package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"home-orchestrator/internal/models"

	"go.uber.org/zap"
)

// DeviceSnapshot is the realtime view of one device mirrored to Redis
// for external consumers (dashboards, the HTTP facade). Never read back
// by the control path.
type DeviceSnapshot struct {
	DeviceID string           `json:"device_id"`
	Location string           `json:"location"`
	Readings []models.Reading `json:"readings"`
	TS       int64            `json:"ts"`
}

// SnapshotWriter mirrors the latest telemetry per device into the KV
// store with a short TTL.
type SnapshotWriter struct {
	kv     KVStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewSnapshotWriter creates a writer with the given snapshot TTL.
func NewSnapshotWriter(kv KVStore, ttl time.Duration, logger *zap.Logger) *SnapshotWriter {
	return &SnapshotWriter{
		kv:     kv,
		ttl:    ttl,
		logger: logger,
	}
}

func snapshotKey(deviceID string) string {
	return fmt.Sprintf("home:device:%s:realtime", deviceID)
}

// Update stores the device's latest readings. Failures are logged, never
// returned: the snapshot is a side channel and must not fail the loop.
func (w *SnapshotWriter) Update(ctx context.Context, t *models.TelemetryMessage) {
	snapshot := DeviceSnapshot{
		DeviceID: t.DeviceID,
		Location: t.Location,
		Readings: t.Readings,
		TS:       t.TS,
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		w.logger.Error("Failed to marshal device snapshot",
			zap.String("device_id", t.DeviceID),
			zap.Error(err),
		)
		return
	}

	if err := w.kv.Set(ctx, snapshotKey(t.DeviceID), string(data), w.ttl); err != nil {
		w.logger.Error("Failed to write device snapshot",
			zap.String("device_id", t.DeviceID),
			zap.Error(err),
		)
	}
}
