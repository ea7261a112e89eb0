package tracker

import (
	"fmt"
	"sync"
	"time"

	"home-orchestrator/internal/codec"
	"home-orchestrator/internal/models"

	"go.uber.org/zap"
)

// historyWindow bounds the recent-command log used as LLM prompt context.
const historyWindow = 300 * time.Second

// commandQoS is the MQTT QoS level for outbound commands.
const commandQoS byte = 1

// Transport is the publish side of the MQTT client, abstracted so tests
// can substitute a fake.
type Transport interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// HistoryEntry is one record in the rolling recent-command log.
type HistoryEntry struct {
	CorrelationID string      `json:"correlation_id"`
	Target        string      `json:"target"`
	Action        string      `json:"action"`
	Value         interface{} `json:"value"`
	Reason        string      `json:"reason,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

type pendingEntry struct {
	cmd         models.Command
	publishedAt time.Time
}

// Tracker publishes commands, tracks them until a device acknowledges
// them (or their TTL lapses), and keeps the bounded recent-command
// history. Pending state is mutated only from the event loop; the
// history is additionally read by LLM workers, so it sits behind a
// mutex and Recent returns a copy.
type Tracker struct {
	transport Transport
	logger    *zap.Logger
	pending   map[string]pendingEntry

	mu      sync.Mutex
	history []HistoryEntry

	now func() time.Time
}

// New creates a tracker over the given transport.
func New(transport Transport, logger *zap.Logger) *Tracker {
	return &Tracker{
		transport: transport,
		logger:    logger,
		pending:   make(map[string]pendingEntry),
		now:       time.Now,
	}
}

// SetClock replaces the tracker's clock. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Publish encodes the command, hands it to the transport, and registers
// it as pending. On transport failure the command is not registered: the
// caller decides whether to retry.
func (t *Tracker) Publish(cmd *models.Command) (string, error) {
	now := t.now()

	data, err := codec.EncodeCommand(cmd, now)
	if err != nil {
		return "", fmt.Errorf("failed to encode command %s: %w", cmd.CorrelationID, err)
	}

	if err := t.transport.Publish(cmd.Topic(), commandQoS, false, data); err != nil {
		return "", fmt.Errorf("failed to publish command %s: %w", cmd.CorrelationID, err)
	}

	t.pending[cmd.CorrelationID] = pendingEntry{cmd: *cmd, publishedAt: now}
	t.appendHistory(HistoryEntry{
		CorrelationID: cmd.CorrelationID,
		Target:        cmd.Target,
		Action:        cmd.Action,
		Value:         cmd.Value,
		Reason:        cmd.Reason,
		Timestamp:     now,
	})

	t.logger.Info("Published command",
		zap.String("correlation_id", cmd.CorrelationID),
		zap.String("topic", cmd.Topic()),
		zap.String("target", cmd.Target),
	)
	return cmd.CorrelationID, nil
}

// Resolve retires the pending command matching the ack. An ack for an
// unknown correlation ID is logged and dropped, not an error.
func (t *Tracker) Resolve(ack *models.CommandAck) bool {
	if _, ok := t.pending[ack.CorrelationID]; !ok {
		t.logger.Debug("Ack for unknown command",
			zap.String("correlation_id", ack.CorrelationID),
			zap.String("status", ack.Status),
		)
		return false
	}
	delete(t.pending, ack.CorrelationID)
	return true
}

// SweepExpired drops pending commands older than their TTL and returns
// them. Devices may never ack; without the sweep the pending set would
// grow forever.
func (t *Tracker) SweepExpired() []models.Command {
	now := t.now()
	var expired []models.Command
	for id, entry := range t.pending {
		ttl := time.Duration(entry.cmd.TTL) * time.Millisecond
		if ttl <= 0 {
			ttl = time.Duration(models.DefaultCommandTTL) * time.Millisecond
		}
		if now.Sub(entry.publishedAt) > ttl {
			delete(t.pending, id)
			expired = append(expired, entry.cmd)
			t.logger.Warn("Command expired without ack",
				zap.String("correlation_id", id),
				zap.String("target", entry.cmd.Target),
				zap.String("device_id", entry.cmd.DeviceID),
			)
		}
	}
	return expired
}

// PendingCount returns the number of commands awaiting acknowledgment.
func (t *Tracker) PendingCount() int {
	return len(t.pending)
}

// Recent returns a pruned copy of the recent-command history, safe to
// read from LLM worker goroutines.
func (t *Tracker) Recent() []HistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	out := make([]HistoryEntry, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Tracker) appendHistory(entry HistoryEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, entry)
	t.pruneLocked(entry.Timestamp)
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-historyWindow)
	kept := t.history[:0]
	for _, entry := range t.history {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	t.history = kept
}
