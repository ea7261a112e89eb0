package tracker

import (
	"errors"
	"testing"
	"time"

	"home-orchestrator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTransport struct {
	published []publishedMessage
	err       error
}

type publishedMessage struct {
	topic   string
	qos     byte
	payload []byte
}

func (f *fakeTransport) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMessage{topic: topic, qos: qos, payload: payload})
	return nil
}

func newTestTracker(t *testing.T, transport Transport) (*Tracker, *time.Time) {
	t.Helper()
	tr := New(transport, zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	tr.SetClock(func() time.Time { return now })
	return tr, &now
}

func TestPublish_RegistersPendingAndHistory(t *testing.T) {
	transport := &fakeTransport{}
	tr, _ := newTestTracker(t, transport)

	cmd := models.NewCommand("esp32-1", "garage", "relay1", "set", true, "too hot")
	id, err := tr.Publish(&cmd)
	require.NoError(t, err)
	assert.Equal(t, cmd.CorrelationID, id)

	require.Len(t, transport.published, 1)
	assert.Equal(t, "home/garage/esp32-1/command", transport.published[0].topic)
	assert.Equal(t, byte(1), transport.published[0].qos)

	assert.Equal(t, 1, tr.PendingCount())
	recent := tr.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, id, recent[0].CorrelationID)
	assert.Equal(t, "relay1", recent[0].Target)
}

func TestPublish_TransportFailureNotRegistered(t *testing.T) {
	transport := &fakeTransport{err: errors.New("broker unreachable")}
	tr, _ := newTestTracker(t, transport)

	cmd := models.NewCommand("esp32-1", "garage", "relay1", "set", true, "")
	_, err := tr.Publish(&cmd)
	require.Error(t, err)

	assert.Equal(t, 0, tr.PendingCount())
	assert.Empty(t, tr.Recent())
}

func TestResolve_RetiresPending(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeTransport{})

	cmd := models.NewCommand("esp32-1", "garage", "relay1", "set", true, "")
	id, err := tr.Publish(&cmd)
	require.NoError(t, err)

	resolved := tr.Resolve(&models.CommandAck{CorrelationID: id, Status: models.AckExecuted})
	assert.True(t, resolved)
	assert.Equal(t, 0, tr.PendingCount())
}

func TestResolve_UnknownAckIsNoop(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeTransport{})

	cmd := models.NewCommand("esp32-1", "garage", "relay1", "set", true, "")
	_, err := tr.Publish(&cmd)
	require.NoError(t, err)

	resolved := tr.Resolve(&models.CommandAck{CorrelationID: "ai-ffffffff", Status: models.AckExecuted})
	assert.False(t, resolved)
	assert.Equal(t, 1, tr.PendingCount())
}

func TestSweepExpired_DropsOldPending(t *testing.T) {
	tr, now := newTestTracker(t, &fakeTransport{})

	cmd := models.NewCommand("esp32-1", "garage", "relay1", "set", true, "")
	_, err := tr.Publish(&cmd)
	require.NoError(t, err)

	// Inside the 30s TTL: nothing expires.
	*now = now.Add(29 * time.Second)
	assert.Empty(t, tr.SweepExpired())
	assert.Equal(t, 1, tr.PendingCount())

	*now = now.Add(2 * time.Second)
	expired := tr.SweepExpired()
	require.Len(t, expired, 1)
	assert.Equal(t, cmd.CorrelationID, expired[0].CorrelationID)
	assert.Equal(t, 0, tr.PendingCount())
}

func TestRecent_PrunedToWindow(t *testing.T) {
	tr, now := newTestTracker(t, &fakeTransport{})

	old := models.NewCommand("esp32-1", "garage", "relay1", "set", true, "old")
	_, err := tr.Publish(&old)
	require.NoError(t, err)

	*now = now.Add(301 * time.Second)
	fresh := models.NewCommand("esp32-1", "garage", "relay1", "set", false, "fresh")
	_, err = tr.Publish(&fresh)
	require.NoError(t, err)

	recent := tr.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "fresh", recent[0].Reason)
}
