package llm

import (
	"sync/atomic"
	"testing"
	"time"

	"home-orchestrator/internal/engine"
	"home-orchestrator/internal/models"
	"home-orchestrator/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubAnalyzer struct {
	result *models.Command
	delay  time.Duration
	calls  atomic.Int32
}

func (s *stubAnalyzer) Analyze(
	t *models.TelemetryMessage,
	context map[string]map[string]engine.SensorSummary,
	recent []tracker.HistoryEntry,
) *models.Command {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.result
}

func TestGateway_DeliversResultOnChannel(t *testing.T) {
	cmd := models.NewCommand("esp32-1", "garage", "relay1", "set", true, "[AI] hot")
	analyzer := &stubAnalyzer{result: &cmd}
	gateway := NewGateway(analyzer, 2, zap.NewNop())
	defer gateway.Close()

	ok := gateway.AnalyzeAsync(Request{Telemetry: sampleTelemetry()})
	require.True(t, ok)

	select {
	case got := <-gateway.Results():
		require.NotNil(t, got)
		assert.Equal(t, "relay1", got.Target)
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
}

func TestGateway_NilResultStillDelivered(t *testing.T) {
	gateway := NewGateway(&stubAnalyzer{result: nil}, 1, zap.NewNop())
	defer gateway.Close()

	require.True(t, gateway.AnalyzeAsync(Request{Telemetry: sampleTelemetry()}))

	select {
	case got := <-gateway.Results():
		assert.Nil(t, got)
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
}

func TestGateway_QueueFullRejectsWithoutBlocking(t *testing.T) {
	// One slow worker with a one-slot queue: the third submission in a
	// row must be rejected immediately rather than blocking the caller.
	analyzer := &stubAnalyzer{delay: 200 * time.Millisecond}
	gateway := NewGateway(analyzer, 1, zap.NewNop())
	defer gateway.Close()

	req := Request{Telemetry: sampleTelemetry()}
	assert.True(t, gateway.AnalyzeAsync(req))

	accepted := 1
	for i := 0; i < 2; i++ {
		if gateway.AnalyzeAsync(req) {
			accepted++
		}
	}
	assert.Less(t, accepted, 3)

	// Drain whatever was accepted so Close does not leak workers.
	for i := 0; i < accepted; i++ {
		select {
		case <-gateway.Results():
		case <-time.After(2 * time.Second):
			t.Fatal("result not delivered")
		}
	}
}

func TestGateway_CloseWaitsForWorkers(t *testing.T) {
	analyzer := &stubAnalyzer{delay: 50 * time.Millisecond}
	gateway := NewGateway(analyzer, 2, zap.NewNop())

	require.True(t, gateway.AnalyzeAsync(Request{Telemetry: sampleTelemetry()}))

	done := make(chan struct{})
	go func() {
		for range gateway.Results() {
		}
		close(done)
	}()

	gateway.Close()
	<-done
	assert.Equal(t, int32(1), analyzer.calls.Load())
}
