package llm

import (
	"sync"

	"home-orchestrator/internal/engine"
	"home-orchestrator/internal/models"
	"home-orchestrator/internal/tracker"

	"go.uber.org/zap"
)

// defaultWorkers bounds concurrent outbound LLM calls. The orchestrator
// additionally enforces a single analysis in flight; the pool bound is
// the backstop against request fan-out.
const defaultWorkers = 2

// Analyzer is the blocking analysis call the gateway dispatches.
// Satisfied by *Client; tests substitute a stub.
type Analyzer interface {
	Analyze(
		t *models.TelemetryMessage,
		context map[string]map[string]engine.SensorSummary,
		recent []tracker.HistoryEntry,
	) *models.Command
}

// Request carries one telemetry snapshot plus its prompt context into a
// worker. Context and recent are copies; workers never touch live
// engine or tracker state.
type Request struct {
	Telemetry *models.TelemetryMessage
	Context   map[string]map[string]engine.SensorSummary
	Recent    []tracker.HistoryEntry
}

// Gateway runs LLM analysis on a bounded worker pool and hands results
// back over a channel, keeping the blocking call off the event loop.
type Gateway struct {
	analyzer Analyzer
	logger   *zap.Logger

	jobs    chan Request
	results chan *models.Command

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewGateway starts the worker pool. workers <= 0 selects the default.
func NewGateway(analyzer Analyzer, workers int, logger *zap.Logger) *Gateway {
	if workers <= 0 {
		workers = defaultWorkers
	}

	g := &Gateway{
		analyzer: analyzer,
		logger:   logger,
		jobs:     make(chan Request, workers),
		results:  make(chan *models.Command, workers),
	}

	g.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go g.worker()
	}
	return g
}

func (g *Gateway) worker() {
	defer g.wg.Done()
	for req := range g.jobs {
		// Analyze degrades to nil on any failure; nil is still
		// delivered so the caller can clear its in-flight flag.
		g.results <- g.analyzer.Analyze(req.Telemetry, req.Context, req.Recent)
	}
}

// AnalyzeAsync submits a request without blocking. Returns false when
// the queue is full; the caller treats that as "no escalation".
func (g *Gateway) AnalyzeAsync(req Request) bool {
	select {
	case g.jobs <- req:
		g.logger.Debug("LLM analysis submitted",
			zap.String("device_id", req.Telemetry.DeviceID),
		)
		return true
	default:
		g.logger.Warn("LLM analysis queue full, dropping escalation",
			zap.String("device_id", req.Telemetry.DeviceID),
		)
		return false
	}
}

// Results delivers one *models.Command (nil = no action) per submitted
// request. The orchestrator drains this from its event loop.
func (g *Gateway) Results() <-chan *models.Command {
	return g.results
}

// Close stops the workers after in-flight requests finish.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.jobs)
		g.wg.Wait()
		close(g.results)
	})
}
