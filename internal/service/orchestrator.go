package service

import (
	"context"
	"errors"
	"time"

	"home-orchestrator/internal/cache"
	"home-orchestrator/internal/codec"
	"home-orchestrator/internal/config"
	"home-orchestrator/internal/engine"
	"home-orchestrator/internal/llm"
	"home-orchestrator/internal/models"
	"home-orchestrator/internal/mqtt"
	"home-orchestrator/internal/repository"
	"home-orchestrator/internal/rules"
	"home-orchestrator/internal/tracker"

	"go.uber.org/zap"
)

// subscriptions are the topic filters the orchestrator consumes,
// including the legacy flat-telemetry topic.
var subscriptions = []string{
	"home/+/+/telemetry",
	"home/+/+/ack",
	"home/_registry/+/birth",
	"home/_registry/+/will",
	"/device/+/telemetry",
}

// Transport is the MQTT client surface the orchestrator needs.
// Satisfied by *mqtt.Client; tests substitute a fake.
type Transport interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
	IsConnected() bool
}

// LLMChecker is the capability-query side of the LLM client, resolved
// once at startup.
type LLMChecker interface {
	IsAvailable() bool
}

type rawMessage struct {
	topic   string
	payload []byte
}

// Status is the operator-facing health snapshot.
type Status struct {
	Connected       int  `json:"connected_devices"`
	KnownDevices    int  `json:"known_devices"`
	PendingCommands int  `json:"pending_commands"`
	SensorStates    int  `json:"sensor_states"`
	LLMAvailable    bool `json:"llm_available"`
}

// Orchestrator wires transport events to the decision engine and the
// correlation tracker. One goroutine (Run) processes all inbound
// messages sequentially; the only concurrency is the LLM worker pool,
// whose results re-enter the loop through the gateway's channel.
type Orchestrator struct {
	cfg     *config.Config
	logger  *zap.Logger
	engine  *engine.Engine
	tracker *tracker.Tracker
	gateway *llm.Gateway

	transport  Transport
	llmChecker LLMChecker
	snapshot   *cache.SnapshotWriter            // nil = disabled
	commandLog *repository.CommandLogRepository // nil = disabled

	devices map[string]*models.DeviceInfo

	inbound chan rawMessage
	ctx     context.Context

	// llmAvailable is resolved once at startup; analysisInFlight
	// enforces the single-flight policy. Both are touched only from
	// the Run goroutine.
	llmAvailable     bool
	analysisInFlight bool

	now func() time.Time
}

// New assembles an orchestrator from its collaborators. Optional
// side channels (snapshot writer, command log) may be nil.
func New(
	cfg *config.Config,
	ruleSet *rules.RuleSet,
	transport Transport,
	gateway *llm.Gateway,
	llmChecker LLMChecker,
	snapshot *cache.SnapshotWriter,
	commandLog *repository.CommandLogRepository,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		engine:     engine.New(ruleSet, logger),
		tracker:    tracker.New(transport, logger),
		gateway:    gateway,
		transport:  transport,
		llmChecker: llmChecker,
		snapshot:   snapshot,
		commandLog: commandLog,
		devices:    make(map[string]*models.DeviceInfo),
		inbound:    make(chan rawMessage, 256),
		now:        time.Now,
	}
}

// Engine exposes the decision engine for tests and the status surface.
func (o *Orchestrator) Engine() *engine.Engine {
	return o.engine
}

// Tracker exposes the correlation tracker for tests and the status
// surface.
func (o *Orchestrator) Tracker() *tracker.Tracker {
	return o.tracker
}

// Run subscribes to all topics and processes events until the context
// is cancelled. Nothing that happens inside the loop terminates it:
// decode failures, evaluation problems, and escalation errors are logged
// and the loop moves on.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx

	for _, topic := range subscriptions {
		if err := o.transport.Subscribe(topic, o.cfg.MQTT.QoS, o.enqueue); err != nil {
			return err
		}
	}
	o.logger.Info("Subscribed to topics", zap.Strings("topics", subscriptions))

	if o.llmChecker != nil {
		o.llmAvailable = o.llmChecker.IsAvailable()
	}
	if o.llmAvailable {
		o.logger.Info("LLM is available")
	} else {
		o.logger.Warn("LLM is not available - running rules-only mode")
	}

	sweep := time.NewTicker(o.cfg.Engine.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-o.inbound:
			o.dispatch(msg.topic, msg.payload)
		case cmd := <-o.gateway.Results():
			o.handleLLMResult(cmd)
		case <-sweep.C:
			o.runSweep()
		}
	}
}

// Stop disconnects the transport and drains the LLM workers.
func (o *Orchestrator) Stop() {
	o.transport.Disconnect()
	o.gateway.Close()
	o.logger.Info("Orchestrator stopped")
}

// Status returns the operator-facing health snapshot. Call from the
// loop goroutine or after Run has returned.
func (o *Orchestrator) Status() Status {
	online := 0
	for _, d := range o.devices {
		if d.Online {
			online++
		}
	}
	return Status{
		Connected:       online,
		KnownDevices:    len(o.devices),
		PendingCommands: o.tracker.PendingCount(),
		SensorStates:    o.engine.StateCount(),
		LLMAvailable:    o.llmAvailable,
	}
}

// enqueue is the transport callback. It runs on the paho client's
// goroutine and hands the raw message to the loop; the channel is the
// thread-safe boundary.
func (o *Orchestrator) enqueue(topic string, payload []byte) error {
	select {
	case o.inbound <- rawMessage{topic: topic, payload: payload}:
	case <-o.ctx.Done():
	}
	return nil
}

func (o *Orchestrator) dispatch(topic string, payload []byte) {
	msg, err := codec.Decode(topic, payload)
	if err != nil {
		if errors.Is(err, codec.ErrUnknownType) {
			o.logger.Debug("Ignoring message", zap.String("topic", topic), zap.Error(err))
		} else {
			o.logger.Warn("Dropping undecodable message",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
		return
	}

	switch msg.Type {
	case codec.TypeTelemetry:
		o.handleTelemetry(msg.Telemetry)
	case codec.TypeAck:
		o.handleAck(msg.Ack)
	case codec.TypeBirth:
		o.handleBirth(msg.Device)
	case codec.TypeWill:
		o.handleWill(msg.Device)
	default:
		// Commands addressed to devices can echo back on shared
		// subscriptions; they are not ours to process.
		o.logger.Debug("Ignoring message type",
			zap.String("type", msg.Type),
			zap.String("topic", topic),
		)
	}
}

func (o *Orchestrator) handleTelemetry(t *models.TelemetryMessage) {
	o.logger.Debug("Received telemetry",
		zap.String("device_id", t.DeviceID),
		zap.Int("readings", len(t.Readings)),
	)

	if o.snapshot != nil {
		o.snapshot.Update(o.ctx, t)
	}

	commands := o.engine.Evaluate(t)
	for i := range commands {
		o.executeCommand(&commands[i])
	}

	if len(commands) > 0 || !o.engine.ShouldEscalateToLLM(t) {
		return
	}
	if !o.llmAvailable || o.analysisInFlight {
		return
	}

	o.logger.Info("Escalating to LLM for analysis", zap.String("device_id", t.DeviceID))
	o.analysisInFlight = true
	submitted := o.gateway.AnalyzeAsync(llm.Request{
		Telemetry: t,
		Context:   o.engine.ContextSummary(),
		Recent:    o.tracker.Recent(),
	})
	if !submitted {
		o.analysisInFlight = false
	}
}

func (o *Orchestrator) handleLLMResult(cmd *models.Command) {
	o.analysisInFlight = false
	if cmd == nil {
		o.logger.Debug("LLM analysis complete, no action needed")
		return
	}
	o.logger.Info("LLM analysis complete, executing command",
		zap.String("target", cmd.Target),
		zap.String("reason", cmd.Reason),
	)
	o.executeCommand(cmd)
}

func (o *Orchestrator) executeCommand(cmd *models.Command) {
	correlationID, err := o.tracker.Publish(cmd)
	if err != nil {
		// The command is un-sent; rule cooldown state already
		// advanced, so the next firing waits for the window.
		o.logger.Error("Failed to execute command",
			zap.String("target", cmd.Target),
			zap.Error(err),
		)
		return
	}

	if o.commandLog != nil {
		if err := o.commandLog.InsertCommand(o.ctx, cmd, o.now()); err != nil {
			o.logger.Error("Failed to record command",
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) handleAck(ack *models.CommandAck) {
	resolved := o.tracker.Resolve(ack)
	o.logger.Info("Command acknowledged",
		zap.String("correlation_id", ack.CorrelationID),
		zap.String("status", ack.Status),
		zap.Bool("was_pending", resolved),
	)

	if ack.Status != models.AckExecuted && ack.Status != models.AckQueued {
		o.logger.Warn("Command failed on device",
			zap.String("correlation_id", ack.CorrelationID),
			zap.String("status", ack.Status),
			zap.String("error", ack.Error),
		)
	}

	if o.commandLog != nil {
		if err := o.commandLog.UpdateAck(o.ctx, ack, o.now()); err != nil {
			o.logger.Error("Failed to record ack",
				zap.String("correlation_id", ack.CorrelationID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) handleBirth(device *models.DeviceInfo) {
	device.LastSeen = o.now()
	o.devices[device.DeviceID] = device
	o.logger.Info("Device registered",
		zap.String("device_id", device.DeviceID),
		zap.String("location", device.Location),
	)
}

func (o *Orchestrator) handleWill(device *models.DeviceInfo) {
	if known, ok := o.devices[device.DeviceID]; ok {
		known.Online = false
	}
	o.logger.Warn("Device offline", zap.String("device_id", device.DeviceID))
}

func (o *Orchestrator) runSweep() {
	expired := o.tracker.SweepExpired()
	if len(expired) > 0 && o.commandLog != nil {
		ids := make([]string, len(expired))
		for i := range expired {
			ids[i] = expired[i].CorrelationID
		}
		if err := o.commandLog.MarkExpired(o.ctx, ids, o.now()); err != nil {
			o.logger.Error("Failed to mark expired commands", zap.Error(err))
		}
	}

	o.engine.EvictStale(o.cfg.Engine.StateTTL)
}
